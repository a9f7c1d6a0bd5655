package cdr

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// Layouts of the derived date fields.
const (
	DatetimeLayout        = "2006-01-02 15:04:05"
	RFC1036Layout         = "Mon, 2 Jan 2006 15:04:05 MST"
	ISO8601Layout         = "2006-01-02"
	ISO8601CombinedLayout = "2006-01-02T15:04:05Z"
)

// EnrichmentFieldError reports a derived field that could not be computed.
// The field is left off the record; the record itself is still usable.
type EnrichmentFieldError struct {
	Field  string
	Source string
	Reason string
}

func (e *EnrichmentFieldError) Error() string {
	return fmt.Sprintf("cdr: derive %s from %s: %s", e.Field, e.Source, e.Reason)
}

// Enricher adds the canonical date and routing fields to records.
type Enricher struct {
	loc *time.Location
	log *zap.Logger
}

// NewEnricher returns an Enricher rendering local fields in loc. A nil loc
// means time.Local and a nil log means zap.L().
func NewEnricher(loc *time.Location, log *zap.Logger) *Enricher {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.L()
	}
	return &Enricher{loc: loc, log: log.With(zap.String("component", "cdr.enricher"))}
}

// Enrich returns a copy of rec with datetime, unix_timestamp, rfc_1036,
// iso_8601, iso_8601_combined, dialed_number and calling_from set. Only a
// missing timestamp is an error; routing fields that cannot be derived are
// logged and omitted.
func (e *Enricher) Enrich(rec Record) (Record, error) {
	ts, ok := rec.Timestamp()
	if !ok {
		return nil, ErrNoTimestamp
	}

	at := crossbar.FromGregorian(ts)
	local := at.In(e.loc)

	out := rec.Clone()
	out[FieldDatetime] = local.Format(DatetimeLayout)
	out[FieldUnixTimestamp] = at.Unix()
	out[FieldRFC1036] = local.Format(RFC1036Layout)
	out[FieldISO8601] = local.Format(ISO8601Layout)
	out[FieldISO8601Combined] = at.Format(ISO8601CombinedLayout)

	if v, err := dialedNumber(rec); err != nil {
		e.warn(rec, err)
	} else {
		out[FieldDialedNumber] = v
	}

	if v, err := callingFrom(rec); err != nil {
		e.warn(rec, err)
	} else {
		out[FieldCallingFrom] = v
	}

	return out, nil
}

func (e *Enricher) warn(rec Record, err error) {
	e.log.Warn("cdr: derived field omitted",
		zap.Any("call_id", rec[FieldCallID]),
		zap.Error(err),
	)
}

func inbound(rec Record) bool {
	dir, _ := rec.String(FieldCallDirection)
	return dir == DirectionInbound
}

func dialedNumber(rec Record) (string, error) {
	src := FieldTo
	if inbound(rec) {
		src = FieldRequest
	}
	return userPart(rec, FieldDialedNumber, src)
}

func callingFrom(rec Record) (any, error) {
	if !inbound(rec) {
		return userPart(rec, FieldCallingFrom, FieldFromURI)
	}
	v, ok := rec[FieldCallerIDNumber]
	if !ok || v == nil {
		return nil, &EnrichmentFieldError{Field: FieldCallingFrom, Source: FieldCallerIDNumber, Reason: "missing"}
	}
	return v, nil
}

// userPart returns the part of a SIP address before the '@'.
func userPart(rec Record, field, src string) (string, error) {
	raw, ok := rec[src]
	if !ok || raw == nil {
		return "", &EnrichmentFieldError{Field: field, Source: src, Reason: "missing"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &EnrichmentFieldError{Field: field, Source: src, Reason: fmt.Sprintf("not a string (%T)", raw)}
	}
	user, _, found := strings.Cut(s, "@")
	if !found {
		return "", &EnrichmentFieldError{Field: field, Source: src, Reason: "no '@' in address"}
	}
	return user, nil
}
