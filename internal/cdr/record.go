// Package cdr holds the call-detail-record model, its enrichment and the
// identifiers derived from it.
package cdr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// Field names read from or written to a record.
const (
	FieldID              = "id"
	FieldCallID          = "call_id"
	FieldTimestamp       = "timestamp"
	FieldCallDirection   = "call_direction"
	FieldRequest         = "request"
	FieldTo              = "to"
	FieldCallerIDNumber  = "caller_id_number"
	FieldFromURI         = "from_uri"
	FieldAccountID       = "account_id"
	FieldCustomVars      = "custom_channel_vars"
	FieldDatetime        = "datetime"
	FieldUnixTimestamp   = "unix_timestamp"
	FieldRFC1036         = "rfc_1036"
	FieldISO8601         = "iso_8601"
	FieldISO8601Combined = "iso_8601_combined"
	FieldDialedNumber    = "dialed_number"
	FieldCallingFrom     = "calling_from"
)

// DirectionInbound is the call_direction value of calls entering the platform.
const DirectionInbound = "inbound"

const monthLayout = "200601"

// ErrNoTimestamp is returned when a record has no numeric timestamp.
var ErrNoTimestamp = eris.New("cdr: record has no numeric timestamp")

// Record is a call-detail-record as decoded from JSON.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r)+8)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value at key if it is a non-empty string.
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Timestamp returns the Crossbar (year 0 based) timestamp of the record.
func (r Record) Timestamp() (int64, bool) {
	return toInt64(r[FieldTimestamp])
}

// AccountID returns the owning account id. Records pushed from the event bus
// carry it under custom_channel_vars.
func (r Record) AccountID() string {
	if id, ok := r.String(FieldAccountID); ok {
		return id
	}
	if vars, ok := r[FieldCustomVars].(map[string]any); ok {
		if id, ok := vars[FieldAccountID].(string); ok {
			return id
		}
	}
	return ""
}

// FormattedID returns the "{yyyymm}-{call_id}" key Crossbar files the record
// under. The month is taken in UTC.
func FormattedID(r Record) (string, error) {
	ts, ok := r.Timestamp()
	if !ok {
		return "", ErrNoTimestamp
	}
	callID := fmt.Sprint(r[FieldCallID])
	if r[FieldCallID] == nil || callID == "" {
		return "", eris.New("cdr: record has no call_id")
	}
	month := crossbar.FromGregorian(ts).Format(monthLayout)
	if strings.HasPrefix(callID, month+"-") {
		return callID, nil
	}
	return month + "-" + callID, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt64(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt64(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
