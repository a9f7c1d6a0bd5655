// Package bulk builds Elasticsearch bulk-upsert bodies for CDRs.
package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-sync/internal/cdr"
	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// Owner annotation fields.
const (
	FieldAccountName  = "account_name"
	FieldAccountRealm = "account_realm"
)

// Header addresses the document an update instruction applies to.
type Header struct {
	Update Target `json:"update"`
}

// Target is the index and id of a bulk instruction.
type Target struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// Document is the body of an upsert instruction.
type Document struct {
	Doc         cdr.Record `json:"doc"`
	DocAsUpsert bool       `json:"doc_as_upsert"`
}

// Pair is one header-then-document bulk instruction.
type Pair struct {
	Header   Header
	Document Document
}

// Batch is an ordered set of instructions sent in one bulk request.
type Batch []Pair

// Lines returns the batch as the flat header, document, header, document...
// sequence of the bulk API.
func (b Batch) Lines() []any {
	out := make([]any, 0, len(b)*2)
	for _, p := range b {
		out = append(out, p.Header, p.Document)
	}
	return out
}

// NDJSON encodes the batch as a newline-delimited bulk request body.
func (b Batch) NDJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range b.Lines() {
		if err := enc.Encode(line); err != nil {
			return nil, eris.Wrap(err, "bulk: encode line")
		}
	}
	return buf.Bytes(), nil
}

// Indices returns the distinct target indices in order of first use.
func (b Batch) Indices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range b {
		if !seen[p.Header.Update.Index] {
			seen[p.Header.Update.Index] = true
			out = append(out, p.Header.Update.Index)
		}
	}
	return out
}

// Formatter turns enriched records into bulk instructions.
type Formatter struct {
	cdrPrefix      string
	recordingIndex string
}

// NewFormatter returns a Formatter writing CDRs to "{cdrPrefix}_{yyyymm}"
// indices and recordings to recordingIndex.
func NewFormatter(cdrPrefix, recordingIndex string) *Formatter {
	if cdrPrefix == "" {
		cdrPrefix = "cdrs"
	}
	if recordingIndex == "" {
		recordingIndex = "recordings"
	}
	return &Formatter{cdrPrefix: cdrPrefix, recordingIndex: recordingIndex}
}

// Partition returns the monthly index of an enriched record, chosen from the
// month of its local datetime field.
func (f *Formatter) Partition(rec cdr.Record) (string, error) {
	s, ok := rec.String(cdr.FieldDatetime)
	if !ok {
		return "", eris.New("bulk: record is not enriched (no datetime)")
	}
	t, err := time.Parse(cdr.DatetimeLayout, s)
	if err != nil {
		return "", eris.Wrapf(err, "bulk: parse datetime %q", s)
	}
	return fmt.Sprintf("%s_%s", f.cdrPrefix, t.Format("200601")), nil
}

// Format builds one upsert per record. When owner is set, each document is
// annotated with the owning account. Records must already be enriched.
func (f *Formatter) Format(records []cdr.Record, owner *crossbar.Account) (Batch, error) {
	batch := make(Batch, 0, len(records))
	for i, rec := range records {
		p, err := f.Pair(rec, owner)
		if err != nil {
			return nil, eris.Wrapf(err, "bulk: record %d", i)
		}
		batch = append(batch, p)
	}
	return batch, nil
}

// Pair builds the upsert of a single enriched record. It fails when the
// record has no partition or no document id.
func (f *Formatter) Pair(rec cdr.Record, owner *crossbar.Account) (Pair, error) {
	index, err := f.Partition(rec)
	if err != nil {
		return Pair{}, err
	}
	id, err := documentID(rec)
	if err != nil {
		return Pair{}, err
	}

	doc := rec
	if owner != nil {
		doc = annotate(rec, owner)
	}
	return Pair{
		Header:   Header{Update: Target{Index: index, ID: id}},
		Document: Document{Doc: doc, DocAsUpsert: true},
	}, nil
}

// FormatRecordings builds upserts for recording metadata keyed by its id.
func (f *Formatter) FormatRecordings(recordings []cdr.Record) (Batch, error) {
	batch := make(Batch, 0, len(recordings))
	for i, rec := range recordings {
		id, ok := rec.String(cdr.FieldID)
		if !ok {
			return nil, eris.Errorf("bulk: recording %d has no id", i)
		}
		batch = append(batch, Pair{
			Header:   Header{Update: Target{Index: f.recordingIndex, ID: id}},
			Document: Document{Doc: rec, DocAsUpsert: true},
		})
	}
	return batch, nil
}

// documentID prefers the Crossbar id and falls back to the formatted CDR id
// for records taken straight from a push payload.
func documentID(rec cdr.Record) (string, error) {
	if id, ok := rec.String(cdr.FieldID); ok {
		return id, nil
	}
	return cdr.FormattedID(rec)
}

func annotate(rec cdr.Record, owner *crossbar.Account) cdr.Record {
	out := rec.Clone()
	if _, ok := out.String(cdr.FieldAccountID); !ok && owner.ID != "" {
		out[cdr.FieldAccountID] = owner.ID
	}
	if owner.Name != "" {
		out[FieldAccountName] = owner.Name
	}
	if owner.Realm != "" {
		out[FieldAccountRealm] = owner.Realm
	}
	return out
}
