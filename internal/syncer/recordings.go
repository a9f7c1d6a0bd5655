package syncer

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/cdr"
)

// SyncRecordings indexes the recording metadata of the session account.
func (s *Syncer) SyncRecordings(ctx context.Context) (int, error) {
	raw, err := s.source.Recordings(ctx)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		s.log.Info("syncer: no recordings to index")
		return 0, nil
	}

	recs := make([]cdr.Record, len(raw))
	for i, r := range raw {
		recs[i] = cdr.Record(r)
	}
	batch, err := s.formatter.FormatRecordings(recs)
	if err != nil {
		return 0, err
	}

	res, err := s.writer.Bulk(ctx, batch)
	n := 0
	if res != nil {
		n = res.Succeeded
	}
	s.metrics.Indexed(ModeRecordings, n)
	if err != nil {
		s.metrics.BulkError(ModeRecordings)
		return n, err
	}
	s.log.Info("syncer: recordings indexed", zap.Int("records", n))
	return n, nil
}
