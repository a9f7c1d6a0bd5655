package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/cdr"
)

// HandleWebhook schedules a pushed call event for indexing and returns
// without waiting for it. Events already indexed within the dedup TTL, or
// already scheduled, are dropped. The detached task waits the webhook delay
// so Crossbar can persist the CDR before it is fetched.
func (s *Syncer) HandleWebhook(ctx context.Context, payload map[string]any) error {
	rec := cdr.Record(payload)
	id, err := cdr.FormattedID(rec)
	if err != nil {
		return eris.Wrap(err, "syncer: webhook payload")
	}
	log := s.log.With(zap.String("mode", ModeWebhook), zap.String("cdr_id", id))
	log.Debug("syncer: received call event")

	if s.duplicate(ctx, ModeWebhook, id, log) {
		return nil
	}
	if _, loaded := s.pending.LoadOrStore(id, struct{}{}); loaded {
		log.Info("syncer: CDR already scheduled")
		s.metrics.DedupHit(ModeWebhook)
		s.complete(Outcome{Mode: ModeWebhook, ID: id, Duplicate: true})
		return nil
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.pending.Delete(id)
		defer s.recoverTask(ModeWebhook, id)

		ctx := s.bg
		if s.webhookDelay > 0 {
			t := time.NewTimer(s.webhookDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				s.finish(ModeWebhook, id, 0, ctx.Err(), log)
				return
			case <-t.C:
			}
		}
		n, err := s.process(ctx, ModeWebhook, rec, id, s.webhookUseSource)
		s.finish(ModeWebhook, id, n, err, log)
	}()
	return nil
}

// HandleMessage indexes one call event from the queue. Field names are case
// folded first. The message is not redelivered, so failures are logged and
// the event dropped.
func (s *Syncer) HandleMessage(ctx context.Context, body []byte) error {
	defer s.recoverTask(ModeQueue, "")

	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		s.metrics.Message(ModeQueue, "invalid")
		s.log.Error("syncer: decode queue message", zap.Error(err))
		return eris.Wrap(err, "syncer: decode queue message")
	}

	rec := cdr.FoldRecord(payload)
	id, err := cdr.FormattedID(rec)
	if err != nil {
		s.metrics.Message(ModeQueue, "invalid")
		s.log.Error("syncer: queue message", zap.Error(err))
		return eris.Wrap(err, "syncer: queue message")
	}
	rec[cdr.FieldCallID] = id

	log := s.log.With(zap.String("mode", ModeQueue), zap.String("cdr_id", id))
	if s.duplicate(ctx, ModeQueue, id, log) {
		return nil
	}

	n, err := s.process(ctx, ModeQueue, rec, id, s.queueUseSource)
	s.finish(ModeQueue, id, n, err, log)
	return err
}

// duplicate reports whether id was indexed within the TTL. A failed lookup
// counts as a miss.
func (s *Syncer) duplicate(ctx context.Context, mode, id string, log *zap.Logger) bool {
	seen, err := s.cache.HasKey(ctx, id)
	if err != nil {
		log.Warn("syncer: dedup lookup failed", zap.Error(err))
		return false
	}
	if !seen {
		return false
	}
	log.Info("syncer: CDR has already been processed")
	s.metrics.DedupHit(mode)
	s.metrics.Message(mode, "duplicate")
	s.complete(Outcome{Mode: mode, ID: id, Duplicate: true})
	return true
}

// process fetches (or takes as pushed), enriches, formats and writes a single
// record, then caches its id.
func (s *Syncer) process(ctx context.Context, mode string, rec cdr.Record, id string, useSource bool) (int, error) {
	doc := rec
	if useSource {
		accountID := rec.AccountID()
		if accountID == "" {
			return 0, eris.Errorf("syncer: %s event %s has no account_id", mode, id)
		}
		raw, err := s.source.CDR(ctx, accountID, id)
		if err != nil {
			return 0, err
		}
		doc = cdr.Record(raw)
	}

	enriched, err := s.enricher.Enrich(doc)
	if err != nil {
		return 0, err
	}
	batch, err := s.formatter.Format([]cdr.Record{enriched}, nil)
	if err != nil {
		return 0, err
	}
	res, err := s.writer.Bulk(ctx, batch)
	if err != nil {
		s.metrics.BulkError(mode)
		return 0, err
	}
	n := 0
	if res != nil {
		n = res.Succeeded
	}
	s.metrics.Indexed(mode, n)

	if err := s.cache.Set(ctx, id, s.now()); err != nil {
		s.log.Warn("syncer: dedup set failed", zap.String("cdr_id", id), zap.Error(err))
	}
	return n, nil
}

func (s *Syncer) finish(mode, id string, n int, err error, log *zap.Logger) {
	if err != nil {
		log.Error("syncer: failed to process CDR", zap.Error(err))
		s.metrics.Message(mode, "failed")
	} else {
		log.Info("syncer: CDR indexed")
		s.metrics.Message(mode, "indexed")
	}
	s.complete(Outcome{Mode: mode, ID: id, Indexed: n, Err: err})
}
