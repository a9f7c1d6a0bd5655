package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/bulk"
	"github.com/sells-group/cdr-sync/internal/cdr"
	"github.com/sells-group/cdr-sync/internal/store"
	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// ErrTickInFlight is returned when a tick starts while another is running.
var ErrTickInFlight = eris.New("syncer: previous tick still running")

// Tick syncs every account of the tree for every day of w. Failures of one
// account or day are logged and counted; only authentication failures and
// cancellation end the tick early.
func (s *Syncer) Tick(ctx context.Context, w Window) (store.RunStats, error) {
	spec := store.RunSpec{Mode: ModePoll, WindowStart: w.Start, WindowEnd: w.End}

	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		// One skipped row per running tick, however many ticks it blocks.
		if s.skipRecorded.CompareAndSwap(false, true) {
			if _, err := s.runs.RecordSkipped(ctx, spec); err != nil {
				s.log.Warn("syncer: record skipped run", zap.Error(err))
			}
		}
		return store.RunStats{}, ErrTickInFlight
	}
	defer s.inFlight.Store(false)
	s.skipRecorded.Store(false)

	started := s.now()
	log := s.log.With(zap.Stringer("window", w))
	log.Info("syncer: tick started")

	run, err := s.runs.CreateRun(ctx, spec)
	if err != nil {
		log.Warn("syncer: create run", zap.Error(err))
	}

	stats, err := s.walk(ctx, w, log)
	s.metrics.ObserveTick(s.now().Sub(started))

	if run != nil && run.ID != "" {
		var rerr error
		if err != nil {
			rerr = s.runs.FailRun(context.WithoutCancel(ctx), run.ID, stats, err.Error())
		} else {
			rerr = s.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, stats)
		}
		if rerr != nil {
			log.Warn("syncer: finish run", zap.Error(rerr))
		}
	}

	if err != nil {
		log.Error("syncer: tick failed", zap.Error(err),
			zap.Int("accounts", stats.Accounts),
			zap.Int("records", stats.Records),
			zap.Int("failures", stats.Failures),
		)
		return stats, err
	}
	log.Info("syncer: tick finished",
		zap.Int("accounts", stats.Accounts),
		zap.Int("records", stats.Records),
		zap.Int("failures", stats.Failures),
		zap.Duration("elapsed", s.now().Sub(started)),
	)
	return stats, nil
}

// Loop runs a tick every interval over the window windowFn returns. Ticks run
// detached so that a slow tick causes later ones to be skipped rather than
// queued. Loop returns when ctx is done, after the running tick returns.
func (s *Syncer) Loop(ctx context.Context, interval time.Duration, windowFn func(now time.Time) Window) error {
	if interval <= 0 {
		return eris.New("syncer: loop interval must be positive")
	}
	s.log.Info("syncer: loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("syncer: loop stopping")
			return nil
		case <-ticker.C:
			w := windowFn(s.now())
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.recoverTask(ModePoll, "")
				if _, err := s.Tick(ctx, w); errors.Is(err, ErrTickInFlight) {
					s.log.Debug("syncer: tick skipped", zap.Stringer("window", w))
				}
			}()
		}
	}
}

func (s *Syncer) walk(ctx context.Context, w Window, log *zap.Logger) (store.RunStats, error) {
	var stats store.RunStats

	root, err := s.rootAccount(ctx)
	if err != nil {
		return stats, err
	}

	// TODO: one CDRsForDateRange call per account over the whole window would
	// replace the per-day tree walk if Crossbar pages multi-day ranges reliably.
	seen := make(map[string]bool)
	for _, day := range w.Days() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		accounts, err := s.accounts(ctx, root)
		if err != nil {
			if isAuth(err) {
				return stats, err
			}
			log.Error("syncer: list accounts", zap.Stringer("day", day), zap.Error(err))
			s.metrics.AccountFailed()
			stats.Failures++
			continue
		}

		for _, acct := range accounts {
			if !seen[acct.ID] {
				seen[acct.ID] = true
				stats.Accounts++
			}
			n, err := s.syncAccount(ctx, acct, day)
			stats.Records += n
			if err == nil {
				continue
			}
			if isAuth(err) || ctx.Err() != nil {
				return stats, err
			}
			log.Error("syncer: account sync failed",
				zap.String("account_id", acct.ID),
				zap.String("account_name", acct.Name),
				zap.Stringer("day", day),
				zap.Error(err),
			)
			s.metrics.AccountFailed()
			stats.Failures++
		}
	}
	return stats, nil
}

// rootAccount resolves the session account, including its realm. A failed
// account lookup other than an auth failure falls back to the session.
func (s *Syncer) rootAccount(ctx context.Context) (crossbar.Account, error) {
	sess := s.source.Session()
	if sess.AccountID == "" {
		if err := s.source.Authenticate(ctx); err != nil {
			return crossbar.Account{}, err
		}
		sess = s.source.Session()
	}
	root := crossbar.Account{ID: sess.AccountID, Name: sess.AccountName}

	acct, err := s.source.Account(ctx, sess.AccountID)
	if err != nil {
		if isAuth(err) || ctx.Err() != nil {
			return crossbar.Account{}, err
		}
		s.log.Warn("syncer: root account lookup failed", zap.String("account_id", sess.AccountID), zap.Error(err))
		return root, nil
	}
	root.Realm = acct.Realm
	if acct.Name != "" {
		root.Name = acct.Name
	}
	return root, nil
}

// accounts re-walks the tree below root. It is called once per day of the
// window so accounts created mid-window are picked up.
func (s *Syncer) accounts(ctx context.Context, root crossbar.Account) ([]crossbar.Account, error) {
	var tree []crossbar.Account
	if s.includeParent {
		tree = append(tree, root)
	}
	descendants, err := s.source.AccountDescendants(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	tree = append(tree, descendants...)

	if s.accountFilter == "" {
		return tree, nil
	}
	for _, a := range tree {
		if a.ID == s.accountFilter {
			return []crossbar.Account{a}, nil
		}
	}
	return nil, eris.Errorf("syncer: account %s is not in the tree of %s", s.accountFilter, root.ID)
}

func (s *Syncer) syncAccount(ctx context.Context, acct crossbar.Account, day Window) (int, error) {
	raw, err := s.source.CDRsForDateRange(ctx, acct.ID, day.Start, day.End)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		s.log.Debug("syncer: no CDRs to index", zap.String("account_id", acct.ID), zap.Stringer("day", day))
		return 0, nil
	}

	batch := make(bulk.Batch, 0, len(raw))
	for _, r := range raw {
		p, err := s.pollPair(cdr.Record(r), &acct)
		if err != nil {
			s.log.Warn("syncer: record skipped", zap.String("account_id", acct.ID), zap.Any("id", r[cdr.FieldID]), zap.Error(err))
			continue
		}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	res, err := s.writer.Bulk(ctx, batch)
	indexed := 0
	if res != nil {
		indexed = res.Succeeded
	}
	s.metrics.Indexed(ModePoll, indexed)
	if err != nil {
		s.metrics.BulkError(ModePoll)
		return indexed, err
	}
	s.log.Info("syncer: account indexed",
		zap.String("account_id", acct.ID),
		zap.String("account_name", acct.Name),
		zap.Int("records", indexed),
	)
	return indexed, nil
}

func (s *Syncer) pollPair(r cdr.Record, owner *crossbar.Account) (bulk.Pair, error) {
	rec, err := s.enricher.Enrich(r)
	if err != nil {
		return bulk.Pair{}, err
	}
	return s.formatter.Pair(rec, owner)
}

func (s *Syncer) recoverTask(mode, id string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("syncer: panic: %v", r)
		s.log.Error("syncer: task panicked", zap.String("mode", mode), zap.String("id", id), zap.Error(err))
		if mode != ModePoll {
			s.complete(Outcome{Mode: mode, ID: id, Err: err})
		}
	}
}

func isAuth(err error) bool {
	var ae *crossbar.AuthError
	return errors.As(err, &ae)
}
