// Package syncer drives the fetch, enrich, format and write pipeline from the
// poll loop, the webhook and the event queue.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/bulk"
	"github.com/sells-group/cdr-sync/internal/cdr"
	"github.com/sells-group/cdr-sync/internal/dedup"
	"github.com/sells-group/cdr-sync/internal/metrics"
	"github.com/sells-group/cdr-sync/internal/search"
	"github.com/sells-group/cdr-sync/internal/store"
	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// Modes label metrics, logs and run records.
const (
	ModePoll       = "poll"
	ModeWebhook    = "webhook"
	ModeQueue      = "queue"
	ModeRecordings = "recordings"
)

// Source is the part of the Crossbar client the syncer reads from.
type Source interface {
	Authenticate(ctx context.Context) error
	Session() crossbar.Session
	Account(ctx context.Context, accountID string) (crossbar.Account, error)
	AccountDescendants(ctx context.Context, rootID string) ([]crossbar.Account, error)
	CDRsForDateRange(ctx context.Context, accountID string, start, end time.Time) ([]map[string]any, error)
	CDR(ctx context.Context, accountID, cdrID string) (map[string]any, error)
	Recordings(ctx context.Context) ([]map[string]any, error)
}

// Outcome reports how a pushed event was handled.
type Outcome struct {
	Mode      string
	ID        string
	Duplicate bool
	Indexed   int
	Err       error
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLocation sets the zone local date fields are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(s *Syncer) { s.loc = loc }
}

// WithFormatter sets the bulk formatter.
func WithFormatter(f *bulk.Formatter) Option {
	return func(s *Syncer) { s.formatter = f }
}

// WithIncludeParent controls whether the root account's own CDRs are synced.
func WithIncludeParent(include bool) Option {
	return func(s *Syncer) { s.includeParent = include }
}

// WithAccount restricts poll mode to a single account of the tree.
func WithAccount(id string) Option {
	return func(s *Syncer) { s.accountFilter = id }
}

// WithWebhookDelay sets how long a webhook event waits before it is fetched.
func WithWebhookDelay(d time.Duration) Option {
	return func(s *Syncer) { s.webhookDelay = d }
}

// WithWebhookSource controls whether webhook events are re-fetched from
// Crossbar or indexed as pushed.
func WithWebhookSource(use bool) Option {
	return func(s *Syncer) { s.webhookUseSource = use }
}

// WithQueueSource controls whether queue events are re-fetched from Crossbar
// or indexed as pushed.
func WithQueueSource(use bool) Option {
	return func(s *Syncer) { s.queueUseSource = use }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithRunLog persists a record of every poll tick.
func WithRunLog(st store.Store) Option {
	return func(s *Syncer) { s.runs = st }
}

// WithCompletionHook is called once per pushed event after it is handled.
func WithCompletionHook(fn func(Outcome)) Option {
	return func(s *Syncer) { s.onComplete = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer owns the pipeline collaborators. It is safe for concurrent use by
// the three drive modes.
type Syncer struct {
	source    Source
	writer    search.Writer
	cache     dedup.Cache
	enricher  *cdr.Enricher
	formatter *bulk.Formatter
	runs      store.Store
	metrics   *metrics.Metrics
	log       *zap.Logger
	loc       *time.Location
	now       func() time.Time

	includeParent    bool
	accountFilter    string
	webhookDelay     time.Duration
	webhookUseSource bool
	queueUseSource   bool
	onComplete       func(Outcome)

	inFlight     atomic.Bool
	skipRecorded atomic.Bool
	pending      sync.Map

	bg     context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New returns a Syncer reading from source, writing to writer and
// deduplicating pushed events through cache.
func New(source Source, writer search.Writer, cache dedup.Cache, opts ...Option) *Syncer {
	s := &Syncer{
		source:           source,
		writer:           writer,
		cache:            cache,
		runs:             store.Nop{},
		log:              zap.L(),
		loc:              time.Local,
		now:              time.Now,
		includeParent:    true,
		webhookDelay:     2 * time.Second,
		webhookUseSource: true,
		queueUseSource:   true,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = dedup.NewMemory(0)
	}
	if s.formatter == nil {
		s.formatter = bulk.NewFormatter("", "")
	}
	s.log = s.log.With(zap.String("component", "syncer"))
	s.enricher = cdr.NewEnricher(s.loc, s.log)
	s.bg, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close cancels detached webhook tasks and waits for them to return.
func (s *Syncer) Close() {
	s.cancel()
	s.tasks.Wait()
}

// Wait blocks until every detached webhook task has returned.
func (s *Syncer) Wait() {
	s.tasks.Wait()
}

func (s *Syncer) complete(o Outcome) {
	if s.onComplete != nil {
		s.onComplete(o)
	}
}
