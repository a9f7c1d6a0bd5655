package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/cdr-sync/internal/bulk"
	"github.com/sells-group/cdr-sync/internal/search"
	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

// --- Source Mock ---

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Authenticate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSource) Session() crossbar.Session {
	return m.Called().Get(0).(crossbar.Session)
}

func (m *mockSource) Account(ctx context.Context, accountID string) (crossbar.Account, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(crossbar.Account), args.Error(1)
}

func (m *mockSource) AccountDescendants(ctx context.Context, rootID string) ([]crossbar.Account, error) {
	args := m.Called(ctx, rootID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]crossbar.Account), args.Error(1)
}

func (m *mockSource) CDRsForDateRange(ctx context.Context, accountID string, start, end time.Time) ([]map[string]any, error) {
	args := m.Called(ctx, accountID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]any), args.Error(1)
}

func (m *mockSource) CDR(ctx context.Context, accountID, cdrID string) (map[string]any, error) {
	args := m.Called(ctx, accountID, cdrID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *mockSource) Recordings(ctx context.Context) ([]map[string]any, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]any), args.Error(1)
}

// --- Writer Mock ---

type mockWriter struct {
	mock.Mock

	mu      sync.Mutex
	batches []bulk.Batch
}

func (m *mockWriter) Bulk(ctx context.Context, batch bulk.Batch) (*search.BulkResult, error) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	m.mu.Unlock()

	args := m.Called(ctx, batch)
	switch v := args.Get(0).(type) {
	case nil:
		return nil, args.Error(1)
	case func(bulk.Batch) *search.BulkResult:
		return v(batch), args.Error(1)
	default:
		return v.(*search.BulkResult), args.Error(1)
	}
}

func (m *mockWriter) written() []bulk.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bulk.Batch(nil), m.batches...)
}

// acceptAll reports every item of a batch as written.
func acceptAll(batch bulk.Batch) *search.BulkResult {
	return &search.BulkResult{Succeeded: len(batch)}
}
