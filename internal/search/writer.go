// Package search writes CDR documents to Elasticsearch.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/bulk"
	"github.com/sells-group/cdr-sync/internal/resilience"
)

// Writer sends bulk batches to the search store.
type Writer interface {
	Bulk(ctx context.Context, batch bulk.Batch) (*BulkResult, error)
}

// Config configures the Elasticsearch connection.
type Config struct {
	Addresses    []string
	Username     string
	Password     string
	APIKey       string
	CloudID      string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	BreakerTrips int
	BreakerReset time.Duration
	// OnBreakerChange observes circuit transitions, e.g. for metrics.
	OnBreakerChange func(from, to resilience.CircuitState)
}

// BulkResult summarizes a bulk response.
type BulkResult struct {
	Succeeded int
	Failed    int
	Failures  []ItemFailure
}

// ItemFailure is one rejected bulk item.
type ItemFailure struct {
	Index  string
	ID     string
	Status int
	Type   string
	Reason string
}

// WriteError reports a write the search store did not accept. The batch is
// not retried beyond the writer's own attempts.
type WriteError struct {
	Op         string
	StatusCode int
	Failed     int
	Reason     string
	Err        error
}

func (e *WriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "search: %s", e.Op)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Failed > 0 {
		fmt.Fprintf(&b, ": %d items failed", e.Failed)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ES is a Writer backed by the official Elasticsearch client.
type ES struct {
	client  *elasticsearch.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// New creates an Elasticsearch writer.
func New(cfg Config) (*ES, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		cfg.Addresses = []string{"http://localhost:9200"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIKey:       cfg.APIKey,
		CloudID:      cfg.CloudID,
		DisableRetry: true,
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: create client")
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.RetryBackoff
		retry.MaxBackoff = 4 * cfg.RetryBackoff
	}
	retry.OnRetry = resilience.RetryLogger("elasticsearch", "bulk")

	return &ES{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerTrips,
			ResetTimeout:     cfg.BreakerReset,
			ShouldTrip:       resilience.IsTransient,
			OnStateChange:    cfg.OnBreakerChange,
		}),
		retry: retry,
		log:   zap.L().With(zap.String("component", "search")),
	}, nil
}

// Bulk sends batch in one _bulk request. Transient failures (429, 5xx,
// network) are retried; the upserts make a retried batch idempotent.
func (w *ES) Bulk(ctx context.Context, batch bulk.Batch) (*BulkResult, error) {
	if len(batch) == 0 {
		return &BulkResult{}, nil
	}
	body, err := batch.NDJSON()
	if err != nil {
		return nil, &WriteError{Op: "bulk", Err: err}
	}

	var result *BulkResult
	err = w.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
			var err error
			result, err = w.sendBulk(ctx, body)
			return err
		})
	})
	if err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			return result, we
		}
		return result, &WriteError{Op: "bulk", Err: err}
	}

	w.log.Debug("search: bulk written",
		zap.Int("items", len(batch)),
		zap.Strings("indices", batch.Indices()),
	)
	return result, nil
}

func (w *ES) sendBulk(ctx context.Context, body []byte) (*BulkResult, error) {
	res, err := w.client.Bulk(bytes.NewReader(body), w.client.Bulk.WithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "search: bulk request"), 0)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.IsError() {
		return nil, statusFailure("bulk", res)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &WriteError{Op: "bulk", Err: eris.Wrap(err, "decode response")}
	}

	result := parsed.summarize()
	if result.Failed == 0 {
		return result, nil
	}

	first := result.Failures[0]
	we := &WriteError{
		Op:     "bulk",
		Failed: result.Failed,
		Reason: fmt.Sprintf("%s/%s: %s: %s", first.Index, first.ID, first.Type, first.Reason),
	}
	if parsed.throttled() {
		return result, resilience.NewTransientError(we, http.StatusTooManyRequests)
	}
	return result, we
}

// Index writes a single document, replacing any document with the same id.
func (w *ES) Index(ctx context.Context, index, id string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Op: "index", Err: err}
	}
	res, err := w.client.Index(index, bytes.NewReader(b),
		w.client.Index.WithContext(ctx),
		w.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return &WriteError{Op: "index", Err: err}
	}
	defer res.Body.Close() //nolint:errcheck
	if res.IsError() {
		return statusFailure("index", res)
	}
	w.log.Info("search: document indexed", zap.String("index", index), zap.String("id", id))
	return nil
}

// Delete removes a document. It reports false when the document did not exist.
func (w *ES) Delete(ctx context.Context, index, id string) (bool, error) {
	res, err := w.client.Delete(index, id, w.client.Delete.WithContext(ctx))
	if err != nil {
		return false, &WriteError{Op: "delete", Err: err}
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, statusFailure("delete", res)
	}
	w.log.Info("search: document deleted", zap.String("index", index), zap.String("id", id))
	return true, nil
}

// Ping checks that the cluster answers.
func (w *ES) Ping(ctx context.Context) error {
	res, err := w.client.Ping(w.client.Ping.WithContext(ctx))
	if err != nil {
		return eris.Wrap(err, "search: ping")
	}
	defer res.Body.Close() //nolint:errcheck
	if res.IsError() {
		return eris.Errorf("search: ping: status %d", res.StatusCode)
	}
	return nil
}

// Breaker exposes the circuit state for health reporting.
func (w *ES) Breaker() resilience.CircuitState {
	return w.breaker.State()
}

func statusFailure(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	reason := string(raw)
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Type != "" {
		reason = parsed.Error.Type + ": " + parsed.Error.Reason
	}
	we := &WriteError{Op: op, StatusCode: res.StatusCode, Reason: reason}
	if resilience.IsTransientHTTPStatus(res.StatusCode) {
		return resilience.NewTransientError(we, res.StatusCode)
	}
	return we
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (r bulkResponse) summarize() *BulkResult {
	out := &BulkResult{}
	for _, entry := range r.Items {
		for _, item := range entry {
			if item.Error == nil && item.Status < 300 {
				out.Succeeded++
				continue
			}
			out.Failed++
			f := ItemFailure{Index: item.Index, ID: item.ID, Status: item.Status}
			if item.Error != nil {
				f.Type = item.Error.Type
				f.Reason = item.Error.Reason
			}
			out.Failures = append(out.Failures, f)
		}
	}
	return out
}

// throttled reports whether every failed item was rejected for load.
func (r bulkResponse) throttled() bool {
	any429 := false
	for _, entry := range r.Items {
		for _, item := range entry {
			if item.Error == nil && item.Status < 300 {
				continue
			}
			if item.Status != http.StatusTooManyRequests {
				return false
			}
			any429 = true
		}
	}
	return any429
}
