// Package webhook exposes the HTTP endpoint Kazoo posts call events to.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxPayload bounds the size of a call event body.
const maxPayload = 1 << 20

// Handler receives decoded call events.
type Handler interface {
	HandleWebhook(ctx context.Context, payload map[string]any) error
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Option configures the router.
type Option func(*router)

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *router) { r.metrics = h }
}

// WithCheck adds a dependency to GET /health.
func WithCheck(name string, c Check) Option {
	return func(r *router) { r.checks[name] = c }
}

type router struct {
	handler Handler
	metrics http.Handler
	checks  map[string]Check
	log     *zap.Logger
}

// NewRouter returns the HTTP routes of the webhook server.
func NewRouter(h Handler, opts ...Option) http.Handler {
	rt := &router{
		handler: h,
		checks:  make(map[string]Check),
		log:     zap.L().With(zap.String("component", "webhook")),
	}
	for _, o := range opts {
		o(rt)
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(rt.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Post("/api/calls", rt.calls)
	r.Get("/health", rt.health)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}
	return r
}

// calls always answers "success" so Kazoo does not redeliver; processing
// happens after the response.
func (rt *router) calls(w http.ResponseWriter, r *http.Request) {
	log := rt.log.With(zap.String("request_id", w.Header().Get(headerRequestID)))

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxPayload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		log.Warn("webhook: undecodable call event", zap.Error(err))
	} else if err := rt.handler.HandleWebhook(r.Context(), payload); err != nil {
		log.Warn("webhook: call event rejected", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "success")
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, check := range rt.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const headerRequestID = "X-Request-ID"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (rt *router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.log.Debug("webhook: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", w.Header().Get(headerRequestID)),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("webhook: server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "webhook: listen")
	case <-ctx.Done():
	}

	zap.L().Info("webhook: shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "webhook: shutdown")
	}
	return nil
}
