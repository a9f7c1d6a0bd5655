// Package crossbar provides a client for the Kazoo Crossbar REST API.
package crossbar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client defines the Crossbar operations used for CDR synchronization.
type Client interface {
	// Authenticate exchanges the configured credentials for a session token.
	// Calling it again refreshes the token.
	Authenticate(ctx context.Context) error
	// Session returns the account the client is authenticated as.
	Session() Session
	// Account fetches the account document of accountID.
	Account(ctx context.Context, accountID string) (Account, error)
	// AccountChildren lists the direct children of rootID.
	AccountChildren(ctx context.Context, rootID string) ([]Account, error)
	// AccountDescendants lists every account below rootID.
	AccountDescendants(ctx context.Context, rootID string) ([]Account, error)
	// CDRsForDateRange returns every CDR of accountID created in [start, end].
	CDRsForDateRange(ctx context.Context, accountID string, start, end time.Time) ([]map[string]any, error)
	// CDR fetches a single CDR by its "{yyyymm}-{call_id}" id.
	CDR(ctx context.Context, accountID, cdrID string) (map[string]any, error)
	// Recordings lists the call recordings of the session account.
	Recordings(ctx context.Context) ([]map[string]any, error)
	// Recording fetches the metadata of one recording of the session account.
	Recording(ctx context.Context, recordingID string) (map[string]any, error)
}

// Account is a node of the reseller account tree.
type Account struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Realm string `json:"realm" yaml:"realm"`
}

// Session identifies the authenticated account.
type Session struct {
	AccountID   string
	AccountName string
}

// Option configures the Crossbar client.
type Option func(*httpClient)

// WithBaseURL sets the API root, e.g. "https://kazoo.example.com:8443/v2".
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithPageSize sets the page_size used for paginated listings.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *httpClient) {
		c.log = l
	}
}

type httpClient struct {
	accountName string
	credentials string
	baseURL     string
	pageSize    int
	http        *http.Client
	limiter     *rate.Limiter
	log         *zap.Logger

	mu      sync.RWMutex
	token   string
	session Session
}

// NewClient creates a Crossbar client that logs in as accountName with the
// given credentials hash.
func NewClient(accountName, credentials string, opts ...Option) Client {
	c := &httpClient{
		accountName: accountName,
		credentials: credentials,
		baseURL:     "http://localhost:8000/v2",
		pageSize:    50,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("component", "crossbar"))
	return c
}

// envelope is the response wrapper Crossbar puts around every payload.
type envelope struct {
	AuthToken    string          `json:"auth_token"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data"`
	NextStartKey startKey        `json:"next_start_key"`
}

// startKey is the pagination cursor. Crossbar sends it as either a string or
// a number depending on the view being paged.
type startKey string

func (k *startKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*k = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = startKey(s)
		return nil
	}
	*k = startKey(b)
	return nil
}

func (c *httpClient) Authenticate(ctx context.Context) error {
	c.log.Info("crossbar: authenticating", zap.String("account_name", c.accountName))

	body := map[string]any{
		"data": map[string]string{
			"credentials":  c.credentials,
			"account_name": c.accountName,
		},
	}

	var env envelope
	if err := c.send(ctx, http.MethodPut, "/user_auth", nil, body, "", &env); err != nil {
		return &AuthError{Err: err}
	}
	if env.AuthToken == "" {
		return &AuthError{Err: eris.New("response carried no auth_token")}
	}

	var data struct {
		AccountID   string `json:"account_id"`
		AccountName string `json:"account_name"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return &AuthError{Err: eris.Wrap(err, "decode session")}
		}
	}

	c.mu.Lock()
	c.token = env.AuthToken
	c.session = Session{AccountID: data.AccountID, AccountName: data.AccountName}
	c.mu.Unlock()

	c.log.Info("crossbar: authenticated", zap.String("account_id", data.AccountID))
	return nil
}

func (c *httpClient) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *httpClient) Account(ctx context.Context, accountID string) (Account, error) {
	var env envelope
	if err := c.call(ctx, http.MethodGet, accountPath(accountID), nil, &env); err != nil {
		return Account{}, err
	}
	var a Account
	if err := decodeData(env.Data, &a); err != nil {
		return Account{}, eris.Wrapf(err, "crossbar: decode account %s", accountID)
	}
	return a, nil
}

func (c *httpClient) AccountChildren(ctx context.Context, rootID string) ([]Account, error) {
	return c.accounts(ctx, rootID, "children")
}

func (c *httpClient) AccountDescendants(ctx context.Context, rootID string) ([]Account, error) {
	return c.accounts(ctx, rootID, "descendants")
}

func (c *httpClient) accounts(ctx context.Context, rootID, relation string) ([]Account, error) {
	q := url.Values{"paginate": []string{"false"}}
	var env envelope
	if err := c.call(ctx, http.MethodGet, accountPath(rootID, relation), q, &env); err != nil {
		return nil, err
	}
	var accounts []Account
	if err := decodeData(env.Data, &accounts); err != nil {
		return nil, eris.Wrapf(err, "crossbar: decode %s of %s", relation, rootID)
	}
	return accounts, nil
}

func (c *httpClient) CDRsForDateRange(ctx context.Context, accountID string, start, end time.Time) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("created_from", strconv.FormatInt(ToGregorian(start), 10))
	q.Set("created_to", strconv.FormatInt(ToGregorian(end), 10))

	cdrs, err := c.paginate(ctx, accountPath(accountID, "cdrs"), q)
	if err != nil {
		return nil, err
	}
	c.log.Debug("crossbar: fetched cdrs",
		zap.String("account_id", accountID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("count", len(cdrs)),
	)
	return cdrs, nil
}

func (c *httpClient) CDR(ctx context.Context, accountID, cdrID string) (map[string]any, error) {
	return c.single(ctx, accountPath(accountID, "cdrs", cdrID))
}

func (c *httpClient) Recordings(ctx context.Context) ([]map[string]any, error) {
	accountID, err := c.sessionAccount(ctx)
	if err != nil {
		return nil, err
	}
	return c.paginate(ctx, accountPath(accountID, "recordings"), url.Values{})
}

func (c *httpClient) Recording(ctx context.Context, recordingID string) (map[string]any, error) {
	accountID, err := c.sessionAccount(ctx)
	if err != nil {
		return nil, err
	}
	return c.single(ctx, accountPath(accountID, "recordings", recordingID))
}

// sessionAccount returns the authenticated account id, logging in first if
// needed.
func (c *httpClient) sessionAccount(ctx context.Context) (string, error) {
	if id := c.Session().AccountID; id != "" {
		return id, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	return c.Session().AccountID, nil
}

func (c *httpClient) single(ctx context.Context, path string) (map[string]any, error) {
	var env envelope
	if err := c.call(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := decodeData(env.Data, &doc); err != nil {
		return nil, eris.Wrapf(err, "crossbar: decode %s", path)
	}
	return doc, nil
}

// paginate follows next_start_key until Crossbar stops returning one. There
// is no page bound, so callers keep the queried range small.
func (c *httpClient) paginate(ctx context.Context, path string, q url.Values) ([]map[string]any, error) {
	q.Set("page_size", strconv.Itoa(c.pageSize))

	var all []map[string]any
	for page := 1; ; page++ {
		var env envelope
		if err := c.call(ctx, http.MethodGet, path, q, &env); err != nil {
			return nil, err
		}
		var docs []map[string]any
		if err := decodeData(env.Data, &docs); err != nil {
			return nil, eris.Wrapf(err, "crossbar: decode %s page %d", path, page)
		}
		all = append(all, docs...)

		if env.NextStartKey == "" {
			return all, nil
		}
		q.Set("start_key", string(env.NextStartKey))
	}
}

// call sends an authenticated request. A failed request is retried exactly
// once after a fresh login; the second failure is returned as an
// UpstreamRequestError.
func (c *httpClient) call(ctx context.Context, method, path string, q url.Values, out *envelope) error {
	token := c.currentToken()
	if token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
		token = c.currentToken()
	}

	err := c.send(ctx, method, path, q, nil, token, out)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &UpstreamRequestError{Method: method, Path: path, StatusCode: statusOf(err), Err: err}
	}

	c.log.Warn("crossbar: request failed, re-authenticating",
		zap.String("method", method),
		zap.String("path", path),
		zap.Error(err),
	)
	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	if err := c.send(ctx, method, path, q, nil, c.currentToken(), out); err != nil {
		return &UpstreamRequestError{Method: method, Path: path, StatusCode: statusOf(err), Err: err}
	}
	return nil
}

func (c *httpClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// send performs one HTTP round trip. token is attached when non-empty.
func (c *httpClient) send(ctx context.Context, method, path string, q url.Values, body any, token string, out *envelope) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	c.log.Debug("crossbar: request",
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Any("headers", redactHeaders(req.Header)),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: redactBody(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

// decodeData decodes a data payload keeping numbers as json.Number so large
// integer fields survive the round trip to the search index.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func accountPath(accountID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/accounts/")
	b.WriteString(url.PathEscape(accountID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}
