package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	maxResponseBytes   = 8 << 20
)

type Config struct {
	BaseURL       string
	HTTPClient    HTTPDoer
	Tokens        TokenSource
	ClientVersion string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	Diagnostics   *Diagnostics
	Logger        *slog.Logger
	// Sleep waits between retries; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) bool
	Now   func() time.Time
}

// Resilient executes requests with a hard per-attempt timeout and retries reads.
type Resilient struct {
	baseURL     string
	client      HTTPDoer
	tokens      TokenSource
	version     string
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	diagnostics *Diagnostics
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) bool
	now         func() time.Time
}

func NewResilient(cfg Config) *Resilient {
	r := &Resilient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      cfg.HTTPClient,
		tokens:      cfg.Tokens,
		version:     ClientVersion(cfg.ClientVersion),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		diagnostics: cfg.Diagnostics,
		logger:      cfg.Logger,
		sleep:       cfg.Sleep,
		now:         cfg.Now,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.backoffBase <= 0 {
		r.backoffBase = DefaultBackoffBase
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "transport")
	}
	if r.sleep == nil {
		r.sleep = sleepWithContext
	}
	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// Backoff returns the wait before retrying after failed attempt n (1-based): base * 2^(n-1).
func (r *Resilient) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	return r.backoffBase << (n - 1)
}

func (r *Resilient) Do(ctx context.Context, req *Request) (*Response, error) {
	req = req.Clone()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set(HeaderClientVersion, r.version)

	started := r.now()
	attempts := 1
	if req.IsRead() {
		attempts = r.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.withAuth(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		wait := r.Backoff(attempt)
		r.logger.Debug("retrying request", "method", req.Method, "path", req.Path, "attempt", attempt, "wait", wait, "error", err)
		if !r.sleep(ctx, wait) {
			lastErr = r.canceled(req, ctx.Err())

			break
		}
	}

	r.recordFailure(req, lastErr, started)

	return nil, lastErr
}

// withAuth attaches the bearer token and replays once after a forced refresh on 401.
func (r *Resilient) withAuth(ctx context.Context, req *Request) (*Response, error) {
	if r.tokens == nil {
		return r.attempt(ctx, req, "")
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, r.authError(req, err)
	}
	resp, err := r.attempt(ctx, req, token)
	if KindOf(err) != KindAuth {
		return resp, err
	}

	r.logger.Info("request rejected with 401, refreshing credentials", "method", req.Method, "path", req.Path)
	token, refreshErr := r.tokens.ForceRefresh(ctx, token)
	if refreshErr != nil {
		return nil, r.authError(req, refreshErr)
	}

	return r.attempt(ctx, req, token)
}

func (r *Resilient) attempt(ctx context.Context, req *Request, token string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := r.url(req)
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Method: req.Method, URL: target, Message: "build request", Err: err}
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, r.networkError(ctx, attemptCtx, req.Method, target, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, r.networkError(ctx, attemptCtx, req.Method, target, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &Error{
			Kind:    kindForStatus(httpResp.StatusCode),
			Status:  httpResp.StatusCode,
			Method:  req.Method,
			URL:     target,
			Message: serverMessage(httpResp.StatusCode, raw),
		}
	}

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func (r *Resilient) url(req *Request) string {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = r.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	return target
}

func (r *Resilient) networkError(parent, attemptCtx context.Context, method, target string, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &Error{Kind: KindCanceled, Method: method, URL: target, Message: "request canceled", Err: err}
	}
	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Method: method, URL: target, Message: "request timed out", Err: err}
	}

	return &Error{Kind: KindNetwork, Method: method, URL: target, Message: "no response", Err: err}
}

func (r *Resilient) authError(req *Request, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Method: req.Method, URL: r.url(req), Message: "session expired", Err: err}
}

func (r *Resilient) canceled(req *Request, err error) error {
	return &Error{Kind: KindCanceled, Method: req.Method, URL: r.url(req), Message: "request canceled", Err: err}
}

func (r *Resilient) recordFailure(req *Request, err error, started time.Time) {
	if err == nil || KindOf(err) == KindCanceled {
		return
	}

	var te *Error
	entry := DiagnosticEntry{
		URL:        r.url(req),
		Method:     req.Method,
		Message:    err.Error(),
		DurationMs: r.now().Sub(started).Milliseconds(),
		Timestamp:  r.now(),
	}
	if errors.As(err, &te) {
		entry.Status = te.Status
		entry.Message = te.Message
	}
	r.logger.Warn("request failed", "method", req.Method, "url", entry.URL, "status", entry.Status, "error", err)
	if r.diagnostics != nil {
		r.diagnostics.Record(entry)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
