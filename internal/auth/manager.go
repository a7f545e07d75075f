// Package auth keeps the access credential valid, refreshing it before it expires.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/persistence"
)

const (
	DefaultRefreshBuffer = 5 * time.Minute
	defaultTokenTTL      = 15 * time.Minute
	refreshTimeout       = 30 * time.Second

	keyAccessToken    = "access_token"
	keyRefreshToken   = "refresh_token"
	keyExpiresAt      = "expires_at"
	keyRememberedUser = "remembered_user"

	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
)

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrRefreshFailed      = errors.New("credential refresh failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// HTTPDoer is the subset of *http.Client the manager needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// State is a snapshot of the stored credentials.
type State struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

type Config struct {
	BaseURL       string
	HTTPClient    HTTPDoer
	Store         persistence.KV
	RefreshBuffer time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Manager struct {
	baseURL string
	client  HTTPDoer
	store   persistence.KV
	buffer  time.Duration
	now     func() time.Time
	logger  *slog.Logger

	flight  singleflight.Group
	session *bus.Value[bool]
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ExpiresAtMs  int64  `json:"expiresAt"`
}

func NewManager(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "auth")
	}
	store := cfg.Store
	if store == nil {
		store = persistence.NewMemoryKV()
	}

	return &Manager{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		store:   store,
		buffer:  buffer,
		now:     now,
		logger:  logger,
		session: bus.NewValue(false),
	}
}

// Session reports whether credentials are present; it flips to false when they are cleared.
func (m *Manager) Session() *bus.Value[bool] {
	return m.session
}

// Init publishes the initial session state from storage.
func (m *Manager) Init(ctx context.Context) {
	st, err := m.State(ctx)
	m.session.Set(err == nil && st.AccessToken != "")
}

func (m *Manager) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}

	resp, status, err := m.postToken(ctx, loginPath, map[string]string{"username": username, "password": password})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrInvalidCredentials
	case status < 200 || status > 299:
		return fmt.Errorf("login: unexpected status %d", status)
	}

	if err := m.save(ctx, resp); err != nil {
		return err
	}
	if err := m.store.Set(ctx, keyRememberedUser, []byte(username)); err != nil {
		m.logger.Warn("remember user", "error", err)
	}
	m.session.Set(true)
	m.logger.Info("logged in", "user", username)

	return nil
}

// Token returns an access token that is not within the refresh buffer of expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	st, err := m.State(ctx)
	if err != nil {
		return "", err
	}
	if st.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	if !m.needsRefresh(st) {
		return st.AccessToken, nil
	}

	return m.Refresh(ctx)
}

// Refresh exchanges the refresh token. Concurrent callers share one request.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refreshShared(ctx, "")
}

func (m *Manager) refreshShared(ctx context.Context, rejected string) (string, error) {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ForceRefresh refreshes even if the stored token looks valid, e.g. after a 401.
func (m *Manager) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	st, err := m.State(ctx)
	if err != nil {
		return "", err
	}
	if st.AccessToken != "" && st.AccessToken != rejected && !m.needsRefresh(st) {
		return st.AccessToken, nil
	}

	return m.refreshShared(ctx, rejected)
}

// refresh skips the exchange when the stored token is valid and is not the rejected
// one, which means another refresh finished first.
func (m *Manager) refresh(ctx context.Context, rejected string) (string, error) {
	st, err := m.State(ctx)
	if err != nil {
		return "", err
	}
	if st.AccessToken != "" && st.AccessToken != rejected && !m.needsRefresh(st) {
		return st.AccessToken, nil
	}
	if st.RefreshToken == "" {
		m.clear(ctx, "no refresh token")

		return "", ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	m.logger.Debug("refreshing access token")
	resp, status, err := m.postToken(ctx, refreshPath, map[string]string{"refreshToken": st.RefreshToken})
	if err != nil {
		m.clear(ctx, err.Error())

		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if status < 200 || status > 299 {
		m.clear(ctx, fmt.Sprintf("status %d", status))

		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, status)
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = st.RefreshToken
	}
	if err := m.save(ctx, resp); err != nil {
		m.clear(ctx, err.Error())

		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	m.logger.Info("access token refreshed")

	return resp.AccessToken, nil
}

// Logout clears both tokens and the expiry. The remembered user name is kept.
func (m *Manager) Logout(ctx context.Context) error {
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyExpiresAt} {
		if err := m.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}
	m.session.Set(false)
	m.logger.Info("logged out")

	return nil
}

// Authenticated reports whether an access token is stored, without refreshing it.
func (m *Manager) Authenticated(ctx context.Context) bool {
	st, err := m.State(ctx)

	return err == nil && st.AccessToken != ""
}

func (m *Manager) RememberedUser(ctx context.Context) string {
	raw, ok, err := m.store.Get(ctx, keyRememberedUser)
	if err != nil || !ok {
		return ""
	}

	return string(raw)
}

// State reads the stored credentials. A corrupt expiry is reported as 0 (expired).
func (m *Manager) State(ctx context.Context) (State, error) {
	access, err := m.get(ctx, keyAccessToken)
	if err != nil {
		return State{}, err
	}
	refresh, err := m.get(ctx, keyRefreshToken)
	if err != nil {
		return State{}, err
	}
	rawExpiry, err := m.get(ctx, keyExpiresAt)
	if err != nil {
		return State{}, err
	}

	st := State{AccessToken: access, RefreshToken: refresh}
	if rawExpiry != "" {
		ms, err := strconv.ParseInt(rawExpiry, 10, 64)
		if err != nil {
			m.logger.Warn("stored token expiry is corrupt, forcing refresh", "value", rawExpiry)
		} else {
			st.ExpiresAtMs = ms
		}
	}

	return st, nil
}

func (m *Manager) needsRefresh(st State) bool {
	if st.ExpiresAtMs <= 0 {
		return true
	}

	return !m.now().Before(time.UnixMilli(st.ExpiresAtMs).Add(-m.buffer))
}

func (m *Manager) get(ctx context.Context, key string) (string, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}

	return string(raw), nil
}

func (m *Manager) save(ctx context.Context, resp tokenResponse) error {
	if resp.AccessToken == "" {
		return errors.New("token response has no access token")
	}
	expiresAt := m.expiryFor(resp)
	values := map[string]string{
		keyAccessToken:  resp.AccessToken,
		keyRefreshToken: resp.RefreshToken,
		keyExpiresAt:    strconv.FormatInt(expiresAt.UnixMilli(), 10),
	}
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyExpiresAt} {
		if err := m.store.Set(ctx, key, []byte(values[key])); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}

	return nil
}

func (m *Manager) expiryFor(resp tokenResponse) time.Time {
	switch {
	case resp.ExpiresIn > 0:
		return m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	case resp.ExpiresAtMs > 0:
		return time.UnixMilli(resp.ExpiresAtMs)
	}
	if exp, ok := jwtExpiry(resp.AccessToken); ok {
		return exp
	}

	return m.now().Add(defaultTokenTTL)
}

// jwtExpiry reads the exp claim without verifying the signature; the server is the verifier.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

func (m *Manager) clear(ctx context.Context, reason string) {
	m.logger.Warn("clearing credentials", "reason", reason)
	if err := m.Logout(ctx); err != nil {
		m.logger.Error("clear credentials", "error", err)
	}
}

func (m *Manager) postToken(ctx context.Context, path string, body any) (tokenResponse, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return tokenResponse{}, 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return tokenResponse{}, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := m.client.Do(req)
	if err != nil {
		return tokenResponse{}, 0, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, httpResp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return tokenResponse{}, httpResp.StatusCode, nil
	}

	var out tokenResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return tokenResponse{}, httpResp.StatusCode, fmt.Errorf("decode token response: %w", err)
	}

	return out, httpResp.StatusCode, nil
}
