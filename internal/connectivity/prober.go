package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ProberConfig struct {
	URL      string
	Client   HTTPDoer
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Prober is a Monitor driven by periodic requests to a health endpoint.
// Any response below 500 counts as online.
type Prober struct {
	*Manual

	url      string
	client   HTTPDoer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber reports offline until the first probe succeeds.
func NewProber(cfg ProberConfig) *Prober {
	p := &Prober{
		Manual:   NewManual(false),
		url:      cfg.URL,
		client:   cfg.Client,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.interval <= 0 {
		p.interval = DefaultProbeInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultProbeTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "connectivity")
	}

	return p
}

func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Probe performs one health check and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if online != p.Online() {
		p.logger.Info("network status changed", "online", online)
	}
	p.Set(online)

	return online
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("build health request", "error", err)

		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed", "error", err)

		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
