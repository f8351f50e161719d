// Package probe periodically checks reachability of the messaging provider's
// API. The reconciliation sweep consults the last probe result before running
// so an unreachable provider does not get misread as a delivery failure.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Result is the outcome of one connectivity check.
type Result struct {
	Reachable  bool          `json:"reachable"`
	Provider   string        `json:"provider"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	CheckedAt  time.Time     `json:"checked_at"`
	Err        string        `json:"err,omitempty"`
}

// Config configures the prober.
type Config struct {
	// URL is the provider endpoint probed with a GET request.
	URL string
	// Provider labels results, e.g. "whatsapp".
	Provider string
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Provider: "whatsapp",
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober runs connectivity checks on an interval and retains the most recent
// result. Any HTTP response counts as reachable, including auth rejections:
// the question is whether the provider can be reached at all, not whether a
// given credential works. Server errors and transport failures do not.
type Prober struct {
	config Config
	client *http.Client
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	last     *Result
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Prober)

func WithClock(clock clockwork.Clock) Option {
	return func(p *Prober) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

func New(cfg Config, logger *slog.Logger, opts ...Option) (*Prober, error) {
	if cfg.URL == "" {
		return nil, errors.New("probe url required")
	}
	def := DefaultConfig()
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Prober{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Last returns the most recent probe result. ok is false until the first
// check completes.
func (p *Prober) Last() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// Reachable matches the sweeper's ProviderReachable contract.
func (p *Prober) Reachable() (bool, bool) {
	res, ok := p.Last()
	return res.Reachable, ok
}

// Check runs a single probe and records the result.
func (p *Prober) Check(ctx context.Context) Result {
	started := p.clock.Now().UTC()
	res := Result{
		Provider:  p.config.Provider,
		CheckedAt: started,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		res.Err = fmt.Sprintf("build request: %v", err)
	} else {
		resp, err := p.client.Do(req)
		res.Latency = p.clock.Now().UTC().Sub(started)
		if err != nil {
			res.Err = err.Error()
		} else {
			_ = resp.Body.Close()
			res.StatusCode = resp.StatusCode
			res.Reachable = resp.StatusCode < http.StatusInternalServerError
		}
	}

	p.mu.Lock()
	prev := p.last
	p.last = &res
	p.mu.Unlock()

	if prev == nil || prev.Reachable != res.Reachable {
		p.logger.Info("provider_reachability_changed",
			slog.String("provider", res.Provider),
			slog.Bool("reachable", res.Reachable),
			slog.Int("status_code", res.StatusCode),
			slog.Duration("latency", res.Latency),
			slog.String("err", res.Err))
	}
	return res
}

func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("prober already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("prober_started",
		slog.String("provider", p.config.Provider),
		slog.Duration("interval", p.config.Interval))
	return nil
}

func (p *Prober) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("prober not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Info("prober_stopped")
	return nil
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	p.Check(ctx)

	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.Check(ctx)
		}
	}
}
