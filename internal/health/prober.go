package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProbeTarget is one endpoint to reachability-check.
type ProbeTarget struct {
	Key Key
	URL string
}

// ProberConfig configures the endpoint prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically GETs each endpoint and feeds reachability into the
// Tracker, so dead endpoints are skipped by the balancer before the first
// real dispatch hits them. Probe results touch only the health bit; call
// latency windows stay unpolluted.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
	targets func() []ProbeTarget
	stop    chan struct{}
	done    chan struct{}
}

// NewProber creates a prober. targets is re-evaluated every cycle so
// catalog updates are picked up without re-registration.
func NewProber(cfg ProberConfig, tracker *Tracker, targets func() []ProbeTarget, logger *slog.Logger) *Prober {
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: targets,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	targets := p.targets()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(target ProbeTarget) {
			defer wg.Done()
			p.probe(target)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(target ProbeTarget) {
	if target.URL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", target.URL, nil)
	if err != nil {
		p.markProbe(target.Key, false)
		p.logger.Warn("health probe request error",
			slog.String("provider", target.Key.Provider),
			slog.String("endpoint", target.Key.Endpoint),
			slog.String("error", err.Error()),
		)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.markProbe(target.Key, false)
		p.logger.Warn("health probe failed",
			slog.String("provider", target.Key.Provider),
			slog.String("endpoint", target.Key.Endpoint),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Any 2xx, 401 (endpoint exists, auth required), 404 (server up, no
	// probe route) or 405 (endpoint exists, wrong method) proves
	// reachability.
	reachable := resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusMethodNotAllowed
	p.markProbe(target.Key, reachable)
	if reachable {
		p.logger.Debug("health probe ok",
			slog.String("provider", target.Key.Provider),
			slog.String("endpoint", target.Key.Endpoint),
			slog.Int("status", resp.StatusCode),
		)
	} else {
		p.logger.Warn("health probe unhealthy",
			slog.String("provider", target.Key.Provider),
			slog.String("endpoint", target.Key.Endpoint),
			slog.Int("status", resp.StatusCode),
		)
	}
}

func (p *Prober) markProbe(k Key, reachable bool) {
	p.tracker.RecordProbe(k, reachable)
}
