// Package health runs the background re-mint loop that keeps trying to
// bring a downed upstream back while the proxy is otherwise idle, and
// reports the recovery transition back to the coordinator.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how often the prober retries a re-mint while down,
// per spec.md §4.G's HEALTH_CHECK_INTERVAL_MS = 5000.
const DefaultInterval = 5 * time.Second

// Reminter performs one synchronous session re-mint attempt. It is the
// same shape as the retry engine's upstream.Reminter; the coordinator
// passes a small wrapper around upstream.Session.Remint.
type Reminter func(ctx context.Context) error

// Prober runs at most one background re-mint loop at a time: calling
// Start while already running is a no-op, and Stop is idempotent. Only
// one instance is ever active, matching the single-upstream-connection
// shape this proxy maintains.
type Prober struct {
	interval    time.Duration
	reminter    Reminter
	onRecovered func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New builds a Prober. onRecovered is called, exactly once per
// Start/Stop cycle, the first time a background re-mint succeeds.
func New(reminter Reminter, onRecovered func(), interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Prober{interval: interval, reminter: reminter, onRecovered: onRecovered}
}

// Start begins the ticker-driven re-mint loop if one isn't already
// running. Safe to call repeatedly; only the first call while stopped
// has any effect.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	go p.loop(loopCtx)
}

// Stop halts the re-mint loop if one is running. Safe to call when
// already stopped.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
}

// Running reports whether the prober is currently active.
func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Prober) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.reminter(ctx); err != nil {
				slog.Debug("background re-mint attempt failed", "error", err)
				continue
			}
			slog.Info("upstream recovered via background re-mint")
			p.Stop()
			if p.onRecovered != nil {
				p.onRecovered()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
