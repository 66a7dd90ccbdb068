package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// entry pairs a driver with its call guards. The mutex serializes drivers
// whose engines are not safe for concurrent use (every local engine here).
type entry struct {
	driver    Driver
	limiter   *RateLimiter
	mu        sync.Mutex
	available bool
	probed    bool
}

// Registry holds the configured drivers and provides thread-safe, rate
// limited, deadline-bounded access to them.
type Registry struct {
	mu             sync.RWMutex
	entries        map[tiers.Tier]*entry
	extractTimeout time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty registry. extractTimeout bounds every Extract
// call; zero means the 60s default.
func NewRegistry(extractTimeout time.Duration, logger *slog.Logger) *Registry {
	if extractTimeout <= 0 {
		extractTimeout = defaultExtractTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:        make(map[tiers.Tier]*entry),
		extractTimeout: extractTimeout,
		logger:         logger.With("component", "providers"),
	}
}

// Register adds a driver. Last registration per tier wins.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name()] = &entry{
		driver:  d,
		limiter: NewRateLimiter(d.RequestsPerSecond()),
	}
	r.logger.Info("registered OCR driver", "tier", d.Name())
}

// Probe checks every registered driver's availability once and caches the
// result. Unavailable drivers stay registered but are skipped at run time.
func (r *Registry) Probe(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tier, e := range r.entries {
		e.available = e.driver.Available(ctx)
		e.probed = true
		if e.available {
			r.logger.Info("OCR driver available", "tier", tier)
		} else {
			r.logger.Warn("OCR driver unavailable, tier will be skipped", "tier", tier)
		}
	}
}

// Has reports whether tier has a registered, available driver.
func (r *Registry) Has(tier tiers.Tier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tier]
	if !ok {
		return false
	}
	return !e.probed || e.available
}

// Filter keeps only the tiers with an available driver, preserving order.
func (r *Registry) Filter(order []tiers.Tier) []tiers.Tier {
	out := make([]tiers.Tier, 0, len(order))
	for _, t := range order {
		if r.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Run extracts text from img using the driver for tier. The call is rate
// limited, serialized per driver, and bounded by the registry's extract
// timeout.
func (r *Registry) Run(ctx context.Context, tier tiers.Tier, img *resolver.Image, lang string) (*Candidate, error) {
	r.mu.RLock()
	e, ok := r.entries[tier]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no driver registered for tier %s", tier)
	}
	if e.probed && !e.available {
		return nil, fmt.Errorf("driver for tier %s is unavailable", tier)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, r.extractTimeout)
	defer cancel()

	start := time.Now()
	cand, err := e.driver.Extract(runCtx, img, lang)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("tier extraction failed",
			"tier", tier, "elapsed", elapsed, "error", err)
		return nil, err
	}
	r.logger.Debug("tier extraction done",
		"tier", tier, "elapsed", elapsed, "text_len", len(cand.Text))
	return cand, nil
}
