// Package ratelimit implements a process-local fixed-window request governor.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"go.uber.org/zap"
)

const (
	DefaultWindow           = time.Minute
	DefaultMaxRequests      = 60
	AnalysisMaxRequests     = 10
	sweepIntervalMultiplier = 5
	DefaultPolicyName       = "default"
	AnalysisPolicyName      = "ai_analysis"
)

// Policy bounds how many requests an identifier may make per window.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

// DefaultPolicy guards ordinary calls.
func DefaultPolicy() Policy {
	return Policy{Name: DefaultPolicyName, Window: DefaultWindow, MaxRequests: DefaultMaxRequests}
}

// AnalysisPolicy guards calls that incur a metered cost.
func AnalysisPolicy() Policy {
	return Policy{Name: AnalysisPolicyName, Window: DefaultWindow, MaxRequests: AnalysisMaxRequests}
}

// Key prefixes an identifier with the policy name so policies never share a window.
func (p Policy) Key(identifier string) string {
	if p.Name == "" {
		return identifier
	}
	return p.Name + ":" + identifier
}

// Decision is the outcome of a single CheckLimit call.
type Decision struct {
	Identifier string
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
}

// Err returns a RateLimitedError for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.RateLimitedError{Identifier: d.Identifier, ResetAt: d.ResetAt}
}

type window struct {
	count   int
	resetAt time.Time
}

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	Clock         func() time.Time
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Governor counts requests per identifier in fixed windows.
type Governor struct {
	mu            sync.Mutex
	windows       map[string]*window
	clock         func() time.Time
	sweepInterval time.Duration
	logger        *zap.Logger
}

// SweepIntervalFor returns the sweep interval for the longest window a governor serves.
func SweepIntervalFor(window time.Duration) time.Duration {
	if window <= 0 {
		window = DefaultWindow
	}
	return sweepIntervalMultiplier * window
}

// NewGovernor constructs a governor. The sweep interval defaults to five default windows.
func NewGovernor(cfg GovernorConfig) *Governor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = SweepIntervalFor(DefaultWindow)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		windows:       make(map[string]*window),
		clock:         clock,
		sweepInterval: interval,
		logger:        logger,
	}
}

// CheckLimit records one request for identifier and reports whether it is allowed.
func (g *Governor) CheckLimit(identifier string, policy Policy) Decision {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.windows[identifier]
	if !ok || !now.Before(entry.resetAt) {
		entry = &window{count: 1, resetAt: now.Add(policy.Window)}
		g.windows[identifier] = entry
		return Decision{Identifier: identifier, Allowed: true, Remaining: max(policy.MaxRequests-1, 0), ResetAt: entry.resetAt}
	}

	entry.count++
	if entry.count > policy.MaxRequests {
		return Decision{Identifier: identifier, Allowed: false, Remaining: 0, ResetAt: entry.resetAt}
	}
	return Decision{Identifier: identifier, Allowed: true, Remaining: policy.MaxRequests - entry.count, ResetAt: entry.resetAt}
}

// Sweep drops expired windows and returns how many were removed.
func (g *Governor) Sweep() int {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for identifier, entry := range g.windows {
		if !now.Before(entry.resetAt) {
			delete(g.windows, identifier)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked identifiers.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := g.Sweep(); removed > 0 {
				g.logger.Debug("rate windows swept", zap.Int("removed", removed))
			}
		}
	}
}
