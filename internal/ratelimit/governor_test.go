package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCheckLimitFixedWindow(t *testing.T) {
	clock := newClock()
	governor := NewGovernor(GovernorConfig{Clock: clock.Now})
	policy := Policy{Name: "test", Window: 60 * time.Second, MaxRequests: 10}
	start := clock.Now()

	for expected := 9; expected >= 0; expected-- {
		decision := governor.CheckLimit("owner-1", policy)
		require.True(t, decision.Allowed, "call with remaining %d should be allowed", expected)
		assert.Equal(t, expected, decision.Remaining)
		assert.Equal(t, start.Add(60*time.Second), decision.ResetAt)
		clock.Advance(time.Second)
	}

	denied := governor.CheckLimit("owner-1", policy)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, start.Add(60*time.Second), denied.ResetAt)
	assert.ErrorIs(t, denied.Err(), apperr.ErrRateLimited)

	var limited *apperr.RateLimitedError
	require.ErrorAs(t, denied.Err(), &limited)
	assert.Equal(t, denied.ResetAt, limited.ResetAt)

	clock.Advance(60 * time.Second)
	reset := governor.CheckLimit("owner-1", policy)
	assert.True(t, reset.Allowed)
	assert.Equal(t, 9, reset.Remaining)
	assert.NoError(t, reset.Err())
}

func TestCheckLimitResetsExactlyAtResetInstant(t *testing.T) {
	clock := newClock()
	governor := NewGovernor(GovernorConfig{Clock: clock.Now})
	policy := Policy{Window: time.Minute, MaxRequests: 1}

	assert.True(t, governor.CheckLimit("id", policy).Allowed)
	assert.False(t, governor.CheckLimit("id", policy).Allowed)

	clock.Advance(time.Minute)
	assert.True(t, governor.CheckLimit("id", policy).Allowed)
}

func TestCheckLimitIsolatesIdentifiers(t *testing.T) {
	governor := NewGovernor(GovernorConfig{Clock: newClock().Now})
	analysis := AnalysisPolicy()

	for range analysis.MaxRequests {
		governor.CheckLimit(analysis.Key("owner-1"), analysis)
	}
	assert.False(t, governor.CheckLimit(analysis.Key("owner-1"), analysis).Allowed)
	assert.True(t, governor.CheckLimit(analysis.Key("owner-2"), analysis).Allowed)

	standard := DefaultPolicy()
	decision := governor.CheckLimit(standard.Key("owner-1"), standard)
	assert.True(t, decision.Allowed)
	assert.Equal(t, standard.MaxRequests-1, decision.Remaining)
}

func TestPoliciesShareWindowWithDifferentBudgets(t *testing.T) {
	assert.Equal(t, DefaultPolicy().Window, AnalysisPolicy().Window)
	assert.Greater(t, DefaultPolicy().MaxRequests, AnalysisPolicy().MaxRequests)
	assert.Equal(t, "ai_analysis:owner-1", AnalysisPolicy().Key("owner-1"))
}

func TestCheckLimitIsAtomicUnderConcurrency(t *testing.T) {
	governor := NewGovernor(GovernorConfig{Clock: newClock().Now})
	policy := Policy{Window: time.Minute, MaxRequests: 25}

	var waitGroup sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 100 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if governor.CheckLimit("shared", policy).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	assert.Equal(t, 25, allowed)
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	clock := newClock()
	governor := NewGovernor(GovernorConfig{Clock: clock.Now})
	short := Policy{Window: time.Minute, MaxRequests: 5}
	long := Policy{Window: 10 * time.Minute, MaxRequests: 5}

	governor.CheckLimit("short", short)
	governor.CheckLimit("long", long)
	require.Equal(t, 2, governor.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, governor.Sweep())
	assert.Equal(t, 1, governor.Len())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	clock := newClock()
	governor := NewGovernor(GovernorConfig{Clock: clock.Now, SweepInterval: 5 * time.Millisecond})
	governor.CheckLimit("expiring", Policy{Window: time.Second, MaxRequests: 1})
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		governor.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return governor.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("governor did not stop after cancellation")
	}
}

func TestSweepIntervalFollowsConfiguredWindow(t *testing.T) {
	assert.Equal(t, 5*time.Minute, NewGovernor(GovernorConfig{}).sweepInterval)
	assert.Equal(t, 50*time.Minute, SweepIntervalFor(10*time.Minute))
	assert.Equal(t, SweepIntervalFor(DefaultWindow), SweepIntervalFor(0))

	governor := NewGovernor(GovernorConfig{SweepInterval: SweepIntervalFor(10 * time.Minute)})
	assert.Equal(t, 50*time.Minute, governor.sweepInterval)
}
