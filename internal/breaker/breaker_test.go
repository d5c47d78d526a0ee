package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled:            true,
		FailureRatePercent: 50,
		MinimumRequests:    4,
		Window:             time.Minute,
		OpenDuration:       time.Second,
		HalfOpenProbes:     1,
	}
}

func TestBreakerOpensAfterFailureRate(t *testing.T) {
	b := New(testConfig())
	now := time.Now()

	assert.Equal(t, StateClosed, b.Report(now, Failure))
	assert.Equal(t, StateClosed, b.Report(now, Failure))
	assert.Equal(t, StateClosed, b.Report(now, Success))
	assert.Equal(t, StateOpen, b.Report(now, Failure))

	assert.False(t, b.Allow(now.Add(500*time.Millisecond)))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 4; i++ {
		b.Report(now, Failure)
	}
	require.Equal(t, StateOpen, b.State())

	later := now.Add(2 * time.Second)
	require.True(t, b.Allow(later))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(later), "only one probe at a time")

	assert.Equal(t, StateOpen, b.Report(later, Failure))

	again := later.Add(2 * time.Second)
	require.True(t, b.Allow(again))
	assert.Equal(t, StateClosed, b.Report(again, Success))
	assert.True(t, b.Allow(again))
}

func TestBreakerIgnoredFreesProbe(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 4; i++ {
		b.Report(now, Failure)
	}
	later := now.Add(2 * time.Second)
	require.True(t, b.Allow(later))
	assert.Equal(t, StateHalfOpen, b.Report(later, Ignored))
	assert.True(t, b.Allow(later))
}

func TestBreakerWindowRotates(t *testing.T) {
	cfg := testConfig()
	cfg.Window = time.Second
	b := New(cfg)
	now := time.Now()

	b.Report(now, Failure)
	b.Report(now, Failure)
	b.Report(now, Failure)
	assert.Equal(t, StateClosed, b.Report(now.Add(2*time.Second), Failure))
}

func TestDisabledBreakerAllowsEverything(t *testing.T) {
	b := New(Config{})
	now := time.Now()
	for i := 0; i < 10; i++ {
		assert.Equal(t, StateClosed, b.Report(now, Failure))
	}
	assert.True(t, b.Allow(now))

	var nilRegistry *Registry
	assert.True(t, nilRegistry.Allow("kapybara.se"))
	nilRegistry.Report("kapybara.se", Failure)
	assert.Equal(t, StateClosed, nilRegistry.State("kapybara.se"))
}

func TestRegistryTracksHostsSeparately(t *testing.T) {
	changes := map[string]State{}
	r := NewRegistry(testConfig(), func(host string, state State) {
		changes[host] = state
	})

	for i := 0; i < 4; i++ {
		require.True(t, r.Allow("Kapybara.se"))
		r.Report("Kapybara.se", Failure)
	}
	assert.False(t, r.Allow("kapybara.se"))
	assert.True(t, r.Allow("fonts.gstatic.com"))
	assert.Equal(t, StateOpen, r.State("KAPYBARA.SE"))
	assert.Equal(t, map[string]State{"kapybara.se": StateOpen}, changes)
}
