package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/ratelimit"
)

func TestAcquireDeniesSecondCallWithinOneRPM(t *testing.T) {
	lim := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, TokensPerMinute: 100000})
	first := lim.Acquire("client-x", 10)
	require.True(t, first.Allowed)
	second := lim.Acquire("client-x", 10)
	require.False(t, second.Allowed)
	require.LessOrEqual(t, second.RetryAfter, time.Minute)
}

func TestAcquireWindowSumNeverExceedsTPM(t *testing.T) {
	lim := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1000, TokensPerMinute: 1000})
	used := 0
	for i := 0; i < 50; i++ {
		d := lim.Acquire("client-y", 30)
		if d.Allowed {
			used += 30
		}
	}
	require.LessOrEqual(t, used, 1000)
}

func TestManagerConfigureUnknownTierFails(t *testing.T) {
	m := ratelimit.NewManager()
	_, err := m.Configure(cost.ProviderAnthropic, ratelimit.Tier("nonexistent"))
	require.Error(t, err)
}

func TestManagerConfigureKnownTierSucceeds(t *testing.T) {
	m := ratelimit.NewManager()
	lim, err := m.Configure(cost.ProviderAnthropic, ratelimit.TierTier1)
	require.NoError(t, err)
	require.NotNil(t, lim)
}

func TestSuggestTierPicksCheapestMeetingBudget(t *testing.T) {
	m := ratelimit.NewManager()
	tier, err := m.SuggestTier(cost.ProviderAnthropic, 50, cost.ModeQuick, 10000)
	require.NoError(t, err)
	require.NotEmpty(t, tier)
}
