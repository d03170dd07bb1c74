package ratelimit

import (
	"fmt"
	"math"

	"github.com/anrdispatch/dispatchd/internal/cost"
)

// defaultTiers mirrors the hardcoded tier tables recovered from the
// original rate-limit configuration, one set per provider.
var defaultTiers = map[cost.Provider]map[Tier]Config{
	cost.ProviderAnthropic: {
		TierFree:       {RequestsPerMinute: 5, TokensPerMinute: 20000, RequestsPerDay: 300, ConcurrentRequests: 1},
		TierTier1:      {RequestsPerMinute: 50, TokensPerMinute: 40000, RequestsPerDay: 1000, ConcurrentRequests: 5},
		TierTier2:      {RequestsPerMinute: 1000, TokensPerMinute: 80000, RequestsPerDay: 10000, ConcurrentRequests: 20},
		TierTier3:      {RequestsPerMinute: 2000, TokensPerMinute: 160000, RequestsPerDay: 50000, ConcurrentRequests: 40},
		TierTier4:      {RequestsPerMinute: 4000, TokensPerMinute: 400000, RequestsPerDay: 200000, ConcurrentRequests: 80},
		TierScale:      {RequestsPerMinute: 8000, TokensPerMinute: 1000000, RequestsPerDay: 1000000, ConcurrentRequests: 200},
		TierEnterprise: {RequestsPerMinute: 20000, TokensPerMinute: 4000000, RequestsPerDay: -1, ConcurrentRequests: 1000},
	},
	cost.ProviderOpenAI: {
		TierFree:       {RequestsPerMinute: 3, TokensPerMinute: 40000, RequestsPerDay: 200, ConcurrentRequests: 1},
		TierTier1:      {RequestsPerMinute: 500, TokensPerMinute: 60000, RequestsPerDay: 10000, ConcurrentRequests: 5},
		TierTier2:      {RequestsPerMinute: 5000, TokensPerMinute: 160000, RequestsPerDay: -1, ConcurrentRequests: 20},
		TierTier3:      {RequestsPerMinute: 5000, TokensPerMinute: 600000, RequestsPerDay: -1, ConcurrentRequests: 40},
		TierTier4:      {RequestsPerMinute: 10000, TokensPerMinute: 1000000, RequestsPerDay: -1, ConcurrentRequests: 80},
		TierScale:      {RequestsPerMinute: 10000, TokensPerMinute: 2000000, RequestsPerDay: -1, ConcurrentRequests: 200},
		TierEnterprise: {RequestsPerMinute: 30000, TokensPerMinute: 5000000, RequestsPerDay: -1, ConcurrentRequests: 1000},
	},
	cost.ProviderBedrock: {
		TierFree:  {RequestsPerMinute: 10, TokensPerMinute: 20000, RequestsPerDay: 500, ConcurrentRequests: 2},
		TierTier1: {RequestsPerMinute: 100, TokensPerMinute: 100000, RequestsPerDay: 5000, ConcurrentRequests: 10},
		TierTier2: {RequestsPerMinute: 500, TokensPerMinute: 400000, RequestsPerDay: 50000, ConcurrentRequests: 30},
	},
}

// modelMultipliers lists per-model tokens-per-minute multipliers relative to
// the tier default, matching the original's per-model overrides (faster,
// cheaper models get headroom; larger ones are throttled more tightly).
// Configure copies them into Config.ModelMultipliers; Limiter.Acquire does
// not apply them.
var modelMultipliers = map[string]float64{
	"claude-3-5-haiku-20241022": 1.5,
	"claude-opus-4-20250514":    0.7,
	"gpt-4o-mini":               1.5,
	"gpt-4-turbo":               0.7,
}

// Manager is the registry of per-provider limiters, keyed by tier. It is
// intended as a process-wide singleton, constructed once at startup from the
// built-in default tier tables, with RegisterTier as the extension point for
// provider-specific overrides.
type Manager struct {
	tiers map[cost.Provider]map[Tier]Config

	limiters map[cost.Provider]*Limiter
	tierOf   map[cost.Provider]Tier
}

// NewManager constructs a Manager from the built-in default tier tables.
func NewManager() *Manager {
	return &Manager{
		tiers:    defaultTiers,
		limiters: make(map[cost.Provider]*Limiter),
		tierOf:   make(map[cost.Provider]Tier),
	}
}

// RegisterTier overrides or extends the tier table for a provider. This is
// the extension point for providers not in the built-in defaults.
func (m *Manager) RegisterTier(provider cost.Provider, tier Tier, cfg Config) {
	if m.tiers[provider] == nil {
		m.tiers[provider] = make(map[Tier]Config)
	}
	m.tiers[provider][tier] = cfg
}

// Configure activates tier for provider, constructing its Limiter. Returns
// an error if the tier is unknown for that provider — unknown tiers must
// fail explicitly, never silently fall back.
func (m *Manager) Configure(provider cost.Provider, tier Tier) (*Limiter, error) {
	cfg, ok := m.tiers[provider][tier]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown tier %q for provider %q", tier, provider)
	}
	cfg.ModelMultipliers = modelMultipliers
	lim := NewLimiter(cfg)
	m.limiters[provider] = lim
	m.tierOf[provider] = tier
	return lim, nil
}

// LimiterFor returns the active limiter for provider, or nil if Configure
// has not yet been called for it.
func (m *Manager) LimiterFor(provider cost.Provider) *Limiter {
	return m.limiters[provider]
}

// TimeEstimate reports the limiting factor and minutes required to push
// totalRequests/totalTokens through the active tier for provider.
type TimeEstimate struct {
	LimitingFactor string
	Minutes        float64
}

// CalculateTimeEstimate mirrors the original's calculate_time_estimate:
// compute time-by-requests, time-by-tokens, time-by-daily-requests, and
// time-by-daily-tokens, and report the binding (largest) one.
func (m *Manager) CalculateTimeEstimate(provider cost.Provider, totalRequests, totalTokens int) (TimeEstimate, error) {
	tier, ok := m.tierOf[provider]
	if !ok {
		return TimeEstimate{}, fmt.Errorf("ratelimit: provider %q not configured", provider)
	}
	cfg := m.tiers[provider][tier]

	candidates := map[string]float64{}
	if cfg.RequestsPerMinute > 0 {
		candidates["requests_per_minute"] = float64(totalRequests) / float64(cfg.RequestsPerMinute)
	}
	if cfg.TokensPerMinute > 0 {
		candidates["tokens_per_minute"] = float64(totalTokens) / float64(cfg.TokensPerMinute)
	}
	if cfg.RequestsPerDay > 0 {
		candidates["requests_per_day"] = float64(totalRequests) / float64(cfg.RequestsPerDay) * 24 * 60
	}
	if cfg.TokensPerDay > 0 {
		candidates["tokens_per_day"] = float64(totalTokens) / float64(cfg.TokensPerDay) * 24 * 60
	}

	best := TimeEstimate{LimitingFactor: "none"}
	for factor, minutes := range candidates {
		if minutes > best.Minutes {
			best = TimeEstimate{LimitingFactor: factor, Minutes: minutes}
		}
	}
	return best, nil
}

// SuggestTier recommends the cheapest tier (in the tier ordering below)
// that completes the estimated work within timeBudgetMinutes, mirroring
// suggest_optimal_settings from the original rate-limit manager.
func (m *Manager) SuggestTier(provider cost.Provider, fileSizeKB float64, mode cost.Mode, timeBudgetMinutes float64) (Tier, error) {
	tierOrder := []Tier{TierFree, TierTier1, TierTier2, TierTier3, TierTier4, TierScale, TierEnterprise}
	contentBytes := int(fileSizeKB * 1024)
	inputTokens, outputTokens := cost.EstimateTokens(contentBytes, provider, mode)
	totalTokens := inputTokens + outputTokens
	chunks := int(math.Ceil(float64(inputTokens) / (200000 * cost.ChunkBudgetRatio(mode))))
	if chunks < 1 {
		chunks = 1
	}

	for _, tier := range tierOrder {
		cfg, ok := m.tiers[provider][tier]
		if !ok {
			continue
		}
		est, err := (&Manager{tiers: map[cost.Provider]map[Tier]Config{provider: {tier: cfg}}, tierOf: map[cost.Provider]Tier{provider: tier}}).CalculateTimeEstimate(provider, chunks, totalTokens)
		if err != nil {
			continue
		}
		if est.Minutes <= timeBudgetMinutes {
			return tier, nil
		}
	}
	return "", fmt.Errorf("ratelimit: no tier for provider %q meets a %.1f minute budget", provider, timeBudgetMinutes)
}
