// Package ratelimit implements the sliding-window token/request limiter: one
// Limiter per provider, with per-client windows inside it (there is no
// per-model dimension), plus the tiered provider profile model recovered
// from the original rate-limit configuration.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier names a named level of rate-limit capacity for a provider.
type Tier string

const (
	TierFree       Tier = "free"
	TierTier1      Tier = "tier_1"
	TierTier2      Tier = "tier_2"
	TierTier3      Tier = "tier_3"
	TierTier4      Tier = "tier_4"
	TierScale      Tier = "scale"
	TierEnterprise Tier = "enterprise"
)

// Config holds the sliding-window caps for one tier.
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	RequestsPerDay    int
	TokensPerDay      int
	ConcurrentRequests int
	// ModelMultipliers holds per-model TokensPerMinute multipliers, e.g. a
	// faster/cheaper model has a >1.0 entry. Acquire does not apply them:
	// every model under one Limiter shares the tier's TokensPerMinute.
	ModelMultipliers map[string]float64
}

// Decision is the result of an Acquire call.
type Decision struct {
	Allowed         bool
	MinuteRemaining int
	HourRemaining   int
	ResetMinuteAt   time.Time
	ResetHourAt     time.Time
	RetryAfter      time.Duration
}

type weightedEvent struct {
	at     time.Time
	weight int
}

type window struct {
	mu     sync.Mutex
	events []weightedEvent
}

func (w *window) evictOlderThan(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].at.After(cutoff) {
			break
		}
	}
	w.events = w.events[i:]
}

func (w *window) sum() int {
	total := 0
	for _, e := range w.events {
		total += e.weight
	}
	return total
}

func (w *window) oldest() (time.Time, bool) {
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0].at, true
}

// Limiter enforces sliding-window limits per client, pre-filtered by a
// token-bucket burst limiter so calls the bucket denies return without
// walking the windows.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	minuteReq map[string]*window
	minuteTok map[string]*window
	dayReq    map[string]*window
	dayTok    map[string]*window

	burstMu sync.Mutex
	burst   map[string]*rate.Limiter
}

// NewLimiter constructs a limiter for a single provider/tier configuration.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:       cfg,
		minuteReq: make(map[string]*window),
		minuteTok: make(map[string]*window),
		dayReq:    make(map[string]*window),
		dayTok:    make(map[string]*window),
		burst:     make(map[string]*rate.Limiter),
	}
}

func windowFor(m map[string]*window, mu *sync.Mutex, key string) *window {
	mu.Lock()
	defer mu.Unlock()
	w, ok := m[key]
	if !ok {
		w = &window{}
		m[key] = w
	}
	return w
}

// Acquire first runs a cheap token-bucket burst check, then attempts to
// reserve tokensNeeded for clientID against the minute and day windows for
// both request-count and token-count dimensions. On success the acquisition
// is recorded at now with the given weight; on denial (by either the burst
// check or the sliding window) nothing is recorded.
func (l *Limiter) Acquire(clientID string, tokensNeeded int) Decision {
	now := time.Now()

	burstRes := l.burstLimiterFor(clientID).ReserveN(now, 1)
	if !burstRes.OK() || burstRes.Delay() > 0 {
		burstRes.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: burstRes.Delay()}
	}

	l.mu.Lock()
	reqMin := l.minuteReq[clientID]
	if reqMin == nil {
		reqMin = &window{}
		l.minuteReq[clientID] = reqMin
	}
	tokMin := l.minuteTok[clientID]
	if tokMin == nil {
		tokMin = &window{}
		l.minuteTok[clientID] = tokMin
	}
	reqDay := l.dayReq[clientID]
	if reqDay == nil {
		reqDay = &window{}
		l.dayReq[clientID] = reqDay
	}
	tokDay := l.dayTok[clientID]
	if tokDay == nil {
		tokDay = &window{}
		l.dayTok[clientID] = tokDay
	}
	l.mu.Unlock()

	reqMin.mu.Lock()
	tokMin.mu.Lock()
	reqDay.mu.Lock()
	tokDay.mu.Lock()
	defer reqMin.mu.Unlock()
	defer tokMin.mu.Unlock()
	defer reqDay.mu.Unlock()
	defer tokDay.mu.Unlock()

	reqMin.evictOlderThan(now, time.Minute)
	tokMin.evictOlderThan(now, time.Minute)
	if l.cfg.RequestsPerDay > 0 {
		reqDay.evictOlderThan(now, 24*time.Hour)
	}
	if l.cfg.TokensPerDay > 0 {
		tokDay.evictOlderThan(now, 24*time.Hour)
	}

	reqMinUsed := reqMin.sum()
	tokMinUsed := tokMin.sum()
	reqDayUsed := reqDay.sum()
	tokDayUsed := tokDay.sum()

	var limiting *window
	switch {
	case l.cfg.RequestsPerMinute > 0 && reqMinUsed+1 > l.cfg.RequestsPerMinute:
		limiting = reqMin
	case l.cfg.TokensPerMinute > 0 && tokMinUsed+tokensNeeded > l.cfg.TokensPerMinute:
		limiting = tokMin
	case l.cfg.RequestsPerDay > 0 && reqDayUsed+1 > l.cfg.RequestsPerDay:
		limiting = reqDay
	case l.cfg.TokensPerDay > 0 && tokDayUsed+tokensNeeded > l.cfg.TokensPerDay:
		limiting = tokDay
	}

	if limiting != nil {
		burstRes.CancelAt(now)
		var retryAfter time.Duration
		if oldest, ok := limiting.oldest(); ok {
			horizon := time.Minute
			if limiting == reqDay || limiting == tokDay {
				horizon = 24 * time.Hour
			}
			retryAfter = oldest.Add(horizon).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Decision{
			Allowed:         false,
			MinuteRemaining: remaining(l.cfg.RequestsPerMinute, reqMinUsed),
			HourRemaining:   remaining(l.cfg.TokensPerMinute, tokMinUsed),
			RetryAfter:      retryAfter,
		}
	}

	reqMin.events = append(reqMin.events, weightedEvent{at: now, weight: 1})
	tokMin.events = append(tokMin.events, weightedEvent{at: now, weight: tokensNeeded})
	reqDay.events = append(reqDay.events, weightedEvent{at: now, weight: 1})
	tokDay.events = append(tokDay.events, weightedEvent{at: now, weight: tokensNeeded})

	return Decision{
		Allowed:         true,
		MinuteRemaining: remaining(l.cfg.RequestsPerMinute, reqMinUsed+1),
		HourRemaining:   remaining(l.cfg.TokensPerMinute, tokMinUsed+tokensNeeded),
		ResetMinuteAt:   now.Add(time.Minute),
		ResetHourAt:     now.Add(24 * time.Hour),
	}
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}

// burstLimiterFor lazily creates a per-client token-bucket pre-filter sized
// off the per-minute request budget, giving cheap callers a fast deny path
// before the precise sliding-window accounting above runs.
func (l *Limiter) burstLimiterFor(clientID string) *rate.Limiter {
	l.burstMu.Lock()
	defer l.burstMu.Unlock()
	rl, ok := l.burst[clientID]
	if !ok {
		rps := float64(l.cfg.RequestsPerMinute) / 60.0
		if rps <= 0 {
			rps = 1
		}
		rl = rate.NewLimiter(rate.Limit(rps), l.cfg.RequestsPerMinute+1)
		l.burst[clientID] = rl
	}
	return rl
}

// AllowBurst reports whether clientID currently has burst capacity, without
// consuming it. Useful for callers that want to skip the precise Acquire
// call entirely on an already-exhausted client.
func (l *Limiter) AllowBurst(clientID string) bool {
	rl := l.burstLimiterFor(clientID)
	r := rl.ReserveN(time.Now(), 1)
	ok := r.OK() && r.Delay() == 0
	r.Cancel()
	return ok
}
