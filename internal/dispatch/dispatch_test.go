package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cache"
	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/chunk"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/provider"
	"github.com/anrdispatch/dispatchd/internal/queue"
	"github.com/anrdispatch/dispatchd/internal/ratelimit"
)

const sampleANR = `----- pid 1234 at 2024-01-01 -----
Cmd line: com.example.app
DALVIK THREADS (1):
"main" prio=5 tid=1
  | state=S
  at com.example.App.onCreate(App.java:10)
`

// stubStream yields a fixed sequence of text deltas, optionally blocking
// between them so cancellation-mid-stream tests have a window to fire.
type stubStream struct {
	deltas []string
	gap    time.Duration
	idx    int
	start  bool
	ended  bool
}

func (s *stubStream) Recv() (provider.StreamEvent, error) {
	if !s.start {
		s.start = true
		return provider.StreamEvent{Type: provider.EventStart}, nil
	}
	if s.idx < len(s.deltas) {
		if s.gap > 0 && s.idx > 0 {
			time.Sleep(s.gap)
		}
		d := s.deltas[s.idx]
		s.idx++
		return provider.StreamEvent{Type: provider.EventDelta, Text: d}, nil
	}
	if !s.ended {
		s.ended = true
		return provider.StreamEvent{Type: provider.EventUsageUpdate, InputTokens: 10, OutputTokens: 5}, nil
	}
	return provider.StreamEvent{Type: provider.EventEnd}, nil
}

func (s *stubStream) Close() error { return nil }

type stubProvider struct {
	name    provider.Name
	deltas  []string
	gap     time.Duration
	calls   int
}

func (p *stubProvider) Name() provider.Name { return p.name }
func (p *stubProvider) Models() []cost.ModelInfo {
	return []cost.ModelInfo{{Provider: cost.ProviderAnthropic, Model: "claude-3-5-sonnet-20241022", ContextWindow: 200000}}
}
func (p *stubProvider) ModelForMode(cost.Mode) string { return "claude-3-5-sonnet-20241022" }
func (p *stubProvider) Stream(ctx context.Context, prompt string, params provider.Params, token *cancel.Token) (provider.Streamer, error) {
	p.calls++
	return &stubStream{deltas: p.deltas, gap: p.gap}, nil
}

func newTestEngine(t *testing.T, p provider.Provider) (*Engine, *cache.Cache) {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(p)

	c, err := cache.New(cache.Options{HotCapacity: 16})
	require.NoError(t, err)

	return New(Options{
		Registry:        reg,
		Chunker:         chunk.New(),
		Cache:           c,
		CancelManager:   cancel.NewManager(),
		DefaultProvider: p.Name(),
	}), c
}

func drain(out <-chan Event) []Event {
	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestAnalyzeCacheHitSkipsProviderStream(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"RESULT"}}
	e, _ := newTestEngine(t, p)

	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick, UseCache: true}

	out1 := make(chan Event, 16)
	e.AnalyzeStream(context.Background(), req, out1)
	events1 := drain(out1)
	require.Equal(t, 1, p.calls)
	require.Equal(t, EventStart, events1[0].Type)
	require.Equal(t, EventComplete, events1[len(events1)-1].Type)

	out2 := make(chan Event, 16)
	e.AnalyzeStream(context.Background(), req, out2)
	events2 := drain(out2)
	require.Equal(t, 1, p.calls, "second call with identical request must not invoke the provider stream")

	var text1, text2 string
	for _, ev := range events1 {
		if ev.Type == EventContent {
			text1 += ev.Text
		}
	}
	for _, ev := range events2 {
		if ev.Type == EventContent {
			text2 += ev.Text
		}
	}
	require.Equal(t, text1, text2)
}

func TestAnalyzeCancellationMidStreamStopsBeforeLastFragment(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"A", "B", "C", "D"}, gap: 30 * time.Millisecond}
	e, _ := newTestEngine(t, p)

	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick}

	out := make(chan Event, 16)
	analysisID := e.AnalyzeStream(context.Background(), req, out)

	var events []Event
	for ev := range out {
		events = append(events, ev)
		if ev.Type == EventContent && ev.Text == "B" {
			require.True(t, e.Cancel(analysisID, "user"))
		}
	}

	last := events[len(events)-1]
	require.Equal(t, EventCancelled, last.Type)
	require.Equal(t, "user", last.Reason)

	for _, ev := range events {
		require.NotEqual(t, "D", ev.Text, "no fragment after the cancellation point should be emitted")
	}
}

func TestAnalyzeNoProviderResolvedFailsTerminal(t *testing.T) {
	reg := provider.NewRegistry()
	e := New(Options{
		Registry:      reg,
		Chunker:       chunk.New(),
		CancelManager: cancel.NewManager(),
	})
	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick}

	out := make(chan Event, 4)
	e.AnalyzeStream(context.Background(), req, out)
	events := drain(out)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, "no_provider", string(last.Kind))
}

func TestAnalyzeInvalidModeFailsBeforeProviderResolution(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"x"}}
	e, _ := newTestEngine(t, p)
	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.Mode("bogus")}

	out := make(chan Event, 4)
	e.AnalyzeStream(context.Background(), req, out)
	events := drain(out)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, "invalid_mode", string(last.Kind))
	require.Equal(t, 0, p.calls)
}

func TestSubmitThroughQueueRunsAnalysisToCompletion(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"hello "}}
	reg := provider.NewRegistry()
	reg.Register(p)
	q := queue.New(16, 2)
	t.Cleanup(q.Shutdown)

	e := New(Options{
		Registry:        reg,
		Chunker:         chunk.New(),
		CancelManager:   cancel.NewManager(),
		Queue:           q,
		DefaultProvider: p.Name(),
	})

	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick, Priority: 1}
	analysisID, err := e.Submit(req)
	require.NoError(t, err)
	require.NotEmpty(t, analysisID)

	require.Eventually(t, func() bool {
		_, ok := e.StatusOf(analysisID)
		return !ok
	}, time.Second, 5*time.Millisecond, "status manager should be unregistered once the analysis finishes")
}

func TestRateLimiterDenialReportedAfterWaitBudgetExceeded(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"x"}}
	reg := provider.NewRegistry()
	reg.Register(p)

	mgr := ratelimit.NewManager()
	// One request per day: the second call's retry_after is about 24h, far
	// past the 60s per-dispatch wait budget.
	mgr.RegisterTier(cost.ProviderAnthropic, ratelimit.TierFree, ratelimit.Config{RequestsPerMinute: 1000, TokensPerMinute: 1000000, RequestsPerDay: 1})
	_, err := mgr.Configure(cost.ProviderAnthropic, ratelimit.TierFree)
	require.NoError(t, err)

	e := New(Options{
		Registry:        reg,
		Chunker:         chunk.New(),
		CancelManager:   cancel.NewManager(),
		Limiters:        mgr,
		DefaultProvider: p.Name(),
	})

	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick, ClientID: "client-x"}

	out1 := make(chan Event, 16)
	e.AnalyzeStream(context.Background(), req, out1)
	drain(out1)

	out2 := make(chan Event, 16)
	e.AnalyzeStream(context.Background(), req, out2)
	events2 := drain(out2)
	last := events2[len(events2)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, "rate_limited", string(last.Kind))
}

func TestAnalyzeSucceedsWithNilAuditStore(t *testing.T) {
	p := &stubProvider{name: provider.NameAnthropic, deltas: []string{"ok"}}
	e, _ := newTestEngine(t, p)
	req := Request{Content: []byte(sampleANR), Kind: chunk.KindANR, Mode: cost.ModeQuick}

	out := make(chan Event, 16)
	e.AnalyzeStream(context.Background(), req, out)
	events := drain(out)
	require.Equal(t, EventComplete, events[len(events)-1].Type)
}
