// Package provider defines the uniform streaming façade over heterogeneous
// upstream LLM backends: every adapter exposes a model catalog, a
// mode-to-model map, and a pull-based event stream.
package provider

import (
	"context"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/cost"
)

// Name identifies a provider implementation.
type Name string

const (
	NameAnthropic Name = "anthropic"
	NameOpenAI    Name = "openai"
	NameBedrock   Name = "bedrock"
)

// StreamEventType closes the set of events a Streamer may produce.
type StreamEventType string

const (
	EventStart       StreamEventType = "start"
	EventDelta       StreamEventType = "delta"
	EventUsageUpdate StreamEventType = "usage_update"
	EventEnd         StreamEventType = "end"
)

// StreamEvent is the closed set of translated upstream events: Start,
// Delta, UsageUpdate, End. Adapters never leak provider-native event types
// to callers.
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	InputTokens  int
	OutputTokens int
}

// Streamer is a lazy, pull-based, cancellable, finite sequence of
// StreamEvents. Recv returns io.EOF (wrapped) when the sequence is
// exhausted normally.
type Streamer interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Params configures one streaming call.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Provider is the interface every upstream backend implements.
type Provider interface {
	Name() Name
	Models() []cost.ModelInfo
	ModelForMode(mode cost.Mode) string
	Stream(ctx context.Context, prompt string, params Params, token *cancel.Token) (Streamer, error)
}

// Registry maps provider tags to implementations, registered once at
// startup per the design notes' "closed set of provider tags plus a single
// interface" guidance.
type Registry struct {
	providers map[Name]Provider
	priority  []Name
	fallback  map[Name]Name
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Name]Provider), fallback: make(map[Name]Name)}
}

// Register adds a provider implementation, appending it to the priority
// order used when no explicit hint is given.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
	r.priority = append(r.priority, p.Name())
}

// SetFallback records that, when hint is unavailable, fall should be tried
// next.
func (r *Registry) SetFallback(hint, fall Name) {
	r.fallback[hint] = fall
}

// Resolve picks a provider given an optional hint and a configured default.
// Returns (nil, false) if neither resolves to a registered provider.
func (r *Registry) Resolve(hint, defaultProvider Name) (Provider, bool) {
	if hint != "" {
		if p, ok := r.providers[hint]; ok {
			return p, true
		}
		if fb, ok := r.fallback[hint]; ok {
			if p, ok := r.providers[fb]; ok {
				return p, true
			}
		}
	}
	if p, ok := r.providers[defaultProvider]; ok {
		return p, true
	}
	if len(r.priority) > 0 {
		if p, ok := r.providers[r.priority[0]]; ok {
			return p, true
		}
	}
	return nil, false
}
