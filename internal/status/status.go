// Package status implements the Status Manager: publish-subscribe for
// progress, messages, and usage counters, with an immutable-snapshot
// contract for subscribers.
package status

import (
	"sync"
	"time"
)

// Level classifies a recorded message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Message is one entry in the status ring buffer.
type Message struct {
	Level   Level
	Text    string
	Details map[string]any
	At      time.Time
}

// Progress mirrors spec §3 ProgressState.
type Progress struct {
	CurrentChunk        int
	TotalChunks         int
	ProcessedTokens     int
	EstimatedTotalTokens int
	StartedAt           time.Time
}

// Percentage returns current/total*100, or 0 when total is 0.
func (p Progress) Percentage() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.CurrentChunk) / float64(p.TotalChunks) * 100
}

// EstimatedRemaining returns elapsed*(total-current)/current, or nil when
// current is 0 (no rate estimate yet).
func (p Progress) EstimatedRemaining(now time.Time) *time.Duration {
	if p.CurrentChunk == 0 {
		return nil
	}
	elapsed := now.Sub(p.StartedAt)
	remaining := time.Duration(float64(elapsed) * float64(p.TotalChunks-p.CurrentChunk) / float64(p.CurrentChunk))
	return &remaining
}

// Usage mirrors spec §3 UsageCounters: monotonically non-decreasing for the
// lifetime of a dispatch.
type Usage struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Errors       int64
	Cancellations int64
}

// Snapshot is an immutable copy of the Status Manager's full state,
// delivered to every subscriber on each mutation.
type Snapshot struct {
	Status    string
	Progress  Progress
	Usage     Usage
	Messages  []Message
	CapturedAt time.Time
}

// Subscriber receives snapshots as they are published.
type Subscriber func(Snapshot)

// Manager holds the single authoritative Progress/Usage state for one
// dispatch and publishes copies to subscribers on every mutation.
type Manager struct {
	mu          sync.Mutex
	status      string
	progress    Progress
	usage       Usage
	messages    []Message
	maxMessages int

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSubID   int

	durable DurableSink
}

// DurableSink optionally mirrors snapshots to a durable transport (e.g. a
// Redis stream) in addition to in-process subscribers.
type DurableSink interface {
	Publish(Snapshot) error
}

// New constructs a Manager. maxMessages bounds the message ring buffer.
func New(maxMessages int) *Manager {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Manager{
		maxMessages: maxMessages,
		subscribers: make(map[int]Subscriber),
	}
}

// WithDurableSink attaches an optional durable broadcast sink and returns m
// for chaining.
func (m *Manager) WithDurableSink(sink DurableSink) *Manager {
	m.durable = sink
	return m
}

// SetStatus updates the coarse status label and notifies subscribers.
func (m *Manager) SetStatus(s string) {
	m.mu.Lock()
	m.status = s
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// UpdateProgress updates chunk/token progress counters. Progress never
// decreases within one dispatch.
func (m *Manager) UpdateProgress(current, total, tokensIn, tokensOut int) {
	m.mu.Lock()
	if m.progress.StartedAt.IsZero() {
		m.progress.StartedAt = time.Now()
	}
	if current > m.progress.CurrentChunk {
		m.progress.CurrentChunk = current
	}
	m.progress.TotalChunks = total
	m.progress.ProcessedTokens += tokensIn + tokensOut
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// RecordMessage appends a message to the ring buffer, evicting the oldest
// when full.
func (m *Manager) RecordMessage(level Level, text string, details map[string]any) {
	m.mu.Lock()
	m.messages = append(m.messages, Message{Level: level, Text: text, Details: details, At: time.Now()})
	if len(m.messages) > m.maxMessages {
		m.messages = m.messages[len(m.messages)-m.maxMessages:]
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// RecordUsage adds to the cumulative usage counters.
func (m *Manager) RecordUsage(tokensIn, tokensOut int, costUSD float64) {
	m.mu.Lock()
	m.usage.Requests++
	m.usage.InputTokens += int64(tokensIn)
	m.usage.OutputTokens += int64(tokensOut)
	m.usage.CostUSD += costUSD
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// RecordError records an error message and increments the error counter.
func (m *Manager) RecordError(text string) {
	m.mu.Lock()
	m.usage.Errors++
	m.messages = append(m.messages, Message{Level: LevelError, Text: text, At: time.Now()})
	if len(m.messages) > m.maxMessages {
		m.messages = m.messages[len(m.messages)-m.maxMessages:]
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// RecordCancellation records a cancellation reason and increments the
// cancellation counter.
func (m *Manager) RecordCancellation(reason string) {
	m.mu.Lock()
	m.usage.Cancellations++
	m.status = "cancelled"
	m.messages = append(m.messages, Message{Level: LevelWarn, Text: reason, At: time.Now()})
	if len(m.messages) > m.maxMessages {
		m.messages = m.messages[len(m.messages)-m.maxMessages:]
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Subscribe registers cb to receive every future snapshot and returns an
// unsubscribe handle.
func (m *Manager) Subscribe(cb Subscriber) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb
	m.subMu.Unlock()
	return func() { m.Unsubscribe(id) }
}

// Unsubscribe removes the subscriber registered under id.
func (m *Manager) Unsubscribe(id int) {
	m.subMu.Lock()
	delete(m.subscribers, id)
	m.subMu.Unlock()
}

// Snapshot returns an immutable copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return Snapshot{
		Status:     m.status,
		Progress:   m.progress,
		Usage:      m.usage,
		Messages:   msgs,
		CapturedAt: time.Now(),
	}
}

// notify delivers snap to every subscriber and, if configured, the durable
// sink. Subscriber invocation happens outside the component's own lock to
// avoid reentrancy; a subscriber that panics never blocks its siblings.
func (m *Manager) notify(snap Snapshot) {
	m.subMu.Lock()
	subs := make([]Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		deliverIsolated(s, snap)
	}
	if m.durable != nil {
		_ = m.durable.Publish(snap)
	}
}

func deliverIsolated(s Subscriber, snap Snapshot) {
	defer func() { _ = recover() }()
	s(snap)
}
