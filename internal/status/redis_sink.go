package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the durable wire record published to a Redis stream for one
// snapshot, generalizing the pulse sink's Envelope shape without depending
// on the full pulse package.
type Envelope struct {
	AnalysisID string    `json:"analysis_id"`
	Timestamp  time.Time `json:"timestamp"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// RedisSinkOptions configures a RedisSink.
type RedisSinkOptions struct {
	Client     *redis.Client
	StreamID   func() string
	AnalysisID string
	MaxLen     int64
}

// RedisSink publishes snapshots to a Redis stream, giving the Status
// Manager a durable broadcast tier on top of its in-process subscriber
// list. Subscribers elsewhere in the process need no durability; this
// exists for consumers that reconnect after a restart.
type RedisSink struct {
	client     *redis.Client
	streamID   func() string
	analysisID string
	maxLen     int64
}

// NewRedisSink constructs a RedisSink. opts.StreamID defaults to a fixed
// "dispatch:status" stream name when nil.
func NewRedisSink(opts RedisSinkOptions) *RedisSink {
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func() string { return "dispatch:status" }
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisSink{
		client:     opts.Client,
		streamID:   streamID,
		analysisID: opts.AnalysisID,
		maxLen:     maxLen,
	}
}

// Publish appends snap to the configured Redis stream as a JSON-encoded
// envelope.
func (s *RedisSink) Publish(snap Snapshot) error {
	env := Envelope{AnalysisID: s.analysisID, Timestamp: time.Now(), Snapshot: snap}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("status: marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamID(),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"envelope": payload},
	}).Err()
}
