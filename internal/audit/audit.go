// Package audit persists one AuditRecord per analysis attempt: write-once
// at creation, with status and result fields each updated exactly once at
// a terminal transition.
package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/anrdispatch/dispatchd/internal/chunk"
	"github.com/anrdispatch/dispatchd/internal/cost"
)

// RecordStatus mirrors the dispatch-level terminal states relevant to an
// audit row.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordRunning   RecordStatus = "running"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
	RecordCancelled RecordStatus = "cancelled"
)

// Record is one row per analysis attempt.
type Record struct {
	AnalysisID    string       `bson:"_id"`
	Kind          chunk.Kind   `bson:"kind"`
	Mode          cost.Mode    `bson:"mode"`
	Provider      string       `bson:"provider"`
	Model         string       `bson:"model"`
	ContentHash   string       `bson:"content_hash"`
	ContentSize   int          `bson:"content_size"`
	Status        RecordStatus `bson:"status"`
	StartedAt     time.Time    `bson:"started_at"`
	CompletedAt   time.Time    `bson:"completed_at,omitempty"`
	InputTokens   int          `bson:"input_tokens"`
	OutputTokens  int          `bson:"output_tokens"`
	CostUSD       float64      `bson:"cost_usd"`
	Error         string       `bson:"error,omitempty"`
	// Metadata carries kind-specific structural facts extracted up front
	// (e.g. ANR pid/package/main-thread-state) for operational visibility;
	// nil when the kind has no extractor.
	Metadata      map[string]string `bson:"metadata,omitempty"`
}

// Store persists Records to a MongoDB collection, with indices on the
// fields the design calls out: content_hash, started_at (the record's
// creation time), status, and (kind, mode).
type Store struct {
	collection *mongo.Collection
}

// NewStore wraps an existing collection handle. EnsureIndexes should be
// called once at startup.
func NewStore(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the indices the design requires if they do not
// already exist.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "mode", Value: 1}}},
	})
	return err
}

// Create writes the initial record with status=Pending. A StorageError on
// this write aborts the dispatch per the error handling design — it is the
// only audit write whose failure is fatal.
func (s *Store) Create(ctx context.Context, r Record) error {
	r.Status = RecordPending
	r.StartedAt = time.Now()
	_, err := s.collection.InsertOne(ctx, r)
	return err
}

// Finalize updates status/result fields exactly once for analysisID.
// Failures here are logged by the caller and never abort an already-started
// dispatch.
func (s *Store) Finalize(ctx context.Context, analysisID string, status RecordStatus, inputTokens, outputTokens int, costUSD float64, errMsg string) error {
	_, err := s.collection.UpdateByID(ctx, analysisID, bson.M{
		"$set": bson.M{
			"status":        status,
			"completed_at":  time.Now(),
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"cost_usd":      costUSD,
			"error":         errMsg,
		},
	})
	return err
}
