package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/anrdispatch/dispatchd/internal/chunk"
	"github.com/anrdispatch/dispatchd/internal/cost"
)

// setupMongo starts an ephemeral MongoDB container and returns a connected
// client, skipping the test outright when Docker isn't available.
func setupMongo(t *testing.T) *mongo.Client {
	t.Helper()
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available, skipping audit store integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	client, err := mongo.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))
	return client
}

func TestStoreCreateThenFinalizeRoundTrip(t *testing.T) {
	client := setupMongo(t)
	ctx := context.Background()
	coll := client.Database("dispatchd_test").Collection(t.Name())
	defer func() { _ = coll.Drop(ctx) }()

	s := NewStore(coll)
	require.NoError(t, s.EnsureIndexes(ctx))

	rec := Record{
		AnalysisID:  "analysis-1",
		Kind:        chunk.KindANR,
		Mode:        cost.ModeQuick,
		Provider:    "anthropic",
		Model:       "claude-3-5-sonnet-20241022",
		ContentHash: "deadbeef",
		ContentSize: 128,
	}
	require.NoError(t, s.Create(ctx, rec))

	var stored Record
	require.NoError(t, coll.FindOne(ctx, map[string]any{"_id": "analysis-1"}).Decode(&stored))
	require.Equal(t, RecordPending, stored.Status)

	require.NoError(t, s.Finalize(ctx, "analysis-1", RecordCompleted, 100, 50, 0.0123, ""))

	require.NoError(t, coll.FindOne(ctx, map[string]any{"_id": "analysis-1"}).Decode(&stored))
	require.Equal(t, RecordCompleted, stored.Status)
	require.Equal(t, 100, stored.InputTokens)
	require.Equal(t, 50, stored.OutputTokens)
	require.InDelta(t, 0.0123, stored.CostUSD, 1e-9)
}
