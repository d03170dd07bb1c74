package status

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
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
				Image:        "redis:7",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available, skipping status durable sink integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSinkPublishesEveryMutation(t *testing.T) {
	client := setupRedis(t)
	streamKey := "dispatch:status:analysis-xyz"
	sink := NewRedisSink(RedisSinkOptions{
		Client:     client,
		AnalysisID: "analysis-xyz",
		StreamID:   func() string { return streamKey },
	})

	m := New(16).WithDurableSink(sink)
	m.SetStatus("running")
	m.UpdateProgress(1, 4, 100, 0)
	m.RecordUsage(100, 50, 0.01)

	ctx := context.Background()
	entries, err := client.XRange(ctx, streamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var last Envelope
	require.NoError(t, json.Unmarshal([]byte(entries[len(entries)-1].Values["envelope"].(string)), &last))
	require.Equal(t, "analysis-xyz", last.AnalysisID)
	require.Equal(t, "running", last.Snapshot.Status)
	require.Equal(t, int64(100), last.Snapshot.Usage.InputTokens)
	require.WithinDuration(t, time.Now(), last.Timestamp, 5*time.Second)
}
