package status_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/status"
)

func TestProgressPercentageZeroWhenNoTotal(t *testing.T) {
	p := status.Progress{}
	require.Equal(t, 0.0, p.Percentage())
}

func TestProgressPercentage(t *testing.T) {
	p := status.Progress{CurrentChunk: 1, TotalChunks: 4}
	require.InDelta(t, 25.0, p.Percentage(), 0.001)
}

func TestEstimatedRemainingNilWhenNoProgress(t *testing.T) {
	p := status.Progress{StartedAt: time.Now()}
	require.Nil(t, p.EstimatedRemaining(time.Now()))
}

func TestSubscribersReceiveMonotoneProgress(t *testing.T) {
	m := status.New(10)
	var percents []float64
	m.Subscribe(func(s status.Snapshot) {
		percents = append(percents, s.Progress.Percentage())
	})
	m.UpdateProgress(1, 4, 10, 0)
	m.UpdateProgress(2, 4, 10, 0)
	m.UpdateProgress(3, 4, 10, 0)
	m.UpdateProgress(4, 4, 10, 0)
	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestMessageRingBufferBounded(t *testing.T) {
	m := status.New(3)
	for i := 0; i < 10; i++ {
		m.RecordMessage(status.LevelInfo, "msg", nil)
	}
	snap := m.Snapshot()
	require.Len(t, snap.Messages, 3)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := status.New(10)
	count := 0
	unsub := m.Subscribe(func(status.Snapshot) { count++ })
	m.SetStatus("running")
	unsub()
	m.SetStatus("done")
	require.Equal(t, 1, count)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	m := status.New(10)
	m.Subscribe(func(status.Snapshot) { panic("boom") })
	called := false
	m.Subscribe(func(status.Snapshot) { called = true })
	require.NotPanics(t, func() { m.SetStatus("x") })
	require.True(t, called)
}
