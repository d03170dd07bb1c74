package cancel_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/errs"
)

func TestTokenCheckFailsAfterCancel(t *testing.T) {
	tok := cancel.NewToken("")
	require.NoError(t, tok.Check())
	tok.Cancel("user requested")
	err := tok.Check()
	require.Error(t, err)
	var de *errs.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, errs.KindCancelled, de.Kind)
}

func TestCancelIsIdempotent(t *testing.T) {
	tok := cancel.NewToken("")
	var fires int32
	tok.AddCallback(func(string) { atomic.AddInt32(&fires, 1) })
	tok.Cancel("first")
	tok.Cancel("second")
	tok.Cancel("third")
	require.Equal(t, int32(1), fires)
	require.Equal(t, "first", tok.Reason())
}

func TestAddCallbackFiresImmediatelyWhenAlreadyCancelled(t *testing.T) {
	tok := cancel.NewToken("")
	tok.Cancel("gone")
	fired := make(chan string, 1)
	tok.AddCallback(func(reason string) { fired <- reason })
	select {
	case reason := <-fired:
		require.Equal(t, "gone", reason)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCallbackOrderAndIsolation(t *testing.T) {
	tok := cancel.NewToken("")
	var mu sync.Mutex
	var order []int
	tok.AddCallback(func(string) { mu.Lock(); order = append(order, 1); mu.Unlock() })
	tok.AddCallback(func(string) { panic("boom") })
	tok.AddCallback(func(string) { mu.Lock(); order = append(order, 3); mu.Unlock() })
	tok.Cancel("x")
	require.Equal(t, []int{1, 3}, order)
}

func TestManagerCancelAllAndCleanup(t *testing.T) {
	m := cancel.NewManager()
	a := m.New("a")
	b := m.New("b")
	require.Equal(t, 2, m.ActiveCount())
	require.True(t, m.Cancel("a", "r"))
	require.False(t, m.Cancel("missing", "r"))
	require.Equal(t, 1, m.ActiveCount())
	require.True(t, a.Cancelled())
	require.False(t, b.Cancelled())

	require.Equal(t, 0, m.CleanupOlderThan(time.Hour))
	require.Equal(t, 1, m.CleanupOlderThan(0))

	m.CancelAll("shutdown")
	require.True(t, b.Cancelled())
}

// TestCancelOnceCheckAlwaysFails is the universal property from the testable
// properties list: for any token, once Cancel returns every subsequent Check
// fails.
func TestCancelOnceCheckAlwaysFails(t *testing.T) {
	props := gopter.NewProperties(nil)
	props.Property("check fails after cancel for any reason string", prop.ForAll(
		func(reason string) bool {
			tok := cancel.NewToken("")
			tok.Cancel(reason)
			return tok.Check() != nil && tok.Cancelled()
		},
		gen.AnyString(),
	))
	props.TestingRun(t)
}
