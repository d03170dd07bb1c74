package chunk_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/chunk"
	"github.com/anrdispatch/dispatchd/internal/cost"
)

func buildANRTrace(threads int) string {
	var b strings.Builder
	b.WriteString("----- pid 1234 at 2026-07-30 10:00:00 -----\n")
	b.WriteString("Cmd line: com.example.app\n")
	b.WriteString("Main thread state: BLOCKED\n")
	b.WriteString("DALVIK THREADS\n")
	for i := 0; i < threads; i++ {
		b.WriteString(fmt.Sprintf("\"thread-%d\" prio=5 tid=%d\n  at com.example.Frame.method(File.java:%d)\n", i, i, i))
	}
	return b.String()
}

func TestANRChunkingScenario3(t *testing.T) {
	content := buildANRTrace(120)
	c := chunk.New()
	chunks, err := c.Split(chunk.KindANR, content, cost.ModeIntelligent, 1<<20)
	require.NoError(t, err)
	require.Len(t, chunks, 3) // ceil(120/50)
	require.Equal(t, 2, len(chunks)-1) // literal separators emitted between chunks

	for _, ch := range chunks {
		require.True(t, strings.HasPrefix(ch.Text, "----- pid 1234"))
	}
}

func TestChunkDeterminism(t *testing.T) {
	content := buildANRTrace(37)
	c := chunk.New()
	a, err := c.Split(chunk.KindANR, content, cost.ModeQuick, 5000)
	require.NoError(t, err)
	b, err := c.Split(chunk.KindANR, content, cost.ModeQuick, 5000)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestValidateRequiresTwoIndicators(t *testing.T) {
	require.Error(t, chunk.Validate(chunk.KindANR, "just some random text"))
	require.NoError(t, chunk.Validate(chunk.KindANR, buildANRTrace(3)))
}

func TestExtractANRMetadata(t *testing.T) {
	md := chunk.ExtractANRMetadata(buildANRTrace(5))
	require.Equal(t, "1234", md.PID)
	require.Equal(t, "com.example.app", md.Package)
	require.Equal(t, "BLOCKED", md.MainThreadState)
	require.Equal(t, 5, md.TotalThreads)
}

func TestGenericFallbackNeverSplitsALine(t *testing.T) {
	content := "line one\nline two is a bit longer\nline three\n"
	c := chunk.New()
	chunks, err := c.Split(chunk.KindANR, content, cost.ModeQuick, 15)
	require.NoError(t, err)
	for _, ch := range chunks {
		for _, line := range strings.SplitAfter(ch.Text, "\n") {
			require.Contains(t, []string{"line one\n", "line two is a bit longer\n", "line three\n", ""}, line)
		}
	}
}

func TestChunkDeterminismProperty(t *testing.T) {
	props := gopter.NewProperties(nil)
	props.Property("same content/mode/budget yields identical chunk sequence", prop.ForAll(
		func(threads int, budget int) bool {
			if threads < 0 {
				threads = -threads
			}
			if budget < 1000 {
				budget = 1000
			}
			content := buildANRTrace(threads % 200)
			c := chunk.New()
			a, err1 := c.Split(chunk.KindANR, content, cost.ModeLargeFile, budget)
			b, err2 := c.Split(chunk.KindANR, content, cost.ModeLargeFile, budget)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 300),
		gen.IntRange(1000, 50000),
	))
	props.TestingRun(t)
}
