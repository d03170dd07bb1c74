package cost_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cost"
)

func TestEstimateTokensScenario6(t *testing.T) {
	in, out := cost.EstimateTokens(100*1024, cost.ProviderAnthropic, cost.ModeIntelligent)
	require.InDelta(t, 40960, in, 40960*0.01)
	require.InDelta(t, float64(in)*0.4, float64(out), float64(in)*0.4*0.01)
}

func TestCalculateCostScenario6(t *testing.T) {
	model := cost.ModelInfo{InputCostPer1K: 3, OutputCostPer1K: 15}
	in, out := cost.EstimateTokens(100*1024, cost.ProviderAnthropic, cost.ModeIntelligent)
	got := cost.CalculateCost(model, in, out)
	require.InDelta(t, 3.6864, got, 3.6864*0.01)
}

func TestCompareSortedAscending(t *testing.T) {
	estimates := cost.Compare(50, cost.ModeQuick, 0)
	require.NotEmpty(t, estimates)
	for i := 1; i < len(estimates); i++ {
		require.LessOrEqual(t, estimates[i-1].Cost, estimates[i].Cost)
	}
}

func TestRecommendPrefersCheapestWithinBudget(t *testing.T) {
	model := cost.Recommend(10, cost.ModeQuick, 0.01, cost.PreferQuality)
	require.NotEmpty(t, model)
	info, ok := cost.ByName(model)
	require.True(t, ok)
	require.LessOrEqual(t, info.InputCostPer1K, 1.0)
}

func TestChunksNeededCeilsAndFloorsAtOne(t *testing.T) {
	model := cost.ModelInfo{ContextWindow: 200000}
	require.Equal(t, 1, cost.ChunksNeeded(0, model, cost.ModeIntelligent))
	n := cost.ChunksNeeded(int(200000*0.7)+1, model, cost.ModeIntelligent)
	require.Equal(t, 2, n)
}
