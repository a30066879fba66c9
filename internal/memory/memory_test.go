package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func TestCtxPctAndThresholdBoundary(t *testing.T) {
	a, err := New(100, 0.8, logger.Default())
	require.NoError(t, err)

	a.AddTurn(40, 39) // 79/100 = 0.79, below threshold
	require.False(t, a.ShouldSummarize())

	a.AddTurn(1, 0) // 80/100 = 0.80, exactly at threshold
	require.True(t, a.ShouldSummarize())
}

func TestCtxPctCapsAtOne(t *testing.T) {
	a, err := New(10, 0.5, logger.Default())
	require.NoError(t, err)
	a.AddTurn(100, 0)
	require.Equal(t, 1.0, a.CtxPct())
}

func TestSummarizeClearsTallyNotHistory(t *testing.T) {
	a, err := New(1000, 0.8, logger.Default())
	require.NoError(t, err)
	a.AddTurn(10, 20)
	a.AddTurn(5, 5)

	stats := a.Summarize()
	require.Equal(t, 2, stats.TotalTurns)
	require.Equal(t, 40, stats.TotalTokens)
	require.Equal(t, 0, a.CtxTokens())
}

func TestSummarizeWithNoTurns(t *testing.T) {
	a, err := New(1000, 0.8, logger.Default())
	require.NoError(t, err)
	stats := a.Summarize()
	require.Equal(t, SummaryStats{}, stats)
}

func TestNewRejectsOutOfRangeThreshold(t *testing.T) {
	_, err := New(1000, 1.5, logger.Default())
	require.Error(t, err)
	_, err = New(1000, -0.1, logger.Default())
	require.Error(t, err)
}
