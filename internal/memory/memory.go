// Package memory implements the token-budget accountant that tracks how
// much of an agent's context window is currently occupied by recorded
// turns, independent of the history store's own (much longer-lived) turn
// list.
package memory

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Stats is a snapshot of the accountant's current state.
type Stats struct {
	TokensInContext    int
	CtxPct             float64
	SummarizeThreshold float64
	ShouldSummarize    bool
}

// SummaryStats is returned by Summarize: an aggregate over the turns being
// cleared from the tally.
type SummaryStats struct {
	TotalTurns       int
	TotalTokens      int
	AvgTokensPerTurn float64
}

// Accountant tracks tokens-in-context against a configured limit and
// decides when the configured summarization threshold has been crossed.
// It does not itself hold turn content — internal/history owns that — it
// only tallies token counts recorded via AddTurn.
type Accountant struct {
	log *logger.Logger

	mu        sync.Mutex
	limit     int
	threshold float64
	tokens    int
	turns     int
}

// New builds an Accountant. threshold must be in [0,1].
func New(limit int, threshold float64, log *logger.Logger) (*Accountant, error) {
	if threshold < 0 || threshold > 1 {
		return nil, apierr.Newf(apierr.CodeMemoryOverBudget, "summarize threshold %f must be in [0,1]", threshold)
	}
	return &Accountant{limit: limit, threshold: threshold, log: log}, nil
}

// AddTurn records one turn's input/output token counts against the tally.
func (a *Accountant) AddTurn(tokensIn, tokensOut int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tokens += tokensIn + tokensOut
	a.turns++
	a.log.Debug("memory turn added", zap.Int("tokens_in", tokensIn), zap.Int("tokens_out", tokensOut), zap.Int("total_ctx", a.tokens))
}

// CtxTokens returns the current tokens-in-context tally.
func (a *Accountant) CtxTokens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

// CtxPct returns the fraction of the configured limit currently used,
// capped at 1.0.
func (a *Accountant) CtxPct() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctxPctLocked()
}

func (a *Accountant) ctxPctLocked() float64 {
	if a.limit == 0 {
		return 0
	}
	pct := float64(a.tokens) / float64(a.limit)
	if pct > 1 {
		return 1
	}
	return pct
}

// ShouldSummarize reports whether usage has reached the configured
// threshold. At exactly the threshold this returns true.
func (a *Accountant) ShouldSummarize() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctxPctLocked() >= a.threshold
}

// Stats returns a full snapshot.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TokensInContext:    a.tokens,
		CtxPct:             a.ctxPctLocked(),
		SummarizeThreshold: a.threshold,
		ShouldSummarize:    a.ctxPctLocked() >= a.threshold,
	}
}

// Summarize returns an aggregate statistic over everything tallied so far
// and clears the accountant's tally. It does not touch the history store;
// callers typically invoke history.Store.Summarize alongside this.
func (a *Accountant) Summarize() SummaryStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.turns == 0 {
		return SummaryStats{}
	}

	stats := SummaryStats{
		TotalTurns:       a.turns,
		TotalTokens:      a.tokens,
		AvgTokensPerTurn: float64(a.tokens) / float64(a.turns),
	}

	a.tokens = 0
	a.turns = 0
	a.log.Info("memory summarized", zap.Int("turns", stats.TotalTurns), zap.Int("tokens", stats.TotalTokens))
	return stats
}

// Clear resets the tally without producing a summary.
func (a *Accountant) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = 0
	a.turns = 0
	a.log.Info("memory cleared")
}

// SetLimit updates the configured token limit.
func (a *Accountant) SetLimit(limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = limit
	a.log.Info("memory limit set", zap.Int("limit", limit))
}

// SetThreshold updates the summarization trigger threshold, which must be
// in [0,1].
func (a *Accountant) SetThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return apierr.Newf(apierr.CodeMemoryOverBudget, "summarize threshold %f must be in [0,1]", threshold)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threshold = threshold
	a.log.Info("memory threshold set", zap.Float64("threshold", threshold))
	return nil
}

func (s SummaryStats) String() string {
	return fmt.Sprintf("Summarized %d turns with %d total tokens.", s.TotalTurns, s.TotalTokens)
}
