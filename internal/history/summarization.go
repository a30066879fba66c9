package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/model"
)

// Strategy selects which summarization trigger and digest style applies.
type Strategy string

const (
	StrategyTokenBased      Strategy = "token_based"
	StrategyTimeBased       Strategy = "time_based"
	StrategyImportanceBased Strategy = "importance_based"
	StrategyHybrid          Strategy = "hybrid"
)

// SummarizationConfig tunes when summarization triggers and how much of
// the chain is kept before compaction.
type SummarizationConfig struct {
	Strategy             Strategy
	TokenThreshold       int
	TimeThreshold        time.Duration
	ImportanceThreshold  float64
	MaxSummaries         int
	ImportantLengthLimit int
}

// Summary is one entry in the compaction chain.
type Summary struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"ts"`
	Strategy         Strategy       `json:"strategy"`
	TurnsSummarized  int            `json:"turns_summarized"`
	TokensSummarized int            `json:"tokens_summarized"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	PreservedTurns   []Turn         `json:"preserved_turns,omitempty"`
}

// Engine decides when to summarize and produces the resulting digest,
// either statistically or (when a model is available) via a
// strategy-specific prompt.
type Engine struct {
	cfg       SummarizationConfig
	provider  model.Provider
	log       *logger.Logger
	summaries []Summary
}

// NewEngine builds a summarization Engine. provider may be nil, in which
// case every summary falls back to the statistical digest (Open Question
// decision, see DESIGN.md).
func NewEngine(cfg SummarizationConfig, provider model.Provider, log *logger.Logger) *Engine {
	if cfg.MaxSummaries <= 0 {
		cfg.MaxSummaries = 10
	}
	return &Engine{cfg: cfg, provider: provider, log: log}
}

// ShouldSummarize reports whether the current turn set should trigger a
// new summary under the engine's configured strategy.
func (e *Engine) ShouldSummarize(turns []Turn, currentTokens int) bool {
	if len(turns) == 0 {
		return false
	}
	switch e.cfg.Strategy {
	case StrategyTokenBased:
		return currentTokens >= e.cfg.TokenThreshold
	case StrategyTimeBased:
		if len(turns) < 2 {
			return false
		}
		return turns[len(turns)-1].TS.Sub(turns[0].TS) >= e.cfg.TimeThreshold
	case StrategyImportanceBased:
		important := e.countImportant(turns)
		ratio := float64(important) / float64(len(turns))
		return ratio >= e.cfg.ImportanceThreshold
	case StrategyHybrid:
		tokenTrigger := currentTokens >= e.cfg.TokenThreshold
		timeTrigger := len(turns) >= 2 && turns[len(turns)-1].TS.Sub(turns[0].TS) >= e.cfg.TimeThreshold
		return tokenTrigger || timeTrigger
	default:
		return false
	}
}

// CreateSummary partitions turns into a to-summarize set and a preserved
// set, produces a digest, and returns the resulting Summary.
func (e *Engine) CreateSummary(ctx context.Context, turns []Turn) (*Summary, error) {
	if len(turns) == 0 {
		return nil, apierr.New(apierr.CodeHistoryNoTurns, "no turns to summarize")
	}

	toSummarize, preserved := e.separateTurns(turns)
	if len(toSummarize) == 0 {
		return nil, apierr.New(apierr.CodeHistoryNoTurns, "no turns to summarize after preserving important turns")
	}

	content := e.digest(ctx, toSummarize)

	var totalTokens int
	for _, t := range toSummarize {
		totalTokens += t.TokensIn + t.TokensOut
	}

	summary := &Summary{
		ID:               fmt.Sprintf("summary_%d", time.Now().UnixNano()),
		Timestamp:        time.Now().UTC(),
		Strategy:         e.cfg.Strategy,
		TurnsSummarized:  len(toSummarize),
		TokensSummarized: totalTokens,
		Content:          content,
		Metadata: map[string]any{
			"strategy":        string(e.cfg.Strategy),
			"tool_calls":      countToolCalls(toSummarize),
			"preserved_turns": len(preserved),
		},
		PreservedTurns: preserved,
	}

	e.log.Info("summary created", zap.String("strategy", string(e.cfg.Strategy)), zap.Int("turns", len(toSummarize)), zap.Int("tokens", totalTokens))
	return summary, nil
}

// separateTurns preserves turns with tool calls or tool-role results;
// every other turn is summarized, whatever its length.
func (e *Engine) separateTurns(turns []Turn) (toSummarize, preserved []Turn) {
	for _, t := range turns {
		if e.isPreserved(t) {
			preserved = append(preserved, t)
		} else {
			toSummarize = append(toSummarize, t)
		}
	}
	return toSummarize, preserved
}

func (e *Engine) isPreserved(t Turn) bool {
	return len(t.ToolCalls) > 0 || t.Role == RoleTool
}

func (e *Engine) countImportant(turns []Turn) int {
	limit := e.cfg.ImportantLengthLimit
	if limit <= 0 {
		limit = 200
	}
	var n int
	for _, t := range turns {
		switch {
		case len(t.ToolCalls) > 0:
			n++
		case t.Role == RoleTool:
			n++
		case t.Role == RoleUser && len(t.Content) > limit:
			n++
		}
	}
	return n
}

func countToolCalls(turns []Turn) int {
	var n int
	for _, t := range turns {
		if len(t.ToolCalls) > 0 {
			n++
		}
	}
	return n
}

// digest produces the summary's textual content: a model-backed
// strategy-specific request when a provider is configured, otherwise a
// statistical fallback (Open Question decision, see DESIGN.md).
func (e *Engine) digest(ctx context.Context, turns []Turn) string {
	if e.provider == nil {
		return e.basicDigest(turns)
	}

	resp, err := e.provider.Generate(ctx, model.Request{Prompt: e.digestPrompt(turns)})
	if err != nil {
		e.log.Warn("model-backed digest failed, falling back to statistical digest", zap.Error(err))
		return e.basicDigest(turns)
	}
	return resp.Text
}

func (e *Engine) digestPrompt(turns []Turn) string {
	instruction := map[Strategy]string{
		StrategyTokenBased:      "Summarize this conversation concisely, focusing on key points and decisions. Keep it under 200 words.",
		StrategyTimeBased:       "Summarize this conversation chronologically, highlighting how the discussion progressed over time.",
		StrategyImportanceBased: "Summarize this conversation by identifying and highlighting its most important events and outcomes.",
		StrategyHybrid:          "Create a comprehensive summary of this conversation covering its key points, decisions, and outcomes.",
	}[e.cfg.Strategy]
	if instruction == "" {
		instruction = "Summarize this conversation."
	}

	prompt := instruction + "\n\nConversation:\n"
	for _, t := range turns {
		prompt += fmt.Sprintf("%s: %s\n\n", capitalize(string(t.Role)), t.Content)
	}
	return prompt
}

func (e *Engine) basicDigest(turns []Turn) string {
	var userCount, assistantCount, totalTokens int
	for _, t := range turns {
		totalTokens += t.TokensIn + t.TokensOut
		switch t.Role {
		case RoleUser:
			userCount++
		case RoleAssistant:
			assistantCount++
		}
	}
	return fmt.Sprintf("Conversation summary: %d turns (%d user, %d assistant), %d total tokens.",
		len(turns), userCount, assistantCount, totalTokens)
}

// AddSummary appends summary to the chain. A chain that grows past
// MaxSummaries is compacted into a single aggregate rather than trimmed,
// so cumulative turn and token counts survive.
func (e *Engine) AddSummary(s Summary) {
	e.summaries = append(e.summaries, s)
	if len(e.summaries) > e.cfg.MaxSummaries {
		e.Compact()
	}
}

// Summaries returns a snapshot of the current chain.
func (e *Engine) Summaries() []Summary {
	out := make([]Summary, len(e.summaries))
	copy(out, e.summaries)
	return out
}

// ClearSummaries empties the chain.
func (e *Engine) ClearSummaries() {
	e.summaries = nil
}

// Compact combines the entire chain into a single aggregate summary,
// preserving cumulative turn and token counts. A chain of zero or one
// summary is left untouched.
func (e *Engine) Compact() {
	if len(e.summaries) <= 1 {
		return
	}

	var totalTurns, totalTokens int
	parts := make([]string, 0, len(e.summaries))
	for i, s := range e.summaries {
		totalTurns += s.TurnsSummarized
		totalTokens += s.TokensSummarized
		content := s.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		parts = append(parts, fmt.Sprintf("Period %d: %s", i+1, content))
	}

	content := parts[0]
	if len(parts) > 1 {
		content = fmt.Sprintf("Compacted conversation history covering %d periods:\n", len(e.summaries))
		for _, p := range parts {
			content += p + "\n"
		}
	}

	e.summaries = []Summary{{
		ID:               fmt.Sprintf("compacted_%d", time.Now().UnixNano()),
		Timestamp:        time.Now().UTC(),
		Strategy:         StrategyHybrid,
		TurnsSummarized:  totalTurns,
		TokensSummarized: totalTokens,
		Content:          content,
		Metadata:         map[string]any{"compaction": true, "original_summaries": len(e.summaries)},
	}}
}

// ReconstructContext concatenates every summary (each prefixed "Summary
// k: "), then the trailing raw turns rendered "Role: content".
func (e *Engine) ReconstructContext(turns []Turn) string {
	if len(e.summaries) == 0 && len(turns) == 0 {
		return "No conversation history available."
	}

	var out string
	for i, s := range e.summaries {
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("Summary %d: %s", i+1, s.Content)
	}

	if len(turns) > 0 {
		if out != "" {
			out += "\n\n"
		}
		for i, t := range turns {
			if i > 0 {
				out += "\n\n"
			}
			out += fmt.Sprintf("%s: %s", capitalize(string(t.Role)), t.Content)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-('a'-'A')) + s[1:]
}
