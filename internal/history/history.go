// Package history implements the append-only turn log, its summary
// chain, and restart-context reconstruction.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/tail"
)

// Role is the closed set of turn roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is a single append-only history entry.
type Turn struct {
	TS        time.Time      `json:"ts"`
	Role      Role           `json:"role"`
	Source    string         `json:"source"`
	Content   string         `json:"content"`
	TokensIn  int            `json:"tokens_in"`
	TokensOut int            `json:"tokens_out"`
	ToolCalls map[string]any `json:"tool_calls,omitempty"`
}

// Store is the append-only turn log plus its summarization engine.
type Store struct {
	historyPath string
	summaryPath string
	log         *logger.Logger
	engine      *Engine

	mu    sync.Mutex
	turns []Turn
}

// Open loads any existing turns and summaries from disk and returns a
// ready Store. engine may be nil, in which case summarize falls back to
// clearing all turns into a single basic summary (matching the legacy
// no-engine path).
func Open(historyPath, summaryPath string, engine *Engine, log *logger.Logger) (*Store, error) {
	s := &Store{historyPath: historyPath, summaryPath: summaryPath, log: log, engine: engine}
	if err := s.loadTurns(); err != nil {
		return nil, err
	}
	if err := s.loadSummaries(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadTurns() error {
	f, err := os.Open(s.historyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "open history log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			s.log.Warn("skipping malformed history line", zap.Error(err))
			continue
		}
		s.turns = append(s.turns, turn)
	}
	return scanner.Err()
}

func (s *Store) loadSummaries() error {
	if s.engine == nil {
		return nil
	}
	f, err := os.Open(s.summaryPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "open summary log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var summary Summary
		if err := json.Unmarshal([]byte(line), &summary); err != nil {
			s.log.Warn("skipping malformed summary line", zap.Error(err))
			continue
		}
		s.engine.AddSummary(summary)
	}
	return scanner.Err()
}

// Append adds turn to the in-memory log and flushes it to disk before
// returning.
func (s *Store) Append(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistTurn(turn); err != nil {
		return err
	}
	s.turns = append(s.turns, turn)
	s.log.Debug("turn appended", zap.String("role", string(turn.Role)), zap.String("source", turn.Source))
	return nil
}

func (s *Store) persistTurn(turn Turn) error {
	if err := os.MkdirAll(filepath.Dir(s.historyPath), 0o755); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "create history dir: %v", err)
	}
	f, err := os.OpenFile(s.historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "open history log for append: %v", err)
	}
	defer f.Close()

	line, err := json.Marshal(turn)
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "marshal turn: %v", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "write history line: %v", err)
	}
	return f.Sync()
}

// Summarize creates a new summary from the current turns if the engine's
// trigger condition is met, replacing the history's turn list with the
// resulting preserved turns.
func (s *Store) Summarize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return apierr.New(apierr.CodeHistoryNoTurns, "no turns to summarize")
	}

	if s.engine == nil {
		return s.summarizeBasic()
	}

	var currentTokens int
	for _, t := range s.turns {
		currentTokens += t.TokensIn + t.TokensOut
	}
	if !s.engine.ShouldSummarize(s.turns, currentTokens) {
		return apierr.New(apierr.CodeHistorySummarizationNotNeeded, "summarization not needed under current strategy")
	}

	summary, err := s.engine.CreateSummary(ctx, s.turns)
	if err != nil {
		return err
	}
	chainBefore := len(s.engine.Summaries())
	s.engine.AddSummary(*summary)
	chain := s.engine.Summaries()
	if len(chain) == chainBefore+1 {
		if err := s.persistSummary(*summary); err != nil {
			return err
		}
	} else {
		// AddSummary compacted the chain; the on-disk log must be rewritten
		// to match rather than appended to.
		if err := s.rewriteSummaries(chain); err != nil {
			return err
		}
	}
	s.turns = summary.PreservedTurns
	if err := s.rewriteTurns(s.turns); err != nil {
		return err
	}

	s.log.Info("history summarized", zap.Int("turn_count", summary.TurnsSummarized), zap.String("strategy", string(summary.Strategy)))
	return nil
}

func (s *Store) summarizeBasic() error {
	var tokensIn, tokensOut int
	for _, t := range s.turns {
		tokensIn += t.TokensIn
		tokensOut += t.TokensOut
	}
	summary := Summary{
		ID:               fmt.Sprintf("summary_%d", time.Now().UnixNano()),
		Timestamp:        time.Now().UTC(),
		TurnsSummarized:  len(s.turns),
		TokensSummarized: tokensIn + tokensOut,
		Content:          fmt.Sprintf("Conversation with %d turns", len(s.turns)),
	}
	if err := s.persistSummary(summary); err != nil {
		return err
	}
	s.turns = nil
	if err := s.rewriteTurns(nil); err != nil {
		return err
	}
	s.log.Info("history summarized", zap.Int("turn_count", summary.TurnsSummarized), zap.String("strategy", "simple"))
	return nil
}

func (s *Store) persistSummary(summary Summary) error {
	if err := os.MkdirAll(filepath.Dir(s.summaryPath), 0o755); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "create summary dir: %v", err)
	}
	f, err := os.OpenFile(s.summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "open summary log for append: %v", err)
	}
	defer f.Close()

	line, err := json.Marshal(summary)
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "marshal summary: %v", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "write summary line: %v", err)
	}
	return f.Sync()
}

// rewriteTurns replaces the on-disk turn log with exactly turns, so a
// restart reloads the post-summarization window rather than resurrecting
// already-summarized turns. Written to a temp file and renamed into place.
func (s *Store) rewriteTurns(turns []Turn) error {
	return rewriteJSONL(s.historyPath, len(turns), func(i int) (any, error) {
		return turns[i], nil
	})
}

// rewriteSummaries atomically replaces the on-disk summary log with chain.
func (s *Store) rewriteSummaries(chain []Summary) error {
	return rewriteJSONL(s.summaryPath, len(chain), func(i int) (any, error) {
		return chain[i], nil
	})
}

func rewriteJSONL(path string, n int, record func(int) (any, error)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "create history dir: %v", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "open %s: %v", tmp, err)
	}
	for i := 0; i < n; i++ {
		rec, err := record(i)
		if err != nil {
			f.Close()
			return err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return apierr.Newf(apierr.CodeHistoryIOError, "marshal record: %v", err)
		}
		if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
			f.Close()
			return apierr.Newf(apierr.CodeHistoryIOError, "write record: %v", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apierr.Newf(apierr.CodeHistoryIOError, "sync %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "close %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "replace %s: %v", path, err)
	}
	return nil
}

// Tail returns the last n turns.
func (s *Store) Tail(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.turns) {
		out := make([]Turn, len(s.turns))
		copy(out, s.turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// Size returns the number of turns currently in memory.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Summaries returns a snapshot of the summary chain.
func (s *Store) Summaries() []Summary {
	if s.engine == nil {
		return nil
	}
	return s.engine.Summaries()
}

// Clear empties turns and summaries, in memory and on disk. Requires an
// explicit confirm=true, matching the RPC layer's confirm_required gate
// for this particularly destructive operation.
func (s *Store) Clear(confirm bool) error {
	if !confirm {
		return apierr.New(apierr.CodeHistoryConfirmRequired, "confirmation required to clear history")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = nil
	if s.engine != nil {
		s.engine.ClearSummaries()
	}
	if err := removeIfExists(s.historyPath); err != nil {
		return err
	}
	if err := removeIfExists(s.summaryPath); err != nil {
		return err
	}
	s.log.Info("history cleared")
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierr.Newf(apierr.CodeHistoryIOError, "remove %s: %v", path, err)
	}
	return nil
}

// ReconstructContext rebuilds the effective context string: every
// summary, then the trailing raw turns.
func (s *Store) ReconstructContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil {
		return s.engine.ReconstructContext(s.turns)
	}

	if len(s.turns) == 0 {
		return "No conversation history available."
	}
	var out string
	for i, t := range s.turns {
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("%s: %s", capitalize(string(t.Role)), t.Content)
	}
	return out
}

// ReconstructContextFromTail rebuilds context including a digest of
// recent tail events (tool calls, task boundaries, warnings, errors) —
// token payloads are excluded from the digest.
func (s *Store) ReconstructContextFromTail(events []tail.Payload) string {
	base := s.ReconstructContext()

	var digest string
	for _, e := range events {
		if e.Type == tail.PayloadToken {
			continue
		}
		if digest != "" {
			digest += "\n"
		}
		digest += fmt.Sprintf("- %s", e.Type)
	}
	if digest == "" {
		return base
	}
	return fmt.Sprintf("%s\n\nRecent activity:\n%s", base, digest)
}
