// Package queue implements the agent's durable input queue: an
// append-only JSON-Lines log on disk backing an in-memory FIFO.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Source tags the origin of a queued item.
type Source string

const (
	SourceConsole Source = "console"
	SourceLocal   Source = "local"
)

// Item is a single queued prompt.
type Item struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Source Source    `json:"source"`
	TS     time.Time `json:"ts"`
}

// Queue is a durable, append-only FIFO of prompt text. Every append is
// flushed to disk before it's visible to any consumer.
type Queue struct {
	path string
	log  *logger.Logger

	mu    sync.Mutex
	items []Item
}

// Open loads any existing items from path (if present) and returns a ready
// Queue. Malformed lines are skipped with a warning; a missing file is not
// an error.
func Open(path string, log *logger.Logger) (*Queue, error) {
	q := &Queue{path: path, log: log}
	if err := q.loadExisting(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) loadExisting() error {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Newf(apierr.CodeQueueIOError, "open queue log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			q.log.Warn("skipping malformed queue line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		q.items = append(q.items, item)
	}
	if err := scanner.Err(); err != nil {
		return apierr.Newf(apierr.CodeQueueIOError, "read queue log: %v", err)
	}
	return nil
}

// Append assigns a fresh id and timestamp, persists the item, then makes
// it visible in memory, returning the new item's id.
func (q *Queue) Append(text string, source Source) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := Item{ID: uuid.New().String(), Text: text, Source: source, TS: time.Now().UTC()}
	if err := q.persist(item); err != nil {
		return "", err
	}
	q.items = append(q.items, item)
	q.log.Debug("queue item appended", zap.String("id", item.ID), zap.String("source", string(source)))
	return item.ID, nil
}

func (q *Queue) persist(item Item) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return apierr.Newf(apierr.CodeQueueIOError, "create queue dir: %v", err)
	}
	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apierr.Newf(apierr.CodeQueueIOError, "open queue log for append: %v", err)
	}
	defer f.Close()

	line, err := json.Marshal(item)
	if err != nil {
		return apierr.Newf(apierr.CodeQueueCorrupt, "marshal queue item: %v", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return apierr.Newf(apierr.CodeQueueIOError, "write queue line: %v", err)
	}
	return f.Sync()
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.log.Debug("queue item popped", zap.String("id", item.ID))
	return item, true
}

// List returns a snapshot of every item currently queued.
func (q *Queue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Size returns the current queue length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties both the in-memory queue and the on-disk log.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return apierr.Newf(apierr.CodeQueueIOError, "remove queue log: %v", err)
	}
	q.log.Info("queue cleared")
	return nil
}
