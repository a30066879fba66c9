package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

type memoryItem struct {
	id          string
	content     string
	contentHash string
	metadata    map[string]any
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryAdapter is an in-process Adapter with content-hash deduplication
// and a simple term-overlap search ranking, used for tests and
// standalone mode where no persistent KB engine is configured.
type MemoryAdapter struct {
	log *logger.Logger

	mu          sync.Mutex
	collections map[string]map[string]*memoryItem
}

// NewMemoryAdapter builds an empty MemoryAdapter.
func NewMemoryAdapter(log *logger.Logger) *MemoryAdapter {
	return &MemoryAdapter{log: log, collections: make(map[string]map[string]*memoryItem)}
}

func (m *MemoryAdapter) collection(id string) map[string]*memoryItem {
	c, ok := m.collections[id]
	if !ok {
		c = make(map[string]*memoryItem)
		m.collections[id] = c
	}
	return c
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *MemoryAdapter) Ingest(ctx context.Context, items []Item, scope Scope, agentID string) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collectionID(scope, agentID))
	var ids []string
	for _, item := range items {
		content, err := readContent(item.PathOrURL)
		if err != nil || content == "" {
			m.log.Warn("kb ingest skipped empty or unreadable item", zap.String("path", item.PathOrURL))
			continue
		}

		hash := contentHash(content)
		if existing := findByHash(coll, hash); existing != "" {
			ids = append(ids, existing)
			continue
		}

		now := time.Now().UTC()
		id := "kb_item_" + uuid.New().String()
		coll[id] = &memoryItem{id: id, content: content, contentHash: hash, metadata: item.Metadata, createdAt: now, updatedAt: now}
		ids = append(ids, id)
	}

	m.log.Info("kb ingest completed", zap.String("scope", string(scope)), zap.Int("count", len(ids)))
	return ids, nil
}

func findByHash(coll map[string]*memoryItem, hash string) string {
	for id, item := range coll {
		if item.contentHash == hash {
			return id
		}
	}
	return ""
}

func readContent(pathOrURL string) (string, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return "", apierr.New(apierr.CodeKBIngestFailed, "remote content fetch is not supported")
	}
	data, err := os.ReadFile(pathOrURL)
	if err != nil {
		return "", apierr.Newf(apierr.CodeKBIngestFailed, "read %s: %v", pathOrURL, err)
	}
	return string(data), nil
}

// Search scores every stored item by the fraction of its query terms that
// appear in the item's content, a deliberately simple stand-in for a real
// embedding-backed similarity search (no vector-search library is wired
// into this module; see DESIGN.md).
func (m *MemoryAdapter) Search(ctx context.Context, query string, scope Scope, agentID string, k int) ([]Hit, error) {
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collectionID(scope, agentID)]
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || len(coll) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, item := range coll {
		lower := strings.ToLower(item.content)
		var matched int
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{ID: item.id, Score: float64(matched) / float64(len(terms)), Metadata: item.metadata})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	m.log.Info("kb search completed", zap.String("scope", string(scope)), zap.Int("results", len(hits)))
	return hits, nil
}

func (m *MemoryAdapter) CopyFrom(ctx context.Context, sourceAgentID, targetAgentID string, ids []string) ([]string, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	source := m.collection(collectionID(ScopeAgent, sourceAgentID))
	target := m.collection(collectionID(ScopeAgent, targetAgentID))

	var copied, skipped []string
	for _, id := range ids {
		item, ok := source[id]
		if !ok {
			skipped = append(skipped, id)
			continue
		}
		clone := *item
		target[id] = &clone
		copied = append(copied, id)
	}

	m.log.Info("kb copy completed", zap.String("source", sourceAgentID), zap.String("target", targetAgentID),
		zap.Int("copied", len(copied)), zap.Int("skipped", len(skipped)))
	return copied, skipped, nil
}

func (m *MemoryAdapter) List(ctx context.Context, scope Scope, agentID string, limit, offset int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collectionID(scope, agentID)]
	var records []Record
	for _, item := range coll {
		records = append(records, toRecord(item))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	if offset >= len(records) {
		return nil, nil
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return records[offset:end], nil
}

func (m *MemoryAdapter) Get(ctx context.Context, scope Scope, agentID, itemID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collectionID(scope, agentID)]
	item, ok := coll[itemID]
	if !ok {
		return Record{}, false, nil
	}
	return toRecord(item), true, nil
}

func (m *MemoryAdapter) Delete(ctx context.Context, scope Scope, agentID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collectionID(scope, agentID)]
	if _, ok := coll[itemID]; !ok {
		return false, nil
	}
	delete(coll, itemID)
	return true, nil
}

func (m *MemoryAdapter) Close() error { return nil }

func toRecord(item *memoryItem) Record {
	return Record{ID: item.id, Content: item.content, Metadata: item.metadata, CreatedAt: item.createdAt, UpdatedAt: item.updatedAt}
}
