package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// SQLiteAdapter is a durable Adapter backed by a single sqlite database,
// scoping every row by a collection id derived from (scope, agentID).
type SQLiteAdapter struct {
	db  *sqlx.DB
	log *logger.Logger
}

type kbRow struct {
	ID           string `db:"id"`
	CollectionID string `db:"collection_id"`
	Content      string `db:"content"`
	ContentHash  string `db:"content_hash"`
	Metadata     string `db:"metadata"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// OpenSQLite opens (creating if absent) a sqlite-backed KB store at path.
func OpenSQLite(path string, log *logger.Logger) (*SQLiteAdapter, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeKBIngestFailed, "open kb database: %v", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	a := &SQLiteAdapter{db: db, log: log}
	if err := a.initSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kb_items (
		id              TEXT PRIMARY KEY,
		collection_id   TEXT NOT NULL,
		content         TEXT NOT NULL,
		content_hash    TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kb_items_collection ON kb_items(collection_id);
	CREATE INDEX IF NOT EXISTS idx_kb_items_hash ON kb_items(collection_id, content_hash);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return apierr.Newf(apierr.CodeKBIngestFailed, "create kb schema: %v", err)
	}
	return nil
}

func (a *SQLiteAdapter) Ingest(ctx context.Context, items []Item, scope Scope, agentID string) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	coll := collectionID(scope, agentID)

	var ids []string
	for _, item := range items {
		content, err := readContent(item.PathOrURL)
		if err != nil || content == "" {
			a.log.Warn("kb ingest skipped empty or unreadable item", zap.String("path", item.PathOrURL))
			continue
		}
		hash := contentHash(content)

		var existingID string
		err = a.db.GetContext(ctx, &existingID,
			`SELECT id FROM kb_items WHERE collection_id = ? AND content_hash = ? LIMIT 1`, coll, hash)
		if err == nil {
			ids = append(ids, existingID)
			continue
		}
		if err != sql.ErrNoRows {
			return ids, apierr.Newf(apierr.CodeKBIngestFailed, "lookup existing kb item: %v", err)
		}

		metaJSON, err := json.Marshal(item.Metadata)
		if err != nil {
			metaJSON = []byte("{}")
		}
		id := "kb_item_" + uuid.New().String()
		now := time.Now().UTC().UnixNano()
		_, err = a.db.ExecContext(ctx,
			`INSERT INTO kb_items (id, collection_id, content, content_hash, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, coll, content, hash, string(metaJSON), now, now)
		if err != nil {
			return ids, apierr.Newf(apierr.CodeKBIngestFailed, "insert kb item: %v", err)
		}
		ids = append(ids, id)
	}

	a.log.Info("kb ingest completed", zap.String("scope", string(scope)), zap.Int("count", len(ids)))
	return ids, nil
}

// Search does a single SQL LIKE scan for the whole query string as a
// substring of the content. Every hit scores 1.0 and hits are not ranked
// or split into terms. Without a vector search library wired into this
// module (see DESIGN.md), this is the sqlite-backed stand-in for
// MemoryAdapter's term-overlap ranking.
func (a *SQLiteAdapter) Search(ctx context.Context, query string, scope Scope, agentID string, k int) ([]Hit, error) {
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	coll := collectionID(scope, agentID)

	var rows []kbRow
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT id, collection_id, content, content_hash, metadata, created_at, updated_at
		 FROM kb_items WHERE collection_id = ? AND content LIKE ?`,
		coll, "%"+query+"%"); err != nil {
		return nil, apierr.Newf(apierr.CodeKBSearchFailed, "search kb items: %v", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		var meta map[string]any
		_ = json.Unmarshal([]byte(r.Metadata), &meta)
		hits = append(hits, Hit{ID: r.ID, Score: 1.0, Metadata: meta})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (a *SQLiteAdapter) CopyFrom(ctx context.Context, sourceAgentID, targetAgentID string, ids []string) ([]string, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	source := collectionID(ScopeAgent, sourceAgentID)
	target := collectionID(ScopeAgent, targetAgentID)

	var copied, skipped []string
	for _, id := range ids {
		var row kbRow
		err := a.db.GetContext(ctx, &row,
			`SELECT id, collection_id, content, content_hash, metadata, created_at, updated_at
			 FROM kb_items WHERE collection_id = ? AND id = ?`, source, id)
		if err == sql.ErrNoRows {
			skipped = append(skipped, id)
			continue
		}
		if err != nil {
			return copied, skipped, apierr.Newf(apierr.CodeKBCopyFailed, "read source kb item: %v", err)
		}

		now := time.Now().UTC().UnixNano()
		_, err = a.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO kb_items (id, collection_id, content, content_hash, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.ID, target, row.Content, row.ContentHash, row.Metadata, row.CreatedAt, now)
		if err != nil {
			return copied, skipped, apierr.Newf(apierr.CodeKBCopyFailed, "copy kb item: %v", err)
		}
		copied = append(copied, id)
	}

	a.log.Info("kb copy completed", zap.String("source", sourceAgentID), zap.String("target", targetAgentID),
		zap.Int("copied", len(copied)), zap.Int("skipped", len(skipped)))
	return copied, skipped, nil
}

func (a *SQLiteAdapter) List(ctx context.Context, scope Scope, agentID string, limit, offset int) ([]Record, error) {
	coll := collectionID(scope, agentID)
	if limit <= 0 {
		limit = 50
	}

	var rows []kbRow
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT id, collection_id, content, content_hash, metadata, created_at, updated_at
		 FROM kb_items WHERE collection_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		coll, limit, offset); err != nil {
		return nil, apierr.Newf(apierr.CodeKBSearchFailed, "list kb items: %v", err)
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, rowToRecord(r))
	}
	return records, nil
}

func (a *SQLiteAdapter) Get(ctx context.Context, scope Scope, agentID, itemID string) (Record, bool, error) {
	coll := collectionID(scope, agentID)
	var row kbRow
	err := a.db.GetContext(ctx, &row,
		`SELECT id, collection_id, content, content_hash, metadata, created_at, updated_at
		 FROM kb_items WHERE collection_id = ? AND id = ?`, coll, itemID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, apierr.Newf(apierr.CodeKBSearchFailed, "get kb item: %v", err)
	}
	return rowToRecord(row), true, nil
}

func (a *SQLiteAdapter) Delete(ctx context.Context, scope Scope, agentID, itemID string) (bool, error) {
	coll := collectionID(scope, agentID)
	res, err := a.db.ExecContext(ctx, `DELETE FROM kb_items WHERE collection_id = ? AND id = ?`, coll, itemID)
	if err != nil {
		return false, apierr.Newf(apierr.CodeKBSearchFailed, "delete kb item: %v", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func rowToRecord(r kbRow) Record {
	var meta map[string]any
	_ = json.Unmarshal([]byte(r.Metadata), &meta)
	return Record{
		ID:        r.ID,
		Content:   r.Content,
		Metadata:  meta,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}
