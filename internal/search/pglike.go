package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgLike implements Searcher with ILIKE pattern matching straight
// against the bookmarks table. It is the fallback when Meilisearch is
// not configured or unreachable.
type PgLike struct {
	db *sql.DB
}

// NewPgLike creates a PostgreSQL fallback searcher.
func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

// Search matches the query substring against title, description and
// url, newest first. There is no ranking; recency is the order.
func (p *PgLike) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.UserID == "" {
		return nil, 0, fmt.Errorf("search without owner")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + escapeLike(q.Text) + "%"
	where := `user_id = $1 AND (title ILIKE $2 OR description ILIKE $2 OR url ILIKE $2)`
	args := []any{q.UserID, pattern}
	if q.Category != "" {
		where += " AND category = $3"
		args = append(args, q.Category)
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM bookmarks WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pglike count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT id, title, url, coalesce(description, ''), category
		FROM bookmarks
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pglike query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.URL, &r.Snippet, &r.Category); err != nil {
			return nil, 0, fmt.Errorf("pglike scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters so user input matches
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// LoadAllRecords returns every bookmark as an index record, for full
// reindexing into Meilisearch.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]BookmarkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, title, url, coalesce(description, ''), coalesce(notes, ''), coalesce(category, ''), tags,
			extract(epoch FROM created_at)::bigint
		FROM bookmarks
	`)
	if err != nil {
		return nil, fmt.Errorf("load bookmarks: %w", err)
	}
	defer rows.Close()

	records := make([]BookmarkRecord, 0)
	for rows.Next() {
		var r BookmarkRecord
		var tags []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.URL, &r.Description, &r.Notes, &r.Category, &tags, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &r.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return records, nil
}
