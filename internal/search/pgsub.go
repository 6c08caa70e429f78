package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// PgSub implements Searcher with a case-insensitive substring match in
// PostgreSQL, used as the fallback when Meilisearch is not available.
type PgSub struct {
	db *sql.DB
}

func NewPgSub(db *sql.DB) *PgSub {
	return &PgSub{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgSub) Healthy() bool {
	return true
}

// Search matches the query against title and content over the notes
// the user owns or collaborates on.
func (p *PgSub) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	// Total spans every hit, not just this page.
	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT n.id)
		FROM notes n
		LEFT JOIN collaborators c ON c.note_id = n.id AND c.user_id = $1
		WHERE (n.owner_id = $1 OR c.user_id IS NOT NULL)
			AND (n.title ILIKE '%' || $2 || '%' OR n.content ILIKE '%' || $2 || '%')
	`, q.UserID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("substring search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT n.id, n.title, n.content, n.owner_id, u.name, n.updated_at
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		LEFT JOIN collaborators c ON c.note_id = n.id AND c.user_id = $1
		WHERE (n.owner_id = $1 OR c.user_id IS NOT NULL)
			AND (n.title ILIKE '%' || $2 || '%' OR n.content ILIKE '%' || $2 || '%')
		ORDER BY n.updated_at DESC
		LIMIT $3 OFFSET $4
	`, q.UserID, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r         Result
			content   string
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Title, &content, &r.OwnerID, &r.OwnerName, &updatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		r.Snippet = excerpt(content, q.Text)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}

// LoadAllNoteRecords reads the full corpus for reindexing, grants
// included.
func (p *PgSub) LoadAllNoteRecords(ctx context.Context) ([]NoteRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.owner_id, u.name,
			COALESCE(array_agg(c.user_id) FILTER (WHERE c.user_id IS NOT NULL), '{}')
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		LEFT JOIN collaborators c ON c.note_id = n.id
		GROUP BY n.id, n.title, n.content, n.owner_id, u.name
	`)
	if err != nil {
		return nil, fmt.Errorf("load note records: %w", err)
	}
	defer rows.Close()

	var records []NoteRecord
	for rows.Next() {
		var (
			rec     NoteRecord
			collabs string
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.OwnerID, &rec.OwnerName, &collabs); err != nil {
			return nil, fmt.Errorf("scan note record: %w", err)
		}
		rec.CollaboratorIDs = parseTextArray(collabs)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note records: %w", err)
	}
	return records, nil
}

// parseTextArray decodes a Postgres text[] literal of plain IDs. The
// IDs we generate never need quoting, so splitting on commas is enough.
func parseTextArray(lit string) []string {
	trimmed := strings.Trim(lit, "{}")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	for i, part := range parts {
		parts[i] = strings.Trim(part, `"`)
	}
	return parts
}

// excerpt returns a short window of text around the first match, or
// the head of the text when the match was in the title only.
func excerpt(text, match string) string {
	const window = 160

	idx := strings.Index(strings.ToLower(text), strings.ToLower(match))
	if idx < 0 {
		idx = 0
	}
	start := idx - window/4
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}
	// Never cut a multibyte rune in half.
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}

	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}
