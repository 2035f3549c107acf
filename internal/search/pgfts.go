package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the version ledger lives in Postgres.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches the search_fts column of file_versions with
// websearch_to_tsquery, ranking by ts_rank and cutting snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	where := "v.project_id = $1 AND v.search_fts @@ websearch_to_tsquery('simple', $2)"
	args := []any{q.ProjectID, q.Text}
	if q.FileID != "" {
		where += " AND v.file_id = $3"
		args = append(args, q.FileID)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM file_versions v WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT v.id, v.project_id, v.file_id, v.collaborator_id, v.proposal_id,
			ts_headline('simple', v.search_text, websearch_to_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			EXTRACT(EPOCH FROM v.created_at)::bigint AS created_at
		FROM file_versions v
		WHERE %s
		ORDER BY ts_rank(v.search_fts, websearch_to_tsquery('simple', $2)) DESC, v.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.VersionID, &r.ProjectID, &r.FileID, &r.CollaboratorID, &r.ProposalID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every version as an index record for a full
// reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]VersionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, file_id, collaborator_id, proposal_id, search_text,
			COALESCE((stats->>'added')::int, 0), COALESCE((stats->>'removed')::int, 0),
			EXTRACT(EPOCH FROM created_at)::bigint
		FROM file_versions
	`)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()

	records := make([]VersionRecord, 0)
	for rows.Next() {
		var r VersionRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.FileID, &r.CollaboratorID, &r.ProposalID, &r.Text, &r.Added, &r.Removed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version records: %w", err)
	}
	return records, nil
}
