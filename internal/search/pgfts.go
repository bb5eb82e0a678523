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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across metric_definitions, follow_ups, and
// comments using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Definitions sub-query
	if q.FilterType == "" || q.FilterType == ResultDefinition {
		defWhere := "d.fts @@ " + tsQuery
		if q.FilterWorkspaceID != "" {
			defWhere += fmt.Sprintf(" AND d.workspace_id = $%d", argN)
			args = append(args, q.FilterWorkspaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'definition'::text AS type, d.id,
				COALESCE(NULLIF(d.metric_name, ''), d.metric_key) AS title,
				ts_headline('english', concat_ws(' ', NULLIF(d.category, ''), NULLIF(d.unit, '')), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS definition_id, d.workspace_id,
				''::text AS status,
				ts_rank(d.fts, %s) AS rank
			FROM metric_definitions d
			WHERE %s`, tsQuery, tsQuery, defWhere))
	}

	// Follow-ups sub-query
	if q.FilterType == "" || q.FilterType == ResultFollowUp {
		fuWhere := "f.fts @@ " + tsQuery
		if q.FilterWorkspaceID != "" {
			fuWhere += fmt.Sprintf(" AND f.workspace_id = $%d", argN)
			args = append(args, q.FilterWorkspaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'follow_up'::text AS type, f.id,
				(f.identifier || ' ' || f.title) AS title,
				ts_headline('english', f.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				COALESCE(f.definition_id, '') AS definition_id, f.workspace_id,
				f.status,
				ts_rank(f.fts, %s) AS rank
			FROM follow_ups f
			WHERE %s`, tsQuery, tsQuery, fuWhere))
	}

	// Comments sub-query
	if q.FilterType == "" || q.FilterType == ResultComment {
		cmWhere := "c.fts @@ " + tsQuery
		if q.FilterWorkspaceID != "" {
			cmWhere += fmt.Sprintf(" AND t.workspace_id = $%d", argN)
			args = append(args, q.FilterWorkspaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id,
				COALESCE(NULLIF(d.metric_name, ''), d.metric_key) AS title,
				ts_headline('english', c.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.definition_id, t.workspace_id,
				''::text AS status,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			JOIN threads t ON t.id = c.thread_id
			JOIN metric_definitions d ON d.id = t.definition_id
			WHERE %s`, tsQuery, tsQuery, cmWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, definition_id, workspace_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DefinitionID, &r.WorkspaceID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DefinitionRecord, []FollowUpRecord, []CommentRecord, error) {
	defRows, err := p.db.QueryContext(ctx, `
		SELECT id, metric_name, metric_key, submetric_key, category, unit, workspace_id
		FROM metric_definitions
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load definitions: %w", err)
	}
	defer defRows.Close()

	definitions := make([]DefinitionRecord, 0)
	for defRows.Next() {
		var d DefinitionRecord
		if err := defRows.Scan(&d.ID, &d.MetricName, &d.MetricKey, &d.SubmetricKey, &d.Category, &d.Unit, &d.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan definition: %w", err)
		}
		definitions = append(definitions, d)
	}
	if err := defRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate definitions: %w", err)
	}

	fuRows, err := p.db.QueryContext(ctx, `
		SELECT id, identifier, title, description, status, priority, COALESCE(definition_id, ''), workspace_id
		FROM follow_ups
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load follow-ups: %w", err)
	}
	defer fuRows.Close()

	followUps := make([]FollowUpRecord, 0)
	for fuRows.Next() {
		var f FollowUpRecord
		if err := fuRows.Scan(&f.ID, &f.Identifier, &f.Title, &f.Description, &f.Status, &f.Priority, &f.DefinitionID, &f.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan follow-up: %w", err)
		}
		followUps = append(followUps, f)
	}
	if err := fuRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate follow-ups: %w", err)
	}

	cmRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.body, COALESCE(NULLIF(d.metric_name, ''), d.metric_key), c.thread_id, t.definition_id, t.workspace_id
		FROM comments c
		JOIN threads t ON t.id = c.thread_id
		JOIN metric_definitions d ON d.id = t.definition_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer cmRows.Close()

	comments := make([]CommentRecord, 0)
	for cmRows.Next() {
		var c CommentRecord
		if err := cmRows.Scan(&c.ID, &c.Body, &c.MetricName, &c.ThreadID, &c.DefinitionID, &c.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := cmRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return definitions, followUps, comments, nil
}
