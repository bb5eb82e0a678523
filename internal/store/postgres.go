package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDefinitionReferenced is returned when a definition delete is refused
// because threads or follow-ups still point at it.
var ErrDefinitionReferenced = errors.New("definition is referenced")

// ErrParentOutsideThread is returned when a reply names a parent comment
// that lives in a different thread.
var ErrParentOutsideThread = errors.New("parent comment belongs to a different thread")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, through any wrapping.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

// IsForeignKeyViolation reports whether err is a Postgres foreign key
// violation, through any wrapping.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23503"
}

// ---- users ----

// EnsureUser finds the user with the candidate's email or inserts the
// candidate. The email unique constraint decides the winner under
// concurrent ensures; both callers get the surviving row.
func (s *PostgresStore) EnsureUser(ctx context.Context, candidate User) (User, error) {
	user, err := s.getUserByEmail(ctx, candidate.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING
	`, candidate.ID, candidate.DisplayName, candidate.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.getUserByEmail(ctx, candidate.Email)
}

func (s *PostgresStore) getUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, sql.ErrNoRows
		}
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, sql.ErrNoRows
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, created_at
		FROM users WHERE id = ANY($1)
		ORDER BY display_name
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, len(ids))
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ---- workspaces ----

// EnsureWorkspace inserts the candidate unless its slug is taken, then
// returns whichever row owns the slug. Used by startup seeding.
func (s *PostgresStore) EnsureWorkspace(ctx context.Context, candidate Workspace) (Workspace, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO NOTHING
	`, candidate.ID, candidate.Name, candidate.Slug); err != nil {
		return Workspace{}, fmt.Errorf("ensure workspace: %w", err)
	}
	return s.GetWorkspaceBySlug(ctx, candidate.Slug)
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, ws Workspace) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
	`, ws.ID, ws.Name, ws.Slug); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM workspaces WHERE id = $1
	`, id), "get workspace")
}

func (s *PostgresStore) GetWorkspaceBySlug(ctx context.Context, slug string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM workspaces WHERE slug = $1
	`, slug), "get workspace by slug")
}

func scanWorkspace(row *sql.Row, op string) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Name, &ws.Slug, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workspace{}, sql.ErrNoRows
		}
		return Workspace{}, fmt.Errorf("%s: %w", op, err)
	}
	return ws, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM workspaces ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := make([]Workspace, 0)
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Slug, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// ---- slides ----

func (s *PostgresStore) InsertSlide(ctx context.Context, slide Slide) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO slides (id, workspace_id, title, snapshot_date, position)
		VALUES ($1, $2, $3, $4, $5)
	`, slide.ID, slide.WorkspaceID, slide.Title, slide.SnapshotDate, slide.Position); err != nil {
		return fmt.Errorf("insert slide: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSlide(ctx context.Context, id string) (Slide, error) {
	var slide Slide
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, snapshot_date, position, created_at, updated_at
		FROM slides WHERE id = $1
	`, id).Scan(&slide.ID, &slide.WorkspaceID, &slide.Title, &slide.SnapshotDate,
		&slide.Position, &slide.CreatedAt, &slide.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Slide{}, sql.ErrNoRows
		}
		return Slide{}, fmt.Errorf("get slide: %w", err)
	}
	return slide, nil
}

func (s *PostgresStore) ListSlides(ctx context.Context, workspaceID string) ([]Slide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, snapshot_date, position, created_at, updated_at
		FROM slides WHERE workspace_id = $1
		ORDER BY snapshot_date, position, id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	defer rows.Close()

	slides := make([]Slide, 0)
	for rows.Next() {
		var slide Slide
		if err := rows.Scan(&slide.ID, &slide.WorkspaceID, &slide.Title, &slide.SnapshotDate,
			&slide.Position, &slide.CreatedAt, &slide.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		slides = append(slides, slide)
	}
	return slides, rows.Err()
}

// GetSlideDates resolves snapshot dates for a batch of slide ids.
func (s *PostgresStore) GetSlideDates(ctx context.Context, ids []string) (map[string]time.Time, error) {
	dates := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return dates, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_date FROM slides WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get slide dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var date time.Time
		if err := rows.Scan(&id, &date); err != nil {
			return nil, fmt.Errorf("scan slide date: %w", err)
		}
		dates[id] = date
	}
	return dates, rows.Err()
}

// ---- definitions ----

const definitionColumns = `id, workspace_id, metric_key, submetric_key, category, metric_name, unit, preferred_trend, created_at, updated_at`

// IngestItem is one derived identity plus its data points, written
// atomically by IngestBatch.
type IngestItem struct {
	Definition Definition
	Fields     DefinitionFields
	Points     []MetricPoint
}

// IngestBatch upserts every definition and its points in a single
// transaction. The (workspace_id, metric_key, submetric_key) unique
// constraint is the identity source of truth: concurrent ingests of the
// same key converge on one row and every caller sees its id.
func (s *PostgresStore) IngestBatch(ctx context.Context, items []IngestItem) ([]Definition, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin ingest tx: %w", err)
	}

	definitions := make([]Definition, 0, len(items))
	points := 0
	for _, item := range items {
		def, err := upsertDefinition(ctx, tx, item.Definition, item.Fields)
		if err != nil {
			_ = tx.Rollback()
			return nil, 0, err
		}
		for _, point := range item.Points {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metric_points (definition_id, observed_at, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (definition_id, observed_at) DO UPDATE SET value = EXCLUDED.value
			`, def.ID, point.ObservedAt, point.Value); err != nil {
				_ = tx.Rollback()
				return nil, 0, fmt.Errorf("upsert point: %w", err)
			}
			points++
		}
		definitions = append(definitions, def)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit ingest tx: %w", err)
	}
	return definitions, points, nil
}

// upsertDefinition resolves an identity in one statement, never
// check-then-insert. nil fields keep the stored values.
func upsertDefinition(ctx context.Context, tx *sql.Tx, def Definition, fields DefinitionFields) (Definition, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO metric_definitions (id, workspace_id, metric_key, submetric_key, category, metric_name, unit, preferred_trend)
		VALUES ($1, $2, $3, $4, COALESCE($5, ''), COALESCE($6, ''), COALESCE($7, ''), COALESCE($8, ''))
		ON CONFLICT (workspace_id, metric_key, submetric_key) DO UPDATE SET
			category        = COALESCE($5, metric_definitions.category),
			metric_name     = COALESCE($6, metric_definitions.metric_name),
			unit            = COALESCE($7, metric_definitions.unit),
			preferred_trend = COALESCE($8, metric_definitions.preferred_trend),
			updated_at      = NOW()
		RETURNING `+definitionColumns,
		def.ID, def.WorkspaceID, def.MetricKey, def.SubmetricKey,
		fields.Category, fields.MetricName, fields.Unit, fields.PreferredTrend)

	var out Definition
	if err := scanDefinition(row.Scan, &out); err != nil {
		return Definition{}, fmt.Errorf("upsert definition %s/%s: %w", def.MetricKey, def.SubmetricKey, err)
	}
	return out, nil
}

func scanDefinition(scan func(...any) error, def *Definition) error {
	return scan(&def.ID, &def.WorkspaceID, &def.MetricKey, &def.SubmetricKey,
		&def.Category, &def.MetricName, &def.Unit, &def.PreferredTrend,
		&def.CreatedAt, &def.UpdatedAt)
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (Definition, error) {
	var def Definition
	err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM metric_definitions WHERE id = $1`, id).Scan, &def)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, sql.ErrNoRows
		}
		return Definition{}, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context, workspaceID string) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM metric_definitions
		 WHERE workspace_id = $1
		 ORDER BY metric_key, submetric_key`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	definitions := make([]Definition, 0)
	for rows.Next() {
		var def Definition
		if err := scanDefinition(rows.Scan, &def); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		definitions = append(definitions, def)
	}
	return definitions, rows.Err()
}

// UpdateDefinitionFields applies a curated edit. Identity keys are never
// touched here; absent fields keep their stored values.
func (s *PostgresStore) UpdateDefinitionFields(ctx context.Context, id string, fields DefinitionFields) (Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE metric_definitions SET
			category        = COALESCE($2, category),
			metric_name     = COALESCE($3, metric_name),
			unit            = COALESCE($4, unit),
			preferred_trend = COALESCE($5, preferred_trend),
			updated_at      = NOW()
		WHERE id = $1
		RETURNING `+definitionColumns,
		id, fields.Category, fields.MetricName, fields.Unit, fields.PreferredTrend)

	var def Definition
	if err := scanDefinition(row.Scan, &def); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, sql.ErrNoRows
		}
		return Definition{}, fmt.Errorf("update definition fields: %w", err)
	}
	return def, nil
}

// DeleteDefinition removes a definition and its points. Deletion is refused
// while any thread or follow-up still references the definition.
func (s *PostgresStore) DeleteDefinition(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete definition tx: %w", err)
	}

	var threadCount, followUpCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM threads WHERE definition_id = $1`, id).Scan(&threadCount); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("count definition threads: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM follow_ups WHERE definition_id = $1`, id).Scan(&followUpCount); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("count definition follow-ups: %w", err)
	}
	if threadCount+followUpCount > 0 {
		_ = tx.Rollback()
		return fmt.Errorf("%d threads, %d follow-ups: %w", threadCount, followUpCount, ErrDefinitionReferenced)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM metric_definitions WHERE id = $1`, id)
	if err != nil {
		_ = tx.Rollback()
		// FK backstop for a reference landing between the counts and
		// the delete.
		if IsForeignKeyViolation(err) {
			return ErrDefinitionReferenced
		}
		return fmt.Errorf("delete definition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete definition rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}
	return tx.Commit()
}

func (s *PostgresStore) ListPoints(ctx context.Context, definitionID string, from, to *time.Time) ([]MetricPoint, error) {
	query := `
		SELECT id, definition_id, observed_at, value, created_at
		FROM metric_points WHERE definition_id = $1`
	args := []any{definitionID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND observed_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND observed_at <= $%d", len(args))
	}
	query += " ORDER BY observed_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	defer rows.Close()

	points := make([]MetricPoint, 0)
	for rows.Next() {
		var point MetricPoint
		if err := rows.Scan(&point.ID, &point.DefinitionID, &point.ObservedAt, &point.Value, &point.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// ---- threads ----

const threadColumns = `id, workspace_id, definition_id, scope, slide_id, bucket_type, bucket_value, is_resolved, created_by, created_at, updated_at`

func scanThread(scan func(...any) error, t *Thread) error {
	return scan(&t.ID, &t.WorkspaceID, &t.DefinitionID, &t.Scope, &t.SlideID,
		&t.BucketType, &t.BucketValue, &t.IsResolved, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
}

// GetThreadByScope finds the thread for one scope key. A missing thread is
// a nil result, not an error.
func (s *PostgresStore) GetThreadByScope(ctx context.Context, definitionID, scope, slideID, bucketType, bucketValue string) (*Thread, error) {
	var t Thread
	err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE definition_id = $1 AND scope = $2 AND slide_id = $3 AND bucket_type = $4 AND bucket_value = $5
	`, definitionID, scope, slideID, bucketType, bucketValue).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread by scope: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = $1`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, sql.ErrNoRows
		}
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) SetThreadResolved(ctx context.Context, id string, resolved bool) (Thread, error) {
	var t Thread
	err := scanThread(s.db.QueryRowContext(ctx, `
		UPDATE threads SET is_resolved = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+threadColumns, id, resolved).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, sql.ErrNoRows
		}
		return Thread{}, fmt.Errorf("set thread resolved: %w", err)
	}
	return t, nil
}

// ---- comments ----

const commentColumns = `id, thread_id, user_id, parent_id, body, created_at, updated_at`

func scanComment(scan func(...any) error, c *Comment) error {
	return scan(&c.ID, &c.ThreadID, &c.UserID, &c.ParentID, &c.Body, &c.CreatedAt, &c.UpdatedAt)
}

// CreateCommentInThread resolves the thread for the scope key and appends
// the comment, atomically. The first comment on a scope key creates its
// thread; the ON CONFLICT upsert makes two racing first commenters
// converge on one thread row.
func (s *PostgresStore) CreateCommentInThread(ctx context.Context, thread Thread, comment Comment) (Thread, Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, Comment{}, fmt.Errorf("begin comment tx: %w", err)
	}

	var t Thread
	err = scanThread(tx.QueryRowContext(ctx, `
		INSERT INTO threads (id, workspace_id, definition_id, scope, slide_id, bucket_type, bucket_value, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (definition_id, scope, slide_id, bucket_type, bucket_value)
		DO UPDATE SET updated_at = NOW()
		RETURNING `+threadColumns,
		thread.ID, thread.WorkspaceID, thread.DefinitionID, thread.Scope,
		thread.SlideID, thread.BucketType, thread.BucketValue, thread.CreatedBy).Scan, &t)
	if err != nil {
		_ = tx.Rollback()
		return Thread{}, Comment{}, fmt.Errorf("resolve thread for scope: %w", err)
	}

	if comment.ParentID != nil {
		var parentThreadID string
		err := tx.QueryRowContext(ctx,
			`SELECT thread_id FROM comments WHERE id = $1`, *comment.ParentID).Scan(&parentThreadID)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				return Thread{}, Comment{}, sql.ErrNoRows
			}
			return Thread{}, Comment{}, fmt.Errorf("check parent comment: %w", err)
		}
		if parentThreadID != t.ID {
			_ = tx.Rollback()
			return Thread{}, Comment{}, ErrParentOutsideThread
		}
	}

	var c Comment
	err = scanComment(tx.QueryRowContext(ctx, `
		INSERT INTO comments (id, thread_id, user_id, parent_id, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+commentColumns,
		comment.ID, t.ID, comment.UserID, comment.ParentID, comment.Body).Scan, &c)
	if err != nil {
		_ = tx.Rollback()
		return Thread{}, Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, Comment{}, fmt.Errorf("commit comment tx: %w", err)
	}
	return t, c, nil
}

// ListComments pages comments oldest-first with a (created_at, id) keyset.
// Callers pass limit+1 to detect a following page.
func (s *PostgresStore) ListComments(ctx context.Context, threadID string, after *CommentCursor, limit int) ([]Comment, error) {
	var rows *sql.Rows
	var err error
	if after != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commentColumns+` FROM comments
			WHERE thread_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4
		`, threadID, after.CreatedAt, after.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commentColumns+` FROM comments
			WHERE thread_id = $1
			ORDER BY created_at, id
			LIMIT $2
		`, threadID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0, limit)
	for rows.Next() {
		var c Comment
		if err := scanComment(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	var c Comment
	err := scanComment(s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id).Scan, &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Comment{}, sql.ErrNoRows
		}
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCommentBody(ctx context.Context, id, body string) (Comment, error) {
	var c Comment
	err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE comments SET body = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+commentColumns, id, body).Scan, &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Comment{}, sql.ErrNoRows
		}
		return Comment{}, fmt.Errorf("update comment body: %w", err)
	}
	return c, nil
}

// DeleteComment removes a comment; the parent_id cascade takes the whole
// reply subtree with it.
func (s *PostgresStore) DeleteComment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete comment rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountComments(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE thread_id = $1`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

// CommentCountsByBucket returns bucketValue -> comment count per definition
// for point threads of one bucket type. The inner join keeps the result
// sparse: buckets without comments never appear.
func (s *PostgresStore) CommentCountsByBucket(ctx context.Context, definitionIDs []string, bucketType string) (map[string]map[string]int, error) {
	counts := make(map[string]map[string]int)
	if len(definitionIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.definition_id, t.bucket_value, COUNT(c.id)
		FROM threads t
		JOIN comments c ON c.thread_id = t.id
		WHERE t.scope = 'point' AND t.bucket_type = $1 AND t.definition_id = ANY($2)
		GROUP BY t.definition_id, t.bucket_value
	`, bucketType, definitionIDs)
	if err != nil {
		return nil, fmt.Errorf("comment counts by bucket: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var definitionID, bucketValue string
		var count int
		if err := rows.Scan(&definitionID, &bucketValue, &count); err != nil {
			return nil, fmt.Errorf("scan comment count: %w", err)
		}
		if counts[definitionID] == nil {
			counts[definitionID] = make(map[string]int)
		}
		counts[definitionID][bucketValue] = count
	}
	return counts, rows.Err()
}

// ---- follow-ups ----

const followUpColumns = `id, workspace_id, number, identifier, title, description, slide_id, definition_id, thread_id, status, priority, resolved_at_slide_id, created_by, due_date, created_at, updated_at`

func scanFollowUp(scan func(...any) error, f *FollowUp) error {
	return scan(&f.ID, &f.WorkspaceID, &f.Number, &f.Identifier, &f.Title, &f.Description,
		&f.SlideID, &f.DefinitionID, &f.ThreadID, &f.Status, &f.Priority,
		&f.ResolvedAtSlideID, &f.CreatedBy, &f.DueDate, &f.CreatedAt, &f.UpdatedAt)
}

// NextFollowUpNumber reads the next workspace-scoped sequence value. The
// read is not serialized with the insert; callers retry on the unique
// violation instead.
func (s *PostgresStore) NextFollowUpNumber(ctx context.Context, workspaceID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM follow_ups WHERE workspace_id = $1`, workspaceID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next follow-up number: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertFollowUp(ctx context.Context, fu FollowUp) (FollowUp, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FollowUp{}, fmt.Errorf("begin follow-up tx: %w", err)
	}

	var out FollowUp
	err = scanFollowUp(tx.QueryRowContext(ctx, `
		INSERT INTO follow_ups (id, workspace_id, number, identifier, title, description, slide_id, definition_id, thread_id, status, priority, created_by, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+followUpColumns,
		fu.ID, fu.WorkspaceID, fu.Number, fu.Identifier, fu.Title, fu.Description,
		fu.SlideID, fu.DefinitionID, fu.ThreadID, fu.Status, fu.Priority,
		fu.CreatedBy, fu.DueDate).Scan, &out)
	if err != nil {
		_ = tx.Rollback()
		return FollowUp{}, fmt.Errorf("insert follow-up: %w", err)
	}

	for _, userID := range fu.AssigneeIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO follow_up_assignees (follow_up_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, out.ID, userID); err != nil {
			_ = tx.Rollback()
			return FollowUp{}, fmt.Errorf("insert follow-up assignee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return FollowUp{}, fmt.Errorf("commit follow-up tx: %w", err)
	}
	out.AssigneeIDs = append([]string(nil), fu.AssigneeIDs...)
	return out, nil
}

func (s *PostgresStore) GetFollowUp(ctx context.Context, id string) (FollowUp, error) {
	var fu FollowUp
	err := scanFollowUp(s.db.QueryRowContext(ctx,
		`SELECT `+followUpColumns+` FROM follow_ups WHERE id = $1`, id).Scan, &fu)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FollowUp{}, sql.ErrNoRows
		}
		return FollowUp{}, fmt.Errorf("get follow-up: %w", err)
	}

	assignees, err := s.followUpAssignees(ctx, []string{fu.ID})
	if err != nil {
		return FollowUp{}, err
	}
	fu.AssigneeIDs = assignees[fu.ID]
	if fu.AssigneeIDs == nil {
		fu.AssigneeIDs = []string{}
	}
	return fu, nil
}

func (s *PostgresStore) ListFollowUps(ctx context.Context, workspaceID string, filter FollowUpFilter) ([]FollowUp, error) {
	conditions := []string{"f.workspace_id = $1"}
	args := []any{workspaceID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("f.status = $%d", len(args)))
	}
	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		conditions = append(conditions, fmt.Sprintf("f.definition_id = $%d", len(args)))
	}
	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM follow_up_assignees a WHERE a.follow_up_id = f.id AND a.user_id = $%d)", len(args)))
	}
	if filter.MaxSlideDate != nil {
		args = append(args, *filter.MaxSlideDate)
		conditions = append(conditions, fmt.Sprintf("(f.slide_id IS NULL OR s.snapshot_date <= $%d)", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT f.id, f.workspace_id, f.number, f.identifier, f.title, f.description, f.slide_id, f.definition_id, f.thread_id, f.status, f.priority, f.resolved_at_slide_id, f.created_by, f.due_date, f.created_at, f.updated_at
		FROM follow_ups f
		LEFT JOIN slides s ON s.id = f.slide_id
		WHERE %s
		ORDER BY f.number DESC
		LIMIT $%d`, strings.Join(conditions, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	defer rows.Close()

	followUps := make([]FollowUp, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var fu FollowUp
		if err := scanFollowUp(rows.Scan, &fu); err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		followUps = append(followUps, fu)
		ids = append(ids, fu.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assignees, err := s.followUpAssignees(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range followUps {
		followUps[i].AssigneeIDs = assignees[followUps[i].ID]
		if followUps[i].AssigneeIDs == nil {
			followUps[i].AssigneeIDs = []string{}
		}
	}
	return followUps, nil
}

func (s *PostgresStore) followUpAssignees(ctx context.Context, followUpIDs []string) (map[string][]string, error) {
	assignees := make(map[string][]string)
	if len(followUpIDs) == 0 {
		return assignees, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT follow_up_id, user_id
		FROM follow_up_assignees
		WHERE follow_up_id = ANY($1)
		ORDER BY user_id
	`, followUpIDs)
	if err != nil {
		return nil, fmt.Errorf("list follow-up assignees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var followUpID, userID string
		if err := rows.Scan(&followUpID, &userID); err != nil {
			return nil, fmt.Errorf("scan follow-up assignee: %w", err)
		}
		assignees[followUpID] = append(assignees[followUpID], userID)
	}
	return assignees, rows.Err()
}

// UpdateFollowUp applies a presence-aware patch and, when AssigneeIDs is
// non-nil, replaces the assignee set, all in one transaction.
func (s *PostgresStore) UpdateFollowUp(ctx context.Context, id string, patch FollowUpPatch) (FollowUp, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FollowUp{}, fmt.Errorf("begin follow-up update tx: %w", err)
	}

	var fu FollowUp
	err = scanFollowUp(tx.QueryRowContext(ctx, `
		UPDATE follow_ups SET
			title                = COALESCE($2, title),
			description          = COALESCE($3, description),
			status               = COALESCE($4, status),
			priority             = COALESCE($5, priority),
			slide_id             = COALESCE($6, slide_id),
			definition_id        = COALESCE($7, definition_id),
			thread_id            = COALESCE($8, thread_id),
			resolved_at_slide_id = CASE WHEN $9::boolean THEN NULL ELSE COALESCE($10, resolved_at_slide_id) END,
			due_date             = CASE WHEN $11::boolean THEN NULL ELSE COALESCE($12, due_date) END,
			updated_at           = NOW()
		WHERE id = $1
		RETURNING `+followUpColumns,
		id, patch.Title, patch.Description, patch.Status, patch.Priority,
		patch.SlideID, patch.DefinitionID, patch.ThreadID,
		patch.ClearResolvedAtSlide, patch.ResolvedAtSlideID,
		patch.ClearDueDate, patch.DueDate).Scan, &fu)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return FollowUp{}, sql.ErrNoRows
		}
		return FollowUp{}, fmt.Errorf("update follow-up: %w", err)
	}

	if patch.AssigneeIDs != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM follow_up_assignees WHERE follow_up_id = $1`, id); err != nil {
			_ = tx.Rollback()
			return FollowUp{}, fmt.Errorf("clear follow-up assignees: %w", err)
		}
		for _, userID := range patch.AssigneeIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO follow_up_assignees (follow_up_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, id, userID); err != nil {
				_ = tx.Rollback()
				return FollowUp{}, fmt.Errorf("insert follow-up assignee: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return FollowUp{}, fmt.Errorf("commit follow-up update tx: %w", err)
	}

	assignees, err := s.followUpAssignees(ctx, []string{id})
	if err != nil {
		return FollowUp{}, err
	}
	fu.AssigneeIDs = assignees[id]
	if fu.AssigneeIDs == nil {
		fu.AssigneeIDs = []string{}
	}
	return fu, nil
}

func (s *PostgresStore) DeleteFollowUp(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM follow_ups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete follow-up: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete follow-up rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
