package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/store"
)

type fakeStore struct {
	pingFn                   func(context.Context) error
	ensureUserFn             func(context.Context, store.User) (store.User, error)
	getUserFn                func(context.Context, string) (store.User, error)
	getUsersByIDsFn          func(context.Context, []string) ([]store.User, error)
	ensureWorkspaceFn        func(context.Context, store.Workspace) (store.Workspace, error)
	insertWorkspaceFn        func(context.Context, store.Workspace) error
	getWorkspaceFn           func(context.Context, string) (store.Workspace, error)
	getWorkspaceBySlugFn     func(context.Context, string) (store.Workspace, error)
	listWorkspacesFn         func(context.Context) ([]store.Workspace, error)
	insertSlideFn            func(context.Context, store.Slide) error
	getSlideFn               func(context.Context, string) (store.Slide, error)
	listSlidesFn             func(context.Context, string) ([]store.Slide, error)
	getSlideDatesFn          func(context.Context, []string) (map[string]time.Time, error)
	ingestBatchFn            func(context.Context, []store.IngestItem) ([]store.Definition, int, error)
	getDefinitionFn          func(context.Context, string) (store.Definition, error)
	listDefinitionsFn        func(context.Context, string) ([]store.Definition, error)
	updateDefinitionFieldsFn func(context.Context, string, store.DefinitionFields) (store.Definition, error)
	deleteDefinitionFn       func(context.Context, string) error
	listPointsFn             func(context.Context, string, *time.Time, *time.Time) ([]store.MetricPoint, error)
	getThreadByScopeFn       func(context.Context, string, string, string, string, string) (*store.Thread, error)
	getThreadFn              func(context.Context, string) (store.Thread, error)
	setThreadResolvedFn      func(context.Context, string, bool) (store.Thread, error)
	createCommentInThreadFn  func(context.Context, store.Thread, store.Comment) (store.Thread, store.Comment, error)
	listCommentsFn           func(context.Context, string, *store.CommentCursor, int) ([]store.Comment, error)
	getCommentFn             func(context.Context, string) (store.Comment, error)
	updateCommentBodyFn      func(context.Context, string, string) (store.Comment, error)
	deleteCommentFn          func(context.Context, string) error
	countCommentsFn          func(context.Context, string) (int, error)
	commentCountsByBucketFn  func(context.Context, []string, string) (map[string]map[string]int, error)
	nextFollowUpNumberFn     func(context.Context, string) (int, error)
	insertFollowUpFn         func(context.Context, store.FollowUp) (store.FollowUp, error)
	getFollowUpFn            func(context.Context, string) (store.FollowUp, error)
	listFollowUpsFn          func(context.Context, string, store.FollowUpFilter) ([]store.FollowUp, error)
	updateFollowUpFn         func(context.Context, string, store.FollowUpPatch) (store.FollowUp, error)
	deleteFollowUpFn         func(context.Context, string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) EnsureUser(ctx context.Context, candidate store.User) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, candidate)
	}
	return candidate, nil
}
func (f *fakeStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUsersByIDs(ctx context.Context, ids []string) ([]store.User, error) {
	if f.getUsersByIDsFn != nil {
		return f.getUsersByIDsFn(ctx, ids)
	}
	users := make([]store.User, 0, len(ids))
	for _, id := range ids {
		users = append(users, store.User{ID: id, DisplayName: id})
	}
	return users, nil
}
func (f *fakeStore) EnsureWorkspace(ctx context.Context, candidate store.Workspace) (store.Workspace, error) {
	if f.ensureWorkspaceFn != nil {
		return f.ensureWorkspaceFn(ctx, candidate)
	}
	return candidate, nil
}
func (f *fakeStore) InsertWorkspace(ctx context.Context, workspace store.Workspace) error {
	if f.insertWorkspaceFn != nil {
		return f.insertWorkspaceFn(ctx, workspace)
	}
	return nil
}
func (f *fakeStore) GetWorkspace(ctx context.Context, id string) (store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, id)
	}
	return store.Workspace{}, sql.ErrNoRows
}
func (f *fakeStore) GetWorkspaceBySlug(ctx context.Context, slug string) (store.Workspace, error) {
	if f.getWorkspaceBySlugFn != nil {
		return f.getWorkspaceBySlugFn(ctx, slug)
	}
	return store.Workspace{}, sql.ErrNoRows
}
func (f *fakeStore) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	if f.listWorkspacesFn != nil {
		return f.listWorkspacesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) InsertSlide(ctx context.Context, slide store.Slide) error {
	if f.insertSlideFn != nil {
		return f.insertSlideFn(ctx, slide)
	}
	return nil
}
func (f *fakeStore) GetSlide(ctx context.Context, id string) (store.Slide, error) {
	if f.getSlideFn != nil {
		return f.getSlideFn(ctx, id)
	}
	return store.Slide{}, sql.ErrNoRows
}
func (f *fakeStore) ListSlides(ctx context.Context, workspaceID string) ([]store.Slide, error) {
	if f.listSlidesFn != nil {
		return f.listSlidesFn(ctx, workspaceID)
	}
	return nil, nil
}
func (f *fakeStore) GetSlideDates(ctx context.Context, ids []string) (map[string]time.Time, error) {
	if f.getSlideDatesFn != nil {
		return f.getSlideDatesFn(ctx, ids)
	}
	return map[string]time.Time{}, nil
}
func (f *fakeStore) IngestBatch(ctx context.Context, items []store.IngestItem) ([]store.Definition, int, error) {
	if f.ingestBatchFn != nil {
		return f.ingestBatchFn(ctx, items)
	}
	return nil, 0, nil
}
func (f *fakeStore) GetDefinition(ctx context.Context, id string) (store.Definition, error) {
	if f.getDefinitionFn != nil {
		return f.getDefinitionFn(ctx, id)
	}
	return store.Definition{}, sql.ErrNoRows
}
func (f *fakeStore) ListDefinitions(ctx context.Context, workspaceID string) ([]store.Definition, error) {
	if f.listDefinitionsFn != nil {
		return f.listDefinitionsFn(ctx, workspaceID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateDefinitionFields(ctx context.Context, id string, fields store.DefinitionFields) (store.Definition, error) {
	if f.updateDefinitionFieldsFn != nil {
		return f.updateDefinitionFieldsFn(ctx, id, fields)
	}
	return store.Definition{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteDefinition(ctx context.Context, id string) error {
	if f.deleteDefinitionFn != nil {
		return f.deleteDefinitionFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ListPoints(ctx context.Context, definitionID string, from, to *time.Time) ([]store.MetricPoint, error) {
	if f.listPointsFn != nil {
		return f.listPointsFn(ctx, definitionID, from, to)
	}
	return nil, nil
}
func (f *fakeStore) GetThreadByScope(ctx context.Context, definitionID, scope, slideID, bucketType, bucketValue string) (*store.Thread, error) {
	if f.getThreadByScopeFn != nil {
		return f.getThreadByScopeFn(ctx, definitionID, scope, slideID, bucketType, bucketValue)
	}
	return nil, nil
}
func (f *fakeStore) GetThread(ctx context.Context, id string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, id)
	}
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) SetThreadResolved(ctx context.Context, id string, resolved bool) (store.Thread, error) {
	if f.setThreadResolvedFn != nil {
		return f.setThreadResolvedFn(ctx, id, resolved)
	}
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) CreateCommentInThread(ctx context.Context, thread store.Thread, comment store.Comment) (store.Thread, store.Comment, error) {
	if f.createCommentInThreadFn != nil {
		return f.createCommentInThreadFn(ctx, thread, comment)
	}
	comment.ThreadID = thread.ID
	return thread, comment, nil
}
func (f *fakeStore) ListComments(ctx context.Context, threadID string, after *store.CommentCursor, limit int) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, threadID, after, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateCommentBody(ctx context.Context, id, body string) (store.Comment, error) {
	if f.updateCommentBodyFn != nil {
		return f.updateCommentBodyFn(ctx, id, body)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteComment(ctx context.Context, id string) error {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) CountComments(ctx context.Context, threadID string) (int, error) {
	if f.countCommentsFn != nil {
		return f.countCommentsFn(ctx, threadID)
	}
	return 0, nil
}
func (f *fakeStore) CommentCountsByBucket(ctx context.Context, definitionIDs []string, bucketType string) (map[string]map[string]int, error) {
	if f.commentCountsByBucketFn != nil {
		return f.commentCountsByBucketFn(ctx, definitionIDs, bucketType)
	}
	return map[string]map[string]int{}, nil
}
func (f *fakeStore) NextFollowUpNumber(ctx context.Context, workspaceID string) (int, error) {
	if f.nextFollowUpNumberFn != nil {
		return f.nextFollowUpNumberFn(ctx, workspaceID)
	}
	return 1, nil
}
func (f *fakeStore) InsertFollowUp(ctx context.Context, followUp store.FollowUp) (store.FollowUp, error) {
	if f.insertFollowUpFn != nil {
		return f.insertFollowUpFn(ctx, followUp)
	}
	return followUp, nil
}
func (f *fakeStore) GetFollowUp(ctx context.Context, id string) (store.FollowUp, error) {
	if f.getFollowUpFn != nil {
		return f.getFollowUpFn(ctx, id)
	}
	return store.FollowUp{}, sql.ErrNoRows
}
func (f *fakeStore) ListFollowUps(ctx context.Context, workspaceID string, filter store.FollowUpFilter) ([]store.FollowUp, error) {
	if f.listFollowUpsFn != nil {
		return f.listFollowUpsFn(ctx, workspaceID, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateFollowUp(ctx context.Context, id string, patch store.FollowUpPatch) (store.FollowUp, error) {
	if f.updateFollowUpFn != nil {
		return f.updateFollowUpFn(ctx, id, patch)
	}
	return store.FollowUp{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteFollowUp(ctx context.Context, id string) error {
	if f.deleteFollowUpFn != nil {
		return f.deleteFollowUpFn(ctx, id)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:    config.Config{},
		store:  fs,
		logger: zap.NewNop(),
	}
}

func expectDomainError(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
	return domainErr
}

func TestIngestSplitsBracketSubmetricLabels(t *testing.T) {
	var captured []store.IngestItem
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Slug: "default"}, nil
		},
		ingestBatchFn: func(_ context.Context, items []store.IngestItem) ([]store.Definition, int, error) {
			captured = items
			definitions := make([]store.Definition, len(items))
			points := 0
			for i, item := range items {
				definitions[i] = item.Definition
				definitions[i].ID = fmt.Sprintf("def_%d", i)
				points += len(item.Points)
			}
			return definitions, points, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Ingest(context.Background(), []byte(`{}`), IngestInput{
		WorkspaceID: "ws_1",
		Metrics: []IngestMetricInput{{
			Label: "Revenue",
			Submetrics: []IngestSubmetricInput{
				{Label: "[Nike] - Direct"},
				{Label: "[Adidas] - Direct"},
			},
		}},
	}, nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(captured) != 3 {
		t.Fatalf("expected 3 items, got %d", len(captured))
	}
	wantKeys := []string{"", "adidas-direct", "nike-direct"}
	for i, want := range wantKeys {
		if captured[i].Definition.MetricKey != "revenue" {
			t.Fatalf("item %d: expected metric key revenue, got %q", i, captured[i].Definition.MetricKey)
		}
		if captured[i].Definition.SubmetricKey != want {
			t.Fatalf("item %d: expected submetric key %q, got %q", i, want, captured[i].Definition.SubmetricKey)
		}
	}

	nike := captured[2]
	if nike.Fields.Category == nil || *nike.Fields.Category != "Nike" {
		t.Fatalf("expected bracket category Nike, got %v", nike.Fields.Category)
	}
	if nike.Fields.MetricName == nil || *nike.Fields.MetricName != "Direct" {
		t.Fatalf("expected submetric name Direct, got %v", nike.Fields.MetricName)
	}

	results := payload["definitions"].([]map[string]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 definitions in response, got %d", len(results))
	}
}

func TestIngestNamedSubmetricForm(t *testing.T) {
	var captured []store.IngestItem
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		ingestBatchFn: func(_ context.Context, items []store.IngestItem) ([]store.Definition, int, error) {
			captured = items
			return nil, 0, nil
		},
	}
	svc := newTestService(fs)

	category := "Nike"
	_, err := svc.Ingest(context.Background(), []byte(`{}`), IngestInput{
		WorkspaceID: "ws_1",
		Metrics: []IngestMetricInput{{
			Label: "Revenue",
			Submetrics: []IngestSubmetricInput{
				{Name: "Direct", Category: &category},
			},
		}},
	}, nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 items, got %d", len(captured))
	}
	sub := captured[1]
	if sub.Definition.SubmetricKey != "nike-direct" {
		t.Fatalf("expected submetric key nike-direct, got %q", sub.Definition.SubmetricKey)
	}
	if sub.Fields.Category == nil || *sub.Fields.Category != "Nike" {
		t.Fatalf("expected category Nike, got %v", sub.Fields.Category)
	}
}

func TestIngestRejectsUnkeyableMetricLabel(t *testing.T) {
	called := false
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		ingestBatchFn: func(context.Context, []store.IngestItem) ([]store.Definition, int, error) {
			called = true
			return nil, 0, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Ingest(context.Background(), []byte(`{}`), IngestInput{
		WorkspaceID: "ws_1",
		Metrics:     []IngestMetricInput{{Label: "!!!"}},
	}, nil)
	expectDomainError(t, err, "VALIDATION_ERROR")
	if called {
		t.Fatal("batch must not reach the store when a label has no key material")
	}
}

func TestIngestRejectsTokenScopedToOtherWorkspace(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Slug: "growth"}, nil
		},
	}
	svc := newTestService(fs)

	claims := &auth.Claims{Source: "etl", Workspace: "finance"}
	_, err := svc.Ingest(context.Background(), []byte(`{}`), IngestInput{
		WorkspaceID: "ws_1",
		Metrics:     []IngestMetricInput{{Label: "Revenue"}},
	}, claims)
	domainErr := expectDomainError(t, err, "UNAUTHORIZED")
	if domainErr.Status != 401 {
		t.Fatalf("expected status 401, got %d", domainErr.Status)
	}
}

func TestIngestRejectsBadPointDate(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Ingest(context.Background(), []byte(`{}`), IngestInput{
		WorkspaceID: "ws_1",
		Metrics: []IngestMetricInput{{
			Label:  "Revenue",
			Points: []IngestPointInput{{Date: "03/01/2025", Value: 10}},
		}},
	}, nil)
	expectDomainError(t, err, "VALIDATION_ERROR")
}

func TestCreateWorkspaceDerivesSlugFromName(t *testing.T) {
	var inserted store.Workspace
	fs := &fakeStore{
		insertWorkspaceFn: func(_ context.Context, workspace store.Workspace) error {
			inserted = workspace
			return nil
		},
		getWorkspaceFn: func(context.Context, string) (store.Workspace, error) {
			return inserted, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateWorkspace(context.Background(), CreateWorkspaceInput{Name: "Growth Team"})
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	if inserted.Slug != "growth-team" {
		t.Fatalf("expected slug growth-team, got %q", inserted.Slug)
	}
	if payload["slug"] != "growth-team" {
		t.Fatalf("expected payload slug growth-team, got %v", payload["slug"])
	}
}

func TestCreateWorkspaceSlugConflict(t *testing.T) {
	fs := &fakeStore{
		insertWorkspaceFn: func(context.Context, store.Workspace) error {
			return &pgconn.PgError{Code: "23505"}
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateWorkspace(context.Background(), CreateWorkspaceInput{Name: "Growth"})
	domainErr := expectDomainError(t, err, "CONFLICT")
	if domainErr.Status != 409 {
		t.Fatalf("expected status 409, got %d", domainErr.Status)
	}
}

func TestCreateCommentBuildsPointScopeThread(t *testing.T) {
	var capturedThread store.Thread
	fs := &fakeStore{
		getDefinitionFn: func(_ context.Context, id string) (store.Definition, error) {
			return store.Definition{ID: id, WorkspaceID: "ws_1", MetricName: "Revenue"}, nil
		},
		createCommentInThreadFn: func(_ context.Context, thread store.Thread, comment store.Comment) (store.Thread, store.Comment, error) {
			capturedThread = thread
			comment.ThreadID = thread.ID
			return thread, comment, nil
		},
	}
	svc := newTestService(fs)

	caller := store.User{ID: "usr_1", DisplayName: "Dana"}
	payload, err := svc.CreateComment(context.Background(), caller, CreateCommentInput{
		DefinitionID: "def_1",
		Scope:        "point",
		BucketType:   "Month",
		BucketValue:  "2025-03",
		Body:         "March spike is a backfill",
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}

	if capturedThread.WorkspaceID != "ws_1" {
		t.Fatalf("expected thread workspace ws_1, got %q", capturedThread.WorkspaceID)
	}
	if capturedThread.Scope != "point" || capturedThread.BucketType != "month" || capturedThread.BucketValue != "2025-03" {
		t.Fatalf("unexpected thread scope: %+v", capturedThread)
	}
	if capturedThread.CreatedBy != "usr_1" {
		t.Fatalf("expected thread created by usr_1, got %q", capturedThread.CreatedBy)
	}

	comment := payload["comment"].(map[string]any)
	if comment["authorName"] != "Dana" {
		t.Fatalf("expected authorName Dana, got %v", comment["authorName"])
	}
}

func TestCreateCommentRejectsSlideOnPointScope(t *testing.T) {
	fs := &fakeStore{
		getDefinitionFn: func(_ context.Context, id string) (store.Definition, error) {
			return store.Definition{ID: id, WorkspaceID: "ws_1"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateComment(context.Background(), store.User{ID: "usr_1"}, CreateCommentInput{
		DefinitionID: "def_1",
		Scope:        "point",
		SlideID:      "sl_1",
		BucketType:   "month",
		BucketValue:  "2025-03",
		Body:         "hello",
	})
	expectDomainError(t, err, "VALIDATION_ERROR")
}

func TestCreateCommentRejectsOversizedBody(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateComment(context.Background(), store.User{ID: "usr_1"}, CreateCommentInput{
		DefinitionID: "def_1",
		Scope:        "entity",
		Body:         strings.Repeat("x", maxCommentLength+1),
	})
	domainErr := expectDomainError(t, err, "VALIDATION_ERROR")
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["max"] != maxCommentLength {
		t.Fatalf("expected max detail %d, got %v", maxCommentLength, domainErr.Details)
	}
}

func TestUpdateCommentAuthorOnly(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, ThreadID: "th_1", UserID: "usr_owner", Body: "original"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateComment(context.Background(), store.User{ID: "usr_other"}, "cm_1", UpdateCommentInput{Body: "hijack"})
	domainErr := expectDomainError(t, err, "PERMISSION_DENIED")
	if domainErr.Status != 403 {
		t.Fatalf("expected status 403, got %d", domainErr.Status)
	}
}

func TestDeleteCommentAuthorOnly(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, ThreadID: "th_1", UserID: "usr_owner"}, nil
		},
		deleteCommentFn: func(context.Context, string) error {
			deleted = true
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.DeleteComment(context.Background(), store.User{ID: "usr_other"}, "cm_1")
	expectDomainError(t, err, "PERMISSION_DENIED")
	if deleted {
		t.Fatal("comment must not be deleted by a non-author")
	}
}

func TestGetThreadWithCommentsPaginates(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	comments := []store.Comment{
		{ID: "cm_1", ThreadID: "th_1", UserID: "usr_1", Body: "first", CreatedAt: base},
		{ID: "cm_2", ThreadID: "th_1", UserID: "usr_1", Body: "second", CreatedAt: base.Add(time.Second)},
		{ID: "cm_3", ThreadID: "th_1", UserID: "usr_2", Body: "third", CreatedAt: base.Add(2 * time.Second)},
	}
	fs := &fakeStore{
		getDefinitionFn: func(_ context.Context, id string) (store.Definition, error) {
			return store.Definition{ID: id, WorkspaceID: "ws_1"}, nil
		},
		getThreadByScopeFn: func(context.Context, string, string, string, string, string) (*store.Thread, error) {
			return &store.Thread{ID: "th_1", WorkspaceID: "ws_1", DefinitionID: "def_1", Scope: "entity"}, nil
		},
		listCommentsFn: func(_ context.Context, threadID string, after *store.CommentCursor, limit int) ([]store.Comment, error) {
			if threadID != "th_1" {
				t.Fatalf("expected thread th_1, got %q", threadID)
			}
			if limit != 3 {
				t.Fatalf("expected peek limit 3, got %d", limit)
			}
			return comments, nil
		},
		countCommentsFn: func(context.Context, string) (int, error) {
			return 3, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetThreadWithComments(context.Background(), "def_1", "entity", "", "", "", "", 2)
	if err != nil {
		t.Fatalf("GetThreadWithComments() error = %v", err)
	}

	items := payload["comments"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 comments on the page, got %d", len(items))
	}
	if payload["totalComments"] != 3 {
		t.Fatalf("expected totalComments 3, got %v", payload["totalComments"])
	}
	if payload["hasMore"] != true {
		t.Fatalf("expected hasMore true, got %v", payload["hasMore"])
	}
	cursorRaw, ok := payload["nextCursor"].(string)
	if !ok || cursorRaw == "" {
		t.Fatalf("expected a next cursor, got %v", payload["nextCursor"])
	}
	cursor, err := decodeCommentCursor(cursorRaw)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if cursor.ID != "cm_2" || !cursor.CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("cursor must point at the last returned comment, got %+v", cursor)
	}
}

func TestCommentCursorRoundTrip(t *testing.T) {
	comment := store.Comment{ID: "cm_42", CreatedAt: time.Date(2025, 6, 15, 9, 30, 0, 123456789, time.UTC)}
	cursor, err := decodeCommentCursor(encodeCommentCursor(comment))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != comment.ID || !cursor.CreatedAt.Equal(comment.CreatedAt) {
		t.Fatalf("round trip mismatch: %+v", cursor)
	}
}

func TestDecodeCommentCursorRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not base64 !!", "bm9wZQ", "fDEyMw"} {
		if _, err := decodeCommentCursor(raw); err == nil {
			t.Fatalf("expected error for cursor %q", raw)
		}
	}
	if cursor, err := decodeCommentCursor(""); err != nil || cursor != nil {
		t.Fatalf("empty cursor must decode to nil, got %v, %v", cursor, err)
	}
}

func TestCommentCountsRejectsOversizedBatch(t *testing.T) {
	svc := newTestService(&fakeStore{})

	ids := make([]string, maxCountBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("def_%d", i)
	}
	_, err := svc.CommentCounts(context.Background(), CommentCountsInput{DefinitionIDs: ids, BucketType: "month"})
	domainErr := expectDomainError(t, err, "VALIDATION_ERROR")
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["max"] != maxCountBatch {
		t.Fatalf("expected max detail %d, got %v", maxCountBatch, domainErr.Details)
	}
}

func TestCommentCountsRejectsUnknownBucketType(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CommentCounts(context.Background(), CommentCountsInput{DefinitionIDs: []string{"def_1"}, BucketType: "decade"})
	expectDomainError(t, err, "VALIDATION_ERROR")
}

func TestCreateFollowUpRetriesOnIdentifierCollision(t *testing.T) {
	nextCalls := 0
	insertAttempts := 0
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		nextFollowUpNumberFn: func(context.Context, string) (int, error) {
			nextCalls++
			return 6 + nextCalls, nil
		},
		insertFollowUpFn: func(_ context.Context, followUp store.FollowUp) (store.FollowUp, error) {
			insertAttempts++
			if insertAttempts == 1 {
				return store.FollowUp{}, &pgconn.PgError{Code: "23505"}
			}
			return followUp, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateFollowUp(context.Background(), store.User{ID: "usr_1"}, CreateFollowUpInput{
		WorkspaceID: "ws_1",
		Title:       "Chase the churn spike",
	})
	if err != nil {
		t.Fatalf("CreateFollowUp() error = %v", err)
	}
	if insertAttempts != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", insertAttempts)
	}
	if payload["identifier"] != "FU-008" {
		t.Fatalf("expected identifier FU-008 after retry, got %v", payload["identifier"])
	}
}

func TestCreateFollowUpGivesUpAfterExhaustedRetries(t *testing.T) {
	insertAttempts := 0
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		insertFollowUpFn: func(context.Context, store.FollowUp) (store.FollowUp, error) {
			insertAttempts++
			return store.FollowUp{}, &pgconn.PgError{Code: "23505"}
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateFollowUp(context.Background(), store.User{ID: "usr_1"}, CreateFollowUpInput{
		WorkspaceID: "ws_1",
		Title:       "Doomed",
	})
	domainErr := expectDomainError(t, err, "CONFLICT_EXHAUSTED")
	if domainErr.Status != 409 {
		t.Fatalf("expected status 409, got %d", domainErr.Status)
	}
	if insertAttempts != maxIdentifierAttempts {
		t.Fatalf("expected %d attempts, got %d", maxIdentifierAttempts, insertAttempts)
	}
}

func TestCreateFollowUpUnknownAssignee(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		getUsersByIDsFn: func(context.Context, []string) ([]store.User, error) {
			return nil, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateFollowUp(context.Background(), store.User{ID: "usr_1"}, CreateFollowUpInput{
		WorkspaceID: "ws_1",
		Title:       "Assign to nobody",
		AssigneeIDs: []string{"usr_ghost"},
	})
	expectDomainError(t, err, "NOT_FOUND")
}

func TestCanonicalStatusAliases(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"todo", "todo"},
		{"backlog", "todo"},
		{"Backlog", "todo"},
		{"resolved", "done"},
		{"IN_PROGRESS", "in_progress"},
		{"done", "done"},
		{"cancelled", "cancelled"},
	}
	for _, tc := range cases {
		got, err := canonicalStatus(tc.in)
		if err != nil {
			t.Fatalf("canonicalStatus(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("canonicalStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	_, err := canonicalStatus("blocked")
	expectDomainError(t, err, "VALIDATION_ERROR")
}

func TestResolvedAsOfClassification(t *testing.T) {
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	slMar, slApr, slMay, slGone := "sl_mar", "sl_apr", "sl_may", "sl_gone"
	dates := map[string]time.Time{slMar: mar, slApr: apr, slMay: may}

	cases := []struct {
		name     string
		followUp store.FollowUp
		want     bool
	}{
		{"done on an earlier slide", store.FollowUp{Status: "done", ResolvedAtSlideID: &slMar}, true},
		{"done on the cutoff slide", store.FollowUp{Status: "done", ResolvedAtSlideID: &slApr}, true},
		{"done on a later slide", store.FollowUp{Status: "done", ResolvedAtSlideID: &slMay}, false},
		{"done without a resolution slide", store.FollowUp{Status: "done"}, false},
		{"still open", store.FollowUp{Status: "todo", ResolvedAtSlideID: &slMar}, false},
		{"resolution slide date unknown", store.FollowUp{Status: "done", ResolvedAtSlideID: &slGone}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolvedAsOf(tc.followUp, dates, apr); got != tc.want {
				t.Fatalf("resolvedAsOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestListFollowUpsAsOfSlideAddsSummary(t *testing.T) {
	marSlide := "sl_mar"
	apr := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	var capturedFilter store.FollowUpFilter
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, WorkspaceID: "ws_1", SnapshotDate: apr}, nil
		},
		listFollowUpsFn: func(_ context.Context, _ string, filter store.FollowUpFilter) ([]store.FollowUp, error) {
			capturedFilter = filter
			return []store.FollowUp{
				{ID: "fu_done", WorkspaceID: "ws_1", Status: "done", ResolvedAtSlideID: &marSlide, AssigneeIDs: []string{}},
				{ID: "fu_open", WorkspaceID: "ws_1", Status: "todo", AssigneeIDs: []string{}},
			}, nil
		},
		getSlideDatesFn: func(context.Context, []string) (map[string]time.Time, error) {
			return map[string]time.Time{marSlide: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListFollowUps(context.Background(), FollowUpFilterInput{
		WorkspaceID: "ws_1",
		AsOfSlideID: "sl_apr",
	})
	if err != nil {
		t.Fatalf("ListFollowUps() error = %v", err)
	}

	if capturedFilter.MaxSlideDate == nil || !capturedFilter.MaxSlideDate.Equal(apr) {
		t.Fatalf("expected MaxSlideDate %v, got %v", apr, capturedFilter.MaxSlideDate)
	}

	items := payload["followUps"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 follow-ups, got %d", len(items))
	}
	if items[0]["resolvedAsOf"] != true || items[1]["resolvedAsOf"] != false {
		t.Fatalf("unexpected classification: %v / %v", items[0]["resolvedAsOf"], items[1]["resolvedAsOf"])
	}

	summary := payload["summary"].(map[string]any)
	if summary["resolved"] != 1 || summary["unresolved"] != 1 {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestListFollowUpsWithoutCutoffOmitsSummary(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id}, nil
		},
		listFollowUpsFn: func(context.Context, string, store.FollowUpFilter) ([]store.FollowUp, error) {
			return []store.FollowUp{{ID: "fu_1", WorkspaceID: "ws_1", Status: "todo", AssigneeIDs: []string{}}}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListFollowUps(context.Background(), FollowUpFilterInput{WorkspaceID: "ws_1"})
	if err != nil {
		t.Fatalf("ListFollowUps() error = %v", err)
	}
	if _, ok := payload["summary"]; ok {
		t.Fatal("summary must only appear with an asOfSlideId cutoff")
	}
}

func TestUpdateFollowUpLeavingDoneClearsResolutionSlide(t *testing.T) {
	slide := "sl_9"
	var captured store.FollowUpPatch
	fs := &fakeStore{
		getFollowUpFn: func(_ context.Context, id string) (store.FollowUp, error) {
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "done", ResolvedAtSlideID: &slide, AssigneeIDs: []string{}}, nil
		},
		updateFollowUpFn: func(_ context.Context, id string, patch store.FollowUpPatch) (store.FollowUp, error) {
			captured = patch
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "in_progress", AssigneeIDs: []string{}}, nil
		},
	}
	svc := newTestService(fs)

	status := "in_progress"
	_, err := svc.UpdateFollowUp(context.Background(), store.User{ID: "usr_1"}, "fu_1", UpdateFollowUpInput{Status: &status})
	if err != nil {
		t.Fatalf("UpdateFollowUp() error = %v", err)
	}
	if captured.Status == nil || *captured.Status != "in_progress" {
		t.Fatalf("expected status patch in_progress, got %v", captured.Status)
	}
	if !captured.ClearResolvedAtSlide {
		t.Fatal("leaving done must clear the resolution slide")
	}
}

func TestUpdateFollowUpKeepsResolutionSlideWhileDone(t *testing.T) {
	slide := "sl_9"
	var captured store.FollowUpPatch
	fs := &fakeStore{
		getFollowUpFn: func(_ context.Context, id string) (store.FollowUp, error) {
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "done", ResolvedAtSlideID: &slide, AssigneeIDs: []string{}}, nil
		},
		updateFollowUpFn: func(_ context.Context, id string, patch store.FollowUpPatch) (store.FollowUp, error) {
			captured = patch
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "done", ResolvedAtSlideID: &slide, AssigneeIDs: []string{}}, nil
		},
	}
	svc := newTestService(fs)

	status := "resolved"
	_, err := svc.UpdateFollowUp(context.Background(), store.User{ID: "usr_1"}, "fu_1", UpdateFollowUpInput{Status: &status})
	if err != nil {
		t.Fatalf("UpdateFollowUp() error = %v", err)
	}
	if captured.Status == nil || *captured.Status != "done" {
		t.Fatalf("expected alias to map to done, got %v", captured.Status)
	}
	if captured.ClearResolvedAtSlide {
		t.Fatal("staying done must keep the resolution slide")
	}
}

func TestReopenFollowUpClearsResolutionSlide(t *testing.T) {
	var captured store.FollowUpPatch
	fs := &fakeStore{
		getFollowUpFn: func(_ context.Context, id string) (store.FollowUp, error) {
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "done", AssigneeIDs: []string{}}, nil
		},
		updateFollowUpFn: func(_ context.Context, id string, patch store.FollowUpPatch) (store.FollowUp, error) {
			captured = patch
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "todo", AssigneeIDs: []string{}}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ReopenFollowUp(context.Background(), "fu_1")
	if err != nil {
		t.Fatalf("ReopenFollowUp() error = %v", err)
	}
	if captured.Status == nil || *captured.Status != "todo" {
		t.Fatalf("expected status patch todo, got %v", captured.Status)
	}
	if !captured.ClearResolvedAtSlide {
		t.Fatal("reopening must clear the resolution slide")
	}
}

func TestResolveFollowUpRequiresSlideInWorkspace(t *testing.T) {
	fs := &fakeStore{
		getFollowUpFn: func(_ context.Context, id string) (store.FollowUp, error) {
			return store.FollowUp{ID: id, WorkspaceID: "ws_1", Status: "todo", AssigneeIDs: []string{}}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, WorkspaceID: "ws_other"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ResolveFollowUp(context.Background(), "fu_1", ResolveFollowUpInput{SlideID: "sl_1"})
	expectDomainError(t, err, "VALIDATION_ERROR")
}

func TestCallerRequiresHeader(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Caller(context.Background(), "  ")
	domainErr := expectDomainError(t, err, "UNAUTHORIZED")
	if domainErr.Status != 401 {
		t.Fatalf("expected status 401, got %d", domainErr.Status)
	}
}

func TestCallerUnknownUser(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Caller(context.Background(), "usr_ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for unknown user, got %v", err)
	}
}
