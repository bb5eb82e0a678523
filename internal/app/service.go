package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulseboard/api/internal/archive"
	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/email"
	"pulseboard/api/internal/identity"
	"pulseboard/api/internal/notify"
	"pulseboard/api/internal/search"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

type CreateUserInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateWorkspaceInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type CreateSlideInput struct {
	Title        string `json:"title"`
	SnapshotDate string `json:"snapshotDate"`
	Position     int    `json:"position"`
}

type UpdateDefinitionInput struct {
	Category       *string `json:"category"`
	MetricName     *string `json:"metricName"`
	Unit           *string `json:"unit"`
	PreferredTrend *string `json:"preferredTrend"`
}

type IngestPointInput struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type IngestSubmetricInput struct {
	Label          string             `json:"label"`
	Name           string             `json:"name"`
	Category       *string            `json:"category"`
	Unit           *string            `json:"unit"`
	PreferredTrend *string            `json:"preferredTrend"`
	Points         []IngestPointInput `json:"points"`
}

type IngestMetricInput struct {
	Label          string                `json:"label"`
	Category       *string               `json:"category"`
	Unit           *string               `json:"unit"`
	PreferredTrend *string               `json:"preferredTrend"`
	Points         []IngestPointInput    `json:"points"`
	Submetrics     []IngestSubmetricInput `json:"submetrics"`
}

type IngestInput struct {
	WorkspaceID   string              `json:"workspaceId"`
	WorkspaceSlug string              `json:"workspaceSlug"`
	Metrics       []IngestMetricInput `json:"metrics"`
}

type CreateCommentInput struct {
	DefinitionID string `json:"definitionId"`
	Scope        string `json:"scope"`
	SlideID      string `json:"slideId"`
	BucketType   string `json:"bucketType"`
	BucketValue  string `json:"bucketValue"`
	ParentID     string `json:"parentId"`
	Body         string `json:"body"`
}

type UpdateCommentInput struct {
	Body string `json:"body"`
}

type CommentCountsInput struct {
	DefinitionIDs []string `json:"definitionIds"`
	BucketType    string   `json:"bucketType"`
}

type CreateFollowUpInput struct {
	WorkspaceID  string   `json:"workspaceId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	SlideID      string   `json:"slideId"`
	DefinitionID string   `json:"definitionId"`
	ThreadID     string   `json:"threadId"`
	DueDate      string   `json:"dueDate"`
	AssigneeIDs  []string `json:"assigneeIds"`
}

type UpdateFollowUpInput struct {
	Title             *string  `json:"title"`
	Description       *string  `json:"description"`
	Status            *string  `json:"status"`
	Priority          *string  `json:"priority"`
	SlideID           *string  `json:"slideId"`
	DefinitionID      *string  `json:"definitionId"`
	ThreadID          *string  `json:"threadId"`
	ResolvedAtSlideID *string  `json:"resolvedAtSlideId"`
	DueDate           *string  `json:"dueDate"`
	AssigneeIDs       []string `json:"assigneeIds"`
}

type ResolveFollowUpInput struct {
	SlideID string `json:"slideId"`
}

type FollowUpFilterInput struct {
	WorkspaceID  string
	Status       string
	DefinitionID string
	AssigneeID   string
	AsOfSlideID  string
	Limit        int
}

var allowedBucketTypes = map[string]struct{}{
	"day":     {},
	"week":    {},
	"month":   {},
	"quarter": {},
	"year":    {},
}

var allowedStatuses = map[string]struct{}{
	"todo":        {},
	"in_progress": {},
	"done":        {},
	"cancelled":   {},
}

var statusAliases = map[string]string{
	"backlog":  "todo",
	"resolved": "done",
}

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

var allowedTrends = map[string]struct{}{
	"up":   {},
	"down": {},
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(context.Context, store.User) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) ([]store.User, error)
	EnsureWorkspace(context.Context, store.Workspace) (store.Workspace, error)
	InsertWorkspace(context.Context, store.Workspace) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	GetWorkspaceBySlug(context.Context, string) (store.Workspace, error)
	ListWorkspaces(context.Context) ([]store.Workspace, error)
	InsertSlide(context.Context, store.Slide) error
	GetSlide(context.Context, string) (store.Slide, error)
	ListSlides(context.Context, string) ([]store.Slide, error)
	GetSlideDates(context.Context, []string) (map[string]time.Time, error)
	IngestBatch(context.Context, []store.IngestItem) ([]store.Definition, int, error)
	GetDefinition(context.Context, string) (store.Definition, error)
	ListDefinitions(context.Context, string) ([]store.Definition, error)
	UpdateDefinitionFields(context.Context, string, store.DefinitionFields) (store.Definition, error)
	DeleteDefinition(context.Context, string) error
	ListPoints(context.Context, string, *time.Time, *time.Time) ([]store.MetricPoint, error)
	GetThreadByScope(context.Context, string, string, string, string, string) (*store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	SetThreadResolved(context.Context, string, bool) (store.Thread, error)
	CreateCommentInThread(context.Context, store.Thread, store.Comment) (store.Thread, store.Comment, error)
	ListComments(context.Context, string, *store.CommentCursor, int) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	UpdateCommentBody(context.Context, string, string) (store.Comment, error)
	DeleteComment(context.Context, string) error
	CountComments(context.Context, string) (int, error)
	CommentCountsByBucket(context.Context, []string, string) (map[string]map[string]int, error)
	NextFollowUpNumber(context.Context, string) (int, error)
	InsertFollowUp(context.Context, store.FollowUp) (store.FollowUp, error)
	GetFollowUp(context.Context, string) (store.FollowUp, error)
	ListFollowUps(context.Context, string, store.FollowUpFilter) ([]store.FollowUp, error)
	UpdateFollowUp(context.Context, string, store.FollowUpPatch) (store.FollowUp, error)
	DeleteFollowUp(context.Context, string) error
}

// Service holds the domain logic behind every HTTP handler. Search, notify,
// archive, and mail are optional collaborators: they are nil when not
// configured and must never fail a request that otherwise succeeded.
type Service struct {
	cfg      config.Config
	store    dataStore
	search   *search.Service
	notifier notify.Publisher
	archiver *archive.Service
	mailer   *email.Service
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, notifier notify.Publisher, archiver *archive.Service, mailer *email.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		search:   searchService,
		notifier: notifier,
		archiver: archiver,
		mailer:   mailer,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IngestSigningKey exposes the configured ingestion token secret; empty means
// the ingest endpoint accepts unsigned requests.
func (s *Service) IngestSigningKey() string {
	return s.cfg.IngestSigningKey
}

// Bootstrap ensures the default workspace exists and warms the search index
// in the background.
func (s *Service) Bootstrap(ctx context.Context) error {
	workspace, err := s.store.EnsureWorkspace(ctx, store.Workspace{
		ID:   util.NewID("ws"),
		Name: s.cfg.WorkspaceName,
		Slug: s.cfg.WorkspaceSlug,
	})
	if err != nil {
		return err
	}
	s.logger.Info("workspace ready", zap.String("workspace_id", workspace.ID), zap.String("slug", workspace.Slug))

	if s.search != nil {
		go s.search.ReindexAllFromPG(context.Background())
	}
	return nil
}

// publishEvent fans a change notification out over Redis. Fire and forget:
// a broken broker must not fail the write that triggered the event.
func (s *Service) publishEvent(eventType, workspaceID, definitionID, threadID, followUpID string) {
	if s.notifier == nil {
		return
	}
	event := notify.Event{
		Type:         eventType,
		WorkspaceID:  workspaceID,
		DefinitionID: definitionID,
		ThreadID:     threadID,
		FollowUpID:   followUpID,
		At:           time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.Publish(ctx, event); err != nil {
			s.logger.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
		}
	}()
}

// Caller resolves the X-User-ID header into a stored user. Mutations that
// record authorship require it; reads do not.
func (s *Service) Caller(ctx context.Context, userID string) (store.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required", nil)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) EnsureUser(ctx context.Context, input CreateUserInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	mail := strings.ToLower(strings.TrimSpace(input.Email))
	if mail != "" && !strings.Contains(mail, "@") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is not valid", nil)
	}

	user, err := s.store.EnsureUser(ctx, store.User{
		ID:          util.NewID("usr"),
		DisplayName: name,
		Email:       mail,
	})
	if err != nil {
		return nil, err
	}
	return userJSON(user), nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userJSON(user), nil
}

func (s *Service) CreateWorkspace(ctx context.Context, input CreateWorkspaceInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	slug := identity.NormalizeKey(firstNonBlank(input.Slug, name))
	if slug == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must contain at least one letter or digit", nil)
	}

	workspace := store.Workspace{
		ID:   util.NewID("ws"),
		Name: name,
		Slug: slug,
	}
	if err := s.store.InsertWorkspace(ctx, workspace); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "a workspace with this slug already exists", nil)
		}
		return nil, err
	}
	created, err := s.store.GetWorkspace(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(created), nil
}

func (s *Service) ListWorkspaces(ctx context.Context) (map[string]any, error) {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		items = append(items, workspaceJSON(workspace))
	}
	return map[string]any{"workspaces": items}, nil
}

func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(workspace), nil
}

func (s *Service) CreateSlide(ctx context.Context, workspaceID string, input CreateSlideInput) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	snapshotDate, err := util.ParseDate(input.SnapshotDate)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshotDate must be YYYY-MM-DD", map[string]any{"snapshotDate": input.SnapshotDate})
	}

	slide := store.Slide{
		ID:           util.NewID("sl"),
		WorkspaceID:  workspace.ID,
		Title:        title,
		SnapshotDate: snapshotDate,
		Position:     input.Position,
	}
	if err := s.store.InsertSlide(ctx, slide); err != nil {
		return nil, err
	}
	created, err := s.store.GetSlide(ctx, slide.ID)
	if err != nil {
		return nil, err
	}
	return slideJSON(created), nil
}

func (s *Service) ListSlides(ctx context.Context, workspaceID string) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	slides, err := s.store.ListSlides(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(slides))
	for _, slide := range slides {
		items = append(items, slideJSON(slide))
	}
	return map[string]any{"slides": items}, nil
}

func (s *Service) GetSlide(ctx context.Context, slideID string) (map[string]any, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		return nil, err
	}
	return slideJSON(slide), nil
}

func (s *Service) ListDefinitions(ctx context.Context, workspaceID string) (map[string]any, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	definitions, err := s.store.ListDefinitions(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(definitions))
	for _, definition := range definitions {
		items = append(items, definitionJSON(definition))
	}
	return map[string]any{"definitions": items}, nil
}

func (s *Service) GetDefinition(ctx context.Context, definitionID string) (map[string]any, error) {
	definition, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return definitionJSON(definition), nil
}

func (s *Service) UpdateDefinition(ctx context.Context, definitionID string, input UpdateDefinitionInput) (map[string]any, error) {
	trend, err := validateTrend(input.PreferredTrend)
	if err != nil {
		return nil, err
	}
	definition, err := s.store.UpdateDefinitionFields(ctx, definitionID, store.DefinitionFields{
		Category:       input.Category,
		MetricName:     input.MetricName,
		Unit:           input.Unit,
		PreferredTrend: trend,
	})
	if err != nil {
		return nil, err
	}

	s.indexDefinition(definition)
	s.publishEvent(notify.EventDefinitionUpdated, definition.WorkspaceID, definition.ID, "", "")
	return definitionJSON(definition), nil
}

func (s *Service) DeleteDefinition(ctx context.Context, definitionID string) (map[string]any, error) {
	definition, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteDefinition(ctx, definition.ID); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteDefinition(definition.ID)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) ListPoints(ctx context.Context, definitionID, fromRaw, toRaw string) (map[string]any, error) {
	definition, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	var from, to *time.Time
	if strings.TrimSpace(fromRaw) != "" {
		parsed, err := util.ParseDate(fromRaw)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from must be YYYY-MM-DD", map[string]any{"from": fromRaw})
		}
		from = &parsed
	}
	if strings.TrimSpace(toRaw) != "" {
		parsed, err := util.ParseDate(toRaw)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "to must be YYYY-MM-DD", map[string]any{"to": toRaw})
		}
		to = &parsed
	}

	points, err := s.store.ListPoints(ctx, definition.ID, from, to)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(points))
	for _, point := range points {
		items = append(items, map[string]any{
			"date":  util.FormatDate(point.ObservedAt),
			"value": point.Value,
		})
	}
	return map[string]any{"definitionId": definition.ID, "points": items}, nil
}

// Ingest resolves every metric and submetric in the batch to a stable
// definition row and upserts the reported points. The whole request commits
// or rolls back as one transaction.
func (s *Service) Ingest(ctx context.Context, raw []byte, input IngestInput, source *auth.Claims) (map[string]any, error) {
	workspace, err := s.resolveWorkspace(ctx, input.WorkspaceID, input.WorkspaceSlug)
	if err != nil {
		return nil, err
	}
	if source != nil && source.Workspace != "" && source.Workspace != workspace.Slug {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "token is not valid for this workspace", nil)
	}
	if len(input.Metrics) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "metrics must not be empty", nil)
	}

	items := make([]store.IngestItem, 0, len(input.Metrics))
	for _, metric := range input.Metrics {
		item, err := buildMetricItem(workspace.ID, metric)
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		for _, sub := range metric.Submetrics {
			subItem, err := buildSubmetricItem(workspace.ID, item.Definition.MetricKey, sub)
			if err != nil {
				return nil, err
			}
			items = append(items, subItem)
		}
	}

	// Stable write order keeps concurrent batches from deadlocking on the
	// same definition rows.
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i].Definition, items[j].Definition
		if left.MetricKey != right.MetricKey {
			return left.MetricKey < right.MetricKey
		}
		return left.SubmetricKey < right.SubmetricKey
	})

	definitions, pointsUpserted, err := s.store.IngestBatch(ctx, items)
	if err != nil {
		return nil, err
	}

	for _, definition := range definitions {
		s.indexDefinition(definition)
		s.publishEvent(notify.EventDefinitionUpdated, definition.WorkspaceID, definition.ID, "", "")
	}
	s.archivePayload(ctx, workspace.ID, raw)

	sourceName := ""
	if source != nil {
		sourceName = source.Source
	}
	s.logger.Info("ingest accepted",
		zap.String("workspace_id", workspace.ID),
		zap.String("source", sourceName),
		zap.Int("definitions", len(definitions)),
		zap.Int("points", pointsUpserted),
	)

	results := make([]map[string]any, 0, len(definitions))
	for _, definition := range definitions {
		results = append(results, map[string]any{
			"id":           definition.ID,
			"metricKey":    definition.MetricKey,
			"submetricKey": definition.SubmetricKey,
		})
	}
	return map[string]any{"definitions": results, "pointsUpserted": pointsUpserted}, nil
}

func (s *Service) resolveWorkspace(ctx context.Context, workspaceID, slug string) (store.Workspace, error) {
	if strings.TrimSpace(workspaceID) != "" {
		return s.store.GetWorkspace(ctx, workspaceID)
	}
	if strings.TrimSpace(slug) != "" {
		return s.store.GetWorkspaceBySlug(ctx, slug)
	}
	return store.Workspace{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId or workspaceSlug is required", nil)
}

func buildMetricItem(workspaceID string, metric IngestMetricInput) (store.IngestItem, error) {
	label := strings.TrimSpace(metric.Label)
	metricKey := identity.DeriveMetricKey(label)
	if metricKey == "" {
		return store.IngestItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "metric label does not contain any key material", map[string]any{"label": metric.Label})
	}
	trend, err := validateTrend(metric.PreferredTrend)
	if err != nil {
		return store.IngestItem{}, err
	}
	points, err := parseIngestPoints(metric.Points)
	if err != nil {
		return store.IngestItem{}, err
	}
	return store.IngestItem{
		Definition: store.Definition{
			WorkspaceID:  workspaceID,
			MetricKey:    metricKey,
			SubmetricKey: "",
		},
		Fields: store.DefinitionFields{
			Category:       metric.Category,
			MetricName:     &label,
			Unit:           metric.Unit,
			PreferredTrend: trend,
		},
		Points: points,
	}, nil
}

// buildSubmetricItem resolves the two submetric shapes: the current form
// names category and submetric separately, the legacy form packs both into a
// "[Category] - Name" label.
func buildSubmetricItem(workspaceID, metricKey string, sub IngestSubmetricInput) (store.IngestItem, error) {
	trend, err := validateTrend(sub.PreferredTrend)
	if err != nil {
		return store.IngestItem{}, err
	}
	points, err := parseIngestPoints(sub.Points)
	if err != nil {
		return store.IngestItem{}, err
	}

	fields := store.DefinitionFields{
		Unit:           sub.Unit,
		PreferredTrend: trend,
	}
	var submetricKey string
	if name := strings.TrimSpace(sub.Name); name != "" {
		submetricKey = identity.DeriveSubmetricKey(derefOr(sub.Category, ""), name)
		fields.MetricName = &name
		fields.Category = sub.Category
	} else {
		label := strings.TrimSpace(sub.Label)
		submetricKey = identity.DeriveSubmetricKeyFromLabel(label)
		if category, rest, ok := identity.ParseBracketLabel(label); ok {
			fields.Category = &category
			fields.MetricName = &rest
		} else {
			fields.MetricName = &label
		}
	}
	if submetricKey == "" {
		return store.IngestItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "submetric label does not contain any key material", map[string]any{"label": firstNonBlank(sub.Name, sub.Label)})
	}

	return store.IngestItem{
		Definition: store.Definition{
			WorkspaceID:  workspaceID,
			MetricKey:    metricKey,
			SubmetricKey: submetricKey,
		},
		Fields: fields,
		Points: points,
	}, nil
}

func parseIngestPoints(points []IngestPointInput) ([]store.MetricPoint, error) {
	out := make([]store.MetricPoint, 0, len(points))
	for _, point := range points {
		observedAt, err := util.ParseDate(point.Date)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "point date must be YYYY-MM-DD", map[string]any{"date": point.Date})
		}
		out = append(out, store.MetricPoint{ObservedAt: observedAt, Value: point.Value})
	}
	return out, nil
}

// archivePayload copies the raw request body to object storage so a bad
// derivation can be replayed later. Best effort.
func (s *Service) archivePayload(ctx context.Context, workspaceID string, raw []byte) {
	if s.archiver == nil {
		return
	}
	requestID := requestIDFromContext(ctx)
	payload := append([]byte(nil), raw...)
	go func() {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.archiver.Store(archiveCtx, workspaceID, requestID, time.Now(), payload); err != nil {
			s.logger.Warn("payload archive failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}()
}

func (s *Service) Search(ctx context.Context, text, filterType, workspaceID string, limit, offset int) (*search.Response, error) {
	if s.search == nil {
		return &search.Response{Results: []search.Result{}, Total: 0, Query: text}, nil
	}
	resp := s.search.Search(search.Query{
		Text:              text,
		FilterType:        search.ResultType(filterType),
		FilterWorkspaceID: workspaceID,
		Limit:             limit,
		Offset:            offset,
	})
	return &resp, nil
}

func (s *Service) indexDefinition(definition store.Definition) {
	if s.search == nil {
		return
	}
	s.search.IndexDefinition(search.DefinitionRecord{
		ID:           definition.ID,
		MetricName:   definition.MetricName,
		MetricKey:    definition.MetricKey,
		SubmetricKey: definition.SubmetricKey,
		Category:     definition.Category,
		Unit:         definition.Unit,
		WorkspaceID:  definition.WorkspaceID,
	})
}

func (s *Service) indexFollowUp(followUp store.FollowUp) {
	if s.search == nil {
		return
	}
	s.search.IndexFollowUp(search.FollowUpRecord{
		ID:           followUp.ID,
		Identifier:   followUp.Identifier,
		Title:        followUp.Title,
		Description:  followUp.Description,
		Status:       followUp.Status,
		Priority:     followUp.Priority,
		DefinitionID: deref(followUp.DefinitionID),
		WorkspaceID:  followUp.WorkspaceID,
	})
}

func (s *Service) indexComment(comment store.Comment, thread store.Thread, metricName string) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:           comment.ID,
		Body:         comment.Body,
		MetricName:   metricName,
		ThreadID:     thread.ID,
		DefinitionID: thread.DefinitionID,
		WorkspaceID:  thread.WorkspaceID,
	})
}

func validateTrend(trend *string) (*string, error) {
	if trend == nil {
		return nil, nil
	}
	value := strings.ToLower(strings.TrimSpace(*trend))
	if value == "" {
		return &value, nil
	}
	if _, ok := allowedTrends[value]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "preferredTrend must be 'up', 'down', or empty", nil)
	}
	return &value, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

func strOrNil(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func userJSON(user store.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"name":      user.DisplayName,
		"email":     user.Email,
		"createdAt": user.CreatedAt,
	}
}

func workspaceJSON(workspace store.Workspace) map[string]any {
	return map[string]any{
		"id":        workspace.ID,
		"name":      workspace.Name,
		"slug":      workspace.Slug,
		"createdAt": workspace.CreatedAt,
		"updatedAt": workspace.UpdatedAt,
	}
}

func slideJSON(slide store.Slide) map[string]any {
	return map[string]any{
		"id":           slide.ID,
		"workspaceId":  slide.WorkspaceID,
		"title":        slide.Title,
		"snapshotDate": util.FormatDate(slide.SnapshotDate),
		"position":     slide.Position,
		"createdAt":    slide.CreatedAt,
		"updatedAt":    slide.UpdatedAt,
	}
}

func definitionJSON(definition store.Definition) map[string]any {
	return map[string]any{
		"id":             definition.ID,
		"workspaceId":    definition.WorkspaceID,
		"metricKey":      definition.MetricKey,
		"submetricKey":   definition.SubmetricKey,
		"category":       definition.Category,
		"metricName":     definition.MetricName,
		"unit":           definition.Unit,
		"preferredTrend": definition.PreferredTrend,
		"createdAt":      definition.CreatedAt,
		"updatedAt":      definition.UpdatedAt,
	}
}

func threadJSON(thread store.Thread) map[string]any {
	return map[string]any{
		"id":           thread.ID,
		"workspaceId":  thread.WorkspaceID,
		"definitionId": thread.DefinitionID,
		"scope":        thread.Scope,
		"slideId":      nilIfEmpty(thread.SlideID),
		"bucketType":   nilIfEmpty(thread.BucketType),
		"bucketValue":  nilIfEmpty(thread.BucketValue),
		"isResolved":   thread.IsResolved,
		"createdBy":    thread.CreatedBy,
		"createdAt":    thread.CreatedAt,
		"updatedAt":    thread.UpdatedAt,
	}
}

func commentJSON(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"threadId":  comment.ThreadID,
		"userId":    comment.UserID,
		"parentId":  strOrNil(comment.ParentID),
		"body":      comment.Body,
		"createdAt": comment.CreatedAt,
		"updatedAt": comment.UpdatedAt,
	}
}

func followUpJSON(followUp store.FollowUp) map[string]any {
	var dueDate any
	if followUp.DueDate != nil {
		dueDate = util.FormatDate(*followUp.DueDate)
	}
	assignees := followUp.AssigneeIDs
	if assignees == nil {
		assignees = []string{}
	}
	return map[string]any{
		"id":                followUp.ID,
		"workspaceId":       followUp.WorkspaceID,
		"number":            followUp.Number,
		"identifier":        followUp.Identifier,
		"title":             followUp.Title,
		"description":       followUp.Description,
		"status":            followUp.Status,
		"priority":          followUp.Priority,
		"slideId":           strOrNil(followUp.SlideID),
		"definitionId":      strOrNil(followUp.DefinitionID),
		"threadId":          strOrNil(followUp.ThreadID),
		"resolvedAtSlideId": strOrNil(followUp.ResolvedAtSlideID),
		"dueDate":           dueDate,
		"assigneeIds":       assignees,
		"createdBy":         followUp.CreatedBy,
		"createdAt":         followUp.CreatedAt,
		"updatedAt":         followUp.UpdatedAt,
	}
}

// nilIfEmpty maps the store's empty-string scope sentinels back to JSON null.
func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
