package app

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"pulseboard/api/internal/notify"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

const (
	maxCommentLength   = 5000
	defaultCommentPage = 50
	maxCommentPage     = 200
	maxCountBatch      = 100
)

// resolveScope validates a thread scope and returns the thread candidate the
// store would create for it, plus the definition it hangs off. Entity scope
// optionally pins a slide; point scope names a time bucket and nothing else.
func (s *Service) resolveScope(ctx context.Context, definitionID, scope, slideID, bucketType, bucketValue string) (store.Thread, store.Definition, error) {
	definitionID = strings.TrimSpace(definitionID)
	if definitionID == "" {
		return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "definitionId is required", nil)
	}
	definition, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return store.Thread{}, store.Definition{}, err
	}

	scope = strings.ToLower(strings.TrimSpace(scope))
	slideID = strings.TrimSpace(slideID)
	bucketType = strings.ToLower(strings.TrimSpace(bucketType))
	bucketValue = strings.TrimSpace(bucketValue)

	switch scope {
	case "entity":
		if bucketType != "" || bucketValue != "" {
			return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bucketType and bucketValue only apply to point scope", nil)
		}
		if slideID != "" {
			slide, err := s.store.GetSlide(ctx, slideID)
			if err != nil {
				return store.Thread{}, store.Definition{}, err
			}
			if slide.WorkspaceID != definition.WorkspaceID {
				return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slide belongs to a different workspace", nil)
			}
		}
	case "point":
		if slideID != "" {
			return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slideId only applies to entity scope", nil)
		}
		if _, ok := allowedBucketTypes[bucketType]; !ok {
			return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bucketType must be one of day, week, month, quarter, year", nil)
		}
		if bucketValue == "" {
			return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bucketValue is required for point scope", nil)
		}
	default:
		return store.Thread{}, store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope must be 'entity' or 'point'", nil)
	}

	return store.Thread{
		WorkspaceID:  definition.WorkspaceID,
		DefinitionID: definition.ID,
		Scope:        scope,
		SlideID:      slideID,
		BucketType:   bucketType,
		BucketValue:  bucketValue,
	}, definition, nil
}

// CreateComment appends a comment to the thread at the given scope, creating
// the thread on first use. Thread creation and the comment insert share one
// transaction so concurrent first commenters land in the same thread.
func (s *Service) CreateComment(ctx context.Context, caller store.User, input CreateCommentInput) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if len([]rune(body)) > maxCommentLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is too long", map[string]any{"max": maxCommentLength})
	}

	candidate, definition, err := s.resolveScope(ctx, input.DefinitionID, input.Scope, input.SlideID, input.BucketType, input.BucketValue)
	if err != nil {
		return nil, err
	}
	candidate.ID = util.NewID("th")
	candidate.CreatedBy = caller.ID

	comment := store.Comment{
		ID:     util.NewID("cm"),
		UserID: caller.ID,
		Body:   body,
	}
	if parent := strings.TrimSpace(input.ParentID); parent != "" {
		comment.ParentID = &parent
	}

	thread, created, err := s.store.CreateCommentInThread(ctx, candidate, comment)
	if err != nil {
		return nil, err
	}

	s.indexComment(created, thread, definition.MetricName)
	s.publishEvent(notify.EventCommentCreated, thread.WorkspaceID, thread.DefinitionID, thread.ID, "")

	commentOut := commentJSON(created)
	commentOut["authorName"] = caller.DisplayName
	return map[string]any{
		"thread":  threadJSON(thread),
		"comment": commentOut,
	}, nil
}

// GetThreadWithComments looks a thread up by scope and pages through its
// comments oldest first. A scope nobody commented on yet is not an error; it
// returns a null thread.
func (s *Service) GetThreadWithComments(ctx context.Context, definitionID, scope, slideID, bucketType, bucketValue, cursorRaw string, limit int) (map[string]any, error) {
	candidate, _, err := s.resolveScope(ctx, definitionID, scope, slideID, bucketType, bucketValue)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = defaultCommentPage
	}
	if limit < 0 || limit > maxCommentPage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be between 1 and 200", nil)
	}

	thread, err := s.store.GetThreadByScope(ctx, candidate.DefinitionID, candidate.Scope, candidate.SlideID, candidate.BucketType, candidate.BucketValue)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return map[string]any{
			"thread":        nil,
			"comments":      []map[string]any{},
			"totalComments": 0,
			"hasMore":       false,
			"nextCursor":    nil,
		}, nil
	}

	cursor, err := decodeCommentCursor(cursorRaw)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, thread.ID, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountComments(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	hasMore := len(comments) > limit
	if hasMore {
		comments = comments[:limit]
	}

	authors, err := s.commentAuthors(ctx, comments)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		item := commentJSON(comment)
		item["authorName"] = authors[comment.UserID]
		items = append(items, item)
	}

	var nextCursor any
	if hasMore && len(comments) > 0 {
		nextCursor = encodeCommentCursor(comments[len(comments)-1])
	}
	return map[string]any{
		"thread":        threadJSON(*thread),
		"comments":      items,
		"totalComments": total,
		"hasMore":       hasMore,
		"nextCursor":    nextCursor,
	}, nil
}

func (s *Service) commentAuthors(ctx context.Context, comments []store.Comment) (map[string]string, error) {
	seen := make(map[string]struct{}, len(comments))
	ids := make([]string, 0, len(comments))
	for _, comment := range comments {
		if _, ok := seen[comment.UserID]; ok {
			continue
		}
		seen[comment.UserID] = struct{}{}
		ids = append(ids, comment.UserID)
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.ID] = user.DisplayName
	}
	return names, nil
}

func (s *Service) UpdateComment(ctx context.Context, caller store.User, commentID string, input UpdateCommentInput) (map[string]any, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.UserID != caller.ID {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "only the author can edit a comment", nil)
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if len([]rune(body)) > maxCommentLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is too long", map[string]any{"max": maxCommentLength})
	}

	// Load index context before the write so nothing after it can fail the
	// request.
	thread, err := s.store.GetThread(ctx, comment.ThreadID)
	if err != nil {
		return nil, err
	}
	definition, err := s.store.GetDefinition(ctx, thread.DefinitionID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateCommentBody(ctx, comment.ID, body)
	if err != nil {
		return nil, err
	}
	s.indexComment(updated, thread, definition.MetricName)

	out := commentJSON(updated)
	out["authorName"] = caller.DisplayName
	return out, nil
}

// DeleteComment removes a comment and its replies. Reply rows cascade in the
// database; their search entries go stale until the next full reindex.
func (s *Service) DeleteComment(ctx context.Context, caller store.User, commentID string) (map[string]any, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.UserID != caller.ID {
		return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "only the author can delete a comment", nil)
	}
	thread, err := s.store.GetThread(ctx, comment.ThreadID)
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteComment(comment.ID)
	}
	s.publishEvent(notify.EventCommentDeleted, thread.WorkspaceID, thread.DefinitionID, thread.ID, "")
	return map[string]any{"ok": true}, nil
}

func (s *Service) ResolveThread(ctx context.Context, threadID string) (map[string]any, error) {
	thread, err := s.store.SetThreadResolved(ctx, threadID, true)
	if err != nil {
		return nil, err
	}
	s.publishEvent(notify.EventThreadResolved, thread.WorkspaceID, thread.DefinitionID, thread.ID, "")
	return threadJSON(thread), nil
}

func (s *Service) ReopenThread(ctx context.Context, threadID string) (map[string]any, error) {
	thread, err := s.store.SetThreadResolved(ctx, threadID, false)
	if err != nil {
		return nil, err
	}
	s.publishEvent(notify.EventThreadReopened, thread.WorkspaceID, thread.DefinitionID, thread.ID, "")
	return threadJSON(thread), nil
}

// CommentCounts returns per-definition, per-bucket comment totals for badge
// rendering. Dashboards ask for a whole grid at once, so the batch is capped
// rather than paginated.
func (s *Service) CommentCounts(ctx context.Context, input CommentCountsInput) (map[string]any, error) {
	bucketType := strings.ToLower(strings.TrimSpace(input.BucketType))
	if _, ok := allowedBucketTypes[bucketType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bucketType must be one of day, week, month, quarter, year", nil)
	}
	if len(input.DefinitionIDs) > maxCountBatch {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "too many definitionIds", map[string]any{"max": maxCountBatch})
	}
	if len(input.DefinitionIDs) == 0 {
		return map[string]any{"counts": map[string]map[string]int{}}, nil
	}

	counts, err := s.store.CommentCountsByBucket(ctx, input.DefinitionIDs, bucketType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"counts": counts}, nil
}

func encodeCommentCursor(comment store.Comment) string {
	raw := comment.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + comment.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCommentCursor(raw string) (*store.CommentCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor is malformed", nil)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor is malformed", nil)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor is malformed", nil)
	}
	return &store.CommentCursor{CreatedAt: createdAt, ID: parts[1]}, nil
}
