package app

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulseboard/api/internal/notify"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

const (
	defaultFollowUpPage = 100
	maxFollowUpPage     = 500

	// maxIdentifierAttempts bounds the FU-number retry loop when concurrent
	// creates race for the same workspace counter.
	maxIdentifierAttempts = 5
)

func identifierBackoff() time.Duration {
	return time.Duration(5+rand.Intn(21)) * time.Millisecond
}

func canonicalStatus(raw string) (string, error) {
	status := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := statusAliases[status]; ok {
		status = canonical
	}
	if _, ok := allowedStatuses[status]; !ok {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of todo, in_progress, done, cancelled", nil)
	}
	return status, nil
}

func validatePriority(raw string) (string, error) {
	priority := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := allowedPriorities[priority]; !ok {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be one of low, medium, high, urgent", nil)
	}
	return priority, nil
}

// CreateFollowUp opens an action item and assigns it the next FU-number in
// its workspace. Number allocation is read-then-insert, so a concurrent
// create can collide on the unique index; collisions retry with fresh
// numbers before giving up.
func (s *Service) CreateFollowUp(ctx context.Context, caller store.User, input CreateFollowUpInput) (map[string]any, error) {
	if strings.TrimSpace(input.WorkspaceID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	workspace, err := s.store.GetWorkspace(ctx, strings.TrimSpace(input.WorkspaceID))
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	status := "todo"
	if strings.TrimSpace(input.Status) != "" {
		status, err = canonicalStatus(input.Status)
		if err != nil {
			return nil, err
		}
	}
	priority := "medium"
	if strings.TrimSpace(input.Priority) != "" {
		priority, err = validatePriority(input.Priority)
		if err != nil {
			return nil, err
		}
	}

	candidate := store.FollowUp{
		WorkspaceID: workspace.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      status,
		Priority:    priority,
		CreatedBy:   caller.ID,
	}

	if raw := strings.TrimSpace(input.DueDate); raw != "" {
		dueDate, err := util.ParseDate(raw)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be YYYY-MM-DD", map[string]any{"dueDate": input.DueDate})
		}
		candidate.DueDate = &dueDate
	}
	if slideID := strings.TrimSpace(input.SlideID); slideID != "" {
		if _, err := s.slideInWorkspace(ctx, slideID, workspace.ID); err != nil {
			return nil, err
		}
		candidate.SlideID = &slideID
	}
	if definitionID := strings.TrimSpace(input.DefinitionID); definitionID != "" {
		if _, err := s.definitionInWorkspace(ctx, definitionID, workspace.ID); err != nil {
			return nil, err
		}
		candidate.DefinitionID = &definitionID
	}
	if threadID := strings.TrimSpace(input.ThreadID); threadID != "" {
		if _, err := s.threadInWorkspace(ctx, threadID, workspace.ID); err != nil {
			return nil, err
		}
		candidate.ThreadID = &threadID
	}
	assignees, err := s.validateAssignees(ctx, input.AssigneeIDs)
	if err != nil {
		return nil, err
	}
	candidate.AssigneeIDs = assignees

	var created store.FollowUp
	inserted := false
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(identifierBackoff())
		}
		number, err := s.store.NextFollowUpNumber(ctx, workspace.ID)
		if err != nil {
			return nil, err
		}
		candidate.ID = util.NewID("fu")
		candidate.Number = number
		candidate.Identifier = fmt.Sprintf("FU-%03d", number)

		created, err = s.store.InsertFollowUp(ctx, candidate)
		if err == nil {
			inserted = true
			break
		}
		if !store.IsUniqueViolation(err) {
			return nil, err
		}
		s.logger.Warn("follow-up number collision, retrying",
			zap.String("workspace_id", workspace.ID),
			zap.Int("number", number),
		)
	}
	if !inserted {
		return nil, domainError(http.StatusConflict, "CONFLICT_EXHAUSTED", "could not assign a follow-up identifier, try again", nil)
	}

	s.indexFollowUp(created)
	s.publishEvent(notify.EventFollowUpCreated, created.WorkspaceID, deref(created.DefinitionID), deref(created.ThreadID), created.ID)
	s.notifyAssignees(ctx, caller, created, created.AssigneeIDs)
	return followUpJSON(created), nil
}

func (s *Service) GetFollowUp(ctx context.Context, followUpID string) (map[string]any, error) {
	followUp, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, err
	}
	return followUpJSON(followUp), nil
}

// ListFollowUps filters a workspace's follow-ups. With asOfSlideId set, the
// listing excludes items created on later slides and reports each remaining
// item's resolution state as of that slide's date.
func (s *Service) ListFollowUps(ctx context.Context, input FollowUpFilterInput) (map[string]any, error) {
	if strings.TrimSpace(input.WorkspaceID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	workspace, err := s.store.GetWorkspace(ctx, strings.TrimSpace(input.WorkspaceID))
	if err != nil {
		return nil, err
	}

	filter := store.FollowUpFilter{
		DefinitionID: strings.TrimSpace(input.DefinitionID),
		AssigneeID:   strings.TrimSpace(input.AssigneeID),
	}
	if strings.TrimSpace(input.Status) != "" {
		status, err := canonicalStatus(input.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	limit := input.Limit
	if limit == 0 {
		limit = defaultFollowUpPage
	}
	if limit < 0 || limit > maxFollowUpPage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be between 1 and 500", nil)
	}
	filter.Limit = limit

	var asOf *time.Time
	if slideID := strings.TrimSpace(input.AsOfSlideID); slideID != "" {
		slide, err := s.slideInWorkspace(ctx, slideID, workspace.ID)
		if err != nil {
			return nil, err
		}
		date := slide.SnapshotDate
		asOf = &date
		filter.MaxSlideDate = &date
	}

	followUps, err := s.store.ListFollowUps(ctx, workspace.ID, filter)
	if err != nil {
		return nil, err
	}

	if asOf == nil {
		items := make([]map[string]any, 0, len(followUps))
		for _, followUp := range followUps {
			items = append(items, followUpJSON(followUp))
		}
		return map[string]any{"followUps": items}, nil
	}

	slideDates, err := s.resolutionSlideDates(ctx, followUps)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(followUps))
	resolved := 0
	for _, followUp := range followUps {
		isResolved := resolvedAsOf(followUp, slideDates, *asOf)
		if isResolved {
			resolved++
		}
		item := followUpJSON(followUp)
		item["resolvedAsOf"] = isResolved
		items = append(items, item)
	}
	return map[string]any{
		"followUps": items,
		"summary": map[string]any{
			"resolved":   resolved,
			"unresolved": len(followUps) - resolved,
		},
	}, nil
}

func (s *Service) resolutionSlideDates(ctx context.Context, followUps []store.FollowUp) (map[string]time.Time, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, followUp := range followUps {
		if followUp.ResolvedAtSlideID == nil {
			continue
		}
		id := *followUp.ResolvedAtSlideID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]time.Time{}, nil
	}
	return s.store.GetSlideDates(ctx, ids)
}

// resolvedAsOf reports whether a follow-up counts as resolved on the given
// date. Anything short of a done status with a dated resolution slide at or
// before the cutoff is unresolved; unknowns stay unresolved rather than
// guessing.
func resolvedAsOf(followUp store.FollowUp, slideDates map[string]time.Time, asOf time.Time) bool {
	if followUp.Status != "done" || followUp.ResolvedAtSlideID == nil {
		return false
	}
	resolvedDate, ok := slideDates[*followUp.ResolvedAtSlideID]
	if !ok {
		return false
	}
	return !resolvedDate.After(asOf)
}

func (s *Service) UpdateFollowUp(ctx context.Context, caller store.User, followUpID string, input UpdateFollowUpInput) (map[string]any, error) {
	existing, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, err
	}

	patch := store.FollowUpPatch{}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		}
		patch.Title = &title
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		patch.Description = &description
	}
	if input.Status != nil {
		status, err := canonicalStatus(*input.Status)
		if err != nil {
			return nil, err
		}
		patch.Status = &status
		// Leaving done invalidates the recorded resolution slide.
		if existing.Status == "done" && status != "done" {
			patch.ClearResolvedAtSlide = true
		}
	}
	if input.Priority != nil {
		priority, err := validatePriority(*input.Priority)
		if err != nil {
			return nil, err
		}
		patch.Priority = &priority
	}
	if input.DueDate != nil {
		raw := strings.TrimSpace(*input.DueDate)
		if raw == "" {
			patch.ClearDueDate = true
		} else {
			dueDate, err := util.ParseDate(raw)
			if err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be YYYY-MM-DD", map[string]any{"dueDate": *input.DueDate})
			}
			patch.DueDate = &dueDate
		}
	}
	if input.SlideID != nil {
		slideID := strings.TrimSpace(*input.SlideID)
		if slideID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slideId cannot be cleared", nil)
		}
		if _, err := s.slideInWorkspace(ctx, slideID, existing.WorkspaceID); err != nil {
			return nil, err
		}
		patch.SlideID = &slideID
	}
	if input.DefinitionID != nil {
		definitionID := strings.TrimSpace(*input.DefinitionID)
		if definitionID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "definitionId cannot be cleared", nil)
		}
		if _, err := s.definitionInWorkspace(ctx, definitionID, existing.WorkspaceID); err != nil {
			return nil, err
		}
		patch.DefinitionID = &definitionID
	}
	if input.ThreadID != nil {
		threadID := strings.TrimSpace(*input.ThreadID)
		if threadID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threadId cannot be cleared", nil)
		}
		if _, err := s.threadInWorkspace(ctx, threadID, existing.WorkspaceID); err != nil {
			return nil, err
		}
		patch.ThreadID = &threadID
	}
	if input.ResolvedAtSlideID != nil {
		slideID := strings.TrimSpace(*input.ResolvedAtSlideID)
		if slideID == "" {
			patch.ClearResolvedAtSlide = true
		} else {
			if _, err := s.slideInWorkspace(ctx, slideID, existing.WorkspaceID); err != nil {
				return nil, err
			}
			patch.ResolvedAtSlideID = &slideID
		}
	}

	var addedAssignees []string
	if input.AssigneeIDs != nil {
		assignees, err := s.validateAssignees(ctx, input.AssigneeIDs)
		if err != nil {
			return nil, err
		}
		patch.AssigneeIDs = assignees
		current := make(map[string]struct{}, len(existing.AssigneeIDs))
		for _, id := range existing.AssigneeIDs {
			current[id] = struct{}{}
		}
		for _, id := range assignees {
			if _, ok := current[id]; !ok {
				addedAssignees = append(addedAssignees, id)
			}
		}
	}

	updated, err := s.store.UpdateFollowUp(ctx, existing.ID, patch)
	if err != nil {
		return nil, err
	}

	s.indexFollowUp(updated)
	s.publishEvent(notify.EventFollowUpUpdated, updated.WorkspaceID, deref(updated.DefinitionID), deref(updated.ThreadID), updated.ID)
	s.notifyAssignees(ctx, caller, updated, addedAssignees)
	return followUpJSON(updated), nil
}

// ResolveFollowUp marks the item done and records which slide it was
// resolved on, anchoring the as-of classification in ListFollowUps.
func (s *Service) ResolveFollowUp(ctx context.Context, followUpID string, input ResolveFollowUpInput) (map[string]any, error) {
	slideID := strings.TrimSpace(input.SlideID)
	if slideID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slideId is required", nil)
	}
	followUp, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, err
	}
	if _, err := s.slideInWorkspace(ctx, slideID, followUp.WorkspaceID); err != nil {
		return nil, err
	}

	done := "done"
	updated, err := s.store.UpdateFollowUp(ctx, followUp.ID, store.FollowUpPatch{
		Status:            &done,
		ResolvedAtSlideID: &slideID,
	})
	if err != nil {
		return nil, err
	}
	s.indexFollowUp(updated)
	s.publishEvent(notify.EventFollowUpResolved, updated.WorkspaceID, deref(updated.DefinitionID), deref(updated.ThreadID), updated.ID)
	return followUpJSON(updated), nil
}

func (s *Service) ReopenFollowUp(ctx context.Context, followUpID string) (map[string]any, error) {
	followUp, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, err
	}
	todo := "todo"
	updated, err := s.store.UpdateFollowUp(ctx, followUp.ID, store.FollowUpPatch{
		Status:               &todo,
		ClearResolvedAtSlide: true,
	})
	if err != nil {
		return nil, err
	}
	s.indexFollowUp(updated)
	s.publishEvent(notify.EventFollowUpReopened, updated.WorkspaceID, deref(updated.DefinitionID), deref(updated.ThreadID), updated.ID)
	return followUpJSON(updated), nil
}

func (s *Service) DeleteFollowUp(ctx context.Context, followUpID string) (map[string]any, error) {
	followUp, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteFollowUp(ctx, followUp.ID); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteFollowUp(followUp.ID)
	}
	s.publishEvent(notify.EventFollowUpDeleted, followUp.WorkspaceID, deref(followUp.DefinitionID), deref(followUp.ThreadID), followUp.ID)
	return map[string]any{"ok": true}, nil
}

// notifyAssignees mails newly assigned users. Best effort and skipped
// entirely when SMTP is not configured; the actor never mails themselves.
func (s *Service) notifyAssignees(ctx context.Context, actor store.User, followUp store.FollowUp, assigneeIDs []string) {
	if s.mailer == nil || !s.mailer.IsConfigured() || len(assigneeIDs) == 0 {
		return
	}
	recipients, err := s.store.GetUsersByIDs(ctx, assigneeIDs)
	if err != nil {
		s.logger.Warn("assignment mail lookup failed", zap.Error(err))
		return
	}
	due := ""
	if followUp.DueDate != nil {
		due = util.FormatDate(*followUp.DueDate)
	}
	for _, recipient := range recipients {
		if recipient.ID == actor.ID || recipient.Email == "" {
			continue
		}
		recipient := recipient
		go func() {
			if err := s.mailer.SendAssignmentEmail(recipient.Email, recipient.DisplayName, actor.DisplayName, followUp.Identifier, followUp.Title, followUp.Priority, due); err != nil {
				s.logger.Warn("assignment mail failed", zap.String("user_id", recipient.ID), zap.Error(err))
			}
		}()
	}
}

func (s *Service) validateAssignees(ctx context.Context, ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	if len(cleaned) == 0 {
		return []string{}, nil
	}
	users, err := s.store.GetUsersByIDs(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(users))
	for _, user := range users {
		found[user.ID] = struct{}{}
	}
	for _, id := range cleaned {
		if _, ok := found[id]; !ok {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "assignee not found", map[string]any{"userId": id})
		}
	}
	return cleaned, nil
}

func (s *Service) slideInWorkspace(ctx context.Context, slideID, workspaceID string) (store.Slide, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		return store.Slide{}, err
	}
	if slide.WorkspaceID != workspaceID {
		return store.Slide{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slide belongs to a different workspace", nil)
	}
	return slide, nil
}

func (s *Service) definitionInWorkspace(ctx context.Context, definitionID, workspaceID string) (store.Definition, error) {
	definition, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return store.Definition{}, err
	}
	if definition.WorkspaceID != workspaceID {
		return store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "definition belongs to a different workspace", nil)
	}
	return definition, nil
}

func (s *Service) threadInWorkspace(ctx context.Context, threadID, workspaceID string) (store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if thread.WorkspaceID != workspaceID {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "thread belongs to a different workspace", nil)
	}
	return thread, nil
}
