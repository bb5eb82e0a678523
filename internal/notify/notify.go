// Package notify publishes change events for dashboard consumers. Events are
// keyed by definition id so a consumer can watch one chart without seeing the
// whole workspace firehose.
package notify

import (
	"context"
	"time"
)

const (
	EventDefinitionUpdated = "definition.updated"
	EventCommentCreated    = "comment.created"
	EventCommentDeleted    = "comment.deleted"
	EventThreadResolved    = "thread.resolved"
	EventThreadReopened    = "thread.reopened"
	EventFollowUpCreated   = "followup.created"
	EventFollowUpUpdated   = "followup.updated"
	EventFollowUpResolved  = "followup.resolved"
	EventFollowUpReopened  = "followup.reopened"
	EventFollowUpDeleted   = "followup.deleted"
)

// Event is the JSON payload published on a channel. DefinitionID may be
// empty for workspace-level events (a follow-up with no definition).
type Event struct {
	Type         string    `json:"type"`
	WorkspaceID  string    `json:"workspaceId"`
	DefinitionID string    `json:"definitionId,omitempty"`
	ThreadID     string    `json:"threadId,omitempty"`
	FollowUpID   string    `json:"followUpId,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers change events to out-of-process consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// ChannelFor routes definition-scoped events to the definition channel and
// everything else to the workspace channel.
func ChannelFor(event Event) string {
	if event.DefinitionID != "" {
		return "pulseboard:def:" + event.DefinitionID
	}
	return "pulseboard:ws:" + event.WorkspaceID
}
