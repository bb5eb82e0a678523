package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slide is a dated historical snapshot of a workspace dashboard. Temporal
// "as of" queries compare against its snapshot date.
type Slide struct {
	ID           string
	WorkspaceID  string
	Title        string
	SnapshotDate time.Time
	Position     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Definition is the canonical identity record for a metric or submetric.
// MetricKey/SubmetricKey are derived, never edited; SubmetricKey is "" for
// the metric itself. Display fields stay free-form.
type Definition struct {
	ID             string
	WorkspaceID    string
	MetricKey      string
	SubmetricKey   string
	Category       string
	MetricName     string
	Unit           string
	PreferredTrend string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DefinitionFields carries the non-identity fields of an ingestion payload.
// nil means the field was absent and must not overwrite stored content;
// a non-nil pointer (empty string included) was explicitly supplied.
type DefinitionFields struct {
	Category       *string
	MetricName     *string
	Unit           *string
	PreferredTrend *string
}

type MetricPoint struct {
	ID           int64
	DefinitionID string
	ObservedAt   time.Time
	Value        float64
	CreatedAt    time.Time
}

// Thread anchors a discussion to a whole definition (scope "entity", with an
// optional slide) or to one bucketed data point (scope "point"). The unused
// scope columns hold "" so the composite scope key stays unique.
type Thread struct {
	ID           string
	WorkspaceID  string
	DefinitionID string
	Scope        string
	SlideID      string
	BucketType   string
	BucketValue  string
	IsResolved   bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Comment struct {
	ID        string
	ThreadID  string
	UserID    string
	ParentID  *string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommentCursor is the keyset position for comment pagination.
type CommentCursor struct {
	CreatedAt time.Time
	ID        string
}

type FollowUp struct {
	ID                string
	WorkspaceID       string
	Number            int
	Identifier        string
	Title             string
	Description       string
	SlideID           *string
	DefinitionID      *string
	ThreadID          *string
	Status            string
	Priority          string
	ResolvedAtSlideID *string
	CreatedBy         string
	DueDate           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AssigneeIDs       []string
}

// FollowUpPatch carries a presence-aware update: nil fields are untouched.
// AssigneeIDs, when non-nil, replaces the assignee set wholesale.
type FollowUpPatch struct {
	Title             *string
	Description       *string
	Status            *string
	Priority          *string
	SlideID           *string
	DefinitionID      *string
	ThreadID          *string
	ResolvedAtSlideID *string
	DueDate           *time.Time
	AssigneeIDs       []string
	ClearDueDate      bool

	// ClearResolvedAtSlide nulls resolved_at_slide_id, which a *string
	// patch field cannot express.
	ClearResolvedAtSlide bool
}

// FollowUpFilter narrows listings; zero values mean "no restriction".
type FollowUpFilter struct {
	Status       string
	DefinitionID string
	AssigneeID   string
	// MaxSlideDate hides follow-ups whose creation slide is dated after it.
	// Items with no creation slide always pass.
	MaxSlideDate *time.Time
	Limit        int
}
