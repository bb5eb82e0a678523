package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDefinition ResultType = "definition"
	ResultFollowUp   ResultType = "follow_up"
	ResultComment    ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	DefinitionID string     `json:"definitionId"`
	WorkspaceID  string     `json:"workspaceId"`
	Status       string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterWorkspaceID string
	Limit             int
	Offset            int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDefinition(d DefinitionRecord) error
	IndexFollowUp(f FollowUpRecord) error
	IndexComment(c CommentRecord) error
	DeleteDefinition(id string) error
	DeleteFollowUp(id string) error
	DeleteComment(id string) error
}

// DefinitionRecord is the data we index for a metric definition.
type DefinitionRecord struct {
	ID           string `json:"id"`
	MetricName   string `json:"metricName"`
	MetricKey    string `json:"metricKey"`
	SubmetricKey string `json:"submetricKey"`
	Category     string `json:"category"`
	Unit         string `json:"unit"`
	WorkspaceID  string `json:"workspaceId"`
}

// FollowUpRecord is the data we index for a follow-up.
type FollowUpRecord struct {
	ID           string `json:"id"`
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	DefinitionID string `json:"definitionId"`
	WorkspaceID  string `json:"workspaceId"`
}

// CommentRecord is the data we index for a comment. MetricName carries the
// display name of the definition the comment's thread hangs off, so hits can
// show where the conversation happened.
type CommentRecord struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	MetricName   string `json:"metricName"`
	ThreadID     string `json:"threadId"`
	DefinitionID string `json:"definitionId"`
	WorkspaceID  string `json:"workspaceId"`
}
