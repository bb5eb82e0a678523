package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxDefinitions = "pulseboard_definitions"
	idxFollowUps   = "pulseboard_followups"
	idxComments    = "pulseboard_comments"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns nil if the initial connection fails (caller should proceed without it).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxDefinitions,
			primaryKey: "id",
			filterable: []string{"workspaceId", "category"},
			searchable: []string{"metricName", "category", "metricKey", "submetricKey", "unit"},
		},
		{
			uid:        idxFollowUps,
			primaryKey: "id",
			filterable: []string{"workspaceId", "status", "priority", "definitionId"},
			searchable: []string{"identifier", "title", "description"},
		},
		{
			uid:        idxComments,
			primaryKey: "id",
			filterable: []string{"workspaceId", "definitionId"},
			searchable: []string{"body", "metricName"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxDefinitions, ResultDefinition},
		{idxFollowUps, ResultFollowUp},
		{idxComments, ResultComment},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterWorkspaceID != "" {
			filters = append(filters, fmt.Sprintf("workspaceId = %q", q.FilterWorkspaceID))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxDefinitions:
		return ResultDefinition
	case idxFollowUps:
		return ResultFollowUp
	case idxComments:
		return ResultComment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.DefinitionID = decodeString(hit, "definitionId")
	r.WorkspaceID = decodeString(hit, "workspaceId")

	switch rtyp {
	case ResultDefinition:
		r.Title = firstNonBlank(decodeFormattedString(hit, "metricName"), decodeString(hit, "metricName"), decodeString(hit, "metricKey"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "category"), decodeString(hit, "category"))
		r.DefinitionID = r.ID // definition's own ID
	case ResultFollowUp:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		if identifier := decodeString(hit, "identifier"); identifier != "" {
			r.Title = identifier + " " + r.Title
		}
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.Status = decodeString(hit, "status")
	case ResultComment:
		r.Title = firstNonBlank(decodeFormattedString(hit, "metricName"), decodeString(hit, "metricName"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDefinition adds or updates a metric definition in the search index.
func (m *Meili) IndexDefinition(d DefinitionRecord) error {
	_, err := m.client.Index(idxDefinitions).AddDocuments([]DefinitionRecord{d}, nil)
	return err
}

// IndexFollowUp adds or updates a follow-up in the search index.
func (m *Meili) IndexFollowUp(f FollowUpRecord) error {
	_, err := m.client.Index(idxFollowUps).AddDocuments([]FollowUpRecord{f}, nil)
	return err
}

// IndexComment adds or updates a comment in the search index.
func (m *Meili) IndexComment(c CommentRecord) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{c}, nil)
	return err
}

// DeleteDefinition removes a metric definition from the search index.
func (m *Meili) DeleteDefinition(id string) error {
	_, err := m.client.Index(idxDefinitions).DeleteDocument(id, nil)
	return err
}

// DeleteFollowUp removes a follow-up from the search index.
func (m *Meili) DeleteFollowUp(id string) error {
	_, err := m.client.Index(idxFollowUps).DeleteDocument(id, nil)
	return err
}

// DeleteComment removes a comment from the search index.
func (m *Meili) DeleteComment(id string) error {
	_, err := m.client.Index(idxComments).DeleteDocument(id, nil)
	return err
}

// IndexDefinitions bulk-indexes metric definitions.
func (m *Meili) IndexDefinitions(definitions []DefinitionRecord) error {
	if len(definitions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDefinitions).AddDocuments(definitions, nil)
	return err
}

// IndexFollowUps bulk-indexes follow-ups.
func (m *Meili) IndexFollowUps(followUps []FollowUpRecord) error {
	if len(followUps) == 0 {
		return nil
	}
	_, err := m.client.Index(idxFollowUps).AddDocuments(followUps, nil)
	return err
}

// IndexComments bulk-indexes comments.
func (m *Meili) IndexComments(comments []CommentRecord) error {
	if len(comments) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComments).AddDocuments(comments, nil)
	return err
}
