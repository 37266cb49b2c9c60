package types

import (
	"errors"
	"time"
)

// QueryIntent classifies what a question is asking the pipeline to retrieve.
type QueryIntent string

const (
	IntentRetrieveMedications QueryIntent = "RETRIEVE_MEDICATIONS"
	IntentRetrieveConditions  QueryIntent = "RETRIEVE_CONDITIONS"
	IntentRetrieveLabs        QueryIntent = "RETRIEVE_LABS"
	IntentRetrieveCarePlans   QueryIntent = "RETRIEVE_CARE_PLANS"
	IntentRetrieveAllergies   QueryIntent = "RETRIEVE_ALLERGIES"
	IntentRetrieveTimeline    QueryIntent = "RETRIEVE_TIMELINE"
	IntentGeneralQuestion     QueryIntent = "GENERAL_QUESTION"
)

// TemporalFilter bounds a query to a time window. Either side may be open.
type TemporalFilter struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// IsZero reports whether the filter constrains nothing.
func (tf *TemporalFilter) IsZero() bool {
	return tf == nil || (tf.From.IsZero() && tf.To.IsZero())
}

// StructuredQuery is the compiled form of a user question, the retrieval
// contract between the conversation layer and the retriever.
type StructuredQuery struct {
	QueryID        string            `json:"query_id"`
	OriginalQuery  string            `json:"original_query"`
	PatientID      string            `json:"patient_id"`
	Intent         QueryIntent       `json:"intent"`
	Entities       []Entity          `json:"entities,omitempty"`
	TemporalFilter *TemporalFilter   `json:"temporal_filter,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	DetailLevel    int               `json:"detail_level"`
	ProcessedAt    time.Time         `json:"processed_at"`
}

// Validate checks the structured query invariants.
func (q *StructuredQuery) Validate() error {
	if q.QueryID == "" {
		return errors.New("query_id cannot be empty")
	}
	if q.PatientID == "" {
		return errors.New("query patient_id cannot be empty")
	}
	if q.OriginalQuery == "" {
		return errors.New("original_query cannot be empty")
	}
	if q.DetailLevel < 1 || q.DetailLevel > 5 {
		return errors.New("detail_level must be between 1 and 5")
	}
	return nil
}

// HighlightSpan marks a matched region of a snippet.
type HighlightSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Kind  string `json:"kind"` // "entity", "exact", "fuzzy"
}

// Candidate is one retrieved chunk with its similarity score and presentation
// fields. HopDistance is 0 for direct vector hits and grows with each
// relationship expansion.
type Candidate struct {
	Chunk            Chunk                  `json:"chunk"`
	Score            float64                `json:"score"`
	Snippet          string                 `json:"snippet,omitempty"`
	Highlights       []HighlightSpan        `json:"highlights,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Rank             int                    `json:"rank"`
	HopDistance      int                    `json:"hop_distance"`
	RelationshipPath []string               `json:"relationship_path,omitempty"`
}

// RetrievalResult is the retriever's answer to one structured query.
type RetrievalResult struct {
	Candidates      []Candidate `json:"candidates"`
	TotalSearched   int         `json:"total_searched"`
	FilteredCount   int         `json:"filtered_count"`
	RetrievalTimeMs int64       `json:"retrieval_time_ms"`
	QueryID         string      `json:"query_id"`
}
