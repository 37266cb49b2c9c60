package types

import (
	"errors"
	"time"
)

// DefaultContextWindow is the number of turns a session retains.
const DefaultContextWindow = 5

// DefaultSessionTTL is how long a session stays readable after creation.
const DefaultSessionTTL = 30 * time.Minute

// Session is a conversational scope for one patient.
type Session struct {
	SessionID string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its TTL at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ConversationTurn is one question/answer pair within a session.
type ConversationTurn struct {
	Query           string    `json:"query"`
	ResponseSummary string    `json:"response_summary"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConversationContext is the sliding window of recent turns plus the
// carried-over query attributes used for follow-up resolution.
type ConversationContext struct {
	Turns              []ConversationTurn `json:"turns"`
	LastEntities       []Entity           `json:"last_entities,omitempty"`
	LastTemporalFilter *TemporalFilter    `json:"last_temporal_filter,omitempty"`
	LastIntent         QueryIntent        `json:"last_intent,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Validate checks the turn-window invariant.
func (cc *ConversationContext) Validate() error {
	if len(cc.Turns) > DefaultContextWindow {
		return errors.New("conversation context exceeds the turn window")
	}
	return nil
}

// ConversationRecord is the durable history row for one Q/A, with the quality
// metrics supplied by the evaluation layer. Grounding, consistency, and
// hallucination risk are stored and aggregated here, never computed here.
type ConversationRecord struct {
	ID                  string          `json:"id"`
	PatientID           string          `json:"patient_id"`
	Query               string          `json:"query"`
	QueryIntent         QueryIntent     `json:"query_intent,omitempty"`
	QueryTimestamp      time.Time       `json:"query_timestamp"`
	ShortAnswer         string          `json:"short_answer"`
	DetailedSummary     string          `json:"detailed_summary,omitempty"`
	ModelUsed           string          `json:"model_used,omitempty"`
	Extractions         []Extraction    `json:"extractions,omitempty"`
	Sources             []Provenance    `json:"sources,omitempty"`
	RetrievalCandidates []Candidate     `json:"retrieval_candidates,omitempty"`
	GroundingScore      float64         `json:"grounding_score"`
	ConsistencyScore    float64         `json:"consistency_score"`
	ConfidenceScore     float64         `json:"confidence_score"`
	HallucinationRisk   float64         `json:"hallucination_risk"`
	OverallQualityScore float64         `json:"overall_quality_score"`
	EnrichmentEnabled   bool            `json:"enrichment_enabled"`
	MultiHopEnabled     bool            `json:"multi_hop_enabled"`
	ReasoningEnabled    bool            `json:"reasoning_enabled"`
	ExecutionTimeMs     int64           `json:"execution_time_ms"`
	RetrievalTimeMs     int64           `json:"retrieval_time_ms"`
	GenerationTimeMs    int64           `json:"generation_time_ms"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// QualityMetrics carries the externally computed quality scores applied to an
// existing conversation record.
type QualityMetrics struct {
	GroundingScore      float64 `json:"grounding_score"`
	ConsistencyScore    float64 `json:"consistency_score"`
	ConfidenceScore     float64 `json:"confidence_score"`
	HallucinationRisk   float64 `json:"hallucination_risk"`
	OverallQualityScore float64 `json:"overall_quality_score"`
}

// QualityTrends aggregates history rows over a time range.
type QualityTrends struct {
	Count                int     `json:"count"`
	AvgGrounding         float64 `json:"avg_grounding"`
	AvgConsistency       float64 `json:"avg_consistency"`
	AvgConfidence        float64 `json:"avg_confidence"`
	AvgHallucinationRisk float64 `json:"avg_hallucination_risk"`
	AvgOverallQuality    float64 `json:"avg_overall_quality"`
	LowGroundingCount    int     `json:"low_grounding_count"`
	LowQualityCount      int     `json:"low_quality_count"`
	P95LatencyMs         int64   `json:"p95_latency_ms"`
}
