package types

import "time"

// ExtractionProvenance ties a structured extraction back to the chunk and char
// span that justify it.
type ExtractionProvenance struct {
	ArtifactID     string `json:"artifact_id"`
	ChunkID        string `json:"chunk_id"`
	StartOffset    int    `json:"start_offset"`
	EndOffset      int    `json:"end_offset"`
	SupportingText string `json:"supporting_text,omitempty"`
}

// Extraction is one structured fact pulled out of the generated answer.
type Extraction struct {
	Type       string                `json:"type"`
	Content    string                `json:"content"`
	Provenance *ExtractionProvenance `json:"provenance,omitempty"`
}

// Provenance is a formatted source reference shown alongside an answer.
type Provenance struct {
	ArtifactID     string       `json:"artifact_id"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	ChunkID        string       `json:"chunk_id,omitempty"`
	Snippet        string       `json:"snippet"`
	NoteDate       string       `json:"note_date,omitempty"`
	Author         string       `json:"author,omitempty"`
	SourceURL      string       `json:"source_url,omitempty"`
	StartOffset    int          `json:"start_offset,omitempty"`
	EndOffset      int          `json:"end_offset,omitempty"`
	RelevanceScore float64      `json:"relevance_score"`
}

// ConfidenceComponents are the three inputs to the fixed confidence formula.
type ConfidenceComponents struct {
	AvgRetrievalScore float64 `json:"avg_retrieval_score"`
	ExtractionQuality float64 `json:"extraction_quality"`
	SupportDensity    float64 `json:"support_density"`
}

// Confidence is the calibrated score attached to every answer.
type Confidence struct {
	Score      float64              `json:"score"`
	Label      string               `json:"label"` // "high", "medium", "low"
	Components ConfidenceComponents `json:"components"`
	Reason     string               `json:"reason,omitempty"`
}

// ResponseMetadata carries request-level timing and accounting.
type ResponseMetadata struct {
	PatientID         string `json:"patient_id,omitempty"`
	QueryTimestamp    string `json:"query_timestamp"`
	ResponseTimestamp string `json:"response_timestamp,omitempty"`
	ErrorTimestamp    string `json:"error_timestamp,omitempty"`
	TotalTimeMs       int64  `json:"total_time_ms,omitempty"`
	SourcesCount      int    `json:"sources_count,omitempty"`
	ModelUsed         string `json:"model_used,omitempty"`
}

// ResponseAudit records which pipeline components produced an answer.
type ResponseAudit struct {
	QueryID            string            `json:"query_id,omitempty"`
	ComponentsExecuted []string          `json:"components_executed,omitempty"`
	PipelineVersion    string            `json:"pipeline_version,omitempty"`
	Timestamps         map[string]string `json:"timestamps,omitempty"`
}

// UIResponse is the success envelope emitted to the caller.
type UIResponse struct {
	QueryID              string           `json:"query_id"`
	ShortAnswer          string           `json:"short_answer"`
	DetailedSummary      string           `json:"detailed_summary,omitempty"`
	StructuredExtraction []Extraction     `json:"structured_extractions,omitempty"`
	Provenance           []Provenance     `json:"provenance,omitempty"`
	Confidence           Confidence       `json:"confidence"`
	Metadata             ResponseMetadata `json:"metadata"`
	Audit                ResponseAudit    `json:"audit"`
}

// ErrorDetail is the machine- and user-facing description of a failure.
type ErrorDetail struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	UserMessage string                 `json:"user_message"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the failure envelope emitted to the caller.
type ErrorResponse struct {
	QueryID  string           `json:"query_id"`
	Error    ErrorDetail      `json:"error"`
	Metadata ResponseMetadata `json:"metadata"`
	Audit    ResponseAudit    `json:"audit"`
}

// AuditEntry is one append-only log record, one per query.
type AuditEntry struct {
	QueryID         string    `json:"query_id"`
	Timestamp       time.Time `json:"timestamp"`
	PatientID       string    `json:"patient_id"`
	QueryText       string    `json:"query_text"`
	ResponseSummary string    `json:"response_summary,omitempty"`
	SourcesUsed     []string  `json:"sources_used,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	TotalTimeMs     int64     `json:"total_time_ms"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
}
