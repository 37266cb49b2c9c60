// Package types provides core data structures and type definitions for the
// clinical record retrieval pipeline: artifacts, chunks, relationships,
// queries, conversations, and response envelopes.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ArtifactType represents the kind of clinical record an artifact was
// normalized from.
type ArtifactType string

const (
	ArtifactTypeNote            ArtifactType = "note"
	ArtifactTypeDocument        ArtifactType = "document"
	ArtifactTypeMedication      ArtifactType = "medication"
	ArtifactTypeCondition       ArtifactType = "condition"
	ArtifactTypeAllergy         ArtifactType = "allergy"
	ArtifactTypeCarePlan        ArtifactType = "care_plan"
	ArtifactTypeFormResponse    ArtifactType = "form_response"
	ArtifactTypeMessage         ArtifactType = "message"
	ArtifactTypeLabObservation  ArtifactType = "lab_observation"
	ArtifactTypeVital           ArtifactType = "vital"
	ArtifactTypeAppointment     ArtifactType = "appointment"
	ArtifactTypeSuperbill       ArtifactType = "superbill"
	ArtifactTypeInsurancePolicy ArtifactType = "insurance_policy"
	ArtifactTypeTask            ArtifactType = "task"
	ArtifactTypeFamilyHistory   ArtifactType = "family_history"
	ArtifactTypeIntakeFlow      ArtifactType = "intake_flow"
	ArtifactTypeForm            ArtifactType = "form"
)

// Valid returns true if the artifact type is one of the recognized kinds.
func (at ArtifactType) Valid() bool {
	switch at {
	case ArtifactTypeNote, ArtifactTypeDocument, ArtifactTypeMedication,
		ArtifactTypeCondition, ArtifactTypeAllergy, ArtifactTypeCarePlan,
		ArtifactTypeFormResponse, ArtifactTypeMessage, ArtifactTypeLabObservation,
		ArtifactTypeVital, ArtifactTypeAppointment, ArtifactTypeSuperbill,
		ArtifactTypeInsurancePolicy, ArtifactTypeTask, ArtifactTypeFamilyHistory,
		ArtifactTypeIntakeFlow, ArtifactTypeForm:
		return true
	}
	return false
}

// Artifact is a normalized source record from the EMR. The Normalizer is the
// only producer; downstream components never see raw EMR payloads.
type Artifact struct {
	ID         string                 `json:"id"`
	PatientID  string                 `json:"patient_id"`
	Type       ArtifactType           `json:"type"`
	Author     string                 `json:"author,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Title      string                 `json:"title,omitempty"`
	Text       string                 `json:"text"`
	SourceURL  string                 `json:"source_url"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Validate checks the artifact invariants: non-empty identifiers and text,
// a recognized type, and an occurrence time no more than a day in the future.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return errors.New("artifact id cannot be empty")
	}
	if a.PatientID == "" {
		return errors.New("artifact patient_id cannot be empty")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("invalid artifact type: %s", a.Type)
	}
	if a.Text == "" {
		return errors.New("artifact text cannot be empty")
	}
	if a.OccurredAt.IsZero() {
		return errors.New("artifact occurred_at must be set")
	}
	if a.OccurredAt.After(time.Now().UTC().Add(24 * time.Hour)) {
		return fmt.Errorf("artifact occurred_at is in the future: %s", a.OccurredAt.Format(time.RFC3339))
	}
	return nil
}

// MetaString returns a string value from the opaque meta map, or "" when the
// key is absent or not a string.
func (a *Artifact) MetaString(key string) string {
	if a.Meta == nil {
		return ""
	}
	if s, ok := a.Meta[key].(string); ok {
		return s
	}
	return ""
}

// MetaStrings returns a string-slice value from the meta map. Both []string
// and []interface{} of strings are accepted since the normalizer preserves
// whatever shape the EMR sent.
func (a *Artifact) MetaStrings(key string) []string {
	if a.Meta == nil {
		return nil
	}
	switch v := a.Meta[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EnrichmentMethod describes how an enrichment or relationship was derived.
type EnrichmentMethod string

const (
	MethodExplicitAPI         EnrichmentMethod = "explicit_api"
	MethodLLMInferred         EnrichmentMethod = "llm_inferred"
	MethodTemporalCorrelation EnrichmentMethod = "temporal_correlation"
	MethodHybrid              EnrichmentMethod = "hybrid"
)

// Valid returns true for recognized enrichment methods.
func (em EnrichmentMethod) Valid() bool {
	switch em {
	case MethodExplicitAPI, MethodLLMInferred, MethodTemporalCorrelation, MethodHybrid:
		return true
	}
	return false
}

// EnrichedArtifact is the enricher's output for one artifact: the original
// text plus inlined clinical context, extracted entities, and quality scores.
// Re-enrichment replaces the whole record (upsert by artifact_id).
type EnrichedArtifact struct {
	ArtifactID          string                 `json:"artifact_id"`
	PatientID           string                 `json:"patient_id"`
	ArtifactType        ArtifactType           `json:"artifact_type"`
	OccurredAt          time.Time              `json:"occurred_at"`
	OriginalText        string                 `json:"original_text"`
	EnrichedText        string                 `json:"enriched_text"`
	ExtractedEntities   map[string][]string    `json:"extracted_entities,omitempty"`
	ClinicalContext     map[string]interface{} `json:"clinical_context,omitempty"`
	RelatedArtifactIDs  []string               `json:"related_artifact_ids,omitempty"`
	RelationshipSummary string                 `json:"relationship_summary,omitempty"`
	EnrichmentVersion   string                 `json:"enrichment_version"`
	EnrichedAt          time.Time              `json:"enriched_at"`
	EnrichmentMethod    EnrichmentMethod       `json:"enrichment_method"`
	CompletenessScore   float64                `json:"completeness_score"`
	ContextDepthScore   float64                `json:"context_depth_score"`
}

// Validate checks enriched-artifact invariants.
func (ea *EnrichedArtifact) Validate() error {
	if ea.ArtifactID == "" {
		return errors.New("enriched artifact_id cannot be empty")
	}
	if ea.PatientID == "" {
		return errors.New("enriched patient_id cannot be empty")
	}
	if ea.EnrichedText == "" {
		return errors.New("enriched_text cannot be empty")
	}
	if !ea.EnrichmentMethod.Valid() {
		return fmt.Errorf("invalid enrichment method: %s", ea.EnrichmentMethod)
	}
	if ea.CompletenessScore < 0 || ea.CompletenessScore > 1 {
		return fmt.Errorf("completeness_score out of range: %f", ea.CompletenessScore)
	}
	if ea.ContextDepthScore < 0 || ea.ContextDepthScore > 1 {
		return fmt.Errorf("context_depth_score out of range: %f", ea.ContextDepthScore)
	}
	return nil
}
