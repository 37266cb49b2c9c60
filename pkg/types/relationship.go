package types

import (
	"errors"
	"fmt"
	"time"
)

// RelationshipType defines the clinical link between two artifacts.
type RelationshipType string

const (
	RelMedicationIndication  RelationshipType = "medication_indication"
	RelProcedureDiagnosis    RelationshipType = "procedure_diagnosis"
	RelCarePlanCondition     RelationshipType = "care_plan_condition"
	RelLabCondition          RelationshipType = "lab_condition"
	RelSymptomDiagnosis      RelationshipType = "symptom_diagnosis"
	RelMedicationInteraction RelationshipType = "medication_interaction"
)

// Valid returns true for recognized relationship types.
func (rt RelationshipType) Valid() bool {
	switch rt {
	case RelMedicationIndication, RelProcedureDiagnosis, RelCarePlanCondition,
		RelLabCondition, RelSymptomDiagnosis, RelMedicationInteraction:
		return true
	}
	return false
}

// ClinicalRelationship is a typed directed edge between two artifacts of the
// same patient. Confidence is deterministic given the extraction method and
// its inputs.
type ClinicalRelationship struct {
	RelationshipID     string           `json:"relationship_id"`
	RelationshipType   RelationshipType `json:"relationship_type"`
	SourceArtifactID   string           `json:"source_artifact_id"`
	SourceArtifactType ArtifactType     `json:"source_artifact_type"`
	SourceEntityText   string           `json:"source_entity_text,omitempty"`
	TargetArtifactID   string           `json:"target_artifact_id"`
	TargetArtifactType ArtifactType     `json:"target_artifact_type"`
	TargetEntityText   string           `json:"target_entity_text,omitempty"`
	PatientID          string           `json:"patient_id"`
	ConfidenceScore    float64          `json:"confidence_score"`
	ExtractionMethod   EnrichmentMethod `json:"extraction_method"`
	EstablishedAt      time.Time        `json:"established_at"`
	EndedAt            *time.Time       `json:"ended_at,omitempty"`
	ClinicalNotes      string           `json:"clinical_notes,omitempty"`
	EvidenceChunkIDs   []string         `json:"evidence_chunk_ids,omitempty"`
}

// Validate checks relationship invariants: distinct endpoints, a patient
// owner, a recognized type, and an in-range confidence.
func (r *ClinicalRelationship) Validate() error {
	if r.RelationshipID == "" {
		return errors.New("relationship_id cannot be empty")
	}
	if !r.RelationshipType.Valid() {
		return fmt.Errorf("invalid relationship type: %s", r.RelationshipType)
	}
	if r.SourceArtifactID == "" || r.TargetArtifactID == "" {
		return errors.New("relationship endpoints cannot be empty")
	}
	if r.SourceArtifactID == r.TargetArtifactID {
		return errors.New("relationship cannot point at its own source")
	}
	if r.PatientID == "" {
		return errors.New("relationship patient_id cannot be empty")
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score out of range: %f", r.ConfidenceScore)
	}
	if !r.ExtractionMethod.Valid() {
		return fmt.Errorf("invalid extraction method: %s", r.ExtractionMethod)
	}
	return nil
}
