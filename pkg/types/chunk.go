package types

import (
	"errors"
	"fmt"
	"time"
)

// EntityType classifies a clinical entity recognized in chunk text.
type EntityType string

const (
	EntityMedication EntityType = "medication"
	EntityCondition  EntityType = "condition"
	EntitySymptom    EntityType = "symptom"
	EntityProcedure  EntityType = "procedure"
	EntityDosage     EntityType = "dosage"
)

// Valid returns true for recognized entity types.
func (et EntityType) Valid() bool {
	switch et {
	case EntityMedication, EntityCondition, EntitySymptom, EntityProcedure, EntityDosage:
		return true
	}
	return false
}

// Entity is one recognized clinical term with offsets relative to the text it
// was extracted from.
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Normalized string     `json:"normalized"`
}

// Chunk is a bounded slice of artifact text, the unit of retrieval. Search
// operates on EnrichedText when present while citations are always computed
// against ChunkText. ContextExpansionLevel is 0 for chunks whose EnrichedText
// is a real enriched rendering and >0 when it only carries overlap context
// from the preceding chunk.
type Chunk struct {
	ChunkID               string              `json:"chunk_id"`
	ArtifactID            string              `json:"artifact_id"`
	PatientID             string              `json:"patient_id"`
	ArtifactType          ArtifactType        `json:"artifact_type"`
	ChunkText             string              `json:"chunk_text"`
	EnrichedText          string              `json:"enriched_text,omitempty"`
	StartOffset           int                 `json:"start_offset"`
	EndOffset             int                 `json:"end_offset"`
	Entities              []Entity            `json:"entities,omitempty"`
	RelationshipIDs       []string            `json:"relationship_ids,omitempty"`
	ContextExpansionLevel int                 `json:"context_expansion_level"`
	ExtractedEntities     map[string][]string `json:"extracted_entities,omitempty"`
	OccurredAt            time.Time           `json:"occurred_at"`
	Author                string              `json:"author,omitempty"`
	SourceURL             string              `json:"source_url,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
}

// ChunkIDFor derives the deterministic chunk ID from its artifact and char
// offsets. Derivation makes collisions impossible for non-overlapping chunks
// of the same artifact.
func ChunkIDFor(artifactID string, start, end int) string {
	return fmt.Sprintf("%s:%d:%d", artifactID, start, end)
}

// SearchText returns the text retrieval should match against: the enriched
// text when present, the raw chunk text otherwise.
func (c *Chunk) SearchText() string {
	if c.EnrichedText != "" {
		return c.EnrichedText
	}
	return c.ChunkText
}

// Validate checks chunk invariants, including the offset ordering rule.
func (c *Chunk) Validate() error {
	if c.ChunkID == "" {
		return errors.New("chunk_id cannot be empty")
	}
	if c.ArtifactID == "" {
		return errors.New("chunk artifact_id cannot be empty")
	}
	if c.PatientID == "" {
		return errors.New("chunk patient_id cannot be empty")
	}
	if c.ChunkText == "" {
		return errors.New("chunk_text cannot be empty")
	}
	if c.StartOffset < 0 || c.StartOffset >= c.EndOffset {
		return fmt.Errorf("invalid chunk offsets [%d,%d)", c.StartOffset, c.EndOffset)
	}
	if c.ContextExpansionLevel < 0 || c.ContextExpansionLevel > 2 {
		return fmt.Errorf("invalid context_expansion_level: %d", c.ContextExpansionLevel)
	}
	return nil
}

// StoreResult reports the outcome of a bulk chunk store call. Failures on
// individual chunks never roll back the chunks stored before them.
type StoreResult struct {
	StoredCount  int               `json:"stored_count"`
	SkippedCount int               `json:"skipped_count"`
	Errors       map[string]string `json:"errors,omitempty"` // chunk_id -> error
}

// ChunkFilter describes the AND-combined predicates supported by chunk store
// queries. Zero values mean "no constraint".
type ChunkFilter struct {
	PatientID    string       `json:"patient_id,omitempty"`
	ArtifactID   string       `json:"artifact_id,omitempty"`
	ArtifactType ArtifactType `json:"artifact_type,omitempty"`
	DateFrom     time.Time    `json:"date_from,omitempty"`
	DateTo       time.Time    `json:"date_to,omitempty"`
	EntityType   EntityType   `json:"entity_type,omitempty"`
	EntityText   string       `json:"entity_text,omitempty"` // substring on normalized entity, case-insensitive
	Limit        int          `json:"limit,omitempty"`
	Offset       int          `json:"offset,omitempty"`
}

// ChunkStatistics summarizes the contents of a chunk store.
type ChunkStatistics struct {
	TotalChunks   int                  `json:"total_chunks"`
	ByType        map[ArtifactType]int `json:"by_type"`
	PatientCount  int                  `json:"patient_count"`
	ArtifactCount int                  `json:"artifact_count"`
	OldestDate    time.Time            `json:"oldest_date"`
	NewestDate    time.Time            `json:"newest_date"`
}
