package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

// ErrNotFound is returned when no enrichment exists for an artifact.
var ErrNotFound = errors.New("enriched artifact not found")

// Store owns EnrichedArtifact and ClinicalRelationship persistence. A store
// call that writes both does so in a single transaction: either every row
// lands or none do.
type Store interface {
	StoreEnrichments(ctx context.Context, enriched []*types.EnrichedArtifact,
		rels []*types.ClinicalRelationship) error
	GetEnrichedArtifact(ctx context.Context, artifactID string) (*types.EnrichedArtifact, error)
	GetRelationshipsForArtifact(ctx context.Context, artifactID string) ([]*types.ClinicalRelationship, error)
	GetRelationshipsForPatient(ctx context.Context, patientID string) ([]*types.ClinicalRelationship, error)
	DeleteByPatient(ctx context.Context, patientID string) error
}

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	logger logging.Logger
}

func NewSQLStore(db *sql.DB, logger logging.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logging.OrNoop(logger)}
}

// Migrate creates the enrichment tables when they do not yet exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS enriched_artifacts (
			artifact_id          TEXT PRIMARY KEY,
			patient_id           TEXT NOT NULL,
			artifact_type        TEXT NOT NULL,
			occurred_at          TIMESTAMPTZ NOT NULL,
			original_text        TEXT NOT NULL,
			enriched_text        TEXT NOT NULL,
			extracted_entities   JSONB,
			clinical_context     JSONB,
			related_artifact_ids TEXT[],
			relationship_summary TEXT,
			enrichment_version   TEXT NOT NULL,
			enriched_at          TIMESTAMPTZ NOT NULL,
			enrichment_method    TEXT NOT NULL,
			completeness_score   DOUBLE PRECISION NOT NULL,
			context_depth_score  DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_enriched_patient ON enriched_artifacts (patient_id)`,
		`CREATE TABLE IF NOT EXISTS clinical_relationships (
			relationship_id      TEXT PRIMARY KEY,
			relationship_type    TEXT NOT NULL,
			source_artifact_id   TEXT NOT NULL,
			source_artifact_type TEXT NOT NULL,
			source_entity_text   TEXT,
			target_artifact_id   TEXT NOT NULL,
			target_artifact_type TEXT NOT NULL,
			target_entity_text   TEXT,
			patient_id           TEXT NOT NULL,
			confidence_score     DOUBLE PRECISION NOT NULL,
			extraction_method    TEXT NOT NULL,
			established_at       TIMESTAMPTZ NOT NULL,
			ended_at             TIMESTAMPTZ,
			clinical_notes       TEXT,
			evidence_chunk_ids   TEXT[]
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_patient ON clinical_relationships (patient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_source ON clinical_relationships (source_artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_target ON clinical_relationships (target_artifact_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating enrichment schema: %w", err)
		}
	}
	return nil
}

// StoreEnrichments upserts enriched artifacts by artifact_id and inserts
// relationships, all inside one transaction.
func (s *SQLStore) StoreEnrichments(ctx context.Context, enriched []*types.EnrichedArtifact,
	rels []*types.ClinicalRelationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning enrichment transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ea := range enriched {
		if err := s.upsertEnriched(ctx, tx, ea); err != nil {
			return err
		}
	}
	for _, rel := range rels {
		if err := s.upsertRelationship(ctx, tx, rel); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enrichment transaction: %w", err)
	}
	s.logger.Debug("stored enrichments", map[string]interface{}{
		"enriched_artifacts": len(enriched),
		"relationships":      len(rels),
	})
	return nil
}

func (s *SQLStore) upsertEnriched(ctx context.Context, tx *sql.Tx, ea *types.EnrichedArtifact) error {
	entitiesJSON, err := json.Marshal(ea.ExtractedEntities)
	if err != nil {
		return fmt.Errorf("marshaling extracted entities for %s: %w", ea.ArtifactID, err)
	}
	contextJSON, err := json.Marshal(ea.ClinicalContext)
	if err != nil {
		return fmt.Errorf("marshaling clinical context for %s: %w", ea.ArtifactID, err)
	}

	const query = `
		INSERT INTO enriched_artifacts (
			artifact_id, patient_id, artifact_type, occurred_at,
			original_text, enriched_text, extracted_entities, clinical_context,
			related_artifact_ids, relationship_summary, enrichment_version,
			enriched_at, enrichment_method, completeness_score, context_depth_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (artifact_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			artifact_type = EXCLUDED.artifact_type,
			occurred_at = EXCLUDED.occurred_at,
			original_text = EXCLUDED.original_text,
			enriched_text = EXCLUDED.enriched_text,
			extracted_entities = EXCLUDED.extracted_entities,
			clinical_context = EXCLUDED.clinical_context,
			related_artifact_ids = EXCLUDED.related_artifact_ids,
			relationship_summary = EXCLUDED.relationship_summary,
			enrichment_version = EXCLUDED.enrichment_version,
			enriched_at = EXCLUDED.enriched_at,
			enrichment_method = EXCLUDED.enrichment_method,
			completeness_score = EXCLUDED.completeness_score,
			context_depth_score = EXCLUDED.context_depth_score`

	_, err = tx.ExecContext(ctx, query,
		ea.ArtifactID, ea.PatientID, string(ea.ArtifactType), ea.OccurredAt,
		ea.OriginalText, ea.EnrichedText, entitiesJSON, contextJSON,
		pq.Array(ea.RelatedArtifactIDs), ea.RelationshipSummary, ea.EnrichmentVersion,
		ea.EnrichedAt, string(ea.EnrichmentMethod), ea.CompletenessScore, ea.ContextDepthScore,
	)
	if err != nil {
		return fmt.Errorf("upserting enriched artifact %s: %w", ea.ArtifactID, err)
	}
	return nil
}

func (s *SQLStore) upsertRelationship(ctx context.Context, tx *sql.Tx, rel *types.ClinicalRelationship) error {
	const query = `
		INSERT INTO clinical_relationships (
			relationship_id, relationship_type, source_artifact_id, source_artifact_type,
			source_entity_text, target_artifact_id, target_artifact_type, target_entity_text,
			patient_id, confidence_score, extraction_method, established_at,
			ended_at, clinical_notes, evidence_chunk_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (relationship_id) DO UPDATE SET
			confidence_score = EXCLUDED.confidence_score,
			extraction_method = EXCLUDED.extraction_method,
			ended_at = EXCLUDED.ended_at,
			clinical_notes = EXCLUDED.clinical_notes,
			evidence_chunk_ids = EXCLUDED.evidence_chunk_ids`

	_, err := tx.ExecContext(ctx, query,
		rel.RelationshipID, string(rel.RelationshipType), rel.SourceArtifactID,
		string(rel.SourceArtifactType), rel.SourceEntityText, rel.TargetArtifactID,
		string(rel.TargetArtifactType), rel.TargetEntityText, rel.PatientID,
		rel.ConfidenceScore, string(rel.ExtractionMethod), rel.EstablishedAt,
		rel.EndedAt, rel.ClinicalNotes, pq.Array(rel.EvidenceChunkIDs),
	)
	if err != nil {
		return fmt.Errorf("upserting relationship %s: %w", rel.RelationshipID, err)
	}
	return nil
}

func (s *SQLStore) GetEnrichedArtifact(ctx context.Context, artifactID string) (*types.EnrichedArtifact, error) {
	const query = `
		SELECT artifact_id, patient_id, artifact_type, occurred_at,
		       original_text, enriched_text, extracted_entities, clinical_context,
		       related_artifact_ids, relationship_summary, enrichment_version,
		       enriched_at, enrichment_method, completeness_score, context_depth_score
		FROM enriched_artifacts WHERE artifact_id = $1`

	var ea types.EnrichedArtifact
	var entitiesJSON, contextJSON []byte
	var relatedIDs pq.StringArray
	err := s.db.QueryRowContext(ctx, query, artifactID).Scan(
		&ea.ArtifactID, &ea.PatientID, &ea.ArtifactType, &ea.OccurredAt,
		&ea.OriginalText, &ea.EnrichedText, &entitiesJSON, &contextJSON,
		&relatedIDs, &ea.RelationshipSummary, &ea.EnrichmentVersion,
		&ea.EnrichedAt, &ea.EnrichmentMethod, &ea.CompletenessScore, &ea.ContextDepthScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading enriched artifact %s: %w", artifactID, err)
	}

	ea.RelatedArtifactIDs = []string(relatedIDs)
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &ea.ExtractedEntities); err != nil {
			s.logger.Warn("malformed extracted_entities row", map[string]interface{}{
				"artifact_id": artifactID, "error": err.Error(),
			})
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ea.ClinicalContext); err != nil {
			s.logger.Warn("malformed clinical_context row", map[string]interface{}{
				"artifact_id": artifactID, "error": err.Error(),
			})
		}
	}
	return &ea, nil
}

func (s *SQLStore) GetRelationshipsForArtifact(ctx context.Context, artifactID string) ([]*types.ClinicalRelationship, error) {
	const query = relationshipSelect + ` WHERE source_artifact_id = $1 OR target_artifact_id = $1
		ORDER BY source_artifact_id, target_artifact_id, relationship_type`
	return s.queryRelationships(ctx, query, artifactID)
}

func (s *SQLStore) GetRelationshipsForPatient(ctx context.Context, patientID string) ([]*types.ClinicalRelationship, error) {
	const query = relationshipSelect + ` WHERE patient_id = $1
		ORDER BY source_artifact_id, target_artifact_id, relationship_type`
	return s.queryRelationships(ctx, query, patientID)
}

const relationshipSelect = `
	SELECT relationship_id, relationship_type, source_artifact_id, source_artifact_type,
	       source_entity_text, target_artifact_id, target_artifact_type, target_entity_text,
	       patient_id, confidence_score, extraction_method, established_at,
	       ended_at, clinical_notes, evidence_chunk_ids
	FROM clinical_relationships`

func (s *SQLStore) queryRelationships(ctx context.Context, query string, args ...interface{}) ([]*types.ClinicalRelationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rels []*types.ClinicalRelationship
	for rows.Next() {
		var rel types.ClinicalRelationship
		var evidence pq.StringArray
		var sourceText, targetText, notes sql.NullString
		err := rows.Scan(
			&rel.RelationshipID, &rel.RelationshipType, &rel.SourceArtifactID,
			&rel.SourceArtifactType, &sourceText, &rel.TargetArtifactID,
			&rel.TargetArtifactType, &targetText, &rel.PatientID,
			&rel.ConfidenceScore, &rel.ExtractionMethod, &rel.EstablishedAt,
			&rel.EndedAt, &notes, &evidence,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		rel.SourceEntityText = sourceText.String
		rel.TargetEntityText = targetText.String
		rel.ClinicalNotes = notes.String
		rel.EvidenceChunkIDs = []string(evidence)
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

func (s *SQLStore) DeleteByPatient(ctx context.Context, patientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clinical_relationships WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("deleting relationships for %s: %w", patientID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM enriched_artifacts WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("deleting enriched artifacts for %s: %w", patientID, err)
	}
	return tx.Commit()
}

// MemoryStore is the in-process Store used by tests and single-node deploys
// without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	enriched map[string]*types.EnrichedArtifact
	rels     map[string]*types.ClinicalRelationship
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enriched: make(map[string]*types.EnrichedArtifact),
		rels:     make(map[string]*types.ClinicalRelationship),
	}
}

func (m *MemoryStore) StoreEnrichments(_ context.Context, enriched []*types.EnrichedArtifact,
	rels []*types.ClinicalRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ea := range enriched {
		if err := ea.Validate(); err != nil {
			return err
		}
	}
	for _, rel := range rels {
		if err := rel.Validate(); err != nil {
			return err
		}
	}
	for _, ea := range enriched {
		copied := *ea
		m.enriched[ea.ArtifactID] = &copied
	}
	for _, rel := range rels {
		copied := *rel
		m.rels[rel.RelationshipID] = &copied
	}
	return nil
}

func (m *MemoryStore) GetEnrichedArtifact(_ context.Context, artifactID string) (*types.EnrichedArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ea, ok := m.enriched[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *ea
	return &copied, nil
}

func (m *MemoryStore) GetRelationshipsForArtifact(_ context.Context, artifactID string) ([]*types.ClinicalRelationship, error) {
	return m.filterRels(func(rel *types.ClinicalRelationship) bool {
		return rel.SourceArtifactID == artifactID || rel.TargetArtifactID == artifactID
	}), nil
}

func (m *MemoryStore) GetRelationshipsForPatient(_ context.Context, patientID string) ([]*types.ClinicalRelationship, error) {
	return m.filterRels(func(rel *types.ClinicalRelationship) bool {
		return rel.PatientID == patientID
	}), nil
}

func (m *MemoryStore) filterRels(match func(*types.ClinicalRelationship) bool) []*types.ClinicalRelationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ClinicalRelationship
	for _, rel := range m.rels {
		if match(rel) {
			copied := *rel
			out = append(out, &copied)
		}
	}
	sortRelationships(out)
	return out
}

func (m *MemoryStore) DeleteByPatient(_ context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ea := range m.enriched {
		if ea.PatientID == patientID {
			delete(m.enriched, id)
		}
	}
	for id, rel := range m.rels {
		if rel.PatientID == patientID {
			delete(m.rels, id)
		}
	}
	return nil
}
