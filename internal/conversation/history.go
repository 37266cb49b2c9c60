package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinrag/internal/apperrors"
	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

// HistoryStore persists one row per answered question, with the quality
// metrics filled in later by the evaluation layer.
type HistoryStore struct {
	db     *sql.DB
	logger logging.Logger

	trigramChecked   bool
	trigramAvailable bool
}

// NewHistoryStore wraps a Postgres handle.
func NewHistoryStore(db *sql.DB, logger logging.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logging.OrNoop(logger)}
}

// Migrate creates the conversation_history table and its indexes. The
// pg_trgm index is attempted but optional; similarity search degrades to
// plaintext matching without it.
func (h *HistoryStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS conversation_history (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		query TEXT NOT NULL,
		query_intent TEXT,
		query_timestamp TIMESTAMPTZ NOT NULL,
		short_answer TEXT NOT NULL,
		detailed_summary TEXT,
		model_used TEXT,
		extractions JSONB,
		sources JSONB,
		retrieval_candidates JSONB,
		grounding_score DOUBLE PRECISION DEFAULT 0,
		consistency_score DOUBLE PRECISION DEFAULT 0,
		confidence_score DOUBLE PRECISION DEFAULT 0,
		hallucination_risk DOUBLE PRECISION DEFAULT 0,
		overall_quality_score DOUBLE PRECISION DEFAULT 0,
		enrichment_enabled BOOLEAN DEFAULT FALSE,
		multi_hop_enabled BOOLEAN DEFAULT FALSE,
		reasoning_enabled BOOLEAN DEFAULT FALSE,
		execution_time_ms BIGINT DEFAULT 0,
		retrieval_time_ms BIGINT DEFAULT 0,
		generation_time_ms BIGINT DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_patient ON conversation_history(patient_id, query_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_history_quality ON conversation_history(overall_quality_score);`
	if _, err := h.db.ExecContext(ctx, schema); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "conversation_history migration failed", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm;
		 CREATE INDEX IF NOT EXISTS idx_history_query_trgm ON conversation_history USING gin (query gin_trgm_ops)`); err != nil {
		h.logger.Warn("pg_trgm unavailable, similarity search will use plaintext matching", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// Insert writes a new history row, assigning the id when missing.
func (h *HistoryStore) Insert(ctx context.Context, rec *types.ConversationRecord) error {
	if rec.PatientID == "" || rec.Query == "" {
		return apperrors.New(apperrors.KindValidation, "history record needs patient_id and query")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	extractions, err := json.Marshal(rec.Extractions)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal extractions", err)
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal sources", err)
	}
	candidates, err := json.Marshal(rec.RetrievalCandidates)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal candidates", err)
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO conversation_history (
			id, patient_id, query, query_intent, query_timestamp,
			short_answer, detailed_summary, model_used,
			extractions, sources, retrieval_candidates,
			grounding_score, consistency_score, confidence_score,
			hallucination_risk, overall_quality_score,
			enrichment_enabled, multi_hop_enabled, reasoning_enabled,
			execution_time_ms, retrieval_time_ms, generation_time_ms,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		rec.ID, rec.PatientID, rec.Query, string(rec.QueryIntent), rec.QueryTimestamp,
		rec.ShortAnswer, rec.DetailedSummary, rec.ModelUsed,
		extractions, sources, candidates,
		rec.GroundingScore, rec.ConsistencyScore, rec.ConfidenceScore,
		rec.HallucinationRisk, rec.OverallQualityScore,
		rec.EnrichmentEnabled, rec.MultiHopEnabled, rec.ReasoningEnabled,
		rec.ExecutionTimeMs, rec.RetrievalTimeMs, rec.GenerationTimeMs,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "insert history row", err)
	}
	return nil
}

// UpdateMetrics applies externally computed quality scores to a row.
func (h *HistoryStore) UpdateMetrics(ctx context.Context, id string, metrics types.QualityMetrics) error {
	res, err := h.db.ExecContext(ctx, `
		UPDATE conversation_history SET
			grounding_score = $2, consistency_score = $3, confidence_score = $4,
			hallucination_risk = $5, overall_quality_score = $6, updated_at = $7
		WHERE id = $1`,
		id, metrics.GroundingScore, metrics.ConsistencyScore, metrics.ConfidenceScore,
		metrics.HallucinationRisk, metrics.OverallQualityScore, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "update history metrics", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Newf(apperrors.KindNotFound, "history row %s not found", id)
	}
	return nil
}

const historySelect = `
	SELECT id, patient_id, query, query_intent, query_timestamp,
		short_answer, detailed_summary, model_used,
		extractions, sources, retrieval_candidates,
		grounding_score, consistency_score, confidence_score,
		hallucination_risk, overall_quality_score,
		enrichment_enabled, multi_hop_enabled, reasoning_enabled,
		execution_time_ms, retrieval_time_ms, generation_time_ms,
		created_at, updated_at
	FROM conversation_history`

// GetByPatient lists a patient's history newest first.
func (h *HistoryStore) GetByPatient(ctx context.Context, patientID string, limit, offset int) ([]*types.ConversationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx,
		historySelect+` WHERE patient_id = $1 ORDER BY query_timestamp DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "query history", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindSimilar returns past questions resembling the given one, using
// trigram similarity when pg_trgm is installed and ILIKE otherwise.
func (h *HistoryStore) FindSimilar(ctx context.Context, patientID, query string, limit int) ([]*types.ConversationRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	if h.trigramSupported(ctx) {
		rows, err := h.db.QueryContext(ctx,
			historySelect+` WHERE patient_id = $1 AND similarity(query, $2) > 0.3
			 ORDER BY similarity(query, $2) DESC LIMIT $3`,
			patientID, query, limit)
		if err == nil {
			defer rows.Close()
			return scanRecords(rows)
		}
		h.logger.Warn("trigram similarity query failed, falling back to plaintext", map[string]interface{}{
			"error": err.Error(),
		})
	}
	rows, err := h.db.QueryContext(ctx,
		historySelect+` WHERE patient_id = $1 AND query ILIKE $2
		 ORDER BY query_timestamp DESC LIMIT $3`,
		patientID, "%"+likeEscape(query)+"%", limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "similar-query search", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LowQuality lists rows under the quality threshold, worst first.
func (h *HistoryStore) LowQuality(ctx context.Context, threshold float64, limit int) ([]*types.ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		historySelect+` WHERE overall_quality_score < $1
		 ORDER BY overall_quality_score ASC LIMIT $2`,
		threshold, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "low-quality query", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Trends aggregates quality metrics over a time range for one patient.
func (h *HistoryStore) Trends(ctx context.Context, patientID string, from, to time.Time) (*types.QualityTrends, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(AVG(grounding_score), 0),
			COALESCE(AVG(consistency_score), 0),
			COALESCE(AVG(confidence_score), 0),
			COALESCE(AVG(hallucination_risk), 0),
			COALESCE(AVG(overall_quality_score), 0),
			COUNT(*) FILTER (WHERE grounding_score < 0.5),
			COUNT(*) FILTER (WHERE overall_quality_score < 0.5),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY execution_time_ms), 0)
		FROM conversation_history
		WHERE patient_id = $1 AND query_timestamp >= $2 AND query_timestamp <= $3`,
		patientID, from, to)

	var t types.QualityTrends
	var p95 float64
	if err := row.Scan(&t.Count, &t.AvgGrounding, &t.AvgConsistency, &t.AvgConfidence,
		&t.AvgHallucinationRisk, &t.AvgOverallQuality,
		&t.LowGroundingCount, &t.LowQualityCount, &p95); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "trend aggregation", err)
	}
	t.P95LatencyMs = int64(p95)
	return &t, nil
}

// trigramSupported probes for pg_trgm once and caches the answer.
func (h *HistoryStore) trigramSupported(ctx context.Context) bool {
	if h.trigramChecked {
		return h.trigramAvailable
	}
	var installed bool
	err := h.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`).Scan(&installed)
	h.trigramChecked = true
	h.trigramAvailable = err == nil && installed
	return h.trigramAvailable
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanRecords(rows *sql.Rows) ([]*types.ConversationRecord, error) {
	var out []*types.ConversationRecord
	for rows.Next() {
		var (
			rec                             types.ConversationRecord
			intent                          sql.NullString
			summary, model                  sql.NullString
			extractions, sources, cands     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.Query, &intent, &rec.QueryTimestamp,
			&rec.ShortAnswer, &summary, &model,
			&extractions, &sources, &cands,
			&rec.GroundingScore, &rec.ConsistencyScore, &rec.ConfidenceScore,
			&rec.HallucinationRisk, &rec.OverallQualityScore,
			&rec.EnrichmentEnabled, &rec.MultiHopEnabled, &rec.ReasoningEnabled,
			&rec.ExecutionTimeMs, &rec.RetrievalTimeMs, &rec.GenerationTimeMs,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan history row", err)
		}
		rec.QueryIntent = types.QueryIntent(intent.String)
		rec.DetailedSummary = summary.String
		rec.ModelUsed = model.String
		if err := unmarshalJSON(extractions, &rec.Extractions); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sources, &rec.Sources); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(cands, &rec.RetrievalCandidates); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "iterate history rows", err)
	}
	return out, nil
}

func unmarshalJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, fmt.Sprintf("decode history column %T", dst), err)
	}
	return nil
}
