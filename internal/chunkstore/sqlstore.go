package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

// SQLStore implements Store on a database/sql handle. It speaks both
// PostgreSQL and SQLite: entity lists and id sets are stored as JSON text so
// the schema is identical across dialects, and only placeholder syntax
// differs.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	logger   logging.Logger
}

// NewPostgresStore wraps a PostgreSQL handle (github.com/lib/pq driver).
func NewPostgresStore(db *sql.DB, logger logging.Logger) *SQLStore {
	return &SQLStore{db: db, postgres: true, logger: logging.OrNoop(logger)}
}

// NewSQLiteStore wraps a SQLite handle (github.com/mattn/go-sqlite3 driver),
// the single-node embedded variant.
func NewSQLiteStore(db *sql.DB, logger logging.Logger) *SQLStore {
	return &SQLStore{db: db, postgres: false, logger: logging.OrNoop(logger)}
}

// rebind converts ?-placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Migrate creates the chunk_metadata table and its secondary indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	timestampType := "TIMESTAMPTZ"
	if !s.postgres {
		timestampType = "TIMESTAMP"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_metadata (
			chunk_id                TEXT PRIMARY KEY,
			artifact_id             TEXT NOT NULL,
			patient_id              TEXT NOT NULL,
			artifact_type           TEXT NOT NULL,
			chunk_text              TEXT NOT NULL,
			enriched_text           TEXT,
			start_offset            INTEGER NOT NULL,
			end_offset              INTEGER NOT NULL,
			entities                TEXT,
			relationship_ids        TEXT,
			context_expansion_level INTEGER NOT NULL DEFAULT 0,
			extracted_entities      TEXT,
			occurred_at             %s NOT NULL,
			author                  TEXT,
			source_url              TEXT,
			created_at              %s NOT NULL
		)`, timestampType, timestampType),
		`CREATE INDEX IF NOT EXISTS idx_chunk_artifact ON chunk_metadata (artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_patient ON chunk_metadata (patient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_occurred ON chunk_metadata (occurred_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating chunk schema: %w", err)
		}
	}
	return nil
}

// Store upserts chunks individually: one bad chunk is reported in the result
// while the rest of the batch still lands.
func (s *SQLStore) Store(ctx context.Context, chunks []types.Chunk) (*types.StoreResult, error) {
	const upsert = `
		INSERT INTO chunk_metadata (
			chunk_id, artifact_id, patient_id, artifact_type, chunk_text,
			enriched_text, start_offset, end_offset, entities, relationship_ids,
			context_expansion_level, extracted_entities, occurred_at, author,
			source_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id) DO UPDATE SET
			chunk_text = EXCLUDED.chunk_text,
			enriched_text = EXCLUDED.enriched_text,
			entities = EXCLUDED.entities,
			relationship_ids = EXCLUDED.relationship_ids,
			context_expansion_level = EXCLUDED.context_expansion_level,
			extracted_entities = EXCLUDED.extracted_entities,
			occurred_at = EXCLUDED.occurred_at,
			author = EXCLUDED.author,
			source_url = EXCLUDED.source_url`

	query := s.rebind(upsert)
	existsQuery := s.rebind(`SELECT EXISTS (SELECT 1 FROM chunk_metadata WHERE chunk_id = ?)`)
	result := &types.StoreResult{}
	for i := range chunks {
		c := &chunks[i]
		var existed bool
		if c.ChunkID != "" {
			if err := s.db.QueryRowContext(ctx, existsQuery, c.ChunkID).Scan(&existed); err != nil {
				existed = false
			}
		}
		if err := s.storeOne(ctx, query, c); err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[c.ChunkID] = err.Error()
			continue
		}
		if existed {
			result.SkippedCount++
		} else {
			result.StoredCount++
		}
	}
	if len(result.Errors) > 0 {
		s.logger.Warn("chunk batch stored with failures", map[string]interface{}{
			"stored": result.StoredCount, "failed": len(result.Errors),
		})
	}
	return result, nil
}

func (s *SQLStore) storeOne(ctx context.Context, query string, c *types.Chunk) error {
	if err := c.Validate(); err != nil {
		return err
	}
	entitiesJSON, err := json.Marshal(c.Entities)
	if err != nil {
		return fmt.Errorf("marshaling entities: %w", err)
	}
	relIDsJSON, err := json.Marshal(c.RelationshipIDs)
	if err != nil {
		return fmt.Errorf("marshaling relationship ids: %w", err)
	}
	extractedJSON, err := json.Marshal(c.ExtractedEntities)
	if err != nil {
		return fmt.Errorf("marshaling extracted entities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query,
		c.ChunkID, c.ArtifactID, c.PatientID, string(c.ArtifactType), c.ChunkText,
		c.EnrichedText, c.StartOffset, c.EndOffset, string(entitiesJSON), string(relIDsJSON),
		c.ContextExpansionLevel, string(extractedJSON), c.OccurredAt.UTC(), c.Author,
		c.SourceURL, c.CreatedAt.UTC(),
	)
	return err
}

const chunkColumns = `chunk_id, artifact_id, patient_id, artifact_type, chunk_text,
	enriched_text, start_offset, end_offset, entities, relationship_ids,
	context_expansion_level, extracted_entities, occurred_at, author, source_url, created_at`

func (s *SQLStore) Retrieve(ctx context.Context, chunkID string) (*types.Chunk, error) {
	query := s.rebind(`SELECT ` + chunkColumns + ` FROM chunk_metadata WHERE chunk_id = ?`)
	row := s.db.QueryRowContext(ctx, query, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving chunk %s: %w", chunkID, err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var c types.Chunk
	var entitiesJSON, relIDsJSON, extractedJSON sql.NullString
	var enriched, author, sourceURL sql.NullString
	err := row.Scan(
		&c.ChunkID, &c.ArtifactID, &c.PatientID, &c.ArtifactType, &c.ChunkText,
		&enriched, &c.StartOffset, &c.EndOffset, &entitiesJSON, &relIDsJSON,
		&c.ContextExpansionLevel, &extractedJSON, &c.OccurredAt, &author,
		&sourceURL, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.EnrichedText = enriched.String
	c.Author = author.String
	c.SourceURL = sourceURL.String
	if entitiesJSON.Valid && entitiesJSON.String != "" {
		if err := json.Unmarshal([]byte(entitiesJSON.String), &c.Entities); err != nil {
			return nil, fmt.Errorf("unmarshaling entities for %s: %w", c.ChunkID, err)
		}
	}
	if relIDsJSON.Valid && relIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(relIDsJSON.String), &c.RelationshipIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling relationship ids for %s: %w", c.ChunkID, err)
		}
	}
	if extractedJSON.Valid && extractedJSON.String != "" {
		if err := json.Unmarshal([]byte(extractedJSON.String), &c.ExtractedEntities); err != nil {
			return nil, fmt.Errorf("unmarshaling extracted entities for %s: %w", c.ChunkID, err)
		}
	}
	return &c, nil
}

// Query pushes the indexed predicates into SQL and applies the entity
// predicates in process, since entities live in a JSON column.
func (s *SQLStore) Query(ctx context.Context, filter types.ChunkFilter) ([]types.Chunk, error) {
	var conds []string
	var args []interface{}
	if filter.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.ArtifactID != "" {
		conds = append(conds, "artifact_id = ?")
		args = append(args, filter.ArtifactID)
	}
	if filter.ArtifactType != "" {
		conds = append(conds, "artifact_type = ?")
		args = append(args, string(filter.ArtifactType))
	}
	if !filter.DateFrom.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, filter.DateFrom.UTC())
	}
	if !filter.DateTo.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, filter.DateTo.UTC())
	}

	query := `SELECT ` + chunkColumns + ` FROM chunk_metadata`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC, chunk_id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if (filter.EntityType != "" || filter.EntityText != "") &&
			!hasEntityMatch(c, filter.EntityType, filter.EntityText) {
			continue
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *SQLStore) DeleteByArtifact(ctx context.Context, artifactID string) (int, error) {
	return s.deleteWhere(ctx, "artifact_id = ?", artifactID)
}

func (s *SQLStore) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	return s.deleteWhere(ctx, "patient_id = ?", patientID)
}

func (s *SQLStore) deleteWhere(ctx context.Context, cond string, arg interface{}) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM chunk_metadata WHERE `+cond), arg)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_metadata`)
	return err
}

func (s *SQLStore) GarbageCollect(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM chunk_metadata WHERE occurred_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("garbage collecting chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) GetStatistics(ctx context.Context) (*types.ChunkStatistics, error) {
	stats := &types.ChunkStatistics{ByType: make(map[types.ArtifactType]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT patient_id), COUNT(DISTINCT artifact_id)
		FROM chunk_metadata`).Scan(&stats.TotalChunks, &stats.PatientCount, &stats.ArtifactCount)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	if stats.TotalChunks == 0 {
		return stats, nil
	}

	// Aggregates lose the declared column type under SQLite, so scan loosely.
	var oldest, newest interface{}
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(occurred_at), MAX(occurred_at) FROM chunk_metadata`).Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("reading chunk date range: %w", err)
	}
	stats.OldestDate = coerceTime(oldest)
	stats.NewestDate = coerceTime(newest)

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_type, COUNT(*) FROM chunk_metadata GROUP BY artifact_type`)
	if err != nil {
		return nil, fmt.Errorf("counting chunks by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var artifactType string
		var count int
		if err := rows.Scan(&artifactType, &count); err != nil {
			return nil, err
		}
		stats.ByType[types.ArtifactType(artifactType)] = count
	}
	return stats, rows.Err()
}

func coerceTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case []byte:
		return coerceTime(string(t))
	}
	return time.Time{}
}
