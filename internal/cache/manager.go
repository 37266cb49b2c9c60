package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"clinrag/pkg/types"
)

// sweepInterval is how often the janitor evicts expired entries across all
// three layers.
const sweepInterval = 60 * time.Second

// PatientIndex is the cached pre-computed view of a patient's chunk IDs and
// index metadata used to skip re-filtering on repeated queries.
type PatientIndex struct {
	ChunkIDs []string               `json:"chunk_ids"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	BuiltAt  time.Time              `json:"built_at"`
}

// Config sizes the three layers.
type Config struct {
	EmbedSize    int
	EmbedTTL     time.Duration
	QuerySize    int
	QueryTTL     time.Duration
	PatientSize  int
	PatientTTL   time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		EmbedSize:   1000,
		EmbedTTL:    5 * time.Minute,
		QuerySize:   100,
		QueryTTL:    5 * time.Minute,
		PatientSize: 5,
		PatientTTL:  30 * time.Minute,
	}
}

// Manager owns the embedding, query-result, and patient-index caches and the
// janitor that sweeps them. Values are copies; the caches never hold the only
// reference to live data.
type Manager struct {
	embeddings *LRU
	queries    *LRU
	patients   *LRU
	stop       chan struct{}
}

// NewManager creates the three cache layers and starts the sweeper.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		embeddings: NewLRU(cfg.EmbedSize, cfg.EmbedTTL),
		queries:    NewLRU(cfg.QuerySize, cfg.QueryTTL),
		patients:   NewLRU(cfg.PatientSize, cfg.PatientTTL),
		stop:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

// EmbeddingKey derives the cache key for a text: SHA-256 of the normalized
// (trimmed, lowercased, whitespace-collapsed) text.
func EmbeddingKey(text string) string {
	return hashKey(normalizeText(text))
}

// QueryKey derives the deterministic cache key for a query execution:
// SHA-256 over normalized query, patient, and the JSON of the filters with
// sorted keys.
func QueryKey(query, patientID string, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]string, len(filters))
	for _, k := range keys {
		ordered[k] = filters[k]
	}
	filterJSON, _ := json.Marshal(ordered)

	return hashKey(normalizeText(query) + "|" + patientID + "|" + string(filterJSON))
}

// GetEmbedding returns a cached vector for a text, if present and fresh.
func (m *Manager) GetEmbedding(text string) ([]float32, bool) {
	v, ok := m.embeddings.Get(EmbeddingKey(text))
	if !ok {
		return nil, false
	}
	vec := v.([]float32)
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// SetEmbedding caches a vector for a text.
func (m *Manager) SetEmbedding(text string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	m.embeddings.Set(EmbeddingKey(text), stored)
}

// GetQueryResult returns a cached retrieval result for a query key.
func (m *Manager) GetQueryResult(key string) (*types.RetrievalResult, bool) {
	v, ok := m.queries.Get(key)
	if !ok {
		return nil, false
	}
	result := v.(types.RetrievalResult)
	return &result, true
}

// SetQueryResult caches a retrieval result under a query key.
func (m *Manager) SetQueryResult(key string, result *types.RetrievalResult) {
	if result == nil {
		return
	}
	m.queries.Set(key, *result)
}

// GetPatientIndex returns the cached index view for a patient.
func (m *Manager) GetPatientIndex(patientID string) (*PatientIndex, bool) {
	v, ok := m.patients.Get(patientID)
	if !ok {
		return nil, false
	}
	idx := v.(PatientIndex)
	return &idx, true
}

// SetPatientIndex caches the index view for a patient.
func (m *Manager) SetPatientIndex(patientID string, idx *PatientIndex) {
	if idx == nil {
		return
	}
	m.patients.Set(patientID, *idx)
}

// InvalidatePatient drops cached state for one patient after re-ingestion.
func (m *Manager) InvalidatePatient(patientID string) {
	m.patients.Delete(patientID)
}

// GetStats returns per-layer counters.
func (m *Manager) GetStats() map[string]Stats {
	return map[string]Stats{
		"embeddings":    m.embeddings.GetStats(),
		"query_results": m.queries.GetStats(),
		"patient_index": m.patients.GetStats(),
	}
}

// Stop halts the sweeper. Safe to call once.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.embeddings.CleanExpired()
			m.queries.CleanExpired()
			m.patients.CleanExpired()
		case <-m.stop:
			return
		}
	}
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
