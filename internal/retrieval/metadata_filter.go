// Package retrieval implements the query side of the pipeline: metadata
// pre-filtering, vector search, highlighting, and relationship-based
// multi-hop expansion.
package retrieval

import (
	"time"

	"clinrag/pkg/types"
)

// MetadataFilter holds compact indexes over a working set of chunks and
// answers AND-combined predicate lookups. Dates are high-cardinality, so
// date predicates scan the intermediate set linearly instead of holding an
// index per day.
type MetadataFilter struct {
	chunks    map[string]*types.Chunk
	byPatient map[string]map[string]bool
	byType    map[types.ArtifactType]map[string]bool
	byAuthor  map[string]map[string]bool
	byDate    map[string]map[string]bool // YYYY-MM-DD
}

// NewMetadataFilter indexes the working set. The filter keeps references to
// the provided chunks; callers must not mutate them afterwards.
func NewMetadataFilter(chunks []types.Chunk) *MetadataFilter {
	f := &MetadataFilter{
		chunks:    make(map[string]*types.Chunk, len(chunks)),
		byPatient: make(map[string]map[string]bool),
		byType:    make(map[types.ArtifactType]map[string]bool),
		byAuthor:  make(map[string]map[string]bool),
		byDate:    make(map[string]map[string]bool),
	}
	for i := range chunks {
		c := &chunks[i]
		f.chunks[c.ChunkID] = c
		addKey(f.byPatient, c.PatientID, c.ChunkID)
		if c.ArtifactType != "" {
			typeSet, ok := f.byType[c.ArtifactType]
			if !ok {
				typeSet = make(map[string]bool)
				f.byType[c.ArtifactType] = typeSet
			}
			typeSet[c.ChunkID] = true
		}
		if c.Author != "" {
			addKey(f.byAuthor, c.Author, c.ChunkID)
		}
		addKey(f.byDate, c.OccurredAt.UTC().Format("2006-01-02"), c.ChunkID)
	}
	return f
}

func addKey(index map[string]map[string]bool, key, chunkID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]bool)
		index[key] = set
	}
	set[chunkID] = true
}

// Predicates are the retrieval-time constraints derived from a structured
// query plus the mandatory patient scope.
type Predicates struct {
	PatientID    string
	ArtifactType types.ArtifactType
	Author       string
	DateFrom     time.Time
	DateTo       time.Time
}

// PredicatesFor derives the filter predicates from a structured query,
// always forcing the query's patient scope.
func PredicatesFor(query *types.StructuredQuery) Predicates {
	p := Predicates{PatientID: query.PatientID}
	if t, ok := query.Filters["artifact_type"]; ok {
		p.ArtifactType = types.ArtifactType(t)
	} else {
		p.ArtifactType = intentArtifactType(query.Intent)
	}
	if author, ok := query.Filters["author"]; ok {
		p.Author = author
	}
	if !query.TemporalFilter.IsZero() {
		p.DateFrom = query.TemporalFilter.From
		p.DateTo = query.TemporalFilter.To
	}
	return p
}

// intentArtifactType narrows retrieval by artifact type when the intent
// implies one.
func intentArtifactType(intent types.QueryIntent) types.ArtifactType {
	switch intent {
	case types.IntentRetrieveMedications:
		return types.ArtifactTypeMedication
	case types.IntentRetrieveConditions:
		return types.ArtifactTypeCondition
	case types.IntentRetrieveLabs:
		return types.ArtifactTypeLabObservation
	case types.IntentRetrieveCarePlans:
		return types.ArtifactTypeCarePlan
	case types.IntentRetrieveAllergies:
		return types.ArtifactTypeAllergy
	default:
		return ""
	}
}

// Apply returns the chunk-id set matching every non-zero predicate. Indexed
// predicates intersect first; date bounds then scan the survivors.
func (f *MetadataFilter) Apply(p Predicates) map[string]bool {
	var working map[string]bool

	if p.PatientID != "" {
		working = copySet(f.byPatient[p.PatientID])
	} else {
		working = make(map[string]bool, len(f.chunks))
		for id := range f.chunks {
			working[id] = true
		}
	}
	if p.ArtifactType != "" {
		working = intersect(working, f.byType[p.ArtifactType])
	}
	if p.Author != "" {
		working = intersect(working, f.byAuthor[p.Author])
	}
	if !p.DateFrom.IsZero() || !p.DateTo.IsZero() {
		for id := range working {
			c := f.chunks[id]
			if !p.DateFrom.IsZero() && c.OccurredAt.Before(p.DateFrom) {
				delete(working, id)
				continue
			}
			if !p.DateTo.IsZero() && c.OccurredAt.After(p.DateTo) {
				delete(working, id)
			}
		}
	}
	return working
}

// VectorStoreFilter is the structured pre-filter handed to the vector index.
type VectorStoreFilter struct {
	PatientID       string
	AllowedChunkIDs map[string]bool
}

// GetVectorStoreFilter emits the vector-index form of the predicates.
func (f *MetadataFilter) GetVectorStoreFilter(p Predicates) VectorStoreFilter {
	return VectorStoreFilter{
		PatientID:       p.PatientID,
		AllowedChunkIDs: f.Apply(p),
	}
}

// Chunk returns the indexed chunk by id, or nil.
func (f *MetadataFilter) Chunk(chunkID string) *types.Chunk {
	return f.chunks[chunkID]
}

// Size reports the working-set size.
func (f *MetadataFilter) Size() int { return len(f.chunks) }

func copySet(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k := range src {
		out[k] = true
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}
