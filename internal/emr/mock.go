package emr

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
)

// MockFetcher serves canned records per patient, for tests and local runs.
type MockFetcher struct {
	mu      sync.RWMutex
	records map[string]map[string][]RawRecord // patient -> category -> records
	fail    error
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{records: make(map[string]map[string][]RawRecord)}
}

// Seed registers records for one patient and category ("medications",
// "conditions", "care_plans", "notes", "labs").
func (m *MockFetcher) Seed(patientID, category string, records []RawRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCategory, ok := m.records[patientID]
	if !ok {
		byCategory = make(map[string][]RawRecord)
		m.records[patientID] = byCategory
	}
	byCategory[category] = records
}

// FailWith makes every subsequent call return err; nil restores normal
// operation. Used to drive the circuit breaker in tests.
func (m *MockFetcher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MockFetcher) get(ctx context.Context, patientID, category string) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return m.records[patientID][category], nil
}

func (m *MockFetcher) FetchMedications(ctx context.Context, patientID string) ([]RawRecord, error) {
	return m.get(ctx, patientID, "medications")
}

func (m *MockFetcher) FetchConditions(ctx context.Context, patientID string) ([]RawRecord, error) {
	return m.get(ctx, patientID, "conditions")
}

func (m *MockFetcher) FetchCarePlans(ctx context.Context, patientID string) ([]RawRecord, error) {
	return m.get(ctx, patientID, "care_plans")
}

func (m *MockFetcher) FetchNotes(ctx context.Context, patientID string) ([]RawRecord, error) {
	return m.get(ctx, patientID, "notes")
}

func (m *MockFetcher) FetchLabs(ctx context.Context, patientID string) ([]RawRecord, error) {
	return m.get(ctx, patientID, "labs")
}

// HashEmbedder derives a deterministic pseudo-embedding from the text hash.
// Texts sharing word stems land nowhere near each other, so it is only
// useful where determinism matters more than semantics: tests and offline
// development.
type HashEmbedder struct {
	Dimension int
	mu        sync.Mutex
	calls     int
	fail      error
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedder{Dimension: dimension}
}

func (h *HashEmbedder) FailWith(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = err
}

// Calls reports how many times Embed reached this embedder, which is how
// tests observe cache hits.
func (h *HashEmbedder) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.calls++
	fail := h.fail
	h.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	vector := make([]float32, h.Dimension)
	seed := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	var norm float64
	for i := range vector {
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		v := float32(int32(binary.BigEndian.Uint32(block[:4]))) / float32(math.MaxInt32)
		vector[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

// TemplateGenerator is the offline Generator: it answers by echoing the
// cited spans from the prompt, which trivially satisfies the verbatim
// citation requirement.
type TemplateGenerator struct {
	mu   sync.Mutex
	fail error
}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

func (g *TemplateGenerator) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *TemplateGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	fail := g.fail
	g.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	text := extractCitedSpans(prompt)
	if text == "" {
		text = "No supporting clinical records were found for this question."
	}
	if opts.MaxTokens > 0 && len(text) > opts.MaxTokens*4 {
		text = text[:opts.MaxTokens*4]
	}
	return &Generation{Text: text, Tokens: len(strings.Fields(text))}, nil
}

// extractCitedSpans collects the text between [CITE] and [/CITE] markers.
func extractCitedSpans(prompt string) string {
	var spans []string
	rest := prompt
	for {
		start := strings.Index(rest, "[CITE]")
		if start < 0 {
			break
		}
		rest = rest[start+len("[CITE]"):]
		end := strings.Index(rest, "[/CITE]")
		if end < 0 {
			break
		}
		spans = append(spans, strings.TrimSpace(rest[:end]))
		rest = rest[end+len("[/CITE]"):]
	}
	if len(spans) == 0 {
		return ""
	}
	return fmt.Sprintf("Based on the patient's records: %s", strings.Join(spans, " "))
}
