package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/internal/apperrors"
	"clinrag/pkg/types"
)

func fixedNormalizer() *Normalizer {
	n := New()
	n.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestNormalizeCanonicalPayload(t *testing.T) {
	n := fixedNormalizer()

	artifact, err := n.Normalize(map[string]interface{}{
		"id":          "art-1",
		"patient_id":  "p-42",
		"type":        "note",
		"author":      "Dr. Chen",
		"occurred_at": "2025-03-01T09:30:00Z",
		"title":       "Follow-up",
		"text":        "Patient doing well.",
	})
	require.NoError(t, err)
	assert.Equal(t, "art-1", artifact.ID)
	assert.Equal(t, "p-42", artifact.PatientID)
	assert.Equal(t, types.ArtifactTypeNote, artifact.Type)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), artifact.OccurredAt)
}

func TestNormalizeResolvesAliases(t *testing.T) {
	n := fixedNormalizer()

	artifact, err := n.Normalize(map[string]interface{}{
		"document_id":     "doc-7",
		"mrn":             "p-9",
		"document_type":   "medication",
		"provider":        "Dr. Okafor",
		"prescribed_at":   "2025-01-10",
		"medication_name": "Lisinopril 10mg",
		"notes":           "Take once daily with water.",
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-7", artifact.ID)
	assert.Equal(t, "p-9", artifact.PatientID)
	assert.Equal(t, types.ArtifactTypeMedication, artifact.Type)
	assert.Equal(t, "Lisinopril 10mg", artifact.Title)
	assert.Equal(t, "Take once daily with water.", artifact.Text)
}

func TestNormalizeNestedContentBlock(t *testing.T) {
	n := fixedNormalizer()

	artifact, err := n.Normalize(map[string]interface{}{
		"id":          "art-2",
		"patient_id":  "p-1",
		"type":        "note",
		"occurred_at": "2025-02-02",
		"content":     map[string]interface{}{"text": "nested body"},
	})
	require.NoError(t, err)
	assert.Equal(t, "nested body", artifact.Text)
}

func TestNormalizeEpochTimestamps(t *testing.T) {
	n := fixedNormalizer()
	want := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	for name, value := range map[string]interface{}{
		"seconds":      want.Unix(),
		"milliseconds": want.UnixMilli(),
		"json number":  float64(want.Unix()),
	} {
		t.Run(name, func(t *testing.T) {
			artifact, err := n.Normalize(map[string]interface{}{
				"patient_id":  "p-1",
				"type":        "lab_observation",
				"occurred_at": value,
				"text":        "glucose 110",
			})
			require.NoError(t, err)
			assert.True(t, artifact.OccurredAt.Equal(want), "got %v", artifact.OccurredAt)
		})
	}
}

func TestNormalizeGeneratesIDWhenMissing(t *testing.T) {
	n := fixedNormalizer()

	artifact, err := n.Normalize(map[string]interface{}{
		"patient_id":  "p-1",
		"type":        "note",
		"occurred_at": "2025-02-02",
		"text":        "body",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.ID)
}

func TestNormalizeUnclaimedFieldsLandInMeta(t *testing.T) {
	n := fixedNormalizer()

	artifact, err := n.Normalize(map[string]interface{}{
		"patient_id":  "p-1",
		"type":        "lab_observation",
		"occurred_at": "2025-02-02",
		"text":        "WBC 7.2",
		"lab_code":    "CBC",
		"abnormal":    "false",
	})
	require.NoError(t, err)
	assert.Equal(t, "CBC", artifact.Meta["lab_code"])
}

func TestNormalizeRejections(t *testing.T) {
	n := fixedNormalizer()

	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"nil payload", nil},
		{"missing text", map[string]interface{}{
			"patient_id": "p-1", "type": "note", "occurred_at": "2025-02-02",
		}},
		{"unknown type", map[string]interface{}{
			"patient_id": "p-1", "type": "selfie", "occurred_at": "2025-02-02", "text": "x",
		}},
		{"missing occurred_at", map[string]interface{}{
			"patient_id": "p-1", "type": "note", "text": "x",
		}},
		{"unparseable date", map[string]interface{}{
			"patient_id": "p-1", "type": "note", "occurred_at": "someday", "text": "x",
		}},
		{"future date", map[string]interface{}{
			"patient_id": "p-1", "type": "note", "occurred_at": "2030-01-01", "text": "x",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.payload)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "got %v", err)
		})
	}
}
