package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/internal/apperrors"
	"clinrag/internal/entity"
	"clinrag/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ex, err := entity.NewExtractor()
	require.NoError(t, err)
	return NewManager(NewParser(ex), 0, 0, nil)
}

func TestParserIntentAndEntities(t *testing.T) {
	ex, err := entity.NewExtractor()
	require.NoError(t, err)
	p := NewParser(ex)

	q, err := p.Parse("What medications is the patient taking for hypertension?", "p-1", 3)
	require.NoError(t, err)

	assert.Equal(t, types.IntentRetrieveMedications, q.Intent)
	assert.Equal(t, "p-1", q.PatientID)
	assert.NotEmpty(t, q.QueryID)
	require.NotEmpty(t, q.Entities)
	found := false
	for _, e := range q.Entities {
		if e.Normalized == "Hypertension" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParserTemporalFilter(t *testing.T) {
	ex, err := entity.NewExtractor()
	require.NoError(t, err)
	p := NewParser(ex)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	q, err := p.Parse("labs from the last 3 months", "p-1", 3)
	require.NoError(t, err)
	require.False(t, q.TemporalFilter.IsZero())
	assert.Equal(t, now.AddDate(0, -3, 0), q.TemporalFilter.From)
	assert.Equal(t, now, q.TemporalFilter.To)

	q, err = p.Parse("conditions since 2023", "p-1", 3)
	require.NoError(t, err)
	require.False(t, q.TemporalFilter.IsZero())
	assert.Equal(t, 2023, q.TemporalFilter.From.Year())

	q, err = p.Parse("tell me about the care plan", "p-1", 3)
	require.NoError(t, err)
	assert.True(t, q.TemporalFilter.IsZero())
}

func TestParserRejectsEmptyInput(t *testing.T) {
	ex, err := entity.NewExtractor()
	require.NoError(t, err)
	p := NewParser(ex)

	_, err = p.Parse("", "p-1", 3)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	_, err = p.Parse("anything", "", 3)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, s.CreatedAt.Add(types.DefaultSessionTTL), s.ExpiresAt)

	ctx, err := m.GetContext(s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, ctx.Turns)
}

func TestUpdateContextEvictsOldestTurn(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		q, err := m.parser.Parse("what medications is the patient on", "p-1", 3)
		require.NoError(t, err)
		q.OriginalQuery = q.OriginalQuery + string(rune('a'+i))
		require.NoError(t, m.UpdateContext(s.SessionID, q, "summary"))
	}

	ctx, err := m.GetContext(s.SessionID)
	require.NoError(t, err)
	require.Len(t, ctx.Turns, types.DefaultContextWindow)
	// Oldest-first eviction keeps the most recent turns.
	assert.Equal(t, "what medications is the patient ong", ctx.Turns[4].Query)
	assert.Equal(t, types.IntentRetrieveMedications, ctx.LastIntent)
}

func TestExpiredSessionReadDeletes(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(types.DefaultSessionTTL + time.Minute) }
	_, err = m.GetContext(s.SessionID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	assert.Zero(t, m.SessionCount())
}

func TestCleanupExpiredSessionsIdempotent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSession("p-1")
	require.NoError(t, err)
	_, err = m.CreateSession("p-2")
	require.NoError(t, err)

	assert.Zero(t, m.CleanupExpiredSessions())

	m.now = func() time.Time { return time.Now().Add(types.DefaultSessionTTL + time.Minute) }
	assert.Equal(t, 2, m.CleanupExpiredSessions())
	assert.Zero(t, m.CleanupExpiredSessions())
}

func TestResolveFollowUpInheritsContext(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)

	first, err := m.parser.Parse("what medications treat the patient's hypertension", "p-1", 3)
	require.NoError(t, err)
	require.NoError(t, m.UpdateContext(s.SessionID, first, "Lisinopril 10mg daily"))

	followUp, err := m.ResolveFollowUp(s.SessionID, "tell me more", 3)
	require.NoError(t, err)
	assert.Equal(t, types.IntentRetrieveMedications, followUp.Intent)
	require.NotEmpty(t, followUp.Entities)
	assert.Equal(t, first.Entities[0].Normalized, followUp.Entities[0].Normalized)
}

func TestResolveFollowUpPrefersNewAttributes(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)

	first, err := m.parser.Parse("what medications is the patient on", "p-1", 3)
	require.NoError(t, err)
	require.NoError(t, m.UpdateContext(s.SessionID, first, "Lisinopril"))

	followUp, err := m.ResolveFollowUp(s.SessionID, "what about the patient's COPD", 3)
	require.NoError(t, err)
	require.NotEmpty(t, followUp.Entities)
	assert.Equal(t, "Chronic Obstructive Pulmonary Disease", followUp.Entities[0].Normalized)
}

func TestNonFollowUpIgnoresContext(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("p-1")
	require.NoError(t, err)

	first, err := m.parser.Parse("what medications is the patient on", "p-1", 3)
	require.NoError(t, err)
	require.NoError(t, m.UpdateContext(s.SessionID, first, "Lisinopril"))

	q, err := m.ResolveFollowUp(s.SessionID, "summarize the visit notes", 3)
	require.NoError(t, err)
	assert.NotEqual(t, types.IntentRetrieveMedications, q.Intent)
}

func TestIsFollowUpLexicon(t *testing.T) {
	assert.True(t, IsFollowUp("what about last year"))
	assert.True(t, IsFollowUp("and the labs?"))
	assert.True(t, IsFollowUp("Tell me more"))
	assert.True(t, IsFollowUp("when did that start"))
	assert.False(t, IsFollowUp("list current medications"))
}
