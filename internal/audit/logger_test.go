package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func entryFor(queryID, patientID string, success bool, ts time.Time) types.AuditEntry {
	return types.AuditEntry{
		QueryID:         queryID,
		Timestamp:       ts,
		PatientID:       patientID,
		QueryText:       "what medications",
		ResponseSummary: "Lisinopril 10mg daily",
		SourcesUsed:     []string{"med-1"},
		ConfidenceScore: 0.8,
		TotalTimeMs:     120,
		Success:         success,
	}
}

func newMemLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLogQueryAndHistory(t *testing.T) {
	l := newMemLogger(t)
	now := time.Now()
	l.LogQuery(entryFor("q-1", "p-1", true, now.Add(-2*time.Minute)))
	l.LogQuery(entryFor("q-2", "p-1", true, now.Add(-time.Minute)))
	l.LogQuery(entryFor("q-3", "p-2", false, now))

	hist := l.GetQueryHistory("p-1", 10)
	require.Len(t, hist, 2)
	assert.Equal(t, "q-2", hist[0].QueryID)
	assert.Equal(t, "q-1", hist[1].QueryID)
}

func TestRingEviction(t *testing.T) {
	l, err := NewLogger(Config{InMemoryMax: 3}, nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.LogQuery(entryFor("q-"+string(rune('0'+i)), "p-1", true, time.Now()))
	}
	assert.Equal(t, 3, l.GetStatistics().TotalEntries)
	hist := l.GetQueryHistory("p-1", 10)
	assert.Equal(t, "q-4", hist[0].QueryID)
	assert.Equal(t, "q-2", hist[2].QueryID)
}

func TestSearchQueriesFilter(t *testing.T) {
	l := newMemLogger(t)
	now := time.Now()
	l.LogQuery(entryFor("q-1", "p-1", true, now.Add(-time.Hour)))
	l.LogQuery(entryFor("q-2", "p-1", false, now))
	l.LogQuery(entryFor("q-3", "p-2", true, now))

	failed := l.SearchQueries(SearchFilter{PatientID: "p-1", FailedOnly: true})
	require.Len(t, failed, 1)
	assert.Equal(t, "q-2", failed[0].QueryID)

	recent := l.SearchQueries(SearchFilter{From: now.Add(-time.Minute)})
	assert.Len(t, recent, 2)
}

func TestReplayRestoresAppendOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Config{Dir: dir}, nil)
	require.NoError(t, err)
	l.LogQuery(entryFor("q-1", "p-1", true, time.Now().Add(-time.Minute)))
	l.LogQuery(entryFor("q-2", "p-1", true, time.Now()))
	l.Close()

	restored, err := NewLogger(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer restored.Close()

	hist := restored.GetQueryHistory("p-1", 10)
	require.Len(t, hist, 2)
	assert.Equal(t, "q-2", hist[0].QueryID)
	assert.Equal(t, "q-1", hist[1].QueryID)
}

func TestRetentionAndAnonymization(t *testing.T) {
	l := newMemLogger(t)
	now := time.Now()
	l.LogQuery(entryFor("q-old", "p-1", true, now.AddDate(0, 0, -120)))
	l.LogQuery(entryFor("q-mid", "p-1", true, now.AddDate(0, 0, -45)))
	l.LogQuery(entryFor("q-new", "p-1", true, now))

	deleted, anonymized := l.ApplyRetention()
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, anonymized)

	entries := l.SearchQueries(SearchFilter{})
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.QueryID == "q-mid" {
			assert.True(t, strings.HasPrefix(e.PatientID, "anon-"))
			assert.Empty(t, e.QueryText)
			assert.Empty(t, e.ResponseSummary)
			assert.Nil(t, e.SourcesUsed)
		}
		if e.QueryID == "q-new" {
			assert.Equal(t, "p-1", e.PatientID)
			assert.NotEmpty(t, e.QueryText)
		}
	}

	// A second pass finds nothing new to do.
	deleted, anonymized = l.ApplyRetention()
	assert.Zero(t, deleted)
	assert.Zero(t, anonymized)
}

func TestStatistics(t *testing.T) {
	l := newMemLogger(t)
	now := time.Now()
	l.LogQuery(entryFor("q-1", "p-1", true, now))
	l.LogQuery(entryFor("q-2", "p-2", false, now))

	stats := l.GetStatistics()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 2, stats.PatientCount)
	assert.InDelta(t, 0.8, stats.AvgConfidence, 1e-9)
}

func TestExportFormats(t *testing.T) {
	l := newMemLogger(t)
	l.LogQuery(entryFor("q-1", "p-1", true, time.Now()))

	raw, err := l.Export(FormatJSON, SearchFilter{})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"q-1"`)

	raw, err = l.Export(FormatCSV, SearchFilter{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "query_id")
	assert.Contains(t, lines[1], "q-1")

	_, err = l.Export("xml", SearchFilter{})
	assert.Error(t, err)
}
