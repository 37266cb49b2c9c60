package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"clinrag/internal/apperrors"
	"clinrag/pkg/types"
)

// Export formats ("json" or "csv").
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"query_id", "timestamp", "patient_id", "query_text", "response_summary",
	"sources_used", "confidence_score", "total_time_ms", "success", "error",
	"user_id", "session_id",
}

// Export renders the entries matching the filter in the requested format.
func (l *Logger) Export(format string, filter SearchFilter) ([]byte, error) {
	entries := l.SearchQueries(filter)
	switch format {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return exportCSV(entries)
	default:
		return nil, apperrors.Newf(apperrors.KindValidation, "unsupported export format %q", format)
	}
}

func exportCSV(entries []types.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "write csv header", err)
	}
	for _, e := range entries {
		row := []string{
			e.QueryID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.PatientID,
			e.QueryText,
			e.ResponseSummary,
			strings.Join(e.SourcesUsed, ";"),
			strconv.FormatFloat(e.ConfidenceScore, 'f', 4, 64),
			strconv.FormatInt(e.TotalTimeMs, 10),
			strconv.FormatBool(e.Success),
			e.Error,
			e.UserID,
			e.SessionID,
		}
		if err := w.Write(row); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "write csv row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "flush csv", err)
	}
	return buf.Bytes(), nil
}
