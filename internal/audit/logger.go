// Package audit records one entry per answered query in an in-memory ring
// plus an append-only JSONL file, with retention and anonymization applied
// by a daily background task.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clinrag/internal/apperrors"
	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

const (
	// DefaultInMemoryMax bounds the ring buffer.
	DefaultInMemoryMax = 10000

	logFileName = "audit.jsonl"

	// appendQueueSize bounds the background writer's backlog.
	appendQueueSize = 1024
)

// Config parameterizes the audit logger.
type Config struct {
	Dir              string
	InMemoryMax      int
	RetentionDays    int
	AnonymizeDays    int
}

// Logger is the dual-storage audit log. File appends run on a background
// writer so a slow disk never blocks the request path.
type Logger struct {
	mu      sync.RWMutex
	entries []types.AuditEntry // ring, oldest first
	max     int

	cfg     Config
	path    string
	appends chan types.AuditEntry
	done    chan struct{}
	wg      sync.WaitGroup

	droppedAppends int
	log            logging.Logger
	now            func() time.Time
}

// NewLogger opens the audit log, replaying the existing file into memory.
func NewLogger(cfg Config, log logging.Logger) (*Logger, error) {
	if cfg.InMemoryMax <= 0 {
		cfg.InMemoryMax = DefaultInMemoryMax
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.AnonymizeDays <= 0 {
		cfg.AnonymizeDays = 30
	}
	l := &Logger{
		max:     cfg.InMemoryMax,
		cfg:     cfg,
		appends: make(chan types.AuditEntry, appendQueueSize),
		done:    make(chan struct{}),
		log:     logging.OrNoop(log),
		now:     time.Now,
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "create audit dir", err)
		}
		l.path = filepath.Join(cfg.Dir, logFileName)
		if err := l.replay(); err != nil {
			return nil, err
		}
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// replay loads the file tail into the ring; replay order equals append order.
func (l *Logger) replay() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "open audit log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry types.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			l.log.Warn("skipping malformed audit line", map[string]interface{}{"error": err.Error()})
			continue
		}
		l.append(entry)
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "replay audit log", err)
	}
	return nil
}

// LogQuery records one entry. The memory write is synchronous; the file
// append is queued.
func (l *Logger) LogQuery(entry types.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	l.mu.Lock()
	l.append(entry)
	l.mu.Unlock()

	if l.path == "" {
		return
	}
	select {
	case l.appends <- entry:
	default:
		l.mu.Lock()
		l.droppedAppends++
		l.mu.Unlock()
		l.log.Warn("audit append queue full, entry kept in memory only", map[string]interface{}{
			"query_id": entry.QueryID,
		})
	}
}

// append assumes the write lock (or exclusive startup access).
func (l *Logger) append(entry types.AuditEntry) {
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.appends:
			l.writeEntry(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.appends:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

// writeEntry appends one line, retrying on transient failures.
func (l *Logger) writeEntry(entry types.AuditEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		l.log.Error("marshal audit entry", map[string]interface{}{"error": err.Error()})
		return
	}
	raw = append(raw, '\n')
	for attempt := 0; attempt < 3; attempt++ {
		if err = l.appendFile(raw); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	l.log.Error("audit file append failed", map[string]interface{}{
		"query_id": entry.QueryID,
		"error":    err.Error(),
	})
}

func (l *Logger) appendFile(raw []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(raw)
	return err
}

// GetQueryHistory lists a patient's most recent entries, newest first.
func (l *Logger) GetQueryHistory(patientID string, limit int) []types.AuditEntry {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].PatientID == patientID {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// SearchFilter narrows audit queries; zero fields match everything.
type SearchFilter struct {
	PatientID   string
	SessionID   string
	SuccessOnly bool
	FailedOnly  bool
	From        time.Time
	To          time.Time
	Limit       int
}

// SearchQueries scans the ring newest first.
func (l *Logger) SearchQueries(filter SearchFilter) []types.AuditEntry {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if matches(&l.entries[i], &filter) {
			out = append(out, l.entries[i])
		}
	}
	return out
}

func matches(e *types.AuditEntry, f *SearchFilter) bool {
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.SuccessOnly && !e.Success {
		return false
	}
	if f.FailedOnly && e.Success {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Statistics summarizes the in-memory window.
type Statistics struct {
	TotalEntries   int     `json:"total_entries"`
	SuccessCount   int     `json:"success_count"`
	FailureCount   int     `json:"failure_count"`
	AvgConfidence  float64 `json:"avg_confidence"`
	AvgTimeMs      float64 `json:"avg_time_ms"`
	PatientCount   int     `json:"patient_count"`
	DroppedAppends int     `json:"dropped_appends"`
}

// GetStatistics aggregates over the ring.
func (l *Logger) GetStatistics() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := Statistics{
		TotalEntries:   len(l.entries),
		DroppedAppends: l.droppedAppends,
	}
	patients := make(map[string]bool)
	var confSum, timeSum float64
	for _, e := range l.entries {
		if e.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		confSum += e.ConfidenceScore
		timeSum += float64(e.TotalTimeMs)
		patients[e.PatientID] = true
	}
	if len(l.entries) > 0 {
		stats.AvgConfidence = confSum / float64(len(l.entries))
		stats.AvgTimeMs = timeSum / float64(len(l.entries))
	}
	stats.PatientCount = len(patients)
	return stats
}

// ApplyRetention deletes entries past retention and anonymizes entries past
// the anonymization age. Returns (deleted, anonymized). Runs in memory; the
// file keeps its full history until compaction rewrites it.
func (l *Logger) ApplyRetention() (int, int) {
	now := l.now()
	deleteBefore := now.AddDate(0, 0, -l.cfg.RetentionDays)
	anonymizeBefore := now.AddDate(0, 0, -l.cfg.AnonymizeDays)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	deleted, anonymized := 0, 0
	for i := range l.entries {
		e := l.entries[i]
		if e.Timestamp.Before(deleteBefore) {
			deleted++
			continue
		}
		if e.Timestamp.Before(anonymizeBefore) && e.PatientID != "" && !isAnonymized(&e) {
			anonymize(&e)
			anonymized++
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return deleted, anonymized
}

func isAnonymized(e *types.AuditEntry) bool {
	return e.QueryText == "" && e.ResponseSummary == ""
}

// anonymize hashes identifiers and redacts free text.
func anonymize(e *types.AuditEntry) {
	e.PatientID = hashID(e.PatientID)
	if e.UserID != "" {
		e.UserID = hashID(e.UserID)
	}
	e.QueryText = ""
	e.ResponseSummary = ""
	e.SourcesUsed = nil
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "anon-" + hex.EncodeToString(sum[:8])
}

// Close flushes queued appends and stops the writer.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}
