package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinrag/internal/apperrors"
	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

// followUpCues mark a question as continuing the previous turn.
var followUpCues = []string{
	"what about",
	"how about",
	"and ",
	"also",
	"tell me more",
	"when did",
	"what else",
	"more detail",
	"why",
	"anything else",
}

type sessionState struct {
	session types.Session
	context types.ConversationContext
}

// Manager is the in-process session store. Sessions expire after the TTL;
// each keeps a sliding window of recent turns for follow-up resolution.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	parser *Parser
	ttl    time.Duration
	window int
	logger logging.Logger
	now    func() time.Time
}

// NewManager builds a session manager. ttl and window fall back to the
// defaults when non-positive.
func NewManager(parser *Parser, ttl time.Duration, window int, logger logging.Logger) *Manager {
	if ttl <= 0 {
		ttl = types.DefaultSessionTTL
	}
	if window <= 0 {
		window = types.DefaultContextWindow
	}
	return &Manager{
		sessions: make(map[string]*sessionState),
		parser:   parser,
		ttl:      ttl,
		window:   window,
		logger:   logging.OrNoop(logger),
		now:      time.Now,
	}
}

// CreateSession opens a fresh session for a patient.
func (m *Manager) CreateSession(patientID string) (*types.Session, error) {
	if patientID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "patient_id is required")
	}
	now := m.now()
	session := types.Session{
		SessionID: uuid.New().String(),
		PatientID: patientID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[session.SessionID] = &sessionState{
		session: session,
		context: types.ConversationContext{UpdatedAt: now},
	}
	m.mu.Unlock()

	m.logger.Debug("session created", map[string]interface{}{
		"session_id": session.SessionID,
		"patient_id": patientID,
	})
	return &session, nil
}

// GetContext returns a copy of a live session's context. Reading an expired
// session deletes it and reports not found.
func (m *Manager) GetContext(sessionID string) (*types.ConversationContext, error) {
	state, err := m.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctxCopy := state.context
	ctxCopy.Turns = append([]types.ConversationTurn(nil), state.context.Turns...)
	ctxCopy.LastEntities = append([]types.Entity(nil), state.context.LastEntities...)
	return &ctxCopy, nil
}

// UpdateContext appends a turn and refreshes the carried-over query
// attributes, evicting the oldest turn beyond the window.
func (m *Manager) UpdateContext(sessionID string, query *types.StructuredQuery, responseSummary string) error {
	state, err := m.liveSession(sessionID)
	if err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	state.context.Turns = append(state.context.Turns, types.ConversationTurn{
		Query:           query.OriginalQuery,
		ResponseSummary: responseSummary,
		Timestamp:       now,
	})
	if len(state.context.Turns) > m.window {
		state.context.Turns = state.context.Turns[len(state.context.Turns)-m.window:]
	}
	if len(query.Entities) > 0 {
		state.context.LastEntities = append([]types.Entity(nil), query.Entities...)
	}
	if !query.TemporalFilter.IsZero() {
		tf := *query.TemporalFilter
		state.context.LastTemporalFilter = &tf
	}
	state.context.LastIntent = query.Intent
	state.context.UpdatedAt = now
	return nil
}

// ResolveFollowUp parses a question and, when it reads as a follow-up,
// inherits missing entities, temporal filter, and intent from the session
// context.
func (m *Manager) ResolveFollowUp(sessionID, question string, detailLevel int) (*types.StructuredQuery, error) {
	query, err := m.patientQuery(sessionID, question, detailLevel)
	if err != nil {
		return nil, err
	}
	if !IsFollowUp(question) {
		return query, nil
	}
	ctx, err := m.GetContext(sessionID)
	if err != nil {
		return nil, err
	}
	if len(query.Entities) == 0 {
		query.Entities = ctx.LastEntities
	}
	if query.TemporalFilter.IsZero() && !ctx.LastTemporalFilter.IsZero() {
		tf := *ctx.LastTemporalFilter
		query.TemporalFilter = &tf
	}
	if query.Intent == types.IntentGeneralQuestion && ctx.LastIntent != "" {
		query.Intent = ctx.LastIntent
	}
	return query, nil
}

// IsFollowUp reports whether a question matches the follow-up lexicon.
func IsFollowUp(question string) bool {
	lower := strings.ToLower(strings.TrimSpace(question))
	for _, cue := range followUpCues {
		if strings.HasPrefix(lower, cue) {
			return true
		}
	}
	return strings.Contains(lower, "tell me more") || strings.Contains(lower, "what about")
}

// CleanupExpiredSessions deletes every expired session and returns the
// count. Safe to call repeatedly and concurrently with readers.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, state := range m.sessions {
		if state.session.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("expired sessions removed", map[string]interface{}{"count": removed})
	}
	return removed
}

// SessionCount reports live and expired sessions currently held.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) patientQuery(sessionID, question string, detailLevel int) (*types.StructuredQuery, error) {
	state, err := m.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	patientID := state.session.PatientID
	m.mu.RUnlock()
	return m.parser.Parse(question, patientID, detailLevel)
}

// liveSession fetches a session, deleting it when expired.
func (m *Manager) liveSession(sessionID string) (*sessionState, error) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "session %s not found", sessionID)
	}
	if state.session.Expired(m.now()) {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.KindNotFound, "session expired")
	}
	return state, nil
}
