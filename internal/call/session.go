// Package call implements the call-orchestration core: the session
// manager, the executor cache, the tool-dispatch registry, and the call
// runner that binds a transport handler to a provider executor for the
// lifetime of one call.
package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a session's position in the call lifecycle state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether s is one of the terminal statuses. A session in
// a terminal status never transitions back to a live status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Source identifies which transport originated a call.
type Source string

const (
	SourceWeb      Source = "web"
	SourceWhatsApp Source = "whatsapp"
	SourceTwilio   Source = "twilio"
	SourceVonage   Source = "vonage"
)

// AIProvider selects which realtime provider variant backs a session.
type AIProvider string

const (
	ProviderA AIProvider = "a"
	ProviderB AIProvider = "b"
)

// CreateSessionParams supplies the fields a caller chooses when reserving a
// new session; the manager fills in the rest.
type CreateSessionParams struct {
	SessionID  string
	CallID     string
	ChatbotID  string
	CompanyID  string
	EndUserID  string
	Source     Source
	AIProvider AIProvider
}

// Session is the immutable-by-convention snapshot returned to callers. The
// manager holds the authoritative mutable copy internally; every accessor
// here returns a copy so callers cannot corrupt internal state.
type Session struct {
	SessionID    string
	CallID       string
	ChatbotID    string
	CompanyID    string
	EndUserID    string
	Source       Source
	Status       Status
	AIProvider   AIProvider
	StartedAt    time.Time
	LastActivity time.Time
}

// ManagerConfig tunes the session manager's timers.
type ManagerConfig struct {
	// SilenceTimeout is how long an in_progress session may go without
	// activity before transitioning to timeout. Default 3 minutes.
	SilenceTimeout time.Duration
	// StaleGCInterval is how often the terminal-session GC tick runs.
	// Default 1 minute.
	StaleGCInterval time.Duration
	// StaleGCAge is how long a terminal session survives before GC removes
	// it. Default 10 minutes.
	StaleGCAge time.Duration

	// OnSilenceTimeout is invoked (outside the manager's lock) for every
	// session the silence-timeout sweep transitions to StatusTimeout. The
	// call runner uses this to trigger endCall.
	OnSilenceTimeout func(sessionID string)
}

const (
	DefaultSilenceTimeout  = 3 * time.Minute
	DefaultStaleGCInterval = 1 * time.Minute
	DefaultStaleGCAge      = 10 * time.Minute
)

// Manager owns the table of live and recently-terminal sessions. It is the
// Session Manager (C1): every mutation is serialized by mu, and the two
// background timers never block process shutdown — Shutdown stops them,
// waiting only for a sweep already in progress to finish.
//
// Grounded on the teacher's internal/session/reconnect.go state-table idiom
// (mutex-guarded map, owned background goroutines torn down via a done
// channel), generalized from a single reconnect-window timer to the full
// pending→…→terminal state machine plus two independent timers.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewManager constructs a [Manager] with defaults applied to any zero-valued
// timer field, and starts its background timers.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.StaleGCInterval <= 0 {
		cfg.StaleGCInterval = DefaultStaleGCInterval
	}
	if cfg.StaleGCAge <= 0 {
		cfg.StaleGCAge = DefaultStaleGCAge
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	m.wg.Add(2)
	go m.runSilenceTimeoutLoop()
	go m.runStaleGCLoop()
	return m
}

// NewIDs generates a fresh sessionId/callId pair using UUIDv4, matching the
// opaque-string identifiers the data model requires.
func NewIDs() (sessionID, callID string) {
	return uuid.NewString(), uuid.NewString()
}

// CreateSession inserts a new session in StatusPending and returns a
// snapshot of it.
func (m *Manager) CreateSession(p CreateSessionParams) Session {
	now := time.Now()
	s := &Session{
		SessionID:    p.SessionID,
		CallID:       p.CallID,
		ChatbotID:    p.ChatbotID,
		CompanyID:    p.CompanyID,
		EndUserID:    p.EndUserID,
		Source:       p.Source,
		Status:       StatusPending,
		AIProvider:   p.AIProvider,
		StartedAt:    now,
		LastActivity: now,
	}
	m.mu.Lock()
	m.sessions[p.SessionID] = s
	m.mu.Unlock()
	return *s
}

// GetSession returns a snapshot of the session and true, or the zero value
// and false if it does not exist.
func (m *Manager) GetSession(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// UpdateSessionStatus sets status and touches lastActivity. A missing
// session is silently a no-op — status updates never fail the caller. A
// session already in a terminal status is never moved to a new status.
func (m *Manager) UpdateSessionStatus(sessionID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if s.Status.IsTerminal() {
		return
	}
	s.Status = status
	s.LastActivity = time.Now()
}

// UpdateLastActivity touches lastActivity without changing status.
func (m *Manager) UpdateLastActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// EndSession removes the session from the table outright.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// GetActiveSessionIDs returns the ids of all non-terminal sessions.
// Iteration order is unspecified.
func (m *Manager) GetActiveSessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetActiveSessionCount returns the number of non-terminal sessions.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// GetCompanySessions returns snapshots of all sessions owned by companyID.
func (m *Manager) GetCompanySessions(companyID string) []Session {
	return m.filter(func(s *Session) bool { return s.CompanyID == companyID })
}

// GetChatbotSessions returns snapshots of all sessions for chatbotID.
func (m *Manager) GetChatbotSessions(chatbotID string) []Session {
	return m.filter(func(s *Session) bool { return s.ChatbotID == chatbotID })
}

func (m *Manager) filter(pred func(*Session) bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if pred(s) {
			out = append(out, *s)
		}
	}
	return out
}

// Shutdown stops both background timers and clears the session table.
// Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// runSilenceTimeoutLoop transitions any in_progress session whose
// lastActivity has exceeded SilenceTimeout to StatusTimeout, and notifies
// OnSilenceTimeout so the call runner can tear the call down.
func (m *Manager) runSilenceTimeoutLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(tickGranularity(m.cfg.SilenceTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepSilenceTimeouts()
		}
	}
}

// tickGranularity picks a tick period fine enough that the silence timeout
// fires close to its nominal deadline without busy-polling.
func tickGranularity(timeout time.Duration) time.Duration {
	g := timeout / 6
	if g < time.Second {
		g = time.Second
	}
	return g
}

func (m *Manager) sweepSilenceTimeouts() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session manager: silence-timeout sweep panicked", "recover", r)
		}
	}()

	now := time.Now()
	var expired []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusInProgress && now.Sub(s.LastActivity) >= m.cfg.SilenceTimeout {
			s.Status = StatusTimeout
			s.LastActivity = now
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	if m.cfg.OnSilenceTimeout == nil {
		return
	}
	for _, id := range expired {
		m.cfg.OnSilenceTimeout(id)
	}
}

func (m *Manager) runStaleGCLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StaleGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepStaleTerminal()
		}
	}
}

func (m *Manager) sweepStaleTerminal() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session manager: stale-GC sweep panicked", "recover", r)
		}
	}()

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.Status.IsTerminal() && now.Sub(s.LastActivity) >= m.cfg.StaleGCAge {
			delete(m.sessions, id)
		}
	}
}
