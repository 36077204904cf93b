package session

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// sidSeq numbers sessions for the whole process so ids stay unique even
// across manager instances in tests.
var sidSeq atomic.Uint64

func nextSID() string {
	return "S" + strconv.FormatUint(sidSeq.Add(1), 10)
}

// ManagerOptions configures session retention and offline queue bounds.
type ManagerOptions struct {
	// SessionTTL is how long a disconnected session is retained before
	// the reaper removes it.
	SessionTTL time.Duration
	// DuplicateTTL is the suppression window for the per-session request
	// duplicate filter.
	DuplicateTTL time.Duration
	// MaxQueuePerSession caps one session's offline queue.
	MaxQueuePerSession int
	// MaxTotalQueued caps offline messages process-wide.
	MaxTotalQueued int
	// MessageTTL is the age past which queued offline messages are
	// dropped.
	MessageTTL time.Duration
}

// DefaultManagerOptions returns the documented defaults: 30 s session
// TTL, 1000 messages per session, 100000 total, 24 h message TTL.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		SessionTTL:         30 * time.Second,
		DuplicateTTL:       time.Second,
		MaxQueuePerSession: 1000,
		MaxTotalQueued:     100000,
		MessageTTL:         24 * time.Hour,
	}
}

func (o *ManagerOptions) normalize() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 30 * time.Second
	}
	if o.DuplicateTTL <= 0 {
		o.DuplicateTTL = time.Second
	}
	if o.MaxQueuePerSession <= 0 {
		o.MaxQueuePerSession = 1000
	}
	if o.MaxTotalQueued <= 0 {
		o.MaxTotalQueued = 100000
	}
	if o.MessageTTL <= 0 {
		o.MessageTTL = 24 * time.Hour
	}
}

// Manager owns every session in the process. Three indices are kept in
// sync under one writer lock: identity to session, session id to session,
// and the generic field index. The field-state map has its own lock for
// finer granularity, and the offline queues are guarded by a plain mutex.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[Key]*Session
	bySID  map[string]*Session
	index  *GenericIndex

	stateMu sync.RWMutex
	state   map[string]map[string]FieldValue

	queueMu     sync.Mutex
	queues      map[string][]OfflineMessage
	totalQueued int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(opts ManagerOptions, logger *slog.Logger) *Manager {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		byID:   make(map[Key]*Session),
		bySID:  make(map[string]*Session),
		index:  NewGenericIndex(),
		state:  make(map[string]map[string]FieldValue),
		queues: make(map[string][]OfflineMessage),
		stopCh: make(chan struct{}),
	}
}

// SessionTTL returns the configured offline retention period.
func (m *Manager) SessionTTL() time.Duration {
	return m.opts.SessionTTL
}

// CreateSession allocates a fresh session for cid. When the identity
// carries no token, a random one is materialized into the stored
// identity.
func (m *Manager) CreateSession(cid Identity, now time.Time) *Session {
	if cid.Token.IsZero() {
		cid.Token = NewToken()
	}

	s := newSession(nextSID(), cid, m.opts.DuplicateTTL)
	s.SetExpiry(now.Add(m.opts.SessionTTL))

	m.mu.Lock()
	m.byID[cid.Key()] = s
	m.bySID[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session created",
		"sid", s.id, "client_id", cid.ClientID, "device_id", cid.DeviceID)
	return s
}

// GetOrCreate resolves a handshake identity to a session. A tokenless
// identity always gets a new session. Otherwise the existing session for
// (clientId, deviceId) is reused only when it has not expired and the
// presented token matches byte for byte; a mismatched token is treated as
// a spoof attempt and a fresh session is created instead.
func (m *Manager) GetOrCreate(cid Identity, now time.Time) *Session {
	if cid.Token.IsZero() {
		return m.CreateSession(cid, now)
	}

	m.mu.RLock()
	s, ok := m.byID[cid.Key()]
	m.mu.RUnlock()

	if ok {
		if exp := s.Expiry(); !exp.IsZero() && now.After(exp) {
			m.logger.Debug("session expired, creating new", "sid", s.id)
			return m.CreateSession(cid, now)
		}
		if s.Identity().Token == cid.Token {
			s.SetExpiry(now.Add(m.opts.SessionTTL))
			return s
		}
		m.logger.Debug("session token mismatch, creating new",
			"client_id", cid.ClientID, "device_id", cid.DeviceID)
	}

	return m.CreateSession(cid, now)
}

// GetSession returns the session for sid, or nil.
func (m *Manager) GetSession(sid string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySID[sid]
}

// ListSessionIDs returns a snapshot of all session ids.
func (m *Manager) ListSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bySID))
	for sid := range m.bySID {
		out = append(out, sid)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySID)
}

// RemoveSession purges sid from every index and drops its offline queue
// and field state.
func (m *Manager) RemoveSession(sid string) {
	m.mu.Lock()
	if s, ok := m.bySID[sid]; ok {
		// A superseded session no longer owns the identity slot; leave a
		// newer session's mapping in place.
		if cur, ok := m.byID[s.Identity().Key()]; ok && cur == s {
			delete(m.byID, s.Identity().Key())
		}
		delete(m.bySID, sid)
	}
	m.index.Remove(sid)
	m.mu.Unlock()

	m.stateMu.Lock()
	delete(m.state, sid)
	m.stateMu.Unlock()

	m.queueMu.Lock()
	m.dropOfflineLocked(sid)
	m.queueMu.Unlock()
}

// Reap removes every session that is offline and past its expiry
// deadline. Iteration goes over bySID so sessions superseded in the
// identity index (token mismatch, expiry re-create) are still reaped.
func (m *Manager) Reap(now time.Time) {
	var expired []string

	m.mu.Lock()
	for sid, s := range m.bySID {
		if s.Conn() != nil {
			continue
		}
		if exp := s.Expiry(); !exp.IsZero() && exp.Before(now) {
			delete(m.bySID, sid)
			if cur, ok := m.byID[s.Identity().Key()]; ok && cur == s {
				delete(m.byID, s.Identity().Key())
			}
			m.index.Remove(sid)
			expired = append(expired, sid)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	m.stateMu.Lock()
	for _, sid := range expired {
		delete(m.state, sid)
	}
	m.stateMu.Unlock()

	m.queueMu.Lock()
	for _, sid := range expired {
		m.dropOfflineLocked(sid)
	}
	m.queueMu.Unlock()

	m.logger.Debug("sessions reaped", "count", len(expired))
}

// SetField stores a typed field for sid. When indexed is true, the value
// is mirrored into the generic index in its string form. It reports
// false when the session does not exist.
func (m *Manager) SetField(sid, key string, value FieldValue, indexed bool) bool {
	if m.GetSession(sid) == nil {
		return false
	}

	m.stateMu.Lock()
	fields, ok := m.state[sid]
	if !ok {
		fields = make(map[string]FieldValue)
		m.state[sid] = fields
	}
	fields[key] = value
	m.stateMu.Unlock()

	if indexed {
		m.index.Add(sid, key, value.IndexKey())
	}
	return true
}

// GetField returns the field value stored for (sid, key).
func (m *Manager) GetField(sid, key string) (FieldValue, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	fields, ok := m.state[sid]
	if !ok {
		return FieldValue{}, false
	}
	v, ok := fields[key]
	return v, ok
}

// FindIndexed returns the ids of sessions whose indexed field equals
// value.
func (m *Manager) FindIndexed(field, value string) []string {
	return m.index.Find(field, value)
}

// Index exposes the generic index.
func (m *Manager) Index() *GenericIndex {
	return m.index
}

// StartCleanupTimer runs a background reaper as a safety net behind the
// transport's scheduler tick. Stop with Close.
func (m *Manager) StartCleanupTimer(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reap(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close stops background work. Sessions themselves are left in place.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
