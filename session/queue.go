package session

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
)

// compressAt is the payload size at or above which queued offline
// messages are held compressed. Queues can retain up to 24 h of traffic, so large
// payloads are not kept verbatim.
const compressAt = 1024

// OfflineMessage is one frame queued for a disconnected session.
type OfflineMessage struct {
	Data       []byte
	EnqueuedAt time.Time
	SessionID  string
	compressed bool
}

// AddOfflineMessage queues data for delivery when sid reconnects. Both
// the per-session and the global cap are enforced; messages older than
// the message TTL are purged opportunistically first.
func (m *Manager) AddOfflineMessage(sid string, data []byte) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	m.purgeOldLocked(time.Now())

	if m.totalQueued >= m.opts.MaxTotalQueued {
		return fmt.Errorf("queue message for session %s: %w", sid, ErrGlobalQueueFull)
	}
	q := m.queues[sid]
	if len(q) >= m.opts.MaxQueuePerSession {
		return fmt.Errorf("queue message for session %s (current: %d, max: %d): %w",
			sid, len(q), m.opts.MaxQueuePerSession, ErrQueueFull)
	}

	msg := OfflineMessage{EnqueuedAt: time.Now(), SessionID: sid}
	if len(data) >= compressAt {
		msg.Data = s2.Encode(nil, data)
		msg.compressed = true
	} else {
		msg.Data = make([]byte, len(data))
		copy(msg.Data, data)
	}

	m.queues[sid] = append(q, msg)
	m.totalQueued++
	return nil
}

// DrainOffline pops all queued messages for sid in FIFO order, handing
// each to send. The queue is emptied even if send drops a message.
func (m *Manager) DrainOffline(sid string, send func(data []byte)) {
	m.queueMu.Lock()
	q, ok := m.queues[sid]
	if ok {
		delete(m.queues, sid)
		m.totalQueued -= len(q)
	}
	m.queueMu.Unlock()

	for _, msg := range q {
		data := msg.Data
		if msg.compressed {
			decoded, err := s2.Decode(nil, data)
			if err != nil {
				m.logger.Error("dropping corrupt offline message", "sid", sid, "error", err)
				continue
			}
			data = decoded
		}
		send(data)
	}
}

// OfflineQueueLen returns the number of messages queued for sid.
func (m *Manager) OfflineQueueLen(sid string) int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queues[sid])
}

// dropOfflineLocked removes a session's queue entirely. Caller holds
// queueMu.
func (m *Manager) dropOfflineLocked(sid string) {
	if q, ok := m.queues[sid]; ok {
		m.totalQueued -= len(q)
		delete(m.queues, sid)
	}
}

// purgeOldLocked drops messages older than the message TTL. Caller holds
// queueMu.
func (m *Manager) purgeOldLocked(now time.Time) {
	for sid, q := range m.queues {
		i := 0
		for i < len(q) && now.Sub(q[i].EnqueuedAt) > m.opts.MessageTTL {
			i++
		}
		if i == 0 {
			continue
		}
		m.totalQueued -= i
		if i == len(q) {
			delete(m.queues, sid)
			continue
		}
		m.queues[sid] = q[i:]
	}
}
