package qos

import (
	"sync"
	"sync/atomic"
	"time"
)

// FrameInfo tracks one outstanding QoS-1 DATA frame awaiting an ACK.
type FrameInfo struct {
	Frame      []byte
	RetryCount uint32
	NextRetry  time.Time
}

// Q2Stage is the sender-side stage of a QoS-2 exchange.
type Q2Stage uint8

const (
	// StagePrepare means PREPARE was sent and PREPARE_ACK is awaited.
	StagePrepare Q2Stage = iota
	// StageCommit means COMMIT was sent and COMPLETE is awaited.
	StageCommit
)

// Q2Meta tracks one outstanding QoS-2 control frame and its retry state.
type Q2Meta struct {
	Stage       Q2Stage
	Frame       []byte
	RetryCount  uint32
	NextRetry   time.Time
	LastTouched time.Time
}

type seenEntry struct {
	id uint64
	at time.Time
}

// ConnState is the per-session connection state shared across socket
// churn: pending tables for both QoS levels, the outbound id counter and
// the seen-id window for inbound duplicate rejection.
//
// Lock discipline: pendMu guards pending1, seenSet and seenQueue as well
// as the QoS-2 payload maps (pubPrepare, pendingResp); q2Mu guards
// q2Pending. The two locks are independent so QoS-1 ACK processing does
// not contend with QoS-2 retries. When both are needed, q2Mu is acquired
// first.
type ConnState struct {
	nextID atomic.Uint64

	pendMu    sync.RWMutex
	pending1  map[uint64]*FrameInfo
	seenSet   map[uint64]struct{}
	seenQueue []seenEntry

	// QoS-2 payload staging: pubPrepare holds payloads until PREPARE_ACK,
	// pendingResp holds them until COMPLETE releases the DATA frame.
	pubPrepare  map[uint64][]byte
	pendingResp map[uint64][]byte

	q2Mu      sync.RWMutex
	q2Pending map[uint64]*Q2Meta
}

// NewConnState creates an empty connection state. The outbound id counter
// starts at 1.
func NewConnState() *ConnState {
	return &ConnState{
		pending1:    make(map[uint64]*FrameInfo),
		seenSet:     make(map[uint64]struct{}),
		pubPrepare:  make(map[uint64][]byte),
		pendingResp: make(map[uint64][]byte),
		q2Pending:   make(map[uint64]*Q2Meta),
	}
}

// NextID allocates the next outbound message id. Ids never repeat within
// a session lifetime.
func (s *ConnState) NextID() uint64 {
	return s.nextID.Add(1)
}

// AddPending1 records an outstanding QoS-1 frame.
func (s *ConnState) AddPending1(id uint64, info *FrameInfo) {
	s.pendMu.Lock()
	s.pending1[id] = info
	s.pendMu.Unlock()
}

// AckPending1 removes a QoS-1 entry on ACK. It reports whether the id was
// known.
func (s *ConnState) AckPending1(id uint64) bool {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if _, ok := s.pending1[id]; !ok {
		return false
	}
	delete(s.pending1, id)
	return true
}

// Pending1Len returns the number of outstanding QoS-1 frames.
func (s *ConnState) Pending1Len() int {
	s.pendMu.RLock()
	defer s.pendMu.RUnlock()
	return len(s.pending1)
}

// Pending2Len returns the number of outstanding QoS-2 control frames.
func (s *ConnState) Pending2Len() int {
	s.q2Mu.RLock()
	defer s.q2Mu.RUnlock()
	return len(s.q2Pending)
}

// HasQoS2 reports whether id is anywhere in the QoS-2 pipeline. Used to
// make re-entering the send path a no-op.
func (s *ConnState) HasQoS2(id uint64) bool {
	s.q2Mu.RLock()
	_, inPending := s.q2Pending[id]
	s.q2Mu.RUnlock()
	if inPending {
		return true
	}
	s.pendMu.RLock()
	defer s.pendMu.RUnlock()
	if _, ok := s.pubPrepare[id]; ok {
		return true
	}
	_, ok := s.pendingResp[id]
	return ok
}

// BeginQoS2 stages payload for id and records the PREPARE meta. It
// reports false if the id is already in the pipeline.
func (s *ConnState) BeginQoS2(id uint64, payload []byte, meta *Q2Meta) bool {
	s.q2Mu.Lock()
	defer s.q2Mu.Unlock()
	if _, ok := s.q2Pending[id]; ok {
		return false
	}

	s.pendMu.Lock()
	_, inPrep := s.pubPrepare[id]
	_, inResp := s.pendingResp[id]
	if inPrep || inResp {
		s.pendMu.Unlock()
		return false
	}
	s.pubPrepare[id] = payload
	s.pendMu.Unlock()

	s.q2Pending[id] = meta
	return true
}

// AdvanceQoS2 transitions id from the Prepare to the Commit stage on
// PREPARE_ACK, moving the staged payload from pubPrepare to pendingResp
// and replacing the retried frame with commitFrame. It reports false when
// no matching PREPARE is outstanding.
func (s *ConnState) AdvanceQoS2(id uint64, commitFrame []byte, nextRetry time.Time) bool {
	s.q2Mu.Lock()
	defer s.q2Mu.Unlock()
	meta, ok := s.q2Pending[id]
	if !ok || meta.Stage != StagePrepare {
		return false
	}

	s.pendMu.Lock()
	if payload, ok := s.pubPrepare[id]; ok {
		s.pendingResp[id] = payload
		delete(s.pubPrepare, id)
	}
	s.pendMu.Unlock()

	meta.Stage = StageCommit
	meta.Frame = commitFrame
	meta.RetryCount = 0
	meta.NextRetry = nextRetry
	meta.LastTouched = time.Now()
	return true
}

// CompleteQoS2 clears all QoS-2 state for id on COMPLETE and returns the
// payload to be released as DATA, if any. COMPLETE unconditionally clears
// the id, so a COMMIT retry racing a COMPLETE is benign.
func (s *ConnState) CompleteQoS2(id uint64) ([]byte, bool) {
	s.q2Mu.Lock()
	delete(s.q2Pending, id)
	s.q2Mu.Unlock()

	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	payload, ok := s.pendingResp[id]
	if ok {
		delete(s.pendingResp, id)
	}
	delete(s.pubPrepare, id)
	return payload, ok
}

// RegisterSeen records an inbound id for duplicate rejection. Entries
// older than ttl are purged first. It reports true when the id is fresh.
// The window is TTL-bounded only; there is no hard count cap.
func (s *ConnState) RegisterSeen(id uint64, ttl time.Duration) bool {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()

	now := time.Now()
	for len(s.seenQueue) > 0 && now.Sub(s.seenQueue[0].at) > ttl {
		delete(s.seenSet, s.seenQueue[0].id)
		s.seenQueue = s.seenQueue[1:]
	}

	if _, ok := s.seenSet[id]; ok {
		return false
	}
	s.seenSet[id] = struct{}{}
	s.seenQueue = append(s.seenQueue, seenEntry{id: id, at: now})
	return true
}

// Reset drops all pending state. Invoked when reliability options change
// at runtime.
func (s *ConnState) Reset() {
	s.q2Mu.Lock()
	s.q2Pending = make(map[uint64]*Q2Meta)
	s.q2Mu.Unlock()

	s.pendMu.Lock()
	s.pending1 = make(map[uint64]*FrameInfo)
	s.seenSet = make(map[uint64]struct{})
	s.seenQueue = nil
	s.pubPrepare = make(map[uint64][]byte)
	s.pendingResp = make(map[uint64][]byte)
	s.pendMu.Unlock()
}

// WalkDue1 visits every QoS-1 entry whose retry deadline has passed,
// under the QoS-1 lock. The visitor returns true to keep the entry (after
// mutating its retry state) or false to evict it.
func (s *ConnState) WalkDue1(now time.Time, visit func(id uint64, info *FrameInfo) bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	for id, info := range s.pending1 {
		if now.Before(info.NextRetry) {
			continue
		}
		if !visit(id, info) {
			delete(s.pending1, id)
		}
	}
}

// WalkDue2 is WalkDue1 for the QoS-2 pending table.
func (s *ConnState) WalkDue2(now time.Time, visit func(id uint64, meta *Q2Meta) bool) {
	s.q2Mu.Lock()
	defer s.q2Mu.Unlock()
	for id, meta := range s.q2Pending {
		if now.Before(meta.NextRetry) {
			continue
		}
		if !visit(id, meta) {
			delete(s.q2Pending, id)
		}
	}
}
