package qos

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDMonotonic(t *testing.T) {
	st := NewConnState()

	assert.Equal(t, uint64(1), st.NextID())
	assert.Equal(t, uint64(2), st.NextID())

	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = st.NextID()
		}(i)
	}
	wg.Wait()

	unique := make(map[uint64]struct{}, len(seen))
	for _, id := range seen {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, 100)
}

func TestPending1AddAck(t *testing.T) {
	st := NewConnState()
	st.AddPending1(1, &FrameInfo{Frame: []byte("f")})

	assert.Equal(t, 1, st.Pending1Len())
	assert.True(t, st.AckPending1(1))
	assert.Equal(t, 0, st.Pending1Len())

	// Unknown ids are reported, not invented.
	assert.False(t, st.AckPending1(99))
}

func TestRegisterSeenDeduplicates(t *testing.T) {
	st := NewConnState()
	ttl := time.Minute

	assert.True(t, st.RegisterSeen(7, ttl))
	assert.False(t, st.RegisterSeen(7, ttl))
	assert.True(t, st.RegisterSeen(8, ttl))
}

func TestRegisterSeenTTLExpiry(t *testing.T) {
	st := NewConnState()
	ttl := 20 * time.Millisecond

	require.True(t, st.RegisterSeen(7, ttl))
	time.Sleep(40 * time.Millisecond)

	// Expired entry is purged on the next registration.
	assert.True(t, st.RegisterSeen(7, ttl))
}

func TestQoS2Lifecycle(t *testing.T) {
	st := NewConnState()
	payload := []byte("payload")

	ok := st.BeginQoS2(5, payload, &Q2Meta{Stage: StagePrepare, Frame: []byte("prepare")})
	require.True(t, ok)
	assert.True(t, st.HasQoS2(5))

	// Re-entering with the same id is a no-op.
	assert.False(t, st.BeginQoS2(5, payload, &Q2Meta{}))

	require.True(t, st.AdvanceQoS2(5, []byte("commit"), time.Now()))
	assert.True(t, st.HasQoS2(5))

	// A second PREPARE_ACK finds the entry in Commit stage and is ignored.
	assert.False(t, st.AdvanceQoS2(5, []byte("commit"), time.Now()))

	got, ok := st.CompleteQoS2(5)
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.False(t, st.HasQoS2(5))

	// COMPLETE replays clear nothing and release nothing.
	_, ok = st.CompleteQoS2(5)
	assert.False(t, ok)
}

func TestAdvanceQoS2UnknownID(t *testing.T) {
	st := NewConnState()
	assert.False(t, st.AdvanceQoS2(1, []byte("commit"), time.Now()))
}

func TestCompleteBeforeAdvanceReleasesNothing(t *testing.T) {
	st := NewConnState()
	require.True(t, st.BeginQoS2(9, []byte("p"), &Q2Meta{Stage: StagePrepare}))

	// COMPLETE without PREPARE_ACK: the payload never moved to
	// pendingResp, so nothing is released, but the id is fully cleared.
	_, ok := st.CompleteQoS2(9)
	assert.False(t, ok)
	assert.False(t, st.HasQoS2(9))
}

func TestWalkDue1(t *testing.T) {
	st := NewConnState()
	now := time.Now()

	st.AddPending1(1, &FrameInfo{NextRetry: now.Add(-time.Millisecond)})
	st.AddPending1(2, &FrameInfo{NextRetry: now.Add(time.Hour)})

	var visited []uint64
	st.WalkDue1(now, func(id uint64, info *FrameInfo) bool {
		visited = append(visited, id)
		return true
	})
	assert.Equal(t, []uint64{1}, visited)

	// Evicting from the walk removes the entry.
	st.WalkDue1(now, func(id uint64, info *FrameInfo) bool { return false })
	assert.Equal(t, 1, st.Pending1Len())
	assert.False(t, st.AckPending1(1))
	assert.True(t, st.AckPending1(2))
}

func TestWalkDue2(t *testing.T) {
	st := NewConnState()
	now := time.Now()

	require.True(t, st.BeginQoS2(1, []byte("a"), &Q2Meta{NextRetry: now.Add(-time.Millisecond)}))
	require.True(t, st.BeginQoS2(2, []byte("b"), &Q2Meta{NextRetry: now.Add(time.Hour)}))

	var visited []uint64
	st.WalkDue2(now, func(id uint64, meta *Q2Meta) bool {
		visited = append(visited, id)
		return false
	})
	assert.Equal(t, []uint64{1}, visited)
	assert.Equal(t, 1, st.Pending2Len())
}

func TestReset(t *testing.T) {
	st := NewConnState()
	st.AddPending1(1, &FrameInfo{})
	require.True(t, st.BeginQoS2(2, []byte("x"), &Q2Meta{}))
	require.True(t, st.RegisterSeen(3, time.Minute))

	st.Reset()

	assert.Equal(t, 0, st.Pending1Len())
	assert.Equal(t, 0, st.Pending2Len())
	assert.False(t, st.HasQoS2(2))
	assert.True(t, st.RegisterSeen(3, time.Minute))
}
