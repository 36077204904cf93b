package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/efecan0/binaryrpc-framework/session"
)

func testSession(t *testing.T) *session.Session {
	t.Helper()
	m := session.NewManager(session.DefaultManagerOptions(), nil)
	return m.CreateSession(session.Identity{ClientID: "test"}, time.Now())
}

func TestChainRunsInOrder(t *testing.T) {
	c := NewChain(nil)
	var order []int

	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		order = append(order, 1)
		next()
	})
	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		order = append(order, 2)
		next()
	})

	payload := []byte("p")
	ok := c.Execute(testSession(t), "m", &payload)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, order)
}

func TestChainStopsWhenNextNotCalled(t *testing.T) {
	c := NewChain(nil)
	reached := false

	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		// deny: no next()
	})
	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		reached = true
		next()
	})

	payload := []byte("p")
	assert.False(t, c.Execute(testSession(t), "m", &payload))
	assert.False(t, reached)
}

func TestChainScopedMiddleware(t *testing.T) {
	c := NewChain(nil)
	var calls []string

	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		calls = append(calls, "global")
		next()
	})
	c.UseFor("login", func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		calls = append(calls, "login-only")
		next()
	})

	payload := []byte("p")
	assert.True(t, c.Execute(testSession(t), "other", &payload))
	assert.Equal(t, []string{"global"}, calls)

	calls = nil
	assert.True(t, c.Execute(testSession(t), "login", &payload))
	assert.Equal(t, []string{"global", "login-only"}, calls)
}

func TestChainRewritesPayload(t *testing.T) {
	c := NewChain(nil)

	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		*payload = []byte("rewritten")
		next()
	})

	payload := []byte("original")
	assert.True(t, c.Execute(testSession(t), "m", &payload))
	assert.Equal(t, []byte("rewritten"), payload)
}

func TestChainPanicStops(t *testing.T) {
	c := NewChain(nil)
	reached := false

	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		panic("boom")
	})
	c.Use(func(s *session.Session, method string, payload *[]byte, next NextFunc) {
		reached = true
		next()
	})

	payload := []byte("p")
	assert.False(t, c.Execute(testSession(t), "m", &payload))
	assert.False(t, reached)
}

func TestEmptyChainPasses(t *testing.T) {
	c := NewChain(nil)
	payload := []byte("p")
	assert.True(t, c.Execute(testSession(t), "m", &payload))
}
