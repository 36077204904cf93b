package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRegisterCall(t *testing.T) {
	m := NewManager(nil)
	var got []byte

	m.Register("echo", func(req []byte, ctx *Context) {
		got = req
	})

	found, err := m.Call("echo", []byte("hi"), NewContext(testSession(t), nil, nil))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hi"), got)
}

func TestManagerUnknownMethod(t *testing.T) {
	m := NewManager(nil)
	found, err := m.Call("nope", nil, NewContext(testSession(t), nil, nil))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManagerHandlerPanicContained(t *testing.T) {
	m := NewManager(nil)
	m.Register("boom", func(req []byte, ctx *Context) {
		panic("kaput")
	})

	found, err := m.Call("boom", nil, NewContext(testSession(t), nil, nil))
	assert.True(t, found)
	assert.Error(t, err)
}

func TestManagerReplaceHandler(t *testing.T) {
	m := NewManager(nil)
	m.Register("m", func(req []byte, ctx *Context) { panic("old") })
	m.Register("m", func(req []byte, ctx *Context) {})

	found, err := m.Call("m", nil, NewContext(testSession(t), nil, nil))
	assert.True(t, found)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"m"}, m.Methods())
}
