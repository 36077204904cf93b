package session

import "errors"

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrQueueFull is returned when a session's offline queue is at its
	// per-session capacity.
	ErrQueueFull = errors.New("offline queue full")
	// ErrGlobalQueueFull is returned when the process-wide offline
	// message cap is reached.
	ErrGlobalQueueFull = errors.New("global offline queue full")
)
