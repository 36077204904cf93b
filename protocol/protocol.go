// Package protocol defines the pluggable payload codecs that turn raw
// frame payloads into (method, payload) requests and back. The
// reliability core is codec-agnostic; codecs are installed on the App.
package protocol

import (
	"errors"

	"github.com/efecan0/binaryrpc-framework/rpc"
)

// ErrMalformed is returned when a payload cannot be parsed into a
// request.
var ErrMalformed = errors.New("malformed request payload")

// Request is a parsed inbound payload.
type Request struct {
	Method  string
	Payload []byte
}

// Protocol encodes and decodes request payloads.
type Protocol interface {
	// Parse extracts the method name and payload from raw bytes.
	Parse(data []byte) (Request, error)
	// Serialize builds the wire payload for a method call or reply.
	Serialize(method string, payload []byte) []byte
	// SerializeError builds the wire payload for a protocol error.
	SerializeError(e *rpc.Error) []byte
}
