// Package qos holds the delivery-guarantee machinery shared by the
// transport and the retry scheduler: reliability options, backoff
// strategies, and the per-connection pending tables for QoS 1 and QoS 2
// message flows.
package qos

import "time"

// Level is the delivery guarantee class for outgoing messages.
type Level int

const (
	// None delivers at most once. No acknowledgement is expected.
	None Level = iota
	// AtLeastOnce retries DATA frames until an ACK arrives.
	AtLeastOnce
	// ExactlyOnce runs the PREPARE/COMMIT two-phase handshake.
	ExactlyOnce
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case AtLeastOnce:
		return "at_least_once"
	case ExactlyOnce:
		return "exactly_once"
	default:
		return "unknown"
	}
}

// ReliableOptions controls retry behavior, backoff, session retention and
// send-queue bounds. Built once at startup and passed by reference.
type ReliableOptions struct {
	Level Level

	// BaseRetry is the initial retry delay.
	BaseRetry time.Duration
	// MaxRetry bounds resend attempts per message. 0 means unbounded.
	MaxRetry uint32
	// MaxBackoff caps the delay produced by the backoff strategy.
	MaxBackoff time.Duration

	// SessionTTL is how long a disconnected session is retained.
	SessionTTL time.Duration
	// DuplicateTTL is the window for duplicate suppression, both for the
	// id-based seen set and the payload-hash filter.
	DuplicateTTL time.Duration

	// Backoff maps an attempt number to a delay. Defaults to
	// ExponentialBackoff(BaseRetry, MaxBackoff) when nil.
	Backoff BackoffStrategy

	// EnableCompression turns on WebSocket per-message deflate for
	// outgoing frames whose encoded length exceeds CompressionThreshold.
	// The frame bytes themselves are not altered.
	EnableCompression    bool
	CompressionThreshold int

	// MaxSendQueueSize is the per-connection backpressure hard limit.
	// A connection whose queue exceeds it is closed with code 1009.
	MaxSendQueueSize int
}

// DefaultOptions returns the reliability defaults used when the caller
// does not configure the transport.
func DefaultOptions() ReliableOptions {
	return ReliableOptions{
		Level:                None,
		BaseRetry:            100 * time.Millisecond,
		MaxRetry:             3,
		MaxBackoff:           time.Second,
		SessionTTL:           15 * time.Minute,
		DuplicateTTL:         5 * time.Second,
		CompressionThreshold: 1024,
		MaxSendQueueSize:     1000,
	}
}

// Normalize fills in derived defaults. It is called by the transport when
// options are installed.
func (o *ReliableOptions) Normalize() {
	if o.BaseRetry <= 0 {
		o.BaseRetry = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	if o.Backoff == nil {
		o.Backoff = NewExponentialBackoff(o.BaseRetry, o.MaxBackoff)
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 1024
	}
	if o.MaxSendQueueSize <= 0 {
		o.MaxSendQueueSize = 1000
	}
	if o.DuplicateTTL <= 0 {
		o.DuplicateTTL = 5 * time.Second
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 15 * time.Minute
	}
}
