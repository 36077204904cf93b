package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instrument set for the RPC framework. All recording
// methods accept a nil receiver and do nothing, so instrumentation sites
// stay unconditional.
type Metrics struct {
	meter metric.Meter

	connectionsTotal   metric.Int64Counter
	connectionsCurrent metric.Int64UpDownCounter
	framesReceived     metric.Int64Counter
	framesSent         metric.Int64Counter
	bytesReceived      metric.Int64Counter
	bytesSent          metric.Int64Counter
	retriesTotal       metric.Int64Counter
	offlineQueued      metric.Int64Counter
	errorsTotal        metric.Int64Counter
}

// NewMetrics creates the instrument set on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("binaryrpc"),
	}

	var err error
	if m.connectionsTotal, err = m.meter.Int64Counter(
		"rpc.connections.total",
		metric.WithDescription("Total accepted WebSocket connections"),
	); err != nil {
		return nil, fmt.Errorf("create connections counter: %w", err)
	}
	if m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"rpc.connections.current",
		metric.WithDescription("Currently open WebSocket connections"),
	); err != nil {
		return nil, fmt.Errorf("create current connections gauge: %w", err)
	}
	if m.framesReceived, err = m.meter.Int64Counter(
		"rpc.frames.received.total",
		metric.WithDescription("Frames received from clients"),
	); err != nil {
		return nil, fmt.Errorf("create frames received counter: %w", err)
	}
	if m.framesSent, err = m.meter.Int64Counter(
		"rpc.frames.sent.total",
		metric.WithDescription("Frames sent to clients"),
	); err != nil {
		return nil, fmt.Errorf("create frames sent counter: %w", err)
	}
	if m.bytesReceived, err = m.meter.Int64Counter(
		"rpc.bytes.received.total",
		metric.WithDescription("Bytes received from clients"),
	); err != nil {
		return nil, fmt.Errorf("create bytes received counter: %w", err)
	}
	if m.bytesSent, err = m.meter.Int64Counter(
		"rpc.bytes.sent.total",
		metric.WithDescription("Bytes sent to clients"),
	); err != nil {
		return nil, fmt.Errorf("create bytes sent counter: %w", err)
	}
	if m.retriesTotal, err = m.meter.Int64Counter(
		"rpc.retries.total",
		metric.WithDescription("QoS frame retransmissions"),
	); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if m.offlineQueued, err = m.meter.Int64Counter(
		"rpc.offline.queued.total",
		metric.WithDescription("Messages routed to offline queues"),
	); err != nil {
		return nil, fmt.Errorf("create offline queued counter: %w", err)
	}
	if m.errorsTotal, err = m.meter.Int64Counter(
		"rpc.errors.total",
		metric.WithDescription("Protocol errors sent to clients"),
	); err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}

	return m, nil
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(ctx, -1)
}

// FrameReceived records one inbound frame of n bytes.
func (m *Metrics) FrameReceived(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(n))
}

// FrameSent records one outbound frame of n bytes.
func (m *Metrics) FrameSent(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(n))
}

// Retry records one QoS retransmission.
func (m *Metrics) Retry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1)
}

// OfflineQueued records one message routed to an offline queue.
func (m *Metrics) OfflineQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.offlineQueued.Add(ctx, 1)
}

// ProtocolError records one error frame sent to a client.
func (m *Metrics) ProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1)
}
