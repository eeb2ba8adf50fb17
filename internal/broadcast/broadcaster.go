// ABOUTME: Two-lane event broadcaster that batches notifications for connected observers
// ABOUTME: Standard lane favors batch efficiency, streaming lane favors perceived latency

package broadcast

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of broadcast. Name discriminates the payload shape.
type Envelope struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Type      string         `json:"type"`      // always "update"
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
}

// Sink receives flushed batches. A non-nil error triggers the lane's retry
// policy for the whole batch.
type Sink interface {
	Deliver(batch []Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(batch []Envelope) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(batch []Envelope) error { return f(batch) }

// ErrorFunc is invoked when a batch is dropped after its retry budget.
type ErrorFunc func(err error, batch []Envelope)

// Broadcaster accumulates notifications into two independent lanes and
// flushes them to a delivery sink. Producers never block on delivery and
// never learn how many observers exist.
type Broadcaster struct {
	standard  *lane
	streaming *lane
	logger    *slog.Logger
}

// Option customizes a Broadcaster.
type Option func(*options)

type options struct {
	standard  LaneConfig
	streaming LaneConfig
	onError   ErrorFunc
}

// WithStandardLane overrides the standard lane policy.
func WithStandardLane(cfg LaneConfig) Option {
	return func(o *options) { o.standard = cfg }
}

// WithStreamingLane overrides the streaming lane policy.
func WithStreamingLane(cfg LaneConfig) Option {
	return func(o *options) { o.streaming = cfg }
}

// WithErrorFunc installs a callback for dropped batches.
func WithErrorFunc(f ErrorFunc) Option {
	return func(o *options) { o.onError = f }
}

// New creates a broadcaster delivering to sink. Pass nil logger for default.
func New(sink Sink, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broadcast")

	o := options{
		standard:  StandardLaneConfig(),
		streaming: StreamingLaneConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Broadcaster{
		standard:  newLane("standard", o.standard, sink, o.onError, logger),
		streaming: newLane("streaming", o.streaming, sink, o.onError, logger),
		logger:    logger,
	}
}

// Publish enqueues a notification on the standard lane.
func (b *Broadcaster) Publish(name string, payload map[string]any) {
	b.standard.enqueue(newEnvelope(name, payload))
}

// PublishStreaming enqueues a high-frequency incremental-content
// notification on the streaming lane.
func (b *Broadcaster) PublishStreaming(name string, payload map[string]any) {
	b.streaming.enqueue(newEnvelope(name, payload))
}

// Close drains both lanes and stops their flushers.
func (b *Broadcaster) Close() {
	b.streaming.close()
	b.standard.close()
	b.logger.Debug("broadcaster closed")
}

func newEnvelope(name string, payload map[string]any) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      "update",
		Name:      name,
		Payload:   payload,
	}
}
