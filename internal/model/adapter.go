// ABOUTME: Model adapter capability consumed by the session manager
// ABOUTME: Defines the cancellable delta-stream contract and conversation turns

package model

import (
	"context"
	"errors"
)

// ErrUnknownProvider indicates no adapter factory is registered for a provider.
var ErrUnknownProvider = errors.New("unknown provider")

// Turn is one entry of the conversation history handed to an adapter.
type Turn struct {
	Role    string // user | assistant | system | tool
	Content string
}

// StreamEvent is a single event in a streaming model response.
// Exactly one of Delta or Err is meaningful; the channel closes after the
// final event. A nil Err with empty Delta is a keep-alive and may be ignored.
type StreamEvent struct {
	Delta string
	Err   error
}

// Adapter produces a cancellable lazy sequence of text deltas for a
// conversation history. Implementations must stop yielding promptly when ctx
// is cancelled and surface the cancellation as an event with
// context.Canceled.
type Adapter interface {
	// Stream starts a generation and returns a channel of delta events.
	// The channel is closed when the stream is exhausted, fails, or is
	// cancelled. Returns an error only if the stream cannot be started.
	Stream(ctx context.Context, history []Turn) (<-chan StreamEvent, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, history []Turn) (<-chan StreamEvent, error)

// Stream implements Adapter.
func (f AdapterFunc) Stream(ctx context.Context, history []Turn) (<-chan StreamEvent, error) {
	return f(ctx, history)
}
