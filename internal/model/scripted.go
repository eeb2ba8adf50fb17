// ABOUTME: Scripted in-memory adapter that replays a fixed sequence of deltas
// ABOUTME: Used by tests and hearthd dry runs; honors context cancellation between yields

package model

import (
	"context"
	"time"
)

// ScriptedAdapter replays a fixed list of deltas with an optional pause
// between each, then either ends normally or fails with FailWith.
type ScriptedAdapter struct {
	Deltas   []string
	Interval time.Duration // pause before each delta, 0 yields immediately
	FailWith error         // emitted after all deltas when non-nil
}

// Stream implements Adapter.
func (a *ScriptedAdapter) Stream(ctx context.Context, _ []Turn) (<-chan StreamEvent, error) {
	// Buffer one slot so the final cancellation event never blocks a
	// producer whose consumer already went away.
	out := make(chan StreamEvent, 1)

	go func() {
		defer close(out)

		for _, delta := range a.Deltas {
			if a.Interval > 0 {
				select {
				case <-time.After(a.Interval):
				case <-ctx.Done():
					sendNonBlocking(out, StreamEvent{Err: ctx.Err()})
					return
				}
			}

			select {
			case out <- StreamEvent{Delta: delta}:
			case <-ctx.Done():
				sendNonBlocking(out, StreamEvent{Err: ctx.Err()})
				return
			}
		}

		if a.FailWith != nil {
			out <- StreamEvent{Err: a.FailWith}
		}
	}()

	return out, nil
}

// sendNonBlocking drops the event if nobody is reading anymore.
func sendNonBlocking(out chan StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	default:
	}
}
