// ABOUTME: Single batching lane with size/time triggered flushes and retried delivery
// ABOUTME: One flusher goroutine per lane keeps batch delivery strictly FIFO

package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LaneConfig tunes one batching lane.
type LaneConfig struct {
	MaxSize     int           // flush when the buffer reaches this many items
	Wait        time.Duration // flush at least this often
	MaxAttempts int           // delivery attempts per batch before dropping it
	BaseWait    time.Duration // initial backoff interval between attempts
}

// StandardLaneConfig returns the default policy for ordinary notifications:
// larger batches, tolerant retries.
func StandardLaneConfig() LaneConfig {
	return LaneConfig{MaxSize: 100, Wait: 100 * time.Millisecond, MaxAttempts: 3, BaseWait: time.Second}
}

// StreamingLaneConfig returns the policy for high-frequency incremental
// content: tiny batches flushed at roughly one animation frame, fewer
// retries in exchange for freshness.
func StreamingLaneConfig() LaneConfig {
	return LaneConfig{MaxSize: 10, Wait: 16 * time.Millisecond, MaxAttempts: 2, BaseWait: 500 * time.Millisecond}
}

// lane accumulates envelopes and flushes them to the sink from a single
// goroutine, so batches leave in enqueue order.
type lane struct {
	name    string
	cfg     LaneConfig
	sink    Sink
	onError ErrorFunc
	logger  *slog.Logger

	mu     sync.Mutex
	buf    []Envelope
	closed bool

	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newLane(name string, cfg LaneConfig, sink Sink, onError ErrorFunc, logger *slog.Logger) *lane {
	l := &lane{
		name:    name,
		cfg:     cfg,
		sink:    sink,
		onError: onError,
		logger:  logger.With("lane", name),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// enqueue adds an envelope to the buffer and nudges the flusher when the
// batch size threshold is reached. Safe to call from any goroutine.
func (l *lane) enqueue(ev Envelope) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.buf = append(l.buf, ev)
	full := len(l.buf) >= l.cfg.MaxSize
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// close stops the flusher after one final drain of the buffer.
func (l *lane) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	<-l.stopped
}

func (l *lane) flushLoop() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.cfg.Wait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.kick:
		case <-l.done:
			l.flush()
			return
		}
		l.flush()
	}
}

// flush drains the buffer in batches of at most MaxSize, delivering each in
// order. A dropped batch does not stop the ones queued behind it.
func (l *lane) flush() {
	for {
		l.mu.Lock()
		if len(l.buf) == 0 {
			l.mu.Unlock()
			return
		}
		n := min(len(l.buf), l.cfg.MaxSize)
		batch := make([]Envelope, n)
		copy(batch, l.buf[:n])
		l.buf = l.buf[n:]
		l.mu.Unlock()

		l.deliver(batch)
	}
}

// deliver pushes one batch to the sink, retrying with exponential backoff
// and jitter. When the retry budget is exhausted the batch is dropped and
// the error callback fires.
func (l *lane) deliver(batch []Envelope) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BaseWait
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2

	err := backoff.Retry(func() error {
		return l.sink.Deliver(batch)
	}, backoff.WithMaxRetries(bo, uint64(l.cfg.MaxAttempts-1)))

	if err != nil {
		l.logger.Error("dropping batch after exhausted retries",
			"size", len(batch),
			"attempts", l.cfg.MaxAttempts,
			"error", err)
		if l.onError != nil {
			l.onError(err, batch)
		}
	}
}
