// ABOUTME: Live observer connection registry delivering batches over SSE
// ABOUTME: Heartbeats keep connections alive; failed writes evict only that connection

package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHeartbeatInterval is how often idle connections receive a comment
// frame to keep intermediaries from closing them.
const DefaultHeartbeatInterval = 15 * time.Second

// Connection is one live observer push channel.
type Connection struct {
	ID string

	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex // serializes writes from delivery and heartbeat
	closeOnce sync.Once
	closed    chan struct{}
}

// Done is closed when the connection has been removed from the registry.
// HTTP handlers block on it to keep the response body open.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// writeFrame writes one SSE data frame and flushes it.
func (c *Connection) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// writeComment writes an SSE comment frame (used for heartbeats).
func (c *Connection) writeComment(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Registry tracks live observer connections and implements Sink by fanning
// each flushed batch out to all of them. Connections added after a batch was
// delivered never see it; there is no backlog or replay.
type Registry struct {
	mu                sync.RWMutex
	conns             map[string]*Connection
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewRegistry creates an empty connection registry. A non-positive
// heartbeat interval falls back to DefaultHeartbeatInterval. Pass nil
// logger for default.
func NewRegistry(heartbeatInterval time.Duration, logger *slog.Logger) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:             make(map[string]*Connection),
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "channel"),
	}
}

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = fmt.Errorf("response writer does not support streaming")

// Subscribe registers w as a live observer: sets SSE headers, sends the
// connected greeting, and starts the heartbeat. The caller must block on
// conn.Done() (or the request context) and then call Remove.
func (r *Registry) Subscribe(w http.ResponseWriter) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := &Connection{
		ID:      uuid.New().String(),
		w:       w,
		flusher: flusher,
		closed:  make(chan struct{}),
	}

	greeting, err := json.Marshal(map[string]string{
		"type":         "connected",
		"connectionId": conn.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding greeting: %w", err)
	}
	if err := conn.writeFrame(greeting); err != nil {
		return nil, fmt.Errorf("writing greeting: %w", err)
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	go r.heartbeat(conn)

	r.logger.Debug("observer connected", "connection_id", conn.ID, "total", total)
	return conn, nil
}

// Remove drops a connection from the registry and unblocks its handler.
// Safe to call multiple times.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.closeOnce.Do(func() { close(conn.closed) })
	r.logger.Debug("observer disconnected", "connection_id", id, "total", total)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver implements Sink: the batch is encoded once and written to every
// live connection. A connection whose write fails is evicted; other
// connections are unaffected and the batch itself is considered delivered.
func (r *Registry) Deliver(batch []Envelope) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.writeFrame(data); err != nil {
			r.logger.Warn("evicting observer after failed write",
				"connection_id", conn.ID,
				"error", err)
			r.Remove(conn.ID)
		}
	}
	return nil
}

// heartbeat periodically writes a comment frame until the connection is
// removed; a failed write evicts the connection.
func (r *Registry) heartbeat(conn *Connection) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.closed:
			return
		case <-ticker.C:
			if err := conn.writeComment("heartbeat"); err != nil {
				r.Remove(conn.ID)
				return
			}
		}
	}
}
