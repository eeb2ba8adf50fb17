// ABOUTME: Tests for the SSE observer connection registry
// ABOUTME: Covers subscribe, fan-out, eviction on write failure, heartbeat, no-replay

package broadcast

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenWriter fails every write after the first n successes.
type brokenWriter struct {
	header    http.Header
	successes int
	writes    int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.successes {
		return 0, errors.New("connection reset")
	}
	return len(p), nil
}

func (w *brokenWriter) WriteHeader(int) {}
func (w *brokenWriter) Flush()          {}

func TestRegistry_SubscribeSendsGreeting(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	rec := httptest.NewRecorder()

	conn, err := r.Subscribe(rec)
	require.NoError(t, err)
	defer r.Remove(conn.ID)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, conn.ID)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_SubscribeRequiresFlusher(t *testing.T) {
	r := NewRegistry(time.Hour, nil)

	type plainWriter struct{ http.ResponseWriter }
	_, err := r.Subscribe(plainWriter{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestRegistry_DeliverFansOutToAllConnections(t *testing.T) {
	r := NewRegistry(time.Hour, nil)

	rec1 := httptest.NewRecorder()
	rec2 := httptest.NewRecorder()
	conn1, err := r.Subscribe(rec1)
	require.NoError(t, err)
	conn2, err := r.Subscribe(rec2)
	require.NoError(t, err)
	defer r.Remove(conn1.ID)
	defer r.Remove(conn2.ID)

	batch := []Envelope{newEnvelope("message.updated", map[string]any{"status": "done"})}
	require.NoError(t, r.Deliver(batch))

	for i, rec := range []*httptest.ResponseRecorder{rec1, rec2} {
		body := rec.Body.String()
		assert.Contains(t, body, `"message.updated"`, "connection %d missing batch", i)
		assert.Contains(t, body, `"status":"done"`)
	}
}

func TestRegistry_NoReplayForLateSubscribers(t *testing.T) {
	r := NewRegistry(time.Hour, nil)

	rec1 := httptest.NewRecorder()
	conn1, err := r.Subscribe(rec1)
	require.NoError(t, err)
	defer r.Remove(conn1.ID)

	require.NoError(t, r.Deliver([]Envelope{newEnvelope("before.join", nil)}))

	// A late subscriber sees only its greeting, not the earlier batch
	rec2 := httptest.NewRecorder()
	conn2, err := r.Subscribe(rec2)
	require.NoError(t, err)
	defer r.Remove(conn2.ID)

	assert.NotContains(t, rec2.Body.String(), "before.join")

	require.NoError(t, r.Deliver([]Envelope{newEnvelope("after.join", nil)}))
	assert.Contains(t, rec2.Body.String(), "after.join")
}

func TestRegistry_FailedWriteEvictsOnlyThatConnection(t *testing.T) {
	r := NewRegistry(time.Hour, nil)

	// First write (greeting) succeeds, everything after fails
	broken := &brokenWriter{successes: 1}
	connBroken, err := r.Subscribe(broken)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	connOK, err := r.Subscribe(rec)
	require.NoError(t, err)
	defer r.Remove(connOK.ID)

	require.Equal(t, 2, r.Count())

	require.NoError(t, r.Deliver([]Envelope{newEnvelope("message.updated", nil)}))

	assert.Equal(t, 1, r.Count(), "broken connection should be evicted")
	assert.Contains(t, rec.Body.String(), "message.updated")

	select {
	case <-connBroken.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted connection not marked done")
	}
}

func TestRegistry_RemoveUnblocksDone(t *testing.T) {
	r := NewRegistry(time.Hour, nil)

	rec := httptest.NewRecorder()
	conn, err := r.Subscribe(rec)
	require.NoError(t, err)

	r.Remove(conn.ID)
	r.Remove(conn.ID) // idempotent

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Remove")
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_HeartbeatKeepsConnectionAlive(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	conn, err := r.Subscribe(rec)
	require.NoError(t, err)
	defer r.Remove(conn.ID)

	time.Sleep(50 * time.Millisecond)

	assert.True(t, strings.Contains(rec.Body.String(), ": heartbeat"),
		"expected heartbeat comment frames")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_HeartbeatFailureEvicts(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)

	broken := &brokenWriter{successes: 1}
	conn, err := r.Subscribe(broken)
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection with failing heartbeat not evicted")
	}
	assert.Equal(t, 0, r.Count())
}
