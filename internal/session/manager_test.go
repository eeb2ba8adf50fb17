// ABOUTME: Tests for the session manager lifecycle
// ABOUTME: Covers delta accumulation, abort semantics, failure handling and session isolation

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/model"
	"github.com/2389/hearth/internal/store"
)

type event struct {
	name    string
	payload map[string]any
}

// eventRecorder captures published events in order, per lane.
type eventRecorder struct {
	mu        sync.Mutex
	standard  []event
	streaming []event
}

func (r *eventRecorder) Publish(name string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standard = append(r.standard, event{name, payload})
}

func (r *eventRecorder) PublishStreaming(name string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming = append(r.streaming, event{name, payload})
}

func (r *eventRecorder) standardEvents() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.standard))
	copy(out, r.standard)
	return out
}

func (r *eventRecorder) standardNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.standard))
	for i, ev := range r.standard {
		names[i] = ev.name
	}
	return names
}

func (r *eventRecorder) streamingEvents() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.streaming))
	copy(out, r.streaming)
	return out
}

// gatedAdapter yields deltas only when the test feeds them, so tests control
// exactly where in the stream an abort lands.
type gatedAdapter struct {
	deltas chan string

	mu      sync.Mutex
	history []model.Turn
}

func newGatedAdapter() *gatedAdapter {
	return &gatedAdapter{deltas: make(chan string)}
}

func (a *gatedAdapter) capturedHistory() []model.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history
}

func (a *gatedAdapter) Stream(ctx context.Context, history []model.Turn) (<-chan model.StreamEvent, error) {
	a.mu.Lock()
	a.history = history
	a.mu.Unlock()

	out := make(chan model.StreamEvent, 1)
	go func() {
		defer close(out)
		for {
			select {
			case delta, ok := <-a.deltas:
				if !ok {
					return
				}
				select {
				case out <- model.StreamEvent{Delta: delta}:
				case <-ctx.Done():
					out <- model.StreamEvent{Err: ctx.Err()}
					return
				}
			case <-ctx.Done():
				out <- model.StreamEvent{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

type harness struct {
	store    store.Store
	events   *eventRecorder
	manager  *Manager
	adapters map[string]model.Adapter
	mu       sync.Mutex
}

func (h *harness) setAdapter(modelName string, a model.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[modelName] = a
}

func setupManager(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(t.TempDir()+"/hearth.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:    st,
		events:   &eventRecorder{},
		adapters: make(map[string]model.Adapter),
	}

	registry := model.NewRegistry()
	registry.Register("test", func(modelName string, _ model.ProviderConfig) (model.Adapter, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		a, ok := h.adapters[modelName]
		if !ok {
			return nil, fmt.Errorf("no adapter scripted for %s", modelName)
		}
		return a, nil
	})

	h.manager = NewManager(st, h.events, registry, nil)
	return h
}

func (h *harness) createChat(t *testing.T, uid, modelName string) {
	t.Helper()
	err := h.store.CreateChat(testContext(t), &store.Chat{
		UID:      uid,
		Title:    "test chat",
		Provider: "test",
		Model:    modelName,
		Status:   store.ChatStatusActive,
	})
	require.NoError(t, err)
}

func (h *harness) waitForStatus(t *testing.T, messageUID string, want store.MessageStatus) *store.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := h.store.GetMessage(context.Background(), messageUID)
		require.NoError(t, err)
		if msg.Status == want {
			return msg
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("message %s never reached status %s", messageUID, want)
	return nil
}

func (h *harness) waitForIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.manager.ActiveSessions()) == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("sessions still active")
}

func TestManager_StreamedDeltasConcatenate(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &model.ScriptedAdapter{Deltas: []string{"Hel", "lo"}})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "say hello")
	require.NoError(t, err)
	require.NotEmpty(t, receipt.RequestID)

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusDone)
	assert.Equal(t, "Hello", msg.Content)
	assert.Empty(t, msg.Error)

	// Draft keeps one committed segment per delta, in arrival order
	require.Len(t, msg.Draft, 2)
	assert.Equal(t, receipt.RequestID+"-0", msg.Draft[0].ID)
	assert.Equal(t, "Hel", msg.Draft[0].Content)
	assert.Equal(t, receipt.RequestID+"-1", msg.Draft[1].ID)
	assert.Equal(t, "lo", msg.Draft[1].Content)
	for _, seg := range msg.Draft {
		assert.True(t, seg.Committed)
	}

	// Streaming lane saw cumulative content grow delta by delta
	h.waitForIdle(t)
	streaming := h.events.streamingEvents()
	require.Len(t, streaming, 2)
	assert.Equal(t, "Hel", streaming[0].payload["content"])
	assert.Equal(t, "Hel", streaming[0].payload["delta"])
	assert.Equal(t, "Hello", streaming[1].payload["content"])
	assert.Equal(t, "lo", streaming[1].payload["delta"])

	// Standard lane: created (user), created (placeholder), streaming, done
	names := h.events.standardNames()
	assert.Equal(t, []string{
		"message.created", "message.created",
		"message.updated", "message.updated",
	}, names)
}

func TestManager_UserMessageRecordedBeforePlaceholder(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &model.ScriptedAdapter{Deltas: []string{"ok"}})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "ping")
	require.NoError(t, err)
	h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusDone)

	user, err := h.store.GetMessage(testContext(t), receipt.UserMessageUID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, user.Role)
	assert.Equal(t, store.MessageStatusDone, user.Status)
	assert.Equal(t, "ping", user.Content)

	assistant, err := h.store.GetMessage(testContext(t), receipt.AssistantMessageUID)
	require.NoError(t, err)
	assert.Greater(t, assistant.Seq, user.Seq)
	assert.Equal(t, receipt.RequestID, assistant.RequestID)
}

func TestManager_AbortBeforeFirstDelta(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", newGatedAdapter()) // never yields

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "hello?")
	require.NoError(t, err)

	require.True(t, h.manager.AbortSession(receipt.RequestID))

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusAborted)
	assert.Empty(t, msg.Content)
	assert.Empty(t, msg.Draft)
	h.waitForIdle(t)
	assert.Empty(t, h.events.streamingEvents())
}

func TestManager_AbortMidStreamKeepsPartialContent(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	gated := newGatedAdapter()
	h.setAdapter("test-model", gated)

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "go on")
	require.NoError(t, err)

	gated.deltas <- "Hel"
	// Wait until the first delta landed before aborting
	waitStreamed := func() bool { return len(h.events.streamingEvents()) >= 1 }
	for deadline := time.Now().Add(5 * time.Second); !waitStreamed() && time.Now().Before(deadline); {
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, waitStreamed())

	require.True(t, h.manager.AbortSession(receipt.RequestID))

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusAborted)
	assert.Equal(t, "Hel", msg.Content)
	require.Len(t, msg.Draft, 1)

	// Terminal message stays frozen
	err = h.store.AppendDraftSegment(testContext(t), msg.UID, store.DraftSegment{ID: "x", Content: "late"})
	assert.ErrorIs(t, err, store.ErrMessageFinalized)
}

func TestManager_AbortIsIdempotent(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", newGatedAdapter())

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "hi")
	require.NoError(t, err)

	assert.True(t, h.manager.AbortSession(receipt.RequestID))
	// Repeated aborts, racing with teardown, must not panic or change state
	h.manager.AbortSession(receipt.RequestID)

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusAborted)
	h.waitForIdle(t)

	assert.False(t, h.manager.AbortSession(receipt.RequestID), "finished session should not be abortable")

	again, err := h.store.GetMessage(testContext(t), msg.UID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageStatusAborted, again.Status)
}

func TestManager_AbortUnknownSession(t *testing.T) {
	h := setupManager(t)
	assert.False(t, h.manager.AbortSession("no-such-request"))
	assert.Zero(t, h.manager.AbortChatSessions("no-such-chat"))
}

func TestManager_SessionsAreIndependent(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-a", "model-a")
	h.createChat(t, "chat-b", "model-b")

	gatedA := newGatedAdapter()
	gatedB := newGatedAdapter()
	h.setAdapter("model-a", gatedA)
	h.setAdapter("model-b", gatedB)

	receiptA, err := h.manager.StartSession(testContext(t), "chat-a", "one")
	require.NoError(t, err)
	receiptB, err := h.manager.StartSession(testContext(t), "chat-b", "two")
	require.NoError(t, err)

	require.Len(t, h.manager.ActiveSessions(), 2)

	// Aborting A must not disturb B
	require.True(t, h.manager.AbortSession(receiptA.RequestID))
	h.waitForStatus(t, receiptA.AssistantMessageUID, store.MessageStatusAborted)

	gatedB.deltas <- "still "
	gatedB.deltas <- "here"
	close(gatedB.deltas)

	msgB := h.waitForStatus(t, receiptB.AssistantMessageUID, store.MessageStatusDone)
	assert.Equal(t, "still here", msgB.Content)
}

func TestManager_AbortChatSessionsTargetsOneChat(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-a", "model-a")
	h.createChat(t, "chat-b", "model-b")

	h.setAdapter("model-a", newGatedAdapter())
	gatedB := newGatedAdapter()
	h.setAdapter("model-b", gatedB)

	receiptA1, err := h.manager.StartSession(testContext(t), "chat-a", "first")
	require.NoError(t, err)
	receiptA2, err := h.manager.StartSession(testContext(t), "chat-a", "second")
	require.NoError(t, err)
	receiptB, err := h.manager.StartSession(testContext(t), "chat-b", "other")
	require.NoError(t, err)

	require.Len(t, h.manager.ChatSessions("chat-a"), 2)

	assert.Equal(t, 2, h.manager.AbortChatSessions("chat-a"))

	h.waitForStatus(t, receiptA1.AssistantMessageUID, store.MessageStatusAborted)
	h.waitForStatus(t, receiptA2.AssistantMessageUID, store.MessageStatusAborted)

	// Chat B keeps streaming
	gatedB.deltas <- "fine"
	close(gatedB.deltas)
	msgB := h.waitForStatus(t, receiptB.AssistantMessageUID, store.MessageStatusDone)
	assert.Equal(t, "fine", msgB.Content)
}

func TestManager_AdapterFailureMarksError(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &model.ScriptedAdapter{
		Deltas:   []string{"partial "},
		FailWith: errors.New("upstream exploded"),
	})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "doomed")
	require.NoError(t, err)

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusError)
	assert.Equal(t, "partial ", msg.Content)
	assert.Equal(t, "upstream exploded", msg.Error)
}

func TestManager_StartFailsForUnknownChat(t *testing.T) {
	h := setupManager(t)

	_, err := h.manager.StartSession(testContext(t), "ghost", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.manager.ActiveSessions())
}

func TestManager_StartFailsForUnresolvableModel(t *testing.T) {
	h := setupManager(t)
	require.NoError(t, h.store.CreateChat(testContext(t), &store.Chat{
		UID:    "chat-1",
		Model:  "mystery-9000",
		Status: store.ChatStatusActive,
	}))

	_, err := h.manager.StartSession(testContext(t), "chat-1", "hello")
	assert.ErrorIs(t, err, model.ErrUnknownProvider)

	// Nothing was persisted for the failed start
	msgs, err := h.store.ListMessages(testContext(t), "chat-1", store.ListMessagesOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestManager_HistoryIncludesPriorTurns(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")

	for _, m := range []struct{ role, content string }{
		{store.RoleUser, "first question"},
		{store.RoleAssistant, "first answer"},
	} {
		require.NoError(t, h.store.CreateMessage(testContext(t), &store.Message{
			UID:     m.role + "-seed",
			ChatUID: "chat-1",
			Role:    m.role,
			Status:  store.MessageStatusDone,
			Content: m.content,
		}))
	}

	gated := newGatedAdapter()
	h.setAdapter("test-model", gated)

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "second question")
	require.NoError(t, err)
	close(gated.deltas)
	h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusDone)

	history := gated.capturedHistory()
	require.Len(t, history, 3)
	assert.Equal(t, model.Turn{Role: store.RoleUser, Content: "first question"}, history[0])
	assert.Equal(t, model.Turn{Role: store.RoleAssistant, Content: "first answer"}, history[1])
	assert.Equal(t, model.Turn{Role: store.RoleUser, Content: "second question"}, history[2])
}

func TestManager_ShutdownAbortsEverything(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-a", "model-a")
	h.createChat(t, "chat-b", "model-b")
	h.setAdapter("model-a", newGatedAdapter())
	h.setAdapter("model-b", newGatedAdapter())

	receiptA, err := h.manager.StartSession(testContext(t), "chat-a", "one")
	require.NoError(t, err)
	receiptB, err := h.manager.StartSession(testContext(t), "chat-b", "two")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testContext(t), 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	assert.Empty(t, h.manager.ActiveSessions())
	h.waitForStatus(t, receiptA.AssistantMessageUID, store.MessageStatusAborted)
	h.waitForStatus(t, receiptB.AssistantMessageUID, store.MessageStatusAborted)
}

// deafAdapter yields deltas from its own goroutine without ever checking the
// context, like a transport that buffers ahead of cancellation.
type deafAdapter struct {
	deltas int
}

func (a *deafAdapter) Stream(_ context.Context, _ []model.Turn) (<-chan model.StreamEvent, error) {
	out := make(chan model.StreamEvent, a.deltas)
	go func() {
		defer close(out)
		for i := 0; i < a.deltas; i++ {
			out <- model.StreamEvent{Delta: "x"}
			time.Sleep(time.Millisecond)
		}
	}()
	return out, nil
}

func TestManager_ConcurrentSessionsBothStreamToCompletion(t *testing.T) {
	h := setupManager(t)

	deltas := make([]string, 60)
	for i := range deltas {
		deltas[i] = "x"
	}

	h.createChat(t, "chat-a", "model-a")
	h.createChat(t, "chat-b", "model-b")
	h.setAdapter("model-a", &model.ScriptedAdapter{Deltas: deltas})
	h.setAdapter("model-b", &model.ScriptedAdapter{Deltas: deltas})

	receiptA, err := h.manager.StartSession(testContext(t), "chat-a", "one")
	require.NoError(t, err)
	receiptB, err := h.manager.StartSession(testContext(t), "chat-b", "two")
	require.NoError(t, err)

	// Both sessions write to the ledger under contention; neither may be
	// left stranded in a non-terminal state
	msgA := h.waitForStatus(t, receiptA.AssistantMessageUID, store.MessageStatusDone)
	msgB := h.waitForStatus(t, receiptB.AssistantMessageUID, store.MessageStatusDone)

	want := strings.Repeat("x", len(deltas))
	assert.Equal(t, want, msgA.Content)
	assert.Equal(t, want, msgB.Content)
	assert.Len(t, msgA.Draft, len(deltas))
	assert.Len(t, msgB.Draft, len(deltas))
	assert.Empty(t, msgA.Error)
	assert.Empty(t, msgB.Error)
}

func TestManager_AbortDuringUncooperativeStreamIsAborted(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &deafAdapter{deltas: 200})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "keep going")
	require.NoError(t, err)

	// Let a few deltas land, then abort while more keep arriving
	deadline := time.Now().Add(5 * time.Second)
	for len(h.events.streamingEvents()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, len(h.events.streamingEvents()), 3)
	require.True(t, h.manager.AbortSession(receipt.RequestID))

	// A cancelled session ends aborted, never error, and carries no
	// cancellation noise in its error text
	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusAborted)
	assert.Empty(t, msg.Error)
	assert.Equal(t, strings.Repeat("x", len(msg.Draft)), msg.Content)
}

func TestManager_StreamIDCorrelatesPlaceholder(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &model.ScriptedAdapter{Deltas: []string{"Hel", "lo"}})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "hi")
	require.NoError(t, err)
	require.NotEmpty(t, receipt.StreamID)

	msg := h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusDone)
	assert.Equal(t, receipt.StreamID, msg.StreamID)

	byStream, err := h.store.GetMessageByStreamID(testContext(t), receipt.StreamID)
	require.NoError(t, err)
	assert.Equal(t, receipt.AssistantMessageUID, byStream.UID)

	h.waitForIdle(t)
	for _, ev := range h.events.streamingEvents() {
		assert.Equal(t, receipt.StreamID, ev.payload["streamId"])
	}

	// The placeholder's created event announces the stream identity
	var placeholderCreated bool
	for _, ev := range h.events.standardEvents() {
		if ev.name == "message.created" && ev.payload["messageUid"] == receipt.AssistantMessageUID {
			placeholderCreated = true
			assert.Equal(t, receipt.StreamID, ev.payload["streamId"])
		}
	}
	assert.True(t, placeholderCreated)
}

func TestManager_ChatPreviewTracksLatestContent(t *testing.T) {
	h := setupManager(t)
	h.createChat(t, "chat-1", "test-model")
	h.setAdapter("test-model", &model.ScriptedAdapter{Deltas: []string{"short answer"}})

	receipt, err := h.manager.StartSession(testContext(t), "chat-1", "question")
	require.NoError(t, err)
	h.waitForStatus(t, receipt.AssistantMessageUID, store.MessageStatusDone)
	h.waitForIdle(t)

	chat, err := h.store.GetChat(testContext(t), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "short answer", chat.LastMessagePreview)
}

// testContext substitutes for t.Context (unavailable before Go 1.24): a
// context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
