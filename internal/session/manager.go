// ABOUTME: Session manager owning the lifecycle of in-flight model generations
// ABOUTME: One processing task per request, cooperative cancellation, ledger and broadcast wiring

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/model"
	"github.com/2389/hearth/internal/store"
)

// DefaultHistoryLimit bounds how many prior messages are replayed to the model.
const DefaultHistoryLimit = 50

const previewMaxLen = 120

// Publisher is the broadcast capability the manager needs. Satisfied by
// *broadcast.Broadcaster.
type Publisher interface {
	Publish(name string, payload map[string]any)
	PublishStreaming(name string, payload map[string]any)
}

// Receipt identifies the records created by StartSession.
type Receipt struct {
	RequestID           string
	ChatUID             string
	UserMessageUID      string
	AssistantMessageUID string
	StreamID            string
}

type session struct {
	requestID  string
	streamID   string
	chatUID    string
	messageUID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// Manager tracks live generation sessions keyed by request ID. Each session
// runs in its own goroutine; the manager only ever touches the map under its
// mutex, so aborts never block on model I/O.
type Manager struct {
	store        store.Store
	events       Publisher
	models       *model.Registry
	logger       *slog.Logger
	historyLimit int

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a session manager. Pass nil logger for default.
func NewManager(st store.Store, events Publisher, models *model.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		events:       events,
		models:       models,
		logger:       logger.With("component", "session"),
		historyLimit: DefaultHistoryLimit,
		sessions:     make(map[string]*session),
	}
}

// StartSession records the user's message, creates the assistant placeholder
// and starts a processing task streaming into it. The returned receipt is
// available immediately; generation proceeds in the background and survives
// the caller's context.
func (m *Manager) StartSession(ctx context.Context, chatUID, content string) (*Receipt, error) {
	chat, err := m.store.GetChat(ctx, chatUID)
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}

	adapter, err := m.models.Resolve(chat.Provider, chat.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving model %q: %w", chat.Model, err)
	}

	userMsg := &store.Message{
		UID:        uuid.New().String(),
		ChatUID:    chatUID,
		Role:       store.RoleUser,
		Kind:       store.KindMessage,
		Status:     store.MessageStatusDone,
		Content:    content,
		Searchable: true,
	}
	if err := m.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}
	m.publishCreated(userMsg)

	if err := m.store.UpdateLastMessagePreview(ctx, chatUID, preview(content)); err != nil {
		m.logger.Warn("updating chat preview failed", "chat_uid", chatUID, "error", err)
	}

	history, err := m.buildHistory(ctx, chatUID)
	if err != nil {
		return nil, fmt.Errorf("building history: %w", err)
	}

	// The stream ID correlates the placeholder with the generation writing
	// into it; observers use it to follow one reply across events.
	requestID := uuid.New().String()
	streamID := uuid.New().String()
	placeholder := &store.Message{
		UID:        uuid.New().String(),
		ChatUID:    chatUID,
		Role:       store.RoleAssistant,
		Kind:       store.KindMessage,
		Status:     store.MessageStatusPending,
		Model:      chat.Model,
		Searchable: true,
		RequestID:  requestID,
		StreamID:   streamID,
	}
	if err := m.store.CreateMessage(ctx, placeholder); err != nil {
		return nil, fmt.Errorf("creating placeholder message: %w", err)
	}
	m.publishCreated(placeholder)

	// The session outlives the HTTP request that started it; only an
	// explicit abort or shutdown cancels it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		requestID:  requestID,
		streamID:   streamID,
		chatUID:    chatUID,
		messageUID: placeholder.UID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[requestID] = sess
	m.mu.Unlock()

	m.logger.Info("session started",
		"request_id", requestID,
		"chat_uid", chatUID,
		"model", chat.Model)

	go m.process(sctx, sess, adapter, history)

	return &Receipt{
		RequestID:           requestID,
		ChatUID:             chatUID,
		UserMessageUID:      userMsg.UID,
		AssistantMessageUID: placeholder.UID,
		StreamID:            streamID,
	}, nil
}

// AbortSession cancels the session for requestID. Returns false when no such
// session is live; calling it again after the session finished is a no-op.
func (m *Manager) AbortSession(requestID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[requestID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	sess.cancel()
	m.logger.Info("session abort requested", "request_id", requestID, "chat_uid", sess.chatUID)
	return true
}

// AbortChatSessions cancels every live session belonging to a chat and
// returns how many were signalled.
func (m *Manager) AbortChatSessions(chatUID string) int {
	m.mu.Lock()
	var targets []*session
	for _, sess := range m.sessions {
		if sess.chatUID == chatUID {
			targets = append(targets, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range targets {
		sess.cancel()
	}
	if len(targets) > 0 {
		m.logger.Info("chat sessions aborted", "chat_uid", chatUID, "count", len(targets))
	}
	return len(targets)
}

// ActiveSessions returns the request IDs of all live sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ChatSessions returns the request IDs of live sessions for one chat.
func (m *Manager) ChatSessions(chatUID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sess := range m.sessions {
		if sess.chatUID == chatUID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown cancels all live sessions and waits for their processing tasks to
// finish, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var pending []*session
	for _, sess := range m.sessions {
		sess.cancel()
		pending = append(pending, sess)
	}
	m.mu.Unlock()

	for _, sess := range pending {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// process is the per-session task: it drives the adapter stream, appends each
// delta to the placeholder's draft, and finalizes the message exactly once.
func (m *Manager) process(ctx context.Context, sess *session, adapter model.Adapter, history []model.Turn) {
	defer func() {
		m.mu.Lock()
		delete(m.sessions, sess.requestID)
		m.mu.Unlock()
		close(sess.done)
	}()

	if err := m.store.SetMessageStatus(ctx, sess.messageUID, store.MessageStatusStreaming); err != nil {
		if errors.Is(err, store.ErrMessageFinalized) {
			return
		}
		m.logger.Error("marking message streaming failed",
			"request_id", sess.requestID, "error", err)
	}
	m.events.Publish("message.updated", map[string]any{
		"chatUid":    sess.chatUID,
		"messageUid": sess.messageUID,
		"status":     string(store.MessageStatusStreaming),
	})

	stream, err := adapter.Stream(ctx, history)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(sess, store.MessageStatusAborted, "", "")
			return
		}
		m.finish(sess, store.MessageStatusError, "", err.Error())
		return
	}

	var content strings.Builder
	index := 0
	for ev := range stream {
		if ev.Err != nil {
			if errors.Is(ev.Err, context.Canceled) || ctx.Err() != nil {
				m.finish(sess, store.MessageStatusAborted, content.String(), "")
			} else {
				m.finish(sess, store.MessageStatusError, content.String(), ev.Err.Error())
			}
			return
		}
		if ev.Delta == "" {
			continue
		}

		// An abort may land while the adapter keeps yielding; check after
		// every delta so a cancelled session stops mutating its message.
		if ctx.Err() != nil {
			m.finish(sess, store.MessageStatusAborted, content.String(), "")
			return
		}

		seg := store.DraftSegment{
			ID:        fmt.Sprintf("%s-%d", sess.requestID, index),
			Content:   ev.Delta,
			Phase:     "answer",
			Source:    "model",
			Delta:     true,
			CreatedAt: time.Now().UnixMilli(),
		}
		index++

		if err := m.store.AppendDraftSegment(ctx, sess.messageUID, seg); err != nil {
			if errors.Is(err, store.ErrMessageFinalized) {
				return
			}
			// A write torn down by cancellation is an abort, not a failure
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				m.finish(sess, store.MessageStatusAborted, content.String(), "")
				return
			}
			m.logger.Error("appending draft segment failed",
				"request_id", sess.requestID, "error", err)
			m.finish(sess, store.MessageStatusError, content.String(), err.Error())
			return
		}
		content.WriteString(ev.Delta)

		m.events.PublishStreaming("message.streaming", map[string]any{
			"chatUid":    sess.chatUID,
			"messageUid": sess.messageUID,
			"requestId":  sess.requestID,
			"streamId":   sess.streamID,
			"content":    content.String(),
			"delta":      ev.Delta,
		})
	}

	// Stream exhausted. If cancellation raced with the final delta, the
	// session still counts as aborted.
	if ctx.Err() != nil {
		m.finish(sess, store.MessageStatusAborted, content.String(), "")
		return
	}
	m.finish(sess, store.MessageStatusDone, content.String(), "")
}

// finish finalizes the placeholder exactly once and broadcasts the terminal
// update. A message already finalized elsewhere is left untouched.
func (m *Manager) finish(sess *session, status store.MessageStatus, content, errText string) {
	ctx := context.Background()

	if err := m.store.FinalizeMessage(ctx, sess.messageUID, status, content, errText); err != nil {
		if errors.Is(err, store.ErrMessageFinalized) {
			return
		}
		m.logger.Error("finalizing message failed",
			"request_id", sess.requestID,
			"status", string(status),
			"error", err)
	}

	payload := map[string]any{
		"chatUid":    sess.chatUID,
		"messageUid": sess.messageUID,
		"status":     string(status),
		"content":    content,
	}
	if errText != "" {
		payload["error"] = errText
	}
	m.events.Publish("message.updated", payload)

	if status == store.MessageStatusDone && content != "" {
		if err := m.store.UpdateLastMessagePreview(ctx, sess.chatUID, preview(content)); err != nil {
			m.logger.Warn("updating chat preview failed", "chat_uid", sess.chatUID, "error", err)
		}
	}

	m.logger.Info("session finished",
		"request_id", sess.requestID,
		"chat_uid", sess.chatUID,
		"status", string(status))
}

// buildHistory loads the chat's recent messages as conversation turns,
// oldest first. Unfinished placeholders and empty messages are skipped.
func (m *Manager) buildHistory(ctx context.Context, chatUID string) ([]model.Turn, error) {
	msgs, err := m.store.LatestMessages(ctx, chatUID, m.historyLimit)
	if err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Status != store.MessageStatusDone || msg.Content == "" {
			continue
		}
		turns = append(turns, model.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns, nil
}

func (m *Manager) publishCreated(msg *store.Message) {
	payload := map[string]any{
		"chatUid":    msg.ChatUID,
		"messageUid": msg.UID,
		"seq":        msg.Seq,
		"role":       msg.Role,
		"status":     string(msg.Status),
	}
	if msg.RequestID != "" {
		payload["requestId"] = msg.RequestID
	}
	if msg.StreamID != "" {
		payload["streamId"] = msg.StreamID
	}
	if msg.Content != "" {
		payload["content"] = msg.Content
	}
	m.events.Publish("message.created", payload)
}

func preview(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= previewMaxLen {
		return string(runes)
	}
	return string(runes[:previewMaxLen])
}
