// ABOUTME: Chat CRUD and message query handlers
// ABOUTME: Mutations broadcast chat.created, chat.updated and chat.deleted notifications

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/hearth/internal/store"
)

type chatResponse struct {
	UID                string `json:"uid"`
	Title              string `json:"title"`
	Provider           string `json:"provider,omitempty"`
	Model              string `json:"model,omitempty"`
	Status             string `json:"status"`
	Pinned             bool   `json:"pinned"`
	Archived           bool   `json:"archived"`
	LastSeq            int64  `json:"lastSeq"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
}

func toChatResponse(c *store.Chat) chatResponse {
	return chatResponse{
		UID:                c.UID,
		Title:              c.Title,
		Provider:           c.Provider,
		Model:              c.Model,
		Status:             string(c.Status),
		Pinned:             c.Pinned,
		Archived:           c.Archived,
		LastSeq:            c.LastSeq,
		LastMessagePreview: c.LastMessagePreview,
		CreatedAt:          c.CreatedAt.UnixMilli(),
		UpdatedAt:          c.UpdatedAt.UnixMilli(),
	}
}

type messageResponse struct {
	UID       string               `json:"uid"`
	ChatUID   string               `json:"chatUid"`
	Seq       int64                `json:"seq"`
	Role      string               `json:"role"`
	Kind      string               `json:"kind"`
	Status    string               `json:"status"`
	Content   string               `json:"content"`
	Draft     []store.DraftSegment `json:"draft,omitempty"`
	Model     string               `json:"model,omitempty"`
	RequestID string               `json:"requestId,omitempty"`
	Error     string               `json:"error,omitempty"`
	CreatedAt int64                `json:"createdAt"`
	UpdatedAt int64                `json:"updatedAt"`
}

func toMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		UID:       m.UID,
		ChatUID:   m.ChatUID,
		Seq:       m.Seq,
		Role:      m.Role,
		Kind:      m.Kind,
		Status:    string(m.Status),
		Content:   m.Content,
		Draft:     m.Draft,
		Model:     m.Model,
		RequestID: m.RequestID,
		Error:     m.Error,
		CreatedAt: m.CreatedAt.UnixMilli(),
		UpdatedAt: m.UpdatedAt.UnixMilli(),
	}
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}

	chat := &store.Chat{
		UID:      uuid.New().String(),
		Title:    req.Title,
		Provider: req.Provider,
		Model:    req.Model,
		Status:   store.ChatStatusActive,
	}
	if err := s.store.CreateChat(r.Context(), chat); err != nil {
		storeError(w, err)
		return
	}

	s.events.Publish("chat.created", map[string]any{
		"chatUid": chat.UID,
		"title":   chat.Title,
		"model":   chat.Model,
	})
	writeJSON(w, http.StatusCreated, toChatResponse(chat))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	chats, err := s.store.ListChats(r.Context(), limit)
	if err != nil {
		storeError(w, err)
		return
	}

	out := make([]chatResponse, len(chats))
	for i, c := range chats {
		out[i] = toChatResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.Context(), chi.URLParam(r, "chatUID"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat))
}

// handleUpdateChat applies a partial update; only fields present in the body
// are touched.
func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "chatUID")

	var req struct {
		Title    *string `json:"title"`
		Pinned   *bool   `json:"pinned"`
		Archived *bool   `json:"archived"`
		Provider *string `json:"provider"`
		Model    *string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if req.Title != nil {
		if err := s.store.UpdateChatTitle(ctx, uid, *req.Title); err != nil {
			storeError(w, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := s.store.UpdateChatPinned(ctx, uid, *req.Pinned); err != nil {
			storeError(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := s.store.UpdateChatArchived(ctx, uid, *req.Archived); err != nil {
			storeError(w, err)
			return
		}
	}
	if req.Model != nil {
		provider := ""
		if req.Provider != nil {
			provider = *req.Provider
		}
		if err := s.store.UpdateChatModel(ctx, uid, provider, *req.Model); err != nil {
			storeError(w, err)
			return
		}
	}

	chat, err := s.store.GetChat(ctx, uid)
	if err != nil {
		storeError(w, err)
		return
	}

	s.events.Publish("chat.updated", map[string]any{"chatUid": uid})
	writeJSON(w, http.StatusOK, toChatResponse(chat))
}

// handleDeleteChat aborts any live generation for the chat before removing it
// and its messages.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "chatUID")

	s.sessions.AbortChatSessions(uid)

	if err := s.store.DeleteChat(r.Context(), uid); err != nil {
		storeError(w, err)
		return
	}

	s.events.Publish("chat.deleted", map[string]any{"chatUid": uid})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": uid})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "chatUID")

	// Chat existence check so an empty chat and a missing chat differ
	if _, err := s.store.GetChat(r.Context(), uid); err != nil {
		storeError(w, err)
		return
	}

	opts := store.ListMessagesOptions{
		Limit:     queryInt(r, "limit", 0),
		Desc:      r.URL.Query().Get("order") == "desc",
		BeforeSeq: int64(queryInt(r, "before", 0)),
	}
	msgs, err := s.store.ListMessages(r.Context(), uid, opts)
	if err != nil {
		storeError(w, err)
		return
	}

	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	if keyword == "" {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}

	msgs, err := s.store.SearchMessages(r.Context(), keyword, store.SearchMessagesOptions{
		ChatUID: r.URL.Query().Get("chat"),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		storeError(w, err)
		return
	}

	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
