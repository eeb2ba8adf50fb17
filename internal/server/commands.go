// ABOUTME: Command intake endpoint dispatching client intents to the session manager
// ABOUTME: Accepts a single command or a batch; each command gets its own result

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Command is one client intent. Name selects the handler, Payload its
// arguments.
type Command struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResult reports the outcome of one command in a batch.
type CommandResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	ChatUID   string `json:"chatUid,omitempty"`
	Message   string `json:"messageUid,omitempty"`
	Aborted   int    `json:"aborted,omitempty"`
}

// handleCommand accepts either {"commands": [...]} or a bare command object.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Commands []Command `json:"commands"`
		Command
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	commands := body.Commands
	if len(commands) == 0 {
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, errors.New("no commands in request"))
			return
		}
		commands = []Command{body.Command}
	}

	s.events.Publish("commands.received", map[string]any{"count": len(commands)})

	results := make([]CommandResult, len(commands))
	for i, cmd := range commands {
		results[i] = s.dispatch(r, cmd)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) dispatch(r *http.Request, cmd Command) CommandResult {
	res := CommandResult{Name: cmd.Name}

	switch cmd.Name {
	case "chat.message":
		var p struct {
			ChatID  string `json:"chatId"`
			Content string `json:"content"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			res.Error = err.Error()
			return res
		}
		if p.ChatID == "" || p.Content == "" {
			res.Error = "chatId and content are required"
			return res
		}
		receipt, err := s.sessions.StartSession(r.Context(), p.ChatID, p.Content)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK = true
		res.RequestID = receipt.RequestID
		res.ChatUID = receipt.ChatUID
		res.Message = receipt.AssistantMessageUID

	case "chat.abort":
		var p struct {
			RequestID string `json:"requestId"`
			ChatID    string `json:"chatId"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			res.Error = err.Error()
			return res
		}
		switch {
		case p.RequestID != "":
			res.OK = true
			if s.sessions.AbortSession(p.RequestID) {
				res.Aborted = 1
			}
			res.RequestID = p.RequestID
		case p.ChatID != "":
			res.OK = true
			res.Aborted = s.sessions.AbortChatSessions(p.ChatID)
			res.ChatUID = p.ChatID
		default:
			res.Error = "requestId or chatId is required"
		}

	case "chat.end":
		var p struct {
			ChatID string `json:"chatId"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			res.Error = err.Error()
			return res
		}
		if p.ChatID == "" {
			res.Error = "chatId is required"
			return res
		}
		res.OK = true
		res.ChatUID = p.ChatID
		res.Aborted = s.sessions.AbortChatSessions(p.ChatID)

	default:
		res.Error = fmt.Sprintf("unknown command %q", cmd.Name)
	}
	return res
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
