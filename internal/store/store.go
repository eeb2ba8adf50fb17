// ABOUTME: Store interface and data types for hearth persistence
// ABOUTME: Defines Chat, Message, DraftSegment and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when trying to create a chat that already exists
var ErrDuplicateChat = errors.New("chat already exists")

// ErrMessageFinalized is returned when mutating a message that already reached
// a terminal status (done, aborted, error)
var ErrMessageFinalized = errors.New("message already finalized")

// ChatStatus is the lifecycle state of a chat
type ChatStatus string

const (
	ChatStatusActive   ChatStatus = "active"
	ChatStatusArchived ChatStatus = "archived"
	ChatStatusError    ChatStatus = "error"
)

// MessageStatus is the lifecycle state of a message
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusDone      MessageStatus = "done"
	MessageStatusAborted   MessageStatus = "aborted"
	MessageStatusError     MessageStatus = "error"
)

// IsTerminal reports whether the status is one of the terminal states.
// A message in a terminal state is immutable.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDone || s == MessageStatusAborted || s == MessageStatusError
}

// Role constants for the model-facing role of a message
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Kind constants for the product-level semantic type of a message
const (
	KindMessage = "message"
	KindPartial = "partial"
)

// Chat represents a conversation with a fixed provider/model pair
type Chat struct {
	UID                string
	Title              string
	Provider           string
	Model              string
	Status             ChatStatus
	Pinned             bool
	Archived           bool
	LastSeq            int64
	LastMessagePreview string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DraftSegment is one incremental chunk of model output, accumulated on a
// message while it is streaming. Segments are append-only and never reordered.
type DraftSegment struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Phase     string `json:"phase"`  // thinking | answer | tool | partial
	Source    string `json:"source"` // model | tool | system
	Committed bool   `json:"committed,omitempty"`
	Delta     bool   `json:"delta,omitempty"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Message represents a single message within a chat.
// Seq is strictly increasing per chat and assigned by the store on insert.
type Message struct {
	UID        string
	ChatUID    string
	Seq        int64
	Role       string
	Kind       string
	Status     MessageStatus
	Content    string
	Draft      []DraftSegment
	Model      string
	Searchable bool
	RequestID  string
	StreamID   string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListMessagesOptions controls message listing queries
type ListMessagesOptions struct {
	Limit     int
	Desc      bool  // newest-first when true
	BeforeSeq int64 // only messages with seq < BeforeSeq, 0 disables
}

// SearchMessagesOptions controls message content search
type SearchMessagesOptions struct {
	ChatUID string // restrict to one chat, empty searches all
	Limit   int
}

// Store defines the interface for chat and message persistence
type Store interface {
	// Chats
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, uid string) (*Chat, error)
	ListChats(ctx context.Context, limit int) ([]*Chat, error)
	UpdateChatTitle(ctx context.Context, uid, title string) error
	UpdateChatModel(ctx context.Context, uid, provider, model string) error
	UpdateChatPinned(ctx context.Context, uid string, pinned bool) error
	UpdateChatArchived(ctx context.Context, uid string, archived bool) error
	UpdateLastMessagePreview(ctx context.Context, uid, preview string) error
	DeleteChat(ctx context.Context, uid string) error

	// Messages (sequenced ledger)
	NextSeq(ctx context.Context, chatUID string) (int64, error)
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, uid string) (*Message, error)
	GetMessageByStreamID(ctx context.Context, streamID string) (*Message, error)
	ListMessages(ctx context.Context, chatUID string, opts ListMessagesOptions) ([]*Message, error)
	LatestMessages(ctx context.Context, chatUID string, limit int) ([]*Message, error)
	SearchMessages(ctx context.Context, keyword string, opts SearchMessagesOptions) ([]*Message, error)
	SetMessageStatus(ctx context.Context, uid string, status MessageStatus) error
	AppendDraftSegment(ctx context.Context, uid string, seg DraftSegment) error
	FinalizeMessage(ctx context.Context, uid string, status MessageStatus, content, errText string) error

	// Close releases any resources held by the store
	Close() error
}
