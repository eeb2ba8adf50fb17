// ABOUTME: Message ledger operations with per-chat sequence assignment
// ABOUTME: Seq allocation and insert happen in one transaction so ordering is race-free

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `uid, chat_uid, seq, role, kind, status, content, draft, model, searchable, request_id, stream_id, error, created_at, updated_at`

// NextSeq returns one greater than the highest existing seq for the chat,
// or 1 if the chat has no messages. This is a read-only helper; CreateMessage
// assigns seq itself inside its transaction, so concurrent inserts for the
// same chat cannot produce duplicate or out-of-order sequence numbers.
func (s *SQLiteStore) NextSeq(ctx context.Context, chatUID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_uid = ?`, chatUID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying next seq: %w", err)
	}
	return seq, nil
}

// CreateMessage inserts a message, assigning the next seq for its chat and
// updating the chat's last_seq in the same transaction. The assigned seq and
// timestamps are written back to msg. Returns ErrNotFound if the chat does
// not exist.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}
	if msg.Status == "" {
		msg.Status = MessageStatusDone
	}

	draftJSON, err := marshalDraft(msg.Draft)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE uid = ?`, msg.ChatUID).Scan(&exists); err != nil {
		return fmt.Errorf("checking chat: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_uid = ?`, msg.ChatUID).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("allocating seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UID,
		msg.ChatUID,
		msg.Seq,
		msg.Role,
		msg.Kind,
		string(msg.Status),
		nullString(msg.Content),
		draftJSON,
		nullString(msg.Model),
		msg.Searchable,
		nullString(msg.RequestID),
		nullString(msg.StreamID),
		nullString(msg.Error),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET last_seq = ?, updated_at = ? WHERE uid = ?`,
		msg.Seq, now.Format(time.RFC3339Nano), msg.ChatUID)
	if err != nil {
		return fmt.Errorf("updating chat last_seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message created",
		"message_uid", msg.UID,
		"chat_uid", msg.ChatUID,
		"seq", msg.Seq,
		"role", msg.Role,
		"status", msg.Status,
	)
	return nil
}

// GetMessage retrieves a message by UID
func (s *SQLiteStore) GetMessage(ctx context.Context, uid string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE uid = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, uid))
}

// GetMessageByStreamID retrieves the message written by a streaming request
func (s *SQLiteStore) GetMessageByStreamID(ctx context.Context, streamID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE stream_id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, streamID))
}

// ListMessages returns messages for a chat ordered by seq
func (s *SQLiteStore) ListMessages(ctx context.Context, chatUID string, opts ListMessagesOptions) ([]*Message, error) {
	if opts.Limit <= 0 {
		opts.Limit = 200
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_uid = ?`
	args := []any{chatUID}

	if opts.BeforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, opts.BeforeSeq)
	}

	if opts.Desc {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}

	query += ` LIMIT ?`
	args = append(args, opts.Limit)

	return s.queryMessages(ctx, query, args...)
}

// LatestMessages returns the most recent N messages for a chat in ascending
// seq order, for use as model context.
func (s *SQLiteStore) LatestMessages(ctx context.Context, chatUID string, limit int) ([]*Message, error) {
	msgs, err := s.ListMessages(ctx, chatUID, ListMessagesOptions{Limit: limit, Desc: true})
	if err != nil {
		return nil, err
	}
	// Reverse back to conversation order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SearchMessages returns searchable messages whose content contains the
// keyword, newest first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, keyword string, opts SearchMessagesOptions) ([]*Message, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE searchable = 1 AND content LIKE ?`
	args := []any{"%" + keyword + "%"}

	if opts.ChatUID != "" {
		query += ` AND chat_uid = ?`
		args = append(args, opts.ChatUID)
	}

	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	return s.queryMessages(ctx, query, args...)
}

// SetMessageStatus transitions a non-terminal message to a new status.
// Returns ErrMessageFinalized if the message already reached a terminal state.
func (s *SQLiteStore) SetMessageStatus(ctx context.Context, uid string, status MessageStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE uid = ? AND status IN ('pending', 'streaming')`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), uid)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return s.classifyMissedUpdate(ctx, uid)
	}
	return nil
}

// AppendDraftSegment appends one segment to a message's draft list.
// Existing segments are never removed or reordered. Returns
// ErrMessageFinalized if the message already reached a terminal state.
func (s *SQLiteStore) AppendDraftSegment(ctx context.Context, uid string, seg DraftSegment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var draftJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, draft FROM messages WHERE uid = ?`, uid).Scan(&status, &draftJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading draft: %w", err)
	}
	if MessageStatus(status).IsTerminal() {
		return ErrMessageFinalized
	}

	draft, err := unmarshalDraft(draftJSON)
	if err != nil {
		return err
	}
	draft = append(draft, seg)

	encoded, err := marshalDraft(draft)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE messages SET draft = ?, updated_at = ? WHERE uid = ?`,
		encoded, time.Now().UTC().Format(time.RFC3339Nano), uid)
	if err != nil {
		return fmt.Errorf("writing draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing draft append: %w", err)
	}
	return nil
}

// FinalizeMessage performs the one-time transition to a terminal status.
// For done, content is set and all draft segments are stamped committed.
// For error, errText is recorded. Subsequent calls return ErrMessageFinalized.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, uid string, status MessageStatus, content, errText string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	var draftJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, draft FROM messages WHERE uid = ?`, uid).Scan(&current, &draftJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	if MessageStatus(current).IsTerminal() {
		return ErrMessageFinalized
	}

	draft, err := unmarshalDraft(draftJSON)
	if err != nil {
		return err
	}
	if status == MessageStatusDone {
		for i := range draft {
			draft[i].Committed = true
		}
	}
	encoded, err := marshalDraft(draft)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, content = ?, draft = ?, error = ?, updated_at = ?
		WHERE uid = ?`,
		string(status),
		nullString(content),
		encoded,
		nullString(errText),
		time.Now().UTC().Format(time.RFC3339Nano),
		uid)
	if err != nil {
		return fmt.Errorf("finalizing message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing finalize: %w", err)
	}

	s.logger.Debug("message finalized", "message_uid", uid, "status", status)
	return nil
}

// classifyMissedUpdate distinguishes "message missing" from "message already
// terminal" after an UPDATE matched zero rows.
func (s *SQLiteStore) classifyMissedUpdate(ctx context.Context, uid string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE uid = ?`, uid).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking message status: %w", err)
	}
	return ErrMessageFinalized
}

// queryMessages executes a query and scans all message rows
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

func scanMessage(row scanner) (*Message, error) {
	msg := &Message{}
	var status string
	var content, draftJSON, model, requestID, streamID, errText sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&msg.UID,
		&msg.ChatUID,
		&msg.Seq,
		&msg.Role,
		&msg.Kind,
		&status,
		&content,
		&draftJSON,
		&model,
		&msg.Searchable,
		&requestID,
		&streamID,
		&errText,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Status = MessageStatus(status)
	msg.Content = content.String
	msg.Model = model.String
	msg.RequestID = requestID.String
	msg.StreamID = streamID.String
	msg.Error = errText.String

	if msg.Draft, err = unmarshalDraft(draftJSON); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return msg, nil
}

func marshalDraft(draft []DraftSegment) (any, error) {
	if len(draft) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("encoding draft: %w", err)
	}
	return string(data), nil
}

func unmarshalDraft(draftJSON sql.NullString) ([]DraftSegment, error) {
	if !draftJSON.Valid || draftJSON.String == "" {
		return nil, nil
	}
	var draft []DraftSegment
	if err := json.Unmarshal([]byte(draftJSON.String), &draft); err != nil {
		return nil, fmt.Errorf("decoding draft: %w", err)
	}
	return draft, nil
}
