// Package store provides the sequenced message ledger for hearth.
//
// # Overview
//
// The store persists chats and their messages in SQLite. Messages carry a
// per-chat sequence number (seq) that is strictly increasing in creation
// order. Sequence allocation and row insertion happen inside a single
// transaction, so concurrent session starts for the same chat cannot
// produce duplicate or out-of-order seq values.
//
// # Message lifecycle
//
// A streaming reply message moves through these states:
//
//	pending -> streaming -> done | aborted | error
//
// While streaming, incremental model output accumulates as draft segments
// (AppendDraftSegment); segments are append-only and never reordered.
// FinalizeMessage performs the one-time transition to a terminal state:
// for done it sets the final content and stamps all segments committed.
// Any mutation after a terminal state returns ErrMessageFinalized.
//
// # Usage
//
//	st, err := store.NewSQLiteStore("/path/to/hearth.db", nil)
//	...
//	msg := &store.Message{UID: uid, ChatUID: chat, Role: store.RoleAssistant, Status: store.MessageStatusPending}
//	err = st.CreateMessage(ctx, msg) // msg.Seq now assigned
package store
