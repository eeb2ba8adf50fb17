// Package server exposes hearth over HTTP.
//
// Clients send intents to POST /command (chat.message, chat.abort, chat.end)
// and observe state changes on GET /channel, a long-lived SSE stream fed by
// the broadcast registry. Chats and message history are available under
// /chats for initial hydration; everything after that arrives as push
// notifications.
package server
