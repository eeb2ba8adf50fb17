// Package session orchestrates in-flight model generations.
//
// Each generation is a session keyed by a request ID. StartSession records
// the user's message, creates a pending assistant placeholder in the ledger
// and hands the conversation to a model adapter on a background task. Deltas
// stream into the placeholder's draft and out to observers; when the stream
// ends the placeholder is finalized exactly once as done, aborted or error.
//
// Cancellation is cooperative. AbortSession cancels the session's context;
// the adapter stops yielding and the processing task finalizes the message
// as aborted, keeping whatever content had accumulated. Sessions never share
// state, so aborting one chat's generation cannot disturb another's.
package session
