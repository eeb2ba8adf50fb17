// Package model defines the adapter capability the session manager consumes.
//
// An Adapter turns a conversation history into a cancellable stream of text
// deltas. The package does not talk to any provider API itself; hosts
// register Factory functions in a Registry and configure them with API keys
// and base URLs from the config layer. InferProvider maps bare model names
// (gpt-*, claude*, gemini*, ...) to provider identifiers so chats can omit
// an explicit provider.
//
// ScriptedAdapter is an in-memory implementation for tests and dry runs.
package model
