// Package oracle defines the Oracle interface over Large Language Model
// backends. The turn pipeline uses it for three kinds of calls: structured
// classification (intent parsing, soft trigger matching), NPC reaction
// generation, and final narration. Classification calls request JSON output;
// the caller owns decoding and validation of what comes back.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package oracle

import "context"

// Message is one turn of conversation context. Role is "user" or
// "assistant"; the keeper's narration is the assistant side.
type Message struct {
	Role    string
	Content string
}

// Request carries one generation call.
type Request struct {
	// SystemPrompt is the high-priority instruction injected before the
	// conversation. Never empty in practice; every pipeline stage has one.
	SystemPrompt string

	// Messages is the ordered conversation context. The last message
	// drives the response.
	Messages []Message

	// ForceJSON asks the backend for a JSON-object response. Backends
	// without native JSON mode rely on the system prompt alone.
	ForceJSON bool

	// Temperature controls randomness. Classification calls use a low
	// value; narration uses the backend default when zero.
	Temperature float64

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int
}

// Oracle is the abstraction over any LLM backend.
type Oracle interface {
	// Generate sends req and waits for the full response text. Returns an
	// error if the request fails or ctx is cancelled first.
	Generate(ctx context.Context, req Request) (string, error)
}
