// Package llm defines the language-model provider contract used by the reply
// generator: one blocking multimodal completion per exchange.
package llm

import (
	"context"
	"errors"
)

// ErrAuthentication marks a credential rejection. Callers must not retry:
// the same key will fail again.
var ErrAuthentication = errors.New("llm: authentication failed")

// Message is a single turn of conversation history.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the text of the turn.
	Content string
}

// ImageAttachment is an optional visual context for the current user turn.
type ImageAttachment struct {
	// Data is the encoded image (JPEG or PNG bytes, not base64).
	Data []byte

	// MIMEType is "image/jpeg" or "image/png".
	MIMEType string
}

// CompletionRequest is one exchange sent to the model.
type CompletionRequest struct {
	// SystemPrompt steers the assistant. Empty omits the system message.
	SystemPrompt string

	// History holds prior turns, oldest first.
	History []Message

	// UserText is the current transcript.
	UserText string

	// Image, when non-nil, is attached to the current user turn.
	Image *ImageAttachment

	// Model overrides the provider's configured model when non-empty. Used
	// for the one-shot fallback model after the primary exhausts retries.
	Model string

	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Capabilities describes what the configured model supports.
type Capabilities struct {
	SupportsVision  bool
	ContextWindow   int
	MaxOutputTokens int
}

// Provider produces completions.
type Provider interface {
	// Complete runs one blocking completion. Implementations must honor
	// ctx cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities reports what the configured model supports. The generator
	// drops image attachments for models without vision support.
	Capabilities() Capabilities
}
