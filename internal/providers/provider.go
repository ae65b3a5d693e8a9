package providers

import (
	"context"
	"errors"
	"fmt"
)

const (
	OpenAI  = "openai"
	Gemini  = "gemini"
	Claude  = "claude"
	Mistral = "mistral"
	Groq    = "groq"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

var supported = map[string]struct{}{
	OpenAI:  {},
	Gemini:  {},
	Claude:  {},
	Mistral: {},
	Groq:    {},
}

func Supported(id string) bool {
	_, ok := supported[id]
	return ok
}

// IDs returns the closed provider set in a stable order.
func IDs() []string {
	return []string{OpenAI, Gemini, Claude, Mistral, Groq}
}

type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	MIMEType  string `json:"mimeType"`
	Type      string `json:"type"`
	FileURI   string `json:"fileUri"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

type Message struct {
	Role        string
	Content     string
	Attachments []Attachment
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

type ChatResponse struct {
	Text string
}

type DeltaFunc func(delta string) error

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Streamer is implemented by adapters that expose token-level streaming.
// The returned response holds the full concatenated text.
type Streamer interface {
	ChatStream(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (ChatResponse, error)
}

// UpstreamError is a non-2xx answer from a vendor API reached without an SDK.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Body)
}
