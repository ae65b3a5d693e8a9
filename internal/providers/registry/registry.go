package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"polychat/internal/providers"
	"polychat/internal/providers/anthropic_messages"
	"polychat/internal/providers/gemini"
	"polychat/internal/providers/openai_compat"
)

var DefaultModels = map[string]string{
	providers.OpenAI:  "gpt-4o-mini",
	providers.Gemini:  "gemini-1.5-flash",
	providers.Claude:  "claude-3-5-sonnet-latest",
	providers.Mistral: "mistral-small-latest",
	providers.Groq:    "llama-3.1-8b-instant",
}

// Builder creates a provider client bound to one user's key.
type Builder func(apiKey string) providers.Provider

type Options struct {
	OpenAIBaseURL    string
	GroqBaseURL      string
	MistralBaseURL   string
	AnthropicBaseURL string
	HTTPClient       *http.Client
	Timeout          time.Duration
}

type Router struct {
	builders map[string]Builder
}

func New(opts Options) *Router {
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.GroqBaseURL == "" {
		opts.GroqBaseURL = openai_compat.GroqBaseURL
	}
	if opts.MistralBaseURL == "" {
		opts.MistralBaseURL = openai_compat.MistralBaseURL
	}

	compat := func(base string) Builder {
		return func(apiKey string) providers.Provider {
			return openai_compat.New(openai_compat.Config{BaseURL: base, APIKey: apiKey, HTTPClient: opts.HTTPClient})
		}
	}
	return NewWithBuilders(map[string]Builder{
		providers.OpenAI:  compat(opts.OpenAIBaseURL),
		providers.Groq:    compat(opts.GroqBaseURL),
		providers.Mistral: compat(opts.MistralBaseURL),
		providers.Claude: func(apiKey string) providers.Provider {
			return anthropic_messages.New(anthropic_messages.Config{BaseURL: opts.AnthropicBaseURL, APIKey: apiKey, HTTPClient: opts.HTTPClient})
		},
		providers.Gemini: func(apiKey string) providers.Provider {
			return gemini.New(gemini.Config{APIKey: apiKey})
		},
	})
}

// NewWithBuilders registers builders for ids in the closed provider set; other ids are ignored.
func NewWithBuilders(builders map[string]Builder) *Router {
	r := &Router{builders: make(map[string]Builder, len(builders))}
	for id, b := range builders {
		if providers.Supported(id) && b != nil {
			r.builders[id] = b
		}
	}
	return r
}

type Dispatch struct {
	Provider string
	APIKey   string
	Request  providers.ChatRequest
	Stream   bool
	OnDelta  providers.DeltaFunc
}

// Send validates the provider id before building any client, fills the
// default model and returns the full reply text. Adapters without native
// streaming deliver the whole reply as one terminal delta.
func (r *Router) Send(ctx context.Context, d Dispatch) (string, error) {
	build, ok := r.builders[d.Provider]
	if !ok {
		return "", fmt.Errorf("%w %q", providers.ErrUnsupportedProvider, d.Provider)
	}
	req := d.Request
	if req.Model == "" {
		req.Model = DefaultModels[d.Provider]
	}

	p := build(d.APIKey)
	if !d.Stream || d.OnDelta == nil {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}

	if s, ok := p.(providers.Streamer); ok {
		resp, err := s.ChatStream(ctx, req, d.OnDelta)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}

	resp, err := p.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Text != "" {
		if err := d.OnDelta(resp.Text); err != nil {
			return "", err
		}
	}
	return resp.Text, nil
}

func DefaultModel(provider string) string {
	return DefaultModels[provider]
}
