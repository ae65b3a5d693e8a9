package openai_compat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"polychat/internal/providers"
)

const (
	GroqBaseURL    = "https://api.groq.com/openai/v1/"
	MistralBaseURL = "https://api.mistral.ai/v1/"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client speaks the chat completions dialect shared by OpenAI, Groq and Mistral.
type Client struct {
	client *openai.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{client: openai.NewClient(opts...)}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Streamer = (*Client)(nil)
)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	completion, err := c.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return providers.ChatResponse{}, err
	}
	if len(completion.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty choices in chat completion response")
	}
	return providers.ChatResponse{Text: completion.Choices[0].Message.Content}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, onDelta providers.DeltaFunc) (providers.ChatResponse, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, buildParams(req))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return providers.ChatResponse{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return providers.ChatResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: sb.String()}, nil
}

func buildParams(req providers.ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: openai.F(messages),
		Model:    openai.F(req.Model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}
