package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"polychat/internal/providers"
)

type Config struct {
	APIKey        string
	ClientOptions []option.ClientOption
}

// Client builds a genai client per call; the key belongs to the requesting user.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Streamer = (*Client)(nil)
)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	cl, err := newGenaiClient(ctx, c.cfg.APIKey, c.cfg.ClientOptions)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer cl.Close()

	session, prompt, err := startChat(cl, req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	resp, err := session.SendMessage(ctx, prompt...)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: responseText(resp)}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, onDelta providers.DeltaFunc) (providers.ChatResponse, error) {
	cl, err := newGenaiClient(ctx, c.cfg.APIKey, c.cfg.ClientOptions)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer cl.Close()

	session, prompt, err := startChat(cl, req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var sb strings.Builder
	it := session.SendMessageStream(ctx, prompt...)
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return providers.ChatResponse{}, err
		}
		delta := responseText(resp)
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return providers.ChatResponse{}, err
		}
	}
	return providers.ChatResponse{Text: sb.String()}, nil
}

func newGenaiClient(ctx context.Context, apiKey string, extra []option.ClientOption) (*genai.Client, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, extra...)
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return cl, nil
}

func startChat(cl *genai.Client, req providers.ChatRequest) (*genai.ChatSession, []genai.Part, error) {
	system, history, prompt := translate(req)
	if len(prompt) == 0 {
		return nil, nil, fmt.Errorf("gemini request has no user content")
	}

	model := cl.GenerativeModel(req.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}

	session := model.StartChat()
	session.History = history
	return session, prompt, nil
}

// translate splits the neutral request into a system instruction, prior turns,
// and the parts of the final turn that is sent as the new message.
func translate(req providers.ChatRequest) (string, []*genai.Content, []genai.Part) {
	system := []string{}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, s)
	}

	turns := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		parts := messageParts(m)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		turns = append(turns, &genai.Content{Role: role, Parts: parts})
	}

	var prompt []genai.Part
	if n := len(turns); n > 0 && turns[n-1].Role == "user" {
		prompt = turns[n-1].Parts
		turns = turns[:n-1]
	}
	return strings.Join(system, "\n\n"), turns, prompt
}

func messageParts(m providers.Message) []genai.Part {
	parts := make([]genai.Part, 0, 1+len(m.Attachments))
	if strings.TrimSpace(m.Content) != "" {
		parts = append(parts, genai.Text(m.Content))
	}
	for _, a := range m.Attachments {
		if a.FileURI == "" {
			continue
		}
		parts = append(parts, genai.FileData{MIMEType: a.MIMEType, URI: a.FileURI})
	}
	return parts
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
