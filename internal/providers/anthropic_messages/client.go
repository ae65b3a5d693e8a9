package anthropic_messages

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"polychat/internal/providers"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	APIVersion       = "2023-06-01"
	DefaultMaxTokens = 4096
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{cfg: cfg}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Streamer = (*Client)(nil)
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type payload struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read response body: %w", err)
	}
	text, err := parseMessage(body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, onDelta providers.DeltaFunc) (providers.ChatResponse, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || !gjson.Valid(data) {
			continue
		}

		switch gjson.Get(data, "type").String() {
		case "content_block_delta":
			if gjson.Get(data, "delta.type").String() != "text_delta" {
				continue
			}
			delta := gjson.Get(data, "delta.text").String()
			if delta == "" {
				continue
			}
			sb.WriteString(delta)
			if err := onDelta(delta); err != nil {
				return providers.ChatResponse{}, err
			}
		case "error":
			return providers.ChatResponse{}, &providers.UpstreamError{
				Provider:   providers.Claude,
				StatusCode: http.StatusOK,
				Body:       data,
			}
		case "message_stop":
			return providers.ChatResponse{Text: sb.String()}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read event stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{}, errors.New("event stream ended before message_stop")
}

func (c *Client) do(ctx context.Context, req providers.ChatRequest, stream bool) (*http.Response, error) {
	endpoint, err := c.endpointURL()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(buildPayload(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &providers.UpstreamError{
			Provider:   providers.Claude,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}
	return resp, nil
}

func (c *Client) endpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, "/v1/messages") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	u.Path = path + "/messages"
	return u.String(), nil
}

// buildPayload folds system-role history into the top-level system field,
// which is the only place the Messages API accepts it.
func buildPayload(req providers.ChatRequest, stream bool) payload {
	system := []string{}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, s)
	}
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
		case "assistant":
			msgs = append(msgs, message{Role: "assistant", Content: m.Content})
		default:
			msgs = append(msgs, message{Role: "user", Content: m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return payload{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func parseMessage(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("decode messages response: invalid json")
	}
	var parts []string
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
		return true
	})
	if len(parts) == 0 {
		return "", fmt.Errorf("missing text content in messages response")
	}
	return strings.Join(parts, ""), nil
}
