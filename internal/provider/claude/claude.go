package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// DefaultPricing matches claude-3-5-haiku.
var DefaultPricing = provider.Pricing{InputPerMTok: 0.80, OutputPerMTok: 4.00}

type ClaudeProvider struct {
	name    string
	apiKey  string
	baseURL string
	pricing provider.Pricing
	client  provider.HTTPDoer
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamDelta struct {
	Type  string       `json:"type"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type claudeErrorResponse struct {
	Type  string      `json:"type"`
	Error claudeError `json:"error"`
}

func New(opts provider.Options) *ClaudeProvider {
	p := &ClaudeProvider{
		name:    opts.Name,
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pricing: opts.Pricing,
		client:  opts.HTTPClient,
	}
	if p.name == "" {
		p.name = "claude"
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.pricing == (provider.Pricing{}) {
		p.pricing = DefaultPricing
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return p
}

func (p *ClaudeProvider) Name() string {
	return p.name
}

func (p *ClaudeProvider) Pricing() provider.Pricing {
	return p.pricing
}

// Check lists the backend's models, which needs valid credentials but
// costs nothing.
func (p *ClaudeProvider) Check(ctx context.Context) error {
	resp, err := provider.Get(ctx, p.client, p.name, p.baseURL+"/models", p.headers())
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (p *ClaudeProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/messages", p.baseURL)
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = false

	resp, err := provider.PostJSON(ctx, p.client, p.name, url, p.headers(), claudeReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "failed to decode response", err)
	}

	if len(claudeResp.Content) == 0 {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "claude api returned no content", nil)
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      text.String(),
		FinishReason: claudeResp.StopReason,
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Cost:         p.pricing.Cost(claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func kindForErrorType(t string) provider.Kind {
	switch t {
	case "authentication_error", "permission_error":
		return provider.KindAuth
	case "invalid_request_error", "not_found_error", "request_too_large":
		return provider.KindInvalidRequest
	case "rate_limit_error":
		return provider.KindRateLimitedByBackend
	case "api_error", "overloaded_error":
		return provider.KindTransientServer
	}
	return provider.KindNone
}

func (p *ClaudeProvider) classify(status int, body []byte) error {
	var errResp claudeErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Type == "" {
		return provider.StatusError(p.name, status, provider.KindNone, strings.TrimSpace(string(body)))
	}
	return provider.StatusError(p.name, status, kindForErrorType(errResp.Error.Type), errResp.Error.Message)
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true

	resp, err := provider.PostJSON(ctx, p.client, p.name, url, p.headers(), claudeReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					provider.SendChunk(ctx, ch, &provider.Chunk{Err: provider.TruncatedStream(p.name)})
					return
				}
				provider.SendChunk(ctx, ch, &provider.Chunk{Err: provider.TransportError(p.name, err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "content_block_delta":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					continue
				}
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					if !provider.SendChunk(ctx, ch, &provider.Chunk{Delta: delta.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				provider.SendChunk(ctx, ch, &provider.Chunk{Done: true})
				return
			case "error":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Error != nil {
					kind := kindForErrorType(delta.Error.Type)
					if kind == provider.KindNone {
						kind = provider.KindUnknown
					}
					provider.SendChunk(ctx, ch, &provider.Chunk{
						Err: provider.NewError(p.name, kind, 0, delta.Error.Message, nil),
					})
					return
				}
			}
		}
	}()

	return ch, nil
}
