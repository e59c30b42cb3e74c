package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

// DefaultPricing matches gpt-4o-mini.
var DefaultPricing = provider.Pricing{InputPerMTok: 0.15, OutputPerMTok: 0.60}

// OpenAIProvider speaks the chat completions API. Any OpenAI-compatible
// endpoint works through Options.BaseURL.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	pricing provider.Pricing
	client  provider.HTTPDoer
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func New(opts provider.Options) *OpenAIProvider {
	p := &OpenAIProvider{
		name:    opts.Name,
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pricing: opts.Pricing,
		client:  opts.HTTPClient,
	}
	if p.name == "" {
		p.name = "openai"
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

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Pricing() provider.Pricing {
	return p.pricing
}

// Check lists the backend's models, which needs valid credentials but
// costs nothing.
func (p *OpenAIProvider) Check(ctx context.Context) error {
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

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = false

	resp, err := provider.PostJSON(ctx, p.client, p.name, url, p.headers(), openAIReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "failed to decode response", err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "openai api returned no choices", nil)
	}

	choice := openAIResp.Choices[0]
	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Cost:         p.pricing.Cost(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

// classify maps the error payload type first and falls back to the status.
func (p *OpenAIProvider) classify(status int, body []byte) error {
	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return provider.StatusError(p.name, status, provider.KindNone, strings.TrimSpace(string(body)))
	}

	kind := provider.KindNone
	code, _ := errResp.Error.Code.(string)
	switch {
	case code == "invalid_api_key", errResp.Error.Type == "authentication_error":
		kind = provider.KindAuth
	case code == "rate_limit_exceeded", errResp.Error.Type == "insufficient_quota":
		kind = provider.KindRateLimitedByBackend
	case errResp.Error.Type == "server_error":
		kind = provider.KindTransientServer
	}
	return provider.StatusError(p.name, status, kind, errResp.Error.Message)
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true

	resp, err := provider.PostJSON(ctx, p.client, p.name, url, p.headers(), openAIReq)
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
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				provider.SendChunk(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				provider.SendChunk(ctx, ch, &provider.Chunk{
					Err: provider.NewError(p.name, provider.KindTransientServer, 0, "malformed stream event", err),
				})
				return
			}

			if len(openAIResp.Choices) > 0 {
				content := openAIResp.Choices[0].Delta.Content
				if content != "" {
					if !provider.SendChunk(ctx, ch, &provider.Chunk{Delta: content}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}
