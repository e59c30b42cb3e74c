package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// DefaultPricing matches gemini-1.5-flash.
var DefaultPricing = provider.Pricing{InputPerMTok: 0.125, OutputPerMTok: 0.375}

type GeminiProvider struct {
	name    string
	apiKey  string
	baseURL string
	pricing provider.Pricing
	client  provider.HTTPDoer
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(opts provider.Options) *GeminiProvider {
	p := &GeminiProvider{
		name:    opts.Name,
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pricing: opts.Pricing,
		client:  opts.HTTPClient,
	}
	if p.name == "" {
		p.name = "gemini"
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

func (p *GeminiProvider) Name() string {
	return p.name
}

func (p *GeminiProvider) Pricing() provider.Pricing {
	return p.pricing
}

// Check lists the backend's models, which needs valid credentials but
// costs nothing.
func (p *GeminiProvider) Check(ctx context.Context) error {
	resp, err := provider.Get(ctx, p.client, p.name, fmt.Sprintf("%s/v1beta/models?%s", p.baseURL, url.Values{"key": {p.apiKey}}.Encode()), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (p *GeminiProvider) endpoint(model, method string, extra url.Values) string {
	q := url.Values{"key": {p.apiKey}}
	for k, v := range extra {
		q[k] = v
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?%s", p.baseURL, url.PathEscape(model), method, q.Encode())
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	geminiReq := p.mapRequest(req)

	resp, err := provider.PostJSON(ctx, p.client, p.name, p.endpoint(req.Model, "generateContent", nil), nil, geminiReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(resp.StatusCode, provider.ReadErrorBody(resp))
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "failed to decode response", err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(p.name, provider.KindTransientServer, resp.StatusCode, "gemini api returned no candidates", nil)
	}

	candidate := geminiResp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}
	usage := geminiResp.UsageMetadata
	return &provider.Response{
		Content:      text.String(),
		FinishReason: strings.ToLower(candidate.FinishReason),
		InputTokens:  usage.PromptTokenCount,
		OutputTokens: usage.CandidatesTokenCount,
		Model:        model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Cost:         p.pricing.Cost(usage.PromptTokenCount, usage.CandidatesTokenCount),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var out geminiRequest
	var system []geminiPart
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return out
}

func (p *GeminiProvider) classify(status int, body []byte) error {
	var errResp geminiErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Status == "" {
		return provider.StatusError(p.name, status, provider.KindNone, strings.TrimSpace(string(body)))
	}

	kind := provider.KindNone
	switch errResp.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		kind = provider.KindAuth
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND":
		kind = provider.KindInvalidRequest
	case "RESOURCE_EXHAUSTED":
		kind = provider.KindRateLimitedByBackend
	case "UNAVAILABLE", "INTERNAL":
		kind = provider.KindTransientServer
	case "DEADLINE_EXCEEDED":
		kind = provider.KindTimeout
	}
	return provider.StatusError(p.name, status, kind, errResp.Error.Message)
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	geminiReq := p.mapRequest(req)
	endpoint := p.endpoint(req.Model, "streamGenerateContent", url.Values{"alt": {"sse"}})

	resp, err := provider.PostJSON(ctx, p.client, p.name, endpoint, nil, geminiReq)
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

		// The SSE body has no terminator; a candidate carrying a
		// finishReason marks a complete stream.
		finished := false
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if finished {
						provider.SendChunk(ctx, ch, &provider.Chunk{Done: true})
					} else {
						provider.SendChunk(ctx, ch, &provider.Chunk{Err: provider.TruncatedStream(p.name)})
					}
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
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				provider.SendChunk(ctx, ch, &provider.Chunk{
					Err: provider.NewError(p.name, provider.KindTransientServer, 0, "malformed stream event", err),
				})
				return
			}

			if len(geminiResp.Candidates) > 0 && geminiResp.Candidates[0].FinishReason != "" {
				finished = true
			}
			if len(geminiResp.Candidates) > 0 && len(geminiResp.Candidates[0].Content.Parts) > 0 {
				text := geminiResp.Candidates[0].Content.Parts[0].Text
				if text != "" {
					if !provider.SendChunk(ctx, ch, &provider.Chunk{Delta: text}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}
