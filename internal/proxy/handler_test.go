package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-router/internal/billing"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/registry"
	"github.com/vnmchuo/llm-router/internal/usage"
)

// Mock Billing Store
type mockBillingStore struct {
	writeFunc              func(ctx context.Context, e *usage.Event) error
	getUsageByProviderFunc func(ctx context.Context, provider string, from, to time.Time) ([]*billing.UsageRecord, error)
	getTotalCostFunc       func(ctx context.Context, provider string, from, to time.Time) (float64, error)
}

func (m *mockBillingStore) Write(ctx context.Context, e *usage.Event) error {
	if m.writeFunc != nil {
		return m.writeFunc(ctx, e)
	}
	return nil
}

func (m *mockBillingStore) GetUsageByProvider(ctx context.Context, provider string, from, to time.Time) ([]*billing.UsageRecord, error) {
	if m.getUsageByProviderFunc != nil {
		return m.getUsageByProviderFunc(ctx, provider, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) GetTotalCost(ctx context.Context, provider string, from, to time.Time) (float64, error) {
	if m.getTotalCostFunc != nil {
		return m.getTotalCostFunc(ctx, provider, from, to)
	}
	return 0, nil
}

// Test Suite
func setupTest(t *testing.T, adapters []provider.Adapter, store billing.Store) *Handler {
	t.Helper()
	var entries []registry.Entry
	for i, a := range adapters {
		entries = append(entries, entry(a, len(adapters)-i))
	}
	f := newFixture(t, entries, nil, 3)
	return NewHandler(f.dispatcher, store, noop.NewTracerProvider().Tracer("test"), nil)
}

func completionBody(extra map[string]interface{}) *bytes.Reader {
	body := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	}
	for k, v := range extra {
		body[k] = v
	}
	b, _ := json.Marshal(body)
	return bytes.NewReader(b)
}

func TestHandleHealth(t *testing.T) {
	h := setupTest(t, nil, nil)
	w := httptest.NewRecorder()

	h.HandleHealth(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h := setupTest(t, nil, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleComplete_MissingMessages(t *testing.T) {
	h := setupTest(t, []provider.Adapter{&MockAdapter{name: "a"}}, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	h := setupTest(t, nil, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(nil))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != ErrNoProviderAvailable.Error() {
		t.Errorf("Expected %q, got %v", ErrNoProviderAvailable.Error(), resp["error"])
	}
}

func TestHandleComplete_AllProvidersFailed(t *testing.T) {
	a := &MockAdapter{name: "a", completeFunc: failWith(provider.KindAuth)}
	b := &MockAdapter{name: "b", completeFunc: failWith(provider.KindTransientServer)}
	h := setupTest(t, []provider.Adapter{a, b}, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(nil))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}

	var resp struct {
		Error    string           `json:"error"`
		Attempts []attemptPayload `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(resp.Attempts))
	}
	if resp.Attempts[0].Provider != "a" || resp.Attempts[0].Kind != "auth_error" || !resp.Attempts[0].Admitted {
		t.Errorf("Unexpected first attempt: %+v", resp.Attempts[0])
	}
	if resp.Attempts[1].Kind != "transient_server_error" {
		t.Errorf("Unexpected second attempt: %+v", resp.Attempts[1])
	}
}

func TestHandleComplete_Success(t *testing.T) {
	p := &MockAdapter{name: "test-provider"}
	h := setupTest(t, []provider.Adapter{p}, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(map[string]interface{}{
		"model":      "gpt-4",
		"max_tokens": 100,
		"request_id": "req-1",
	}))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["model"] != "gpt-4" {
		t.Errorf("Expected model gpt-4, got %v", resp["model"])
	}
	if resp["provider"] != "test-provider" {
		t.Errorf("Expected provider test-provider, got %v", resp["provider"])
	}
	if resp["request_id"] != "req-1" {
		t.Errorf("Expected request_id req-1, got %v", resp["request_id"])
	}

	choices := resp["choices"].([]interface{})
	if len(choices) != 1 {
		t.Errorf("Expected 1 choice, got %d", len(choices))
	}
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if message["content"] != "mock from test-provider" {
		t.Errorf("Expected mock content, got %v", message["content"])
	}

	usage := resp["usage"].(map[string]interface{})
	if usage["total_tokens"].(float64) != 30 {
		t.Errorf("Expected total_tokens 30, got %v", usage["total_tokens"])
	}
}

func TestRoutes_UsesChiRequestID(t *testing.T) {
	h := setupTest(t, []provider.Adapter{&MockAdapter{name: "a"}}, nil)
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	h.Routes(r)

	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(nil))
	req.Header.Set("X-Request-Id", "from-header")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["request_id"] != "from-header" {
		t.Errorf("Expected request_id from-header, got %v", resp["request_id"])
	}
}

func TestHandleCompleteStream_InvalidBody(t *testing.T) {
	h := setupTest(t, nil, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleCompleteStream_NoStreamingProvider(t *testing.T) {
	h := setupTest(t, []provider.Adapter{&MockAdapter{name: "a"}}, nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody(nil))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	p := &MockStreamAdapter{
		MockAdapter: MockAdapter{name: "test-provider"},
		streamFunc: sendChunks(
			&provider.Chunk{Delta: "hello"},
			&provider.Chunk{Delta: " world"},
			&provider.Chunk{Done: true},
		),
	}
	h := setupTest(t, []provider.Adapter{p}, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody(map[string]interface{}{"model": "gpt-4"}))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"},\"index\":0}]}") {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}]}") {
		t.Errorf("Body missing second chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}
}

func TestHandleCompleteStream_OutlivesServerWriteTimeout(t *testing.T) {
	p := &MockStreamAdapter{
		MockAdapter: MockAdapter{name: "test-provider"},
		streamFunc: func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
			ch := make(chan *provider.Chunk)
			go func() {
				defer close(ch)
				if !provider.SendChunk(ctx, ch, &provider.Chunk{Delta: "hello"}) {
					return
				}
				select {
				case <-time.After(300 * time.Millisecond):
				case <-ctx.Done():
					return
				}
				if !provider.SendChunk(ctx, ch, &provider.Chunk{Delta: " world"}) {
					return
				}
				provider.SendChunk(ctx, ch, &provider.Chunk{Done: true})
			}()
			return ch, nil
		},
	}
	h := setupTest(t, []provider.Adapter{p}, nil)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	h.Routes(r)
	server := httptest.NewUnstartedServer(r)
	server.Config.WriteTimeout = 100 * time.Millisecond
	server.Start()
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/chat/completions/stream", "application/json", completionBody(nil))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Reading stream failed: %v (got %q)", err, body)
	}
	if !strings.Contains(string(body), `"content":" world"`) || !strings.Contains(string(body), "data: [DONE]") {
		t.Errorf("Expected the full stream past the write timeout, got %s", body)
	}
}

func TestHandleCompleteStream_ErrorEvent(t *testing.T) {
	p := &MockStreamAdapter{
		MockAdapter: MockAdapter{name: "test-provider"},
		streamFunc: sendChunks(
			&provider.Chunk{Delta: "partial"},
			&provider.Chunk{Err: provider.NewError("test-provider", provider.KindTransientServer, 0, "stream broke", nil)},
		),
	}
	h := setupTest(t, []provider.Adapter{p}, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody(nil))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, `"kind":"transient_server_error"`) {
		t.Errorf("Body missing error event: %s", body)
	}
}

func TestHandleProviders(t *testing.T) {
	h := setupTest(t, []provider.Adapter{&MockAdapter{name: "a"}, &MockAdapter{name: "b"}}, nil)
	w := httptest.NewRecorder()

	h.HandleProviders(w, httptest.NewRequest("GET", "/v1/providers", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Providers []ProviderStats `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Providers) != 2 || resp.Providers[0].Name != "a" || resp.Providers[0].Circuit != "closed" {
		t.Errorf("Unexpected providers: %+v", resp.Providers)
	}
}

func TestHandleEstimate(t *testing.T) {
	p := &MockStreamAdapter{MockAdapter: MockAdapter{name: "priced"}}
	h := setupTest(t, []provider.Adapter{p}, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions/estimate", completionBody(map[string]interface{}{"max_tokens": 1000}))
	w := httptest.NewRecorder()
	h.HandleEstimate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var est CostEstimate
	if err := json.Unmarshal(w.Body.Bytes(), &est); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if est.Provider != "priced" || est.OutputTokens != 1000 || est.CostUSD <= 0 {
		t.Errorf("Unexpected estimate: %+v", est)
	}
	if p.calls.Load() != 0 {
		t.Errorf("Expected no backend call, got %d", p.calls.Load())
	}
}

func TestHandleEstimate_NoProvider(t *testing.T) {
	h := setupTest(t, nil, nil)
	w := httptest.NewRecorder()

	h.HandleEstimate(w, httptest.NewRequest("POST", "/v1/chat/completions/estimate", completionBody(nil)))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleProviderHealth(t *testing.T) {
	up := &MockCheckedAdapter{MockAdapter: MockAdapter{name: "up"}}
	down := &MockCheckedAdapter{
		MockAdapter: MockAdapter{name: "down"},
		checkErr:    provider.NewError("down", provider.KindTransientServer, 503, "unavailable", nil),
	}
	h := setupTest(t, []provider.Adapter{up, down}, nil)

	r := chi.NewRouter()
	h.Routes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/providers/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Healthy   int             `json:"healthy"`
		Providers []ProviderCheck `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Healthy != 1 || len(resp.Providers) != 2 {
		t.Fatalf("Unexpected response: %+v", resp)
	}
	if resp.Providers[1].Name != "down" || resp.Providers[1].Kind != provider.KindTransientServer {
		t.Errorf("Expected down to report transient_server_error, got %+v", resp.Providers[1])
	}
}

func TestHandleUsage_NoStore(t *testing.T) {
	h := setupTest(t, nil, nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, httptest.NewRequest("GET", "/v1/usage", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h := setupTest(t, nil, &mockBillingStore{})
	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	var gotProvider string
	b := &mockBillingStore{
		getUsageByProviderFunc: func(ctx context.Context, provider string, from, to time.Time) ([]*billing.UsageRecord, error) {
			gotProvider = provider
			return []*billing.UsageRecord{
				{Provider: "openai", Model: "gpt-4o"},
				{Provider: "openai", Model: "gpt-4o"},
			}, nil
		},
		getTotalCostFunc: func(ctx context.Context, provider string, from, to time.Time) (float64, error) {
			return 0.005, nil
		},
	}
	h := setupTest(t, nil, b)

	req := httptest.NewRequest("GET", "/v1/usage?provider=openai", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if gotProvider != "openai" {
		t.Errorf("Expected provider filter openai, got %q", gotProvider)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total_cost_usd == 0.005, got %v", resp["total_cost_usd"])
	}
	records := resp["records"].([]interface{})
	if len(records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(records))
	}
}
