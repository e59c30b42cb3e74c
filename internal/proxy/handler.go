package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-router/internal/billing"
	"github.com/vnmchuo/llm-router/internal/provider"
)

type Handler struct {
	dispatcher *Dispatcher
	// billing is nil when no usage store is configured.
	billing billing.Store
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewHandler(dispatcher *Dispatcher, billing billing.Store, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: dispatcher,
		billing:    billing,
		tracer:     tracer,
		logger:     logger,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Post("/v1/chat/completions", h.HandleComplete)
	r.Post("/v1/chat/completions/stream", h.HandleCompleteStream)
	r.Post("/v1/chat/completions/estimate", h.HandleEstimate)
	r.Get("/v1/providers", h.HandleProviders)
	r.Get("/v1/providers/health", h.HandleProviderHealth)
	r.Get("/v1/usage", h.HandleUsage)
}

type completionRequest struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider"`
	Messages    []messagePayload `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	RequestID   string           `json:"request_id"`
	// TimeoutMs bounds the whole dispatch, across fallbacks.
	TimeoutMs int64 `json:"timeout_ms"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type attemptPayload struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Admitted bool   `json:"admitted"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Index int `json:"index"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-router"})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	response, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	finishReason := response.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         respID,
		"object":     "chat.completion",
		"request_id": req.RequestID,
		"model":      response.Model,
		"provider":   response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.TotalTokens(),
			"cost_usd":          response.Cost,
			"latency_ms":        response.Latency.Milliseconds(),
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	req.Stream = true

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete_stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	ch, err := h.dispatcher.DispatchStream(ctx, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	// The server's WriteTimeout is sized for unary calls. A stream that has
	// produced its first chunk runs until the backend or the client ends it.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear stream write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", req.RequestID)
	w.WriteHeader(http.StatusOK)

	for chunk := range ch {
		if chunk.Err != nil {
			body, _ := json.Marshal(map[string]string{
				"error": chunk.Err.Error(),
				"kind":  string(provider.KindOf(chunk.Err)),
			})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
			flusher.Flush()
			continue
		}

		if chunk.Delta != "" {
			payload := streamChunk{Choices: []streamChoice{{}}}
			payload.Choices[0].Delta.Content = chunk.Delta
			body, err := json.Marshal(payload)
			if err != nil {
				h.logger.Error("failed to encode chunk", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.dispatcher.Stats(),
	})
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	est, err := h.dispatcher.EstimateCost(req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// HandleProviderHealth actively probes every provider. It answers 200
// either way; the per-provider results say who is reachable.
func (h *Handler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.provider_health")
	defer span.End()

	checks := h.dispatcher.HealthCheck(ctx)
	healthy := 0
	for _, c := range checks {
		if c.Healthy {
			healthy++
		}
	}
	span.SetAttributes(attribute.Int("healthy", healthy))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":   healthy,
		"providers": checks,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage store not configured"})
		return
	}
	ctx := r.Context()

	now := time.Now()
	providerName := r.URL.Query().Get("provider")
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.billing.GetUsageByProvider(ctx, providerName, from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.billing.GetTotalCost(ctx, providerName, from, to)
	if err != nil {
		h.logger.Error("usage cost query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":       providerName,
		"total_requests": len(records),
		"total_cost_usd": totalCost,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}

// decode parses and validates the completion body. On failure it has
// already written the response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*provider.Request, bool) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	if len(body.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return nil, false
	}

	req := &provider.Request{
		Model:             body.Model,
		MaxTokens:         body.MaxTokens,
		Temperature:       body.Temperature,
		RequestID:         body.RequestID,
		PreferredProvider: body.Provider,
		Messages:          make([]provider.Message, len(body.Messages)),
	}
	for i, m := range body.Messages {
		req.Messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	if req.RequestID == "" {
		req.RequestID = chimiddleware.GetReqID(r.Context())
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if body.TimeoutMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.TimeoutMs) * time.Millisecond)
	}
	return req, true
}

func writeDispatchError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrNoProviderAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrDeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	body := map[string]interface{}{"error": err.Error()}
	var de *DispatchError
	if errors.As(err, &de) {
		body["error"] = de.Kind.Error()
		body["request_id"] = de.RequestID
		attempts := make([]attemptPayload, 0, len(de.Attempts))
		for _, a := range de.Attempts {
			attempts = append(attempts, attemptPayload{Provider: a.Provider, Kind: string(a.Kind), Admitted: a.Admitted})
		}
		body["attempts"] = attempts
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
