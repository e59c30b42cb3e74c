package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// PostJSON sends payload as a JSON POST. Transport failures come back
// already classified; HTTP error statuses are left to the caller, which
// knows the backend's error payload.
func PostJSON(ctx context.Context, client HTTPDoer, name, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(name, KindInvalidRequest, 0, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(name, KindInvalidRequest, 0, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return do(client, name, httpReq, headers)
}

// Get is PostJSON for body-less reads such as model listings.
func Get(ctx context.Context, client HTTPDoer, name, url string, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewError(name, KindInvalidRequest, 0, "failed to build request", err)
	}
	return do(client, name, httpReq, headers)
}

func do(client HTTPDoer, name string, httpReq *http.Request, headers map[string]string) (*http.Response, error) {
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, TransportError(name, err)
	}
	return resp, nil
}

// ReadErrorBody drains and closes a non-2xx response body.
func ReadErrorBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return b
}

// SendChunk delivers c unless ctx is done first.
func SendChunk(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// StatusError builds the error for a non-2xx response when the payload
// type did not map to a kind of its own.
func StatusError(name string, status int, kind Kind, message string) *Error {
	if kind == KindNone {
		kind = KindForStatus(status)
	}
	if message == "" {
		message = fmt.Sprintf("%s api error", name)
	}
	return NewError(name, kind, status, message, nil)
}
