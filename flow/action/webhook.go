package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookClient delivers HTTP callbacks for webhook actions.
//
// It supports GET and POST, JSON request bodies, and custom headers, and
// returns the response status, headers, and body so handlers can merge
// them into workflow state.
//
//	client := action.NewWebhookClient()
//	out, err := client.Deliver(ctx, action.WebhookRequest{
//	    Method: "POST",
//	    URL:    "https://hooks.example.com/order-created",
//	    Body:   map[string]any{"orderId": "ord-17"},
//	})
type WebhookClient struct {
	client *http.Client
}

// WebhookRequest describes a single webhook delivery.
type WebhookRequest struct {
	// Method is "GET" or "POST". Defaults to "POST" when a body is set,
	// "GET" otherwise.
	Method string

	// URL is the target endpoint. Required.
	URL string

	// Headers are added to the request. Content-Type defaults to
	// application/json when a body is sent.
	Headers map[string]string

	// Body is JSON-encoded into the request body when non-nil.
	Body map[string]any
}

// WebhookResponse is the outcome of a delivery.
type WebhookResponse struct {
	StatusCode int
	Headers    map[string]any
	Body       string
}

// NewWebhookClient creates a WebhookClient with a 30 second request
// timeout. Pass a custom client to NewWebhookClientWith for different
// transport settings.
func NewWebhookClient() *WebhookClient {
	return NewWebhookClientWith(&http.Client{Timeout: 30 * time.Second})
}

// NewWebhookClientWith creates a WebhookClient using the given http.Client.
func NewWebhookClientWith(client *http.Client) *WebhookClient {
	return &WebhookClient{client: client}
}

// Deliver executes the webhook request.
//
// A non-2xx response is returned as an error along with the parsed
// response, so callers can record the status and body on the task.
func (w *WebhookClient) Deliver(ctx context.Context, req WebhookRequest) (WebhookResponse, error) {
	if req.URL == "" {
		return WebhookResponse{}, fmt.Errorf("webhook: url required")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		if req.Body != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}
	if method != http.MethodGet && method != http.MethodPost {
		return WebhookResponse{}, fmt.Errorf("webhook: unsupported method %s", method)
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return WebhookResponse{}, fmt.Errorf("webhook: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("webhook: create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := w.client.Do(httpReq)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("webhook: read response: %w", err)
	}

	respHeaders := make(map[string]any)
	for key, values := range httpResp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	resp := WebhookResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    respHeaders,
		Body:       string(respBody),
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, fmt.Errorf("webhook: %s returned status %d", req.URL, httpResp.StatusCode)
	}
	return resp, nil
}
