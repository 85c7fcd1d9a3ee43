package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookDeliverPost(t *testing.T) {
	var gotMethod, gotContentType, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("X-Request-Id", "req-7")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewWebhookClient()
	resp, err := client.Deliver(context.Background(), WebhookRequest{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    map[string]any{"orderId": "ord-17"},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// No explicit method: a body implies POST.
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["orderId"] != "ord-17" {
		t.Errorf("body = %v", gotBody)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Body != `{"ok":true}` {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Headers["X-Request-Id"] != "req-7" {
		t.Errorf("headers = %v", resp.Headers)
	}
}

func TestWebhookDeliverGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	resp, err := NewWebhookClient().Deliver(context.Background(), WebhookRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if resp.Body != "pong" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWebhookDeliverNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := NewWebhookClient().Deliver(context.Background(), WebhookRequest{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	// The response still comes back so handlers can record it.
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "nope") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWebhookDeliverRejects(t *testing.T) {
	client := NewWebhookClient()
	ctx := context.Background()

	if _, err := client.Deliver(ctx, WebhookRequest{}); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := client.Deliver(ctx, WebhookRequest{Method: "DELETE", URL: "http://example.com"}); err == nil {
		t.Error("expected error for unsupported method")
	}
}
