package action

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IntegrationClient calls named external endpoints on behalf of
// integration tasks. Each endpoint gets its own circuit breaker so a
// failing dependency is isolated from the rest.
//
//	client := action.NewIntegrationClient()
//	client.Register("crm", action.Endpoint{URL: "https://crm.internal/api/sync"})
//	out, err := client.Call(ctx, "crm", map[string]any{"accountId": "a-9"})
type IntegrationClient struct {
	webhook *WebhookClient

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	breakers  map[string]*Breaker
}

// Endpoint describes a registered integration target.
type Endpoint struct {
	// URL receives the POSTed payload.
	URL string

	// Headers are sent with every call, e.g. auth tokens.
	Headers map[string]string

	// BreakerThreshold and BreakerCooldown configure the endpoint's
	// circuit breaker. Zero values use the Breaker defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// NewIntegrationClient creates an IntegrationClient with no endpoints
// registered.
func NewIntegrationClient() *IntegrationClient {
	return &IntegrationClient{
		webhook:   NewWebhookClient(),
		endpoints: make(map[string]Endpoint),
		breakers:  make(map[string]*Breaker),
	}
}

// Register adds or replaces a named endpoint.
func (c *IntegrationClient) Register(name string, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[name] = ep
	c.breakers[name] = NewBreaker(ep.BreakerThreshold, ep.BreakerCooldown)
}

// Call posts payload to the named endpoint through its breaker and
// returns the decoded response body fields.
func (c *IntegrationClient) Call(ctx context.Context, name string, payload map[string]any) (WebhookResponse, error) {
	c.mu.RLock()
	ep, ok := c.endpoints[name]
	br := c.breakers[name]
	c.mu.RUnlock()
	if !ok {
		return WebhookResponse{}, fmt.Errorf("integration: endpoint %q not registered", name)
	}

	var resp WebhookResponse
	err := br.Do(func() error {
		var derr error
		resp, derr = c.webhook.Deliver(ctx, WebhookRequest{
			Method:  "POST",
			URL:     ep.URL,
			Headers: ep.Headers,
			Body:    payload,
		})
		return derr
	})
	return resp, err
}
