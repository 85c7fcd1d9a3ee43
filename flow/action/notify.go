package action

import (
	"context"
	"fmt"
	"sync"
)

// Notifier delivers notifications produced by send-email and notification
// tasks. Implementations own the transport (SMTP relay, messaging
// platform, push service).
type Notifier interface {
	// Notify delivers a single notification. Recipients and channel live
	// in the Notification; transport errors are retryable.
	Notify(ctx context.Context, n Notification) error
}

// Notification is a channel-agnostic message.
type Notification struct {
	// Channel names the delivery channel, e.g. "email" or "slack".
	Channel string

	// To lists recipient addresses or handles.
	To []string

	// Subject is used by channels that support one.
	Subject string

	// Body is the message text. Templates are rendered before the
	// notification reaches the Notifier.
	Body string

	// Meta carries channel-specific extras.
	Meta map[string]any
}

// WebhookNotifier delivers notifications by POSTing them to an endpoint,
// typically a notification gateway that fans out to email or chat.
type WebhookNotifier struct {
	client *WebhookClient
	url    string
}

// NewWebhookNotifier creates a Notifier that posts to url.
func NewWebhookNotifier(client *WebhookClient, url string) *WebhookNotifier {
	if client == nil {
		client = NewWebhookClient()
	}
	return &WebhookNotifier{client: client, url: url}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if len(n.To) == 0 {
		return fmt.Errorf("notify: no recipients")
	}
	_, err := w.client.Deliver(ctx, WebhookRequest{
		Method: "POST",
		URL:    w.url,
		Body: map[string]any{
			"channel": n.Channel,
			"to":      n.To,
			"subject": n.Subject,
			"body":    n.Body,
			"meta":    n.Meta,
		},
	})
	return err
}

// RecordingNotifier captures notifications for tests.
type RecordingNotifier struct {
	mu   sync.Mutex
	Sent []Notification

	// Err, if set, is returned by Notify after recording.
	Err error
}

// Notify implements Notifier.
func (r *RecordingNotifier) Notify(ctx context.Context, n Notification) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	r.Sent = append(r.Sent, n)
	r.mu.Unlock()
	return r.Err
}

// Count reports how many notifications have been recorded.
func (r *RecordingNotifier) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Sent)
}
