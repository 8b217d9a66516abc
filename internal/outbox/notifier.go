package outbox

import (
	"context"
)

// Notifier enqueues job lifecycle events for the configured webhook. It is a no-op without a URL.
type Notifier struct {
	outbox     *Outbox
	url        string
	events     map[string]struct{} // empty means every event
	maxRetries int
}

func NewNotifier(outbox *Outbox, url string, events []string, maxRetries int) *Notifier {
	n := &Notifier{
		outbox:     outbox,
		url:        url,
		events:     make(map[string]struct{}, len(events)),
		maxRetries: maxRetries,
	}
	for _, e := range events {
		n.events[e] = struct{}{}
	}
	return n
}

// Wants reports whether eventType would be enqueued
func (n *Notifier) Wants(eventType string) bool {
	if n == nil || n.url == "" {
		return false
	}
	if len(n.events) == 0 {
		return true
	}
	_, ok := n.events[eventType]
	return ok
}

func (n *Notifier) Notify(ctx context.Context, eventType string, payload any) error {
	if !n.Wants(eventType) {
		return nil
	}
	_, err := n.outbox.Enqueue(ctx, eventType, payload, n.url, n.maxRetries)
	return err
}
