// Package alert implements the rate-limited-per-event-name notifier: gate
// and controller failures are published as stream events, with a per-event
// rate limiter protecting subscribers (logs, webhooks) from floods during
// an incident.
package alert

import (
	"encoding/json"
	"log/slog"

	"github.com/clawee/sidecar/pkg/ratelimit"
	"github.com/clawee/sidecar/pkg/stream"
)

// Notifier publishes rate-limited alert events to a stream hub. Each event
// name gets its own rate-limiting bucket, so a storm of budget-suspension
// alerts cannot drown out an unrelated replay-store alert.
type Notifier struct {
	hub     *stream.Hub
	limiter ratelimit.Limiter
	limit   int
	logger  *slog.Logger
}

// NewNotifier constructs a Notifier over hub, allowing at most limit
// notifications per event name per the limiter's window.
func NewNotifier(hub *stream.Hub, limiter ratelimit.Limiter, limit int, logger *slog.Logger) *Notifier {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{hub: hub, limiter: limiter, limit: limit, logger: logger}
}

// Notify publishes event with detail, subject to the per-event-name rate
// limit. A rate-limited notification is dropped silently from the stream
// but still logged at debug level so operators can see it was suppressed.
func (n *Notifier) Notify(event string, detail map[string]any) {
	decision := n.limiter.Allow(event, n.limit)
	if !decision.Allowed {
		n.logger.Debug("alert suppressed by rate limit", "event", event, "count", decision.Count, "limit", decision.Limit)
		return
	}
	n.logger.Warn("alert", "event", event, "detail", detail)
	n.hub.Publish(stream.NewEvent(event, detail))
}

// Subscribe returns a channel of alert events, grounded on the stream
// hub's bounded pub/sub.
func (n *Notifier) Subscribe(buffer int) chan stream.Event {
	return n.hub.Subscribe(buffer)
}

// Unsubscribe releases a channel returned by Subscribe.
func (n *Notifier) Unsubscribe(ch chan stream.Event) {
	n.hub.Unsubscribe(ch)
}

// LogSink drains events from the hub and logs them; cmd/sidecar subscribes
// one by default so every alert is visible even with no other subscriber
// connected.
func LogSink(hub *stream.Hub, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := hub.Subscribe(64)
	go func() {
		for evt := range ch {
			var detail any
			if len(evt.Data) > 0 {
				_ = json.Unmarshal(evt.Data, &detail)
			}
			logger.Info("alert received", "type", evt.Type, "at", evt.At, "detail", detail)
		}
	}()
}
