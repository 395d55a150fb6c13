package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/logging"
)

// Notification is the config of a notification step.
type Notification struct {
	Channel   string         `json:"channel,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Message   string         `json:"message,omitempty"`
	URL       string         `json:"url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

func (n Notification) channel() string {
	if n.Channel == "" {
		return "default"
	}
	return n.Channel
}

func notificationFrom(cfg map[string]any) Notification {
	return Notification{
		Channel:   stringField(cfg, "channel"),
		Recipient: stringField(cfg, "recipient"),
		Subject:   stringField(cfg, "subject"),
		Message:   stringField(cfg, "message"),
		URL:       stringField(cfg, "url"),
		Data:      domain.CloneMap(mapField(cfg, "data")),
	}
}

// LogNotifier writes notifications to the operational log.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, n Notification) (map[string]any, error) {
	logging.Op().Info("notification", "channel", n.channel(), "recipient", n.Recipient, "subject", n.Subject, "message", n.Message)
	return map[string]any{"delivered": true, "channel": n.channel()}, nil
}

// WebhookNotifier posts notifications as JSON through a Deliverer. The
// notification's URL wins over DefaultURL.
type WebhookNotifier struct {
	Deliverer  *eventbus.Deliverer
	DefaultURL string
	// Fallback receives notifications that have no URL. Nil makes them fail.
	Fallback Notifier
}

func (w *WebhookNotifier) Send(ctx context.Context, n Notification) (map[string]any, error) {
	url := n.URL
	if url == "" {
		url = w.DefaultURL
	}
	if url == "" {
		if w.Fallback != nil {
			return w.Fallback.Send(ctx, n)
		}
		return nil, fmt.Errorf("no webhook url for channel %s", n.channel())
	}
	n.SentAt = time.Now().UTC()
	n.URL = ""
	if err := w.Deliverer.Post(ctx, url, n, map[string]string{"X-Orbit-Channel": n.channel()}); err != nil {
		return nil, err
	}
	return map[string]any{"delivered": true, "channel": n.channel(), "url": url}, nil
}
