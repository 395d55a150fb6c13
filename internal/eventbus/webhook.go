package eventbus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/logging"
)

// WebhookError indicates a non-2xx response from the webhook endpoint.
type WebhookError struct {
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

const maxWebhookResponseBody = 64 * 1024

// DelivererConfig configures outbound webhook delivery.
type DelivererConfig struct {
	Method     string
	Headers    map[string]string
	Timeout    time.Duration // default 30s
	MaxRetries int           // retries after the first attempt, default 3
	RetryDelay time.Duration // base delay, grows linearly per attempt; default 1s
	// SigningSecret enables the X-Orbit-Signature header.
	SigningSecret string
	// BlockPrivate rejects URLs resolving to loopback or private addresses.
	BlockPrivate bool
}

// Deliverer posts JSON payloads to HTTP endpoints with retries. Each
// endpoint gets its own circuit breaker.
type Deliverer struct {
	cfg      DelivererConfig
	client   *http.Client
	breakers *circuitbreaker.Registry
}

// NewDeliverer creates a Deliverer. A nil registry uses the default breaker
// configuration.
func NewDeliverer(cfg DelivererConfig, breakers *circuitbreaker.Registry) *Deliverer {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &Deliverer{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		breakers: breakers,
	}
}

// Breakers exposes the per-endpoint breakers for inspection.
func (d *Deliverer) Breakers() *circuitbreaker.Registry {
	return d.breakers
}

// Post sends payload as JSON to target, retrying failures. It stops early
// when the endpoint's breaker is open or ctx ends.
func (d *Deliverer) Post(ctx context.Context, target string, payload any, headers map[string]string) error {
	if d.cfg.BlockPrivate {
		if err := checkOutboundACL(target); err != nil {
			return fmt.Errorf("outbound ACL blocked: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	breaker := d.breakers.Get(target)
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.cfg.RetryDelay):
			}
		}

		lastErr = breaker.Execute(ctx, func(ctx context.Context) error {
			return d.send(ctx, target, body, headers)
		})
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, circuitbreaker.ErrOpen) || ctx.Err() != nil {
			return lastErr
		}
		logging.Op().Warn("webhook delivery failed", "attempt", attempt+1, "url", target, "error", lastErr)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", d.cfg.MaxRetries+1, lastErr)
}

func (d *Deliverer) send(ctx context.Context, target string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Orbit-Webhook/1.0")
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if d.cfg.SigningSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Orbit-Signature", signWebhookPayload(d.cfg.SigningSecret, timestamp, body))
		req.Header.Set("X-Orbit-Timestamp", timestamp)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// signWebhookPayload generates an HMAC-SHA256 signature in the format "v1=<hex>".
// The signed content is: timestamp.body
func signWebhookPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// checkOutboundACL validates that the webhook URL is not targeting private/internal networks.
func checkOutboundACL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("blocked: only http/https schemes allowed, got %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("blocked: empty hostname")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("blocked: %s resolves to private/reserved IP %s", host, ip)
		}
	}
	return nil
}

// WebhookSink forwards bus events to one HTTP endpoint from a background
// goroutine so publishers never block on the network.
type WebhookSink struct {
	url       string
	deliverer *Deliverer
	events    chan Event
	done      chan struct{}
	stop      context.CancelFunc
	once      sync.Once
}

// NewWebhookSink creates a sink posting to url. buffer bounds the number of
// undelivered events held in memory.
func NewWebhookSink(url string, deliverer *Deliverer, buffer int) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebhookSink{
		url:       url,
		deliverer: deliverer,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
		stop:      cancel,
	}
	go s.run(ctx)
	return s, nil
}

// Attach subscribes the sink to the bus for the given types (all when empty).
func (s *WebhookSink) Attach(bus *Bus, types ...EventType) func() {
	return bus.Subscribe(s.Enqueue, types...)
}

// Enqueue queues an event for delivery, dropping it when the buffer is full.
func (s *WebhookSink) Enqueue(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		logging.Op().Warn("webhook sink buffer full, dropping event", "url", s.url, "type", ev.Type)
	}
}

func (s *WebhookSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			headers := map[string]string{
				"X-Orbit-Event":     string(ev.Type),
				"X-Orbit-Event-ID":  ev.ID,
				"X-Orbit-Execution": ev.ExecutionID,
			}
			if err := s.deliverer.Post(ctx, s.url, ev, headers); err != nil && ctx.Err() == nil {
				logging.ForExecution(ev.WorkflowID, ev.ExecutionID).Error("event delivery failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// Close stops delivery. Events still buffered are discarded.
func (s *WebhookSink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.stop()
	})
}
