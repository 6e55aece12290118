// Package webhooks pushes alert events to operator-configured HTTP endpoints
// (paging, case management, chat bridges).
//
// Each event is POSTed as JSON. When a secret is configured the body is
// signed with HMAC-SHA256 and the hex digest is sent in
// X-Fraudwatch-Signature as "sha256=<hex>".
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertCreated  EventType = "alert.created"
	EventStoreDegraded EventType = "alert_store.degraded"
)

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// queueSize bounds events waiting for delivery; beyond it new events are dropped.
const queueSize = 512

// Dispatcher delivers events to every configured endpoint. Notify calls
// never block the alert path; delivery happens in Run.
type Dispatcher struct {
	urls    []string
	secret  string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	queue   chan *Event
	logger  *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher for urls. An empty secret sends
// unsigned requests.
func NewDispatcher(urls []string, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		urls:   urls,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:  retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, time.Minute),
		queue:   make(chan *Event, queueSize),
		logger:  logger,
	}
}

// WithPolicy replaces the per-endpoint retry policy.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// NotifyAlert queues an alert.created event.
func (d *Dispatcher) NotifyAlert(a *alerts.Alert) {
	d.enqueue(EventAlertCreated, a)
}

// NotifyDegraded queues an alert_store.degraded event.
func (d *Dispatcher) NotifyDegraded(reason string) {
	d.enqueue(EventStoreDegraded, map[string]string{"reason": reason})
}

func (d *Dispatcher) enqueue(t EventType, data any) {
	event := &Event{ID: idgen.WithPrefix("evt_"), Type: t, Timestamp: time.Now().UTC(), Data: data}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "type", t)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.dispatch(ctx, event)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("encode webhook event", "type", event.Type, "error", err)
		return
	}
	for _, url := range d.urls {
		err := d.policy.Do(ctx, func(ctx context.Context) error {
			return d.breaker.Call(url, func() error {
				return d.send(ctx, url, event, payload)
			}, retry.IsTransient)
		})
		if err != nil {
			d.failed.Add(1)
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook undelivered", "url", url, "event_id", event.ID, "type", event.Type, "error", err)
			continue
		}
		d.delivered.Add(1)
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

// send makes one POST. Network errors and 5xx/429 replies are transient;
// any other non-2xx reply is permanent.
func (d *Dispatcher) send(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fraudwatch-Event", string(event.Type))
	req.Header.Set("X-Fraudwatch-Delivery", event.ID)
	req.Header.Set("X-Fraudwatch-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))

	if d.secret != "" {
		req.Header.Set("X-Fraudwatch-Signature", "sha256="+Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return retry.Transient("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.Transient("webhook", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value ("sha256=<hex>" or bare hex)
// against payload. Receivers can use it as-is.
func Verify(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// Stats are delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   len(d.queue),
	}
}

var (
	_ alerts.Notifier         = (*Dispatcher)(nil)
	_ alerts.DegradedNotifier = (*Dispatcher)(nil)
)
