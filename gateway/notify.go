package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"escrowd/native/escrow"
)

const (
	defaultNotifyCapacity = 1024
	notifyTimeout         = 10 * time.Second
)

type notifyMetrics struct {
	enqueued  metric.Int64Counter
	dropped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

var (
	notifyMetricsOnce sync.Once
	notifyRegistry    *notifyMetrics
)

func newNotifyMetrics() *notifyMetrics {
	notifyMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowd/gateway/notify")
		m := &notifyMetrics{}
		var err error
		if m.enqueued, err = meter.Int64Counter("escrow_notify_enqueued_total"); err != nil {
			m.enqueued, _ = noop.NewMeterProvider().Meter("noop").Int64Counter("escrow_notify_enqueued_total")
		}
		if m.dropped, err = meter.Int64Counter("escrow_notify_dropped_total"); err != nil {
			m.dropped, _ = noop.NewMeterProvider().Meter("noop").Int64Counter("escrow_notify_dropped_total")
		}
		if m.delivered, err = meter.Int64Counter("escrow_notify_delivered_total"); err != nil {
			m.delivered, _ = noop.NewMeterProvider().Meter("noop").Int64Counter("escrow_notify_delivered_total")
		}
		if m.failed, err = meter.Int64Counter("escrow_notify_failed_total"); err != nil {
			m.failed, _ = noop.NewMeterProvider().Meter("noop").Int64Counter("escrow_notify_failed_total")
		}
		notifyRegistry = m
	})
	return notifyRegistry
}

// Notifier delivers post-transition events to configured webhook endpoints.
// Delivery is fire-and-forget: a full queue drops the event and a failed POST
// is logged, never propagated back to the transition that produced it.
type Notifier struct {
	urls    []string
	queue   chan escrow.Event
	client  *http.Client
	logger  *slog.Logger
	metrics *notifyMetrics
}

// NotifierOption adjusts notifier behaviour.
type NotifierOption func(*Notifier)

// WithNotifyCapacity sets the maximum number of pending notifications.
func WithNotifyCapacity(capacity int) NotifierOption {
	return func(n *Notifier) {
		if capacity > 0 {
			n.queue = make(chan escrow.Event, capacity)
		}
	}
}

// WithNotifyHTTPClient overrides the HTTP client used for deliveries.
func WithNotifyHTTPClient(client *http.Client) NotifierOption {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// NewNotifier constructs a bounded notifier for the given endpoints.
func NewNotifier(urls []string, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		urls:    append([]string(nil), urls...),
		queue:   make(chan escrow.Event, defaultNotifyCapacity),
		client:  &http.Client{Timeout: notifyTimeout},
		logger:  logger,
		metrics: newNotifyMetrics(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Emit enqueues the event without blocking. Implements escrow.Emitter.
func (n *Notifier) Emit(evt escrow.Event) {
	if n == nil {
		return
	}
	ctx := context.Background()
	select {
	case n.queue <- evt:
		n.metrics.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.Type)))
	default:
		n.metrics.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "overflow")))
		n.logger.Warn("notification queue full, dropping event", "type", evt.Type)
	}
}

// Run delivers queued events until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-n.queue:
			n.deliver(ctx, evt)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt escrow.Event) {
	if len(n.urls) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":       evt.Type,
		"attributes": evt.Attributes,
	})
	if err != nil {
		n.logger.Error("encode notification", "type", evt.Type, "error", err)
		return
	}
	for _, url := range n.urls {
		reqCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			n.logger.Error("build notification request", "url", url, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			cancel()
			n.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.Type)))
			n.logger.Warn("notification delivery failed", "url", url, "type", evt.Type, "error", err)
			continue
		}
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= 300 {
			n.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.Type)))
			n.logger.Warn("notification rejected", "url", url, "type", evt.Type, "status", resp.StatusCode)
			continue
		}
		n.metrics.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.Type)))
	}
}
