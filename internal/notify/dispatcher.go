// Package notify delivers auxiliary webhook notifications from a background
// worker so that delivery never sits on the request path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventChatCompleted = "chat.completed"

	defaultQueueSize       = 64
	defaultDeliveryTimeout = 5 * time.Second
)

// Event is one notification posted as JSON to the webhook.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Dispatcher queues events and posts them one at a time, once each.
// Failed deliveries are logged and counted, never retried.
type Dispatcher struct {
	endpoint        string
	httpClient      *http.Client
	deliveryTimeout time.Duration
	logger          *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	started atomic.Bool
	done    chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

type Option func(*Dispatcher)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = httpClient
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.deliveryTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a Dispatcher posting to endpoint. Call Start before
// enqueueing and Drain on shutdown.
func NewDispatcher(endpoint string, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notify: endpoint must not be empty")
	}
	d := &Dispatcher{
		endpoint:        endpoint,
		httpClient:      &http.Client{},
		deliveryTimeout: defaultDeliveryTimeout,
		logger:          slog.Default(),
		queue:           make(chan Event, defaultQueueSize),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "notify")
	return d, nil
}

// Start launches the worker. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run()
}

// Enqueue hands ev to the worker without blocking. It reports false when the
// queue is full or the dispatcher is draining; the event is then dropped.
func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.logger.Warn("notification queue full, dropping event", "type", ev.Type)
		return false
	}
}

// Drain stops accepting events and waits until queued ones are delivered or
// ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: drain: %w", ctx.Err())
	}
}

// Stats returns delivered and failed delivery counts.
func (d *Dispatcher) Stats() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		if err := d.deliver(ev); err != nil {
			d.failed.Add(1)
			d.logger.Warn("notification delivery failed", "type", ev.Type, "err", err)
			continue
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) deliver(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}
