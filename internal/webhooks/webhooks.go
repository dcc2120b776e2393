// Package webhooks posts task lifecycle events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
)

const (
	defaultTimeout = 10 * time.Second
	defaultWorkers = 2
	historySize    = 100
)

// Payload is the JSON body of every delivery
type Payload struct {
	DeliveryID string        `json:"delivery_id"`
	Event      *events.Event `json:"event"`
}

// Delivery records the outcome of one POST
type Delivery struct {
	URL        string
	DeliveryID string
	Event      events.Type
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Succeeded reports a 2xx response
func (d Delivery) Succeeded() bool {
	return d.Err == nil && d.StatusCode >= 200 && d.StatusCode < 300
}

type job struct {
	hook  config.WebhookConfig
	event *events.Event
}

// Dispatcher delivers bus events to the configured webhooks
type Dispatcher struct {
	hooks   []config.WebhookConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *telemetry.Metrics
	workers int

	mu      sync.Mutex
	history []Delivery
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics counts deliveries
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClient overrides the HTTP client
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithWorkers sets how many deliveries run at once
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New creates a dispatcher for hooks
func New(hooks []config.WebhookConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:   hooks,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop(),
		workers: defaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Filter is the narrowest bus filter covering every hook
func (d *Dispatcher) Filter() events.Filter {
	var types []events.Type
	for _, h := range d.hooks {
		if len(h.Events) == 0 {
			return events.Filter{}
		}
		for _, e := range h.Events {
			if t := events.Type(e); !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}
	return events.Filter{Types: types}
}

func subscribed(h config.WebhookConfig, t events.Type) bool {
	return len(h.Events) == 0 || slices.Contains(h.Events, string(t))
}

// Run delivers events from sub until it is closed and every queued
// delivery has finished. Cancelling ctx abandons deliveries in flight.
func (d *Dispatcher) Run(ctx context.Context, sub <-chan *events.Event) error {
	jobs := make(chan job)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				d.record(d.deliver(gctx, j.hook, j.event))
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-sub:
				if !ok {
					return nil
				}
				for _, h := range d.hooks {
					if !subscribed(h, e.Type) {
						continue
					}
					select {
					case jobs <- job{hook: h, event: e}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	})
	return g.Wait()
}

// deliver POSTs one event to one hook
func (d *Dispatcher) deliver(ctx context.Context, hook config.WebhookConfig, e *events.Event) Delivery {
	res := Delivery{URL: hook.URL, DeliveryID: uuid.NewString(), Event: e.Type}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	body, err := json.Marshal(Payload{DeliveryID: res.DeliveryID, Event: e})
	if err != nil {
		res.Err = fmt.Errorf("encoding payload: %w", err)
		return res
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("building request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gza-webhooks/1")
	req.Header.Set("X-Gza-Event", string(e.Type))
	req.Header.Set("X-Gza-Delivery", res.DeliveryID)
	req.Header.Set("X-Gza-Timestamp", strconv.FormatInt(e.Timestamp.Unix(), 10))
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if hook.Secret != "" {
		req.Header.Set("X-Gza-Signature", "sha256="+Sign(body, hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	resp.Body.Close()
	res.StatusCode = resp.StatusCode
	if !res.Succeeded() {
		res.Err = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return res
}

func (d *Dispatcher) record(res Delivery) {
	outcome := "ok"
	if !res.Succeeded() {
		outcome = "error"
		d.logger.Warn("webhook delivery failed",
			zap.String("url", res.URL),
			zap.String("event", string(res.Event)),
			zap.Error(res.Err))
	} else {
		d.logger.Debug("webhook delivered",
			zap.String("url", res.URL),
			zap.String("event", string(res.Event)),
			zap.Int("status", res.StatusCode),
			zap.Duration("duration", res.Duration))
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(string(res.Event), outcome).Inc()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == historySize {
		d.history = d.history[1:]
	}
	d.history = append(d.history, res)
}

// History returns recent deliveries, oldest first
func (d *Dispatcher) History() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.history)
}

// Sign returns the hex HMAC-SHA256 of body
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an X-Gza-Signature header value against body
func VerifySignature(body []byte, header, secret string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(body, secret)))
}
