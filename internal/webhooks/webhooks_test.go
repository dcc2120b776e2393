package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

type received struct {
	header  http.Header
	body    []byte
	payload Payload
}

type endpoint struct {
	mu     sync.Mutex
	got    []received
	status int
	srv    *httptest.Server
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	ep := &endpoint{status: status}
	ep.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		_ = json.Unmarshal(body, &p)
		ep.mu.Lock()
		ep.got = append(ep.got, received{header: r.Header.Clone(), body: body, payload: p})
		ep.mu.Unlock()
		w.WriteHeader(ep.status)
	}))
	t.Cleanup(ep.srv.Close)
	return ep
}

func (ep *endpoint) received() []received {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]received(nil), ep.got...)
}

func task() *types.Task {
	return &types.Task{ID: 7, Type: types.TaskTypeImplement, TaskID: types.Ptr("20260301-parser"), Group: types.Ptr("parser")}
}

func TestDispatcher_DeliversSubscribedEvents(t *testing.T) {
	all := newEndpoint(t, http.StatusOK)
	failures := newEndpoint(t, http.StatusNoContent)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	d := New([]config.WebhookConfig{
		{URL: all.srv.URL, Headers: map[string]string{"Authorization": "Bearer abc"}},
		{URL: failures.srv.URL, Secret: "s3cret", Events: []string{string(events.TaskFailed)}},
	}, WithMetrics(metrics))
	assert.Equal(t, events.Filter{}, d.Filter(), "a hook without events subscribes to everything")

	bus := events.NewBus()
	sub := bus.Subscribe(d.Filter())
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), sub) }()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.ForTask(events.TaskStarted, task(), nil)))
	require.NoError(t, bus.Publish(ctx, events.ForTask(events.TaskFailed, task(), map[string]any{"reason": "TIMEOUT"})))
	bus.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after the bus closed")
	}

	got := all.received()
	require.Len(t, got, 2)
	assert.Equal(t, "Bearer abc", got[0].header.Get("Authorization"))
	assert.Empty(t, got[0].header.Get("X-Gza-Signature"))
	assert.ElementsMatch(t, []events.Type{events.TaskStarted, events.TaskFailed},
		[]events.Type{got[0].payload.Event.Type, got[1].payload.Event.Type})

	signed := failures.received()
	require.Len(t, signed, 1)
	r := signed[0]
	assert.Equal(t, "task.failed", r.header.Get("X-Gza-Event"))
	assert.Equal(t, r.payload.DeliveryID, r.header.Get("X-Gza-Delivery"))
	assert.True(t, VerifySignature(r.body, r.header.Get("X-Gza-Signature"), "s3cret"))
	assert.Equal(t, "20260301-parser", r.payload.Event.TaskID)
	assert.Equal(t, "TIMEOUT", r.payload.Event.Data["reason"])

	assert.Len(t, d.History(), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("task.failed", "ok")))
}

func TestDispatcher_RecordsFailures(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	d := New([]config.WebhookConfig{{URL: ep.srv.URL, Events: []string{"task.completed"}}})
	assert.Equal(t, events.Filter{Types: []events.Type{events.TaskCompleted}}, d.Filter())

	sub := make(chan *events.Event, 1)
	sub <- events.ForTask(events.TaskCompleted, task(), nil)
	close(sub)
	require.NoError(t, d.Run(context.Background(), sub))

	hist := d.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Succeeded())
	assert.Equal(t, http.StatusInternalServerError, hist[0].StatusCode)
	assert.EqualError(t, hist[0].Err, "HTTP 500")
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	d := New([]config.WebhookConfig{{URL: "http://127.0.0.1:1"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx, make(chan *events.Event))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"delivery_id":"x"}`)
	sig := "sha256=" + Sign(body, "key")
	assert.True(t, VerifySignature(body, sig, "key"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature(body, Sign(body, "key"), "key"), "prefix is required")
	assert.False(t, VerifySignature([]byte("tampered"), sig, "key"))
}
