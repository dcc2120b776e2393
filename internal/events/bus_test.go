package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/pkg/types"
)

func TestBus_PublishFilters(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe(Filter{})
	failures := bus.Subscribe(Filter{Types: []Type{TaskFailed}})
	group := bus.Subscribe(Filter{Group: "auth"})

	task := &types.Task{ID: 4, Type: types.TaskTypeTask, TaskID: types.Ptr("20260301-login"), Group: types.Ptr("auth")}
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, ForTask(TaskCompleted, task, nil)))
	require.NoError(t, bus.Publish(ctx, ForTask(TaskFailed, &types.Task{ID: 5}, map[string]any{"reason": "TIMEOUT"})))

	e := <-all
	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err, "publish assigns a uuid")
	assert.Equal(t, TaskCompleted, e.Type)
	assert.Equal(t, "20260301-login", e.TaskID)
	assert.Equal(t, "auth", e.Group)
	assert.Equal(t, TaskFailed, (<-all).Type)

	f := <-failures
	assert.Equal(t, int64(5), f.Task)
	assert.Equal(t, "TIMEOUT", f.Data["reason"])
	assert.Len(t, failures, 0)

	assert.Equal(t, TaskCompleted, (<-group).Type)
	assert.Len(t, group, 0)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{})
	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, bus.Publish(context.Background(), &Event{Type: WorkerIdle}))
	}
	assert.Len(t, sub, subscriberBuffer)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{})
	other := bus.Subscribe(Filter{})
	bus.Unsubscribe(other)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Close()
	_, ok := <-sub
	assert.False(t, ok)
	_, ok = <-other
	assert.False(t, ok)
	assert.ErrorIs(t, bus.Publish(context.Background(), &Event{}), ErrClosed)

	_, ok = <-bus.Subscribe(Filter{})
	assert.False(t, ok, "subscribing after close yields a closed channel")

	var nilBus *Bus
	assert.NoError(t, nilBus.Publish(context.Background(), &Event{}))
}
