package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/internal/workflow"
	"github.com/cloud-shuttle/gza/pkg/types"
)

func TestPool_DrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	prompts := []string{"Add a feature flag for the parser", "Add a feature flag for the lexer", "Add a feature flag for the printer"}
	for _, p := range prompts {
		h.add(p)
	}
	done := h.bus.Subscribe(events.Filter{Types: []events.Type{events.TaskCompleted}})

	pool := workflow.NewPool(h.runner, workflow.PoolOptions{Workers: 2, PollInterval: 10 * time.Millisecond})
	summary, err := pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.Summary{Completed: 3}, summary)

	tasks, err := h.store.All(context.Background())
	require.NoError(t, err)
	branches := map[string]bool{}
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusCompleted, task.Status, task.Prompt)
		branches[task.BranchName()] = true
	}
	assert.Len(t, branches, 3, "each task gets its own branch")
	assert.Len(t, done, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.TasksClaimed))
}

func TestPool_MaxTasks(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	h.add("Add a feature flag for the parser")
	second := h.add("Add a feature flag for the lexer")

	pool := workflow.NewPool(h.runner, workflow.PoolOptions{Workers: 1, MaxTasks: 1, PollInterval: 10 * time.Millisecond})
	summary, err := pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.Summary{Completed: 1}, summary)
	assert.Equal(t, types.TaskStatusPending, h.get(second.ID).Status)
}

func TestPool_CountsFailures(t *testing.T) {
	h := newHarness(t)
	h.agent(writeSummary + transcript("Nothing to do", "success"))
	h.add("Add a feature flag for the parser")

	summary, err := workflow.NewPool(h.runner, workflow.PoolOptions{PollInterval: 10 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.Summary{Failed: 1}, summary)
}

func TestPool_QueuesReviewsInsteadOfRunningThem(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	impl := h.add(testPrompt, func(nt *db.NewTask) {
		nt.Type = types.TaskTypeImplement
		nt.CreateReview = true
	})

	summary, err := workflow.NewPool(h.runner, workflow.PoolOptions{PollInterval: 10 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	// The worker picks the queued review up on its next claim
	assert.Equal(t, workflow.Summary{Completed: 2}, summary)

	reviews, err := h.store.ReviewsFor(context.Background(), impl.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, types.TaskStatusCompleted, reviews[0].Status)
}

func TestPool_PreflightFailsFast(t *testing.T) {
	h := newHarness(t)
	h.cfg.Provider = "gemini"
	h.add(testPrompt)

	_, err := workflow.NewPool(h.runner, workflow.PoolOptions{}).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.TaskStatusPending, h.get(1).Status)
}

func TestPool_AbortsOnTaskProviderCredentials(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	gemini := func(nt *db.NewTask) { nt.Provider = types.Ptr("gemini") }
	first := h.add("Add a feature flag for the parser", gemini)
	second := h.add("Add a feature flag for the lexer", gemini)

	summary, err := workflow.NewPool(h.runner, workflow.PoolOptions{Workers: 2, PollInterval: 10 * time.Millisecond}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
	assert.Equal(t, workflow.Summary{}, summary)

	for _, id := range []int64{first.ID, second.ID} {
		got := h.get(id)
		assert.Equal(t, types.TaskStatusPending, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.FailureReason)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.TasksClaimed))
}

func TestPool_StopsWhenQueuedTaskNeedsMissingCredentials(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	done := h.add("Add a feature flag for the parser")

	// Preflight passes; the gemini task shows up once the pool is running
	pool := workflow.NewPool(h.runner, workflow.PoolOptions{Watch: true, PollInterval: 10 * time.Millisecond})
	started := h.bus.Subscribe(events.Filter{Types: []events.Type{events.TaskCompleted}})
	errc := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background())
		errc <- err
	}()
	<-started
	late := h.add("Add a feature flag for the lexer", func(nt *db.NewTask) { nt.Provider = types.Ptr("gemini") })

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, config.ErrConfiguration)
	case <-time.After(10 * time.Second):
		t.Fatal("pool kept running after a configuration error")
	}
	assert.Equal(t, types.TaskStatusCompleted, h.get(done.ID).Status)
	assert.Equal(t, types.TaskStatusPending, h.get(late.ID).Status)
}

func TestPool_WatchStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	summary, err := workflow.NewPool(h.runner, workflow.PoolOptions{Watch: true, PollInterval: 20 * time.Millisecond}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.Summary{}, summary)
}
