package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// PoolOptions configures a worker pool
type PoolOptions struct {
	// Workers is how many tasks run at once
	Workers int
	// Watch keeps workers polling an empty queue instead of exiting
	Watch bool
	// PollInterval spaces out claims against an empty queue
	PollInterval time.Duration
	// MaxTasks stops claiming after this many tasks; zero means no limit
	MaxTasks int
}

// Summary counts how the tasks run by a pool ended
type Summary struct {
	Completed int
	Failed    int
}

// Pool runs several claim loops over one shared Runner
type Pool struct {
	runner *Runner
	opts   PoolOptions

	mu      sync.Mutex
	started int
	summary Summary
}

// NewPool creates a pool. Workers defaults to 1.
func NewPool(r *Runner, opts PoolOptions) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Pool{runner: r, opts: opts}
}

// Preflight verifies the credentials of the configured provider and of
// every provider a pending task asks for, before any task is claimed
func (r *Runner) Preflight(ctx context.Context) error {
	pending, err := r.store.Pending(ctx, 0)
	if err != nil {
		return err
	}
	checked := map[string]bool{}
	tasks := append([]*types.Task{{}}, pending...)
	for _, t := range tasks {
		name := r.cfg.EffectiveFor(t).Provider
		if checked[name] {
			continue
		}
		checked[name] = true
		if _, err := r.providerFor(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the workers and waits for them. Without Watch it returns once
// the queue has no ready task left. Cancelling ctx interrupts running tasks,
// which are recorded as failed with their work saved.
func (p *Pool) Run(ctx context.Context) (Summary, error) {
	if err := p.runner.Preflight(ctx); err != nil {
		return Summary{}, err
	}

	limiter := rate.NewLimiter(rate.Every(p.opts.PollInterval), 1)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error { return p.work(gctx, id, limiter) })
	}
	err := g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return p.summary, err
}

// reserve takes one slot of the MaxTasks budget
func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.MaxTasks > 0 && p.started >= p.opts.MaxTasks {
		return false
	}
	p.started++
	return true
}

func (p *Pool) release() {
	p.mu.Lock()
	p.started--
	p.mu.Unlock()
}

func (p *Pool) record(res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res.Succeeded() {
		p.summary.Completed++
	} else {
		p.summary.Failed++
	}
}

// work is one worker's claim loop
func (p *Pool) work(ctx context.Context, id string, limiter *rate.Limiter) error {
	r := p.runner
	log := r.logger.With(zap.String("worker", id))
	ctx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanWorkerRun, id)
	defer span.End()

	log.Info("worker started")
	defer log.Info("worker stopped")

	for ctx.Err() == nil {
		if !p.reserve() {
			return nil
		}
		res, err := r.RunNext(ctx, id)
		switch {
		case errors.Is(err, config.ErrConfiguration):
			// Nothing was claimed; stop every worker
			p.release()
			return err
		case err != nil:
			// The task, if any, was already marked failed
			log.Error("task run failed", zap.Error(err))
			r.out.Error(fmt.Sprintf("[%s] %v", id, err))
			p.record(&Result{Err: err})
		case res != nil:
			p.record(res)
			continue
		default:
			p.release()
			r.emit(ctx, &events.Event{Type: events.WorkerIdle, Timestamp: time.Now().UTC(), Worker: id})
			if !p.opts.Watch {
				return nil
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	return nil
}
