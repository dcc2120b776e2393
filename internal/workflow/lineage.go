package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/prompt"
	"github.com/cloud-shuttle/gza/pkg/types"
)

var (
	// ErrNotRetryable means only completed or failed tasks can be retried
	ErrNotRetryable = errors.New("can only retry completed or failed tasks")
	// ErrNotResumable means only failed code tasks can be resumed
	ErrNotResumable = errors.New("can only resume failed tasks")
	// ErrNoReview means an implementation has no review to address
	ErrNoReview = errors.New("implementation has no review")
	// ErrNotImplementation means improve was pointed at another task type
	ErrNotImplementation = errors.New("not an implementation task")
)

// successor copies the caller-visible fields of t into a new task based on it
func successor(t *types.Task) db.NewTask {
	return db.NewTask{
		Prompt:        t.Prompt,
		Type:          t.Type,
		BasedOn:       &t.ID,
		DependsOn:     t.DependsOn,
		Group:         t.Group,
		Spec:          t.Spec,
		TypeHint:      t.TypeHint,
		CreateReview:  t.CreateReview,
		SameBranch:    t.SameBranch,
		SkipLearnings: t.SkipLearnings,
		Model:         t.Model,
		Provider:      t.Provider,
	}
}

// Retry queues a fresh attempt of a completed or failed task. The new task
// starts from scratch on a new branch.
func Retry(ctx context.Context, store *db.Store, id int64) (*types.Task, error) {
	t, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskStatusCompleted && t.Status != types.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %d is %s", ErrNotRetryable, id, t.Status)
	}
	return store.Add(ctx, successor(t))
}

// QueueResume creates the pending successor that continues a failed task's
// branch and agent session. Terminal tasks are never reopened.
func QueueResume(ctx context.Context, store *db.Store, id int64) (*types.Task, error) {
	t, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %d is %s", ErrNotResumable, id, t.Status)
	}
	if !t.Type.ProducesCode() {
		return nil, fmt.Errorf("%w: %s tasks have no branch to continue, use gza retry %d", ErrNotResumable, t.Type, id)
	}
	if t.SessionID == nil || *t.SessionID == "" {
		return nil, fmt.Errorf("%w: task %d, use gza retry %d", ErrNoSession, id, id)
	}
	nt := successor(t)
	nt.Branch = t.Branch
	nt.SessionID = t.SessionID
	return store.Add(ctx, nt)
}

// Resume queues the successor of a failed task and runs it in the foreground
func (r *Runner) Resume(ctx context.Context, id int64) (*Result, error) {
	next, err := QueueResume(ctx, r.store, id)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.TaskCreated, next, "", map[string]any{"resumes": id})
	r.out.Info("Resuming task", fmt.Sprintf("#%d as #%d", id, next.ID))
	return r.RunTask(ctx, next.ID)
}

// isResumeSuccessor reports whether a pending task was queued to continue a
// predecessor's session. Session ids are otherwise only written when a task
// ends.
func isResumeSuccessor(t *types.Task) bool {
	return t.SessionID != nil && *t.SessionID != "" && t.Type.ProducesCode()
}

// wipSources lists the slugs whose WIP backups a resumed task may restore,
// the predecessor's first
func (r *Runner) wipSources(ctx context.Context, t *types.Task) []string {
	var ids []string
	if t.BasedOn != nil {
		if prev, err := r.store.Get(ctx, *t.BasedOn); err == nil && prev.TaskID != nil {
			ids = append(ids, *prev.TaskID)
		}
	}
	if t.TaskID != nil {
		ids = append(ids, *t.TaskID)
	}
	return ids
}

// Improve queues a task addressing the most recent review of an
// implementation. It works on the implementation's branch.
func Improve(ctx context.Context, store *db.Store, implID int64, createReview bool) (*types.Task, error) {
	impl, err := store.Get(ctx, implID)
	if err != nil {
		return nil, err
	}
	if impl.Type != types.TaskTypeImplement {
		if impl.Type == types.TaskTypeReview && impl.DependsOn != nil {
			return nil, fmt.Errorf("%w: task %d is a review task, use gza improve %d", ErrNotImplementation, implID, *impl.DependsOn)
		}
		return nil, fmt.Errorf("%w: task %d is a %s task", ErrNotImplementation, implID, impl.Type)
	}

	reviews, err := store.ReviewsFor(ctx, implID)
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return nil, fmt.Errorf("%w: task %d, create one with gza add --type review --depends-on %d", ErrNoReview, implID, implID)
	}
	review := reviews[0]

	return store.Add(ctx, db.NewTask{
		Prompt:       prompt.ImproveTaskPrompt(review.ID),
		Type:         types.TaskTypeImprove,
		BasedOn:      &impl.ID,
		DependsOn:    &review.ID,
		Group:        impl.Group,
		SameBranch:   true,
		CreateReview: createReview,
		Provider:     impl.Provider,
	})
}
