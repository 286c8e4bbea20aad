// Package queue runs project tasks on two bounded worker pools, one for
// cpu-bound work and one for the gpu-backed vectorizers and trainers.
// Tasks are in-process goroutines: state is lost on restart and callers
// are expected to resubmit.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/domain"
)

// Fn is the body of a task. The context is cancelled by Kill and by queue
// shutdown; long loops must watch it.
type Fn func(ctx context.Context) (any, error)

type ctxKey struct{}

// TaskIDFrom returns the id of the task whose body owns ctx, or the
// empty string outside a task body.
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// OnComplete runs from Reap once a task reaches a terminal state.
type OnComplete func(result any, err error)

// Task is the mutable record of one submitted unit of work.
type Task struct {
	ID      string
	Kind    string
	Project string
	User    string
	Pool    domain.Pool
	State   domain.TaskState
	Queued  time.Time
	Started time.Time
	Ended   time.Time

	fn         Fn
	onComplete OnComplete
	result     any
	err        error
	taskCtx    context.Context
	cancel     context.CancelFunc
}

// Info is the immutable snapshot row of a task.
type Info struct {
	ID      string           `json:"id"`
	Kind    string           `json:"kind"`
	Project string           `json:"project"`
	User    string           `json:"user"`
	Pool    domain.Pool      `json:"pool"`
	State   domain.TaskState `json:"state"`
	Queued  time.Time        `json:"queued"`
	Error   string           `json:"error,omitempty"`
}

// Queue owns the two pools.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	chans   map[domain.Pool]chan *Task
	sems    map[domain.Pool]*semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	log     *slog.Logger
}

// New starts the pool dispatchers. nCPU and nGPU bound concurrency;
// maxWaiting bounds tasks accepted but not yet started, per pool.
func New(nCPU, nGPU, maxWaiting int, log *slog.Logger) *Queue {
	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		tasks: make(map[string]*Task),
		chans: map[domain.Pool]chan *Task{
			domain.PoolCPU: make(chan *Task, maxWaiting),
			domain.PoolGPU: make(chan *Task, maxWaiting),
		},
		sems: map[domain.Pool]*semaphore.Weighted{
			domain.PoolCPU: semaphore.NewWeighted(int64(nCPU)),
			domain.PoolGPU: semaphore.NewWeighted(int64(nGPU)),
		},
		baseCtx: ctx,
		stop:    stop,
		log:     log,
	}
	for pool := range q.chans {
		q.wg.Add(1)
		go q.dispatch(pool)
	}
	return q
}

// Add submits a task and returns its unique id. A full waiting lane is a
// conflict: the caller retries later.
func (q *Queue) Add(kind, project, user string, pool domain.Pool, fn Fn, done OnComplete) (string, error) {
	if _, ok := q.chans[pool]; !ok {
		return "", fmt.Errorf("op=queue.Add: pool %q: %w", pool, domain.ErrInvalid)
	}
	taskCtx, cancel := context.WithCancel(q.baseCtx)
	t := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Project:    project,
		User:       user,
		Pool:       pool,
		State:      domain.TaskPending,
		Queued:     time.Now(),
		fn:         fn,
		onComplete: done,
		taskCtx:    taskCtx,
		cancel:     cancel,
	}
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.mu.Unlock()

	select {
	case q.chans[pool] <- t:
	default:
		q.mu.Lock()
		delete(q.tasks, t.ID)
		q.mu.Unlock()
		cancel()
		return "", fmt.Errorf("op=queue.Add: pool %s has too many waiting tasks: %w", pool, domain.ErrConflict)
	}
	observability.SubmitTask(kind, string(pool))
	q.log.Debug("task queued", slog.String("id", t.ID), slog.String("kind", kind), slog.String("pool", string(pool)))
	return t.ID, nil
}

func (q *Queue) dispatch(pool domain.Pool) {
	defer q.wg.Done()
	sem := q.sems[pool]
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case t := <-q.chans[pool]:
			if err := sem.Acquire(q.baseCtx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go func(t *Task) {
				defer q.wg.Done()
				defer sem.Release(1)
				q.run(t)
			}(t)
		}
	}
}

func (q *Queue) run(t *Task) {
	q.mu.Lock()
	if t.State != domain.TaskPending {
		// killed while waiting, already marked cancelled
		q.mu.Unlock()
		return
	}
	if t.taskCtx.Err() != nil {
		// queue shutdown raced the dequeue
		t.State = domain.TaskCancelled
		t.err = t.taskCtx.Err()
		t.Ended = time.Now()
		q.mu.Unlock()
		observability.CancelTask(t.Kind, string(t.Pool))
		return
	}
	t.State = domain.TaskRunning
	t.Started = time.Now()
	q.mu.Unlock()
	observability.StartTask(string(t.Pool))

	res, err := t.fn(context.WithValue(t.taskCtx, ctxKey{}, t.ID))

	q.mu.Lock()
	t.result = res
	t.err = err
	t.Ended = time.Now()
	switch {
	case t.taskCtx.Err() != nil:
		t.State = domain.TaskCancelled
	case err != nil:
		t.State = domain.TaskFailed
	default:
		t.State = domain.TaskDone
	}
	state := t.State
	q.mu.Unlock()

	switch state {
	case domain.TaskCancelled:
		observability.CancelTask(t.Kind, string(t.Pool))
	case domain.TaskFailed:
		observability.FailTask(t.Kind, string(t.Pool))
		q.log.Warn("task failed", slog.String("id", t.ID), slog.String("kind", t.Kind), slog.Any("error", err))
	default:
		observability.CompleteTask(t.Kind, string(t.Pool))
	}
}

// cancelLocked cancels the task context and moves a still-pending task
// to cancelled on the spot, so callers see the terminal state without
// waiting for the pool to drain to the dequeue. Running tasks keep their
// state until fn observes the cancellation. Caller holds q.mu.
func (q *Queue) cancelLocked(t *Task) {
	t.cancel()
	if t.State == domain.TaskPending {
		t.State = domain.TaskCancelled
		t.err = context.Canceled
		t.Ended = time.Now()
		observability.CancelTask(t.Kind, string(t.Pool))
	}
}

// Kill cancels a task. Waiting tasks become cancelled immediately;
// running tasks see their context cancelled.
func (q *Queue) Kill(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("op=queue.Kill: task %s: %w", id, domain.ErrNotFound)
	}
	q.cancelLocked(t)
	return nil
}

// KillUser cancels every non-terminal task of the user matching one of
// kinds (all kinds when empty). Returns the ids killed.
func (q *Queue) KillUser(user string, kinds ...string) []string {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	q.mu.Lock()
	var ids []string
	for _, t := range q.tasks {
		if t.User != user {
			continue
		}
		if len(want) > 0 && !want[t.Kind] {
			continue
		}
		if t.State == domain.TaskPending || t.State == domain.TaskRunning {
			q.cancelLocked(t)
			ids = append(ids, t.ID)
		}
	}
	q.mu.Unlock()
	return ids
}

// Reap runs the completion hook of every terminal task and drops it from
// the registry. Called from the orchestrator tick; hooks therefore run on
// the tick goroutine, serialized.
func (q *Queue) Reap() {
	q.mu.Lock()
	var finished []*Task
	for id, t := range q.tasks {
		switch t.State {
		case domain.TaskDone, domain.TaskFailed, domain.TaskCancelled:
			finished = append(finished, t)
			delete(q.tasks, id)
		}
	}
	q.mu.Unlock()
	for _, t := range finished {
		if t.onComplete != nil {
			t.onComplete(t.result, t.err)
		}
	}
}

// Pending reports whether the user has a non-terminal task of the kind.
func (q *Queue) Pending(user, kind string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.User == user && t.Kind == kind &&
			(t.State == domain.TaskPending || t.State == domain.TaskRunning) {
			return true
		}
	}
	return false
}

// State returns the current state of a task.
func (q *Queue) State(id string) (domain.TaskState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return "", fmt.Errorf("op=queue.State: task %s: %w", id, domain.ErrNotFound)
	}
	return t.State, nil
}

// Snapshot lists every known task, newest first.
func (q *Queue) Snapshot() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Info, 0, len(q.tasks))
	for _, t := range q.tasks {
		info := Info{
			ID: t.ID, Kind: t.Kind, Project: t.Project, User: t.User,
			Pool: t.Pool, State: t.State, Queued: t.Queued,
		}
		if t.err != nil {
			info.Error = t.err.Error()
		}
		out = append(out, info)
	}
	return out
}

// Close cancels everything and waits for running tasks to observe it.
func (q *Queue) Close() {
	q.stop()
	q.mu.Lock()
	for _, t := range q.tasks {
		t.cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
}
