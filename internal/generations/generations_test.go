package generations

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/adapter/ai"
	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/queue"
)

type memGenerations struct {
	mu      sync.Mutex
	records []domain.GenRecord
	prompts []domain.Prompt
	nextID  int64
}

func (r *memGenerations) Add(_ context.Context, g domain.GenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	g.ID = r.nextID
	r.records = append(r.records, g)
	return nil
}

func (r *memGenerations) List(_ context.Context, project, user string, limit int) ([]domain.GenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GenRecord
	for i := len(r.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		g := r.records[i]
		if g.Project == project && (user == "" || g.User == user) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *memGenerations) Delete(_ context.Context, project, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.records[:0]
	for _, g := range r.records {
		if !(g.Project == project && g.User == user) {
			kept = append(kept, g)
		}
	}
	r.records = kept
	return nil
}

func (r *memGenerations) AddPrompt(_ context.Context, p domain.Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	r.prompts = append(r.prompts, p)
	return nil
}

func (r *memGenerations) DeletePrompt(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.prompts {
		if p.ID == id {
			r.prompts = append(r.prompts[:i], r.prompts[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memGenerations) ListPrompts(_ context.Context, project string) ([]domain.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Prompt
	for _, p := range r.prompts {
		if p.Project == project {
			out = append(out, p)
		}
	}
	return out, nil
}

// blockingGen stalls until released so stop semantics can be observed.
type blockingGen struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (g *blockingGen) Generate(ctx context.Context, _, prompt string) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "ok: " + prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store := frame.NewStore()
	paths := frame.ProjectPaths{Dir: dir}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := []string{"e1", "e2", "e3"}
	fr, err := frame.New(ids)
	require.NoError(t, err)
	require.NoError(t, fr.AddStrings("text", []string{"alpha", "beta", "gamma"}, nil))
	require.NoError(t, fr.AddFloats("year", []float64{2020, 2021, 2022}, nil))
	require.NoError(t, store.Save(paths.Train(), fr))

	q := queue.New(2, 1, 5, log)
	t.Cleanup(q.Close)

	return &Service{
		Generations: &memGenerations{},
		Store:       store,
		Queue:       q,
		Client:      ai.StubGenerator{},
		Log:         log,
	}, dir
}

func waitDone(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := q.State(id)
		require.NoError(t, err)
		switch st {
		case domain.TaskDone:
			return
		case domain.TaskFailed, domain.TaskCancelled:
			t.Fatalf("task %s ended in state %s", id, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
}

func TestValidateTemplate(t *testing.T) {
	t.Parallel()
	ctxCols := []string{"year"}
	require.NoError(t, ValidateTemplate("classify: [[TEXT]] from [[year]]", ctxCols))
	require.ErrorIs(t, ValidateTemplate("classify: [[TEXT]] by [[author]]", ctxCols), domain.ErrInvalid)
	require.ErrorIs(t, ValidateTemplate("no tokens at all", ctxCols), domain.ErrInvalid)
}

func TestFill(t *testing.T) {
	t.Parallel()
	got := Fill("say [[TEXT]] in [[year]]", "hello", map[string]string{"year": "2020"})
	assert.Equal(t, "say hello in 2020", got)
}

func TestStart_BatchStoresAnswers(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "p", dir, BatchSpec{
		Model:       "gpt-test",
		Template:    "label this: [[TEXT]] ([[year]])",
		NElements:   2,
		ContextCols: []string{"year"},
		User:        "u",
	})
	require.NoError(t, err)
	waitDone(t, svc.Queue, id)

	recs, err := svc.List(ctx, "p", "u", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// newest first
	assert.Equal(t, "e2", recs[0].ElementID)
	assert.Contains(t, recs[0].Prompt, "beta (2021)")
	assert.NotEmpty(t, recs[0].Answer)
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, "p", dir, BatchSpec{Template: "[[TEXT]]", User: "u"})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = svc.Start(ctx, "p", dir, BatchSpec{Model: "m", Template: "[[bogus]]", User: "u"})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestStop_CancelsRunningBatch(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	gen := &blockingGen{release: make(chan struct{}), started: make(chan struct{})}
	svc.Client = gen
	ctx := context.Background()

	id, err := svc.Start(ctx, "p", dir, BatchSpec{
		Model: "m", Template: "[[TEXT]]", User: "u",
	})
	require.NoError(t, err)
	<-gen.started

	// second batch for the same user is rejected while the first runs
	_, err = svc.Start(ctx, "p", dir, BatchSpec{Model: "m", Template: "[[TEXT]]", User: "u"})
	require.ErrorIs(t, err, domain.ErrConflict)

	killed := svc.Stop("u")
	assert.Contains(t, killed, id)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := svc.Queue.State(id)
		require.NoError(t, err)
		if st == domain.TaskCancelled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch was not cancelled")
}

func TestPrompts_CRUD(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.AddPrompt(ctx, domain.Prompt{Project: "p", User: "u", Name: "cls", Text: "do [[TEXT]]"}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, svc.AddPrompt(ctx, domain.Prompt{Project: "p", Text: "[[nope]]"}, nil), domain.ErrInvalid)

	prompts, err := svc.ListPrompts(ctx, "p")
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	require.NoError(t, svc.DeletePrompt(ctx, prompts[0].ID))
	prompts, _ = svc.ListPrompts(ctx, "p")
	assert.Empty(t, prompts)
}

func TestDrop(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "p", dir, BatchSpec{Model: "m", Template: "[[TEXT]]", User: "u"})
	require.NoError(t, err)
	waitDone(t, svc.Queue, id)

	require.NoError(t, svc.Drop(ctx, "p", "u"))
	recs, err := svc.List(ctx, "p", "u", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
