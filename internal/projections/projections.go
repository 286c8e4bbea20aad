// Package projections computes per-user 2-D maps of the feature space.
// The coordinates back the visual map view and the frame filter of next
// element selection. State is in-memory per (project, user) and is
// recomputed on demand.
package projections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/queue"
)

// TaskKind is the queue kind for projection computations.
const TaskKind = "projection"

// MethodPCA is the only built-in projection method.
const MethodPCA = "pca"

// State is the finished projection of one user.
type State struct {
	Method   string
	Features []string
	Params   map[string]any
	// Coords maps element id to (x, y).
	Coords   map[string][2]float64
	Computed time.Time
}

// Service owns the projection states.
type Service struct {
	Features *features.Service
	Queue    *queue.Queue
	Log      *slog.Logger

	mu     sync.Mutex
	states map[string]*State
}

func NewService(feats *features.Service, q *queue.Queue, log *slog.Logger) *Service {
	return &Service{
		Features: feats,
		Queue:    q,
		Log:      log,
		states:   make(map[string]*State),
	}
}

func key(project, user string) string { return project + "/" + user }

// Compute queues a projection over the selected features on the cpu
// pool. An existing state for the user is replaced when the task lands.
func (s *Service) Compute(ctx context.Context, project, dir, user, method string, featureNames []string, params map[string]any) (string, error) {
	if method != MethodPCA {
		return "", fmt.Errorf("op=projections.Compute: method %q: %w", method, domain.ErrInvalid)
	}
	if len(featureNames) == 0 {
		return "", fmt.Errorf("op=projections.Compute: no features selected: %w", domain.ErrInvalid)
	}
	if s.Queue.Pending(user, TaskKind) {
		return "", fmt.Errorf("op=projections.Compute: user %s already has a projection running: %w", user, domain.ErrConflict)
	}

	fn := func(taskCtx context.Context) (any, error) {
		fr, cols, err := s.Features.Matrix(taskCtx, project, dir, featureNames)
		if err != nil {
			return nil, err
		}
		data, complete, err := fr.Matrix(cols)
		if err != nil {
			return nil, err
		}
		d := len(cols)
		if d < 2 {
			return nil, fmt.Errorf("op=projections.Compute: need at least 2 feature columns: %w", domain.ErrInvalid)
		}
		var ids []string
		var rows []int
		for i, id := range fr.IDs {
			if complete[i] {
				ids = append(ids, id)
				rows = append(rows, i)
			}
		}
		if len(rows) < 3 {
			return nil, fmt.Errorf("op=projections.Compute: only %d complete elements: %w", len(rows), domain.ErrInvalid)
		}
		X := mat.NewDense(len(rows), d, nil)
		for j, i := range rows {
			X.SetRow(j, data[i*d:(i+1)*d])
		}
		coords, err := pca2(X)
		if err != nil {
			return nil, err
		}
		st := &State{
			Method:   method,
			Features: featureNames,
			Params:   params,
			Coords:   make(map[string][2]float64, len(ids)),
			Computed: time.Now().UTC(),
		}
		for i, id := range ids {
			st.Coords[id] = coords[i]
		}
		s.mu.Lock()
		s.states[key(project, user)] = st
		s.mu.Unlock()
		return st, nil
	}
	done := func(_ any, err error) {
		if err != nil {
			s.Log.Warn("projection failed",
				slog.String("project", project),
				slog.String("user", user),
				slog.Any("error", err))
		}
	}
	return s.Queue.Add(TaskKind, project, user, domain.PoolCPU, fn, done)
}

// pca2 centers the columns and projects onto the two leading principal
// components.
func pca2(X *mat.Dense) ([][2]float64, error) {
	n, d := X.Dims()
	centered := mat.NewDense(n, d, nil)
	for j := 0; j < d; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += X.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			centered.Set(i, j, X.At(i, j)-mean)
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return nil, fmt.Errorf("op=projections.pca2: svd did not converge: %w", domain.ErrInternal)
	}
	var u mat.Dense
	svd.UTo(&u)
	sigma := svd.Values(nil)
	out := make([][2]float64, n)
	for i := 0; i < n; i++ {
		out[i][0] = u.At(i, 0) * sigma[0]
		if len(sigma) > 1 {
			out[i][1] = u.At(i, 1) * sigma[1]
		}
	}
	return out, nil
}

// Get returns the user's current projection state.
func (s *Service) Get(project, user string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key(project, user)]
	if !ok {
		return nil, fmt.Errorf("op=projections.Get: no projection for %s: %w", user, domain.ErrNotFound)
	}
	return st, nil
}

// InFrame returns the element ids whose coordinates fall inside the
// rectangle [xmin, xmax, ymin, ymax].
func (st *State) InFrame(bounds [4]float64) []string {
	var out []string
	for id, c := range st.Coords {
		if c[0] >= bounds[0] && c[0] <= bounds[1] && c[1] >= bounds[2] && c[1] <= bounds[3] {
			out = append(out, id)
		}
	}
	return out
}

// DropProject clears every state of a project, called on unload.
func (s *Service) DropProject(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.states {
		if len(k) > len(project) && k[:len(project)] == project && k[len(project)] == '/' {
			delete(s.states, k)
		}
	}
}
