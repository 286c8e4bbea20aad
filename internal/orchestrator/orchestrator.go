// Package orchestrator is the process-wide singleton behind the HTTP
// layer: it loads projects on demand under an LRU cap, runs the
// create/delete project flows, owns accounts, tokens and the audit log,
// and drives the queue reaper.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/corpus"
	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/generations"
	"github.com/activetigger/activetigger/internal/languagemodels"
	"github.com/activetigger/activetigger/internal/project"
	"github.com/activetigger/activetigger/internal/projections"
	"github.com/activetigger/activetigger/internal/queue"
	"github.com/activetigger/activetigger/internal/quickmodels"
	"github.com/activetigger/activetigger/internal/schemes"
	"github.com/activetigger/activetigger/pkg/textx"
)

// CreateTaskKind is the queue kind of project creation tasks.
const CreateTaskKind = "create_project"

// DefaultScheme is the scheme registered from an uploaded label column.
const DefaultScheme = "default"

// Repos groups every persistence port the orchestrator touches.
type Repos struct {
	Projects    domain.ProjectRepo
	Auth        domain.AuthRepo
	Users       domain.UserRepo
	Tokens      domain.TokenRepo
	Schemes     domain.SchemeRepo
	Annotations domain.AnnotationRepo
	Features    domain.FeatureRepo
	Models      domain.ModelRepo
	Generations domain.GenerationRepo
	Logs        domain.LogRepo
	Messages    domain.MessageRepo
}

// Clients groups the external compute ports shared by all projects.
type Clients struct {
	Sbert    domain.Embedder
	Fasttext domain.Embedder
	Trainer  domain.Trainer
	Gen      domain.GenClient
}

type loadedProject struct {
	slug     string
	proj     *project.Project
	lastUsed time.Time
}

// Orchestrator is the aggregate root of the server process.
type Orchestrator struct {
	Cfg     *config.Config
	Repos   Repos
	Clients Clients
	Queue   *queue.Queue
	Store   *frame.Store
	UsersSv *Users
	Tokens  *Tokens
	Log     *slog.Logger

	loaded *lruRegistry
}

// New wires the orchestrator and its account and token services.
func New(cfg *config.Config, repos Repos, clients Clients, q *queue.Queue, store *frame.Store, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Cfg:     cfg,
		Repos:   repos,
		Clients: clients,
		Queue:   q,
		Store:   store,
		UsersSv: &Users{Users: repos.Users, Auth: repos.Auth, Log: log},
		Tokens:  &Tokens{Secret: []byte(cfg.SecretKey), Repo: repos.Tokens, Lifetime: cfg.TokenLifetime},
		Log:     log,
		loaded:  newLRURegistry(cfg.MaxLoadedProjects),
	}
}

// Run drives the reaper until the context ends. Completed task hooks
// only fire from here.
func (o *Orchestrator) Run(ctx context.Context) {
	tick := time.NewTicker(o.Cfg.UpdateTimeout)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			o.Queue.Reap()
		}
	}
}

// GetProject returns the loaded project, loading it on a miss and
// evicting the least recently used one past the cap. Eviction is safe:
// in-flight tasks hold the queue, not the project instance.
func (o *Orchestrator) GetProject(ctx context.Context, slug string) (*project.Project, error) {
	if p := o.loaded.get(slug); p != nil {
		return p, nil
	}
	params, err := o.Repos.Projects.Get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.GetProject: %w", err)
	}
	p := o.buildProject(params)
	evicted := o.loaded.put(slug, p)
	for _, e := range evicted {
		e.proj.Projections.DropProject(e.slug)
		o.Log.Info("project evicted", slog.String("project", e.slug))
	}
	observability.ProjectsLoaded.Set(float64(o.loaded.len()))
	return p, nil
}

// buildProject wires the per-project services around the shared queue,
// store and repositories.
func (o *Orchestrator) buildProject(params domain.ProjectParams) *project.Project {
	feats := &features.Service{
		Features: o.Repos.Features,
		Store:    o.Store,
		Queue:    o.Queue,
		Sbert:    o.Clients.Sbert,
		Fasttext: o.Clients.Fasttext,
		Log:      o.Log,
	}
	return &project.Project{
		Params:   params,
		Schemes:  schemes.NewService(o.Repos.Schemes, o.Repos.Annotations),
		Features: feats,
		Quick: &quickmodels.Service{
			Models:      o.Repos.Models,
			Schemes:     o.Repos.Schemes,
			Annotations: o.Repos.Annotations,
			Features:    feats,
			Store:       o.Store,
			Queue:       o.Queue,
			Log:         o.Log,
		},
		Language: &languagemodels.Service{
			Models:      o.Repos.Models,
			Schemes:     o.Repos.Schemes,
			Annotations: o.Repos.Annotations,
			Features:    feats,
			Store:       o.Store,
			Queue:       o.Queue,
			Trainer:     o.Clients.Trainer,
			Log:         o.Log,
		},
		Projections: projections.NewService(feats, o.Queue, o.Log),
		Generations: &generations.Service{
			Generations: o.Repos.Generations,
			Store:       o.Store,
			Queue:       o.Queue,
			Client:      o.Clients.Gen,
			Log:         o.Log,
		},
		Store:       o.Store,
		Projects:    o.Repos.Projects,
		Annotations: o.Repos.Annotations,
		Log:         o.Log,
		LoadedAt:    time.Now(),
	}
}

// CreateSpec describes a project creation request. Filename points at
// the uploaded table already on disk.
type CreateSpec struct {
	Name         string
	Filename     string
	Language     string
	ColID        string
	ColsText     []string
	ColLabel     string
	ColsContext  []string
	ColsStratify []string
	NTrain       int
	NValid       int
	NTest        int
	User         string
}

// CreateProject registers the project and queues the corpus build on
// the cpu pool. The creator becomes the project manager. When a label
// column was supplied, the finished build registers a default scheme
// and replays the labels as annotations attributed to the creator.
func (o *Orchestrator) CreateProject(ctx context.Context, spec CreateSpec) (string, string, error) {
	slug := textx.Slugify(spec.Name)
	if slug == "" {
		return "", "", fmt.Errorf("op=orchestrator.CreateProject: empty name: %w", domain.ErrInvalid)
	}
	if _, err := o.Repos.Projects.Get(ctx, slug); err == nil {
		return "", "", fmt.Errorf("op=orchestrator.CreateProject: project %q: %w", slug, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", "", err
	}
	params := domain.ProjectParams{
		Slug:         slug,
		Name:         spec.Name,
		Language:     spec.Language,
		Filename:     filepath.Base(spec.Filename),
		ColID:        spec.ColID,
		ColsText:     spec.ColsText,
		ColLabel:     spec.ColLabel,
		ColsContext:  spec.ColsContext,
		ColsStratify: spec.ColsStratify,
		NTrain:       spec.NTrain,
		NValid:       spec.NValid,
		NTest:        spec.NTest,
		Dir:          filepath.Join(o.Cfg.DataPath, slug),
	}
	if err := o.Repos.Projects.Add(ctx, params, spec.User); err != nil {
		return "", "", fmt.Errorf("op=orchestrator.CreateProject: %w", err)
	}
	if err := o.Repos.Auth.Set(ctx, slug, spec.User, domain.RoleManager); err != nil {
		return "", "", fmt.Errorf("op=orchestrator.CreateProject: %w", err)
	}

	fn := func(taskCtx context.Context) (any, error) {
		table, err := corpus.ReadCSV(spec.Filename)
		if err != nil {
			return nil, err
		}
		if err := corpus.Build(table, &params, o.Store, time.Now().UnixNano()); err != nil {
			return nil, err
		}
		if err := o.Repos.Projects.Update(taskCtx, params); err != nil {
			return nil, err
		}
		if params.ColLabel != "" {
			if err := o.registerDefaultScheme(taskCtx, params, spec.User); err != nil {
				return nil, err
			}
		}
		return slug, nil
	}
	done := func(_ any, err error) {
		if err != nil {
			o.Log.Error("project creation failed", slog.String("project", slug), slog.Any("error", err))
			return
		}
		o.LogAction(context.Background(), spec.User, "create project", slug)
	}
	taskID, err := o.Queue.Add(CreateTaskKind, slug, spec.User, domain.PoolCPU, fn, done)
	if err != nil {
		return "", "", err
	}
	return slug, taskID, nil
}

// registerDefaultScheme reads the label column the corpus build kept in
// the train partition and replays it: one scheme holding the distinct
// values, one annotation per labeled element.
func (o *Orchestrator) registerDefaultScheme(ctx context.Context, params domain.ProjectParams, user string) error {
	paths := frame.ProjectPaths{Dir: params.Dir}
	train, err := o.Store.Load(paths.Train(), "label")
	if err != nil {
		return err
	}
	col := train.Col("label")
	if col == nil || col.Kind != frame.KindString {
		return nil
	}
	distinct := make(map[string]bool)
	for i := range train.IDs {
		if col.Valid[i] && col.Strings[i] != "" {
			distinct[col.Strings[i]] = true
		}
	}
	if len(distinct) == 0 {
		return nil
	}
	labels := make([]string, 0, len(distinct))
	for l := range distinct {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	sch := schemes.NewService(o.Repos.Schemes, o.Repos.Annotations)
	if err := sch.Add(ctx, domain.Scheme{
		Project:   params.Slug,
		Name:      DefaultScheme,
		Kind:      domain.SchemeMulticlass,
		Labels:    labels,
		CreatedBy: user,
	}); err != nil {
		return err
	}
	for i, id := range train.IDs {
		if !col.Valid[i] || col.Strings[i] == "" {
			continue
		}
		label := col.Strings[i]
		if _, err := sch.Push(ctx, domain.Annotation{
			Project:   params.Slug,
			Scheme:    DefaultScheme,
			ElementID: id,
			Dataset:   domain.DatasetTrain,
			User:      user,
			Label:     &label,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProject removes the project from memory, the database and disk.
func (o *Orchestrator) DeleteProject(ctx context.Context, slug, user string) error {
	params, err := o.Repos.Projects.Get(ctx, slug)
	if err != nil {
		return fmt.Errorf("op=orchestrator.DeleteProject: %w", err)
	}
	if dropped := o.loaded.drop(slug); dropped != nil {
		dropped.Projections.DropProject(slug)
	}
	observability.ProjectsLoaded.Set(float64(o.loaded.len()))
	if err := o.Repos.Projects.Delete(ctx, slug); err != nil {
		return fmt.Errorf("op=orchestrator.DeleteProject: %w", err)
	}
	if params.Dir != "" {
		if err := os.RemoveAll(params.Dir); err != nil {
			return fmt.Errorf("op=orchestrator.DeleteProject: %w", err)
		}
	}
	o.LogAction(ctx, user, "delete project", slug)
	return nil
}

// StopUserProcesses cancels every in-flight task of the given kinds
// owned by the user. With no kinds it cancels everything of theirs.
func (o *Orchestrator) StopUserProcesses(user string, kinds ...string) []string {
	return o.Queue.KillUser(user, kinds...)
}

// LogAction appends an audit record. Audit failures are logged, never
// surfaced: the action itself already happened.
func (o *Orchestrator) LogAction(ctx context.Context, user, action, project string) {
	if err := o.Repos.Logs.Add(ctx, user, action, project); err != nil {
		o.Log.Error("audit log append failed",
			slog.String("user", user),
			slog.String("action", action),
			slog.Any("error", err))
	}
}

// ActiveUsers lists users with audit activity inside the window.
func (o *Orchestrator) ActiveUsers(ctx context.Context) ([]string, error) {
	return o.Repos.Logs.ActiveUsers(ctx, o.Cfg.ActiveUserWindow)
}

// AddMessage stores a user or system notice.
func (o *Orchestrator) AddMessage(ctx context.Context, m domain.Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	return o.Repos.Messages.Add(ctx, m)
}

// ListMessages returns stored notices, newest first.
func (o *Orchestrator) ListMessages(ctx context.Context, kind, forWho string, limit int) ([]domain.Message, error) {
	return o.Repos.Messages.List(ctx, kind, forWho, limit)
}

// ServerState is the monitoring snapshot served to managers.
type ServerState struct {
	LoadedProjects    []string     `json:"loaded_projects"`
	MaxLoadedProjects int          `json:"max_loaded_projects"`
	ActiveUsers       []string     `json:"active_users"`
	Tasks             []queue.Info `json:"tasks"`
}

// State snapshots the loaded projects, the queue and the active users.
func (o *Orchestrator) State(ctx context.Context) (*ServerState, error) {
	active, err := o.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	return &ServerState{
		LoadedProjects:    o.loaded.slugs(),
		MaxLoadedProjects: o.Cfg.MaxLoadedProjects,
		ActiveUsers:       active,
		Tasks:             o.Queue.Snapshot(),
	}, nil
}
