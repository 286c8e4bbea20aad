package orchestrator

// In-memory repositories shared by the orchestrator tests. Only the
// methods the flows under test touch do real work; the rest satisfy the
// port interfaces.

import (
	"context"
	"sync"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
)

type memDB struct {
	mu          sync.Mutex
	projects    map[string]domain.ProjectParams
	users       map[string]domain.User
	auth        map[string]domain.Role // project/user
	tokens      map[string]string
	schemes     map[string]domain.Scheme // project/name
	annotations []domain.Annotation
	logs        []domain.LogEntry
	messages    []domain.Message
	features    map[string]domain.Feature
	models      map[string]domain.Model
}

func newMemDB() *memDB {
	return &memDB{
		projects: map[string]domain.ProjectParams{},
		users:    map[string]domain.User{},
		auth:     map[string]domain.Role{},
		tokens:   map[string]string{},
		schemes:  map[string]domain.Scheme{},
		features: map[string]domain.Feature{},
		models:   map[string]domain.Model{},
	}
}

func (d *memDB) repos() Repos {
	return Repos{
		Projects:    (*memProjectRepo)(d),
		Auth:        (*memAuthRepo)(d),
		Users:       (*memUserRepo)(d),
		Tokens:      (*memTokenRepo)(d),
		Schemes:     (*memSchemeRepo)(d),
		Annotations: (*memAnnotationRepo)(d),
		Features:    (*memFeatureRepo)(d),
		Models:      (*memModelRepo)(d),
		Generations: (*memGenerationRepo)(d),
		Logs:        (*memLogRepo)(d),
		Messages:    (*memMessageRepo)(d),
	}
}

type memProjectRepo memDB

func (r *memProjectRepo) Add(_ context.Context, p domain.ProjectParams, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.Slug]; ok {
		return domain.ErrAlreadyExists
	}
	r.projects[p.Slug] = p
	return nil
}
func (r *memProjectRepo) Update(_ context.Context, p domain.ProjectParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Slug] = p
	return nil
}
func (r *memProjectRepo) Get(_ context.Context, slug string) (domain.ProjectParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[slug]
	if !ok {
		return domain.ProjectParams{}, domain.ErrNotFound
	}
	return p, nil
}
func (r *memProjectRepo) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for s := range r.projects {
		out = append(out, s)
	}
	return out, nil
}
func (r *memProjectRepo) Delete(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, slug)
	return nil
}

type memAuthRepo memDB

func (r *memAuthRepo) Set(_ context.Context, project, user string, role domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth[project+"/"+user] = role
	return nil
}
func (r *memAuthRepo) Delete(_ context.Context, project, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.auth, project+"/"+user)
	return nil
}
func (r *memAuthRepo) Get(_ context.Context, project, user string) (domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.auth[project+"/"+user]
	if !ok {
		return "", domain.ErrNotFound
	}
	return role, nil
}
func (r *memAuthRepo) ProjectAuth(_ context.Context, _ string) (map[string]domain.Role, error) {
	return nil, nil
}
func (r *memAuthRepo) UserProjects(_ context.Context, _ string) (map[string]domain.Role, error) {
	return nil, nil
}

type memUserRepo memDB

func (r *memUserRepo) Add(_ context.Context, u domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Name]; ok {
		return domain.ErrAlreadyExists
	}
	u.CreatedAt = time.Now()
	r.users[u.Name] = u
	return nil
}
func (r *memUserRepo) Get(_ context.Context, name string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[name]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (r *memUserRepo) List(_ context.Context) ([]domain.User, error) { return nil, nil }
func (r *memUserRepo) SetPassword(_ context.Context, name, hashed string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[name]
	if !ok {
		return domain.ErrNotFound
	}
	u.HashedPass = hashed
	r.users[name] = u
	return nil
}
func (r *memUserRepo) Deactivate(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[name]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	u.DeactivatedAt = &now
	r.users[name] = u
	return nil
}
func (r *memUserRepo) GetByMail(_ context.Context, _ string) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

type memTokenRepo memDB

func (r *memTokenRepo) Add(_ context.Context, token, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = status
	return nil
}
func (r *memTokenRepo) Status(_ context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tokens[token]
	if !ok {
		return "", domain.ErrNotFound
	}
	return s, nil
}
func (r *memTokenRepo) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = "revoked"
	return nil
}

type memSchemeRepo memDB

func (r *memSchemeRepo) Add(_ context.Context, s domain.Scheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.Project + "/" + s.Name
	if _, ok := r.schemes[key]; ok {
		return domain.ErrAlreadyExists
	}
	r.schemes[key] = s
	return nil
}
func (r *memSchemeRepo) Delete(_ context.Context, project, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemes, project+"/"+name)
	return nil
}
func (r *memSchemeRepo) Get(_ context.Context, project, name string) (domain.Scheme, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemes[project+"/"+name]
	if !ok {
		return domain.Scheme{}, domain.ErrNotFound
	}
	return s, nil
}
func (r *memSchemeRepo) List(_ context.Context, project string) ([]domain.Scheme, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Scheme
	for _, s := range r.schemes {
		if s.Project == project {
			out = append(out, s)
		}
	}
	return out, nil
}
func (r *memSchemeRepo) UpdateLabels(_ context.Context, project, name string, labels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemes[project+"/"+name]
	if !ok {
		return domain.ErrNotFound
	}
	s.Labels = labels
	r.schemes[project+"/"+name] = s
	return nil
}
func (r *memSchemeRepo) UpdateCodebook(_ context.Context, _, _, _ string) error { return nil }
func (r *memSchemeRepo) Rename(_ context.Context, _, _, _ string) error         { return nil }
func (r *memSchemeRepo) Duplicate(_ context.Context, _, _, _, _ string) error   { return nil }

type memAnnotationRepo memDB

func (r *memAnnotationRepo) Append(_ context.Context, a domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations = append(r.annotations, a)
	return nil
}
func (r *memAnnotationRepo) AppendBatch(_ context.Context, as []domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations = append(r.annotations, as...)
	return nil
}
func (r *memAnnotationRepo) LatestPerElement(_ context.Context, project, scheme string, datasets []domain.Dataset, _ string) ([]domain.CurrentLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[domain.Dataset]bool{}
	for _, d := range datasets {
		want[d] = true
	}
	latest := map[string]domain.Annotation{}
	for _, a := range r.annotations {
		if a.Project != project || a.Scheme != scheme || !want[a.Dataset] {
			continue
		}
		prev, ok := latest[a.ElementID]
		if !ok || a.Time.After(prev.Time) || (a.Time.Equal(prev.Time) && a.ID > prev.ID) {
			latest[a.ElementID] = a
		}
	}
	var out []domain.CurrentLabel
	for _, a := range latest {
		out = append(out, domain.CurrentLabel{ElementID: a.ElementID, Dataset: a.Dataset, Label: a.Label, User: a.User, Time: a.Time})
	}
	return out, nil
}
func (r *memAnnotationRepo) History(_ context.Context, _, _, _ string, _ int) ([]domain.Annotation, error) {
	return nil, nil
}
func (r *memAnnotationRepo) DistinctUsers(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}
func (r *memAnnotationRepo) RecentIDs(_ context.Context, _, _, _ string, _ int, _ domain.Dataset) ([]string, error) {
	return nil, nil
}
func (r *memAnnotationRepo) ReconciliationTable(_ context.Context, _, _ string) ([]domain.Disagreement, error) {
	return nil, nil
}
func (r *memAnnotationRepo) DeleteDataset(_ context.Context, _ string, _ domain.Dataset) error {
	return nil
}

type memFeatureRepo memDB

func (r *memFeatureRepo) Add(_ context.Context, f domain.Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[f.Project+"/"+f.Name] = f
	return nil
}
func (r *memFeatureRepo) Delete(_ context.Context, project, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.features, project+"/"+name)
	return nil
}
func (r *memFeatureRepo) Get(_ context.Context, project, name string) (domain.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.features[project+"/"+name]
	if !ok {
		return domain.Feature{}, domain.ErrNotFound
	}
	return f, nil
}
func (r *memFeatureRepo) List(_ context.Context, _ string) ([]domain.Feature, error) {
	return nil, nil
}
func (r *memFeatureRepo) DeleteAll(_ context.Context, _ string) error { return nil }

type memModelRepo memDB

func (r *memModelRepo) Add(_ context.Context, m domain.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Project+"/"+m.Name] = m
	return nil
}
func (r *memModelRepo) Get(_ context.Context, project, name string) (domain.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[project+"/"+name]
	if !ok {
		return domain.Model{}, domain.ErrNotFound
	}
	return m, nil
}
func (r *memModelRepo) SetStatus(_ context.Context, project, name string, status domain.ModelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[project+"/"+name]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	r.models[project+"/"+name] = m
	return nil
}
func (r *memModelRepo) SetParam(_ context.Context, _, _, _ string, _ any) error { return nil }
func (r *memModelRepo) Rename(_ context.Context, _, _, _ string) error          { return nil }
func (r *memModelRepo) Delete(_ context.Context, project, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, project+"/"+name)
	return nil
}
func (r *memModelRepo) ListTrained(_ context.Context, _ string, _ domain.ModelKind) ([]domain.Model, error) {
	return nil, nil
}
func (r *memModelRepo) List(_ context.Context, _ string, _ domain.ModelKind) ([]domain.Model, error) {
	return nil, nil
}

type memGenerationRepo memDB

func (r *memGenerationRepo) Add(_ context.Context, _ domain.GenRecord) error { return nil }
func (r *memGenerationRepo) List(_ context.Context, _, _ string, _ int) ([]domain.GenRecord, error) {
	return nil, nil
}
func (r *memGenerationRepo) Delete(_ context.Context, _, _ string) error     { return nil }
func (r *memGenerationRepo) AddPrompt(_ context.Context, _ domain.Prompt) error { return nil }
func (r *memGenerationRepo) DeletePrompt(_ context.Context, _ int64) error      { return nil }
func (r *memGenerationRepo) ListPrompts(_ context.Context, _ string) ([]domain.Prompt, error) {
	return nil, nil
}

type memLogRepo memDB

func (r *memLogRepo) Add(_ context.Context, user, action, project string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, domain.LogEntry{
		ID: int64(len(r.logs) + 1), Time: time.Now(), User: user, Action: action, Project: project,
	})
	return nil
}
func (r *memLogRepo) List(_ context.Context, _, _ string, _ int) ([]domain.LogEntry, error) {
	return nil, nil
}
func (r *memLogRepo) ActiveUsers(_ context.Context, window time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cut := time.Now().Add(-window)
	seen := map[string]bool{}
	var out []string
	for _, e := range r.logs {
		if e.Time.After(cut) && !seen[e.User] {
			seen[e.User] = true
			out = append(out, e.User)
		}
	}
	return out, nil
}
func (r *memLogRepo) LastActivity(_ context.Context, _ string) (*time.Time, error) {
	return nil, nil
}

type memMessageRepo memDB

func (r *memMessageRepo) Add(_ context.Context, m domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = int64(len(r.messages) + 1)
	r.messages = append(r.messages, m)
	return nil
}
func (r *memMessageRepo) List(_ context.Context, kind, forWho string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for i := len(r.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := r.messages[i]
		if (kind == "" || m.Kind == kind) && (forWho == "" || m.For == forWho) {
			out = append(out, m)
		}
	}
	return out, nil
}
