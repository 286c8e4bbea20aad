package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/adapter/ai"
	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/orchestrator"
	"github.com/activetigger/activetigger/internal/queue"
)

// memStore is the shared state behind the per-port fakes.
type memStore struct {
	mu          sync.Mutex
	users       map[string]domain.User
	auth        map[string]domain.Role
	tokens      map[string]string
	projects    map[string]domain.ProjectParams
	schemes     map[string]domain.Scheme
	annotations []domain.Annotation
	logs        []domain.LogEntry
	messages    []domain.Message
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]domain.User{},
		auth:     map[string]domain.Role{},
		tokens:   map[string]string{},
		projects: map[string]domain.ProjectParams{},
		schemes:  map[string]domain.Scheme{},
	}
}

type userRepo memStore

func (r *userRepo) Add(_ context.Context, u domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Name]; ok {
		return domain.ErrAlreadyExists
	}
	r.users[u.Name] = u
	return nil
}
func (r *userRepo) Get(_ context.Context, name string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[name]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (r *userRepo) List(_ context.Context) ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.User
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}
func (r *userRepo) SetPassword(_ context.Context, name, hashed string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[name]
	u.HashedPass = hashed
	r.users[name] = u
	return nil
}
func (r *userRepo) Deactivate(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[name]
	now := time.Now()
	u.DeactivatedAt = &now
	r.users[name] = u
	return nil
}
func (r *userRepo) GetByMail(_ context.Context, _ string) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

type authRepo memStore

func (r *authRepo) Set(_ context.Context, project, user string, role domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth[project+"/"+user] = role
	return nil
}
func (r *authRepo) Delete(_ context.Context, project, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.auth, project+"/"+user)
	return nil
}
func (r *authRepo) Get(_ context.Context, project, user string) (domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.auth[project+"/"+user]
	if !ok {
		return "", domain.ErrNotFound
	}
	return role, nil
}
func (r *authRepo) ProjectAuth(_ context.Context, project string) (map[string]domain.Role, error) {
	return nil, nil
}
func (r *authRepo) UserProjects(_ context.Context, user string) (map[string]domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]domain.Role{}
	for key, role := range r.auth {
		for i := 0; i < len(key); i++ {
			if key[i] == '/' && key[i+1:] == user {
				out[key[:i]] = role
			}
		}
	}
	return out, nil
}

type tokenRepo memStore

func (r *tokenRepo) Add(_ context.Context, token, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = status
	return nil
}
func (r *tokenRepo) Status(_ context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tokens[token]
	if !ok {
		return "", domain.ErrNotFound
	}
	return s, nil
}
func (r *tokenRepo) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = "revoked"
	return nil
}

type projectRepo memStore

func (r *projectRepo) Add(_ context.Context, p domain.ProjectParams, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.Slug]; ok {
		return domain.ErrAlreadyExists
	}
	r.projects[p.Slug] = p
	return nil
}
func (r *projectRepo) Update(_ context.Context, p domain.ProjectParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Slug] = p
	return nil
}
func (r *projectRepo) Get(_ context.Context, slug string) (domain.ProjectParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[slug]
	if !ok {
		return domain.ProjectParams{}, domain.ErrNotFound
	}
	return p, nil
}
func (r *projectRepo) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for s := range r.projects {
		out = append(out, s)
	}
	return out, nil
}
func (r *projectRepo) Delete(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, slug)
	return nil
}

type schemeRepo memStore

func (r *schemeRepo) Add(_ context.Context, s domain.Scheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.Project + "/" + s.Name
	if _, ok := r.schemes[key]; ok {
		return domain.ErrAlreadyExists
	}
	r.schemes[key] = s
	return nil
}
func (r *schemeRepo) Delete(_ context.Context, project, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemes, project+"/"+name)
	return nil
}
func (r *schemeRepo) Get(_ context.Context, project, name string) (domain.Scheme, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemes[project+"/"+name]
	if !ok {
		return domain.Scheme{}, domain.ErrNotFound
	}
	return s, nil
}
func (r *schemeRepo) List(_ context.Context, project string) ([]domain.Scheme, error) {
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
func (r *schemeRepo) UpdateLabels(_ context.Context, _, _ string, _ []string) error { return nil }
func (r *schemeRepo) UpdateCodebook(_ context.Context, _, _, _ string) error        { return nil }
func (r *schemeRepo) Rename(_ context.Context, _, _, _ string) error                { return nil }
func (r *schemeRepo) Duplicate(_ context.Context, _, _, _, _ string) error          { return nil }

type annotationRepo memStore

func (r *annotationRepo) Append(_ context.Context, a domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations = append(r.annotations, a)
	return nil
}
func (r *annotationRepo) AppendBatch(_ context.Context, as []domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations = append(r.annotations, as...)
	return nil
}
func (r *annotationRepo) LatestPerElement(_ context.Context, project, scheme string, datasets []domain.Dataset, _ string) ([]domain.CurrentLabel, error) {
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
func (r *annotationRepo) History(_ context.Context, _, _, _ string, _ int) ([]domain.Annotation, error) {
	return nil, nil
}
func (r *annotationRepo) DistinctUsers(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}
func (r *annotationRepo) RecentIDs(_ context.Context, _, _, _ string, _ int, _ domain.Dataset) ([]string, error) {
	return nil, nil
}
func (r *annotationRepo) ReconciliationTable(_ context.Context, _, _ string) ([]domain.Disagreement, error) {
	return nil, nil
}
func (r *annotationRepo) DeleteDataset(_ context.Context, _ string, _ domain.Dataset) error {
	return nil
}

type logRepo memStore

func (r *logRepo) Add(_ context.Context, user, action, project string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, domain.LogEntry{Time: time.Now(), User: user, Action: action, Project: project})
	return nil
}
func (r *logRepo) List(_ context.Context, _, _ string, _ int) ([]domain.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LogEntry(nil), r.logs...), nil
}
func (r *logRepo) ActiveUsers(_ context.Context, _ time.Duration) ([]string, error) {
	return nil, nil
}
func (r *logRepo) LastActivity(_ context.Context, _ string) (*time.Time, error) { return nil, nil }

type messageRepo memStore

func (r *messageRepo) Add(_ context.Context, m domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}
func (r *messageRepo) List(_ context.Context, _, _ string, _ int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages...), nil
}

type featureRepo struct{ sync.Mutex }

func (r *featureRepo) Add(_ context.Context, _ domain.Feature) error       { return nil }
func (r *featureRepo) Delete(_ context.Context, _, _ string) error         { return nil }
func (r *featureRepo) Get(_ context.Context, _, _ string) (domain.Feature, error) {
	return domain.Feature{}, domain.ErrNotFound
}
func (r *featureRepo) List(_ context.Context, _ string) ([]domain.Feature, error) { return nil, nil }
func (r *featureRepo) DeleteAll(_ context.Context, _ string) error                { return nil }

type modelRepo struct{}

func (modelRepo) Add(_ context.Context, _ domain.Model) error { return nil }
func (modelRepo) Get(_ context.Context, _, _ string) (domain.Model, error) {
	return domain.Model{}, domain.ErrNotFound
}
func (modelRepo) SetStatus(_ context.Context, _, _ string, _ domain.ModelStatus) error { return nil }
func (modelRepo) SetParam(_ context.Context, _, _, _ string, _ any) error              { return nil }
func (modelRepo) Rename(_ context.Context, _, _, _ string) error                       { return nil }
func (modelRepo) Delete(_ context.Context, _, _ string) error                          { return nil }
func (modelRepo) ListTrained(_ context.Context, _ string, _ domain.ModelKind) ([]domain.Model, error) {
	return nil, nil
}
func (modelRepo) List(_ context.Context, _ string, _ domain.ModelKind) ([]domain.Model, error) {
	return nil, nil
}

type generationRepo struct{}

func (generationRepo) Add(_ context.Context, _ domain.GenRecord) error { return nil }
func (generationRepo) List(_ context.Context, _, _ string, _ int) ([]domain.GenRecord, error) {
	return nil, nil
}
func (generationRepo) Delete(_ context.Context, _, _ string) error        { return nil }
func (generationRepo) AddPrompt(_ context.Context, _ domain.Prompt) error { return nil }
func (generationRepo) DeletePrompt(_ context.Context, _ int64) error      { return nil }
func (generationRepo) ListPrompts(_ context.Context, _ string) ([]domain.Prompt, error) {
	return nil, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *memStore
	orch  *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		DataPath:          t.TempDir(),
		SecretKey:         "test-secret",
		TokenLifetime:     time.Hour,
		MaxLoadedProjects: 10,
		UpdateTimeout:     10 * time.Millisecond,
		ActiveUserWindow:  5 * time.Minute,
		MaxUploadMB:       10,
		CORSAllowOrigins:  "*",
	}
	ms := newMemStore()
	repos := orchestrator.Repos{
		Projects:    (*projectRepo)(ms),
		Auth:        (*authRepo)(ms),
		Users:       (*userRepo)(ms),
		Tokens:      (*tokenRepo)(ms),
		Schemes:     (*schemeRepo)(ms),
		Annotations: (*annotationRepo)(ms),
		Features:    &featureRepo{},
		Models:      modelRepo{},
		Generations: generationRepo{},
		Logs:        (*logRepo)(ms),
		Messages:    (*messageRepo)(ms),
	}
	clients := orchestrator.Clients{
		Sbert:    ai.StubEmbedder{Dim: 4},
		Fasttext: ai.StubEmbedder{Dim: 4},
		Trainer:  ai.StubTrainer{},
		Gen:      ai.StubGenerator{},
	}
	q := queue.New(2, 1, 10, log)
	t.Cleanup(q.Close)
	orch := orchestrator.New(cfg, repos, clients, q, frame.NewStore(), log)
	require.NoError(t, orch.UsersSv.EnsureRoot(context.Background(), "rootpass"))

	server := New(orch, cfg, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: ms, orch: orch}
}

// seedProject writes a small annotated train partition on disk and
// registers its params and default scheme.
func (e *testEnv) seedProject(t *testing.T, slug string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	ids := []string{"e1", "e2", "e3"}
	fr, err := frame.New(ids)
	require.NoError(t, err)
	require.NoError(t, fr.AddStrings("text", []string{"alpha cat", "beta dog", "gamma cat"}, nil))
	paths := frame.ProjectPaths{Dir: dir}
	require.NoError(t, e.orch.Store.Save(paths.Train(), fr))

	params := domain.ProjectParams{Slug: slug, NTrain: 3, Dir: dir}
	require.NoError(t, e.orch.Repos.Projects.Add(ctx, params, "root"))
	require.NoError(t, e.orch.Repos.Schemes.Add(ctx, domain.Scheme{
		Project: slug, Name: "default", Kind: domain.SchemeMulticlass, Labels: []string{"cat", "dog"},
	}))
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, status := e.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.AccessToken
}

func (e *testEnv) request(t *testing.T, method, path, token string, payload any) ([]byte, int) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b, resp.StatusCode
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	token := env.login(t, "root", "rootpass")
	body, status := env.request(t, http.MethodGet, "/users/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"username":"root"`)

	_, status = env.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "root", "password": "wrong-pass",
	})
	assert.Equal(t, http.StatusForbidden, status)

	// revoked token stops working
	_, status = env.request(t, http.MethodPost, "/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, status)
	_, status = env.request(t, http.MethodGet, "/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, status := env.request(t, http.MethodGet, "/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, status = env.request(t, http.MethodGet, "/projects", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUserManagement(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	root := env.login(t, "root", "rootpass")

	_, status := env.request(t, http.MethodPost, "/users/create", root, map[string]string{
		"username": "ana", "password": "longenough", "role": "annotator",
	})
	require.Equal(t, http.StatusCreated, status)

	// duplicate name conflicts
	_, status = env.request(t, http.MethodPost, "/users/create", root, map[string]string{
		"username": "ana", "password": "longenough",
	})
	assert.Equal(t, http.StatusConflict, status)

	// short password rejected by validation
	_, status = env.request(t, http.MethodPost, "/users/create", root, map[string]string{
		"username": "bob", "password": "tiny",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// non-root cannot manage users
	ana := env.login(t, "ana", "longenough")
	_, status = env.request(t, http.MethodGet, "/users", ana, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestProjectRoles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedProject(t, "p")
	root := env.login(t, "root", "rootpass")

	for _, u := range []struct{ name, role string }{
		{"ana", "annotator"}, {"mia", "manager"},
	} {
		_, status := env.request(t, http.MethodPost, "/users/create", root, map[string]string{
			"username": u.name, "password": "longenough", "role": u.role,
		})
		require.Equal(t, http.StatusCreated, status)
	}
	require.NoError(t, env.orch.UsersSv.SetAuth(context.Background(), "p", "ana", domain.RoleAnnotator))
	require.NoError(t, env.orch.UsersSv.SetAuth(context.Background(), "p", "mia", domain.RoleManager))

	ana := env.login(t, "ana", "longenough")
	mia := env.login(t, "mia", "longenough")

	// annotators read and annotate but cannot change schemes
	_, status := env.request(t, http.MethodGet, "/projects/p/", ana, nil)
	assert.Equal(t, http.StatusOK, status)
	_, status = env.request(t, http.MethodPost, "/projects/p/schemes/add", ana, map[string]any{
		"name": "extra", "labels": []string{"x"},
	})
	assert.Equal(t, http.StatusForbidden, status)

	_, status = env.request(t, http.MethodPost, "/projects/p/schemes/add", mia, map[string]any{
		"name": "extra", "labels": []string{"x"},
	})
	assert.Equal(t, http.StatusCreated, status)
}

func TestAnnotateAndNextElement(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedProject(t, "p")
	root := env.login(t, "root", "rootpass")

	// first untagged element in index order
	body, status := env.request(t, http.MethodPost, "/projects/p/elements/next", root, map[string]any{
		"scheme": "default", "mode": "deterministic",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var next struct {
		ElementID string `json:"element_id"`
		Text      string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, "e1", next.ElementID)
	assert.Equal(t, "alpha cat", next.Text)

	// tag it and the pool moves on
	_, status = env.request(t, http.MethodPost, "/projects/p/tags/add", root, map[string]any{
		"scheme": "default", "element_id": "e1", "label": "cat",
	})
	require.Equal(t, http.StatusCreated, status)

	body, status = env.request(t, http.MethodPost, "/projects/p/elements/next", root, map[string]any{
		"scheme": "default", "mode": "deterministic",
	})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, "e2", next.ElementID)

	// label outside the scheme is invalid
	_, status = env.request(t, http.MethodPost, "/projects/p/tags/add", root, map[string]any{
		"scheme": "default", "element_id": "e2", "label": "bird",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// bad selection mode is invalid
	_, status = env.request(t, http.MethodPost, "/projects/p/elements/next", root, map[string]any{
		"scheme": "default", "mode": "psychic",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	root := env.login(t, "root", "rootpass")

	// unknown project
	_, status := env.request(t, http.MethodGet, "/projects/nope/", root, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// malformed body
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/projects/new", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+root)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoElementAvailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedProject(t, "p")
	root := env.login(t, "root", "rootpass")

	for _, id := range []string{"e1", "e2", "e3"} {
		_, status := env.request(t, http.MethodPost, "/projects/p/tags/add", root, map[string]any{
			"scheme": "default", "element_id": id, "label": "cat",
		})
		require.Equal(t, http.StatusCreated, status)
	}
	body, status := env.request(t, http.MethodPost, "/projects/p/elements/next", root, map[string]any{
		"scheme": "default", "mode": "deterministic", "sample": "untagged",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "UNAVAILABLE")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body, status := env.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")

	_, status = env.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
}
