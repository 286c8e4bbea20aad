package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/orchestrator"
	"github.com/activetigger/activetigger/internal/project"
)

// project resolves the {slug} URL param into a loaded project after a
// role check.
func (s *Server) project(w http.ResponseWriter, r *http.Request, action domain.Action) (*project.Project, bool) {
	slug := chi.URLParam(r, "slug")
	if !s.requireAction(w, r, slug, action) {
		return nil, false
	}
	p, err := s.Orch.GetProject(r.Context(), slug)
	if err != nil {
		writeError(w, r, err, nil)
		return nil, false
	}
	return p, true
}

type projectListEntry struct {
	Slug string      `json:"slug"`
	Role domain.Role `json:"role"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r)
	var out []projectListEntry
	if user.Role == orchestrator.RoleRoot {
		slugs, err := s.Orch.Repos.Projects.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for _, slug := range slugs {
			out = append(out, projectListEntry{Slug: slug, Role: domain.RoleManager})
		}
	} else {
		byProject, err := s.Orch.Repos.Auth.UserProjects(r.Context(), user.Name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for slug, role := range byProject {
			out = append(out, projectListEntry{Slug: slug, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.FormValue(key))
	return n
}

// handleCreateProject accepts a multipart form: the corpus file under
// "file" plus the column roles and partition sizes as plain fields.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r)
	if err := r.ParseMultipartForm(s.Cfg.MaxUploadMB << 20); err != nil {
		writeError(w, r, fmt.Errorf("malformed multipart body: %v: %w", err, domain.ErrInvalid), nil)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, r, fmt.Errorf("missing project name: %w", domain.ErrInvalid), nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("missing corpus file: %w", domain.ErrInvalid), nil)
		return
	}
	defer func() { _ = file.Close() }()

	uploadDir := filepath.Join(s.Cfg.DataPath, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeError(w, r, err, nil)
		return
	}
	dst, err := os.CreateTemp(uploadDir, "corpus-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		writeError(w, r, err, nil)
		return
	}
	if err := dst.Close(); err != nil {
		writeError(w, r, err, nil)
		return
	}

	slug, taskID, err := s.Orch.CreateProject(r.Context(), orchestrator.CreateSpec{
		Name:         name,
		Filename:     dst.Name(),
		Language:     r.FormValue("language"),
		ColID:        r.FormValue("col_id"),
		ColsText:     splitList(r.FormValue("cols_text")),
		ColLabel:     r.FormValue("col_label"),
		ColsContext:  splitList(r.FormValue("cols_context")),
		ColsStratify: splitList(r.FormValue("cols_stratify")),
		NTrain:       formInt(r, "n_train"),
		NValid:       formInt(r, "n_valid"),
		NTest:        formInt(r, "n_test"),
		User:         user.Name,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"project_slug": slug, "task_id": taskID})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"params":    p.Params,
		"loaded_at": p.LoadedAt,
	})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !s.requireAction(w, r, slug, domain.ActionDelete) {
		return
	}
	if err := s.Orch.DeleteProject(r.Context(), slug, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type updateProjectRequest struct {
	ColsContext []string `json:"cols_context"`
	ColsText    []string `json:"cols_text"`
}

// handleUpdateProject changes the context/text column roles. Omitted
// fields keep their current value.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req updateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.UpdateColumns(r.Context(), req.ColsContext, req.ColsText); err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "update project columns", p.Params.Slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	scheme := r.URL.Query().Get("scheme")
	st, err := p.Stats(r.Context(), scheme)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProjectAuth(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !s.requireAction(w, r, slug, domain.ActionGet) {
		return
	}
	auth, err := s.Orch.Repos.Auth.ProjectAuth(r.Context(), slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": auth})
}

type authChangeRequest struct {
	User string `json:"user" validate:"required"`
	Role string `json:"role"`
}

func (s *Server) handleAuthAdd(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !s.requireAction(w, r, slug, domain.ActionUpdate) {
		return
	}
	var req authChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.UsersSv.SetAuth(r.Context(), slug, req.User, domain.Role(req.Role)); err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "grant "+req.Role+" to "+req.User, slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthDelete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !s.requireAction(w, r, slug, domain.ActionUpdate) {
		return
	}
	var req authChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.UsersSv.DeleteAuth(r.Context(), slug, req.User); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
