package httpserver

import (
	"net/http"
	"strconv"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/generations"
)

type startGenerationRequest struct {
	Model     string `json:"model" validate:"required"`
	Template  string `json:"template" validate:"required"`
	NElements int    `json:"n_elements"`
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	var req startGenerationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID, err := p.Generations.Start(r.Context(), p.Params.Slug, p.Params.Dir, generations.BatchSpec{
		Model:       req.Model,
		Template:    req.Template,
		NElements:   req.NElements,
		ContextCols: p.Params.ColsContext,
		User:        UserFrom(r).Name,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "start generation batch", p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	killed := p.Generations.Stop(UserFrom(r).Name)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": killed})
}

func (s *Server) handleListGenerated(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := p.Generations.List(r.Context(), p.Params.Slug, UserFrom(r).Name, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generated": recs})
}

func (s *Server) handleDropGenerated(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	if err := p.Generations.Drop(r.Context(), p.Params.Slug, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	prompts, err := p.Generations.ListPrompts(r.Context(), p.Params.Slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

type addPromptRequest struct {
	Name string `json:"name" validate:"required"`
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleAddPrompt(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	var req addPromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := p.Generations.AddPrompt(r.Context(), domain.Prompt{
		Project: p.Params.Slug,
		User:    UserFrom(r).Name,
		Name:    req.Name,
		Text:    req.Text,
	}, p.Params.ColsContext)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

type deletePromptRequest struct {
	ID int64 `json:"id" validate:"required"`
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	var req deletePromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Generations.DeletePrompt(r.Context(), req.ID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
