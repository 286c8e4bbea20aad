package httpserver

import (
	"fmt"
	"net/http"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/languagemodels"
	"github.com/activetigger/activetigger/internal/quickmodels"
)

func (s *Server) handleListQuickModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	list, err := p.Quick.List(r.Context(), p.Params.Slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

type trainQuickModelRequest struct {
	Name        string         `json:"name" validate:"required"`
	Scheme      string         `json:"scheme" validate:"required"`
	Kind        string         `json:"kind" validate:"required"`
	Features    []string       `json:"features" validate:"required,min=1"`
	Params      map[string]any `json:"params"`
	Standardize bool           `json:"standardize"`
	CV10        bool           `json:"cv10"`
}

func (s *Server) handleTrainQuickModel(w http.ResponseWriter, r *http.Request) {
	s.trainQuickModel(w, r, false)
}

// handleRetrainQuickModel replaces the named model with a fresh run.
func (s *Server) handleRetrainQuickModel(w http.ResponseWriter, r *http.Request) {
	s.trainQuickModel(w, r, true)
}

func (s *Server) trainQuickModel(w http.ResponseWriter, r *http.Request, replace bool) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req trainQuickModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	spec := quickmodels.TrainSpec{
		Name:        req.Name,
		Scheme:      req.Scheme,
		Kind:        req.Kind,
		Features:    req.Features,
		Params:      req.Params,
		Standardize: req.Standardize,
		CV10:        req.CV10,
		User:        UserFrom(r).Name,
	}
	var taskID string
	var err error
	if replace {
		taskID, err = p.Quick.Retrain(r.Context(), p.Params.Slug, p.Params.Dir, spec)
	} else {
		taskID, err = p.Quick.Train(r.Context(), p.Params.Slug, p.Params.Dir, spec)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "train quick model "+req.Name, p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

type modelPredictRequest struct {
	Name    string `json:"name" validate:"required"`
	Dataset string `json:"dataset"`
}

func (s *Server) handlePredictQuickModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req modelPredictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dataset := domain.Dataset(req.Dataset)
	if req.Dataset == "" {
		dataset = domain.DatasetTrain
	}
	if err := p.Quick.Predict(r.Context(), p.Params.Slug, p.Params.Dir, req.Name, dataset); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "predicted"})
}

type modelNameRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleDeleteQuickModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req modelNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Quick.Delete(r.Context(), p.Params.Slug, p.Params.Dir, req.Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListLanguageModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	list, err := p.Language.List(r.Context(), p.Params.Slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

type trainLanguageModelRequest struct {
	Name   string         `json:"name" validate:"required"`
	Scheme string         `json:"scheme" validate:"required"`
	Base   string         `json:"base" validate:"required"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleTrainLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req trainLanguageModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID, err := p.Language.Train(r.Context(), p.Params.Slug, p.Params.Dir, languagemodels.TrainSpec{
		Name:   req.Name,
		Scheme: req.Scheme,
		Base:   req.Base,
		Params: req.Params,
		User:   UserFrom(r).Name,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "train language model "+req.Name, p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleStopLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	killed := p.Language.Stop(UserFrom(r).Name)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": killed})
}

func (s *Server) handlePredictLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req modelPredictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dataset := domain.Dataset(req.Dataset)
	if req.Dataset == "" {
		dataset = domain.DatasetTrain
	}
	taskID, err := p.Language.Predict(r.Context(), p.Params.Slug, p.Params.Dir, req.Name, dataset, UserFrom(r).Name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

// handleTestLanguageModel runs inference over the held-out test
// partition, which also records test metrics on the model row.
func (s *Server) handleTestLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req modelNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID, err := p.Language.Predict(r.Context(), p.Params.Slug, p.Params.Dir, req.Name, domain.DatasetTest, UserFrom(r).Name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleRenameLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Language.Rename(r.Context(), p.Params.Slug, req.Old, req.New); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleDeleteLanguageModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req modelNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Language.Delete(r.Context(), p.Params.Slug, p.Params.Dir, req.Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleModelInformation returns one model's stored row, metrics
// included, regardless of family.
func (s *Server) handleModelInformation(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, r, fmt.Errorf("missing model name: %w", domain.ErrInvalid), nil)
		return
	}
	m, err := s.Orch.Repos.Models.Get(r.Context(), p.Params.Slug, name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
