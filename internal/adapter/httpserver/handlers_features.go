package httpserver

import (
	"net/http"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/projections"
)

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	list, err := p.Features.List(r.Context(), p.Params.Slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"features":  list,
		"computing": p.Features.CurrentComputing(p.Params.Slug, p.Params.Dir),
	})
}

// handleAvailableFeatures lists the computable feature kinds and their
// tunable parameters.
func (s *Server) handleAvailableFeatures(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.project(w, r, domain.ActionGet); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kinds": map[string]any{
			string(domain.FeatureSbert):    map[string]any{"model": "string"},
			string(domain.FeatureFasttext): map[string]any{"model": "string"},
			string(domain.FeatureDfm): map[string]any{
				"tfidf": "bool", "ngrams": "int", "min_term_freq": "int",
				"max_term_freq": "float", "norm": "string", "log": "bool",
			},
			string(domain.FeatureRegex):   map[string]any{"value": "string"},
			string(domain.FeatureDataset): map[string]any{"column": "string", "type": "numeric|string"},
		},
	})
}

type addFeatureRequest struct {
	Name   string         `json:"name" validate:"required"`
	Kind   string         `json:"kind" validate:"required"`
	Params map[string]any `json:"params"`
}

// handleAddFeature submits a feature computation. Embedding and dfm
// kinds return a task id to poll; regex and dataset complete inline.
func (s *Server) handleAddFeature(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req addFeatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID, err := p.Features.Add(r.Context(), p.Params.Slug, p.Params.Dir, features.AddSpec{
		Name:   req.Name,
		Kind:   domain.FeatureKind(req.Kind),
		Params: req.Params,
		User:   UserFrom(r).Name,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "add feature "+req.Name, p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

type featureNameRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req featureNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Features.Delete(r.Context(), p.Params.Slug, p.Params.Dir, req.Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type computeProjectionRequest struct {
	Method   string         `json:"method" validate:"required"`
	Features []string       `json:"features" validate:"required,min=1"`
	Params   map[string]any `json:"params"`
}

func (s *Server) handleComputeProjection(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	var req computeProjectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID, err := p.Projections.Compute(r.Context(), p.Params.Slug, p.Params.Dir,
		UserFrom(r).Name, req.Method, req.Features, req.Params)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

type projectionResponse struct {
	Method   string                `json:"method"`
	Features []string              `json:"features"`
	Coords   map[string][2]float64 `json:"coords"`
	Computed string                `json:"computed"`
}

func (s *Server) handleGetProjection(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	st, err := p.Projections.Get(p.Params.Slug, UserFrom(r).Name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, projectionState(st))
}

func projectionState(st *projections.State) projectionResponse {
	return projectionResponse{
		Method:   st.Method,
		Features: st.Features,
		Coords:   st.Coords,
		Computed: st.Computed.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
