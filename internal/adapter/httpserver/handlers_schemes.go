package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
)

func (s *Server) handleListSchemes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	list, err := s.Orch.Repos.Schemes.List(r.Context(), p.Params.Slug)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemes": list})
}

type addSchemeRequest struct {
	Name   string   `json:"name" validate:"required"`
	Kind   string   `json:"kind"`
	Labels []string `json:"labels"`
}

func (s *Server) handleAddScheme(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req addSchemeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := p.Schemes.Add(r.Context(), domain.Scheme{
		Project:   p.Params.Slug,
		Name:      req.Name,
		Kind:      domain.SchemeKind(req.Kind),
		Labels:    req.Labels,
		CreatedBy: UserFrom(r).Name,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "add scheme "+req.Name, p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

type schemeNameRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleDeleteScheme(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req schemeNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Schemes.Delete(r.Context(), p.Params.Slug, req.Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "delete scheme "+req.Name, p.Params.Slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type renameRequest struct {
	Old string `json:"old" validate:"required"`
	New string `json:"new" validate:"required"`
}

func (s *Server) handleRenameScheme(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.Repos.Schemes.Rename(r.Context(), p.Params.Slug, req.Old, req.New); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type duplicateSchemeRequest struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

func (s *Server) handleDuplicateScheme(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req duplicateSchemeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.Repos.Schemes.Duplicate(r.Context(), p.Params.Slug, req.From, req.To, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "duplicated"})
}

type codebookRequest struct {
	Scheme   string    `json:"scheme" validate:"required"`
	Codebook string    `json:"codebook"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (s *Server) handleCodebook(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req codebookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Schemes.UpdateCodebook(r.Context(), p.Params.Slug, req.Scheme, req.Codebook, req.LoadedAt); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleCompareSchemes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	q := r.URL.Query()
	agreement, kappa, n, err := p.Schemes.Compare(r.Context(), p.Params.Slug, q.Get("a"), q.Get("b"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agreement": agreement,
		"kappa":     kappa,
		"n":         n,
	})
}

// handleReconciliation lists train elements whose users disagree on the
// current label.
func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	scheme := r.URL.Query().Get("scheme")
	if scheme == "" {
		writeError(w, r, fmt.Errorf("missing scheme: %w", domain.ErrInvalid), nil)
		return
	}
	rows, err := p.Schemes.Reconciliation(r.Context(), p.Params.Slug, scheme)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disagreements": rows})
}

type dichotomizeRequest struct {
	Scheme string `json:"scheme" validate:"required"`
	Label  string `json:"label" validate:"required"`
}

func (s *Server) handleDichotomize(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req dichotomizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, err := p.Schemes.Dichotomize(r.Context(), p.Params.Slug, req.Scheme, req.Label, UserFrom(r).Name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"scheme": name})
}

type labelRequest struct {
	Scheme string `json:"scheme" validate:"required"`
	Label  string `json:"label" validate:"required"`
}

func (s *Server) handleAddLabel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req labelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Schemes.AddLabel(r.Context(), p.Params.Slug, req.Scheme, req.Label); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleDeleteLabel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req labelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Schemes.DeleteLabel(r.Context(), p.Params.Slug, req.Scheme, req.Label, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type renameLabelRequest struct {
	Scheme string `json:"scheme" validate:"required"`
	Old    string `json:"old" validate:"required"`
	New    string `json:"new" validate:"required"`
}

func (s *Server) handleRenameLabel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req renameLabelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Schemes.RenameLabel(r.Context(), p.Params.Slug, req.Scheme, req.Old, req.New, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type addTagRequest struct {
	Scheme    string  `json:"scheme" validate:"required"`
	ElementID string  `json:"element_id" validate:"required"`
	Dataset   string  `json:"dataset"`
	Label     *string `json:"label"`
	Comment   string  `json:"comment"`
}

// handleAddTag appends one annotation. A null label clears the element.
func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionAdd)
	if !ok {
		return
	}
	var req addTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dataset := domain.Dataset(req.Dataset)
	if req.Dataset == "" {
		dataset = domain.DatasetTrain
	}
	id, err := p.Schemes.Push(r.Context(), domain.Annotation{
		Project:   p.Params.Slug,
		Scheme:    req.Scheme,
		ElementID: req.ElementID,
		Dataset:   dataset,
		User:      UserFrom(r).Name,
		Label:     req.Label,
		Comment:   req.Comment,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "annotate "+req.ElementID, p.Params.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{"annotation_id": id})
}
