package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/project"
)

type nextElementRequest struct {
	Scheme  string    `json:"scheme" validate:"required"`
	Mode    string    `json:"mode" validate:"required"`
	Sample  string    `json:"sample"`
	Tag     string    `json:"tag"`
	History []string  `json:"history"`
	Frame   []float64 `json:"frame"`
	Filter  string    `json:"filter"`
	Seed    int64     `json:"seed"`
}

func (s *Server) handleNextElement(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	var req nextElementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sample := domain.SampleFilter(req.Sample)
	if req.Sample == "" {
		sample = domain.SampleUntagged
	}
	out, err := p.NextElement(r.Context(), project.SelectionReq{
		Scheme:  req.Scheme,
		Mode:    domain.SelectionMode(req.Mode),
		Sample:  sample,
		User:    UserFrom(r).Name,
		Tag:     req.Tag,
		History: req.History,
		Frame:   req.Frame,
		Filter:  req.Filter,
		Seed:    req.Seed,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	out, err := p.GetElement(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("scheme"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleElementTable(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	q := r.URL.Query()
	dataset := domain.Dataset(q.Get("dataset"))
	if q.Get("dataset") == "" {
		dataset = domain.DatasetTrain
	}
	sample := domain.SampleFilter(q.Get("sample"))
	if q.Get("sample") == "" {
		sample = domain.SampleAll
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, err := p.Table(r.Context(), q.Get("scheme"), dataset, sample, offset, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *Server) handleDropTestSet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	if err := p.DropTestSet(r.Context()); err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "drop test set", p.Params.Slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

type extendRequest struct {
	N int `json:"n" validate:"required,gt=0"`
}

func (s *Server) handleExtendTrain(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionUpdate)
	if !ok {
		return
	}
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := p.ExtendTrain(r.Context(), req.N)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), UserFrom(r).Name, "extend train set", p.Params.Slug)
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleExportAnnotations(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	q := r.URL.Query()
	dataset := domain.Dataset(q.Get("dataset"))
	if q.Get("dataset") == "" {
		dataset = domain.DatasetTrain
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="annotations.csv"`)
	if err := p.ExportAnnotationsCSV(r.Context(), w, q.Get("scheme"), dataset); err != nil {
		LoggerFrom(r).Error("annotation export failed", "error", err)
	}
}

func (s *Server) handleExportFeatures(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r, domain.ActionGet)
	if !ok {
		return
	}
	names := splitList(r.URL.Query().Get("names"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="features.csv"`)
	if err := p.ExportFeaturesCSV(r.Context(), w, names); err != nil {
		LoggerFrom(r).Error("feature export failed", "error", err)
	}
}
