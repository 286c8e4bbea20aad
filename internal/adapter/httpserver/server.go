// Package httpserver is the REST surface of the annotation server. It
// translates HTTP requests into orchestrator and project operations and
// maps the domain error kinds onto status codes.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/orchestrator"
)

// Server holds the handler dependencies.
type Server struct {
	Orch *orchestrator.Orchestrator
	Cfg  *config.Config
	Log  *slog.Logger
}

// New builds a server around a wired orchestrator.
func New(orch *orchestrator.Orchestrator, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{Orch: orch, Cfg: cfg, Log: log}
}

// Router mounts every route. Everything under /projects and the admin
// surface requires a bearer token; role checks happen per handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(AccessLog())
	r.Use(SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	origins := splitList(s.Cfg.CORSAllowOrigins)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.Cfg.RateLimitPerMin > 0 {
		r.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Post("/auth/logout", s.handleLogout)
		r.Get("/users/me", s.handleMe)
		r.Get("/users", s.handleListUsers)
		r.Post("/users/create", s.handleCreateUser)
		r.Post("/users/delete", s.handleDeactivateUser)
		r.Post("/users/password", s.handleChangePassword)

		r.Get("/messages", s.handleListMessages)
		r.Post("/messages", s.handleAddMessage)
		r.Get("/logs", s.handleListLogs)
		r.Get("/state", s.handleServerState)
		r.Post("/stop", s.handleStopProcesses)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects/new", s.handleCreateProject)

		r.Route("/projects/{slug}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Post("/delete", s.handleDeleteProject)
			r.Post("/update", s.handleUpdateProject)
			r.Get("/statistics", s.handleStatistics)

			r.Get("/auth", s.handleProjectAuth)
			r.Post("/auth/add", s.handleAuthAdd)
			r.Post("/auth/delete", s.handleAuthDelete)

			r.Get("/schemes", s.handleListSchemes)
			r.Post("/schemes/add", s.handleAddScheme)
			r.Post("/schemes/delete", s.handleDeleteScheme)
			r.Post("/schemes/rename", s.handleRenameScheme)
			r.Post("/schemes/duplicate", s.handleDuplicateScheme)
			r.Post("/schemes/codebook", s.handleCodebook)
			r.Get("/schemes/compare", s.handleCompareSchemes)
			r.Get("/schemes/reconciliation", s.handleReconciliation)
			r.Post("/schemes/dichotomize", s.handleDichotomize)

			r.Post("/labels/add", s.handleAddLabel)
			r.Post("/labels/delete", s.handleDeleteLabel)
			r.Post("/labels/rename", s.handleRenameLabel)

			r.Post("/tags/add", s.handleAddTag)

			r.Post("/elements/next", s.handleNextElement)
			r.Get("/elements/table", s.handleElementTable)
			r.Get("/elements/{id}", s.handleGetElement)

			r.Get("/features", s.handleListFeatures)
			r.Get("/features/available", s.handleAvailableFeatures)
			r.Post("/features/add", s.handleAddFeature)
			r.Post("/features/delete", s.handleDeleteFeature)

			r.Post("/projection/compute", s.handleComputeProjection)
			r.Get("/projection", s.handleGetProjection)

			r.Get("/models/simple", s.handleListQuickModels)
			r.Post("/models/simple/train", s.handleTrainQuickModel)
			r.Post("/models/simple/retrain", s.handleRetrainQuickModel)
			r.Post("/models/simple/predict", s.handlePredictQuickModel)
			r.Post("/models/simple/delete", s.handleDeleteQuickModel)

			r.Get("/models/bert", s.handleListLanguageModels)
			r.Post("/models/bert/train", s.handleTrainLanguageModel)
			r.Post("/models/bert/stop", s.handleStopLanguageModel)
			r.Post("/models/bert/predict", s.handlePredictLanguageModel)
			r.Post("/models/bert/test", s.handleTestLanguageModel)
			r.Post("/models/bert/rename", s.handleRenameLanguageModel)
			r.Post("/models/bert/delete", s.handleDeleteLanguageModel)
			r.Get("/models/information", s.handleModelInformation)

			r.Post("/generate/start", s.handleStartGeneration)
			r.Post("/generate/stop", s.handleStopGeneration)
			r.Get("/generate/elements", s.handleListGenerated)
			r.Post("/generate/drop", s.handleDropGenerated)
			r.Get("/generate/prompts", s.handleListPrompts)
			r.Post("/generate/prompts/add", s.handleAddPrompt)
			r.Post("/generate/prompts/delete", s.handleDeletePrompt)

			r.Get("/export/annotations", s.handleExportAnnotations)
			r.Get("/export/features", s.handleExportFeatures)

			r.Post("/testset/drop", s.handleDropTestSet)
			r.Post("/extend", s.handleExtendTrain)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
