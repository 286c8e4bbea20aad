package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/orchestrator"
)

// requireRoot gates the server-management surface.
func (s *Server) requireRoot(w http.ResponseWriter, r *http.Request) bool {
	user := UserFrom(r)
	ok, err := s.Orch.UsersSv.Allowed(r.Context(), user, "", domain.ActionManageServer)
	if err != nil {
		writeError(w, r, err, nil)
		return false
	}
	if !ok {
		writeError(w, r, fmt.Errorf("user %s cannot manage the server: %w", user.Name, domain.ErrForbidden), nil)
		return false
	}
	return true
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requireRoot(w, r) {
		return
	}
	users, err := s.Orch.Repos.Users.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"username":    u.Name,
			"role":        u.Role,
			"mail":        u.Mail,
			"created_by":  u.CreatedBy,
			"deactivated": u.DeactivatedAt != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

type createUserRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role"`
	Mail     string `json:"mail" validate:"omitempty,email"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireRoot(w, r) {
		return
	}
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.UsersSv.Create(r.Context(), req.Username, req.Password, req.Role, req.Mail, UserFrom(r).Name); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

type userNameRequest struct {
	Username string `json:"username" validate:"required"`
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireRoot(w, r) {
		return
	}
	var req userNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Orch.UsersSv.Deactivate(r.Context(), req.Username); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type changePasswordRequest struct {
	Username string `json:"username"`
	Password string `json:"password" validate:"required,min=6"`
}

// handleChangePassword lets anyone change their own password; changing
// someone else's requires the server role.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := UserFrom(r)
	target := req.Username
	if target == "" {
		target = user.Name
	}
	if target != user.Name && !s.requireRoot(w, r) {
		return
	}
	if err := s.Orch.UsersSv.ChangePassword(r.Context(), target, req.Password); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := s.Orch.ListMessages(r.Context(), q.Get("kind"), q.Get("for"), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type addMessageRequest struct {
	Kind    string `json:"kind" validate:"required"`
	Content string `json:"content" validate:"required"`
	For     string `json:"for"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "system" && !s.requireRoot(w, r) {
		return
	}
	err := s.Orch.AddMessage(r.Context(), domain.Message{
		User:    UserFrom(r).Name,
		Kind:    req.Kind,
		Content: req.Content,
		For:     req.For,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		if !s.requireRoot(w, r) {
			return
		}
	} else if !s.requireAction(w, r, project, domain.ActionGet) {
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, err := s.Orch.Repos.Logs.List(r.Context(), project, q.Get("user"), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleServerState(w http.ResponseWriter, r *http.Request) {
	if !s.requireRoot(w, r) {
		return
	}
	st, err := s.Orch.State(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type stopProcessesRequest struct {
	User  string   `json:"user"`
	Kinds []string `json:"kinds"`
}

// handleStopProcesses cancels in-flight tasks. Users stop their own;
// stopping someone else's needs the server role.
func (s *Server) handleStopProcesses(w http.ResponseWriter, r *http.Request) {
	var req stopProcessesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := UserFrom(r)
	target := req.User
	if target == "" {
		target = user.Name
	}
	if target != user.Name && user.Role != orchestrator.RoleRoot {
		writeError(w, r, fmt.Errorf("cannot stop another user's tasks: %w", domain.ErrForbidden), nil)
		return
	}
	killed := s.Orch.StopUserProcesses(target, req.Kinds...)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": killed})
}
