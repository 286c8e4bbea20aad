package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
)

type userKey struct{}

// UserFrom returns the authenticated account of the request.
func UserFrom(r *http.Request) domain.User {
	if v := r.Context().Value(userKey{}); v != nil {
		if u, ok := v.(domain.User); ok {
			return u
		}
	}
	return domain.User{}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware resolves the bearer token into an account. Anything
// invalid is a plain 401.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHENTICATED", Message: "missing bearer token"}})
			return
		}
		name, err := s.Orch.Tokens.Validate(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHENTICATED", Message: "invalid token"}})
			return
		}
		user, err := s.Orch.Repos.Users.Get(r.Context(), name)
		if err != nil || user.DeactivatedAt != nil {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHENTICATED", Message: "unknown account"}})
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAction checks the role matrix for the project in the URL.
func (s *Server) requireAction(w http.ResponseWriter, r *http.Request, project string, action domain.Action) bool {
	user := UserFrom(r)
	ok, err := s.Orch.UsersSv.Allowed(r.Context(), user, project, action)
	if err != nil {
		writeError(w, r, err, nil)
		return false
	}
	if !ok {
		writeError(w, r, fmt.Errorf("user %s lacks %s on %s: %w", user.Name, action, project, domain.ErrForbidden), nil)
		return false
	}
	return true
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.Orch.UsersSv.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	token, exp, err := s.Orch.Tokens.Create(r.Context(), user.Name)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.Orch.LogAction(r.Context(), user.Name, "login", "")
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: exp})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Orch.Tokens.Revoke(r.Context(), bearerToken(r)); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"username": user.Name,
		"role":     user.Role,
		"mail":     user.Mail,
	})
}
