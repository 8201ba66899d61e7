package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voltguard/voltguard/internal/auth"
	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies credentials and issues a token pair. The login
// bucket is checked before the bcrypt work so expensive hashing cannot
// be driven unauthenticated.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ok, retryAfter := s.loginLimiter.Allow(clientIP(r)); !ok {
		writeRateLimited(w, retryAfterSeconds(retryAfter))
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	creds, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	creds, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// handleLogout is idempotent: tokens are honored until natural expiry,
// so logout is a client-side discard acknowledged by the server.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r.Context()))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	user := userFrom(r.Context())
	if err := s.auth.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r, store.MaxListRows)
	users, err := s.auth.ListUsers(r.Context(), skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	user, err := s.auth.CreateUser(r.Context(), auth.CreateUserParams{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Email  *string      `json:"email"`
	Role   *models.Role `json:"role"`
	Active *bool        `json:"active"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, apperrors.DetailOf(err))
		return
	}

	user, err := s.auth.UpdateUser(r.Context(), chi.URLParam(r, "id"), store.UserPatch{
		Email:  req.Email,
		Role:   req.Role,
		Active: req.Active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := userFrom(r.Context())
	if err := s.auth.DeleteUser(r.Context(), actor.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})
}

// clientIP keys the login bucket. Trusts the nearest proxy hop only.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
