package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/divinealgo/backoffice/internal/model"
)

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	UniqueID string `json:"unique_id" validate:"required,max=32"`
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"omitempty,oneof=ADMIN AGENT CUSTOMER"`
	Status   string `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE PENDING"`
}

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	u := &model.User{
		UniqueID: req.UniqueID,
		Username: req.Username,
		Email:    req.Email,
		Role:     req.Role,
		Status:   req.Status,
	}
	if u.Role == "" {
		u.Role = model.RoleCustomer
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// ListUsers handles GET /api/v1/users
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
