package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/share"
)

// PlanRequest is the JSON body for POST /plans and PUT /plans/{planID}.
type PlanRequest struct {
	Name                  string          `json:"name" validate:"required,max=100"`
	MinDeposit            decimal.Decimal `json:"min_deposit"`
	MaxDeposit            decimal.Decimal `json:"max_deposit"`
	MaxAccounts           int             `json:"max_accounts" validate:"gte=0"`
	ProfitSharingCustomer decimal.Decimal `json:"profit_sharing_customer"`
	ProfitSharingPlatform decimal.Decimal `json:"profit_sharing_platform"`
	UpfrontFee            decimal.Decimal `json:"upfront_fee"`
	Visibility            string          `json:"visibility" validate:"omitempty,oneof=PUBLIC PRIVATE"` // default PUBLIC
}

// SubscribeRequest is the JSON body for POST /users/{userID}/plan.
type SubscribeRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

func (req PlanRequest) plan() (*model.Plan, error) {
	terms := share.Terms{CustomerPercent: req.ProfitSharingCustomer, PlatformPercent: req.ProfitSharingPlatform}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if req.ProfitSharingCustomer.Add(req.ProfitSharingPlatform).GreaterThan(decimal.NewFromInt(100)) {
		return nil, errors.New("profit sharing percentages must not exceed 100 in total")
	}
	if req.MinDeposit.IsNegative() || req.MaxDeposit.IsNegative() || req.UpfrontFee.IsNegative() {
		return nil, errors.New("deposits and fees must be non-negative")
	}
	if req.MaxDeposit.IsPositive() && req.MaxDeposit.LessThan(req.MinDeposit) {
		return nil, errors.New("max_deposit must not be below min_deposit")
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = "PUBLIC"
	}
	return &model.Plan{
		Name:                  req.Name,
		MinDeposit:            req.MinDeposit,
		MaxDeposit:            req.MaxDeposit,
		MaxAccounts:           req.MaxAccounts,
		ProfitSharingCustomer: req.ProfitSharingCustomer,
		ProfitSharingPlatform: req.ProfitSharingPlatform,
		UpfrontFee:            req.UpfrontFee,
		Visibility:            visibility,
	}, nil
}

// CreatePlan handles POST /api/v1/plans
func (s *Service) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := req.plan()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.CreatePlan(r.Context(), p); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("plan created", "plan_id", p.ID, "name", p.Name)
	writeJSON(w, http.StatusCreated, p)
}

// ListPlans handles GET /api/v1/plans
func (s *Service) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// GetPlan handles GET /api/v1/plans/{planID}
func (s *Service) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePlan handles PUT /api/v1/plans/{planID}
func (s *Service) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := req.plan()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.ID = chi.URLParam(r, "planID")
	if err := s.store.UpdatePlan(r.Context(), p); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePlan handles DELETE /api/v1/plans/{planID}
// Refused while any user subscribes to the plan.
func (s *Service) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "planID")
	if err := s.store.DeletePlan(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Plan deleted successfully"})
}

// SubscribeUser handles POST /api/v1/users/{userID}/plan
func (s *Service) SubscribeUser(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	if err := s.store.SubscribeUser(ctx, userID, req.PlanID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	p, err := s.store.ActivePlanForUser(ctx, userID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
