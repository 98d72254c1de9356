package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
)

// CreateReferralRequest is the JSON body for POST /referrals.
type CreateReferralRequest struct {
	AgentID            string `json:"agent_id" validate:"required"`
	CustomerID         string `json:"customer_id" validate:"required,nefield=AgentID"`
	IsManualAssignment bool   `json:"is_manual_assignment"`
	IsActive           *bool  `json:"is_active,omitempty"` // default true
}

// AgentEarnings is the response of GET /agents/{agentID}/earnings.
type AgentEarnings struct {
	AgentID       string          `json:"agent_id"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	Referrals     int             `json:"referrals"`
}

// CreateReferral handles POST /api/v1/referrals
// A customer can only ever have one agent.
func (s *Service) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref := &model.Referral{
		AgentID:            req.AgentID,
		CustomerID:         req.CustomerID,
		IsActive:           req.IsActive == nil || *req.IsActive,
		IsManualAssignment: req.IsManualAssignment,
	}
	if err := s.store.CreateReferral(r.Context(), ref); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("referral created", "referral_id", ref.ID, "agent_id", ref.AgentID, "customer_id", ref.CustomerID)
	writeJSON(w, http.StatusCreated, ref)
}

// ListReferrals handles GET /api/v1/referrals
func (s *Service) ListReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := s.store.ListReferrals(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// ListAgentReferrals handles GET /api/v1/agents/{agentID}/referrals
func (s *Service) ListAgentReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := s.store.ListReferralsByAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// GetAgentEarnings handles GET /api/v1/agents/{agentID}/earnings
func (s *Service) GetAgentEarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.store.GetUser(ctx, agentID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	refs, err := s.store.ListReferralsByAgent(ctx, agentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	total, err := s.store.AgentTotalEarnings(ctx, agentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentEarnings{AgentID: agentID, TotalEarnings: total, Referrals: len(refs)})
}

// ActivateReferral handles POST /api/v1/referrals/{referralID}/activate
func (s *Service) ActivateReferral(w http.ResponseWriter, r *http.Request) {
	s.setReferralActive(w, r, true)
}

// DeactivateReferral handles POST /api/v1/referrals/{referralID}/deactivate
func (s *Service) DeactivateReferral(w http.ResponseWriter, r *http.Request) {
	s.setReferralActive(w, r, false)
}

func (s *Service) setReferralActive(w http.ResponseWriter, r *http.Request, active bool) {
	ref, err := s.store.SetReferralActive(r.Context(), chi.URLParam(r, "referralID"), active)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("referral updated", "referral_id", ref.ID, "active", active)
	writeJSON(w, http.StatusOK, ref)
}
