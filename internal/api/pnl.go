package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/distribution"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/store"
	"github.com/divinealgo/backoffice/internal/symbol"
)

// DistributeRequest is the JSON body for POST /pnl.
type DistributeRequest struct {
	UserIDs  []string        `json:"user_ids" validate:"required,min=1,dive,required"`
	Date     string          `json:"date" validate:"required"` // YYYY-MM-DD or RFC 3339
	Symbol   string          `json:"symbol" validate:"required"`
	TotalPnL decimal.Decimal `json:"total_pnl"` // signed
}

// UpdatePnLRequest is the JSON body for PATCH /pnl/{pnlID}. Omitted fields
// are left unchanged; user_ids replaces the linked user set.
type UpdatePnLRequest struct {
	Date     *string          `json:"date,omitempty"`
	Symbol   *string          `json:"symbol,omitempty"`
	TotalPnL *decimal.Decimal `json:"total_pnl,omitempty"`
	UserIDs  []string         `json:"user_ids,omitempty" validate:"omitempty,min=1,dive,required"`
}

// DistributePnL handles POST /api/v1/pnl
// Records the entry, applies the split and returns the distribution result,
// including per-user diagnostics for users that were skipped or failed.
func (s *Service) DistributePnL(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.engine.Distribute(r.Context(), distribution.Input{
		Date:     date,
		Symbol:   req.Symbol,
		TotalPnL: req.TotalPnL,
	}, req.UserIDs)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// pnlFilter reads ?user_id, ?symbol, ?from and ?to.
func pnlFilter(r *http.Request) (store.PnLFilter, error) {
	q := r.URL.Query()
	f := store.PnLFilter{UserID: q.Get("user_id")}
	if sym := q.Get("symbol"); sym != "" {
		f.Symbol = symbol.Normalize(sym)
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.key); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return f, err
			}
			*p.dst = t
		}
	}
	return f, nil
}

// ListPnLs handles GET /api/v1/pnl
// Returns entries newest first, optionally filtered by user, symbol and date range.
func (s *Service) ListPnLs(w http.ResponseWriter, r *http.Request) {
	f, err := pnlFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pnls, err := s.store.ListPnLs(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if pnls == nil {
		pnls = []model.PnL{}
	}
	writeJSON(w, http.StatusOK, pnls)
}

// PnLTotals handles GET /api/v1/pnl/totals
func (s *Service) PnLTotals(w http.ResponseWriter, r *http.Request) {
	f, err := pnlFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := s.store.PnLTotals(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// GetPnL handles GET /api/v1/pnl/{pnlID}
func (s *Service) GetPnL(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPnL(r.Context(), chi.URLParam(r, "pnlID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPnLUsers handles GET /api/v1/pnl/{pnlID}/users
// Returns the per-user distribution outcome of an entry.
func (s *Service) ListPnLUsers(w http.ResponseWriter, r *http.Request) {
	links, err := s.store.UserPnLs(r.Context(), chi.URLParam(r, "pnlID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// UpdatePnL handles PATCH /api/v1/pnl/{pnlID}
// Applies the patch, then recomputes the platform share. Newly linked
// users are distributed immediately.
func (s *Service) UpdatePnL(w http.ResponseWriter, r *http.Request) {
	var req UpdatePnLRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	patch := store.PnLPatch{TotalPnL: req.TotalPnL, UserIDs: req.UserIDs}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		patch.Date = &date
	}
	if req.Symbol != nil {
		sym, err := symbol.Parse(*req.Symbol)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		normalized := sym.String()
		patch.Symbol = &normalized
	}

	ctx := r.Context()
	id := chi.URLParam(r, "pnlID")
	if _, err := s.store.UpdatePnL(ctx, id, patch); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res, err := s.engine.Recompute(ctx, id)
	if err == nil && req.UserIDs != nil {
		res, err = s.engine.Retry(ctx, id)
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeletePnL handles DELETE /api/v1/pnl/{pnlID}
// Removes the entry and its user links. Ledger movements stay.
func (s *Service) DeletePnL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pnlID")
	if err := s.store.DeletePnL(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("pnl deleted", "pnl_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "PnL entry deleted successfully"})
}

// RetryPnL handles POST /api/v1/pnl/{pnlID}/retry
func (s *Service) RetryPnL(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Retry(r.Context(), chi.URLParam(r, "pnlID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
