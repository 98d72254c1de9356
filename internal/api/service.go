// Package api provides the HTTP handlers of the back-office: PnL ingestion
// and queries, wallets and their transactions, referrals, plans and the
// user records the ledger reads from.
//
// All monetary values use shopspring/decimal.
// Callers are assumed to be authorized by the surrounding gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/divinealgo/backoffice/internal/distribution"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/share"
	"github.com/divinealgo/backoffice/internal/store"
)

// TransactionNotifier is told about ledger rows posted or moved through
// their status lifecycle.
type TransactionNotifier interface {
	TransactionUpdated(ctx context.Context, tx *model.Transaction)
}

// Service handles back-office requests. It holds no state of its own:
// the store serializes ledger writes and the engine owns distribution.
type Service struct {
	store    store.Store
	engine   *distribution.Engine
	notifier TransactionNotifier // optional
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService creates a new API service.
// Pass nil for notifier if realtime broadcasting is not needed.
func NewService(st store.Store, engine *distribution.Engine, notifier TransactionNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		engine:   engine,
		notifier: notifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes registers every endpoint on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/pnl", func(r chi.Router) {
		r.Get("/", s.ListPnLs)
		r.Post("/", s.DistributePnL)
		r.Get("/totals", s.PnLTotals)
		r.Get("/{pnlID}", s.GetPnL)
		r.Patch("/{pnlID}", s.UpdatePnL)
		r.Delete("/{pnlID}", s.DeletePnL)
		r.Get("/{pnlID}/users", s.ListPnLUsers)
		r.Post("/{pnlID}/retry", s.RetryPnL)
	})

	r.Route("/wallets", func(r chi.Router) {
		r.Get("/", s.ListWallets)
		r.Post("/", s.CreateWallet)
		r.Get("/{walletID}", s.GetWallet)
		r.Post("/{walletID}/archive", s.ArchiveWallet)
		r.Post("/{walletID}/unarchive", s.UnarchiveWallet)
		r.Get("/{walletID}/transactions", s.ListTransactions)
		r.Post("/{walletID}/transactions", s.PostTransaction)
		r.Get("/{walletID}/reconcile", s.ReconcileWallet)
	})
	r.Get("/transactions/{txID}", s.GetTransaction)
	r.Patch("/transactions/{txID}/status", s.UpdateTransactionStatus)

	r.Route("/referrals", func(r chi.Router) {
		r.Get("/", s.ListReferrals)
		r.Post("/", s.CreateReferral)
		r.Post("/{referralID}/activate", s.ActivateReferral)
		r.Post("/{referralID}/deactivate", s.DeactivateReferral)
	})
	r.Get("/agents/{agentID}/referrals", s.ListAgentReferrals)
	r.Get("/agents/{agentID}/earnings", s.GetAgentEarnings)

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", s.ListPlans)
		r.Post("/", s.CreatePlan)
		r.Get("/{planID}", s.GetPlan)
		r.Put("/{planID}", s.UpdatePlan)
		r.Delete("/{planID}", s.DeletePlan)
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.ListUsers)
		r.Post("/", s.CreateUser)
		r.Get("/{userID}", s.GetUser)
		r.Get("/{userID}/wallet", s.GetUserWallet)
		r.Post("/{userID}/plan", s.SubscribeUser)
	})
}

// decode reads a JSON body into v and runs its validate tags.
func (s *Service) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, distribution.ErrValidation),
		errors.Is(err, share.ErrInvalidShare),
		errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, store.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, distribution.ErrUserNotFound), store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUserExists),
		errors.Is(err, store.ErrInactiveUser),
		errors.Is(err, store.ErrWalletExists),
		errors.Is(err, store.ErrAlreadyReferred),
		errors.Is(err, store.ErrPlanInUse),
		errors.Is(err, store.ErrDuplicateReference),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with its mapped status and logs server-side
// failures.
func (s *Service) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
