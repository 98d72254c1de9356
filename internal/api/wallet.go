package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/metrics"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/store"
)

// CreateWalletRequest is the JSON body for POST /wallets.
type CreateWalletRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// PostTransactionRequest is the JSON body for POST /wallets/{walletID}/transactions.
type PostTransactionRequest struct {
	Type        model.TransactionType   `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL PROFIT_SHARE"`
	Amount      decimal.Decimal         `json:"amount"`
	Status      model.TransactionStatus `json:"status" validate:"omitempty,oneof=PENDING SUCCESS REJECTED"` // default PENDING
	Description string                  `json:"description" validate:"max=500"`
	Reference   string                  `json:"reference,omitempty" validate:"max=200"`
}

// UpdateStatusRequest is the JSON body for PATCH /transactions/{txID}/status.
type UpdateStatusRequest struct {
	Status model.TransactionStatus `json:"status" validate:"required,oneof=PENDING SUCCESS REJECTED"`
}

// CreateWallet handles POST /api/v1/wallets
func (s *Service) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	wallet := &model.Wallet{UserID: req.UserID, Balance: decimal.Zero}
	if err := s.store.CreateWallet(r.Context(), wallet); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("wallet created", "wallet_id", wallet.ID, "user_id", wallet.UserID)
	writeJSON(w, http.StatusCreated, wallet)
}

// ListWallets handles GET /api/v1/wallets
func (s *Service) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.ListWallets(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

// GetWallet handles GET /api/v1/wallets/{walletID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetUserWallet handles GET /api/v1/users/{userID}/wallet
func (s *Service) GetUserWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.ActiveWalletForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ArchiveWallet handles POST /api/v1/wallets/{walletID}/archive
func (s *Service) ArchiveWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.ArchiveWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// UnarchiveWallet handles POST /api/v1/wallets/{walletID}/unarchive
func (s *Service) UnarchiveWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.UnarchiveWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions handles GET /api/v1/wallets/{walletID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	walletID := chi.URLParam(r, "walletID")
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	txs, err := s.store.ListTransactions(ctx, walletID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// PostTransaction handles POST /api/v1/wallets/{walletID}/transactions
// Manual top-ups and withdrawals. A SUCCESS transaction moves the balance
// immediately; PENDING waits for a status update.
func (s *Service) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostTransactionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = model.StatusPending
	}

	ctx := r.Context()
	tx, err := s.store.PostTransaction(ctx, store.PostTransactionParams{
		WalletID:    chi.URLParam(r, "walletID"),
		Type:        req.Type,
		Amount:      req.Amount,
		Status:      req.Status,
		Description: req.Description,
		Reference:   req.Reference,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	metrics.TransactionsPosted.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	s.logger.Info("transaction posted",
		"tx_id", tx.ID,
		"wallet_id", tx.WalletID,
		"type", tx.Type,
		"amount", tx.Amount.String(),
		"status", tx.Status,
	)
	if s.notifier != nil {
		s.notifier.TransactionUpdated(ctx, tx)
	}
	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction handles GET /api/v1/transactions/{txID}
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.store.GetTransaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// UpdateTransactionStatus handles PATCH /api/v1/transactions/{txID}/status
// Repeating the current status is a no-op and returns the row unchanged.
func (s *Service) UpdateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "txID")
	tx, err := s.store.UpdateTransactionStatus(ctx, id, req.Status)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(tx.Status)).Inc()
	s.logger.Info("transaction status updated", "tx_id", tx.ID, "status", tx.Status)
	if s.notifier != nil {
		s.notifier.TransactionUpdated(ctx, tx)
	}
	writeJSON(w, http.StatusOK, tx)
}

// ReconcileWallet handles GET /api/v1/wallets/{walletID}/reconcile
// Compares the stored balance with the signed sum of SUCCESS transactions.
func (s *Service) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.ReconcileWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !rec.Drift.IsZero() {
		s.logger.Warn("wallet balance drift", "wallet_id", rec.WalletID, "drift", rec.Drift.String())
	}
	writeJSON(w, http.StatusOK, rec)
}
