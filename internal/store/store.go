// Package store defines the persistence interfaces for the back-office.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over plan and user lookups), and in-memory (for testing).
//
// The ledger half of the store exclusively owns wallet and transaction
// mutation: every balance change goes through PostTransaction or
// UpdateTransactionStatus, each of which applies its delta inside a single
// unit of work.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
)

var (
	ErrUserNotFound        = errors.New("store: user not found")
	ErrPlanNotFound        = errors.New("store: plan not found")
	ErrWalletNotFound      = errors.New("store: wallet not found")
	ErrTransactionNotFound = errors.New("store: transaction not found")
	ErrReferralNotFound    = errors.New("store: referral not found")
	ErrPnLNotFound         = errors.New("store: pnl not found")

	ErrUserExists         = errors.New("store: user already exists")
	ErrInactiveUser       = errors.New("store: user is not active")
	ErrWalletExists       = errors.New("store: user already has an active wallet")
	ErrAlreadyReferred    = errors.New("store: customer is already referred by an agent")
	ErrPlanInUse          = errors.New("store: plan has subscribed users")
	ErrDuplicateReference = errors.New("store: transaction reference already used")

	ErrInvalidTransaction = errors.New("store: invalid transaction")
	ErrInvalidTransition  = errors.New("store: invalid transaction status transition")
	ErrInvalidAmount      = errors.New("store: amount must be non-negative")

	// ErrUnavailable wraps I/O failures of the backing database. Callers may
	// retry operations that fail with it.
	ErrUnavailable = errors.New("store: unavailable")
)

// IsNotFound reports whether err is one of the store's not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrPnLNotFound)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// PostTransactionParams describes a ledger movement to record.
type PostTransactionParams struct {
	WalletID    string
	Type        model.TransactionType
	Amount      decimal.Decimal
	Status      model.TransactionStatus
	Description string
	Reference   string // optional; a second post with the same reference is rejected
}

func (p PostTransactionParams) validate() error {
	if p.WalletID == "" {
		return fmt.Errorf("%w: wallet id is required", ErrInvalidTransaction)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, p.Type)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, p.Status)
	}
	if p.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidTransaction)
	}
	return nil
}

// PnLFilter narrows PnL queries. Zero fields are ignored; From and To are
// inclusive.
type PnLFilter struct {
	UserID string
	Symbol string
	From   time.Time
	To     time.Time
}

func (f PnLFilter) match(p *model.PnL) bool {
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if !f.From.IsZero() && p.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.Date.After(f.To) {
		return false
	}
	if f.UserID != "" {
		for _, id := range p.UserIDs {
			if id == f.UserID {
				return true
			}
		}
		return false
	}
	return true
}

// distinctIDs drops repeated ids, keeping the first occurrence's position.
func distinctIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PnLPatch holds the fields of a PnL entry to change. Nil fields are left
// as they are; a non-nil UserIDs replaces the linked user set. Repeated
// ids in UserIDs are linked once.
type PnLPatch struct {
	Date     *time.Time
	Symbol   *string
	TotalPnL *decimal.Decimal
	UserIDs  []string
}

// Users is the read side of user records, plus the admin create path.
type Users interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Plans is the plan registry.
type Plans interface {
	CreatePlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	ListPlans(ctx context.Context) ([]model.Plan, error)
	UpdatePlan(ctx context.Context, p *model.Plan) error

	// DeletePlan fails with ErrPlanInUse while any user subscribes to it.
	DeletePlan(ctx context.Context, id string) error

	// SubscribeUser replaces the user's active plan.
	SubscribeUser(ctx context.Context, userID, planID string) error

	// ActivePlanForUser returns ErrPlanNotFound if the user has no plan.
	ActivePlanForUser(ctx context.Context, userID string) (*model.Plan, error)
}

// Ledger owns wallets and transactions.
type Ledger interface {
	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)

	// ActiveWalletForUser returns ErrWalletNotFound if the user has no
	// non-archived wallet.
	ActiveWalletForUser(ctx context.Context, userID string) (*model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)
	ArchiveWallet(ctx context.Context, id string) (*model.Wallet, error)
	UnarchiveWallet(ctx context.Context, id string) (*model.Wallet, error)

	// PostTransaction records a transaction. A SUCCESS transaction adjusts
	// the wallet balance in the same unit of work; PENDING and REJECTED
	// leave it untouched. A reused reference returns the existing row and
	// ErrDuplicateReference.
	PostTransaction(ctx context.Context, p PostTransactionParams) (*model.Transaction, error)

	// UpdateTransactionStatus moves a PENDING transaction to SUCCESS
	// (applying its delta exactly once) or REJECTED. Repeating the current
	// terminal status is a no-op.
	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, walletID string) ([]model.Transaction, error)

	// TotalWalletBalance sums the balances of all active wallets.
	TotalWalletBalance(ctx context.Context) (decimal.Decimal, error)

	// ReconcileWallet compares the stored balance with the signed sum of
	// the wallet's SUCCESS transactions.
	ReconcileWallet(ctx context.Context, walletID string) (*model.Reconciliation, error)
}

// Referrals is the referral registry.
type Referrals interface {
	// CreateReferral fails with ErrAlreadyReferred if the customer already
	// has an agent.
	CreateReferral(ctx context.Context, r *model.Referral) error
	GetReferral(ctx context.Context, id string) (*model.Referral, error)
	SetReferralActive(ctx context.Context, id string, active bool) (*model.Referral, error)
	ListReferrals(ctx context.Context) ([]model.Referral, error)
	ListReferralsByAgent(ctx context.Context, agentID string) ([]model.Referral, error)

	// FindReferralForCustomer returns the customer's referral whether or
	// not it is active, or ErrReferralNotFound.
	FindReferralForCustomer(ctx context.Context, customerID string) (*model.Referral, error)

	// IncrementAgentEarnings adds amount to the referral's running total
	// in place.
	IncrementAgentEarnings(ctx context.Context, referralID string, amount decimal.Decimal) error

	// CreditAgentEarnings pays a user link's agent override into the
	// referral's running total. It claims the link's agent_paid flag and
	// increments the total in one unit of work, and reports false without
	// touching the total when the flag was already set.
	CreditAgentEarnings(ctx context.Context, pnlID, userID, referralID string, amount decimal.Decimal) (bool, error)

	// AgentTotalEarnings sums earnings across all of an agent's referrals.
	AgentTotalEarnings(ctx context.Context, agentID string) (decimal.Decimal, error)
}

// PnLs is the PnL record store.
type PnLs interface {
	// CreatePnL inserts the entry and one PENDING link per p.UserIDs in a
	// single unit of work.
	CreatePnL(ctx context.Context, p *model.PnL) error
	GetPnL(ctx context.Context, id string) (*model.PnL, error)

	// ListPnLs returns matching entries, newest date first.
	ListPnLs(ctx context.Context, f PnLFilter) ([]model.PnL, error)
	UpdatePnL(ctx context.Context, id string, patch PnLPatch) (*model.PnL, error)
	DeletePnL(ctx context.Context, id string) error

	UserPnLs(ctx context.Context, pnlID string) ([]model.UserPnL, error)

	// UpdateUserPnL overwrites a link's recorded outcome. It never clears
	// agent_paid once set.
	UpdateUserPnL(ctx context.Context, link *model.UserPnL) error
	SetDivineAlgoShare(ctx context.Context, id string, share decimal.Decimal) error

	PnLTotals(ctx context.Context, f PnLFilter) (*model.PnLTotals, error)

	// TotalDivineAlgoShare sums the share over entries with a positive
	// total PnL.
	TotalDivineAlgoShare(ctx context.Context) (decimal.Decimal, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	Users
	Plans
	Ledger
	Referrals
	PnLs
}
