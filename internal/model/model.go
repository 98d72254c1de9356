// Package model defines the core domain types shared across the back-office.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User roles.
const (
	RoleAdmin    = "ADMIN"
	RoleAgent    = "AGENT"
	RoleCustomer = "CUSTOMER"
)

// User statuses.
const (
	UserActive   = "ACTIVE"
	UserInactive = "INACTIVE"
	UserPending  = "PENDING"
)

// User is the identity record the ledger core reads from. Registration
// lives elsewhere; the back-office only keeps the admin-facing fields.
type User struct {
	ID        string    `json:"id" db:"id"`
	UniqueID  string    `json:"unique_id" db:"unique_id"` // human-facing code
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Plan is a subscription tier. Profit-sharing fields are percent-of-100,
// not fractions.
type Plan struct {
	ID                    string          `json:"id" db:"id"`
	Name                  string          `json:"name" db:"name"`
	MinDeposit            decimal.Decimal `json:"min_deposit" db:"min_deposit"`
	MaxDeposit            decimal.Decimal `json:"max_deposit" db:"max_deposit"`
	MaxAccounts           int             `json:"max_accounts" db:"max_accounts"`
	ProfitSharingCustomer decimal.Decimal `json:"profit_sharing_customer" db:"profit_sharing_customer"`
	ProfitSharingPlatform decimal.Decimal `json:"profit_sharing_platform" db:"profit_sharing_platform"`
	UpfrontFee            decimal.Decimal `json:"upfront_fee" db:"upfront_fee"`
	Visibility            string          `json:"visibility" db:"visibility"` // "PUBLIC" or "PRIVATE"
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// UserPlan links a user to their active plan. One per user.
type UserPlan struct {
	UserID    string    `json:"user_id" db:"user_id"`
	PlanID    string    `json:"plan_id" db:"plan_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wallet holds a user's balance. A user has at most one wallet whose
// ArchivedAt is nil.
type Wallet struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Balance    decimal.Decimal `json:"balance" db:"balance"` // signed
	ArchivedAt *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Active reports whether the wallet is not archived.
func (w *Wallet) Active() bool { return w.ArchivedAt == nil }

// TransactionType is the kind of ledger movement.
type TransactionType string

const (
	Deposit     TransactionType = "DEPOSIT"
	Withdrawal  TransactionType = "WITHDRAWAL"
	ProfitShare TransactionType = "PROFIT_SHARE"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case Deposit, Withdrawal, ProfitShare:
		return true
	}
	return false
}

// Delta returns the signed balance effect of a transaction of this type.
// Withdrawals debit; deposits and profit shares credit.
func (t TransactionType) Delta(amount decimal.Decimal) decimal.Decimal {
	if t == Withdrawal {
		return amount.Neg()
	}
	return amount
}

// TransactionStatus is the lifecycle state of a transaction.
//
//	PENDING → SUCCESS  (applies the balance delta once)
//	PENDING → REJECTED (no delta)
//
// SUCCESS and REJECTED are terminal.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusSuccess  TransactionStatus = "SUCCESS"
	StatusRejected TransactionStatus = "REJECTED"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusRejected
}

// Transaction is a ledger entry against a wallet. Amount is a non-negative
// magnitude; the sign of the balance effect comes from Type. Only Status
// changes after the row leaves PENDING.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	WalletID    string            `json:"wallet_id" db:"wallet_id"`
	Type        TransactionType   `json:"type" db:"type"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Status      TransactionStatus `json:"status" db:"status"`
	Description string            `json:"description" db:"description"`
	Reference   string            `json:"reference,omitempty" db:"reference"` // dedup key, unique when set
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Referral links an agent to a customer. A customer has at most one.
// AgentTotalEarnings only ever grows.
type Referral struct {
	ID                 string          `json:"id" db:"id"`
	AgentID            string          `json:"agent_id" db:"agent_id"`
	CustomerID         string          `json:"customer_id" db:"customer_id"`
	IsActive           bool            `json:"is_active" db:"is_active"`
	IsManualAssignment bool            `json:"is_manual_assignment" db:"is_manual_assignment"`
	AgentTotalEarnings decimal.Decimal `json:"agent_total_earnings" db:"agent_total_earnings"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// PnL is one profit-and-loss entry for a symbol on a date. DivineAlgoShare
// is the platform's aggregate retained cut across the linked users; it is
// computed, never taken from input.
type PnL struct {
	ID              string          `json:"id" db:"id"`
	Date            time.Time       `json:"date" db:"date"`
	Symbol          string          `json:"symbol" db:"symbol"`
	TotalPnL        decimal.Decimal `json:"total_pnl" db:"total_pnl"` // signed
	DivineAlgoShare decimal.Decimal `json:"divine_algo_share" db:"divine_algo_share"`
	UserIDs         []string        `json:"user_ids"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// UserPnL statuses.
const (
	LinkPending = "PENDING"
	LinkApplied = "APPLIED"
	LinkSkipped = "SKIPPED"
	LinkFailed  = "FAILED"
)

// UserPnL joins a PnL entry to an affected user and records how the
// distribution went for that user.
type UserPnL struct {
	PnLID         string          `json:"pnl_id" db:"pnl_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Status        string          `json:"status" db:"status"`
	CustomerShare decimal.Decimal `json:"customer_share" db:"customer_share"`
	PlatformShare decimal.Decimal `json:"platform_share" db:"platform_share"`
	AgentEarnings decimal.Decimal `json:"agent_earnings" db:"agent_earnings"`
	Retained      decimal.Decimal `json:"retained" db:"retained"`
	AgentPaid     bool            `json:"agent_paid" db:"agent_paid"`
	ReferralID    string          `json:"referral_id,omitempty" db:"referral_id"`
	Reason        string          `json:"reason,omitempty" db:"reason"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PnLTotals aggregates PnL entries matching a filter.
type PnLTotals struct {
	Count                int                        `json:"count"`
	TotalPnL             decimal.Decimal            `json:"total_pnl"`
	TotalDivineAlgoShare decimal.Decimal            `json:"total_divine_algo_share"`
	BySymbol             map[string]decimal.Decimal `json:"by_symbol"` // symbol → Σ totalPnL
}

// Reconciliation compares a wallet's stored balance with its ledger.
type Reconciliation struct {
	WalletID      string          `json:"wallet_id"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Drift         decimal.Decimal `json:"drift"` // balance - ledger
	Transactions  int             `json:"transactions"`
}
