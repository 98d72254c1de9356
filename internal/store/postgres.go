package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Balance changes never read-then-write: the wallet row is locked and the
// balance is adjusted in place (balance = balance + delta) inside the same
// database transaction as the ledger row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// inTx runs fn as one unit of work. Any error from fn rolls back; the
// deferred rollback is a no-op once the transaction has committed.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// classify turns a driver error into a store error: no rows becomes the
// given not-found sentinel, anything else is an availability failure.
func classify(op string, err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, notFound)
	}
	return unavailable(op, err)
}

func pgCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Users ---

const userCols = `id, unique_id, username, email, role, status, created_at`

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.UniqueID, &u.Username, &u.Email, &u.Role, &u.Status, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	u.ID = newID(u.ID)
	if u.Status == "" {
		u.Status = model.UserActive
	}
	if u.Role == "" {
		u.Role = model.RoleCustomer
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.UniqueID, u.Username, u.Email, u.Role, u.Status, u.CreatedAt)
	if code, _ := pgCode(err); code == uniqueViolation {
		return ErrUserExists
	}
	if err != nil {
		return unavailable("create user", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get user "+id, err, ErrUserNotFound)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Plans ---

const planCols = `id, name, min_deposit::TEXT, max_deposit::TEXT, max_accounts,
	profit_sharing_customer::TEXT, profit_sharing_platform::TEXT, upfront_fee::TEXT,
	visibility, created_at, updated_at`

func scanPlan(row rowScanner) (*model.Plan, error) {
	var p model.Plan
	var minDep, maxDep, customer, platform, fee string
	if err := row.Scan(&p.ID, &p.Name, &minDep, &maxDep, &p.MaxAccounts,
		&customer, &platform, &fee, &p.Visibility, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.MinDeposit = num(minDep)
	p.MaxDeposit = num(maxDep)
	p.ProfitSharingCustomer = num(customer)
	p.ProfitSharingPlatform = num(platform)
	p.UpfrontFee = num(fee)
	return &p, nil
}

func (s *PostgresStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	p.ID = newID(p.ID)
	if p.Visibility == "" {
		p.Visibility = "PUBLIC"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = p.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, min_deposit, max_deposit, max_accounts,
		                    profit_sharing_customer, profit_sharing_platform, upfront_fee,
		                    visibility, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		p.ID, p.Name, p.MinDeposit.String(), p.MaxDeposit.String(), p.MaxAccounts,
		p.ProfitSharingCustomer.String(), p.ProfitSharingPlatform.String(), p.UpfrontFee.String(),
		p.Visibility, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return unavailable("create plan", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get plan "+id, err, ErrPlanNotFound)
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planCols+` FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list plans", err)
	}
	defer rows.Close()

	plans := []model.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, unavailable("scan plan", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, p *model.Plan) error {
	p.UpdatedAt = now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans
		 SET name = $2, min_deposit = $3::NUMERIC, max_deposit = $4::NUMERIC, max_accounts = $5,
		     profit_sharing_customer = $6::NUMERIC, profit_sharing_platform = $7::NUMERIC,
		     upfront_fee = $8::NUMERIC, visibility = $9, updated_at = $10
		 WHERE id = $1`,
		p.ID, p.Name, p.MinDeposit.String(), p.MaxDeposit.String(), p.MaxAccounts,
		p.ProfitSharingCustomer.String(), p.ProfitSharingPlatform.String(), p.UpfrontFee.String(),
		p.Visibility, p.UpdatedAt)
	if err != nil {
		return unavailable("update plan", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s: %w", p.ID, ErrPlanNotFound)
	}
	return nil
}

func (s *PostgresStore) DeletePlan(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var inUse bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM user_plans WHERE plan_id = $1)`, id).Scan(&inUse); err != nil {
			return unavailable("check plan use", err)
		}
		if inUse {
			return ErrPlanInUse
		}
		tag, err := tx.Exec(ctx, `DELETE FROM plans WHERE id = $1`, id)
		if code, _ := pgCode(err); code == foreignKeyViolation {
			return ErrPlanInUse
		}
		if err != nil {
			return unavailable("delete plan", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("plan %s: %w", id, ErrPlanNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) SubscribeUser(ctx context.Context, userID, planID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_plans (user_id, plan_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET plan_id = EXCLUDED.plan_id, created_at = EXCLUDED.created_at`,
		userID, planID, now())
	if code, constraint := pgCode(err); code == foreignKeyViolation {
		if strings.Contains(constraint, "plan") {
			return fmt.Errorf("plan %s: %w", planID, ErrPlanNotFound)
		}
		return fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return unavailable("subscribe user", err)
	}
	return nil
}

func (s *PostgresStore) ActivePlanForUser(ctx context.Context, userID string) (*model.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx,
		`SELECT `+prefixCols("p", planCols)+`
		 FROM user_plans up JOIN plans p ON p.id = up.plan_id
		 WHERE up.user_id = $1`, userID))
	if err != nil {
		return nil, classify("plan for user "+userID, err, ErrPlanNotFound)
	}
	return p, nil
}

// prefixCols qualifies every column in a column list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// --- Ledger ---

const walletCols = `id, user_id, balance::TEXT, archived_at, created_at, updated_at`

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.UserID, &balance, &w.ArchivedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Balance = num(balance)
	return &w, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM users WHERE id = $1`, w.UserID).Scan(&status)
		if err != nil {
			return classify("wallet owner "+w.UserID, err, ErrUserNotFound)
		}
		if status != model.UserActive {
			return ErrInactiveUser
		}

		w.ID = newID(w.ID)
		w.ArchivedAt = nil
		w.CreatedAt = now()
		w.UpdatedAt = w.CreatedAt
		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (id, user_id, balance, created_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			w.ID, w.UserID, w.Balance.String(), w.CreatedAt, w.UpdatedAt)
		if code, _ := pgCode(err); code == uniqueViolation {
			return ErrWalletExists
		}
		if err != nil {
			return unavailable("create wallet", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get wallet "+id, err, ErrWalletNotFound)
	}
	return w, nil
}

func (s *PostgresStore) ActiveWalletForUser(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1 AND archived_at IS NULL`, userID))
	if err != nil {
		return nil, classify("wallet for user "+userID, err, ErrWalletNotFound)
	}
	return w, nil
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+walletCols+` FROM wallets ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list wallets", err)
	}
	defer rows.Close()

	wallets := []model.Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, unavailable("scan wallet", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (s *PostgresStore) ArchiveWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`UPDATE wallets SET archived_at = COALESCE(archived_at, $2), updated_at = $2
		 WHERE id = $1 RETURNING `+walletCols, id, now()))
	if err != nil {
		return nil, classify("archive wallet "+id, err, ErrWalletNotFound)
	}
	return w, nil
}

func (s *PostgresStore) UnarchiveWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`UPDATE wallets SET archived_at = NULL, updated_at = $2
		 WHERE id = $1 RETURNING `+walletCols, id, now()))
	if code, _ := pgCode(err); code == uniqueViolation {
		return nil, ErrWalletExists
	}
	if err != nil {
		return nil, classify("unarchive wallet "+id, err, ErrWalletNotFound)
	}
	return w, nil
}

const txCols = `id, wallet_id, type, amount::TEXT, status, description, reference, created_at, updated_at`

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var typ, status, amount string
	if err := row.Scan(&t.ID, &t.WalletID, &typ, &amount, &status,
		&t.Description, &t.Reference, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.Status = model.TransactionStatus(status)
	t.Amount = num(amount)
	return &t, nil
}

func (s *PostgresStore) transactionByReference(ctx context.Context, q querier, ref string) (*model.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, `SELECT `+txCols+` FROM transactions WHERE reference = $1`, ref))
	if err != nil {
		return nil, classify("transaction by reference "+ref, err, ErrTransactionNotFound)
	}
	return t, nil
}

// applyDelta adjusts a wallet balance in place. The caller holds the
// enclosing database transaction.
func applyDelta(ctx context.Context, tx pgx.Tx, walletID string, delta decimal.Decimal, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance + $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		walletID, delta.String(), at)
	if err != nil {
		return unavailable("apply balance delta", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("wallet %s: %w", walletID, ErrWalletNotFound)
	}
	return nil
}

func (s *PostgresStore) PostTransaction(ctx context.Context, p PostTransactionParams) (*model.Transaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var posted *model.Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if p.Reference != "" {
			existing, err := s.transactionByReference(ctx, tx, p.Reference)
			if err == nil {
				posted = existing
				return ErrDuplicateReference
			}
			if !errors.Is(err, ErrTransactionNotFound) {
				return err
			}
		}

		// Lock the wallet row for the lifetime of this unit of work.
		var archivedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT archived_at FROM wallets WHERE id = $1 FOR UPDATE`, p.WalletID).Scan(&archivedAt)
		if err != nil {
			return classify("lock wallet "+p.WalletID, err, ErrWalletNotFound)
		}
		if archivedAt != nil {
			return fmt.Errorf("wallet %s is archived: %w", p.WalletID, ErrWalletNotFound)
		}

		t := now()
		row := &model.Transaction{
			ID:          newID(""),
			WalletID:    p.WalletID,
			Type:        p.Type,
			Amount:      p.Amount,
			Status:      p.Status,
			Description: p.Description,
			Reference:   p.Reference,
			CreatedAt:   t,
			UpdatedAt:   t,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, wallet_id, type, amount, status, description, reference, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
			row.ID, row.WalletID, string(row.Type), row.Amount.String(), string(row.Status),
			row.Description, row.Reference, row.CreatedAt, row.UpdatedAt)
		if code, _ := pgCode(err); code == uniqueViolation {
			return ErrDuplicateReference
		}
		if err != nil {
			return unavailable("insert transaction", err)
		}

		if row.Status == model.StatusSuccess {
			if err := applyDelta(ctx, tx, row.WalletID, row.Type.Delta(row.Amount), t); err != nil {
				return err
			}
		}
		posted = row
		return nil
	})

	if errors.Is(err, ErrDuplicateReference) {
		if posted == nil {
			// Lost a race on the reference index; the winner has committed.
			existing, lookupErr := s.transactionByReference(ctx, s.pool, p.Reference)
			if lookupErr != nil {
				return nil, lookupErr
			}
			posted = existing
		}
		return posted, ErrDuplicateReference
	}
	if err != nil {
		return nil, err
	}
	return posted, nil
}

func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) (*model.Transaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}

	var updated *model.Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanTransaction(tx.QueryRow(ctx,
			`SELECT `+txCols+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return classify("lock transaction "+id, err, ErrTransactionNotFound)
		}

		next, apply, err := transition(current.Status, status)
		if err != nil {
			return err
		}
		if next == current.Status {
			updated = current
			return nil
		}

		t := now()
		if apply {
			if err := applyDelta(ctx, tx, current.WalletID, current.Type.Delta(current.Amount), t); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'PENDING'`,
			id, string(next), t)
		if err != nil {
			return unavailable("update transaction status", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: transaction %s is no longer pending", ErrInvalidTransition, id)
		}
		current.Status = next
		current.UpdatedAt = t
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+txCols+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get transaction "+id, err, ErrTransactionNotFound)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, walletID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txCols+` FROM transactions WHERE wallet_id = $1 ORDER BY seq`, walletID)
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, unavailable("scan transaction", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) TotalWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0)::TEXT FROM wallets WHERE archived_at IS NULL`).Scan(&total)
	if err != nil {
		return decimal.Zero, unavailable("total wallet balance", err)
	}
	return num(total), nil
}

func (s *PostgresStore) ReconcileWallet(ctx context.Context, walletID string) (*model.Reconciliation, error) {
	var balance, ledger string
	rec := &model.Reconciliation{WalletID: walletID}
	err := s.pool.QueryRow(ctx,
		`SELECT w.balance::TEXT,
		        COALESCE(SUM(CASE WHEN t.type = 'WITHDRAWAL' THEN -t.amount ELSE t.amount END), 0)::TEXT,
		        COUNT(t.id)
		 FROM wallets w
		 LEFT JOIN transactions t ON t.wallet_id = w.id AND t.status = 'SUCCESS'
		 WHERE w.id = $1
		 GROUP BY w.balance`, walletID).Scan(&balance, &ledger, &rec.Transactions)
	if err != nil {
		return nil, classify("reconcile wallet "+walletID, err, ErrWalletNotFound)
	}
	rec.Balance = num(balance)
	rec.LedgerBalance = num(ledger)
	rec.Drift = rec.Balance.Sub(rec.LedgerBalance)
	return rec, nil
}

// --- Referrals ---

const referralCols = `id, agent_id, customer_id, is_active, is_manual_assignment,
	agent_total_earnings::TEXT, created_at, updated_at`

func scanReferral(row rowScanner) (*model.Referral, error) {
	var r model.Referral
	var earnings string
	if err := row.Scan(&r.ID, &r.AgentID, &r.CustomerID, &r.IsActive, &r.IsManualAssignment,
		&earnings, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.AgentTotalEarnings = num(earnings)
	return &r, nil
}

func (s *PostgresStore) CreateReferral(ctx context.Context, r *model.Referral) error {
	r.ID = newID(r.ID)
	r.AgentTotalEarnings = decimal.Zero
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO referrals (id, agent_id, customer_id, is_active, is_manual_assignment,
		                        agent_total_earnings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		r.ID, r.AgentID, r.CustomerID, r.IsActive, r.IsManualAssignment, r.CreatedAt, r.UpdatedAt)
	switch code, constraint := pgCode(err); code {
	case "":
	case uniqueViolation:
		return ErrAlreadyReferred
	case foreignKeyViolation:
		if strings.Contains(constraint, "agent") {
			return fmt.Errorf("agent %s: %w", r.AgentID, ErrUserNotFound)
		}
		return fmt.Errorf("customer %s: %w", r.CustomerID, ErrUserNotFound)
	}
	if err != nil {
		return unavailable("create referral", err)
	}
	return nil
}

func (s *PostgresStore) GetReferral(ctx context.Context, id string) (*model.Referral, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx, `SELECT `+referralCols+` FROM referrals WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get referral "+id, err, ErrReferralNotFound)
	}
	return r, nil
}

func (s *PostgresStore) SetReferralActive(ctx context.Context, id string, active bool) (*model.Referral, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`UPDATE referrals SET is_active = $2, updated_at = $3 WHERE id = $1 RETURNING `+referralCols,
		id, active, now()))
	if err != nil {
		return nil, classify("set referral active "+id, err, ErrReferralNotFound)
	}
	return r, nil
}

func (s *PostgresStore) ListReferrals(ctx context.Context) ([]model.Referral, error) {
	return s.queryReferrals(ctx, `SELECT `+referralCols+` FROM referrals ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListReferralsByAgent(ctx context.Context, agentID string) ([]model.Referral, error) {
	return s.queryReferrals(ctx,
		`SELECT `+referralCols+` FROM referrals WHERE agent_id = $1 ORDER BY created_at DESC`, agentID)
}

func (s *PostgresStore) queryReferrals(ctx context.Context, sql string, args ...any) ([]model.Referral, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("list referrals", err)
	}
	defer rows.Close()

	referrals := []model.Referral{}
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, unavailable("scan referral", err)
		}
		referrals = append(referrals, *r)
	}
	return referrals, rows.Err()
}

func (s *PostgresStore) FindReferralForCustomer(ctx context.Context, customerID string) (*model.Referral, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`SELECT `+referralCols+` FROM referrals WHERE customer_id = $1`, customerID))
	if err != nil {
		return nil, classify("referral for customer "+customerID, err, ErrReferralNotFound)
	}
	return r, nil
}

func (s *PostgresStore) IncrementAgentEarnings(ctx context.Context, referralID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE referrals
		 SET agent_total_earnings = agent_total_earnings + $2::NUMERIC, updated_at = $3
		 WHERE id = $1`,
		referralID, amount.String(), now())
	if err != nil {
		return unavailable("increment agent earnings", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral %s: %w", referralID, ErrReferralNotFound)
	}
	return nil
}

func (s *PostgresStore) CreditAgentEarnings(ctx context.Context, pnlID, userID, referralID string, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, ErrInvalidAmount
	}
	var claimed bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t := now()
		tag, err := tx.Exec(ctx,
			`UPDATE user_pnls SET agent_paid = TRUE, updated_at = $3
			 WHERE pnl_id = $1 AND user_id = $2 AND NOT agent_paid`,
			pnlID, userID, t)
		if err != nil {
			return unavailable("claim agent override", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM user_pnls WHERE pnl_id = $1 AND user_id = $2)`,
				pnlID, userID).Scan(&exists); err != nil {
				return unavailable("check user pnl", err)
			}
			if !exists {
				return fmt.Errorf("user %s on pnl %s: %w", userID, pnlID, ErrPnLNotFound)
			}
			return nil
		}

		tag, err = tx.Exec(ctx,
			`UPDATE referrals
			 SET agent_total_earnings = agent_total_earnings + $2::NUMERIC, updated_at = $3
			 WHERE id = $1`,
			referralID, amount.String(), t)
		if err != nil {
			return unavailable("credit agent earnings", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("referral %s: %w", referralID, ErrReferralNotFound)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *PostgresStore) AgentTotalEarnings(ctx context.Context, agentID string) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(agent_total_earnings), 0)::TEXT FROM referrals WHERE agent_id = $1`,
		agentID).Scan(&total)
	if err != nil {
		return decimal.Zero, unavailable("agent total earnings", err)
	}
	return num(total), nil
}

// --- PnL records ---

const pnlCols = `p.id, p.date, p.symbol, p.total_pnl::TEXT, p.divine_algo_share::TEXT,
	ARRAY(SELECT up.user_id FROM user_pnls up WHERE up.pnl_id = p.id ORDER BY up.position),
	p.created_at, p.updated_at`

func scanPnL(row rowScanner) (*model.PnL, error) {
	var p model.PnL
	var total, share string
	if err := row.Scan(&p.ID, &p.Date, &p.Symbol, &total, &share, &p.UserIDs,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.TotalPnL = num(total)
	p.DivineAlgoShare = num(share)
	return &p, nil
}

// where renders the filter as a SQL WHERE clause over the pnls alias p.
func (f PnLFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("EXISTS (SELECT 1 FROM user_pnls l WHERE l.pnl_id = p.id AND l.user_id = $%d)", f.UserID)
	}
	if f.Symbol != "" {
		add("p.symbol = $%d", f.Symbol)
	}
	if !f.From.IsZero() {
		add("p.date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("p.date <= $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func insertLinks(ctx context.Context, tx pgx.Tx, pnlID string, userIDs []string, at time.Time) error {
	for i, uid := range userIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO user_pnls (pnl_id, user_id, position, status, updated_at)
			 VALUES ($1, $2, $3, 'PENDING', $4)
			 ON CONFLICT (pnl_id, user_id) DO UPDATE SET position = EXCLUDED.position`,
			pnlID, uid, i, at)
		if code, _ := pgCode(err); code == foreignKeyViolation {
			return fmt.Errorf("user %s: %w", uid, ErrUserNotFound)
		}
		if err != nil {
			return unavailable("insert user pnl", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreatePnL(ctx context.Context, p *model.PnL) error {
	p.ID = newID(p.ID)
	p.UserIDs = distinctIDs(p.UserIDs)
	t := now()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO pnls (id, date, symbol, total_pnl, divine_algo_share, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $6)`,
			p.ID, p.Date, p.Symbol, p.TotalPnL.String(), p.DivineAlgoShare.String(), t)
		if err != nil {
			return unavailable("insert pnl", err)
		}
		if err := insertLinks(ctx, tx, p.ID, p.UserIDs, t); err != nil {
			return err
		}
		p.CreatedAt = t
		p.UpdatedAt = t
		return nil
	})
}

func (s *PostgresStore) GetPnL(ctx context.Context, id string) (*model.PnL, error) {
	p, err := scanPnL(s.pool.QueryRow(ctx, `SELECT `+pnlCols+` FROM pnls p WHERE p.id = $1`, id))
	if err != nil {
		return nil, classify("get pnl "+id, err, ErrPnLNotFound)
	}
	return p, nil
}

func (s *PostgresStore) ListPnLs(ctx context.Context, f PnLFilter) ([]model.PnL, error) {
	where, args := f.where()
	rows, err := s.pool.Query(ctx,
		`SELECT `+pnlCols+` FROM pnls p`+where+` ORDER BY p.date DESC, p.created_at DESC`, args...)
	if err != nil {
		return nil, unavailable("list pnls", err)
	}
	defer rows.Close()

	pnls := []model.PnL{}
	for rows.Next() {
		p, err := scanPnL(rows)
		if err != nil {
			return nil, unavailable("scan pnl", err)
		}
		pnls = append(pnls, *p)
	}
	return pnls, rows.Err()
}

func (s *PostgresStore) UpdatePnL(ctx context.Context, id string, patch PnLPatch) (*model.PnL, error) {
	var total *string
	if patch.TotalPnL != nil {
		v := patch.TotalPnL.String()
		total = &v
	}

	var updated *model.PnL
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t := now()
		tag, err := tx.Exec(ctx,
			`UPDATE pnls
			 SET date = COALESCE($2, date), symbol = COALESCE($3, symbol),
			     total_pnl = COALESCE($4::NUMERIC, total_pnl), updated_at = $5
			 WHERE id = $1`,
			id, patch.Date, patch.Symbol, total, t)
		if err != nil {
			return unavailable("update pnl", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
		}

		if patch.UserIDs != nil {
			ids := distinctIDs(patch.UserIDs)
			if _, err := tx.Exec(ctx,
				`DELETE FROM user_pnls WHERE pnl_id = $1 AND NOT (user_id = ANY($2))`,
				id, ids); err != nil {
				return unavailable("prune user pnls", err)
			}
			if err := insertLinks(ctx, tx, id, ids, t); err != nil {
				return err
			}
		}

		updated, err = scanPnL(tx.QueryRow(ctx, `SELECT `+pnlCols+` FROM pnls p WHERE p.id = $1`, id))
		if err != nil {
			return unavailable("reload pnl", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) DeletePnL(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pnls WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete pnl", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	return nil
}

const linkCols = `pnl_id, user_id, status, customer_share::TEXT, platform_share::TEXT,
	agent_earnings::TEXT, retained::TEXT, agent_paid, referral_id, reason, updated_at`

func (s *PostgresStore) UserPnLs(ctx context.Context, pnlID string) ([]model.UserPnL, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pnls WHERE id = $1)`, pnlID).Scan(&exists); err != nil {
		return nil, unavailable("check pnl", err)
	}
	if !exists {
		return nil, fmt.Errorf("pnl %s: %w", pnlID, ErrPnLNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+linkCols+` FROM user_pnls WHERE pnl_id = $1 ORDER BY position`, pnlID)
	if err != nil {
		return nil, unavailable("list user pnls", err)
	}
	defer rows.Close()

	links := []model.UserPnL{}
	for rows.Next() {
		var l model.UserPnL
		var customer, platform, agent, retained string
		if err := rows.Scan(&l.PnLID, &l.UserID, &l.Status, &customer, &platform,
			&agent, &retained, &l.AgentPaid, &l.ReferralID, &l.Reason, &l.UpdatedAt); err != nil {
			return nil, unavailable("scan user pnl", err)
		}
		l.CustomerShare = num(customer)
		l.PlatformShare = num(platform)
		l.AgentEarnings = num(agent)
		l.Retained = num(retained)
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *PostgresStore) UpdateUserPnL(ctx context.Context, l *model.UserPnL) error {
	l.UpdatedAt = now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_pnls
		 SET status = $3, customer_share = $4::NUMERIC, platform_share = $5::NUMERIC,
		     agent_earnings = $6::NUMERIC, retained = $7::NUMERIC,
		     agent_paid = user_pnls.agent_paid OR $8, referral_id = $9,
		     reason = $10, updated_at = $11
		 WHERE pnl_id = $1 AND user_id = $2`,
		l.PnLID, l.UserID, l.Status, l.CustomerShare.String(), l.PlatformShare.String(),
		l.AgentEarnings.String(), l.Retained.String(), l.AgentPaid, l.ReferralID, l.Reason, l.UpdatedAt)
	if err != nil {
		return unavailable("update user pnl", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s on pnl %s: %w", l.UserID, l.PnLID, ErrPnLNotFound)
	}
	return nil
}

func (s *PostgresStore) SetDivineAlgoShare(ctx context.Context, id string, share decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pnls SET divine_algo_share = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, share.String(), now())
	if err != nil {
		return unavailable("set divine algo share", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	return nil
}

func (s *PostgresStore) PnLTotals(ctx context.Context, f PnLFilter) (*model.PnLTotals, error) {
	where, args := f.where()
	rows, err := s.pool.Query(ctx,
		`SELECT p.symbol, COUNT(*), COALESCE(SUM(p.total_pnl), 0)::TEXT,
		        COALESCE(SUM(p.divine_algo_share), 0)::TEXT
		 FROM pnls p`+where+` GROUP BY p.symbol`, args...)
	if err != nil {
		return nil, unavailable("pnl totals", err)
	}
	defer rows.Close()

	totals := &model.PnLTotals{BySymbol: make(map[string]decimal.Decimal)}
	for rows.Next() {
		var symbol, total, share string
		var count int
		if err := rows.Scan(&symbol, &count, &total, &share); err != nil {
			return nil, unavailable("scan pnl totals", err)
		}
		totals.Count += count
		totals.TotalPnL = totals.TotalPnL.Add(num(total))
		totals.TotalDivineAlgoShare = totals.TotalDivineAlgoShare.Add(num(share))
		totals.BySymbol[symbol] = num(total)
	}
	return totals, rows.Err()
}

func (s *PostgresStore) TotalDivineAlgoShare(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(divine_algo_share), 0)::TEXT FROM pnls WHERE total_pnl > 0`).Scan(&total)
	if err != nil {
		return decimal.Zero, unavailable("total divine algo share", err)
	}
	return num(total), nil
}
