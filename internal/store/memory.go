package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single lock guards every map, so each exported method is one unit of
// work: validation happens before the first mutation and nothing is
// observable half-applied.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	plans     map[string]*model.Plan
	subs      map[string]model.UserPlan // user id → subscription
	wallets   map[string]*model.Wallet
	txs       map[string]*model.Transaction
	txOrder   []string
	refs      map[string]string // transaction reference → id
	referrals map[string]*model.Referral
	pnls      map[string]*model.PnL
	links     map[string]map[string]*model.UserPnL // pnl id → user id → link
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		plans:     make(map[string]*model.Plan),
		subs:      make(map[string]model.UserPlan),
		wallets:   make(map[string]*model.Wallet),
		txs:       make(map[string]*model.Transaction),
		refs:      make(map[string]string),
		referrals: make(map[string]*model.Referral),
		pnls:      make(map[string]*model.PnL),
		links:     make(map[string]map[string]*model.UserPnL),
	}
}

func now() time.Time { return time.Now().UTC() }

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.ID = newID(u.ID)
	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists
	}
	for _, existing := range s.users {
		if u.UniqueID != "" && existing.UniqueID == u.UniqueID {
			return ErrUserExists
		}
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

// --- Plans ---

func (s *MemoryStore) CreatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = p.CreatedAt
	copy := *p
	s.plans[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrPlanNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	return plans, nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.plans[p.ID]
	if !ok {
		return fmt.Errorf("plan %s: %w", p.ID, ErrPlanNotFound)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now()
	copy := *p
	s.plans[p.ID] = &copy
	return nil
}

func (s *MemoryStore) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("plan %s: %w", id, ErrPlanNotFound)
	}
	for _, sub := range s.subs {
		if sub.PlanID == id {
			return ErrPlanInUse
		}
	}
	delete(s.plans, id)
	return nil
}

func (s *MemoryStore) SubscribeUser(_ context.Context, userID, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if _, ok := s.plans[planID]; !ok {
		return fmt.Errorf("plan %s: %w", planID, ErrPlanNotFound)
	}
	s.subs[userID] = model.UserPlan{UserID: userID, PlanID: planID, CreatedAt: now()}
	return nil
}

func (s *MemoryStore) ActivePlanForUser(_ context.Context, userID string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, fmt.Errorf("plan for user %s: %w", userID, ErrPlanNotFound)
	}
	p, ok := s.plans[sub.PlanID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", sub.PlanID, ErrPlanNotFound)
	}
	copy := *p
	return &copy, nil
}

// --- Ledger ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[w.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", w.UserID, ErrUserNotFound)
	}
	if u.Status != model.UserActive {
		return ErrInactiveUser
	}
	if s.activeWalletLocked(w.UserID) != nil {
		return ErrWalletExists
	}

	w.ID = newID(w.ID)
	w.ArchivedAt = nil
	w.CreatedAt = now()
	w.UpdatedAt = w.CreatedAt
	copy := *w
	s.wallets[w.ID] = &copy
	return nil
}

func (s *MemoryStore) activeWalletLocked(userID string) *model.Wallet {
	for _, w := range s.wallets {
		if w.UserID == userID && w.Active() {
			return w
		}
	}
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrWalletNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ActiveWalletForUser(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.activeWalletLocked(userID)
	if w == nil {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrWalletNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ListWallets(_ context.Context) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallets := make([]model.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		wallets = append(wallets, *w)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].CreatedAt.After(wallets[j].CreatedAt) })
	return wallets, nil
}

func (s *MemoryStore) ArchiveWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrWalletNotFound)
	}
	if w.ArchivedAt == nil {
		t := now()
		w.ArchivedAt = &t
		w.UpdatedAt = t
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) UnarchiveWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrWalletNotFound)
	}
	if w.ArchivedAt != nil {
		if other := s.activeWalletLocked(w.UserID); other != nil {
			return nil, ErrWalletExists
		}
		w.ArchivedAt = nil
		w.UpdatedAt = now()
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) PostTransaction(_ context.Context, p PostTransactionParams) (*model.Transaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Reference != "" {
		if id, ok := s.refs[p.Reference]; ok {
			copy := *s.txs[id]
			return &copy, ErrDuplicateReference
		}
	}

	w, ok := s.wallets[p.WalletID]
	if !ok || !w.Active() {
		return nil, fmt.Errorf("wallet %s: %w", p.WalletID, ErrWalletNotFound)
	}

	t := now()
	tx := &model.Transaction{
		ID:          uuid.New().String(),
		WalletID:    p.WalletID,
		Type:        p.Type,
		Amount:      p.Amount,
		Status:      p.Status,
		Description: p.Description,
		Reference:   p.Reference,
		CreatedAt:   t,
		UpdatedAt:   t,
	}
	if tx.Status == model.StatusSuccess {
		w.Balance = w.Balance.Add(tx.Type.Delta(tx.Amount))
		w.UpdatedAt = t
	}

	s.txs[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	if tx.Reference != "" {
		s.refs[tx.Reference] = tx.ID
	}
	copy := *tx
	return &copy, nil
}

func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus) (*model.Transaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	next, apply, err := transition(tx.Status, status)
	if err != nil {
		return nil, err
	}
	if next == tx.Status {
		copy := *tx
		return &copy, nil
	}

	t := now()
	if apply {
		w, ok := s.wallets[tx.WalletID]
		if !ok {
			return nil, fmt.Errorf("wallet %s: %w", tx.WalletID, ErrWalletNotFound)
		}
		w.Balance = w.Balance.Add(tx.Type.Delta(tx.Amount))
		w.UpdatedAt = t
	}
	tx.Status = next
	tx.UpdatedAt = t
	copy := *tx
	return &copy, nil
}

// transition validates a status change and reports whether it applies the
// balance delta. Repeating the current status returns it unchanged.
func transition(from, to model.TransactionStatus) (model.TransactionStatus, bool, error) {
	if from == to {
		return from, false, nil
	}
	if from != model.StatusPending {
		return from, false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case model.StatusSuccess:
		return to, true, nil
	case model.StatusRejected:
		return to, false, nil
	}
	return from, false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}
	copy := *tx
	return &copy, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, walletID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, id := range s.txOrder {
		if tx := s.txs[id]; tx.WalletID == walletID {
			result = append(result, *tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) TotalWalletBalance(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, w := range s.wallets {
		if w.Active() {
			total = total.Add(w.Balance)
		}
	}
	return total, nil
}

func (s *MemoryStore) ReconcileWallet(_ context.Context, walletID string) (*model.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", walletID, ErrWalletNotFound)
	}
	rec := &model.Reconciliation{WalletID: walletID, Balance: w.Balance}
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.WalletID != walletID || tx.Status != model.StatusSuccess {
			continue
		}
		rec.LedgerBalance = rec.LedgerBalance.Add(tx.Type.Delta(tx.Amount))
		rec.Transactions++
	}
	rec.Drift = rec.Balance.Sub(rec.LedgerBalance)
	return rec, nil
}

// --- Referrals ---

func (s *MemoryStore) CreateReferral(_ context.Context, r *model.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[r.AgentID]; !ok {
		return fmt.Errorf("agent %s: %w", r.AgentID, ErrUserNotFound)
	}
	if _, ok := s.users[r.CustomerID]; !ok {
		return fmt.Errorf("customer %s: %w", r.CustomerID, ErrUserNotFound)
	}
	for _, existing := range s.referrals {
		if existing.CustomerID == r.CustomerID {
			return ErrAlreadyReferred
		}
	}

	r.ID = newID(r.ID)
	r.AgentTotalEarnings = decimal.Zero
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt
	copy := *r
	s.referrals[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetReferral(_ context.Context, id string) (*model.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", id, ErrReferralNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) SetReferralActive(_ context.Context, id string, active bool) (*model.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", id, ErrReferralNotFound)
	}
	r.IsActive = active
	r.UpdatedAt = now()
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListReferrals(_ context.Context) ([]model.Referral, error) {
	return s.filterReferrals(func(*model.Referral) bool { return true }), nil
}

func (s *MemoryStore) ListReferralsByAgent(_ context.Context, agentID string) ([]model.Referral, error) {
	return s.filterReferrals(func(r *model.Referral) bool { return r.AgentID == agentID }), nil
}

func (s *MemoryStore) filterReferrals(keep func(*model.Referral) bool) []model.Referral {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Referral{}
	for _, r := range s.referrals {
		if keep(r) {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

func (s *MemoryStore) FindReferralForCustomer(_ context.Context, customerID string) (*model.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.referrals {
		if r.CustomerID == customerID {
			copy := *r
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("referral for customer %s: %w", customerID, ErrReferralNotFound)
}

func (s *MemoryStore) IncrementAgentEarnings(_ context.Context, referralID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[referralID]
	if !ok {
		return fmt.Errorf("referral %s: %w", referralID, ErrReferralNotFound)
	}
	r.AgentTotalEarnings = r.AgentTotalEarnings.Add(amount)
	r.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) CreditAgentEarnings(_ context.Context, pnlID, userID, referralID string, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[pnlID][userID]
	if !ok {
		return false, fmt.Errorf("user %s on pnl %s: %w", userID, pnlID, ErrPnLNotFound)
	}
	if l.AgentPaid {
		return false, nil
	}
	r, ok := s.referrals[referralID]
	if !ok {
		return false, fmt.Errorf("referral %s: %w", referralID, ErrReferralNotFound)
	}
	t := now()
	r.AgentTotalEarnings = r.AgentTotalEarnings.Add(amount)
	r.UpdatedAt = t
	l.AgentPaid = true
	l.UpdatedAt = t
	return true, nil
}

func (s *MemoryStore) AgentTotalEarnings(_ context.Context, agentID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, r := range s.referrals {
		if r.AgentID == agentID {
			total = total.Add(r.AgentTotalEarnings)
		}
	}
	return total, nil
}

// --- PnL records ---

func (s *MemoryStore) CreatePnL(_ context.Context, p *model.PnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = newID(p.ID)
	p.UserIDs = distinctIDs(p.UserIDs)
	if _, ok := s.pnls[p.ID]; ok {
		return fmt.Errorf("pnl %s already exists", p.ID)
	}
	for _, uid := range p.UserIDs {
		if _, ok := s.users[uid]; !ok {
			return fmt.Errorf("user %s: %w", uid, ErrUserNotFound)
		}
	}

	t := now()
	p.CreatedAt = t
	p.UpdatedAt = t
	s.pnls[p.ID] = clonePnL(p)
	links := make(map[string]*model.UserPnL, len(p.UserIDs))
	for _, uid := range p.UserIDs {
		links[uid] = pendingLink(p.ID, uid, t)
	}
	s.links[p.ID] = links
	return nil
}

func pendingLink(pnlID, userID string, t time.Time) *model.UserPnL {
	return &model.UserPnL{PnLID: pnlID, UserID: userID, Status: model.LinkPending, UpdatedAt: t}
}

func clonePnL(p *model.PnL) *model.PnL {
	copy := *p
	copy.UserIDs = append([]string(nil), p.UserIDs...)
	return &copy
}

func (s *MemoryStore) GetPnL(_ context.Context, id string) (*model.PnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pnls[id]
	if !ok {
		return nil, fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	return clonePnL(p), nil
}

func (s *MemoryStore) ListPnLs(_ context.Context, f PnLFilter) ([]model.PnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.PnL{}
	for _, p := range s.pnls {
		if f.match(p) {
			result = append(result, *clonePnL(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date.Equal(result[j].Date) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Date.After(result[j].Date)
	})
	return result, nil
}

func (s *MemoryStore) UpdatePnL(_ context.Context, id string, patch PnLPatch) (*model.PnL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pnls[id]
	if !ok {
		return nil, fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	for _, uid := range patch.UserIDs {
		if _, ok := s.users[uid]; !ok {
			return nil, fmt.Errorf("user %s: %w", uid, ErrUserNotFound)
		}
	}

	t := now()
	if patch.Date != nil {
		p.Date = *patch.Date
	}
	if patch.Symbol != nil {
		p.Symbol = *patch.Symbol
	}
	if patch.TotalPnL != nil {
		p.TotalPnL = *patch.TotalPnL
	}
	if patch.UserIDs != nil {
		ids := distinctIDs(patch.UserIDs)
		old := s.links[id]
		links := make(map[string]*model.UserPnL, len(ids))
		for _, uid := range ids {
			if l, ok := old[uid]; ok {
				links[uid] = l
			} else {
				links[uid] = pendingLink(id, uid, t)
			}
		}
		s.links[id] = links
		p.UserIDs = ids
	}
	p.UpdatedAt = t
	return clonePnL(p), nil
}

func (s *MemoryStore) DeletePnL(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pnls[id]; !ok {
		return fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	delete(s.pnls, id)
	delete(s.links, id)
	return nil
}

func (s *MemoryStore) UserPnLs(_ context.Context, pnlID string) ([]model.UserPnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pnls[pnlID]
	if !ok {
		return nil, fmt.Errorf("pnl %s: %w", pnlID, ErrPnLNotFound)
	}
	links := s.links[pnlID]
	result := make([]model.UserPnL, 0, len(links))
	for _, uid := range p.UserIDs {
		if l, ok := links[uid]; ok {
			result = append(result, *l)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateUserPnL(_ context.Context, link *model.UserPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, ok := s.links[link.PnLID]
	if !ok {
		return fmt.Errorf("pnl %s: %w", link.PnLID, ErrPnLNotFound)
	}
	prev, ok := links[link.UserID]
	if !ok {
		return fmt.Errorf("user %s on pnl %s: %w", link.UserID, link.PnLID, ErrUserNotFound)
	}
	copy := *link
	copy.AgentPaid = copy.AgentPaid || prev.AgentPaid
	copy.UpdatedAt = now()
	links[link.UserID] = &copy
	return nil
}

func (s *MemoryStore) SetDivineAlgoShare(_ context.Context, id string, share decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pnls[id]
	if !ok {
		return fmt.Errorf("pnl %s: %w", id, ErrPnLNotFound)
	}
	p.DivineAlgoShare = share
	p.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) PnLTotals(_ context.Context, f PnLFilter) (*model.PnLTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &model.PnLTotals{BySymbol: make(map[string]decimal.Decimal)}
	for _, p := range s.pnls {
		if !f.match(p) {
			continue
		}
		totals.Count++
		totals.TotalPnL = totals.TotalPnL.Add(p.TotalPnL)
		totals.TotalDivineAlgoShare = totals.TotalDivineAlgoShare.Add(p.DivineAlgoShare)
		totals.BySymbol[p.Symbol] = totals.BySymbol[p.Symbol].Add(p.TotalPnL)
	}
	return totals, nil
}

func (s *MemoryStore) TotalDivineAlgoShare(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, p := range s.pnls {
		if p.TotalPnL.IsPositive() {
			total = total.Add(p.DivineAlgoShare)
		}
	}
	return total, nil
}
