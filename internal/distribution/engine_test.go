package distribution_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divinealgo/backoffice/internal/distribution"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "expected %v, got %s %v", want, got, fmt.Sprint(msgAndArgs...))
}

var day = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

type env struct {
	ctx      context.Context
	st       *store.MemoryStore
	eng      *distribution.Engine
	notified *recorder
}

type recorder struct {
	mu      sync.Mutex
	results []*distribution.Result
}

func (r *recorder) PnLDistributed(_ context.Context, res *distribution.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	e := &env{ctx: context.Background(), st: st, notified: &recorder{}}
	e.eng = e.engine(t, st)
	return e
}

func (e *env) engine(t *testing.T, ledger distribution.Ledger) *distribution.Engine {
	t.Helper()
	return e.engineWith(t, ledger, e.st)
}

func (e *env) engineWith(t *testing.T, ledger distribution.Ledger, referrals distribution.Referrals) *distribution.Engine {
	t.Helper()
	eng, err := distribution.NewEngine(distribution.Deps{
		Users:     e.st,
		Plans:     e.st,
		Ledger:    ledger,
		Referrals: referrals,
		PnLs:      e.st,
		Notifier:  e.notified,
	}, distribution.Config{Concurrency: 4})
	require.NoError(t, err)
	return eng
}

func (e *env) user(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.st.CreateUser(e.ctx, &model.User{ID: id, UniqueID: "U-" + id, Username: id}))
}

func (e *env) plan(t *testing.T, customer, platform float64) *model.Plan {
	t.Helper()
	p := &model.Plan{
		Name:                  fmt.Sprintf("%v/%v", customer, platform),
		ProfitSharingCustomer: d(customer),
		ProfitSharingPlatform: d(platform),
	}
	require.NoError(t, e.st.CreatePlan(e.ctx, p))
	return p
}

// customer creates a user on plan with a funded wallet.
func (e *env) customer(t *testing.T, id string, plan *model.Plan, balance float64) *model.Wallet {
	t.Helper()
	e.user(t, id)
	require.NoError(t, e.st.SubscribeUser(e.ctx, id, plan.ID))
	return e.wallet(t, id, balance)
}

func (e *env) wallet(t *testing.T, userID string, balance float64) *model.Wallet {
	t.Helper()
	w := &model.Wallet{UserID: userID}
	require.NoError(t, e.st.CreateWallet(e.ctx, w))
	if balance > 0 {
		_, err := e.st.PostTransaction(e.ctx, store.PostTransactionParams{
			WalletID: w.ID, Type: model.Deposit, Amount: d(balance), Status: model.StatusSuccess,
		})
		require.NoError(t, err)
	}
	return w
}

func (e *env) refer(t *testing.T, agentID, customerID string, active bool) *model.Referral {
	t.Helper()
	r := &model.Referral{AgentID: agentID, CustomerID: customerID, IsActive: active}
	require.NoError(t, e.st.CreateReferral(e.ctx, r))
	return r
}

func (e *env) balance(t *testing.T, walletID string) decimal.Decimal {
	t.Helper()
	w, err := e.st.GetWallet(e.ctx, walletID)
	require.NoError(t, err)
	return w.Balance
}

func (e *env) distribute(t *testing.T, total float64, userIDs ...string) *distribution.Result {
	t.Helper()
	res, err := e.eng.Distribute(e.ctx, distribution.Input{Date: day, Symbol: "EURUSD", TotalPnL: d(total)}, userIDs)
	require.NoError(t, err)
	return res
}

func link(t *testing.T, res *distribution.Result, userID string) model.UserPnL {
	t.Helper()
	for _, l := range res.Users {
		if l.UserID == userID {
			return l
		}
	}
	t.Fatalf("no link for user %s", userID)
	return model.UserPnL{}
}

// --- Distribution scenarios ---

func TestDistribute_NoReferral(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w := e.customer(t, "alice", plan, 1000)

	res := e.distribute(t, 1000, "alice")

	l := link(t, res, "alice")
	assert.Equal(t, model.LinkApplied, l.Status)
	assertDec(t, 700, l.CustomerShare)
	assertDec(t, 300, l.PlatformShare)
	assertDec(t, 0, l.AgentEarnings)
	assertDec(t, 300, res.DivineAlgoShare)
	assert.Empty(t, res.Diagnostics)

	// The platform's cut is withdrawn; the customer's share is not deposited.
	assertDec(t, 700, e.balance(t, w.ID))
	txs, err := e.st.ListTransactions(e.ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.Withdrawal, txs[1].Type)
	assertDec(t, 300, txs[1].Amount)

	stored, err := e.st.GetPnL(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 300, stored.DivineAlgoShare)
	assert.Equal(t, "EURUSD", stored.Symbol)
}

func TestDistribute_ActiveReferral(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "alice", true)

	res := e.distribute(t, 1000, "alice")

	l := link(t, res, "alice")
	assertDec(t, 90, l.AgentEarnings)
	assertDec(t, 210, l.Retained)
	assert.True(t, l.AgentPaid)
	assertDec(t, 210, res.DivineAlgoShare)
	assertDec(t, 90, e.balance(t, agentWallet.ID))

	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings)
}

func TestDistribute_InactiveReferralPaysNoOverride(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "alice", false)

	res := e.distribute(t, 1000, "alice")

	assertDec(t, 300, res.DivineAlgoShare)
	assertDec(t, 0, e.balance(t, agentWallet.ID))
	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 0, got.AgentTotalEarnings)
}

func TestDistribute_MissingAgentWalletStillCountsEarnings(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	ref := e.refer(t, "agent", "alice", true)

	res := e.distribute(t, 1000, "alice")

	assertDec(t, 210, res.DivineAlgoShare)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, distribution.StepAgentWallet, res.Diagnostics[0].Step)
	assert.Equal(t, distribution.KindNotFound, res.Diagnostics[0].Kind)

	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings)
	assert.True(t, link(t, res, "alice").AgentPaid)
}

func TestDistribute_MissingWalletIsSkipped(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w1 := e.customer(t, "u1", plan, 1000)
	w2 := e.customer(t, "u2", plan, 1000)
	e.user(t, "u3")
	require.NoError(t, e.st.SubscribeUser(e.ctx, "u3", plan.ID))

	res := e.distribute(t, 1000, "u1", "u2", "u3")

	assert.Equal(t, model.LinkSkipped, link(t, res, "u3").Status)
	assert.Equal(t, distribution.ReasonNoWallet, link(t, res, "u3").Reason)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "u3", res.Diagnostics[0].UserID)
	assert.Equal(t, distribution.KindNotFound, res.Diagnostics[0].Kind)
	assert.True(t, res.Diagnostics[0].Retryable)

	assertDec(t, 700, e.balance(t, w1.ID))
	assertDec(t, 700, e.balance(t, w2.ID))
	assertDec(t, 600, res.DivineAlgoShare)
	assert.Equal(t, []string{"u1", "u2", "u3"}, res.PnL.UserIDs)
}

func TestDistribute_NoPlanRecordsLinkOnly(t *testing.T) {
	e := newEnv(t)
	e.user(t, "bob")
	w := e.wallet(t, "bob", 500)

	res := e.distribute(t, 1000, "bob")

	l := link(t, res, "bob")
	assert.Equal(t, model.LinkSkipped, l.Status)
	assertDec(t, 0, l.PlatformShare)
	assertDec(t, 0, res.DivineAlgoShare)
	assertDec(t, 500, e.balance(t, w.ID))
}

func TestDistribute_LossReturnsPlatformCut(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w := e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	e.refer(t, "agent", "alice", true)

	res := e.distribute(t, -1000, "alice")

	l := link(t, res, "alice")
	assertDec(t, -300, l.PlatformShare)
	assertDec(t, 0, l.AgentEarnings)
	assertDec(t, -300, res.DivineAlgoShare)
	assertDec(t, 1300, e.balance(t, w.ID))
	assertDec(t, 0, e.balance(t, agentWallet.ID))
}

func TestDistribute_SharedAgentAcrossBatch(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)

	var ids []string
	var refs []*model.Referral
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("c%02d", i)
		e.customer(t, id, plan, 1000)
		refs = append(refs, e.refer(t, "agent", id, true))
		ids = append(ids, id)
	}

	res := e.distribute(t, 100, ids...)

	// 20 × (100 × 30% × 70%)
	assertDec(t, 420, res.DivineAlgoShare)
	assertDec(t, 180, e.balance(t, agentWallet.ID))
	total, err := e.st.AgentTotalEarnings(e.ctx, "agent")
	require.NoError(t, err)
	assertDec(t, 180, total)
	assert.Len(t, refs, 20)
}

func TestDistribute_DuplicateIDsCollapse(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w := e.customer(t, "alice", plan, 1000)

	res := e.distribute(t, 1000, "alice", "alice")

	assert.Len(t, res.Users, 1)
	assertDec(t, 700, e.balance(t, w.ID))
}

func TestDistribute_NotifiesOnCompletion(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)

	res := e.distribute(t, 1000, "alice")

	require.Len(t, e.notified.results, 1)
	assert.Equal(t, res.PnL.ID, e.notified.results[0].PnL.ID)
}

// --- Rejections before any write ---

func TestDistribute_Validation(t *testing.T) {
	e := newEnv(t)
	e.user(t, "alice")

	tests := []struct {
		name string
		in   distribution.Input
		ids  []string
	}{
		{"no users", distribution.Input{Date: day, Symbol: "EURUSD"}, nil},
		{"blank user", distribution.Input{Date: day, Symbol: "EURUSD"}, []string{" "}},
		{"bad symbol", distribution.Input{Date: day, Symbol: "EUR USD"}, []string{"alice"}},
		{"no date", distribution.Input{Symbol: "EURUSD"}, []string{"alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.eng.Distribute(e.ctx, tt.in, tt.ids)
			assert.ErrorIs(t, err, distribution.ErrValidation)
		})
	}
	assertNoPnLs(t, e)
}

func TestDistribute_UnknownUser(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w := e.customer(t, "alice", plan, 1000)

	_, err := e.eng.Distribute(e.ctx, distribution.Input{Date: day, Symbol: "EURUSD", TotalPnL: d(1000)},
		[]string{"alice", "ghost"})

	assert.ErrorIs(t, err, distribution.ErrUserNotFound)
	assertDec(t, 1000, e.balance(t, w.ID))
	assertNoPnLs(t, e)
}

func TestDistribute_InvalidShare(t *testing.T) {
	e := newEnv(t)
	good := e.plan(t, 70, 30)
	bad := e.plan(t, -10, 110)
	w := e.customer(t, "alice", good, 1000)
	e.customer(t, "bob", bad, 1000)

	_, err := e.eng.Distribute(e.ctx, distribution.Input{Date: day, Symbol: "EURUSD", TotalPnL: d(1000)},
		[]string{"alice", "bob"})

	assert.ErrorIs(t, err, distribution.ErrInvalidShare)
	assertDec(t, 1000, e.balance(t, w.ID))
	assertNoPnLs(t, e)
}

func assertNoPnLs(t *testing.T, e *env) {
	t.Helper()
	pnls, err := e.st.ListPnLs(e.ctx, store.PnLFilter{})
	require.NoError(t, err)
	assert.Empty(t, pnls)
}

// --- Fault isolation and retry ---

// flakyLedger fails every post against one wallet.
type flakyLedger struct {
	distribution.Ledger
	mu         sync.Mutex
	failWallet string
}

func (l *flakyLedger) PostTransaction(ctx context.Context, p store.PostTransactionParams) (*model.Transaction, error) {
	l.mu.Lock()
	fail := p.WalletID == l.failWallet
	l.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("post transaction: %w", store.ErrUnavailable)
	}
	return l.Ledger.PostTransaction(ctx, p)
}

func (l *flakyLedger) heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWallet = ""
}

func TestDistribute_StoreFailureIsolatedThenRetried(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w1 := e.customer(t, "u1", plan, 1000)
	w2 := e.customer(t, "u2", plan, 1000)
	ledger := &flakyLedger{Ledger: e.st, failWallet: w2.ID}
	e.eng = e.engine(t, ledger)

	res := e.distribute(t, 1000, "u1", "u2")

	assert.Equal(t, model.LinkApplied, link(t, res, "u1").Status)
	assert.Equal(t, model.LinkFailed, link(t, res, "u2").Status)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, distribution.KindStoreUnavailable, res.Diagnostics[0].Kind)
	assert.True(t, res.Diagnostics[0].Retryable)
	assertDec(t, 300, res.DivineAlgoShare)
	assertDec(t, 1000, e.balance(t, w2.ID))

	ledger.heal()
	res, err := e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)

	assert.Equal(t, model.LinkApplied, link(t, res, "u2").Status)
	assertDec(t, 600, res.DivineAlgoShare)
	assertDec(t, 700, e.balance(t, w1.ID))
	assertDec(t, 700, e.balance(t, w2.ID))
}

func TestRetry_WalletCreatedLater(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.user(t, "alice")
	require.NoError(t, e.st.SubscribeUser(e.ctx, "alice", plan.ID))
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	e.refer(t, "agent", "alice", true)

	res := e.distribute(t, 1000, "alice")
	assertDec(t, 0, res.DivineAlgoShare)

	w := e.wallet(t, "alice", 1000)
	res, err := e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 210, res.DivineAlgoShare)
	assertDec(t, 700, e.balance(t, w.ID))
	assertDec(t, 90, e.balance(t, agentWallet.ID))

	// Nothing left to do: a second retry moves no money.
	res, err = e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 210, res.DivineAlgoShare)
	assertDec(t, 700, e.balance(t, w.ID))
	assertDec(t, 90, e.balance(t, agentWallet.ID))
	total, err := e.st.AgentTotalEarnings(e.ctx, "agent")
	require.NoError(t, err)
	assertDec(t, 90, total)
}

func TestRecompute_AfterTotalChange(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	w := e.customer(t, "alice", plan, 1000)

	res := e.distribute(t, 1000, "alice")
	total := d(2000)
	_, err := e.st.UpdatePnL(e.ctx, res.PnL.ID, store.PnLPatch{TotalPnL: &total})
	require.NoError(t, err)

	res, err = e.eng.Recompute(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 600, res.DivineAlgoShare)
	assertDec(t, 600, link(t, res, "alice").PlatformShare)
	// Money already moved stays put.
	assertDec(t, 700, e.balance(t, w.ID))

	stored, err := e.st.GetPnL(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 600, stored.DivineAlgoShare)
}

func TestRetry_AddedUserIsDistributed(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	w := e.customer(t, "bob", plan, 1000)

	res := e.distribute(t, 1000, "alice")
	_, err := e.st.UpdatePnL(e.ctx, res.PnL.ID, store.PnLPatch{UserIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	res, err = e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assertDec(t, 600, res.DivineAlgoShare)
	assertDec(t, 700, e.balance(t, w.ID))
}

func TestRetry_RepeatedUserIDsProcessedOnce(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	bob := e.customer(t, "bob", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	e.refer(t, "agent", "bob", true)

	res := e.distribute(t, 1000, "alice")
	_, err := e.st.UpdatePnL(e.ctx, res.PnL.ID, store.PnLPatch{UserIDs: []string{"alice", "bob", "bob"}})
	require.NoError(t, err)

	res, err = e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	require.Len(t, res.Users, 2)
	assertDec(t, 510, res.DivineAlgoShare)
	assertDec(t, 700, e.balance(t, bob.ID))
	assertDec(t, 90, e.balance(t, agentWallet.ID))
	total, err := e.st.AgentTotalEarnings(e.ctx, "agent")
	require.NoError(t, err)
	assertDec(t, 90, total)
}

// slowLedger stretches every run so concurrent ones overlap.
type slowLedger struct {
	distribution.Ledger
	delay time.Duration
}

func (l slowLedger) ActiveWalletForUser(ctx context.Context, userID string) (*model.Wallet, error) {
	time.Sleep(l.delay)
	return l.Ledger.ActiveWalletForUser(ctx, userID)
}

func TestRetry_ConcurrentRunsPayOverrideOnce(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	bob := e.customer(t, "bob", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "bob", true)

	res := e.distribute(t, 1000, "alice")
	pnlID := res.PnL.ID
	_, err := e.st.UpdatePnL(e.ctx, pnlID, store.PnLPatch{UserIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	e.eng = e.engine(t, slowLedger{Ledger: e.st, delay: 20 * time.Millisecond})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.eng.Retry(e.ctx, pnlID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings, "earnings counted once")
	assertDec(t, 90, e.balance(t, agentWallet.ID), "deposited once")
	assertDec(t, 700, e.balance(t, bob.ID))

	stored, err := e.st.GetPnL(e.ctx, pnlID)
	require.NoError(t, err)
	assertDec(t, 510, stored.DivineAlgoShare)
	links, err := e.st.UserPnLs(e.ctx, pnlID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.True(t, links[1].AgentPaid)
	assert.Equal(t, ref.ID, links[1].ReferralID)

	// Settled: another retry has nothing to do.
	res, err = e.eng.Retry(e.ctx, pnlID)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assertDec(t, 510, res.DivineAlgoShare)
	got, err = e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings)
}

func TestRetry_DeactivatedReferralStillPaysRecordedOverride(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "alice", true)
	ledger := &flakyLedger{Ledger: e.st, failWallet: agentWallet.ID}
	e.eng = e.engine(t, ledger)

	res := e.distribute(t, 1000, "alice")
	l := link(t, res, "alice")
	assert.Equal(t, model.LinkApplied, l.Status)
	assert.False(t, l.AgentPaid)
	assert.Equal(t, ref.ID, l.ReferralID)
	assertDec(t, 210, res.DivineAlgoShare)

	_, err := e.st.SetReferralActive(e.ctx, ref.ID, false)
	require.NoError(t, err)
	ledger.heal()

	res, err = e.eng.Retry(e.ctx, res.PnL.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.True(t, link(t, res, "alice").AgentPaid)
	assertDec(t, 90, e.balance(t, agentWallet.ID))
	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings)
}

// lostReferrals stops resolving a customer's referral once hidden.
type lostReferrals struct {
	distribution.Referrals
	mu     sync.Mutex
	hidden bool
}

func (r *lostReferrals) FindReferralForCustomer(ctx context.Context, customerID string) (*model.Referral, error) {
	r.mu.Lock()
	hidden := r.hidden
	r.mu.Unlock()
	if hidden {
		return nil, fmt.Errorf("referral for customer %s: %w", customerID, store.ErrReferralNotFound)
	}
	return r.Referrals.FindReferralForCustomer(ctx, customerID)
}

func (r *lostReferrals) hide() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden = true
}

func TestRetry_OverrideWithoutReferralIsSettled(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	e.refer(t, "agent", "alice", true)
	ledger := &flakyLedger{Ledger: e.st, failWallet: agentWallet.ID}
	refs := &lostReferrals{Referrals: e.st}
	e.eng = e.engineWith(t, ledger, refs)

	res := e.distribute(t, 1000, "alice")
	pnlID := res.PnL.ID
	assert.False(t, link(t, res, "alice").AgentPaid)

	refs.hide()
	ledger.heal()
	res, err := e.eng.Retry(e.ctx, pnlID)
	require.NoError(t, err)

	l := link(t, res, "alice")
	assert.Equal(t, model.LinkApplied, l.Status)
	assert.Equal(t, distribution.ReasonNoReferral, l.Reason)
	assertDec(t, 0, l.AgentEarnings)
	assertDec(t, 300, l.Retained)
	assertDec(t, 300, res.DivineAlgoShare)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, distribution.StepAgentTotal, res.Diagnostics[0].Step)
	assert.Equal(t, distribution.KindConsistency, res.Diagnostics[0].Kind)
	assert.False(t, res.Diagnostics[0].Retryable)

	// The link is no longer selected for work.
	res, err = e.eng.Retry(e.ctx, pnlID)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assertDec(t, 300, res.DivineAlgoShare)
	assertDec(t, 0, e.balance(t, agentWallet.ID))
}

func TestRecompute_KeepsPaidOverride(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "alice", true)

	res := e.distribute(t, 1000, "alice")
	pnlID := res.PnL.ID
	_, err := e.st.SetReferralActive(e.ctx, ref.ID, false)
	require.NoError(t, err)

	total := d(2000)
	_, err = e.st.UpdatePnL(e.ctx, pnlID, store.PnLPatch{TotalPnL: &total})
	require.NoError(t, err)
	res, err = e.eng.Recompute(e.ctx, pnlID)
	require.NoError(t, err)

	l := link(t, res, "alice")
	assertDec(t, 600, l.PlatformShare)
	assertDec(t, 90, l.AgentEarnings, "paid override stays")
	assertDec(t, 510, l.Retained)
	assert.True(t, l.AgentPaid)
	assertDec(t, 510, res.DivineAlgoShare)

	res, err = e.eng.Retry(e.ctx, pnlID)
	require.NoError(t, err)
	assertDec(t, 510, res.DivineAlgoShare)
	assertDec(t, 90, e.balance(t, agentWallet.ID))
	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 90, got.AgentTotalEarnings)
}

func TestRecompute_UnpaidOverrideFollowsRecordedReferral(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 70, 30)
	e.customer(t, "alice", plan, 1000)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	ref := e.refer(t, "agent", "alice", true)
	ledger := &flakyLedger{Ledger: e.st, failWallet: agentWallet.ID}
	e.eng = e.engine(t, ledger)

	res := e.distribute(t, 1000, "alice")
	pnlID := res.PnL.ID
	_, err := e.st.SetReferralActive(e.ctx, ref.ID, false)
	require.NoError(t, err)

	total := d(2000)
	_, err = e.st.UpdatePnL(e.ctx, pnlID, store.PnLPatch{TotalPnL: &total})
	require.NoError(t, err)
	res, err = e.eng.Recompute(e.ctx, pnlID)
	require.NoError(t, err)
	assertDec(t, 180, link(t, res, "alice").AgentEarnings)
	assertDec(t, 420, res.DivineAlgoShare)

	ledger.heal()
	res, err = e.eng.Retry(e.ctx, pnlID)
	require.NoError(t, err)
	assert.True(t, link(t, res, "alice").AgentPaid)
	assertDec(t, 180, e.balance(t, agentWallet.ID))
	got, err := e.st.GetReferral(e.ctx, ref.ID)
	require.NoError(t, err)
	assertDec(t, 180, got.AgentTotalEarnings)
}

// --- Ledger consistency ---

func TestDistribute_LedgerReconciles(t *testing.T) {
	e := newEnv(t)
	plan := e.plan(t, 65, 35)
	e.user(t, "agent")
	agentWallet := e.wallet(t, "agent", 0)
	var wallets []*model.Wallet
	var ids []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("c%d", i)
		wallets = append(wallets, e.customer(t, id, plan, 5000))
		if i%2 == 0 {
			e.refer(t, "agent", id, true)
		}
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for _, total := range []float64{1234.56, -321.09, 77.7, 10000} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.eng.Distribute(e.ctx, distribution.Input{Date: day, Symbol: "XAUUSD", TotalPnL: d(total)}, ids)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, w := range append(wallets, agentWallet) {
		rec, err := e.st.ReconcileWallet(e.ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, rec.Drift.IsZero(), "wallet %s drift %s", w.ID, rec.Drift)
	}

	totals, err := e.st.PnLTotals(e.ctx, store.PnLFilter{Symbol: "XAUUSD"})
	require.NoError(t, err)
	assert.Equal(t, 4, totals.Count)
}

func TestNewEngine_RequiresStores(t *testing.T) {
	_, err := distribution.NewEngine(distribution.Deps{}, distribution.Config{})
	assert.Error(t, err)
}
