package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// runStoreSuite exercises the behaviour every Store implementation shares.
// Records use fresh ids so the suite can run against a database that
// already holds data.
func runStoreSuite(t *testing.T, st store.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, st) })
	t.Run("Wallets", func(t *testing.T) { testWallets(t, st) })
	t.Run("TransactionStatus", func(t *testing.T) { testTransactionStatus(t, st) })
	t.Run("DuplicateReference", func(t *testing.T) { testDuplicateReference(t, st) })
	t.Run("ConcurrentWithdrawals", func(t *testing.T) { testConcurrentWithdrawals(t, st) })
	t.Run("Referrals", func(t *testing.T) { testReferrals(t, st) })
	t.Run("Plans", func(t *testing.T) { testPlans(t, st) })
	t.Run("PnLs", func(t *testing.T) { testPnLs(t, st) })
	t.Run("RepeatedPnLUsers", func(t *testing.T) { testRepeatedPnLUsers(t, st) })
	t.Run("CreditAgentEarnings", func(t *testing.T) { testCreditAgentEarnings(t, st) })
}

func newUser(t *testing.T, st store.Store) *model.User {
	t.Helper()
	u := &model.User{UniqueID: "DA-" + uuid.NewString()[:8], Username: "user", Email: "user@example.com", Role: model.RoleCustomer}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func newWallet(t *testing.T, st store.Store, userID string) *model.Wallet {
	t.Helper()
	w := &model.Wallet{UserID: userID}
	require.NoError(t, st.CreateWallet(context.Background(), w))
	return w
}

func post(t *testing.T, st store.Store, walletID string, typ model.TransactionType, amount float64, status model.TransactionStatus) *model.Transaction {
	t.Helper()
	tx, err := st.PostTransaction(context.Background(), store.PostTransactionParams{
		WalletID: walletID, Type: typ, Amount: d(amount), Status: status,
	})
	require.NoError(t, err)
	return tx
}

func balance(t *testing.T, st store.Store, walletID string) decimal.Decimal {
	t.Helper()
	w, err := st.GetWallet(context.Background(), walletID)
	require.NoError(t, err)
	return w.Balance
}

func testUsers(t *testing.T, st store.Store) {
	ctx := context.Background()
	u := newUser(t, st)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, model.UserActive, u.Status)

	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.UniqueID, got.UniqueID)

	dup := &model.User{UniqueID: u.UniqueID, Username: "other"}
	assert.ErrorIs(t, st.CreateUser(ctx, dup), store.ErrUserExists)

	_, err = st.GetUser(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	assert.True(t, store.IsNotFound(err))
}

func testWallets(t *testing.T, st store.Store) {
	ctx := context.Background()
	u := newUser(t, st)
	w := newWallet(t, st, u.ID)
	assert.True(t, w.Balance.IsZero())
	assert.ErrorIs(t, st.CreateWallet(ctx, &model.Wallet{UserID: u.ID}), store.ErrWalletExists)

	inactive := &model.User{UniqueID: "DA-" + uuid.NewString()[:8], Status: model.UserInactive}
	require.NoError(t, st.CreateUser(ctx, inactive))
	assert.ErrorIs(t, st.CreateWallet(ctx, &model.Wallet{UserID: inactive.ID}), store.ErrInactiveUser)

	archived, err := st.ArchiveWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.NotNil(t, archived.ArchivedAt)

	_, err = st.ActiveWalletForUser(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrWalletNotFound)
	_, err = st.PostTransaction(ctx, store.PostTransactionParams{
		WalletID: w.ID, Type: model.Deposit, Amount: d(1), Status: model.StatusSuccess,
	})
	assert.ErrorIs(t, err, store.ErrWalletNotFound, "archived wallets take no movements")

	// A replacement wallet blocks unarchiving the old one.
	replacement := newWallet(t, st, u.ID)
	_, err = st.UnarchiveWallet(ctx, w.ID)
	assert.ErrorIs(t, err, store.ErrWalletExists)

	_, err = st.ArchiveWallet(ctx, replacement.ID)
	require.NoError(t, err)
	restored, err := st.UnarchiveWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.ArchivedAt)

	active, err := st.ActiveWalletForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, active.ID)
}

func testTransactionStatus(t *testing.T, st store.Store) {
	ctx := context.Background()
	w := newWallet(t, st, newUser(t, st).ID)

	tx := post(t, st, w.ID, model.Deposit, 100, model.StatusPending)
	assert.True(t, balance(t, st, w.ID).IsZero(), "pending does not move the balance")

	for range 2 {
		got, err := st.UpdateTransactionStatus(ctx, tx.ID, model.StatusSuccess)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, got.Status)
	}
	assert.True(t, balance(t, st, w.ID).Equal(d(100)), "success applies exactly once")

	_, err := st.UpdateTransactionStatus(ctx, tx.ID, model.StatusRejected)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = st.UpdateTransactionStatus(ctx, tx.ID, model.StatusPending)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	rejected := post(t, st, w.ID, model.Withdrawal, 40, model.StatusPending)
	_, err = st.UpdateTransactionStatus(ctx, rejected.ID, model.StatusRejected)
	require.NoError(t, err)
	assert.True(t, balance(t, st, w.ID).Equal(d(100)), "rejected does not move the balance")

	post(t, st, w.ID, model.ProfitShare, 15, model.StatusSuccess)
	post(t, st, w.ID, model.Withdrawal, 25, model.StatusSuccess)
	assert.True(t, balance(t, st, w.ID).Equal(d(90)))

	_, err = st.UpdateTransactionStatus(ctx, uuid.NewString(), model.StatusSuccess)
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
	_, err = st.UpdateTransactionStatus(ctx, tx.ID, "SETTLED")
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	txs, err := st.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, tx.ID, txs[0].ID, "oldest first")

	rec, err := st.ReconcileWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, rec.LedgerBalance.Equal(d(90)))
	assert.True(t, rec.Drift.IsZero())
	assert.Equal(t, 3, rec.Transactions)
}

func testDuplicateReference(t *testing.T, st store.Store) {
	ctx := context.Background()
	w := newWallet(t, st, newUser(t, st).ID)
	params := store.PostTransactionParams{
		WalletID:  w.ID,
		Type:      model.Withdrawal,
		Amount:    d(60),
		Status:    model.StatusSuccess,
		Reference: "pnl:" + uuid.NewString() + ":platform:u1",
	}

	first, err := st.PostTransaction(ctx, params)
	require.NoError(t, err)
	second, err := st.PostTransaction(ctx, params)
	assert.ErrorIs(t, err, store.ErrDuplicateReference)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	assert.True(t, balance(t, st, w.ID).Equal(d(-60)), "balance may go negative and moves once")

	_, err = st.PostTransaction(ctx, store.PostTransactionParams{WalletID: w.ID, Type: "BONUS", Amount: d(1), Status: model.StatusSuccess})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = st.PostTransaction(ctx, store.PostTransactionParams{WalletID: w.ID, Type: model.Deposit, Amount: d(-1), Status: model.StatusSuccess})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func testConcurrentWithdrawals(t *testing.T, st store.Store) {
	w := newWallet(t, st, newUser(t, st).ID)
	post(t, st, w.ID, model.Deposit, 1000, model.StatusSuccess)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.PostTransaction(context.Background(), store.PostTransactionParams{
				WalletID: w.ID, Type: model.Withdrawal, Amount: d(50), Status: model.StatusSuccess,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.True(t, balance(t, st, w.ID).Equal(d(500)), "no lost updates")
}

func testReferrals(t *testing.T, st store.Store) {
	ctx := context.Background()
	agent := newUser(t, st)
	c1, c2 := newUser(t, st), newUser(t, st)

	r1 := &model.Referral{AgentID: agent.ID, CustomerID: c1.ID, IsActive: true}
	require.NoError(t, st.CreateReferral(ctx, r1))
	require.NoError(t, st.CreateReferral(ctx, &model.Referral{AgentID: agent.ID, CustomerID: c2.ID, IsManualAssignment: true}))

	other := newUser(t, st)
	assert.ErrorIs(t, st.CreateReferral(ctx, &model.Referral{AgentID: other.ID, CustomerID: c1.ID}), store.ErrAlreadyReferred)

	found, err := st.FindReferralForCustomer(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, found.ID)
	_, err = st.FindReferralForCustomer(ctx, agent.ID)
	assert.ErrorIs(t, err, store.ErrReferralNotFound)

	require.NoError(t, st.IncrementAgentEarnings(ctx, r1.ID, d(90)))
	require.NoError(t, st.IncrementAgentEarnings(ctx, r1.ID, d(10.5)))
	assert.ErrorIs(t, st.IncrementAgentEarnings(ctx, r1.ID, d(-1)), store.ErrInvalidAmount)

	total, err := st.AgentTotalEarnings(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(100.5)), "total %s", total)

	off, err := st.SetReferralActive(ctx, r1.ID, false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	assert.True(t, off.AgentTotalEarnings.Equal(d(100.5)), "deactivation keeps earnings")

	refs, err := st.ListReferralsByAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func testPlans(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := &model.Plan{Name: "Silver", ProfitSharingCustomer: d(60), ProfitSharingPlatform: d(40), Visibility: "PUBLIC"}
	require.NoError(t, st.CreatePlan(ctx, p))

	u := newUser(t, st)
	_, err := st.ActivePlanForUser(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrPlanNotFound)

	require.NoError(t, st.SubscribeUser(ctx, u.ID, p.ID))
	got, err := st.ActivePlanForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.ProfitSharingPlatform.Equal(d(40)))

	assert.ErrorIs(t, st.DeletePlan(ctx, p.ID), store.ErrPlanInUse)
	assert.ErrorIs(t, st.SubscribeUser(ctx, u.ID, uuid.NewString()), store.ErrPlanNotFound)

	p.ProfitSharingPlatform = d(35)
	require.NoError(t, st.UpdatePlan(ctx, p))
	got, err = st.ActivePlanForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.ProfitSharingPlatform.Equal(d(35)), "subscribers see plan updates")

	unused := &model.Plan{Name: "Unused", Visibility: "PRIVATE"}
	require.NoError(t, st.CreatePlan(ctx, unused))
	require.NoError(t, st.DeletePlan(ctx, unused.ID))
	_, err = st.GetPlan(ctx, unused.ID)
	assert.ErrorIs(t, err, store.ErrPlanNotFound)
}

func testPnLs(t *testing.T, st store.Store) {
	ctx := context.Background()
	u1, u2 := newUser(t, st), newUser(t, st)
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	p := &model.PnL{Date: day, Symbol: "EURUSD", TotalPnL: d(1000), UserIDs: []string{u1.ID, u2.ID}}
	require.NoError(t, st.CreatePnL(ctx, p))

	links, err := st.UserPnLs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, l := range links {
		assert.Equal(t, model.LinkPending, l.Status)
	}

	applied := links[0]
	applied.Status = model.LinkApplied
	applied.PlatformShare = d(600)
	applied.Retained = d(600)
	require.NoError(t, st.UpdateUserPnL(ctx, &applied))
	require.NoError(t, st.SetDivineAlgoShare(ctx, p.ID, d(600)))

	got, err := st.GetPnL(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.DivineAlgoShare.Equal(d(600)))
	assert.ElementsMatch(t, []string{u1.ID, u2.ID}, got.UserIDs)

	loss := &model.PnL{Date: day.AddDate(0, 0, 1), Symbol: "XAUUSD", TotalPnL: d(-200), UserIDs: []string{u1.ID}}
	require.NoError(t, st.CreatePnL(ctx, loss))

	list, err := st.ListPnLs(ctx, store.PnLFilter{UserID: u1.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, loss.ID, list[0].ID, "newest first")

	totals, err := st.PnLTotals(ctx, store.PnLFilter{UserID: u1.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Count)
	assert.True(t, totals.TotalPnL.Equal(d(800)))
	assert.True(t, totals.BySymbol["XAUUSD"].Equal(d(-200)))

	total := d(500)
	updated, err := st.UpdatePnL(ctx, p.ID, store.PnLPatch{TotalPnL: &total, UserIDs: []string{u2.ID}})
	require.NoError(t, err)
	assert.True(t, updated.TotalPnL.Equal(d(500)))
	links, err = st.UserPnLs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, u2.ID, links[0].UserID)

	_, err = st.UpdatePnL(ctx, p.ID, store.PnLPatch{UserIDs: []string{uuid.NewString()}})
	assert.ErrorIs(t, err, store.ErrUserNotFound)

	require.NoError(t, st.DeletePnL(ctx, p.ID))
	_, err = st.GetPnL(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrPnLNotFound)
	assert.ErrorIs(t, st.DeletePnL(ctx, p.ID), store.ErrPnLNotFound)
}

func testRepeatedPnLUsers(t *testing.T, st store.Store) {
	ctx := context.Background()
	u1, u2 := newUser(t, st), newUser(t, st)

	p := &model.PnL{Date: time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), Symbol: "EURUSD",
		TotalPnL: d(1000), UserIDs: []string{u1.ID, u1.ID}}
	require.NoError(t, st.CreatePnL(ctx, p))
	assert.Equal(t, []string{u1.ID}, p.UserIDs)

	updated, err := st.UpdatePnL(ctx, p.ID, store.PnLPatch{UserIDs: []string{u1.ID, u2.ID, u2.ID, u1.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{u1.ID, u2.ID}, updated.UserIDs)

	links, err := st.UserPnLs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, u1.ID, links[0].UserID)
	assert.Equal(t, u2.ID, links[1].UserID)
}

func testCreditAgentEarnings(t *testing.T, st store.Store) {
	ctx := context.Background()
	agent, customer := newUser(t, st), newUser(t, st)
	ref := &model.Referral{AgentID: agent.ID, CustomerID: customer.ID, IsActive: true}
	require.NoError(t, st.CreateReferral(ctx, ref))

	p := &model.PnL{Date: time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), Symbol: "XAUUSD",
		TotalPnL: d(1000), UserIDs: []string{customer.ID}}
	require.NoError(t, st.CreatePnL(ctx, p))

	const n = 8
	var wg sync.WaitGroup
	claims := make(chan bool, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.CreditAgentEarnings(context.Background(), p.ID, customer.ID, ref.ID, d(90))
			assert.NoError(t, err)
			claims <- ok
		}()
	}
	wg.Wait()
	close(claims)
	won := 0
	for ok := range claims {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claim")

	total, err := st.AgentTotalEarnings(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(90)), "total %s", total)

	links, err := st.UserPnLs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].AgentPaid)

	// A stale writer cannot clear the claim.
	stale := links[0]
	stale.AgentPaid = false
	stale.ReferralID = ref.ID
	stale.Status = model.LinkApplied
	require.NoError(t, st.UpdateUserPnL(ctx, &stale))
	links, err = st.UserPnLs(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, links[0].AgentPaid)
	assert.Equal(t, ref.ID, links[0].ReferralID)

	_, err = st.CreditAgentEarnings(ctx, p.ID, agent.ID, ref.ID, d(1))
	assert.ErrorIs(t, err, store.ErrPnLNotFound)
	_, err = st.CreditAgentEarnings(ctx, p.ID, customer.ID, ref.ID, d(-1))
	assert.ErrorIs(t, err, store.ErrInvalidAmount)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, store.NewMemoryStore())
}

func TestMemoryStore_Totals(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w1 := newWallet(t, st, newUser(t, st).ID)
	w2 := newWallet(t, st, newUser(t, st).ID)
	post(t, st, w1.ID, model.Deposit, 300, model.StatusSuccess)
	post(t, st, w2.ID, model.Withdrawal, 50, model.StatusSuccess)

	bal, err := st.TotalWalletBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(250)))

	_, err = st.ArchiveWallet(ctx, w1.ID)
	require.NoError(t, err)
	bal, err = st.TotalWalletBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(-50)), "archived wallets drop out")

	u := newUser(t, st)
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	gain := &model.PnL{Date: day, Symbol: "EURUSD", TotalPnL: d(100), UserIDs: []string{u.ID}}
	loss := &model.PnL{Date: day, Symbol: "EURUSD", TotalPnL: d(-100), UserIDs: []string{u.ID}}
	require.NoError(t, st.CreatePnL(ctx, gain))
	require.NoError(t, st.CreatePnL(ctx, loss))
	require.NoError(t, st.SetDivineAlgoShare(ctx, gain.ID, d(60)))
	require.NoError(t, st.SetDivineAlgoShare(ctx, loss.ID, d(-60)))

	share, err := st.TotalDivineAlgoShare(ctx)
	require.NoError(t, err)
	assert.True(t, share.Equal(d(60)), "only profitable entries count")
}
