// Package distribution fans a PnL figure out across its affected users,
// splits each user's share between customer, platform and referring agent,
// and posts the resulting money movements to the ledger.
//
// All monetary values use shopspring/decimal, never float64.
//
// Per-user work is fault-isolated: a user whose wallet is missing, or
// whose ledger post fails, is reported in the result's diagnostics while
// the rest of the batch carries on. Only input validation, user lookup,
// plan validation and creation of the PnL record itself abort a run.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/divinealgo/backoffice/internal/metrics"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/share"
	"github.com/divinealgo/backoffice/internal/store"
	"github.com/divinealgo/backoffice/internal/symbol"
)

// Users resolves user records.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Plans resolves a user's active plan.
type Plans interface {
	ActivePlanForUser(ctx context.Context, userID string) (*model.Plan, error)
}

// Ledger is the part of the ledger store the engine posts through.
type Ledger interface {
	ActiveWalletForUser(ctx context.Context, userID string) (*model.Wallet, error)
	PostTransaction(ctx context.Context, p store.PostTransactionParams) (*model.Transaction, error)
}

// Referrals is the part of the referral registry the engine needs.
type Referrals interface {
	FindReferralForCustomer(ctx context.Context, customerID string) (*model.Referral, error)
	// CreditAgentEarnings claims the link's AgentPaid flag and adds amount
	// to the referral's total in one step. It reports false when the link
	// was already claimed.
	CreditAgentEarnings(ctx context.Context, pnlID, userID, referralID string, amount decimal.Decimal) (bool, error)
}

// PnLs is the part of the PnL record store the engine writes.
type PnLs interface {
	CreatePnL(ctx context.Context, p *model.PnL) error
	GetPnL(ctx context.Context, id string) (*model.PnL, error)
	UserPnLs(ctx context.Context, pnlID string) ([]model.UserPnL, error)
	UpdateUserPnL(ctx context.Context, link *model.UserPnL) error
	SetDivineAlgoShare(ctx context.Context, id string, share decimal.Decimal) error
}

// Notifier is told about every completed run.
type Notifier interface {
	PnLDistributed(ctx context.Context, r *Result)
}

// Deps are the engine's collaborators. store.Store satisfies every store
// interface; tests inject doubles.
type Deps struct {
	Users     Users
	Plans     Plans
	Ledger    Ledger
	Referrals Referrals
	PnLs      PnLs
	Notifier  Notifier     // optional
	Logger    *slog.Logger // optional, defaults to slog.Default()
}

// Config tunes the engine.
type Config struct {
	// AgentOverridePercent is the agent's cut of the platform share.
	// Zero means share.DefaultAgentPercent.
	AgentOverridePercent decimal.Decimal

	// Concurrency bounds the number of users processed at once.
	// Zero means DefaultConcurrency.
	Concurrency int
}

// DefaultConcurrency is used when Config.Concurrency is zero.
const DefaultConcurrency = 8

// Engine runs PnL distributions. It holds no locks of its own: all
// balance and earnings mutation is delegated to the store's atomic
// operations.
type Engine struct {
	users       Users
	plans       Plans
	ledger      Ledger
	referrals   Referrals
	pnls        PnLs
	notifier    Notifier
	logger      *slog.Logger
	calc        *share.Calculator
	concurrency int
}

// NewEngine creates a distribution engine.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Users == nil || deps.Plans == nil || deps.Ledger == nil || deps.Referrals == nil || deps.PnLs == nil {
		return nil, errors.New("distribution: missing store dependency")
	}
	pct := cfg.AgentOverridePercent
	if pct.IsZero() {
		pct = share.DefaultAgentPercent
	}
	calc, err := share.NewCalculator(pct)
	if err != nil {
		return nil, err
	}
	n := cfg.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		users:       deps.Users,
		plans:       deps.Plans,
		ledger:      deps.Ledger,
		referrals:   deps.Referrals,
		pnls:        deps.PnLs,
		notifier:    deps.Notifier,
		logger:      logger,
		calc:        calc,
		concurrency: n,
	}, nil
}

// Input is a raw PnL figure to distribute.
type Input struct {
	Date     time.Time
	Symbol   string
	TotalPnL decimal.Decimal
}

// userContext is everything loaded about one user before any write.
type userContext struct {
	user     *model.User
	plan     *model.Plan     // nil: no active plan, both shares are zero
	referral *model.Referral // nil: not referred
}

func (uc userContext) terms() share.Terms {
	if uc.plan == nil {
		return share.Terms{}
	}
	return share.Terms{
		CustomerPercent: uc.plan.ProfitSharingCustomer,
		PlatformPercent: uc.plan.ProfitSharingPlatform,
	}
}

// referred reports whether the agent split applies. Inactive referrals
// do not earn an override.
func (uc userContext) referred() bool {
	return uc.referral != nil && uc.referral.IsActive
}

// Distribute records a PnL entry for userIDs and applies its split.
//
// Validation, user resolution and plan checks all complete before the
// first write. The PnL record and its user links are created in one unit
// of work; after that every user is processed independently and failures
// are reported in Result.Diagnostics. DivineAlgoShare is written once all
// users are done.
func (e *Engine) Distribute(ctx context.Context, in Input, userIDs []string) (*Result, error) {
	start := time.Now()
	res, err := e.distribute(ctx, in, userIDs)
	observe("distribute", start, res, err)
	return res, err
}

func (e *Engine) distribute(ctx context.Context, in Input, userIDs []string) (*Result, error) {
	ids, err := uniqueIDs(userIDs)
	if err != nil {
		return nil, err
	}
	sym, err := symbol.Parse(in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if in.Date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrValidation)
	}

	ucs, err := e.loadContexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	p := &model.PnL{
		Date:            in.Date.UTC(),
		Symbol:          sym.String(),
		TotalPnL:        in.TotalPnL,
		DivineAlgoShare: decimal.Zero,
		UserIDs:         ids,
	}
	if err := e.pnls.CreatePnL(ctx, p); err != nil {
		return nil, fmt.Errorf("create pnl: %w", err)
	}
	log := e.logger.With("pnl_id", p.ID, "symbol", p.Symbol)
	log.Info("distributing pnl", "total_pnl", p.TotalPnL.String(), "users", len(ids))

	links := make([]model.UserPnL, len(ids))
	for i, id := range ids {
		links[i] = model.UserPnL{PnLID: p.ID, UserID: id, Status: model.LinkPending}
	}
	outcomes := e.fanOut(ctx, p, ucs, links)

	res, err := e.finish(ctx, p, outcomes, nil)
	if err != nil {
		return res, err
	}
	log.Info("pnl distributed",
		"divine_algo_share", res.DivineAlgoShare.String(),
		"applied", res.Count(model.LinkApplied),
		"skipped", res.Count(model.LinkSkipped),
		"failed", res.Count(model.LinkFailed),
	)
	e.notify(ctx, res)
	return res, nil
}

// Retry re-runs the users of an existing entry that still need work:
// links never processed, links that failed, links skipped for a missing
// wallet, and applied links whose agent override was not paid.
// Transaction references and the AgentPaid flag keep every movement
// exactly-once across retries.
func (e *Engine) Retry(ctx context.Context, pnlID string) (*Result, error) {
	start := time.Now()
	res, err := e.retry(ctx, pnlID)
	observe("retry", start, res, err)
	return res, err
}

func (e *Engine) retry(ctx context.Context, pnlID string) (*Result, error) {
	p, links, err := e.load(ctx, pnlID)
	if err != nil {
		return nil, err
	}

	var todo []model.UserPnL
	var rest []model.UserPnL
	for _, l := range links {
		if needsWork(l) {
			todo = append(todo, l)
		} else {
			rest = append(rest, l)
		}
	}

	ids := make([]string, len(todo))
	for i, l := range todo {
		ids[i] = l.UserID
	}
	ucs, err := e.loadContexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	e.logger.Info("retrying pnl distribution", "pnl_id", p.ID, "users", len(todo))
	outcomes := e.fanOut(ctx, p, ucs, todo)
	res, err := e.finish(ctx, p, outcomes, rest)
	if err != nil {
		return res, err
	}
	e.notify(ctx, res)
	return res, nil
}

func needsWork(l model.UserPnL) bool {
	switch l.Status {
	case model.LinkPending, model.LinkFailed:
		return true
	case model.LinkSkipped:
		return l.Reason == ReasonNoWallet
	case model.LinkApplied:
		return l.AgentEarnings.IsPositive() && !l.AgentPaid
	}
	return false
}

// Recompute re-derives the recorded split of every applied user from the
// entry's current TotalPnL and the users' current plans, and overwrites
// DivineAlgoShare. Money already moved is not reversed: an override already
// paid stays on the link and comes out of Retained. Whether a user earns an
// override follows the referral recorded when the user was applied. Users
// added by an update stay PENDING until Retry.
func (e *Engine) Recompute(ctx context.Context, pnlID string) (*Result, error) {
	p, links, err := e.load(ctx, pnlID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, l := range links {
		if l.Status == model.LinkApplied {
			ids = append(ids, l.UserID)
		}
	}
	ucs, err := e.loadContexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	outcomes := make([]outcome, 0, len(ids))
	var rest []model.UserPnL
	i := 0
	for _, l := range links {
		if l.Status != model.LinkApplied {
			rest = append(rest, l)
			continue
		}
		uc := ucs[i]
		i++
		o := outcome{link: l}
		split, err := e.calc.Split(p.TotalPnL, uc.terms(), l.ReferralID != "")
		if err != nil {
			o.note(StepSplit, err)
		} else {
			o.link.CustomerShare = split.CustomerShare
			o.link.PlatformShare = split.PlatformShare
			o.link.AgentEarnings = split.AgentEarnings
			o.link.Retained = split.Retained
			if l.AgentPaid {
				// The paid override has left the platform already.
				o.link.AgentEarnings = l.AgentEarnings
				o.link.Retained = split.PlatformShare.Sub(l.AgentEarnings)
			}
		}
		outcomes = append(outcomes, o)
	}

	res, err := e.finish(ctx, p, outcomes, rest)
	if err != nil {
		return res, err
	}
	e.logger.Info("pnl share recomputed", "pnl_id", p.ID, "divine_algo_share", res.DivineAlgoShare.String())
	e.notify(ctx, res)
	return res, nil
}

func (e *Engine) load(ctx context.Context, pnlID string) (*model.PnL, []model.UserPnL, error) {
	p, err := e.pnls.GetPnL(ctx, pnlID)
	if err != nil {
		return nil, nil, err
	}
	links, err := e.pnls.UserPnLs(ctx, pnlID)
	if err != nil {
		return nil, nil, err
	}
	return p, links, nil
}

// loadContexts resolves every user's plan and referral concurrently. Any
// unknown user, invalid plan or store failure cancels the rest.
func (e *Engine) loadContexts(ctx context.Context, ids []string) ([]userContext, error) {
	ucs := make([]userContext, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			uc, err := e.loadContext(gctx, id)
			if err != nil {
				return err
			}
			ucs[i] = uc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ucs, nil
}

func (e *Engine) loadContext(ctx context.Context, userID string) (userContext, error) {
	var uc userContext

	u, err := e.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return uc, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return uc, err
	}
	uc.user = u

	plan, err := e.plans.ActivePlanForUser(ctx, userID)
	switch {
	case err == nil:
		uc.plan = plan
	case !errors.Is(err, store.ErrPlanNotFound):
		return uc, err
	}
	if err := uc.terms().Validate(); err != nil {
		return uc, fmt.Errorf("user %s plan %s: %w", userID, uc.plan.ID, err)
	}

	ref, err := e.referrals.FindReferralForCustomer(ctx, userID)
	switch {
	case err == nil:
		uc.referral = ref
	case !errors.Is(err, store.ErrReferralNotFound):
		return uc, err
	}
	return uc, nil
}

// fanOut runs one task per link with bounded concurrency and waits for
// all of them. Tasks report through their outcome and never fail the
// group.
func (e *Engine) fanOut(ctx context.Context, p *model.PnL, ucs []userContext, links []model.UserPnL) []outcome {
	outcomes := make([]outcome, len(links))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range links {
		g.Go(func() error {
			outcomes[i] = e.applyUser(ctx, p, ucs[i], links[i])
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return outcomes
}

// finish persists changed links, sums the retained platform share over
// every applied link and writes it onto the entry.
func (e *Engine) finish(ctx context.Context, p *model.PnL, outcomes []outcome, unchanged []model.UserPnL) (*Result, error) {
	res := &Result{PnL: p, Diagnostics: []Diagnostic{}}

	for i := range outcomes {
		o := &outcomes[i]
		if err := e.pnls.UpdateUserPnL(ctx, &o.link); err != nil {
			o.note(StepRecord, err)
		}
		metrics.UserOutcomes.WithLabelValues(o.link.Status).Inc()
		res.Diagnostics = append(res.Diagnostics, o.diags...)
		res.Users = append(res.Users, o.link)
	}
	res.Users = append(res.Users, unchanged...)
	orderLinks(res.Users, p.UserIDs)

	total := decimal.Zero
	for _, l := range res.Users {
		if l.Status == model.LinkApplied {
			total = total.Add(l.Retained)
		}
	}
	res.DivineAlgoShare = total

	if err := e.pnls.SetDivineAlgoShare(ctx, p.ID, total); err != nil {
		return res, fmt.Errorf("set divine algo share: %w", err)
	}
	p.DivineAlgoShare = total

	for _, d := range res.Diagnostics {
		e.logger.Warn("pnl distribution diagnostic", "pnl_id", p.ID, "user_id", d.UserID,
			"step", d.Step, "kind", d.Kind, "retryable", d.Retryable, "err", d.Message)
	}
	return res, nil
}

func (e *Engine) notify(ctx context.Context, res *Result) {
	if e.notifier != nil {
		e.notifier.PnLDistributed(ctx, res)
	}
}

// orderLinks sorts links into the entry's user order.
func orderLinks(links []model.UserPnL, order []string) {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.SliceStable(links, func(i, j int) bool { return pos[links[i].UserID] < pos[links[j].UserID] })
}

func uniqueIDs(userIDs []string) ([]string, error) {
	seen := make(map[string]bool, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty user id", ErrValidation)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one user id is required", ErrValidation)
	}
	return ids, nil
}

func observe(kind string, start time.Time, res *Result, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case res.Partial():
		result = "partial"
	}
	metrics.DistributionsTotal.WithLabelValues(kind, result).Inc()
	metrics.DistributionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
