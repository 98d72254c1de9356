package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/metrics"
	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/store"
)

// platformRef and agentRef are the ledger dedup keys for one user's
// movements on one entry.
func platformRef(pnlID, userID string) string {
	return fmt.Sprintf("pnl:%s:platform:%s", pnlID, userID)
}

func agentRef(pnlID, userID string) string {
	return fmt.Sprintf("pnl:%s:agent:%s", pnlID, userID)
}

// applyUser runs one user's steps. A link already APPLIED only has its
// agent override left to pay.
func (e *Engine) applyUser(ctx context.Context, p *model.PnL, uc userContext, link model.UserPnL) (out outcome) {
	out.link = link
	defer func() {
		if r := recover(); r != nil {
			out.fail(StepPlatformCut, fmt.Errorf("panic: %v", r))
		}
	}()

	if out.link.Status != model.LinkApplied {
		if !e.applyPlatformCut(ctx, p, uc, &out) {
			return out
		}
	}
	e.payAgent(ctx, p, uc, &out)
	return out
}

// applyPlatformCut computes the split and posts the platform's cut against
// the user's wallet. It reports whether the cut is on the ledger.
//
// The customer's own share is recorded on the link only; it is not
// deposited.
func (e *Engine) applyPlatformCut(ctx context.Context, p *model.PnL, uc userContext, out *outcome) bool {
	split, err := e.calc.Split(p.TotalPnL, uc.terms(), uc.referred())
	if err != nil {
		out.fail(StepSplit, err)
		return false
	}
	out.link.CustomerShare = split.CustomerShare
	out.link.PlatformShare = split.PlatformShare
	out.link.AgentEarnings = split.AgentEarnings
	out.link.Retained = split.Retained
	out.link.AgentPaid = false
	out.link.ReferralID = ""
	if uc.referred() {
		out.link.ReferralID = uc.referral.ID
	}

	if split.PlatformShare.IsZero() {
		out.skip("no platform share")
		return false
	}

	userID := out.link.UserID
	w, err := e.ledger.ActiveWalletForUser(ctx, userID)
	if errors.Is(err, store.ErrWalletNotFound) {
		out.note(StepPlatformCut, err)
		out.skip(ReasonNoWallet)
		return false
	}
	if err != nil {
		out.fail(StepPlatformCut, err)
		return false
	}

	// A loss flips the movement: the platform's negative cut goes back to
	// the customer.
	typ, amount := model.Withdrawal, split.PlatformShare
	if amount.IsNegative() {
		typ, amount = model.Deposit, amount.Abs()
	}
	_, err = e.ledger.PostTransaction(ctx, store.PostTransactionParams{
		WalletID:    w.ID,
		Type:        typ,
		Amount:      amount,
		Status:      model.StatusSuccess,
		Description: fmt.Sprintf("Platform share of %s PnL on %s", p.Symbol, p.Date.Format("2006-01-02")),
		Reference:   platformRef(p.ID, userID),
	})
	switch {
	case err == nil:
		metrics.TransactionsPosted.WithLabelValues(string(typ), string(model.StatusSuccess)).Inc()
	case errors.Is(err, store.ErrDuplicateReference):
		// Posted by an earlier run.
	case errors.Is(err, store.ErrWalletNotFound):
		out.note(StepPlatformCut, err)
		out.skip(ReasonNoWallet)
		return false
	default:
		out.fail(StepPlatformCut, err)
		return false
	}

	out.link.Status = model.LinkApplied
	out.link.Reason = ""
	return true
}

// payAgent deposits the override into the agent's wallet and credits the
// referral's running total. The override belongs to the referral recorded
// on the link when the split was made, even if it was deactivated since.
//
// The deposit is deduplicated by its reference and the credit by a claim
// on the link's AgentPaid flag, so concurrent runs move and count the
// override once. A missing agent wallet is reported but still counts the
// earnings; any other failure leaves AgentPaid false so Retry can finish
// the job.
func (e *Engine) payAgent(ctx context.Context, p *model.PnL, uc userContext, out *outcome) {
	amount := out.link.AgentEarnings
	if !amount.IsPositive() || out.link.AgentPaid {
		return
	}
	userID := out.link.UserID
	ref := uc.referral
	if out.link.ReferralID == "" || ref == nil || ref.ID != out.link.ReferralID {
		// Nobody left to pay: the override stays with the platform.
		out.note(StepAgentTotal, fmt.Errorf("%w: override of %s for %s has no referral %q",
			errUnpayable, amount, userID, out.link.ReferralID))
		out.link.Retained = out.link.Retained.Add(amount)
		out.link.AgentEarnings = decimal.Zero
		out.link.Reason = ReasonNoReferral
		return
	}

	w, err := e.ledger.ActiveWalletForUser(ctx, ref.AgentID)
	if err == nil {
		_, err = e.ledger.PostTransaction(ctx, store.PostTransactionParams{
			WalletID:    w.ID,
			Type:        model.Deposit,
			Amount:      amount,
			Status:      model.StatusSuccess,
			Description: fmt.Sprintf("Referral earnings from %s PnL on %s", p.Symbol, p.Date.Format("2006-01-02")),
			Reference:   agentRef(p.ID, userID),
		})
		if err == nil {
			metrics.TransactionsPosted.WithLabelValues(string(model.Deposit), string(model.StatusSuccess)).Inc()
		}
	}
	switch {
	case err == nil, errors.Is(err, store.ErrDuplicateReference):
	case errors.Is(err, store.ErrWalletNotFound):
		out.note(StepAgentWallet, fmt.Errorf("agent %s: %w", ref.AgentID, err))
	default:
		out.note(StepAgentWallet, err)
		return
	}

	// Not claimed means another run already counted it.
	if _, err := e.referrals.CreditAgentEarnings(ctx, p.ID, userID, ref.ID, amount); err != nil {
		out.note(StepAgentTotal, err)
		return
	}
	out.link.AgentPaid = true
}
