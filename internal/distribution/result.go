package distribution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/divinealgo/backoffice/internal/model"
	"github.com/divinealgo/backoffice/internal/share"
	"github.com/divinealgo/backoffice/internal/store"
)

var (
	// ErrValidation is returned for malformed input. Nothing is written.
	ErrValidation = errors.New("distribution: invalid input")

	// ErrUserNotFound is returned when an input user id does not resolve.
	// Nothing is written.
	ErrUserNotFound = errors.New("distribution: user not found")

	// ErrInvalidShare is returned when an affected user's plan has a
	// percentage outside [0, 100]. Nothing is written.
	ErrInvalidShare = share.ErrInvalidShare
)

// Diagnostic kinds.
const (
	KindNotFound         = "NotFound"
	KindConsistency      = "Consistency"
	KindStoreUnavailable = "StoreUnavailable"
)

// Steps a diagnostic can be raised from.
const (
	StepSplit       = "split"
	StepPlatformCut = "platform_cut"
	StepAgentWallet = "agent_deposit"
	StepAgentTotal  = "agent_earnings"
	StepRecord      = "record"
)

// ReasonNoWallet marks a link skipped because the user had no active
// wallet. Retry picks these up again.
const ReasonNoWallet = "wallet not found"

// ReasonNoReferral marks an applied link whose override could not be paid
// because the referral it was split against no longer resolves. The
// override is folded into Retained and the link is settled.
const ReasonNoReferral = "referral not found"

var errUnpayable = errors.New("agent override unpayable")

// Diagnostic reports a per-user failure that did not abort the batch.
type Diagnostic struct {
	UserID    string `json:"user_id"`
	Step      string `json:"step"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s/%s: %s (%s)", d.UserID, d.Step, d.Message, d.Kind)
}

func diagnose(userID, step string, err error) Diagnostic {
	d := Diagnostic{UserID: userID, Step: step, Message: err.Error()}
	switch {
	case store.IsNotFound(err):
		d.Kind, d.Retryable = KindNotFound, true
	case errors.Is(err, store.ErrUnavailable):
		d.Kind, d.Retryable = KindStoreUnavailable, true
	default:
		d.Kind = KindConsistency
	}
	return d
}

// Result is what a distribution run reports back to its caller.
type Result struct {
	PnL             *model.PnL      `json:"pnl"`
	DivineAlgoShare decimal.Decimal `json:"divine_algo_share"`
	Users           []model.UserPnL `json:"users"`
	Diagnostics     []Diagnostic    `json:"diagnostics"`
}

// Count returns how many links are in the given status.
func (r *Result) Count(status string) int {
	n := 0
	for _, l := range r.Users {
		if l.Status == status {
			n++
		}
	}
	return n
}

// Partial reports whether any user needs attention.
func (r *Result) Partial() bool {
	return len(r.Diagnostics) > 0
}

// outcome is the result of one per-user task.
type outcome struct {
	link  model.UserPnL
	diags []Diagnostic
}

func (o *outcome) note(step string, err error) {
	o.diags = append(o.diags, diagnose(o.link.UserID, step, err))
}

func (o *outcome) fail(step string, err error) {
	o.note(step, err)
	o.link.Status = model.LinkFailed
	o.link.Reason = err.Error()
}

func (o *outcome) skip(reason string) {
	o.link.Status = model.LinkSkipped
	o.link.Reason = reason
}
