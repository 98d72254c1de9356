// Package share computes how a PnL figure splits between a customer, the
// platform and a referring agent.
//
// All monetary values use shopspring/decimal, never float64.
// Plan percentages are percent-of-100, not fractions. Results are rounded
// to Scale places; the agent override is rounded first and the platform's
// retained cut takes the remainder, so the two always sum to the platform
// share exactly.
package share

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidShare is returned when a percentage falls outside [0, 100].
	ErrInvalidShare = errors.New("share: percentage must be within [0, 100]")

	// DefaultAgentPercent is the agent override as a percentage of the
	// platform share.
	DefaultAgentPercent = decimal.NewFromInt(30)

	// Scale is the number of decimal places all split amounts are rounded to.
	Scale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Terms are the percentages a split is computed from.
type Terms struct {
	CustomerPercent decimal.Decimal
	PlatformPercent decimal.Decimal
}

// Validate checks both percentages are within [0, 100].
func (t Terms) Validate() error {
	if err := checkPercent("customer", t.CustomerPercent); err != nil {
		return err
	}
	return checkPercent("platform", t.PlatformPercent)
}

func checkPercent(name string, p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s %s", ErrInvalidShare, name, p)
	}
	return nil
}

// Split is the outcome of dividing one user's PnL.
type Split struct {
	CustomerShare decimal.Decimal `json:"customer_share"`
	PlatformShare decimal.Decimal `json:"platform_share"`
	AgentEarnings decimal.Decimal `json:"agent_earnings"`
	Retained      decimal.Decimal `json:"retained"`
}

// Calculator is stateless apart from the agent override percentage.
type Calculator struct {
	agentPercent decimal.Decimal
}

// NewCalculator creates a calculator paying agentPercent of the platform
// share to a referring agent.
func NewCalculator(agentPercent decimal.Decimal) (*Calculator, error) {
	if err := checkPercent("agent", agentPercent); err != nil {
		return nil, err
	}
	return &Calculator{agentPercent: agentPercent}, nil
}

// AgentPercent returns the override percentage.
func (c *Calculator) AgentPercent() decimal.Decimal {
	return c.agentPercent
}

// Split divides totalPnL under the given terms. When referred is true and
// the platform share is positive, the agent override is carved out of the
// platform share.
//
// On a loss AgentEarnings is zero rather than platformShare*agentPercent:
// a referred loss does not claw back from the agent, so an agent's running
// total only grows and Retained carries the whole negative platform share.
func (c *Calculator) Split(totalPnL decimal.Decimal, terms Terms, referred bool) (Split, error) {
	if err := terms.Validate(); err != nil {
		return Split{}, err
	}

	s := Split{
		CustomerShare: percentOf(totalPnL, terms.CustomerPercent),
		PlatformShare: percentOf(totalPnL, terms.PlatformPercent),
		AgentEarnings: decimal.Zero,
	}
	if referred && s.PlatformShare.IsPositive() {
		s.AgentEarnings = percentOf(s.PlatformShare, c.agentPercent)
	}
	s.Retained = s.PlatformShare.Sub(s.AgentEarnings)
	return s, nil
}

// percentOf returns amount * pct / 100 rounded to Scale.
func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(Scale)
}
