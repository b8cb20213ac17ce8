// Package safety is the pure policy evaluator gating every spend-committing
// operation. Evaluate has no side effects and performs no I/O: it maps a
// proposal plus point-in-time snapshots to a single decision. Rules run in a
// fixed order and the first failing rule wins, so denial reasons are
// deterministic.
package safety

import (
	"fmt"

	"github.com/edvin/agentvm/internal/model"
)

// Limits are the process-wide policy knobs. Loaded once at startup,
// immutable afterwards.
type Limits struct {
	MaxConcurrent        int
	DefaultTTLHours      float64
	MaxTTLHours          float64
	BalanceGuardFraction float64
	CostThreshold        float64
	// MaxSessionSpend caps total committed spend for the process lifetime.
	// Zero means no ceiling.
	MaxSessionSpend float64
}

// Proposal is the operation under evaluation.
type Proposal struct {
	Op             string
	Identity       string
	Estimate       model.CostEstimate
	Confirmed      bool
	IdempotencyKey string
}

// LedgerSnapshot is the slice of ledger state the guard needs: the count of
// records still counting toward the acting identity's concurrency limit.
type LedgerSnapshot struct {
	ActiveCount int
}

// BalanceSnapshot carries the resolved payer's funds and the running
// session-spend total at evaluation time.
type BalanceSnapshot struct {
	Payer        string
	Balance      float64
	SessionSpend float64
}

// Evaluate runs the full rule chain against a locked snapshot.
//
// Rule order: TTL range, concurrency limit, session spend ceiling, balance
// guard (full-TTL projection), cost-confirmation threshold.
func Evaluate(p Proposal, snap LedgerSnapshot, bal BalanceSnapshot, cfg Limits) model.Decision {
	est := p.Estimate

	if est.TTLHours <= 0 || est.TTLHours > cfg.MaxTTLHours {
		return deny(model.ReasonTTLOutOfRange, est,
			fmt.Sprintf("ttl %.1fh outside allowed range (0, %.1fh]", est.TTLHours, cfg.MaxTTLHours))
	}

	if p.Op == OpCreate && snap.ActiveCount >= cfg.MaxConcurrent {
		return deny(model.ReasonConcurrencyLimitExceeded, est,
			fmt.Sprintf("already at %d/%d concurrent resources", snap.ActiveCount, cfg.MaxConcurrent))
	}

	if cfg.MaxSessionSpend > 0 && bal.SessionSpend+est.TotalCost > cfg.MaxSessionSpend {
		return deny(model.ReasonSessionSpendExceeded, est,
			fmt.Sprintf("session spend would reach %.2f, ceiling is %.2f",
				bal.SessionSpend+est.TotalCost, cfg.MaxSessionSpend))
	}

	// Projected post-operation balance assumes the resource runs its full
	// TTL. The conservative reading: a spend that would dip below the guard
	// floor at any point during the TTL is denied up front.
	floor := cfg.BalanceGuardFraction * bal.Balance
	remaining := bal.Balance - est.TotalCost
	if remaining < floor {
		return deny(model.ReasonBalanceGuardTriggered, est,
			fmt.Sprintf("spend of %.2f would leave %.2f, below guard floor %.2f (balance %.2f)",
				est.TotalCost, remaining, floor, bal.Balance))
	}

	if p.Op == OpCreate && est.TotalCost > cfg.CostThreshold && !p.Confirmed {
		return model.Decision{
			Verdict:  model.VerdictNeedsConfirmation,
			Reason:   model.ReasonNeedsConfirmation,
			Detail:   fmt.Sprintf("estimated cost %.2f exceeds confirmation threshold %.2f; resubmit with confirmed=true and the same idempotency key", est.TotalCost, cfg.CostThreshold),
			Estimate: est,
		}
	}

	return model.Decision{Verdict: model.VerdictAllow, Estimate: est}
}

// Guarded operations.
const (
	OpCreate = "create"
	OpExtend = "extend"
)

func deny(reason string, est model.CostEstimate, detail string) model.Decision {
	return model.Decision{
		Verdict:  model.VerdictDeny,
		Reason:   reason,
		Detail:   detail,
		Estimate: est,
	}
}
