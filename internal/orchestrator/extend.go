package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/agentvm/internal/cost"
	"github.com/edvin/agentvm/internal/model"
	"github.com/edvin/agentvm/internal/safety"
)

// ExtendResource pushes a healthy resource's expiry out by additionalHours.
// Expiry is enforced only by this system: the network has no native TTL, so
// the extension is a local ledger update guarded like any other spend.
func (s *Service) ExtendResource(ctx context.Context, id string, additionalHours float64, payerHint string) (*model.ExtendResult, error) {
	defer s.observe("extend_resource", s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if record.State != model.StateHealthy {
		return nil, denied(model.ReasonBackendRejected,
			fmt.Sprintf("resource %s is %s; only healthy resources can be extended", id, record.State))
	}
	if additionalHours <= 0 {
		return nil, denied(model.ReasonTTLOutOfRange, "additional hours must be positive")
	}

	payer, err := s.resolver.Payer(payerHint)
	if err != nil {
		return nil, denied(model.ReasonNotAuthorized, err.Error())
	}

	price, err := s.unitPrice(ctx)
	if err != nil {
		return nil, err
	}
	additional := cost.Estimate(record.ComputeUnits, price, additionalHours)

	balance, err := s.fetchBalance(ctx, payer)
	if err != nil {
		return nil, err
	}

	newExpiry := record.ExpiresAt.Add(hoursToDuration(additionalHours))
	totalTTL := newExpiry.Sub(record.CreatedAt).Hours()

	// The TTL rule sees the total lifetime; the spend rules see only the
	// additional cost.
	decision := safety.Evaluate(
		safety.Proposal{
			Op:       safety.OpExtend,
			Identity: s.keystore.SigningAddress(),
			Estimate: model.CostEstimate{
				ComputeUnits: record.ComputeUnits,
				TTLHours:     totalTTL,
				HourlyCost:   additional.HourlyCost,
				TotalCost:    additional.TotalCost,
			},
		},
		safety.LedgerSnapshot{},
		safety.BalanceSnapshot{Payer: payer, Balance: balance, SessionSpend: s.sessionSpend},
		s.limits,
	)
	s.countDecision(decision.Verdict, decision.Reason)
	if !decision.Allowed() {
		return nil, &DeniedError{Decision: decision}
	}

	record.ExpiresAt = newExpiry
	record.TTLHours = totalTTL
	if err := s.persistRecord(record); err != nil {
		return nil, err
	}
	s.commitSpend(additional.TotalCost)

	s.logger.Info().
		Str("id", id).
		Time("new_expiry", newExpiry).
		Float64("additional_cost", additional.TotalCost).
		Msg("resource extended")

	return &model.ExtendResult{
		ID:             id,
		NewExpiresAt:   newExpiry,
		AdditionalCost: additional.TotalCost,
	}, nil
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
