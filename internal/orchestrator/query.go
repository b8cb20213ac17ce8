package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/cost"
	"github.com/edvin/agentvm/internal/model"
)

// CheckBalance reports the payer's balance, the current burn rate across
// active resources, and the projected runway. On the first call of the
// process it also sweeps for orphans so a fresh session starts with an
// honest picture of what is actually running.
func (s *Service) CheckBalance(ctx context.Context, payerHint string) (*model.BalanceResult, error) {
	defer s.observe("check_balance", s.now())

	payer, err := s.resolver.Payer(payerHint)
	if err != nil {
		return nil, denied(model.ReasonNotAuthorized, err.Error())
	}

	var warnings []string
	if s.orphanChecked.CompareAndSwap(false, true) {
		recon, rerr := s.Reconcile(ctx)
		if rerr != nil {
			s.logger.Warn().Err(rerr).Msg("initial orphan sweep failed")
			warnings = append(warnings, fmt.Sprintf("orphan sweep failed: %v", rerr))
		} else {
			for _, id := range recon.Orphans {
				warnings = append(warnings, fmt.Sprintf(
					"orphan instance %s exists on the backend but has no local record; it may be billing", id))
			}
		}
	}

	balance, err := s.fetchBalance(ctx, payer)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := s.store.Snapshot()
	s.mu.RUnlock()

	now := s.now()
	burn := cost.BurnRate(records, payer)
	result := &model.BalanceResult{
		PayerAddress:    payer,
		BalanceCredits:  balance,
		BurnRatePerHour: burn,
		Warnings:        warnings,
	}
	if hours, ok := cost.Runway(balance, burn); ok {
		result.RunwayHours = &hours
	}
	for i := range records {
		r := &records[i]
		if !model.IsBurning(r.State) {
			continue
		}
		result.ActiveCount++
		result.ActiveResources = append(result.ActiveResources, summarize(r, now))
	}
	return result, nil
}

// ListNodes returns active compute nodes, best-scored first.
func (s *Service) ListNodes(ctx context.Context, filters model.NodeFilters) ([]model.NodeDescriptor, error) {
	defer s.observe("list_nodes", s.now())

	if filters.MinComputeUnits > 0 {
		if _, err := backend.ResolveTier(filters.MinComputeUnits); err != nil {
			return nil, err
		}
	}

	var nodes []model.NodeDescriptor
	err := backend.Do(ctx, backend.ReadPolicy, func(ctx context.Context) error {
		var err error
		nodes, err = s.backend.ListNodes(ctx, filters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
	return nodes, nil
}

// ListResources reconciles local inventory against the backend's
// authoritative set, then returns the up-to-date view. Orphans appear as
// entries flagged Orphan so the caller can decide what to do with them.
func (s *Service) ListResources(ctx context.Context) ([]model.ResourceSummary, error) {
	defer s.observe("list_resources", s.now())

	recon, err := s.Reconcile(ctx)
	if err != nil {
		// Reconciliation needs the backend; fall back to the local view
		// rather than returning nothing.
		s.logger.Warn().Err(err).Msg("reconciliation failed; serving local inventory")
		recon = &model.ReconciliationResult{}
	}

	s.mu.RLock()
	records := s.store.Snapshot()
	s.mu.RUnlock()

	now := s.now()
	summaries := make([]model.ResourceSummary, 0, len(records)+len(recon.Orphans))
	for i := range records {
		r := &records[i]
		if model.IsTerminal(r.State) {
			continue
		}
		summaries = append(summaries, summarize(r, now))
	}
	for _, id := range recon.Orphans {
		summaries = append(summaries, model.ResourceSummary{
			ID:     id,
			Status: "unknown",
			Orphan: true,
		})
	}
	return summaries, nil
}

func summarize(r *model.ResourceRecord, now time.Time) model.ResourceSummary {
	summary := model.ResourceSummary{
		ID:            r.ID,
		Name:          r.Name,
		Status:        r.State,
		NodeURL:       r.NodeURL,
		UptimeMinutes: r.UptimeMinutes(now),
		CostSoFar:     cost.Accrued(r, now),
		SSHCommand:    sshCommand(r.IPv4Host, r.SSHPort, r.SSHUser),
		Expired:       r.Expired(now),
	}
	if !r.ExpiresAt.IsZero() {
		expires := r.ExpiresAt
		summary.ExpiresAt = &expires
	}
	return summary
}
