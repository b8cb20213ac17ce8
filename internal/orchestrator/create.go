package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/cost"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/model"
	"github.com/edvin/agentvm/internal/platform"
	"github.com/edvin/agentvm/internal/safety"
)

// CreateRequest is a provisioning request from the tool surface.
type CreateRequest struct {
	Name         string
	NodeHash     string
	ComputeUnits int
	TTLHours     float64
	OSImage      string
	Purpose      string
	PayerHint    string
	DryRun       bool
	Confirmed    bool
	// IdempotencyKey deduplicates retries and links a confirmation
	// resubmission to its original request. Generated when empty.
	IdempotencyKey string
}

// CreateResource evaluates, prices, and provisions a new instance. The
// whole read-evaluate-write sequence runs under the exclusive lock so
// concurrent creates cannot oversubscribe the concurrency or balance
// limits.
func (s *Service) CreateResource(ctx context.Context, req CreateRequest) (*model.CreateResult, error) {
	defer s.observe("create_resource", s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.IdempotencyKey
	if key == "" {
		key = platform.NewID()
	}

	// A key that already executed replays the stored result: a retry must
	// not become a second, independent spend commitment.
	if entry, ok := s.pending.Lookup(key); ok && entry.State == safety.PendingExecuted {
		s.logger.Info().Str("idempotency_key", key).Msg("replaying executed create")
		return entry.Result, nil
	}

	if req.ComputeUnits == 0 {
		req.ComputeUnits = 1
	}
	if req.TTLHours == 0 {
		req.TTLHours = s.cfg.DefaultTTLHours
	}
	if req.OSImage == "" {
		req.OSImage = s.cfg.DefaultOSImage
	}
	if req.Name == "" {
		req.Name = platform.NewName("agent-vm-")
	}

	// Reject invalid tier and image before any network traffic.
	if _, err := backend.ResolveTier(req.ComputeUnits); err != nil {
		return nil, err
	}
	if _, err := backend.ResolveOSImage(req.OSImage); err != nil {
		return nil, err
	}

	payer, err := s.resolver.Payer(req.PayerHint)
	if err != nil {
		return nil, denied(model.ReasonNotAuthorized, err.Error())
	}

	price, err := s.unitPrice(ctx)
	if err != nil {
		return nil, err
	}
	estimate := cost.Estimate(req.ComputeUnits, price, req.TTLHours)

	balance, err := s.fetchBalance(ctx, payer)
	if err != nil {
		return nil, err
	}

	signer := s.keystore.SigningAddress()
	decision := safety.Evaluate(
		safety.Proposal{
			Op:             safety.OpCreate,
			Identity:       signer,
			Estimate:       estimate,
			Confirmed:      req.Confirmed,
			IdempotencyKey: key,
		},
		safety.LedgerSnapshot{ActiveCount: s.store.ActiveCount(signer)},
		safety.BalanceSnapshot{Payer: payer, Balance: balance, SessionSpend: s.sessionSpend},
		s.limits,
	)
	s.countDecision(decision.Verdict, decision.Reason)

	switch decision.Verdict {
	case model.VerdictDeny:
		return nil, &DeniedError{Decision: decision}
	case model.VerdictNeedsConfirmation:
		s.pending.MarkAwaiting(key)
		return &model.CreateResult{
			Estimate:             estimate,
			RequiresConfirmation: true,
			ConfirmationMessage:  decision.Detail,
			IdempotencyKey:       key,
		}, nil
	}

	expires := s.now().UTC().Add(hoursToDuration(req.TTLHours))

	if req.DryRun {
		return &model.CreateResult{
			Estimate:       estimate,
			DryRun:         true,
			IdempotencyKey: key,
		}, nil
	}

	node, err := s.pickNode(ctx, req)
	if err != nil {
		return nil, err
	}

	sshKey, err := s.cfg.SSHPubKey()
	if err != nil {
		return nil, fmt.Errorf("load ssh pubkey: %w", err)
	}

	// Raw create is never retried: a duplicate could double-provision.
	reply, err := s.backend.CreateResource(ctx, backend.CreateSpec{
		Name:               req.Name,
		NodeHash:           node.Hash,
		NodeURL:            node.URL,
		ComputeUnits:       req.ComputeUnits,
		OSImage:            req.OSImage,
		SSHPubKey:          sshKey,
		Identity:           signer,
		Payer:              s.resolver.CreateBillingAddress(),
		TermsAndConditions: node.TermsAndConditions,
	})
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	record := model.ResourceRecord{
		ID:             reply.ID,
		Name:           req.Name,
		NodeHash:       node.Hash,
		NodeURL:        node.URL,
		ComputeUnits:   req.ComputeUnits,
		OSImage:        req.OSImage,
		State:          model.StateProvisioning,
		SigningAddress: signer,
		PayerAddress:   payer,
		CreatedAt:      s.now().UTC(),
		TTLHours:       req.TTLHours,
		ExpiresAt:      expires,
		HourlyCost:     estimate.HourlyCost,
		Purpose:        req.Purpose,
		SSHUser:        "root",
	}

	// Durability boundary: the record is persisted as soon as the create
	// call returns, before any health check. A crash after this write is
	// recoverable by reconciliation.
	if err := s.store.Update(func(doc *ledger.Document) error {
		doc.Records[record.ID] = record
		return nil
	}); err != nil {
		return nil, fmt.Errorf("persist record %s: %w", record.ID, err)
	}
	s.commitSpend(estimate.TotalCost)

	result := &model.CreateResult{
		Estimate:       estimate,
		IdempotencyKey: key,
	}

	healthy, status := s.awaitHealthy(ctx, record.ID)
	if healthy {
		record.State = model.StateHealthy
		record.IPv4Host = status.IPv4Host
		record.SSHPort = status.SSHPort
		record.IPv6 = status.IPv6
		result.SSHCommand = sshCommand(status.IPv4Host, status.SSHPort, record.SSHUser)
	} else {
		record.State = model.StateFailed
		now := s.now().UTC()
		record.TerminatedAt = &now
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("instance %s failed health checks; automatic teardown attempted", record.ID))
		s.teardownBestEffort(ctx, &record, result)
	}

	if err := s.store.Update(func(doc *ledger.Document) error {
		doc.Records[record.ID] = record
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str("id", record.ID).Msg("persist post-health state")
	}

	result.Record = &record
	s.pending.MarkExecuted(key, result)

	s.logger.Info().
		Str("id", record.ID).
		Str("state", record.State).
		Float64("total_cost", estimate.TotalCost).
		Str("payer", payer).
		Msg("create resource completed")
	return result, nil
}

// pickNode resolves the target node: an explicit hash must exist and be
// active; otherwise the top-ranked node wins.
func (s *Service) pickNode(ctx context.Context, req CreateRequest) (model.NodeDescriptor, error) {
	var nodes []model.NodeDescriptor
	err := backend.Do(ctx, backend.ReadPolicy, func(ctx context.Context) error {
		var err error
		nodes, err = s.backend.ListNodes(ctx, model.NodeFilters{MinComputeUnits: req.ComputeUnits})
		return err
	})
	if err != nil {
		return model.NodeDescriptor{}, fmt.Errorf("list nodes: %w", err)
	}

	if req.NodeHash == "" {
		if len(nodes) == 0 {
			return model.NodeDescriptor{}, fmt.Errorf("%w: no active nodes available", backend.ErrRejected)
		}
		return nodes[0], nil
	}
	for _, n := range nodes {
		if n.Hash == req.NodeHash {
			return n, nil
		}
	}
	return model.NodeDescriptor{}, fmt.Errorf("%w: node %s not found or inactive", backend.ErrRejected, req.NodeHash)
}

// awaitHealthy polls the instance status within the fixed retry budget.
func (s *Service) awaitHealthy(ctx context.Context, id string) (bool, backend.StatusReply) {
	for attempt := 1; attempt <= s.healthAttempts; attempt++ {
		status, err := s.backend.ResourceStatus(ctx, id)
		if err == nil && status.Running {
			return true, status
		}
		if err != nil && !errors.Is(err, backend.ErrUnavailable) && !errors.Is(err, backend.ErrNotFound) {
			s.logger.Warn().Err(err).Str("id", id).Msg("health check rejected")
			return false, backend.StatusReply{}
		}
		if attempt < s.healthAttempts {
			if s.sleep(ctx, s.healthDelay) != nil {
				return false, backend.StatusReply{}
			}
		}
	}
	s.logger.Warn().Str("id", id).Int("attempts", s.healthAttempts).Msg("health check budget exhausted")
	return false, backend.StatusReply{}
}

// teardownBestEffort runs the teardown sequence for a failed instance.
// Failures are logged and surfaced as warnings, not retried indefinitely;
// reconciliation picks up whatever is left.
func (s *Service) teardownBestEffort(ctx context.Context, record *model.ResourceRecord, result *model.CreateResult) {
	for _, step := range model.TeardownSteps {
		err := backend.Do(ctx, backend.MutatePolicy, func(ctx context.Context) error {
			return s.backend.TeardownStep(ctx, record.ID, record.NodeURL, step)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("id", record.ID).Str("step", step).Msg("best-effort teardown step failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("teardown step %s failed for %s; resource may be orphaned on the network", step, record.ID))
			return
		}
		record.TeardownDone = append(record.TeardownDone, step)
	}
}
