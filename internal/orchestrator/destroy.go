package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/cost"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/model"
)

// DestroyResource drives teardown for one resource. Destroy is resumable:
// each completed step is persisted, and a repeated call continues from the
// first incomplete step instead of starting over.
func (s *Service) DestroyResource(ctx context.Context, id string) (*model.DestroyResult, error) {
	defer s.observe("destroy_resource", s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyLocked(ctx, id)
}

func (s *Service) destroyLocked(ctx context.Context, id string) (*model.DestroyResult, error) {
	record, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := s.now().UTC()

	// Repeated destroy after full success is a no-op, not an error.
	if record.State == model.StateTerminated {
		return &model.DestroyResult{
			ID:             id,
			FinalState:     model.StateTerminated,
			RuntimeMinutes: terminatedRuntime(&record),
			RealizedCost:   realizedCost(&record),
		}, nil
	}

	// The backend call would "succeed" against the wrong identity's
	// resource scope and silently change nothing. Hard deny instead.
	signer := s.keystore.SigningAddress()
	if record.SigningAddress != "" && !strings.EqualFold(record.SigningAddress, signer) {
		return nil, denied(model.ReasonSigningKeyMismatch,
			fmt.Sprintf("resource %s was created by %s but the current key signs as %s", id, record.SigningAddress, signer))
	}

	if record.State != model.StateStopping {
		record.State = model.StateStopping
		if err := s.persistRecord(record); err != nil {
			return nil, err
		}
	}

	for _, step := range model.TeardownSteps {
		if record.StepDone(step) {
			continue
		}
		err := backend.Do(ctx, backend.MutatePolicy, func(ctx context.Context) error {
			return s.backend.TeardownStep(ctx, record.ID, record.NodeURL, step)
		})
		if err != nil {
			// Persist progress so the next destroy resumes here.
			if perr := s.persistRecord(record); perr != nil {
				s.logger.Error().Err(perr).Str("id", id).Msg("persist partial teardown state")
			}
			return nil, &PartialTeardownError{
				ID:         id,
				FailedStep: step,
				Remaining:  remainingSteps(&record),
				Err:        err,
			}
		}
		record.TeardownDone = append(record.TeardownDone, step)
		if err := s.persistRecord(record); err != nil {
			return nil, err
		}
	}

	record.State = model.StateTerminated
	record.TerminatedAt = &now
	if err := s.persistRecord(record); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("id", id).
		Float64("realized_cost", realizedCost(&record)).
		Msg("resource destroyed")

	return &model.DestroyResult{
		ID:             id,
		FinalState:     model.StateTerminated,
		RuntimeMinutes: record.UptimeMinutes(now),
		RealizedCost:   cost.Accrued(&record, now),
	}, nil
}

func (s *Service) persistRecord(record model.ResourceRecord) error {
	return s.store.Update(func(doc *ledger.Document) error {
		doc.Records[record.ID] = record
		return nil
	})
}

func remainingSteps(record *model.ResourceRecord) []string {
	var remaining []string
	for _, step := range model.TeardownSteps {
		if !record.StepDone(step) {
			remaining = append(remaining, step)
		}
	}
	return remaining
}

func terminatedRuntime(record *model.ResourceRecord) float64 {
	if record.TerminatedAt == nil {
		return 0
	}
	return record.TerminatedAt.Sub(record.CreatedAt).Minutes()
}

func realizedCost(record *model.ResourceRecord) float64 {
	if record.TerminatedAt == nil {
		return 0
	}
	return cost.Accrued(record, *record.TerminatedAt)
}
