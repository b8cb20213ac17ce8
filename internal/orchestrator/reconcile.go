package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/model"
)

// Reconcile diffs the local ledger against the backend's authoritative
// instance list for the signing identity, and repairs local state: records
// the backend no longer knows about become terminated, matched records get
// a fresh reconciliation stamp, and healthy records past their TTL are
// flagged expired (and torn down when cleanup is enabled). Orphans are
// only reported; nothing on the backend is touched without an explicit
// destroy. Concurrent callers share one in-flight pass per identity.
func (s *Service) Reconcile(ctx context.Context) (*model.ReconciliationResult, error) {
	identity := s.keystore.SigningAddress()
	v, err, _ := s.reconcileGroup.Do(identity, func() (interface{}, error) {
		return s.reconcileOnce(ctx, identity)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ReconciliationResult), nil
}

func (s *Service) reconcileOnce(ctx context.Context, identity string) (*model.ReconciliationResult, error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var remote map[string]struct{}
	err := backend.Do(ctx, backend.ReadPolicy, func(ctx context.Context) error {
		var err error
		remote, err = s.backend.ListOwned(ctx, identity)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list owned instances: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	result := ledger.Reconcile(s.store.Snapshot(), remote, now)

	err = s.store.Update(func(doc *ledger.Document) error {
		for _, id := range result.Stale {
			r, ok := doc.Records[id]
			if !ok {
				continue
			}
			t := now
			r.State = model.StateTerminated
			r.TerminatedAt = &t
			doc.Records[id] = r
			s.logger.Warn().Str("id", id).Msg("stale record: gone from backend, marking terminated")
		}
		for _, id := range result.Matched {
			r, ok := doc.Records[id]
			if !ok {
				continue
			}
			t := now
			r.LastReconciled = &t
			doc.Records[id] = r
		}
		for _, id := range result.ExpiredActive {
			r, ok := doc.Records[id]
			if !ok || r.State != model.StateHealthy {
				continue
			}
			r.State = model.StateExpired
			doc.Records[id] = r
			s.logger.Warn().Str("id", id).Time("expired_at", r.ExpiresAt).Msg("resource past TTL")
		}
		// Age out tombstones so the document does not grow without bound.
		for id, r := range doc.Records {
			if r.TerminatedAt != nil && now.Sub(*r.TerminatedAt) > tombstoneRetention {
				delete(doc.Records, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply reconciliation: %w", err)
	}

	s.countAnomalies(result)

	if s.cfg.CleanupExpired {
		for _, id := range result.ExpiredActive {
			if _, derr := s.destroyLocked(ctx, id); derr != nil {
				s.logger.Error().Err(derr).Str("id", id).Msg("expired resource teardown failed")
			}
		}
	}

	return &result, nil
}

func (s *Service) countAnomalies(result model.ReconciliationResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.ReconcileAnomalies.WithLabelValues("orphan").Add(float64(len(result.Orphans)))
	s.metrics.ReconcileAnomalies.WithLabelValues("stale").Add(float64(len(result.Stale)))
	s.metrics.ReconcileAnomalies.WithLabelValues("expired_active").Add(float64(len(result.ExpiredActive)))
}
