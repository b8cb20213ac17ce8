// Package orchestrator drives each resource through its lifecycle state
// machine, sequencing calls to the provisioning backend and the ledger. It
// is the only writer of state transitions.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/config"
	"github.com/edvin/agentvm/internal/identity"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/metrics"
	"github.com/edvin/agentvm/internal/safety"
)

const (
	// pendingTTL bounds how long an idempotency key stays live.
	pendingTTL = 15 * time.Minute
	// priceTTL bounds how long a fetched unit price is reused.
	priceTTL = 10 * time.Minute
	// tombstoneRetention is how long terminated records are kept so a
	// repeated destroy can report the already-terminated state.
	tombstoneRetention = 24 * time.Hour
)

type Service struct {
	cfg      *config.Config
	limits   safety.Limits
	store    *ledger.Store
	backend  backend.Backend
	keystore identity.Keystore
	resolver *identity.Resolver
	pending  *safety.PendingCache
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// mu serializes the read-evaluate-write sequence of all mutating
	// operations. Read-only queries take the shared side.
	mu sync.RWMutex

	// sessionSpend accumulates committed spend for the process lifetime.
	// Written only under mu's exclusive side.
	sessionSpend float64

	priceMu      sync.Mutex
	price        float64
	priceFetched time.Time

	// reconcileGroup collapses concurrent reconciliation requests into a
	// single in-flight pass per identity.
	reconcileGroup singleflight.Group

	// orphanChecked gates the once-per-session orphan sweep on the first
	// balance check.
	orphanChecked atomic.Bool

	// Health-check budget for new instances. Overridable in tests.
	healthAttempts int
	healthDelay    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the orchestrator. The config is immutable; all limits are fixed
// for the process lifetime.
func New(
	cfg *config.Config,
	store *ledger.Store,
	be backend.Backend,
	keystore identity.Keystore,
	resolver *identity.Resolver,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:            cfg,
		limits:         cfg.Limits(),
		store:          store,
		backend:        be,
		keystore:       keystore,
		resolver:       resolver,
		pending:        safety.NewPendingCache(pendingTTL),
		metrics:        m,
		logger:         logger.With().Str("component", "orchestrator").Logger(),
		healthAttempts: 10,
		healthDelay:    3 * time.Second,
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// unitPrice returns the cached per-unit hourly rate, fetching it from the
// backend when stale. Fails closed: no rate means no estimate.
func (s *Service) unitPrice(ctx context.Context) (float64, error) {
	s.priceMu.Lock()
	defer s.priceMu.Unlock()

	if s.price > 0 && s.now().Sub(s.priceFetched) < priceTTL {
		return s.price, nil
	}

	var price float64
	err := backend.Do(ctx, backend.ReadPolicy, func(ctx context.Context) error {
		var err error
		price, err = s.backend.UnitPrice(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch unit price: %w", err)
	}

	s.price = price
	s.priceFetched = s.now()
	return price, nil
}

// fetchBalance reads the payer's balance with the liberal read budget.
func (s *Service) fetchBalance(ctx context.Context, payer string) (float64, error) {
	var balance float64
	err := backend.Do(ctx, backend.ReadPolicy, func(ctx context.Context) error {
		var err error
		balance, err = s.backend.Balance(ctx, payer)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch balance for %s: %w", payer, err)
	}
	return balance, nil
}

func sshCommand(host string, port int, user string) string {
	if host == "" || port == 0 {
		return ""
	}
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s@%s -p %d", user, host, port)
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) countDecision(verdict, reason string) {
	if s.metrics != nil {
		s.metrics.GuardDecisions.WithLabelValues(verdict, reason).Inc()
	}
}

// commitSpend records a committed spend. Caller must hold mu exclusively.
func (s *Service) commitSpend(amount float64) {
	s.sessionSpend += amount
	if s.metrics != nil {
		s.metrics.SessionSpend.Set(s.sessionSpend)
	}
}
