package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/config"
	"github.com/edvin/agentvm/internal/identity"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/metrics"
	"github.com/edvin/agentvm/internal/model"
	"github.com/edvin/agentvm/internal/safety"
)

const testPubKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGJ8c2BoVpXkzxUcnCE4DZPnZ2dWhQbMVUvDcjtS4on7 test@host"

type stubKeystore string

func (k stubKeystore) SigningAddress() string { return string(k) }

type harness struct {
	svc  *Service
	fake *backend.Fake
	cfg  *config.Config
}

func newHarness(t *testing.T, fake *backend.Fake, signer string, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(pubPath, []byte(testPubKey+"\n"), 0o600))

	cfg := &config.Config{
		BackendURL:           "https://backend.test",
		KeyPath:              filepath.Join(dir, "agent.key"),
		SSHPubkeyPath:        pubPath,
		LedgerPath:           filepath.Join(dir, "ledger.json"),
		MaxConcurrent:        3,
		DefaultTTLHours:      4,
		MaxTTLHours:          24,
		BalanceGuardFraction: 0.2,
		CostThreshold:        10,
		DefaultOSImage:       "ubuntu22",
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	require.NoError(t, err)

	ks := stubKeystore(signer)
	svc := New(cfg, store, fake, ks, identity.NewResolver(ks, cfg.HumanAddress),
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	svc.healthAttempts = 3
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return &harness{svc: svc, fake: fake, cfg: cfg}
}

func fundedFake(signer string, balance float64) *backend.Fake {
	fake := backend.NewFake()
	fake.Balances[signer] = balance
	return fake
}

// ---------- create ----------

func TestCreateResource_HappyPath(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{Purpose: "build box"})
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.Equal(t, model.StateHealthy, res.Record.State)
	assert.Equal(t, 1, res.Record.ComputeUnits)
	assert.Equal(t, 4.0, res.Record.TTLHours)
	assert.Equal(t, signer, res.Record.SigningAddress)
	assert.InDelta(t, 6.0, res.Estimate.TotalCost, 1e-9) // 1 CU * 1.5/h * 4h
	assert.Contains(t, res.SSHCommand, "203.0.113.7")
	assert.Contains(t, res.SSHCommand, "-p 22022")

	// The create landed on the best-scored node with the configured key.
	created := h.fake.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "node-aaa", created[0].NodeHash)
	assert.Equal(t, testPubKey, created[0].SSHPubKey)

	// The record is durable.
	persisted, ok := h.svc.store.Get(res.Record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateHealthy, persisted.State)
	assert.Equal(t, "build box", persisted.Purpose)
	assert.InDelta(t, 6.0, h.svc.sessionSpend, 1e-9)
}

func TestCreateResource_NeedsConfirmationThenConfirmed(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 1000), signer, nil)

	// 4 CU * 1.5/h * 4h = 24 credits, above the 10-credit threshold.
	req := CreateRequest{ComputeUnits: 4}
	res, err := h.svc.CreateResource(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.RequiresConfirmation)
	assert.NotEmpty(t, res.IdempotencyKey)
	assert.Nil(t, res.Record)
	// Nothing was committed: no backend call, no ledger entry, no spend.
	assert.Empty(t, h.fake.Created())
	assert.Empty(t, h.svc.store.Snapshot())
	assert.Zero(t, h.svc.sessionSpend)

	req.IdempotencyKey = res.IdempotencyKey
	req.Confirmed = true
	res2, err := h.svc.CreateResource(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res2.Record)
	assert.Equal(t, model.StateHealthy, res2.Record.State)
	assert.Len(t, h.fake.Created(), 1)
}

func TestCreateResource_ExecutedKeyReplays(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	req := CreateRequest{IdempotencyKey: "retry-key"}
	res, err := h.svc.CreateResource(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	// A retried key replays the stored result without a second provision.
	res2, err := h.svc.CreateResource(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, res.Record.ID, res2.Record.ID)
	assert.Len(t, h.fake.Created(), 1)
	assert.InDelta(t, 6.0, h.svc.sessionSpend, 1e-9)
}

func TestCreateResource_BalanceGuard(t *testing.T) {
	const signer = "0xagent"
	newBalanceHarness := func(t *testing.T, balance float64) *harness {
		fake := fundedFake(signer, balance)
		fake.Price = 5 // 1 CU * 5/h * 4h = 20 credits
		return newHarness(t, fake, signer, func(cfg *config.Config) {
			cfg.CostThreshold = 100 // keep the confirmation rule out of the way
		})
	}

	t.Run("sufficient balance allows", func(t *testing.T) {
		h := newBalanceHarness(t, 100)
		res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
		require.NoError(t, err)
		assert.Equal(t, model.StateHealthy, res.Record.State)
	})

	t.Run("projected balance below reserve denies", func(t *testing.T) {
		h := newBalanceHarness(t, 22)
		_, err := h.svc.CreateResource(context.Background(), CreateRequest{})
		var dErr *DeniedError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, model.ReasonBalanceGuardTriggered, dErr.Decision.Reason)
		assert.Empty(t, h.svc.store.Snapshot())
	})
}

func TestCreateResource_ConcurrencyLimitUnderContention(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 10000), signer, nil)

	const attempts = 5
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.CreateResource(context.Background(), CreateRequest{})
		}(i)
	}
	wg.Wait()

	succeeded, denied := 0, 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var dErr *DeniedError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, model.ReasonConcurrencyLimitExceeded, dErr.Decision.Reason)
		denied++
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, denied)
	assert.Len(t, h.fake.Created(), 3)
}

func TestCreateResource_DryRun(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Nil(t, res.Record)
	assert.InDelta(t, 6.0, res.Estimate.TotalCost, 1e-9)
	assert.Empty(t, h.fake.Created())
	assert.Empty(t, h.svc.store.Snapshot())
}

func TestCreateResource_PriceUnavailableFailsClosed(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	fake.PriceErr = backend.ErrPriceUnavailable
	h := newHarness(t, fake, signer, nil)

	_, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.ErrorIs(t, err, backend.ErrPriceUnavailable)
	assert.Empty(t, h.fake.Created())
	assert.Empty(t, h.svc.store.Snapshot())
}

func TestCreateResource_InvalidTierRejected(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	_, err := h.svc.CreateResource(context.Background(), CreateRequest{ComputeUnits: 5})
	require.Error(t, err)
	assert.Empty(t, h.fake.Created())
}

func TestCreateResource_FailedHealthTriggersTeardown(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	fake.StatusPendingPolls = 100 // never comes up within the budget
	h := newHarness(t, fake, signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.Equal(t, model.StateFailed, res.Record.State)
	require.NotNil(t, res.Record.TerminatedAt)
	assert.NotEmpty(t, res.Warnings)

	// Best-effort teardown ran the full sequence.
	calls := h.fake.StepCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, model.StepErase+":"+res.Record.ID, calls[0])

	persisted, ok := h.svc.store.Get(res.Record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateFailed, persisted.State)
}

// ---------- destroy ----------

func TestDestroyResource_FullSequence(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	out, err := h.svc.DestroyResource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, out.FinalState)

	calls := h.fake.StepCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{
		model.StepErase + ":" + id,
		model.StepReleasePorts + ":" + id,
		model.StepRetractRecord + ":" + id,
	}, calls)

	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StateTerminated, persisted.State)
	require.NotNil(t, persisted.TerminatedAt)
}

func TestDestroyResource_DoubleDestroyIsNoop(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	_, err = h.svc.DestroyResource(context.Background(), id)
	require.NoError(t, err)

	out, err := h.svc.DestroyResource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, out.FinalState)
	// No additional backend calls on the second destroy.
	assert.Len(t, h.fake.StepCalls(), 3)
}

func TestDestroyResource_PartialFailureResumes(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	h := newHarness(t, fake, signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	fake.StepErrs[model.StepReleasePorts] = backend.ErrRejected
	_, err = h.svc.DestroyResource(context.Background(), id)
	var pErr *PartialTeardownError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, model.StepReleasePorts, pErr.FailedStep)
	assert.Equal(t, []string{model.StepReleasePorts, model.StepRetractRecord}, pErr.Remaining)

	// Progress was persisted; the record is mid-teardown, not terminated.
	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StateStopping, persisted.State)
	assert.Equal(t, []string{model.StepErase}, persisted.TeardownDone)

	// The next destroy resumes from the failed step, never repeating erase.
	delete(fake.StepErrs, model.StepReleasePorts)
	out, err := h.svc.DestroyResource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, out.FinalState)

	calls := h.fake.StepCalls()
	assert.Equal(t, []string{
		model.StepErase + ":" + id,
		model.StepReleasePorts + ":" + id,
		model.StepReleasePorts + ":" + id,
		model.StepRetractRecord + ":" + id,
	}, calls)
}

func TestDestroyResource_SigningKeyMismatch(t *testing.T) {
	const creator = "0xagent-a"
	fake := fundedFake(creator, 100)
	h := newHarness(t, fake, creator, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	// A second identity sharing the ledger cannot tear the record down.
	other := stubKeystore("0xagent-b")
	intruder := New(h.cfg, h.svc.store, fake, other, identity.NewResolver(other, ""),
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())

	_, err = intruder.DestroyResource(context.Background(), id)
	var dErr *DeniedError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, model.ReasonSigningKeyMismatch, dErr.Decision.Reason)

	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StateHealthy, persisted.State)
}

func TestDestroyResource_UnknownID(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	_, err := h.svc.DestroyResource(context.Background(), "vm-nope")
	require.ErrorIs(t, err, ErrNotFound)
}

// ---------- extend ----------

func TestExtendResource(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID
	originalExpiry := res.Record.ExpiresAt
	spendBefore := h.svc.sessionSpend

	out, err := h.svc.ExtendResource(context.Background(), id, 2, "")
	require.NoError(t, err)
	assert.Equal(t, originalExpiry.Add(2*time.Hour), out.NewExpiresAt)
	assert.InDelta(t, 3.0, out.AdditionalCost, 1e-9) // 1 CU * 1.5/h * 2h
	assert.InDelta(t, spendBefore+3.0, h.svc.sessionSpend, 1e-9)

	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, out.NewExpiresAt, persisted.ExpiresAt)
	assert.InDelta(t, 6.0, persisted.TTLHours, 1e-3)
}

func TestExtendResource_CappedByMaxTTL(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 10000), signer, func(cfg *config.Config) {
		cfg.CostThreshold = 1000
	})

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{TTLHours: 20})
	require.NoError(t, err)

	// 20h + 6h would exceed the 24h ceiling.
	_, err = h.svc.ExtendResource(context.Background(), res.Record.ID, 6, "")
	var dErr *DeniedError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, model.ReasonTTLOutOfRange, dErr.Decision.Reason)
}

func TestExtendResource_OnlyHealthy(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	_, err = h.svc.DestroyResource(context.Background(), res.Record.ID)
	require.NoError(t, err)

	_, err = h.svc.ExtendResource(context.Background(), res.Record.ID, 1, "")
	var dErr *DeniedError
	require.ErrorAs(t, err, &dErr)
}

// ---------- reconcile and queries ----------

func TestReconcile_StaleAndOrphans(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 1000)
	h := newHarness(t, fake, signer, nil)

	res1, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	res2, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)

	// res1 vanishes from the backend; an unknown instance appears.
	fake.Forget(res1.Record.ID)
	fake.ExtraOwned = []string{"vm-orphan"}

	out, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{res1.Record.ID}, out.Stale)
	assert.Equal(t, []string{res2.Record.ID}, out.Matched)
	assert.Equal(t, []string{"vm-orphan"}, out.Orphans)

	stale, ok := h.svc.store.Get(res1.Record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateTerminated, stale.State)
	require.NotNil(t, stale.TerminatedAt)

	matched, ok := h.svc.store.Get(res2.Record.ID)
	require.True(t, ok)
	require.NotNil(t, matched.LastReconciled)
}

func TestReconcile_ExpiredActiveFlagged(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	// Rewind the clock past the record's TTL.
	h.svc.now = func() time.Time { return time.Now().Add(5 * time.Hour) }

	out, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, out.ExpiredActive)

	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StateExpired, persisted.State)
}

func TestReconcile_CleanupExpiredTearsDown(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	h := newHarness(t, fake, signer, func(cfg *config.Config) {
		cfg.CleanupExpired = true
	})

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	id := res.Record.ID

	h.svc.now = func() time.Time { return time.Now().Add(5 * time.Hour) }

	_, err = h.svc.Reconcile(context.Background())
	require.NoError(t, err)

	persisted, ok := h.svc.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StateTerminated, persisted.State)
	assert.Len(t, h.fake.StepCalls(), 3)
}

func TestCheckBalance(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	fake.ExtraOwned = []string{"vm-orphan"}
	h := newHarness(t, fake, signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)

	out, err := h.svc.CheckBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, signer, out.PayerAddress)
	assert.Equal(t, 100.0, out.BalanceCredits)
	assert.InDelta(t, 1.5, out.BurnRatePerHour, 1e-9)
	require.NotNil(t, out.RunwayHours)
	assert.InDelta(t, 100/1.5, *out.RunwayHours, 1e-6)
	assert.Equal(t, 1, out.ActiveCount)
	require.Len(t, out.ActiveResources, 1)
	assert.Equal(t, res.Record.ID, out.ActiveResources[0].ID)

	// The first balance check sweeps for orphans.
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "vm-orphan")

	// The sweep runs once per process; later calls come back clean.
	out2, err := h.svc.CheckBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, out2.Warnings)
}

func TestListResources_IncludesOrphans(t *testing.T) {
	const signer = "0xagent"
	fake := fundedFake(signer, 100)
	h := newHarness(t, fake, signer, nil)

	res, err := h.svc.CreateResource(context.Background(), CreateRequest{})
	require.NoError(t, err)
	fake.ExtraOwned = []string{"vm-orphan"}

	out, err := h.svc.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, res.Record.ID, out[0].ID)
	assert.False(t, out[0].Orphan)
	assert.Equal(t, "vm-orphan", out[1].ID)
	assert.True(t, out[1].Orphan)
}

func TestListNodes_SortedByScore(t *testing.T) {
	const signer = "0xagent"
	h := newHarness(t, fundedFake(signer, 100), signer, nil)

	nodes, err := h.svc.ListNodes(context.Background(), model.NodeFilters{})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-aaa", nodes[0].Hash)

	gpuOnly, err := h.svc.ListNodes(context.Background(), model.NodeFilters{GPU: true})
	require.NoError(t, err)
	require.Len(t, gpuOnly, 1)
	assert.Equal(t, "node-bbb", gpuOnly[0].Hash)
}

func TestPendingCacheStatesAreDistinct(t *testing.T) {
	// Guard against awaiting entries replaying as executed results.
	cache := safety.NewPendingCache(time.Minute)
	cache.MarkAwaiting("k")
	entry, ok := cache.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, safety.PendingAwaiting, entry.State)
	assert.Nil(t, entry.Result)
}
