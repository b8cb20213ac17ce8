package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/edvin/agentvm/internal/model"
)

// Fake is the in-memory Backend used to test the guard, ledger, and
// orchestrator without a network. Failure injection fields are read on each
// call; tests mutate them between operations.
type Fake struct {
	mu sync.Mutex

	Price    float64
	PriceErr error

	Balances   map[string]float64
	BalanceErr error

	Nodes        []model.NodeDescriptor
	ListNodesErr error

	CreateErr error
	// StatusPendingPolls makes ResourceStatus report not-running this many
	// times before reporting a running instance.
	StatusPendingPolls int
	StatusErr          error
	StatusReply        StatusReply

	// StepErrs injects persistent failures per teardown step.
	StepErrs map[string]error

	ListOwnedErr error
	// ExtraOwned simulates instances on the network that the local ledger
	// does not know about (orphans).
	ExtraOwned []string

	owned     map[string]struct{}
	created   []CreateSpec
	stepCalls []string
	nextID    int
}

// NewFake returns a Fake with a funded default payer and one active node.
func NewFake() *Fake {
	return &Fake{
		Price:    1.5,
		Balances: map[string]float64{},
		Nodes: []model.NodeDescriptor{
			{Hash: "node-aaa", Name: "crn-alpha", URL: "https://crn-alpha.test", Score: 0.95},
			{Hash: "node-bbb", Name: "crn-beta", URL: "https://crn-beta.test", Score: 0.80, HasGPU: true},
		},
		StatusReply: StatusReply{Running: true, IPv4Host: "203.0.113.7", SSHPort: 22022, IPv6: "2001:db8::7"},
		StepErrs:    map[string]error{},
		owned:       map[string]struct{}{},
	}
}

func (f *Fake) ListNodes(_ context.Context, filters model.NodeFilters) ([]model.NodeDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListNodesErr != nil {
		return nil, f.ListNodesErr
	}
	var out []model.NodeDescriptor
	for _, n := range f.Nodes {
		if filters.GPU && !n.HasGPU {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *Fake) UnitPrice(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PriceErr != nil {
		return 0, f.PriceErr
	}
	return f.Price, nil
}

func (f *Fake) CreateResource(_ context.Context, spec CreateSpec) (CreateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return CreateReply{}, f.CreateErr
	}
	if _, err := ResolveTier(spec.ComputeUnits); err != nil {
		return CreateReply{}, err
	}
	f.nextID++
	id := fmt.Sprintf("vm-%04d", f.nextID)
	f.owned[id] = struct{}{}
	f.created = append(f.created, spec)
	return CreateReply{ID: id}, nil
}

func (f *Fake) ResourceStatus(_ context.Context, id string) (StatusReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return StatusReply{}, f.StatusErr
	}
	if _, ok := f.owned[id]; !ok {
		return StatusReply{}, ErrNotFound
	}
	if f.StatusPendingPolls > 0 {
		f.StatusPendingPolls--
		return StatusReply{Running: false}, nil
	}
	return f.StatusReply, nil
}

func (f *Fake) TeardownStep(_ context.Context, id, _, step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepCalls = append(f.stepCalls, step+":"+id)
	if err := f.StepErrs[step]; err != nil {
		return err
	}
	if step == model.StepRetractRecord {
		delete(f.owned, id)
	}
	return nil
}

func (f *Fake) ListOwned(context.Context, string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListOwnedErr != nil {
		return nil, f.ListOwnedErr
	}
	out := make(map[string]struct{}, len(f.owned)+len(f.ExtraOwned))
	for id := range f.owned {
		out[id] = struct{}{}
	}
	for _, id := range f.ExtraOwned {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *Fake) Balance(_ context.Context, payer string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return 0, f.BalanceErr
	}
	return f.Balances[payer], nil
}

// Created returns a copy of all create specs the fake has seen.
func (f *Fake) Created() []CreateSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreateSpec(nil), f.created...)
}

// StepCalls returns teardown step invocations in order, as "step:id".
func (f *Fake) StepCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stepCalls...)
}

// Forget removes an instance from the fake's owned set, simulating external
// deletion (a stale local record).
func (f *Fake) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owned, id)
}
