// Package backend defines the provisioning backend port and its adapters.
// This is the only package that talks to the provider network; everything
// above it sees typed results and the sentinel error taxonomy in errors.go.
package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/edvin/agentvm/internal/model"
)

// Backend is the provisioning port. All calls are network operations with
// bounded timeouts enforced by the adapter.
type Backend interface {
	// ListNodes returns active compute nodes matching the filters,
	// ranked by score descending.
	ListNodes(ctx context.Context, filters model.NodeFilters) ([]model.NodeDescriptor, error)
	// UnitPrice returns the credit price of one compute unit for one hour.
	UnitPrice(ctx context.Context) (float64, error)
	// CreateResource provisions an instance and boots it on the target
	// node. Never retried blindly: a duplicate create double-provisions.
	CreateResource(ctx context.Context, spec CreateSpec) (CreateReply, error)
	// ResourceStatus reports reachability and network endpoint of an
	// instance.
	ResourceStatus(ctx context.Context, id string) (StatusReply, error)
	// TeardownStep executes one idempotent teardown step.
	TeardownStep(ctx context.Context, id, nodeURL, step string) error
	// ListOwned returns the authoritative set of instance IDs for a
	// signing identity.
	ListOwned(ctx context.Context, identity string) (map[string]struct{}, error)
	// Balance returns the payer's available credit balance.
	Balance(ctx context.Context, payer string) (float64, error)
}

// CreateSpec is the full provisioning request.
type CreateSpec struct {
	Name         string
	NodeHash     string
	NodeURL      string
	ComputeUnits int
	OSImage      string
	SSHPubKey    string
	Identity     string
	// Payer is the address billed for the instance. Empty means the
	// signing identity self-funds.
	Payer              string
	TermsAndConditions string
}

// CreateReply is the backend's answer to a successful create.
type CreateReply struct {
	ID string
}

// StatusReply is the backend's view of a running instance.
type StatusReply struct {
	Running  bool
	IPv4Host string
	SSHPort  int
	IPv6     string
}

// Tier describes the capacity bundle behind a compute-unit count.
type Tier struct {
	VCPUs     int
	MemoryMiB int
	DiskMiB   int
}

// tiers maps valid compute-unit counts to capacity. One unit is one vCPU
// and 2 GiB of memory.
var tiers = map[int]Tier{
	1:  {1, 2048, 20480},
	2:  {2, 4096, 40960},
	3:  {3, 6144, 61440},
	4:  {4, 8192, 81920},
	6:  {6, 12288, 122880},
	8:  {8, 16384, 163840},
	12: {12, 24576, 245760},
}

// ResolveTier validates a compute-unit count and returns its capacity.
func ResolveTier(computeUnits int) (Tier, error) {
	t, ok := tiers[computeUnits]
	if !ok {
		return Tier{}, fmt.Errorf("%w: invalid compute_units=%d, valid: %v",
			ErrRejected, computeUnits, ValidTiers())
	}
	return t, nil
}

// ValidTiers lists the accepted compute-unit counts in ascending order.
func ValidTiers() []int {
	units := make([]int, 0, len(tiers))
	for u := range tiers {
		units = append(units, u)
	}
	sort.Ints(units)
	return units
}

// OS image catalog. The map values are the rootfs references the network
// expects.
var osImages = map[string]string{
	"ubuntu22": "rootfs-ubuntu-22.04",
	"ubuntu24": "rootfs-ubuntu-24.04",
	"debian12": "rootfs-debian-12",
}

// DefaultOSImage is used when a create request names no image.
const DefaultOSImage = "ubuntu22"

// ResolveOSImage validates an image name and returns its rootfs reference.
func ResolveOSImage(name string) (string, error) {
	ref, ok := osImages[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown os_image=%q, valid: %v", ErrRejected, name, imageNames())
	}
	return ref, nil
}

func imageNames() []string {
	names := make([]string, 0, len(osImages))
	for n := range osImages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
