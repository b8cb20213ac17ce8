package model

import (
	"time"
)

// ResourceRecord is the local inventory entry for one provisioned instance.
// The ID is assigned by the provisioning backend and is immutable once set.
type ResourceRecord struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	NodeHash       string     `json:"node_hash"`
	NodeURL        string     `json:"node_url"`
	ComputeUnits   int        `json:"compute_units"`
	OSImage        string     `json:"os_image,omitempty"`
	State          string     `json:"state"`
	SigningAddress string     `json:"signing_address"`
	PayerAddress   string     `json:"payer_address"`
	CreatedAt      time.Time  `json:"created_at"`
	TTLHours       float64    `json:"ttl_hours"`
	ExpiresAt      time.Time  `json:"expires_at"`
	HourlyCost     float64    `json:"hourly_cost"`
	Purpose        string     `json:"purpose,omitempty"`
	IPv4Host       string     `json:"ipv4_host,omitempty"`
	SSHPort        int        `json:"ssh_port,omitempty"`
	IPv6           string     `json:"ipv6,omitempty"`
	SSHUser        string     `json:"ssh_user,omitempty"`
	TeardownDone   []string   `json:"teardown_done,omitempty"`
	LastReconciled *time.Time `json:"last_reconciled,omitempty"`
	// TerminatedAt is set when the record reaches a terminal state. The
	// record is kept as a tombstone so a repeated destroy is a no-op, and
	// pruned from the document after aging out.
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (r *ResourceRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// UptimeMinutes is the wall-clock runtime since creation.
func (r *ResourceRecord) UptimeMinutes(now time.Time) float64 {
	return now.Sub(r.CreatedAt).Minutes()
}

// StepDone reports whether a teardown step has already completed.
func (r *ResourceRecord) StepDone(step string) bool {
	for _, s := range r.TeardownDone {
		if s == step {
			return true
		}
	}
	return false
}

// NodeDescriptor describes a compute resource node available on the network.
type NodeDescriptor struct {
	Hash               string  `json:"hash"`
	Name               string  `json:"name"`
	URL                string  `json:"url"`
	Score              float64 `json:"score"`
	Version            string  `json:"version,omitempty"`
	HasGPU             bool    `json:"has_gpu"`
	TermsAndConditions string  `json:"terms_and_conditions,omitempty"`
}

// NodeFilters narrows node discovery results.
type NodeFilters struct {
	MinComputeUnits int  `json:"min_compute_units"`
	GPU             bool `json:"gpu"`
}
