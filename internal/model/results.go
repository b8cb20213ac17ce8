package model

import "time"

// ResourceSummary is the per-record view returned by list and balance calls.
type ResourceSummary struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	NodeURL       string     `json:"node_url,omitempty"`
	UptimeMinutes float64    `json:"uptime_minutes"`
	CostSoFar     float64    `json:"cost_so_far"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	SSHCommand    string     `json:"ssh_command,omitempty"`
	Expired       bool       `json:"expired"`
	Orphan        bool       `json:"orphan,omitempty"`
}

// BalanceResult is the answer to a check_balance call.
type BalanceResult struct {
	PayerAddress    string            `json:"payer_address"`
	BalanceCredits  float64           `json:"balance_credits"`
	BurnRatePerHour float64           `json:"burn_rate_per_hour"`
	RunwayHours     *float64          `json:"runway_hours,omitempty"`
	ActiveCount     int               `json:"active_count"`
	ActiveResources []ResourceSummary `json:"active_resources"`
	Warnings        []string          `json:"warnings,omitempty"`
}

// CreateResult is the answer to a create_resource call. When the cost
// threshold requires confirmation, RequiresConfirmation is set, no resource
// exists, and the caller must resubmit with the same idempotency key and
// confirmed=true.
type CreateResult struct {
	Record               *ResourceRecord `json:"record,omitempty"`
	Estimate             CostEstimate    `json:"estimate"`
	SSHCommand           string          `json:"ssh_command,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	ConfirmationMessage  string          `json:"confirmation_message,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	DryRun               bool            `json:"dry_run,omitempty"`
	Warnings             []string        `json:"warnings,omitempty"`
}

// DestroyResult is the answer to a destroy_resource call.
type DestroyResult struct {
	ID             string  `json:"id"`
	FinalState     string  `json:"final_state"`
	RuntimeMinutes float64 `json:"runtime_minutes"`
	RealizedCost   float64 `json:"realized_cost"`
	// StepsRemaining is non-empty on partial teardown failure; a repeated
	// destroy call resumes from the first listed step.
	StepsRemaining []string `json:"steps_remaining,omitempty"`
}

// ExtendResult is the answer to an extend_resource call.
type ExtendResult struct {
	ID             string    `json:"id"`
	NewExpiresAt   time.Time `json:"new_expires_at"`
	AdditionalCost float64   `json:"additional_cost_estimate"`
}

// ReconciliationResult is the outcome of diffing local inventory against
// the backend's authoritative list. Pure point-in-time sets; orphans are
// surfaced, never auto-deleted.
type ReconciliationResult struct {
	Matched       []string `json:"matched"`
	Orphans       []string `json:"orphans"`
	Stale         []string `json:"stale"`
	ExpiredActive []string `json:"expired_active"`
}
