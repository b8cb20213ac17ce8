package model

// Guard verdicts.
const (
	VerdictAllow             = "allow"
	VerdictDeny              = "deny"
	VerdictNeedsConfirmation = "needs_confirmation"
)

// Machine-readable denial and failure reasons.
const (
	ReasonTTLOutOfRange            = "TTLOutOfRange"
	ReasonConcurrencyLimitExceeded = "ConcurrencyLimitExceeded"
	ReasonSessionSpendExceeded     = "SessionSpendExceeded"
	ReasonBalanceGuardTriggered    = "BalanceGuardTriggered"
	ReasonNeedsConfirmation        = "NeedsConfirmation"
	ReasonSigningKeyMismatch       = "SigningKeyMismatch"
	ReasonNotAuthorized            = "NotAuthorized"
	ReasonBackendUnavailable       = "BackendUnavailable"
	ReasonBackendRejected          = "BackendRejected"
	ReasonOrphanDetected           = "OrphanDetected"
	ReasonPartialTeardownFailure   = "PartialTeardownFailure"
	ReasonPriceUnavailable         = "PriceUnavailable"
)

// Decision is the outcome of a safety guard evaluation. Detail is a
// human-readable explanation; Reason is the stable machine-readable code.
type Decision struct {
	Verdict  string       `json:"verdict"`
	Reason   string       `json:"reason,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	Estimate CostEstimate `json:"estimate"`
}

// Allowed reports whether the guarded operation may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}

// CostEstimate is the output of the pricing model for a proposed resource.
type CostEstimate struct {
	ComputeUnits int     `json:"compute_units"`
	TTLHours     float64 `json:"ttl_hours"`
	HourlyCost   float64 `json:"hourly_cost"`
	TotalCost    float64 `json:"total_cost"`
}
