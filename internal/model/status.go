package model

// Lifecycle states for a provisioned resource.
const (
	StateRequested    = "requested"
	StateProvisioning = "provisioning"
	StateHealthy      = "healthy"
	StateStopping     = "stopping"
	StateTerminated   = "terminated"
	StateFailed       = "failed"
	// StateExpired marks a healthy record whose TTL has elapsed. It is a
	// teardown trigger, not a terminal state: the record still accrues cost
	// until it is destroyed.
	StateExpired = "expired"
)

// Teardown steps, executed in this order. A record in StateStopping carries
// the set of completed steps so a repeated destroy resumes at the first
// incomplete step.
const (
	StepErase         = "erase"
	StepReleasePorts  = "release_ports"
	StepRetractRecord = "retract_record"
)

// TeardownSteps is the full ordered teardown sequence.
var TeardownSteps = []string{StepErase, StepReleasePorts, StepRetractRecord}

// IsTerminal reports whether a state can no longer accrue cost.
func IsTerminal(state string) bool {
	return state == StateTerminated || state == StateFailed
}

// IsBurning reports whether a record in this state counts toward burn rate
// and the concurrency limit.
func IsBurning(state string) bool {
	switch state {
	case StateRequested, StateProvisioning, StateHealthy, StateExpired, StateStopping:
		return true
	}
	return false
}

// validTransitions maps each state to the states reachable from it.
var validTransitions = map[string][]string{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateHealthy, StateFailed, StateTerminated},
	StateHealthy:      {StateExpired, StateStopping, StateTerminated},
	StateExpired:      {StateStopping, StateTerminated},
	StateStopping:     {StateTerminated, StateFailed},
	// A failed resource may still exist remotely; destroy is allowed to
	// drive it through teardown.
	StateFailed: {StateStopping, StateTerminated},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
