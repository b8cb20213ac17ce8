package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edvin/agentvm/internal/model"
)

// ErrNotFound is returned when a resource ID has no ledger record.
var ErrNotFound = errors.New("resource not found in ledger")

// DeniedError carries a guard decision out of a rejected operation. No side
// effect has occurred when one is returned.
type DeniedError struct {
	Decision model.Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Decision.Reason, e.Decision.Detail)
	}
	return e.Decision.Reason
}

// denied builds a DeniedError for failures outside the guard chain
// (signing mismatch, delegation).
func denied(reason, detail string) *DeniedError {
	return &DeniedError{Decision: model.Decision{
		Verdict: model.VerdictDeny,
		Reason:  reason,
		Detail:  detail,
	}}
}

// PartialTeardownError reports a teardown that stopped partway. The record
// stays in the stopping state with completed steps annotated; a repeated
// destroy resumes from the first remaining step.
type PartialTeardownError struct {
	ID         string
	FailedStep string
	Remaining  []string
	Err        error
}

func (e *PartialTeardownError) Error() string {
	return fmt.Sprintf("%s: teardown of %s stopped at step %s (remaining: %s): %v",
		model.ReasonPartialTeardownFailure, e.ID, e.FailedStep, strings.Join(e.Remaining, ","), e.Err)
}

func (e *PartialTeardownError) Unwrap() error {
	return e.Err
}
