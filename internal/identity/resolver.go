package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthorized is returned when a delegated payer is referenced but no
// delegation is configured. The resolver fails closed: it never guesses a
// payer.
var ErrNotAuthorized = errors.New("not authorized: no delegation configured")

// PayerHintDelegated selects the configured human payer by name instead of
// by address.
const PayerHintDelegated = "delegated"

// Resolver determines the effective payer for an operation. It performs no
// authorization check beyond confirming a delegation is configured; the
// actual grant lives out of band on the network.
type Resolver struct {
	keystore Keystore
	// humanAddress is the delegated payer address, empty when the agent
	// self-funds.
	humanAddress string
}

// NewResolver builds a resolver for the given keystore and optional
// delegated payer address.
func NewResolver(keystore Keystore, humanAddress string) *Resolver {
	return &Resolver{keystore: keystore, humanAddress: humanAddress}
}

// Payer resolves the address an operation is billed against.
//
// An empty hint picks the configured default: the delegated human when one
// is configured, otherwise the signing identity itself. The "delegated"
// hint demands a configured delegation and fails closed without one. Any
// other hint must match the configured delegation exactly.
func (r *Resolver) Payer(hint string) (string, error) {
	self := r.keystore.SigningAddress()

	switch {
	case hint == "":
		if r.humanAddress != "" {
			return r.humanAddress, nil
		}
		return self, nil
	case hint == PayerHintDelegated:
		if r.humanAddress == "" {
			return "", ErrNotAuthorized
		}
		return r.humanAddress, nil
	case strings.EqualFold(hint, self):
		return self, nil
	case strings.EqualFold(hint, r.humanAddress):
		return r.humanAddress, nil
	default:
		return "", fmt.Errorf("%w: payer %s is neither self nor the configured delegation", ErrNotAuthorized, hint)
	}
}

// CreateBillingAddress returns the address passed to the backend's create
// call. Empty means the signer self-funds and the backend bills the message
// sender directly.
func (r *Resolver) CreateBillingAddress() string {
	return r.humanAddress
}

// Self reports whether the agent pays from its own balance.
func (r *Resolver) Self() bool {
	return r.humanAddress == ""
}
