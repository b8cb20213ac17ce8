package backend

import "errors"

// Sentinel errors forming the backend failure taxonomy. Adapters classify
// raw transport failures into exactly one of these at the boundary so
// callers never branch on loosely-typed payloads.
var (
	// ErrUnavailable is transient: timeouts, connection failures, 5xx.
	// Safe to retry within the caller's retry budget.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected is permanent: the backend understood the request and
	// refused it (4xx, invalid spec). Retrying cannot help.
	ErrRejected = errors.New("backend rejected request")
	// ErrPriceUnavailable means no rate could be obtained. The cost model
	// fails closed on this: a missing price is never treated as free.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrNotFound is returned for status queries on unknown instance IDs.
	ErrNotFound = errors.New("resource not found")
)
