// Package store defines the contract for the remote document store the
// resolver looks stalls up against, plus sentinel errors shared by its
// implementations.
package store

import (
	"context"
	"errors"

	"github.com/eventlens/arscan/pkg/core"
)

// Lookup failure classification. The resolver maps these onto
// ResolutionOutcome variants; anything else is treated as transient.
var (
	// ErrNotRegistered: no record exists for the marker in any event.
	ErrNotRegistered = errors.New("marker not registered")

	// ErrScopeMismatch: a record exists, but under a different event
	// scope. Implementations must never attach the mismatched record.
	ErrScopeMismatch = errors.New("marker registered under a different event")
)

// Directory is the remote lookup collaborator. Implementations must honor
// ctx cancellation and bound their own request timeouts.
type Directory interface {
	// LookupStall resolves a marker within an event scope. On success the
	// returned record is already tagged with the scope it was fetched
	// under. Failure is one of the sentinel errors above or a transport
	// error (treated as transient by callers).
	LookupStall(ctx context.Context, marker core.MarkerID, scope core.EventScope) (*core.Stall, error)
}
