package core

import "errors"

// Error taxonomy for the scan session. Everything here is resolved to a
// ResolutionOutcome or a session-status value at the resolver/session
// boundary; nothing propagates past those boundaries as a raw error.
var (
	// ErrPermissionDenied: camera permission denied or revoked.
	// Recoverable via re-request.
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrPermissionPermanent: the user selected "never ask again".
	// Recoverable only through system settings.
	ErrPermissionPermanent = errors.New("camera permission permanently denied")

	// ErrUnsupported: the device cannot run a tracking session.
	// Permanent for the session; triggers the fallback UI.
	ErrUnsupported = errors.New("tracking not supported on this device")

	// ErrNeedsUpdate: platform AR services require an update before a
	// tracking session can start.
	ErrNeedsUpdate = errors.New("tracking services need an update")
)

// Advice maps an outcome or error to an actionable, non-technical message
// plus a recovery action for the rendering layer. Silent failure is not an
// option: every path through the session surfaces one of these.
type Advice struct {
	Message string
	Action  string
}

// AdviceFor returns the user-facing message and recovery action for a
// resolution outcome.
func AdviceFor(o ResolutionOutcome) Advice {
	switch o.Status {
	case StatusFound:
		if o.Stall != nil && o.Stall.Stale {
			return Advice{
				Message: "Showing saved info. You may be offline.",
				Action:  "Retry when back online",
			}
		}
		return Advice{}
	case StatusNotRegistered:
		return Advice{
			Message: "This marker isn't registered for any stall yet.",
			Action:  "Dismiss",
		}
	case StatusWrongEvent:
		return Advice{
			Message: "This marker belongs to a different event.",
			Action:  "Dismiss",
		}
	default:
		return Advice{
			Message: "Couldn't load stall info right now.",
			Action:  "Retry",
		}
	}
}

// AdviceForError returns the user-facing message and recovery action for a
// session-level error.
func AdviceForError(err error) Advice {
	switch {
	case errors.Is(err, ErrPermissionPermanent):
		return Advice{
			Message: "Camera access is turned off for this app.",
			Action:  "Open settings",
		}
	case errors.Is(err, ErrPermissionDenied):
		return Advice{
			Message: "Scanning needs camera access.",
			Action:  "Allow camera",
		}
	case errors.Is(err, ErrNeedsUpdate):
		return Advice{
			Message: "AR services need an update before scanning.",
			Action:  "Update",
		}
	case errors.Is(err, ErrUnsupported):
		return Advice{
			Message: "This device doesn't support AR scanning.",
			Action:  "Browse stalls instead",
		}
	default:
		return Advice{
			Message: "Something went wrong while scanning.",
			Action:  "Retry",
		}
	}
}
