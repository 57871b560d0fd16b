package core

// SessionState is the scan session's lifecycle state. Exactly one instance
// exists per scan session, owned by the session state machine.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateAwaitingPermission
	StateUnsupported
	StateActive
	StatePaused
	StateDegraded
	StateDisposed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateUnsupported:
		return "unsupported"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateDegraded:
		return "degraded"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// LifecycleSignal is delivered by the host environment.
type LifecycleSignal int

const (
	SignalForeground LifecycleSignal = iota
	SignalBackground
	SignalInactive
	SignalTerminate
)

func (s LifecycleSignal) String() string {
	switch s {
	case SignalForeground:
		return "foreground"
	case SignalBackground:
		return "background"
	case SignalInactive:
		return "inactive"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Health is the coarse session health indicator surfaced to UI banners.
type Health int

const (
	HealthNormal Health = iota
	HealthDegraded
)

func (h Health) String() string {
	if h == HealthDegraded {
		return "degraded"
	}
	return "normal"
}

// PermissionStatus is the camera permission check result.
type PermissionStatus int

const (
	PermissionGranted PermissionStatus = iota
	PermissionDenied
	PermissionPermanentlyDenied
)

// SupportStatus is the platform capability check result.
type SupportStatus int

const (
	PlatformSupported SupportStatus = iota
	PlatformUnsupported
	PlatformNeedsUpdate
)
