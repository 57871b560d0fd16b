package core

// ResolutionStatus tags a ResolutionOutcome. Callers must handle all four
// variants; there is no bare-nil result.
type ResolutionStatus int

const (
	// StatusFound means a stall record was resolved for the marker.
	StatusFound ResolutionStatus = iota
	// StatusNotRegistered means no record exists for the marker in the
	// requested event scope.
	StatusNotRegistered
	// StatusWrongEvent means a record exists but belongs to a different
	// event scope. The mismatched record's contents are never exposed.
	StatusWrongEvent
	// StatusTransientFailure means the remote lookup could not complete
	// and no cached value was available.
	StatusTransientFailure
)

func (s ResolutionStatus) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotRegistered:
		return "not_registered"
	case StatusWrongEvent:
		return "wrong_event"
	case StatusTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// ResolutionOutcome is the result of resolving a marker against an event
// scope. Stall is set only when Status is StatusFound; Reason is set only
// for StatusTransientFailure.
type ResolutionOutcome struct {
	Status ResolutionStatus
	Stall  *Stall
	Reason string
}

// Found builds a successful outcome carrying a record snapshot.
func Found(s *Stall) ResolutionOutcome {
	return ResolutionOutcome{Status: StatusFound, Stall: s}
}

// NotRegistered builds the "marker has no record" outcome.
func NotRegistered() ResolutionOutcome {
	return ResolutionOutcome{Status: StatusNotRegistered}
}

// WrongEvent builds the scope-mismatch outcome.
func WrongEvent() ResolutionOutcome {
	return ResolutionOutcome{Status: StatusWrongEvent}
}

// TransientFailure builds a retryable failure outcome with a reason string.
func TransientFailure(reason string) ResolutionOutcome {
	return ResolutionOutcome{Status: StatusTransientFailure, Reason: reason}
}
