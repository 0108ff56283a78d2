package workers

import "github.com/risk-engine/core/db"

// The incident lifecycle is one state machine fed by two triggers: detection
// jobs and sweep ticks. The decision functions here are pure so the transition
// table can be tested without a cache or a database; the workers own the side
// effects.

// DetectionAction is what a detection job should do after the error count
// cleared the threshold.
type DetectionAction int

const (
	// DetectionRefresh: an incident is actively receiving errors. Attach the
	// sample and push the active window out.
	DetectionRefresh DetectionAction = iota
	// DetectionReopen: a quiet incident is re-spiking. Reinstate the active
	// key, restart the quiet window, and move the row back to OPEN.
	DetectionReopen
	// DetectionCreate: no incident exists for the pair. Race for the creation
	// lock and open one.
	DetectionCreate
)

// DecideDetection maps coordination-key presence to the detection action.
func DecideDetection(activePresent, investigatingPresent bool) DetectionAction {
	switch {
	case activePresent:
		return DetectionRefresh
	case investigatingPresent:
		return DetectionReopen
	default:
		return DetectionCreate
	}
}

// SweepAction is what a sweep tick should do for one investigating key.
type SweepAction int

const (
	// SweepNone: nothing to advance this tick.
	SweepNone SweepAction = iota
	// SweepReopen: errors are arriving but the cached status still says
	// INVESTIGATING because the detector's reopen write has not landed yet.
	// Correct the row back to OPEN.
	SweepReopen
	// SweepMarkInvestigating: first quiet tick after the active window lapsed.
	SweepMarkInvestigating
	// SweepTryResolve: incident has been investigating with no fresh errors;
	// run the atomic expiry check to claim the resolve transition.
	SweepTryResolve
)

// DecideSweep maps the cached status and active-key presence to the sweep
// action. RESOLVED never appears here in practice: resolving deletes the
// investigating key, so a scan cannot return one.
func DecideSweep(status db.IncidentStatus, activePresent bool) SweepAction {
	if activePresent {
		if status == db.IncidentStatusInvestigating {
			return SweepReopen
		}
		return SweepNone
	}

	switch status {
	case db.IncidentStatusOpen:
		return SweepMarkInvestigating
	case db.IncidentStatusInvestigating:
		return SweepTryResolve
	default:
		return SweepNone
	}
}
