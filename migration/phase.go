// Package migration provides the shared, per-migration coordination state:
// the phase sequence both protocol halves advance through, and the
// wire-observable error-kind taxonomy that travels inside Error frames and
// status reads.
package migration

// Phase identifies where a migration currently stands. The zero value is
// the initial phase; Finish and Error are the only terminal phases.
type Phase int

const (
	PhaseSync Phase = iota
	PhaseRamPush
	PhasePause
	PhaseDevice
	PhaseArch
	PhaseRamPull
	PhaseRamPushDirty
	PhaseFinish
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseSync:
		return "Sync"
	case PhaseRamPush:
		return "RamPush"
	case PhasePause:
		return "Pause"
	case PhaseDevice:
		return "Device"
	case PhaseArch:
		return "Arch"
	case PhaseRamPull:
		return "RamPull"
	case PhaseRamPushDirty:
		return "RamPushDirty"
	case PhaseFinish:
		return "Finish"
	case PhaseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether p ends the migration (success or failure).
func (p Phase) Terminal() bool { return p == PhaseFinish || p == PhaseError }

// order is the strictly monotonic phase sequence a successful migration
// advances through. RamPushDirty is optional (both protocol halves pass
// through it during RamPull, but Finish may also follow RamPull directly);
// every other phase is mandatory and in order.
var order = []Phase{
	PhaseSync, PhaseRamPush, PhasePause, PhaseDevice, PhaseArch,
	PhaseRamPull, PhaseRamPushDirty, PhaseFinish,
}

func rank(p Phase) int {
	for i, q := range order {
		if p == q {
			return i
		}
	}

	return -1
}

// ValidAdvance reports whether moving from cur to next is the next step of
// the phase order: the immediate successor of cur, or Finish straight after
// RamPull (skipping the optional RamPushDirty). The Error phase is
// reachable from anywhere.
func ValidAdvance(cur, next Phase) bool {
	if next == PhaseError {
		return true
	}

	curRank, nextRank := rank(cur), rank(next)
	if curRank < 0 || nextRank < 0 {
		return false
	}

	return nextRank == curRank+1 || (cur == PhaseRamPull && next == PhaseFinish)
}
