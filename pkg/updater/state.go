package updater

import "time"

// State is the phase of a channel update cycle.
type State int

const (
	// StateIdle is the initial state, and the final state of a cycle that
	// found no new runs.
	StateIdle State = iota
	StateFetching
	StateScoring
	StateAligning
	StatePersisting
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "IDLE",
	StateFetching:   "FETCHING",
	StateScoring:    "SCORING",
	StateAligning:   "ALIGNING",
	StatePersisting: "PERSISTING",
	StateDone:       "DONE",
	StateFailed:     "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// validTransitions lists the states reachable from each state. Any state
// may move to StateFailed.
var validTransitions = map[State][]State{
	StateIdle:       {StateFetching},
	StateFetching:   {StateIdle, StateScoring},
	StateScoring:    {StateAligning},
	StateAligning:   {StatePersisting},
	StatePersisting: {StateDone},
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateDone && from != StateFailed
	}

	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// CycleReport summarizes one channel update cycle.
type CycleReport struct {
	ID               string
	Year             int
	Channel          string
	State            State
	MetadataRevision string
	// NewRuns is the number of runs not previously known.
	NewRuns int
	// ScoredRuns is the number of new runs scored and recorded.
	ScoredRuns int
	// Skipped lists revisions deferred because their results are not yet
	// available.
	Skipped []string
	// PendingDays are the days refetched next cycle for the revisions
	// skipped while scoring new runs.
	PendingDays []string
	// Recomputed is set when the snapshot was rebuilt from every aligned
	// revision.
	Recomputed    bool
	AlignedRows   int
	HistoricAdded int
	WrittenPaths  []string
	Duration      time.Duration
}
