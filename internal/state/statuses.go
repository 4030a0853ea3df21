package state

type JobState string

const (
	StateNone    JobState = "none"
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"

	// StateStuck is never stored. It is reported for a job whose stored state says it
	// is active while nothing is actually working on it.
	StateStuck JobState = "stuck"
)

func (s JobState) String() string {
	return string(s)
}

// IsActive reports whether a stored state blocks a new run of the job.
func (s JobState) IsActive() bool {
	return s == StateQueued || s == StateRunning
}

var AllStates = []JobState{
	StateNone,
	StateQueued,
	StateRunning,
}

func Parse(s string) (JobState, bool) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, true
		}
	}
	if s == "" {
		return StateNone, true
	}
	return "", false
}

type Transition struct {
	From JobState
	To   JobState
}

var ValidTransitions = []Transition{
	{From: StateNone, To: StateQueued},
	{From: StateQueued, To: StateRunning},
	{From: StateRunning, To: StateNone},
	{From: StateQueued, To: StateNone},
}

// RecoveryTransitions are only allowed once a job was found stuck.
var RecoveryTransitions = []Transition{
	{From: StateQueued, To: StateQueued},
	{From: StateRunning, To: StateQueued},
	{From: StateRunning, To: StateNone},
}

func IsValidTransition(from, to JobState) bool {
	return contains(ValidTransitions, from, to)
}

func IsValidRecovery(from, to JobState) bool {
	return contains(RecoveryTransitions, from, to)
}

func contains(transitions []Transition, from, to JobState) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
