package model

import "fmt"

// Level is a reminder escalation tier. The zero value means the initial
// reminder has not been delivered yet.
type Level string

const (
	LevelInitial    Level = "initial"
	LevelFollowUp   Level = "follow_up"
	LevelEscalation Level = "escalation"
)

type RunStatus string

const (
	RunStatusWaiting RunStatus = "waiting"
	RunStatusDone    RunStatus = "done"
	RunStatusAborted RunStatus = "aborted"
	RunStatusFailed  RunStatus = "failed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusDone:    true,
	RunStatusAborted: true,
	RunStatusFailed:  true,
}

// Levels advance strictly forward; there is no fourth tier.
var validLevelTransitions = map[Level]map[Level]bool{
	"": {
		LevelInitial: true,
	},
	LevelInitial: {
		LevelFollowUp: true,
	},
	LevelFollowUp: {
		LevelEscalation: true,
	},
}

// A run only ever waits or ends: waiting → waiting covers step retries and
// the move to the next wait phase.
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusWaiting: {
		RunStatusWaiting: true,
		RunStatusDone:    true,
		RunStatusAborted: true,
		RunStatusFailed:  true,
	},
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

// NextLevel returns the tier that follows l. ok is false after the last
// tier and for unknown levels.
func NextLevel(l Level) (Level, bool) {
	switch l {
	case "":
		return LevelInitial, true
	case LevelInitial:
		return LevelFollowUp, true
	case LevelFollowUp:
		return LevelEscalation, true
	default:
		return "", false
	}
}

func ValidateLevelTransition(from, to Level) error {
	allowed, ok := validLevelTransitions[from]
	if !ok {
		return fmt.Errorf("unknown level %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid level transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}
