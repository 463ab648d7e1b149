// Package session is the per-attempt state machine: question order, answers,
// flags, skips, the countdown timer, review mode and the submit gate.
package session

type State string

const (
	StateLoading      State = "loading"
	StateError        State = "error"
	StateReady        State = "ready"
	StateSubmitting   State = "submitting"
	StateSubmitFailed State = "submit_failed"
	StateCompleted    State = "completed"
	StateFailed       State = "failed" // submit retries exhausted; needs a manual reload
	StateAbandoned    State = "abandoned"
)

// Terminal states accept no further intents.
func (s State) Terminal() bool {
	switch s {
	case StateError, StateCompleted, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// Phase is the substate of StateReady.
type Phase string

const (
	PhaseAnswering Phase = "answering"
	PhaseReviewing Phase = "reviewing"
)

type Language string

const (
	LanguagePrimary   Language = "primary"
	LanguageSecondary Language = "secondary"
	LanguageDual      Language = "dual"
)

func (l Language) Valid() bool {
	switch l {
	case LanguagePrimary, LanguageSecondary, LanguageDual:
		return true
	}
	return false
}
