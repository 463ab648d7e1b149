package exam

import "time"

// TestType identifies which knowledge test is being taken.
type TestType string

const (
	PreTest  TestType = "pre_test"
	PostTest TestType = "post_test"
)

// PoolID names a subset of the question bank assigned to a test type.
type PoolID string

// LocalizedText carries a primary-language string and an optional secondary one.
type LocalizedText struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

type Option struct {
	Label string        `json:"label"` // A, B, C, D
	Text  LocalizedText `json:"text"`
}

type Question struct {
	ID           string        `json:"id"`
	TestType     TestType      `json:"test_type"`
	Prompt       LocalizedText `json:"prompt"`
	Options      []Option      `json:"options"`
	CorrectLabel string        `json:"correct_label"`
	Difficulty   string        `json:"difficulty,omitempty"` // easy|medium|hard
	Category     string        `json:"category,omitempty"`
	Points       float64       `json:"points"`
}

// Option returns the option with the given label.
func (q Question) Option(label string) (Option, bool) {
	for _, o := range q.Options {
		if o.Label == label {
			return o, true
		}
	}
	return Option{}, false
}

// Submission is a finalized, scored attempt. Only ResultsReleased and
// RetakeAllowed change after creation.
type Submission struct {
	ID              string            `json:"id"`
	ParticipantID   string            `json:"participant_id"`
	TestType        TestType          `json:"test_type"`
	CourseSessionID string            `json:"course_session_id,omitempty"`
	Score           float64           `json:"score"` // percentage of available points
	TotalQuestions  int               `json:"total_questions"`
	CorrectAnswers  int               `json:"correct_answers"`
	ElapsedSeconds  int               `json:"elapsed_seconds"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	AttemptNumber   int               `json:"attempt_number"`
	ResultsReleased bool              `json:"results_released"`
	RetakeAllowed   bool              `json:"retake_allowed"`
	TimedOut        bool              `json:"timed_out"`
	Answers         map[string]string `json:"answers"` // questionID -> option label
}

// PendingSubmission is a submission held on the device until the remote
// store accepts it.
type PendingSubmission struct {
	Submission Submission `json:"submission"`
	Synced     bool       `json:"synced"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	// GrantRef is the access grant consumed once the remote store accepts.
	GrantRef string `json:"grant_ref,omitempty"`
}

// RetakePolicy configures whether and when a participant may take a test again.
type RetakePolicy struct {
	OneTimeSubmission     bool `json:"one_time_submission" mapstructure:"one_time_submission"`
	SingleAttempt         bool `json:"single_attempt" mapstructure:"single_attempt"`
	AdminControlledRetake bool `json:"admin_controlled_retake" mapstructure:"admin_controlled_retake"`
	// MaxRetakeAttempts caps retakes after the first attempt; 0 means no cap.
	MaxRetakeAttempts   int `json:"max_retake_attempts" mapstructure:"max_retake_attempts"`
	RetakeCooldownHours int `json:"retake_cooldown_hours" mapstructure:"retake_cooldown_hours"`
}

// RetakeDecision is derived on every check and never stored.
type RetakeDecision struct {
	CanRetake      bool       `json:"can_retake"`
	Reason         string     `json:"reason,omitempty"`
	AvailableAfter *time.Time `json:"available_after,omitempty"`
}

// AccessCheck is the outcome of asking whether a participant holds a grant.
type AccessCheck struct {
	Granted  bool   `json:"granted"`
	Reason   string `json:"reason,omitempty"` // pending|not_requested|expired when not granted
	GrantRef string `json:"grant_ref,omitempty"`
}

type AccessRequestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type UseResult struct {
	Expired bool `json:"expired"`
}

// QuestionScope selects questions by pool, or every question of a test type
// when PoolID is empty.
type QuestionScope struct {
	PoolID   PoolID
	TestType TestType
}
