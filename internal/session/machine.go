package session

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

type Options struct {
	ShuffleQuestions bool
	ShuffleOptions   bool
	TimeLimit        time.Duration
	// MaxSubmitRetries bounds SubmitFailed -> Ready round trips before the
	// machine fails hard.
	MaxSubmitRetries int
	// Offline marks a session whose progress must be auto-saved locally.
	Offline bool
	Rand    *rand.Rand
	Now     func() time.Time
}

// Identity names the attempt a machine runs.
type Identity struct {
	SessionID       string
	ParticipantID   string
	TestType        exam.TestType
	CourseSessionID string
}

// Snapshot is what the submission pipeline needs from a finished attempt.
type Snapshot struct {
	Identity
	Questions      []exam.Question
	Answers        map[string]string
	ElapsedSeconds int
	TimedOut       bool
}

// Machine holds one attempt. All methods are safe for concurrent use.
type Machine struct {
	mu   sync.Mutex
	id   Identity
	opts Options
	intN func(int) int

	state State
	phase Phase
	err   error

	questions   []exam.Question
	optionOrder map[string][]string
	answers     map[string]string
	flagged     map[string]bool
	skipped     map[string]bool
	index       int
	remaining   int
	lang        Language
	startedAt   time.Time

	submitFailures int
	timedOut       bool
	finalized      bool
}

// New returns a machine in StateLoading.
func New(id Identity, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	intN := rand.IntN
	if opts.Rand != nil {
		intN = opts.Rand.IntN
	}
	return &Machine{
		id:          id,
		opts:        opts,
		intN:        intN,
		state:       StateLoading,
		phase:       PhaseAnswering,
		optionOrder: map[string][]string{},
		answers:     map[string]string{},
		flagged:     map[string]bool{},
		skipped:     map[string]bool{},
		lang:        LanguagePrimary,
	}
}

func (m *Machine) ID() Identity { return m.id }

// Offline reports whether the machine auto-saves progress.
func (m *Machine) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Offline
}

// MarkOffline turns on auto-save, for attempts served from the device cache.
func (m *Machine) MarkOffline() {
	m.mu.Lock()
	m.opts.Offline = true
	m.mu.Unlock()
}

func invalid(format string, args ...any) error {
	return apperr.New(apperr.CodeInvalidState, fmt.Sprintf(format, args...))
}

// Ready enters StateReady with qs. Question order is shuffled first, then
// option order per question; saved, when it matches qs, then overrides order,
// position, timer, answers, flags and skips. It reports whether saved was applied.
func (m *Machine) Ready(qs []exam.Question, saved *Progress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLoading {
		return false, invalid("cannot load questions in state %s", m.state)
	}
	if len(qs) == 0 {
		m.state, m.err = StateError, apperr.ErrNoQuestionsFound
		return false, m.err
	}

	ordered := append([]exam.Question(nil), qs...)
	if m.opts.ShuffleQuestions {
		ordered = shuffleQuestions(qs, m.intN)
	}
	for _, q := range ordered {
		m.optionOrder[q.ID] = optionLabels(q, m.opts.ShuffleOptions, m.intN)
	}
	m.questions = ordered
	m.remaining = int(m.opts.TimeLimit / time.Second)
	m.startedAt = m.opts.Now()

	restored := saved != nil && m.restore(*saved)
	m.state, m.phase = StateReady, PhaseAnswering
	return restored, nil
}

// restore applies p when its question ids match the loaded set.
func (m *Machine) restore(p Progress) bool {
	ids := make([]string, len(m.questions))
	byID := make(map[string]exam.Question, len(m.questions))
	for i, q := range m.questions {
		ids[i] = q.ID
		byID[q.ID] = q
	}
	if !sameSet(ids, p.QuestionOrder) {
		return false
	}

	ordered := make([]exam.Question, len(p.QuestionOrder))
	for i, id := range p.QuestionOrder {
		ordered[i] = byID[id]
	}
	m.questions = ordered
	for id, labels := range p.OptionOrder {
		if cur, ok := m.optionOrder[id]; ok && sameSet(cur, labels) {
			m.optionOrder[id] = append([]string(nil), labels...)
		}
	}
	for id, label := range p.Answers {
		if q, ok := byID[id]; ok {
			if _, ok := q.Option(label); ok {
				m.answers[id] = label
			}
		}
	}
	for _, id := range p.Flagged {
		if _, ok := byID[id]; ok {
			m.flagged[id] = true
		}
	}
	for _, id := range p.Skipped {
		if _, ok := byID[id]; ok && m.answers[id] == "" {
			m.skipped[id] = true
		}
	}
	if p.CurrentIndex >= 0 && p.CurrentIndex < len(ordered) {
		m.index = p.CurrentIndex
	}
	if p.RemainingSeconds >= 0 && p.RemainingSeconds <= m.remaining {
		m.remaining = p.RemainingSeconds
	}
	if int(m.opts.TimeLimit/time.Second) > 0 && m.remaining == 0 {
		m.timedOut = true
	}
	if p.Language.Valid() {
		m.lang = p.Language
	}
	if !p.StartedAt.IsZero() {
		m.startedAt = p.StartedAt
	}
	return true
}

// Fail moves a loading machine to StateError.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoading {
		m.state, m.err = StateError, err
	}
}

func (m *Machine) answering() error {
	if m.state != StateReady {
		return invalid("session is %s", m.state)
	}
	if m.phase != PhaseAnswering {
		return invalid("answers are read-only in review")
	}
	return nil
}

func (m *Machine) navigable() error {
	if m.state != StateReady {
		return invalid("session is %s", m.state)
	}
	return nil
}

// Answer selects label for the current question and clears its skip mark.
// Flags are left as they are.
func (m *Machine) Answer(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.answering(); err != nil {
		return err
	}
	q := m.questions[m.index]
	if _, ok := q.Option(label); !ok {
		return apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("question %s has no option %q", q.ID, label))
	}
	m.answers[q.ID] = label
	delete(m.skipped, q.ID)
	return nil
}

// ToggleFlag flips the review flag on the current question.
func (m *Machine) ToggleFlag() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.answering(); err != nil {
		return err
	}
	id := m.questions[m.index].ID
	if m.flagged[id] {
		delete(m.flagged, id)
	} else {
		m.flagged[id] = true
	}
	return nil
}

// Skip clears the current answer, marks the question skipped and advances.
func (m *Machine) Skip() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.answering(); err != nil {
		return err
	}
	id := m.questions[m.index].ID
	delete(m.answers, id)
	m.skipped[id] = true
	if m.index < len(m.questions)-1 {
		m.index++
	}
	return nil
}

func (m *Machine) Next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.navigable(); err != nil {
		return err
	}
	if m.index < len(m.questions)-1 {
		m.index++
	}
	return nil
}

func (m *Machine) Previous() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.navigable(); err != nil {
		return err
	}
	if m.index > 0 {
		m.index--
	}
	return nil
}

// GoTo jumps to question i while answering. Review walks sequentially only.
func (m *Machine) GoTo(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.answering(); err != nil {
		return err
	}
	if i < 0 || i >= len(m.questions) {
		return apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("question index %d out of range", i))
	}
	m.index = i
	return nil
}

func (m *Machine) SetLanguage(l Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !l.Valid() {
		return apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("unknown language mode %q", l))
	}
	if m.state.Terminal() {
		return invalid("session is %s", m.state)
	}
	m.lang = l
	return nil
}

// EnterReview starts the read-only walk from the first question. Allowed only
// on the final question with every question answered.
func (m *Machine) EnterReview() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.answering(); err != nil {
		return err
	}
	if m.index != len(m.questions)-1 {
		return invalid("review is available from the final question")
	}
	if !m.allAnsweredLocked() {
		return apperr.New(apperr.CodeSessionIncomplete, "answer every question before review")
	}
	m.phase, m.index = PhaseReviewing, 0
	return nil
}

// ExitReview returns to answering at the question being reviewed.
func (m *Machine) ExitReview() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.phase != PhaseReviewing {
		return invalid("not in review")
	}
	m.phase = PhaseAnswering
	return nil
}

// Tick advances the countdown by one second while answering. It returns true
// exactly once, on the tick that reaches zero.
func (m *Machine) Tick() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.phase != PhaseAnswering || m.finalized || m.remaining <= 0 {
		return false
	}
	m.remaining--
	if m.remaining == 0 {
		m.timedOut = true
		return true
	}
	return false
}

// Expired reports a ready attempt whose time already ran out before it was
// loaded, as when progress saved at the last second is restored. Tick never
// fires for it.
func (m *Machine) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady && m.timedOut && !m.finalized
}

func (m *Machine) allAnsweredLocked() bool {
	for _, q := range m.questions {
		if m.answers[q.ID] == "" {
			return false
		}
	}
	return true
}

// BeginSubmit moves to StateSubmitting. Unless forced by timer expiry, every
// question must be answered. The single-shot flag rejects any call after a
// successful submission.
func (m *Machine) BeginSubmit(forced bool) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return Snapshot{}, apperr.ErrSubmissionAlreadyFinalized
	}
	switch m.state {
	case StateReady, StateSubmitFailed:
	case StateSubmitting:
		return Snapshot{}, apperr.New(apperr.CodeSubmissionAlreadyFinalized, "submission already in progress")
	case StateFailed:
		return Snapshot{}, apperr.ErrSubmitRetriesExhausted
	default:
		return Snapshot{}, invalid("cannot submit in state %s", m.state)
	}
	if !forced && !m.allAnsweredLocked() {
		return Snapshot{}, apperr.New(apperr.CodeSessionIncomplete,
			fmt.Sprintf("%d of %d questions answered", m.answeredLocked(), len(m.questions)))
	}

	m.state = StateSubmitting
	answers := make(map[string]string, len(m.answers))
	for k, v := range m.answers {
		answers[k] = v
	}
	return Snapshot{
		Identity:       m.id,
		Questions:      append([]exam.Question(nil), m.questions...),
		Answers:        answers,
		ElapsedSeconds: m.elapsedLocked(),
		TimedOut:       forced,
	}, nil
}

// Complete finalizes a submitting machine.
func (m *Machine) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSubmitting {
		m.state, m.finalized = StateCompleted, true
	}
}

// SubmitFailed records a failed submission. After MaxSubmitRetries failures
// the machine fails hard and returns SUBMIT_RETRIES_EXHAUSTED.
func (m *Machine) SubmitFailed(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSubmitting {
		return invalid("not submitting")
	}
	m.submitFailures++
	m.err = cause
	if m.submitFailures > m.opts.MaxSubmitRetries {
		m.state = StateFailed
		return apperr.Wrap(apperr.CodeSubmitRetriesExhausted, "submission retries exhausted", cause)
	}
	m.state = StateSubmitFailed
	return nil
}

// Retry returns a failed submission to StateReady so the participant can
// submit again.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSubmitFailed {
		return invalid("nothing to retry in state %s", m.state)
	}
	m.state, m.phase = StateReady, PhaseAnswering
	return nil
}

// Abandon ends the attempt without a submission.
func (m *Machine) Abandon() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized || m.state == StateSubmitting {
		return invalid("cannot abandon in state %s", m.state)
	}
	m.state = StateAbandoned
	return nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Machine) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

func (m *Machine) elapsedLocked() int {
	return int(m.opts.TimeLimit/time.Second) - m.remaining
}

func (m *Machine) answeredLocked() int {
	n := 0
	for _, q := range m.questions {
		if m.answers[q.ID] != "" {
			n++
		}
	}
	return n
}

// Progress snapshots the attempt for local persistence.
func (m *Machine) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

// SaveIfReady passes the progress snapshot to save while the attempt is in
// StateReady, holding the lock so a submission cannot begin until save
// returns. It reports whether save ran.
func (m *Machine) SaveIfReady(save func(Progress) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return false, nil
	}
	return true, save(m.progressLocked())
}

func (m *Machine) progressLocked() Progress {
	order := make([]string, len(m.questions))
	for i, q := range m.questions {
		order[i] = q.ID
	}
	opts := make(map[string][]string, len(m.optionOrder))
	for k, v := range m.optionOrder {
		opts[k] = append([]string(nil), v...)
	}
	answers := make(map[string]string, len(m.answers))
	for k, v := range m.answers {
		answers[k] = v
	}
	return Progress{
		SessionID:        m.id.SessionID,
		ParticipantID:    m.id.ParticipantID,
		TestType:         m.id.TestType,
		CourseSessionID:  m.id.CourseSessionID,
		QuestionOrder:    order,
		OptionOrder:      opts,
		Answers:          answers,
		Flagged:          setKeys(m.flagged),
		Skipped:          setKeys(m.skipped),
		CurrentIndex:     m.index,
		RemainingSeconds: m.remaining,
		Language:         m.lang,
		StartedAt:        m.startedAt,
		LastSaved:        m.opts.Now(),
	}
}
