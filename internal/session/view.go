package session

import "github.com/mind-engage/mindengage-testengine/internal/exam"

// OptionView is one option in display order, resolved to the language mode.
// Secondary is only set in dual mode.
type OptionView struct {
	Label     string `json:"label"`
	Text      string `json:"text"`
	Secondary string `json:"secondary,omitempty"`
}

type QuestionView struct {
	ID        string       `json:"id"`
	Prompt    string       `json:"prompt"`
	Secondary string       `json:"secondary,omitempty"`
	Options   []OptionView `json:"options"`
	Selected  string       `json:"selected,omitempty"`
	Flagged   bool         `json:"flagged"`
	Skipped   bool         `json:"skipped"`
}

type Stats struct {
	Answered int `json:"answered"`
	Total    int `json:"total"`
	Flagged  int `json:"flagged"`
	Skipped  int `json:"skipped"`
}

// View is everything presentation needs to render the attempt.
type View struct {
	SessionID        string        `json:"session_id"`
	State            State         `json:"state"`
	Phase            Phase         `json:"phase"`
	Index            int           `json:"index"`
	Total            int           `json:"total"`
	RemainingSeconds int           `json:"remaining_seconds"`
	Language         Language      `json:"language"`
	Question         *QuestionView `json:"question,omitempty"`
	Stats            Stats         `json:"stats"`
	CanReview        bool          `json:"can_review"`
	CanSubmit        bool          `json:"can_submit"`
	TimedOut         bool          `json:"timed_out"`
	Error            string        `json:"error,omitempty"`
}

func resolve(t exam.LocalizedText, lang Language) (text, secondary string) {
	switch lang {
	case LanguageSecondary:
		if t.Secondary != "" {
			return t.Secondary, ""
		}
		return t.Primary, ""
	case LanguageDual:
		return t.Primary, t.Secondary
	default:
		return t.Primary, ""
	}
}

func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		SessionID:        m.id.SessionID,
		State:            m.state,
		Phase:            m.phase,
		Index:            m.index,
		Total:            len(m.questions),
		RemainingSeconds: m.remaining,
		Language:         m.lang,
		Stats:            m.statsLocked(),
		TimedOut:         m.timedOut,
	}
	if m.err != nil {
		v.Error = m.err.Error()
	}
	if len(m.questions) == 0 {
		return v
	}

	q := m.questions[m.index]
	qv := &QuestionView{
		ID:       q.ID,
		Selected: m.answers[q.ID],
		Flagged:  m.flagged[q.ID],
		Skipped:  m.skipped[q.ID],
	}
	qv.Prompt, qv.Secondary = resolve(q.Prompt, m.lang)
	for _, label := range m.optionOrder[q.ID] {
		o, ok := q.Option(label)
		if !ok {
			continue
		}
		ov := OptionView{Label: o.Label}
		ov.Text, ov.Secondary = resolve(o.Text, m.lang)
		qv.Options = append(qv.Options, ov)
	}
	v.Question = qv

	all := m.allAnsweredLocked()
	v.CanReview = m.state == StateReady && m.phase == PhaseAnswering && m.index == len(m.questions)-1 && all
	v.CanSubmit = (m.state == StateReady || m.state == StateSubmitFailed) && all && !m.finalized
	return v
}

func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Machine) statsLocked() Stats {
	s := Stats{Total: len(m.questions), Answered: m.answeredLocked()}
	for _, q := range m.questions {
		if m.flagged[q.ID] {
			s.Flagged++
		}
		if m.skipped[q.ID] {
			s.Skipped++
		}
	}
	return s
}
