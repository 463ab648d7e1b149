package session

import (
	"sort"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
)

// Progress is the offline snapshot of an in-flight attempt. The question and
// option orders are the post-shuffle ones and win over a fresh shuffle on resume.
type Progress struct {
	SessionID        string              `json:"session_id"`
	ParticipantID    string              `json:"participant_id"`
	TestType         exam.TestType       `json:"test_type"`
	CourseSessionID  string              `json:"course_session_id,omitempty"`
	QuestionOrder    []string            `json:"question_order"`
	OptionOrder      map[string][]string `json:"option_order"`
	Answers          map[string]string   `json:"answers"`
	Flagged          []string            `json:"flagged,omitempty"`
	Skipped          []string            `json:"skipped,omitempty"`
	CurrentIndex     int                 `json:"current_index"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Language         Language            `json:"language"`
	StartedAt        time.Time           `json:"started_at"`
	LastSaved        time.Time           `json:"last_saved"`
}

// Key is where the progress record lives in local storage.
func (p Progress) Key() storage.Key {
	return storage.ProgressKey(p.ParticipantID, p.TestType, p.CourseSessionID)
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func keySet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// sameSet reports whether a and b hold the same distinct strings.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := keySet(a)
	if len(sa) != len(a) || len(keySet(b)) != len(b) {
		return false
	}
	for _, x := range b {
		if !sa[x] {
			return false
		}
	}
	return true
}
