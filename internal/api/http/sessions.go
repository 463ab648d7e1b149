package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/session"
)

// POST /sessions  { "test_type": "pre_test", "course_session_id": "..." }
func StartSessionHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TestType        exam.TestType `json:"test_type"`
			CourseSessionID string        `json:"course_session_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "bad json")
			return
		}
		if req.TestType == "" {
			badRequest(w, "test_type required")
			return
		}
		res, err := e.Start(r.Context(), principal(r), req.TestType, req.CourseSessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusCreated
		if res.Resumed {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

// GET /sessions/{sessionID}
func GetSessionHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := e.View(principal(r), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// IntentRequest carries the optional arguments of a session intent.
type IntentRequest struct {
	Label    string           `json:"label"`
	Index    *int             `json:"index"`
	Language session.Language `json:"language"`
}

// Intent applies one participant action to a machine.
type Intent func(m *session.Machine, req IntentRequest) error

var (
	IntentAnswer   Intent = func(m *session.Machine, req IntentRequest) error { return m.Answer(req.Label) }
	IntentFlag     Intent = func(m *session.Machine, _ IntentRequest) error { return m.ToggleFlag() }
	IntentSkip     Intent = func(m *session.Machine, _ IntentRequest) error { return m.Skip() }
	IntentNext     Intent = func(m *session.Machine, _ IntentRequest) error { return m.Next() }
	IntentPrevious Intent = func(m *session.Machine, _ IntentRequest) error { return m.Previous() }
	IntentReview   Intent = func(m *session.Machine, _ IntentRequest) error { return m.EnterReview() }
	IntentExit     Intent = func(m *session.Machine, _ IntentRequest) error { return m.ExitReview() }
	IntentGoTo     Intent = func(m *session.Machine, req IntentRequest) error {
		if req.Index == nil {
			return errMissingIndex
		}
		return m.GoTo(*req.Index)
	}
	IntentLanguage Intent = func(m *session.Machine, req IntentRequest) error { return m.SetLanguage(req.Language) }
)

// POST /sessions/{sessionID}/{intent}
// Responds with the updated view.
func IntentHandler(e *engine.Engine, apply Intent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IntentRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				badRequest(w, "bad json")
				return
			}
		}
		m, err := e.Session(principal(r), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := apply(m, req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m.View())
	}
}

// POST /sessions/{sessionID}/submit
func SubmitSessionHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := e.Submit(r.Context(), principal(r), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusCreated
		if out.Pending {
			status = http.StatusAccepted
		}
		writeJSON(w, status, out)
	}
}

// POST /sessions/{sessionID}/retry
func RetrySessionHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, id := principal(r), chi.URLParam(r, "sessionID")
		if err := e.Retry(p, id); err != nil {
			writeError(w, err)
			return
		}
		v, err := e.View(p, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// POST /sessions/{sessionID}/abandon
func AbandonSessionHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := e.Abandon(r.Context(), principal(r), chi.URLParam(r, "sessionID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
