package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

var errMissingIndex = apperr.New(apperr.CodeInvalidArgument, "index required")

// GET /retake?test_type=post_test&course_session_id=...
func RetakeCheckHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tt := exam.TestType(strings.TrimSpace(r.URL.Query().Get("test_type")))
		if tt == "" {
			badRequest(w, "test_type required")
			return
		}
		d, err := e.CheckRetake(r.Context(), principal(r), tt, strings.TrimSpace(r.URL.Query().Get("course_session_id")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// POST /access/requests  { "test_type": "post_test", "reason": "..." }
func RequestAccessHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TestType exam.TestType `json:"test_type"`
			Reason   string        `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestType == "" {
			badRequest(w, "test_type required")
			return
		}
		res, err := e.RequestAccess(r.Context(), principal(r), req.TestType, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusAccepted
		if !res.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	}
}

// POST /sync
func ReconcileHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := e.Reconcile(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
