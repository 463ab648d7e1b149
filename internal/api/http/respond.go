package http

import (
	"encoding/json"
	"net/http"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/rbac"
)

type errorBody struct {
	Code     apperr.Code       `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its domain code. Errors without
// a code are reported as internal without their text.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error(), Metadata: apperr.MetadataOf(err)}
	if code == apperr.CodeUnknown {
		body.Message = "internal error"
	}
	writeJSON(w, apperr.HTTPStatus(code), body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, apperr.New(apperr.CodeInvalidArgument, msg))
}

func principal(r *http.Request) access.Principal {
	return access.Principal{
		ParticipantID: rbac.SubjectFromContext(r.Context()),
		Role:          rbac.RoleFromContext(r.Context()),
	}
}
