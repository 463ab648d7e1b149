package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/rbac"
)

// Mount registers the intent API on r. authn must put the caller's subject
// and role on the request context.
func Mount(r chi.Router, e *engine.Engine, authn ...func(http.Handler) http.Handler) {
	r.Group(func(pr chi.Router) {
		pr.Use(authn...)

		pr.With(rbac.Require(rbac.PermSessionStart)).Post("/sessions", StartSessionHandler(e))
		pr.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.With(rbac.Require(rbac.PermSessionAct)).Get("/", GetSessionHandler(e))

			act := sr.With(rbac.Require(rbac.PermSessionAct))
			act.Post("/answer", IntentHandler(e, IntentAnswer))
			act.Post("/flag", IntentHandler(e, IntentFlag))
			act.Post("/skip", IntentHandler(e, IntentSkip))
			act.Post("/next", IntentHandler(e, IntentNext))
			act.Post("/previous", IntentHandler(e, IntentPrevious))
			act.Post("/goto", IntentHandler(e, IntentGoTo))
			act.Post("/language", IntentHandler(e, IntentLanguage))
			act.Post("/review", IntentHandler(e, IntentReview))
			act.Post("/review/exit", IntentHandler(e, IntentExit))
			act.Post("/abandon", AbandonSessionHandler(e))

			submit := sr.With(rbac.Require(rbac.PermSessionSubmit))
			submit.Post("/submit", SubmitSessionHandler(e))
			submit.Post("/retry", RetrySessionHandler(e))
		})

		pr.With(rbac.Require(rbac.PermRetakeCheck)).Get("/retake", RetakeCheckHandler(e))
		pr.With(rbac.Require(rbac.PermAccessRequest)).Post("/access/requests", RequestAccessHandler(e))
		pr.With(rbac.Require(rbac.PermSyncRun)).Post("/sync", ReconcileHandler(e))
	})
}
