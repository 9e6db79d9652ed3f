package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(deps Deps, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(deps)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/status", h.Status)
	r.Post("/source", h.LoadSource)
	r.Post("/subtitles", h.LoadSubtitles)

	r.Get("/cues", h.ListCues)
	r.Get("/cues/active", h.cueLookup(h.deps.Player.ActiveCue))
	r.Get("/cues/next", h.cueLookup(h.deps.Player.NextCue))
	r.Get("/cues/previous", h.cueLookup(h.deps.Player.PreviousCue))
	r.Post("/cues/active/copy", h.CopyActiveCue)

	r.Post("/offset", h.AdjustOffset)
	r.Delete("/offset", h.ResetOffset)

	r.Post("/playback/{event}", h.Playback)
	r.Get("/timer", h.TimerStatus)
	r.Post("/timer/{action}", h.TimerAction)

	// Mining.
	r.Post("/mine", h.Mine)
	r.Get("/mine/preview/{file}", h.ServePreview)
	r.Post("/mine/{id}/confirm", h.ConfirmMine)
	r.Delete("/mine/{id}", h.CancelMine)

	// Note store passthrough.
	r.Get("/notestore/check", h.CheckNoteStore)
	r.Get("/notestore/decks", h.ListDecks)
	r.Get("/notestore/models", h.ListModels)
	r.Get("/notestore/models/{name}/fields", h.ListModelFields)

	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)

	r.Get("/studylog", h.StudyLog)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
