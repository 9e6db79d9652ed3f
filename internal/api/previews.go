package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/player"
)

// Mine handles POST /api/mine.
//
//	@Summary		Capture the cue under the playhead for a new card
//	@Tags			mining
//	@Accept			json
//	@Produce		json
//	@Param			body	body		player.MineInput	true	"Mining request"
//	@Success		201		{object}	player.Pending
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		500		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mine [post]
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	var in player.MineInput
	if !decodeJSON(w, r, &in) {
		return
	}
	pending, err := h.deps.Player.Mine(r.Context(), in)
	if err != nil {
		writeError(w, "mine", err)
		return
	}
	writeJSON(w, http.StatusCreated, pending)
}

// ConfirmMine handles POST /api/mine/{id}/confirm. An empty body confirms
// as captured.
//
//	@Summary		Commit the pending card to the note store
//	@Tags			mining
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Pending request id"
//	@Param			body	body		player.ConfirmInput	false	"Edited fields"
//	@Success		200		{object}	card.Committed
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mine/{id}/confirm [post]
func (h *Handler) ConfirmMine(w http.ResponseWriter, r *http.Request) {
	var edits player.ConfirmInput
	if r.ContentLength != 0 && !decodeJSON(w, r, &edits) {
		return
	}
	committed, err := h.deps.Player.ConfirmMine(r.Context(), trimID(r), edits)
	if err != nil {
		writeError(w, "confirm mine", err)
		return
	}
	writeJSON(w, http.StatusOK, committed)
}

// CancelMine handles DELETE /api/mine/{id}.
func (h *Handler) CancelMine(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Player.CancelMine(trimID(r)); err != nil {
		writeError(w, "cancel mine", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServePreview handles GET /api/mine/preview/{file}. Only files of the
// pending request are served.
func (h *Handler) ServePreview(w http.ResponseWriter, r *http.Request) {
	abs, err := h.deps.Player.PreviewFile(chi.URLParam(r, "file"))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, "serve preview", err)
		return
	}
	if _, statErr := os.Stat(abs); os.IsNotExist(statErr) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, abs)
}
