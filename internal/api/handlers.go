package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/go-chi/chi/v5"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/card"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/player"
	"github.com/starford/kioku/internal/settings"
	"github.com/starford/kioku/internal/studylog"
)

const maxSubtitleBytes = 10 << 20

// NoteStore is the part of the note-store client exposed over HTTP.
type NoteStore interface {
	Check(ctx context.Context) error
	DeckNames(ctx context.Context) ([]string, error)
	ModelNames(ctx context.Context) ([]string, error)
	ModelFieldNames(ctx context.Context, model string) ([]string, error)
	SetEndpoint(endpoint string)
}

// StudyLog reads logged study time.
type StudyLog interface {
	List(ctx context.Context, limit int) ([]studylog.Entry, error)
	Total(ctx context.Context, since time.Time) (time.Duration, error)
}

// Deps are the components the handlers drive. Clipboard defaults to the
// system clipboard.
type Deps struct {
	Player    *player.Player
	Notes     NoteStore
	Settings  *settings.Service
	StudyLog  StudyLog
	Clipboard func(text string) error
}

// Handler holds API route handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Clipboard == nil {
		deps.Clipboard = clipboard.WriteAll
	}
	return &Handler{deps: deps}
}

// Status handles GET /api/status.
//
//	@Summary		Snapshot of the playback surface
//	@Tags			player
//	@Produce		json
//	@Success		200	{object}	player.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Player.Status())
}

// LoadSource handles POST /api/source.
//
//	@Summary		Switch the media source
//	@Tags			player
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.Source	true	"Media source"
//	@Success		200		{object}	player.Status
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/source [post]
func (h *Handler) LoadSource(w http.ResponseWriter, r *http.Request) {
	var src models.Source
	if !decodeJSON(w, r, &src) {
		return
	}
	if err := h.deps.Player.LoadSource(r.Context(), src); err != nil {
		writeError(w, "load source", err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Player.Status())
}

// LoadSubtitles handles POST /api/subtitles. With ?path= the file is read
// from disk and followed for changes; otherwise the raw body is parsed and
// ?name= picks the format.
//
//	@Summary		Load a subtitle track
//	@Tags			player
//	@Accept			plain
//	@Produce		json
//	@Param			name	query		string	false	"File name used as format hint"
//	@Param			path	query		string	false	"Subtitle file to load and watch"
//	@Success		201		{object}	player.Track
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/subtitles [post]
func (h *Handler) LoadSubtitles(w http.ResponseWriter, r *http.Request) {
	var (
		tr  player.Track
		err error
	)
	if path := r.URL.Query().Get("path"); path != "" {
		tr, err = h.deps.Player.LoadSubtitleFile(path)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubtitleBytes)
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
			return
		}
		tr, err = h.deps.Player.LoadSubtitles(raw, r.URL.Query().Get("name"))
	}
	if err != nil {
		writeError(w, "load subtitles", err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// ListCues handles GET /api/cues.
func (h *Handler) ListCues(w http.ResponseWriter, _ *http.Request) {
	cues, err := h.deps.Player.Cues()
	if err != nil {
		writeError(w, "list cues", err)
		return
	}
	writeJSON(w, http.StatusOK, CueListResponse{Cues: cues, OffsetMs: h.deps.Player.Status().OffsetMs})
}

// playhead reads ?t=, falling back to the last reported position.
func (h *Handler) playhead(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("t")
	if raw == "" {
		return h.deps.Player.Status().Position, nil
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil || t < 0 {
		return 0, &apperr.ValidationError{Field: "t", Reason: fmt.Sprintf("invalid playhead %q", raw)}
	}
	return t, nil
}

type cueFunc func(t float64) (models.Cue, bool, error)

// cueLookup serves GET /api/cues/{active,next,previous}?t=.
func (h *Handler) cueLookup(fn cueFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := h.playhead(r)
		if err != nil {
			writeError(w, "cue lookup", err)
			return
		}
		cue, ok, err := fn(t)
		if err != nil {
			writeError(w, "cue lookup", err)
			return
		}
		var resp CueResponse
		if ok {
			resp.Cue = &cue
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CopyActiveCue handles POST /api/cues/active/copy: the cleaned cue text
// goes to the system clipboard for dictionary lookup.
func (h *Handler) CopyActiveCue(w http.ResponseWriter, r *http.Request) {
	t, err := h.playhead(r)
	if err != nil {
		writeError(w, "copy cue", err)
		return
	}
	cue, ok, err := h.deps.Player.ActiveCue(t)
	if err != nil {
		writeError(w, "copy cue", err)
		return
	}
	if !ok {
		writeError(w, "copy cue", apperr.ErrNotFound)
		return
	}
	text := card.CleanSentence(cue.Text)
	if err := h.deps.Clipboard(text); err != nil {
		slog.Error("clipboard write failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("clipboard unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// AdjustOffset handles POST /api/offset.
//
//	@Summary		Shift the subtitle track
//	@Tags			player
//	@Accept			json
//	@Produce		json
//	@Param			body	body		OffsetRequest	true	"Offset delta"
//	@Success		200		{object}	OffsetResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/offset [post]
func (h *Handler) AdjustOffset(w http.ResponseWriter, r *http.Request) {
	var req OffsetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	total, err := h.deps.Player.AdjustOffset(req.DeltaMs)
	if err != nil {
		writeError(w, "adjust offset", err)
		return
	}
	writeJSON(w, http.StatusOK, OffsetResponse{OffsetMs: total})
}

// ResetOffset handles DELETE /api/offset.
func (h *Handler) ResetOffset(w http.ResponseWriter, _ *http.Request) {
	if err := h.deps.Player.ResetOffset(); err != nil {
		writeError(w, "reset offset", err)
		return
	}
	writeJSON(w, http.StatusOK, OffsetResponse{})
}

// Playback handles POST /api/playback/{event}, the surface's media events.
func (h *Handler) Playback(w http.ResponseWriter, r *http.Request) {
	p := h.deps.Player
	switch event := chi.URLParam(r, "event"); event {
	case "play":
		p.MediaPlay()
	case "pause":
		p.MediaPause()
	case "ended":
		if err := p.MediaEnded(r.Context()); err != nil {
			writeError(w, "media ended", err)
			return
		}
	case "timeupdate":
		var req TimeUpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		// Positions reported before a track is loaded are still recorded.
		if err := p.TimeUpdate(req.T); err != nil && !errors.Is(err, apperr.ErrNoTrack) {
			writeError(w, "time update", err)
			return
		}
	default:
		writeJSON(w, http.StatusNotFound, errorBody("unknown playback event: "+event))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TimerStatus handles GET /api/timer.
func (h *Handler) TimerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Player.TimerStatus())
}

// TimerAction handles POST /api/timer/{action}.
//
//	@Summary		Control the study timer
//	@Tags			timer
//	@Produce		json
//	@Param			action	path		string	true	"Timer action"	Enums(pause, resume, submit, exit)
//	@Success		200		{object}	timer.Snapshot
//	@Failure		500		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/timer/{action} [post]
func (h *Handler) TimerAction(w http.ResponseWriter, r *http.Request) {
	p := h.deps.Player
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		p.PauseImmersion()
	case "resume":
		p.ResumeImmersion()
	case "submit":
		err = p.Submit(r.Context())
	case "exit":
		err = p.Exit(r.Context())
	default:
		writeJSON(w, http.StatusNotFound, errorBody("unknown timer action: "+action))
		return
	}
	if err != nil {
		// The interval is kept locally and retried; report the failure.
		writeError(w, "timer flush", err)
		return
	}
	writeJSON(w, http.StatusOK, p.TimerStatus())
}

// CheckNoteStore handles GET /api/notestore/check.
func (h *Handler) CheckNoteStore(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Notes.Check(r.Context()); err != nil {
		writeError(w, "note store check", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListDecks handles GET /api/notestore/decks.
func (h *Handler) ListDecks(w http.ResponseWriter, r *http.Request) {
	names, err := h.deps.Notes.DeckNames(r.Context())
	h.writeNames(w, "list decks", names, err)
}

// ListModels handles GET /api/notestore/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	names, err := h.deps.Notes.ModelNames(r.Context())
	h.writeNames(w, "list models", names, err)
}

// ListModelFields handles GET /api/notestore/models/{name}/fields.
func (h *Handler) ListModelFields(w http.ResponseWriter, r *http.Request) {
	names, err := h.deps.Notes.ModelFieldNames(r.Context(), chi.URLParam(r, "name"))
	h.writeNames(w, "list model fields", names, err)
}

func (h *Handler) writeNames(w http.ResponseWriter, op string, names []string, err error) {
	if err != nil {
		writeError(w, op, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, NamesResponse{Names: names})
}

// GetSettings handles GET /api/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Settings.Get())
}

// PutSettings handles PUT /api/settings. The whole value is replaced; an
// invalid one leaves the current settings untouched.
//
//	@Summary		Replace the settings
//	@Tags			settings
//	@Accept			json
//	@Produce		json
//	@Param			body	body		settings.Settings	true	"Settings"
//	@Success		200		{object}	settings.Settings
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/settings [put]
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var next settings.Settings
	if !decodeJSON(w, r, &next) {
		return
	}
	if err := h.deps.Settings.Replace(next); err != nil {
		writeError(w, "save settings", err)
		return
	}
	cur := h.deps.Settings.Get()
	h.deps.Notes.SetEndpoint(cur.NoteStoreURL)
	writeJSON(w, http.StatusOK, cur)
}

// StudyLog handles GET /api/studylog?limit=&since=.
func (h *Handler) StudyLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("since must be RFC 3339"))
			return
		}
		since = t
	}

	entries, err := h.deps.StudyLog.List(r.Context(), limit)
	if err != nil {
		writeError(w, "list study log", err)
		return
	}
	total, err := h.deps.StudyLog.Total(r.Context(), since)
	if err != nil {
		writeError(w, "study log total", err)
		return
	}
	if entries == nil {
		entries = []studylog.Entry{}
	}
	writeJSON(w, http.StatusOK, StudyLogResponse{Entries: entries, TotalSeconds: total.Seconds()})
}

func trimID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
