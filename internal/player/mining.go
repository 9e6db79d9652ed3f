package player

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/capture"
	"github.com/starford/kioku/internal/card"
	"github.com/starford/kioku/internal/events"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/settings"
)

const previewDir = "previews"

// PreviewPrefix is the URL path previews are served under.
const PreviewPrefix = "/api/mine/preview/"

// MineInput starts a mining request for the cue under At.
type MineInput struct {
	At         float64 `json:"at"`
	Word       string  `json:"word,omitempty"`
	Definition string  `json:"definition,omitempty"`
	DeckName   string  `json:"deck_name,omitempty"`
	ModelName  string  `json:"model_name,omitempty"`
}

// ConfirmInput lets the user edit the optional fields before committing.
type ConfirmInput struct {
	Word       *string `json:"word,omitempty"`
	Definition *string `json:"definition,omitempty"`
}

// Pending is the mining request awaiting confirmation.
type Pending struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	Cue       models.Cue `json:"cue"`
	ImageURL  string     `json:"image_url,omitempty"`
	AudioURL  string     `json:"audio_url,omitempty"`
	DeckName  string     `json:"deck_name"`
	ModelName string     `json:"model_name"`
	CreatedAt time.Time  `json:"created_at"`
}

const (
	mineCapturing  = "capturing"
	mineReady      = "ready"
	mineSubmitting = "submitting"
)

type pendingMine struct {
	Pending
	input      MineInput
	source     models.Source
	clip       models.MediaClip
	arena      *capture.Arena
	previews   map[string]bool
	cancel     context.CancelFunc
	autoPaused bool
}

func (m *pendingMine) view() *Pending {
	v := m.Pending
	return &v
}

// Mine captures the cue under in.At and holds it for confirmation. Only
// one request may be open at a time; a second one fails with
// apperr.ErrMineInFlight. A playing surface is paused for the duration.
func (p *Player) Mine(ctx context.Context, in MineInput) (Pending, error) {
	p.mu.RLock()
	src := p.source
	engine := p.engine
	playing := p.playing
	p.mu.RUnlock()

	if engine == nil {
		return Pending{}, apperr.ErrNoTrack
	}
	if src.MediaPath == "" {
		return Pending{}, &apperr.ValidationError{Field: "source", Reason: "no media source is loaded"}
	}
	cue, ok := engine.ActiveCue(in.At)
	if !ok {
		return Pending{}, &apperr.ValidationError{Field: "at", Reason: "there is no subtitle at this position"}
	}

	cfg := p.settings.Get()
	deck, model := firstNonEmpty(in.DeckName, cfg.DefaultDeck), firstNonEmpty(in.ModelName, cfg.DefaultModel)
	if !cfg.Mapping(model).Mapped() {
		return Pending{}, &apperr.ValidationError{Field: "mapping", Reason: "no field is mapped for note type \"" + model + "\""}
	}

	captureCtx, cancel := context.WithCancel(ctx)
	m := &pendingMine{
		Pending: Pending{
			ID:        uuid.NewString(),
			State:     mineCapturing,
			Cue:       cue,
			DeckName:  deck,
			ModelName: model,
			CreatedAt: time.Now().UTC(),
		},
		input:    in,
		source:   src,
		arena:    capture.NewArena(p.logger),
		previews: make(map[string]bool),
		cancel:   cancel,
	}
	m.arena.Add("capture context", func() error { cancel(); return nil })

	p.mineMu.Lock()
	if p.pending != nil {
		p.mineMu.Unlock()
		cancel()
		return Pending{}, apperr.ErrMineInFlight
	}
	p.pending = m
	p.mineMu.Unlock()

	if playing {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		p.mineMu.Lock()
		m.autoPaused = true
		p.mineMu.Unlock()
		p.bus.Publish(events.PlayerPause, map[string]string{"reason": "mining"})
	}

	clip, err := p.capturer.Capture(captureCtx, src.MediaPath, cue, in.At, captureOptions(cfg))
	var set previewSet
	if err == nil {
		set, err = p.writePreviews(m, clip)
	}

	// CancelMine cancels under mineMu, so a cancel either shows here or
	// finds the request ready and finishes it itself.
	p.mineMu.Lock()
	cancelled := captureCtx.Err() != nil && ctx.Err() == nil
	if err == nil && !cancelled {
		m.clip = clip
		m.previews = set.names
		m.ImageURL = set.imageURL
		m.AudioURL = set.audioURL
		m.State = mineReady
		view := m.view()
		p.mineMu.Unlock()

		p.logger.Info("player: mine pending", slog.String("id", m.ID), slog.Int("cue", cue.ID))
		p.bus.Publish(events.MinePending, view)
		return *view, nil
	}
	p.mineMu.Unlock()

	if cancelled {
		p.finishMine(m, events.MineCancelled, map[string]string{"id": m.ID})
		return Pending{}, context.Canceled
	}
	p.finishMine(m, events.MineFailed, map[string]string{"id": m.ID, "error": apperr.Message(err)})
	return Pending{}, err
}

type previewSet struct {
	names    map[string]bool
	imageURL string
	audioURL string
}

// writePreviews stores the clip for the surface to play back. The files
// are owned by m's arena; the returned set is published by the caller.
func (p *Player) writePreviews(m *pendingMine, clip models.MediaClip) (previewSet, error) {
	set := previewSet{names: make(map[string]bool, 2)}
	write := func(kind string, media models.EncodedMedia) (string, error) {
		if media.Empty() {
			return "", nil
		}
		name := m.ID + "-" + kind + "." + media.Extension()
		rel := path.Join(previewDir, name)
		if err := p.store.Write(rel, media.Data); err != nil {
			return "", &apperr.MediaCaptureError{Stage: "preview", Err: err}
		}
		m.arena.Add("preview "+name, func() error {
			err := p.store.Delete(rel)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		})
		set.names[name] = true
		return PreviewPrefix + name, nil
	}
	var err error
	if set.imageURL, err = write("image", clip.Image); err != nil {
		return set, err
	}
	set.audioURL, err = write("audio", clip.Audio)
	return set, err
}

// ConfirmMine builds and commits the pending note. On failure the request
// stays open so the user can retry or cancel; nothing is retried
// automatically.
func (p *Player) ConfirmMine(ctx context.Context, id string, edits ConfirmInput) (card.Committed, error) {
	p.mineMu.Lock()
	m := p.pending
	switch {
	case m == nil || m.ID != id:
		p.mineMu.Unlock()
		return card.Committed{}, apperr.ErrNotFound
	case m.State != mineReady:
		p.mineMu.Unlock()
		return card.Committed{}, apperr.ErrMineInFlight
	}
	m.State = mineSubmitting
	if edits.Word != nil {
		m.input.Word = *edits.Word
	}
	if edits.Definition != nil {
		m.input.Definition = *edits.Definition
	}
	p.mineMu.Unlock()

	cfg := p.settings.Get()
	req, err := p.assembler.Build(card.BuildInput{
		CueText:    m.Cue.Text,
		CueStart:   m.Cue.Start,
		Clip:       m.clip,
		Mapping:    cfg.Mapping(m.ModelName),
		DeckName:   m.DeckName,
		ModelName:  m.ModelName,
		Source:     m.source,
		Word:       m.input.Word,
		Definition: m.input.Definition,
		Tags:       cfg.Tags,
	})
	if err == nil {
		var committed card.Committed
		committed, err = p.assembler.Submit(ctx, req)
		if err == nil {
			p.finishMine(m, events.MineCommitted, map[string]any{"id": m.ID, "note_id": committed.NoteID, "updated": committed.Updated})
			return committed, nil
		}
	}

	p.mineMu.Lock()
	m.State = mineReady
	p.mineMu.Unlock()
	p.logger.Warn("player: mine failed", slog.String("id", m.ID), slog.String("error", err.Error()))
	p.bus.Publish(events.MineFailed, map[string]string{"id": m.ID, "error": apperr.Message(err)})
	return card.Committed{}, err
}

// CancelMine drops the pending request: capture is stopped, previews are
// removed and an auto-paused surface is resumed.
func (p *Player) CancelMine(id string) error {
	p.mineMu.Lock()
	m := p.pending
	switch {
	case m == nil || m.ID != id:
		p.mineMu.Unlock()
		return apperr.ErrNotFound
	case m.State == mineSubmitting:
		p.mineMu.Unlock()
		return apperr.ErrMineInFlight
	}
	if m.State == mineCapturing {
		// Mine sees the cancelled capture and cleans up itself.
		m.cancel()
		p.mineMu.Unlock()
		return nil
	}
	p.mineMu.Unlock()

	p.finishMine(m, events.MineCancelled, map[string]string{"id": id})
	return nil
}

// PreviewFile resolves a preview name of the pending request to a file path.
func (p *Player) PreviewFile(name string) (string, error) {
	p.mineMu.Lock()
	m := p.pending
	owned := m != nil && m.previews[name]
	p.mineMu.Unlock()
	if !owned || strings.ContainsAny(name, `/\`) {
		return "", apperr.ErrNotFound
	}
	return p.store.Abs(path.Join(previewDir, name))
}

// abandonMine cancels whatever is open, used on surface exit.
func (p *Player) abandonMine() {
	p.mineMu.Lock()
	m := p.pending
	if m == nil {
		p.mineMu.Unlock()
		return
	}
	if m.State == mineCapturing {
		m.cancel()
		p.mineMu.Unlock()
		return
	}
	p.mineMu.Unlock()
	p.finishMine(m, events.MineCancelled, map[string]string{"id": m.ID})
}

// finishMine releases every resource of m, clears it and resumes the
// surface when mining paused it.
func (p *Player) finishMine(m *pendingMine, kind events.Kind, data any) {
	p.mineMu.Lock()
	if p.pending != m {
		p.mineMu.Unlock()
		return
	}
	p.pending = nil
	resume := m.autoPaused
	p.mineMu.Unlock()

	if err := m.arena.Release(); err != nil {
		p.logger.Warn("player: release mining resources failed", slog.String("id", m.ID), slog.String("error", err.Error()))
	}
	p.bus.Publish(kind, data)

	if resume {
		p.mu.Lock()
		p.playing = true
		p.mu.Unlock()
		p.bus.Publish(events.PlayerResume, map[string]string{"reason": "mining"})
	}
}

func (p *Player) currentPending() *Pending {
	p.mineMu.Lock()
	defer p.mineMu.Unlock()
	if p.pending == nil {
		return nil
	}
	return p.pending.view()
}

func captureOptions(s settings.Settings) capture.Options {
	return capture.Options{
		Image: capture.ImageOptions{Format: s.ImageFormat, Quality: s.ImageQuality},
		Audio: capture.AudioOptions{Format: s.AudioFormat, PaddingMs: s.AudioPaddingMs},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// PurgePreviews removes preview files left behind by an earlier run.
func (p *Player) PurgePreviews() (int, error) {
	files, err := p.store.List(previewDir, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if err := p.store.Delete(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, err
		}
		n++
	}
	return n, nil
}
