// Package player is the playback surface model: one media source, one
// subtitle track with its offset, the session timer and the mining flow.
// HTTP handlers and the MCP server drive it; it reports through the event bus.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/capture"
	"github.com/starford/kioku/internal/card"
	"github.com/starford/kioku/internal/checksum"
	"github.com/starford/kioku/internal/events"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/offset"
	"github.com/starford/kioku/internal/settings"
	"github.com/starford/kioku/internal/storage"
	"github.com/starford/kioku/internal/subtitle"
	"github.com/starford/kioku/internal/timer"
)

// Capturer grabs the media for a cue.
type Capturer interface {
	Capture(ctx context.Context, src string, cue models.Cue, at float64, opts capture.Options) (models.MediaClip, error)
}

// Assembler builds and commits notes.
type Assembler interface {
	Build(in card.BuildInput) (models.NoteRequest, error)
	Submit(ctx context.Context, req models.NoteRequest) (card.Committed, error)
}

// Track describes the loaded subtitle file.
type Track struct {
	Name     string          `json:"name"`
	Path     string          `json:"path,omitempty"`
	Format   subtitle.Format `json:"format"`
	Checksum string          `json:"checksum"`
	Cues     int             `json:"cues"`
	LoadedAt time.Time       `json:"loaded_at"`
}

// Status is a snapshot of the surface.
type Status struct {
	Source   models.Source  `json:"source"`
	Track    *Track         `json:"track,omitempty"`
	OffsetMs int            `json:"offset_ms"`
	Playing  bool           `json:"playing"`
	Position float64        `json:"position"`
	Timer    timer.Snapshot `json:"timer"`
	Mining   *Pending       `json:"mining,omitempty"`
}

// CueChange is the payload of cue.changed.
type CueChange struct {
	Position float64     `json:"position"`
	Cue      *models.Cue `json:"cue"`
}

// Config wires the player's collaborators.
type Config struct {
	Timer     *timer.Timer
	Capturer  Capturer
	Assembler Assembler
	Settings  *settings.Service
	Store     storage.Provider
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Player is safe for concurrent use.
type Player struct {
	timer     *timer.Timer
	capturer  Capturer
	assembler Assembler
	settings  *settings.Service
	store     storage.Provider
	bus       *events.Bus
	logger    *slog.Logger

	watchCh chan string

	mu       sync.RWMutex
	source   models.Source
	engine   *offset.Engine
	track    *Track
	playing  bool
	position float64
	lastCue  int

	mineMu  sync.Mutex
	pending *pendingMine
}

// New creates a Player.
func New(cfg Config) *Player {
	p := &Player{
		timer:     cfg.Timer,
		capturer:  cfg.Capturer,
		assembler: cfg.Assembler,
		settings:  cfg.Settings,
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		watchCh:   make(chan string, 1),
		lastCue:   -1,
	}
	if p.bus == nil {
		p.bus = events.NewBus()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Bus returns the event bus the player publishes on.
func (p *Player) Bus() *events.Bus { return p.bus }

// Status returns a snapshot of the surface.
func (p *Player) Status() Status {
	p.mu.RLock()
	s := Status{
		Source:   p.source,
		Playing:  p.playing,
		Position: p.position,
	}
	if p.track != nil {
		tr := *p.track
		s.Track = &tr
	}
	if p.engine != nil {
		s.OffsetMs = p.engine.Offset()
	}
	p.mu.RUnlock()

	s.Timer = p.timer.Snapshot()
	s.Mining = p.currentPending()
	return s
}

// LoadSource switches the media source. A Running timer is submitted; a
// Paused one keeps its frozen value. The loaded track is kept.
func (p *Player) LoadSource(ctx context.Context, src models.Source) error {
	src.MediaPath = strings.TrimSpace(src.MediaPath)
	if src.MediaPath == "" {
		return &apperr.ValidationError{Field: "media_path", Reason: "a media path or URL is required"}
	}
	if err := p.timer.SourceChanged(ctx); err != nil {
		// The interval is kept for retry; the swap still happens.
		p.logger.Warn("player: flush on source change failed", slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.source = src
	p.playing = false
	p.position = 0
	p.lastCue = -1
	p.mu.Unlock()

	p.logger.Info("player: source loaded", slog.String("media", src.MediaPath), slog.String("title", src.Title))
	p.bus.Publish(events.SourceLoaded, src)
	return nil
}

// LoadSubtitles parses raw as a new track with a zero offset.
func (p *Player) LoadSubtitles(raw []byte, name string) (Track, error) {
	return p.loadTrack(raw, name, "")
}

// LoadSubtitleFile reads a subtitle file, loads it and asks the watcher to
// follow it.
func (p *Player) LoadSubtitleFile(path string) (Track, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Track{}, fmt.Errorf("player: resolve %s: %w", path, err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return Track{}, fmt.Errorf("player: read %s: %w", path, err)
	}
	tr, err := p.loadTrack(raw, filepath.Base(abs), abs)
	if err != nil {
		return Track{}, err
	}
	p.follow(abs)
	return tr, nil
}

func (p *Player) loadTrack(raw []byte, name, path string) (Track, error) {
	cues, format, err := subtitle.ParseWithFormat(string(raw), name)
	if err != nil {
		return Track{}, err
	}
	tr := Track{
		Name:     name,
		Path:     path,
		Format:   format,
		Checksum: checksum.Content(raw),
		Cues:     len(cues),
		LoadedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.engine = offset.New(cues)
	p.track = &tr
	p.lastCue = -1
	p.mu.Unlock()

	p.logger.Info("player: track loaded",
		slog.String("name", name),
		slog.String("format", string(format)),
		slog.Int("cues", len(cues)))
	p.bus.Publish(events.TrackLoaded, tr)
	return tr, nil
}

// reloadTrack re-parses the followed file in place, keeping the offset.
// Unchanged content and unparseable content are both ignored.
func (p *Player) reloadTrack(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("player: reload read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	sum := checksum.Content(raw)

	p.mu.RLock()
	same := p.track != nil && p.track.Path == path && p.track.Checksum == sum
	followed := p.track != nil && p.track.Path == path
	p.mu.RUnlock()
	if same || !followed {
		return
	}

	cues, format, err := subtitle.ParseWithFormat(string(raw), filepath.Base(path))
	if err != nil {
		p.logger.Warn("player: reload parse failed, keeping previous track",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	p.engine.Replace(cues)
	tr := *p.track
	tr.Format = format
	tr.Checksum = sum
	tr.Cues = len(cues)
	tr.LoadedAt = time.Now().UTC()
	p.track = &tr
	p.lastCue = -1
	p.mu.Unlock()

	p.logger.Info("player: track reloaded", slog.String("path", path), slog.Int("cues", len(cues)))
	p.bus.Publish(events.TrackLoaded, tr)
}

func (p *Player) withEngine(fn func(e *offset.Engine)) error {
	p.mu.RLock()
	e := p.engine
	p.mu.RUnlock()
	if e == nil {
		return apperr.ErrNoTrack
	}
	fn(e)
	return nil
}

// Cues returns the displayed cues.
func (p *Player) Cues() ([]models.Cue, error) {
	var out []models.Cue
	err := p.withEngine(func(e *offset.Engine) { out = e.Cues() })
	return out, err
}

// ActiveCue returns the cue under t; ok is false in a gap.
func (p *Player) ActiveCue(t float64) (cue models.Cue, ok bool, err error) {
	err = p.withEngine(func(e *offset.Engine) { cue, ok = e.ActiveCue(t) })
	return cue, ok, err
}

// NextCue returns the cue after the one under t.
func (p *Player) NextCue(t float64) (cue models.Cue, ok bool, err error) {
	err = p.withEngine(func(e *offset.Engine) { cue, ok = e.Next(t) })
	return cue, ok, err
}

// PreviousCue returns the cue before the one under t.
func (p *Player) PreviousCue(t float64) (cue models.Cue, ok bool, err error) {
	err = p.withEngine(func(e *offset.Engine) { cue, ok = e.Previous(t) })
	return cue, ok, err
}

// AdjustOffset shifts the track by deltaMs and returns the total offset.
func (p *Player) AdjustOffset(deltaMs int) (int, error) {
	total := 0
	err := p.withEngine(func(e *offset.Engine) {
		e.Adjust(deltaMs)
		total = e.Offset()
	})
	if err != nil {
		return 0, err
	}
	p.bus.Publish(events.OffsetChanged, map[string]int{"offset_ms": total})
	p.refreshActive()
	return total, nil
}

// ResetOffset restores the parsed timestamps.
func (p *Player) ResetOffset() error {
	err := p.withEngine(func(e *offset.Engine) { e.Reset() })
	if err != nil {
		return err
	}
	p.bus.Publish(events.OffsetChanged, map[string]int{"offset_ms": 0})
	p.refreshActive()
	return nil
}

// TimeUpdate records the playhead and publishes cue.changed when the
// active cue changes.
func (p *Player) TimeUpdate(t float64) error {
	p.mu.Lock()
	p.position = t
	p.mu.Unlock()
	return p.refreshActive()
}

func (p *Player) refreshActive() error {
	p.mu.Lock()
	if p.engine == nil {
		p.mu.Unlock()
		return apperr.ErrNoTrack
	}
	t := p.position
	cue, ok := p.engine.ActiveCue(t)
	id := -1
	if ok {
		id = cue.ID
	}
	changed := id != p.lastCue
	p.lastCue = id
	p.mu.Unlock()

	if changed {
		ev := CueChange{Position: t}
		if ok {
			ev.Cue = &cue
		}
		p.bus.Publish(events.CueChanged, ev)
	}
	return nil
}

// MediaPlay is the surface's play event. The first play starts the timer.
func (p *Player) MediaPlay() {
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
	p.timer.MediaPlay()
}

// MediaPause is the surface's pause event. Study time keeps accruing.
func (p *Player) MediaPause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// MediaEnded submits the session.
func (p *Player) MediaEnded(ctx context.Context) error {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	return p.timer.MediaEnded(ctx)
}

// PauseImmersion is the explicit "pause studying" control.
func (p *Player) PauseImmersion() bool { return p.timer.Pause() }

// ResumeImmersion is the explicit "resume studying" control.
func (p *Player) ResumeImmersion() bool { return p.timer.Resume() }

// Submit flushes the session on demand.
func (p *Player) Submit(ctx context.Context) error { return p.timer.Submit(ctx) }

// TimerStatus returns the timer snapshot.
func (p *Player) TimerStatus() timer.Snapshot { return p.timer.Snapshot() }

// Exit is the surface going away: any pending mine is cancelled and the
// session is flushed.
func (p *Player) Exit(ctx context.Context) error {
	p.abandonMine()
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	return p.timer.Exit(ctx)
}
