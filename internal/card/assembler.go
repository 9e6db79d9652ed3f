// Package card turns a mined cue into a note and commits it to the note
// store in two phases: media first, then the note itself.
package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/clock"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/notestore"
)

// DefaultTag is added to every note.
const DefaultTag = "kioku"

// Store is the subset of the note-store client the assembler uses.
type Store interface {
	StoreMediaFile(ctx context.Context, filename string, data []byte) (string, error)
	FindNotes(ctx context.Context, query string) ([]int64, error)
	UpdateNoteFields(ctx context.Context, id int64, fields map[string]string) error
	CanAddNotes(ctx context.Context, notes []notestore.Note) ([]bool, error)
	AddNote(ctx context.Context, note notestore.Note) (int64, error)
}

// BuildInput is everything needed to assemble one note.
type BuildInput struct {
	CueText    string
	CueStart   float64
	Clip       models.MediaClip
	Mapping    models.ModelMapping
	DeckName   string
	ModelName  string
	Source     models.Source
	Word       string
	Definition string
	Tags       []string
}

// Committed is the outcome of a successful Submit.
type Committed struct {
	NoteID  int64 `json:"note_id"`
	Updated bool  `json:"updated"`
}

// Assembler builds and submits notes.
type Assembler struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an Assembler.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Assembler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, clock: clk, logger: logger}
}

// Build assembles a NoteRequest. It performs no I/O and fails with
// *apperr.ValidationError when nothing is mapped or an input a mapped
// field needs is missing.
func (a *Assembler) Build(in BuildInput) (models.NoteRequest, error) {
	if !in.Mapping.Mapped() {
		return models.NoteRequest{}, &apperr.ValidationError{
			Field:  "mapping",
			Reason: fmt.Sprintf("no field is mapped for note type %q", in.ModelName),
		}
	}
	if strings.TrimSpace(in.DeckName) == "" {
		return models.NoteRequest{}, &apperr.ValidationError{Field: "deck", Reason: "no deck selected"}
	}
	if strings.TrimSpace(in.ModelName) == "" {
		return models.NoteRequest{}, &apperr.ValidationError{Field: "model", Reason: "no note type selected"}
	}

	for f := range in.Mapping {
		if !f.Valid() {
			return models.NoteRequest{}, &apperr.ValidationError{Field: string(f), Reason: "unknown field"}
		}
	}

	req := models.NoteRequest{
		DeckName:  in.DeckName,
		ModelName: in.ModelName,
		Fields:    make(map[string]string),
		Tags:      mergeTags(in.Tags),
	}

	// Walk app fields in a fixed order so output is deterministic.
	for _, f := range models.AppFields {
		dst := in.Mapping[f]
		if dst == "" {
			continue
		}
		value, media, err := a.fieldValue(f, in)
		if err != nil {
			return models.NoteRequest{}, err
		}
		if media != nil {
			req.Media = append(req.Media, *media)
		}
		if prev := req.Fields[dst]; prev != "" && value != "" {
			value = prev + "<br>" + value
		} else if value == "" {
			value = prev
		}
		req.Fields[dst] = value
	}
	return req, nil
}

func (a *Assembler) fieldValue(f models.AppField, in BuildInput) (string, *models.MediaFile, error) {
	switch f {
	case models.FieldSentence:
		s := CleanSentence(in.CueText)
		if s == "" {
			return "", nil, &apperr.ValidationError{Field: string(f), Reason: "the cue has no text"}
		}
		return s, nil, nil
	case models.FieldWord:
		return strings.TrimSpace(in.Word), nil, nil
	case models.FieldDefinition:
		return strings.TrimSpace(in.Definition), nil, nil
	case models.FieldSource:
		return SourceLabel(in.Source, in.CueStart), nil, nil
	case models.FieldAudio:
		if in.Clip.Audio.Empty() {
			return "", nil, &apperr.ValidationError{Field: string(f), Reason: "no audio was captured"}
		}
		name := a.mediaName(in.Clip.Audio)
		return "[sound:" + name + "]", &models.MediaFile{Filename: name, Data: in.Clip.Audio.Data}, nil
	case models.FieldImage:
		if in.Clip.Image.Empty() {
			return "", nil, &apperr.ValidationError{Field: string(f), Reason: "no image was captured"}
		}
		name := a.mediaName(in.Clip.Image)
		return `<img src="` + name + `">`, &models.MediaFile{Filename: name, Data: in.Clip.Image.Data}, nil
	default:
		return "", nil, &apperr.ValidationError{Field: string(f), Reason: "unknown field"}
	}
}

// mediaName returns kioku_<unixmillis>_<8 hex>.<ext>.
func (a *Assembler) mediaName(m models.EncodedMedia) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("kioku_%d_%s.%s", a.clock.Now().UnixMilli(), suffix, m.Extension())
}

// SourceLabel formats "<title> HH:MM:SS", falling back to the media file
// name when the source has no title.
func SourceLabel(src models.Source, atSec float64) string {
	title := strings.TrimSpace(src.Title)
	if title == "" && src.MediaPath != "" {
		title = filepath.Base(src.MediaPath)
	}
	total := int(math.Max(0, math.Floor(atSec)))
	stamp := fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
	if title == "" {
		return stamp
	}
	return title + " " + stamp
}

func mergeTags(extra []string) []string {
	tags := []string{DefaultTag}
	for _, t := range extra {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}

// Submit commits req. Phase one stores every media file; any failure
// aborts with *apperr.MediaStoreError before the note store is asked about
// notes. Phase two updates the newest note added to the deck today, or
// adds a new note when there is none. Nothing is retried.
func (a *Assembler) Submit(ctx context.Context, req models.NoteRequest) (Committed, error) {
	fields := make(map[string]string, len(req.Fields))
	for k, v := range req.Fields {
		fields[k] = v
	}

	for _, m := range req.Media {
		stored, err := a.store.StoreMediaFile(ctx, m.Filename, m.Data)
		if err != nil {
			a.logger.Warn("card: media upload failed",
				slog.String("file", m.Filename),
				slog.String("error", err.Error()))
			return Committed{}, &apperr.MediaStoreError{File: m.Filename, Err: err}
		}
		if stored != m.Filename {
			for k, v := range fields {
				fields[k] = strings.ReplaceAll(v, m.Filename, stored)
			}
		}
	}

	ids, err := a.store.FindNotes(ctx, RecentQuery(req.DeckName, req.ModelName))
	if err != nil {
		return Committed{}, fmt.Errorf("card: find recent note: %w", err)
	}
	if len(ids) > 0 {
		id := slices.Max(ids)
		if err := a.store.UpdateNoteFields(ctx, id, nonEmpty(fields)); err != nil {
			return Committed{}, a.conflict("update", err)
		}
		a.logger.Info("card: note updated", slog.Int64("note_id", id), slog.String("deck", req.DeckName))
		return Committed{NoteID: id, Updated: true}, nil
	}

	note := notestore.Note{
		DeckName:  req.DeckName,
		ModelName: req.ModelName,
		Fields:    fields,
		Tags:      req.Tags,
		Options:   &notestore.NoteOptions{AllowDuplicate: false, DuplicateScope: "deck"},
	}
	ok, err := a.store.CanAddNotes(ctx, []notestore.Note{note})
	if err != nil {
		return Committed{}, a.conflict("check", err)
	}
	if len(ok) != 1 || !ok[0] {
		return Committed{}, &apperr.SyncConflictError{Reason: "the note is a duplicate or its first field is empty"}
	}
	id, err := a.store.AddNote(ctx, note)
	if err != nil {
		return Committed{}, a.conflict("add", err)
	}
	a.logger.Info("card: note added", slog.Int64("note_id", id), slog.String("deck", req.DeckName))
	return Committed{NoteID: id}, nil
}

// conflict turns a note-store rejection into a SyncConflictError; transport
// and connection errors pass through unchanged.
func (a *Assembler) conflict(op string, err error) error {
	var ae *notestore.ActionError
	if errors.As(err, &ae) {
		return &apperr.SyncConflictError{Reason: ae.Message}
	}
	return fmt.Errorf("card: %s note: %w", op, err)
}

// RecentQuery is the search for notes added to deck (and model) today.
func RecentQuery(deck, model string) string {
	q := fmt.Sprintf(`deck:"%s" added:1`, escapeQuery(deck))
	if model != "" {
		q += fmt.Sprintf(` note:"%s"`, escapeQuery(model))
	}
	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func nonEmpty(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}
