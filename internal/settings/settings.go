// Package settings holds the user-editable preferences: note-store
// endpoint, deck/model defaults, field mappings and capture encoding.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/notestore"
	"github.com/starford/kioku/pkg/config"
)

// Supported encodings.
var (
	ImageFormats = []string{"jpeg", "png", "webp"}
	AudioFormats = []string{"mp3", "ogg", "wav"}
)

// Settings is the persisted preference set.
type Settings struct {
	NoteStoreURL   string              `yaml:"note_store_url" json:"note_store_url"`
	DefaultDeck    string              `yaml:"default_deck" json:"default_deck"`
	DefaultModel   string              `yaml:"default_model" json:"default_model"`
	FieldMappings  models.FieldMapping `yaml:"field_mappings" json:"field_mappings"`
	Tags           []string            `yaml:"tags" json:"tags"`
	AudioPaddingMs int                 `yaml:"audio_padding_ms" json:"audio_padding_ms"`
	ImageQuality   float64             `yaml:"image_quality" json:"image_quality"`
	ImageFormat    string              `yaml:"image_format" json:"image_format"`
	AudioFormat    string              `yaml:"audio_format" json:"audio_format"`
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.NoteStoreURL, validation.Required, is.URL),
		validation.Field(&s.AudioPaddingMs, validation.Min(0), validation.Max(500)),
		validation.Field(&s.ImageQuality, validation.Required, validation.Min(0.1), validation.Max(1.0)),
		validation.Field(&s.ImageFormat, validation.Required, validation.In(toAny(ImageFormats)...)),
		validation.Field(&s.AudioFormat, validation.Required, validation.In(toAny(AudioFormats)...)),
		validation.Field(&s.FieldMappings, validation.By(validateMappings)),
	)
}

func validateMappings(value any) error {
	fm, _ := value.(models.FieldMapping)
	for model, m := range fm {
		for f := range m {
			if !f.Valid() {
				return fmt.Errorf("model %q: unknown field %q", model, f)
			}
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Mapping returns the field mapping for model (nil when none is set).
func (s Settings) Mapping(model string) models.ModelMapping {
	return s.FieldMappings[model]
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		NoteStoreURL:   notestore.DefaultEndpoint,
		FieldMappings:  models.FieldMapping{},
		AudioPaddingMs: 250,
		ImageQuality:   0.92,
		ImageFormat:    "jpeg",
		AudioFormat:    "mp3",
	}
}

// Service owns the settings file. It is passed explicitly to the
// components that read settings; there is no package-level state.
type Service struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cur Settings
}

// NewService returns a service holding Defaults until Load is called.
func NewService(path string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{path: path, logger: logger, cur: Defaults()}
}

// Path returns the backing file.
func (s *Service) Path() string { return s.path }

// Load reads the settings file. A missing file keeps the defaults.
func (s *Service) Load() error {
	next := Defaults()
	err := config.Read(s.path, &next)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("settings: no file, using defaults", slog.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

// Save writes the current settings.
func (s *Service) Save() error {
	cur := s.Get()
	if err := config.Save(s.path, &cur); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

// Get returns a copy of the current settings.
func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cur)
}

// Update applies fn to a copy, validates and persists it, then makes it
// current. On any error the current settings are unchanged.
func (s *Service) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.cur)
	fn(&next)
	if err := next.Validate(); err != nil {
		return &apperr.ValidationError{Field: "settings", Reason: err.Error()}
	}
	if err := config.Save(s.path, &next); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	s.cur = next
	return nil
}

// Replace swaps in a whole settings value.
func (s *Service) Replace(next Settings) error {
	return s.Update(func(cur *Settings) { *cur = clone(next) })
}

func clone(s Settings) Settings {
	out := s
	out.Tags = slices.Clone(s.Tags)
	if s.FieldMappings != nil {
		out.FieldMappings = make(models.FieldMapping, len(s.FieldMappings))
		for model, m := range s.FieldMappings {
			out.FieldMappings[model] = maps.Clone(m)
		}
	}
	return out
}
