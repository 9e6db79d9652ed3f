package internal

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration. User preferences that
// change at runtime (deck, mappings, encodings) live in the settings file,
// not here.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Data      DataConfig        `yaml:"data"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Study     StudyConfig       `yaml:"study"`
	NoteStore NoteStoreConfig   `yaml:"note_store"`
	FFmpeg    FFmpegConfig      `yaml:"ffmpeg"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Study.Validate(); err != nil {
		return err
	}
	if err := c.NoteStore.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig holds the directory for previews, pending intervals and the
// settings file.
type DataConfig struct {
	Dir          string `yaml:"dir"`
	SettingsFile string `yaml:"settings_file"`
}

// SettingsPath returns the settings file, defaulting to <dir>/settings.yaml.
func (c *DataConfig) SettingsPath() string {
	if c.SettingsFile != "" {
		return c.SettingsFile
	}
	return filepath.Join(c.Dir, "settings.yaml")
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// StudyConfig controls the session timer.
type StudyConfig struct {
	UserID   string        `yaml:"user_id"`
	MinFlush time.Duration `yaml:"min_flush"`
	Tick     time.Duration `yaml:"tick"`
}

// Validate validates the study configuration.
func (c *StudyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.UserID, validation.Required),
		validation.Field(&c.MinFlush, validation.Min(time.Duration(0))),
		validation.Field(&c.Tick, validation.Min(time.Duration(0))),
	)
}

// NoteStoreConfig holds transport settings for the note store. Its URL is a
// user setting.
type NoteStoreConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the note-store configuration.
func (c *NoteStoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
	)
}

// FFmpegConfig locates the ffmpeg binary and its scratch directory.
type FFmpegConfig struct {
	Binary  string `yaml:"binary"`
	TempDir string `yaml:"temp_dir"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: 8765,
			},
		},
		Data: DataConfig{
			Dir: "./data",
		},
		SQLite: SQLiteConfig{
			Path: "./kioku.db",
		},
		Study: StudyConfig{
			UserID:   "local",
			MinFlush: time.Second,
			Tick:     time.Second,
		},
		NoteStore: NoteStoreConfig{
			Timeout: 30 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Binary: "ffmpeg",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
