// Package models defines the domain types for kioku.
package models

import "time"

// Cue is one subtitle entry. Times are seconds from the start of the media.
type Cue struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Duration returns End-Start in seconds.
func (c Cue) Duration() float64 {
	return c.End - c.Start
}

// Contains reports whether t falls inside the cue, bounds included.
func (c Cue) Contains(t float64) bool {
	return t >= c.Start && t <= c.End
}

// Source is the media the surface is currently playing.
type Source struct {
	// MediaPath is a local file path or URL readable by ffmpeg.
	MediaPath string `json:"media_path"`
	Title     string `json:"title"`
}

// Interval is a span of accrued study time ready to be logged.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Seconds returns the interval length.
func (i Interval) Seconds() float64 {
	return i.End.Sub(i.Start).Seconds()
}

// PendingInterval is an interval persisted locally until the log sink accepts it.
type PendingInterval struct {
	ID       string    `json:"id"`
	Interval Interval  `json:"interval"`
	UserID   string    `json:"user_id"`
	Attempts int       `json:"attempts"`
	SavedAt  time.Time `json:"saved_at"`
}
