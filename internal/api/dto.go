package api

import (
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/studylog"
)

// OffsetRequest is the request body for POST /api/offset.
type OffsetRequest struct {
	DeltaMs int `json:"delta_ms" example:"-250" validate:"required"`
}

// OffsetResponse reports the total track offset.
type OffsetResponse struct {
	OffsetMs int `json:"offset_ms" example:"500"`
}

// TimeUpdateRequest is the body of POST /api/playback/timeupdate.
type TimeUpdateRequest struct {
	T float64 `json:"t" example:"12.5" validate:"required"`
}

// CueResponse wraps a cue lookup; Cue is null in a gap.
type CueResponse struct {
	Cue *models.Cue `json:"cue"`
}

// CueListResponse wraps the displayed cues.
type CueListResponse struct {
	Cues     []models.Cue `json:"cues" validate:"required"`
	OffsetMs int          `json:"offset_ms"`
}

// NamesResponse wraps a list of deck, model or field names.
type NamesResponse struct {
	Names []string `json:"names" validate:"required"`
}

// StudyLogResponse lists logged intervals and their sum.
type StudyLogResponse struct {
	Entries      []studylog.Entry `json:"entries" validate:"required"`
	TotalSeconds float64          `json:"total_seconds"`
}
