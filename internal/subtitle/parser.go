// Package subtitle parses SRT, WebVTT and ASS/SSA subtitle files into an
// ordered, normalized cue list.
package subtitle

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/models"
)

// Format identifies the grammar a file was parsed with.
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
	FormatASS Format = "ass"
)

// rawCue is a cue before filtering and ID assignment.
type rawCue struct {
	start float64
	end   float64
	text  string
}

// Parse turns raw subtitle text into cues sorted by start time.
// filenameHint is only used for error messages and format detection of
// header-less files. Individual malformed cues are skipped; a file that
// yields no valid cue fails with *apperr.ParseError.
func Parse(raw, filenameHint string) ([]models.Cue, error) {
	cues, _, err := ParseWithFormat(raw, filenameHint)
	return cues, err
}

// ParseWithFormat is Parse that also reports the detected format.
func ParseWithFormat(raw, filenameHint string) ([]models.Cue, Format, error) {
	text := normalize(raw)
	if strings.TrimSpace(text) == "" {
		return nil, "", &apperr.ParseError{File: filenameHint, Reason: "file is empty"}
	}

	var (
		format Format
		parsed []rawCue
	)
	switch {
	case isASS(text):
		format = FormatASS
		parsed = parseASS(text)
	default:
		format = FormatSRT
		if isVTT(text) || strings.EqualFold(filepath.Ext(filenameHint), ".vtt") {
			format = FormatVTT
		}
		parsed = parseBlocks(stripVTTBanner(text))
	}

	cues := finalize(parsed)
	if len(cues) == 0 {
		return nil, format, &apperr.ParseError{File: filenameHint, Reason: "no valid cues found"}
	}
	return cues, format, nil
}

// finalize cleans, filters, sorts and numbers the parsed cues.
func finalize(parsed []rawCue) []models.Cue {
	kept := make([]rawCue, 0, len(parsed))
	for _, c := range parsed {
		c.text = Clean(c.text)
		if c.start < 0 || c.end <= c.start || c.text == "" {
			continue
		}
		kept = append(kept, c)
	}
	// ASS events are frequently out of order; SRT/VTT are normally
	// chronological already, so the stable sort leaves them untouched.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	out := make([]models.Cue, len(kept))
	for i, c := range kept {
		out[i] = models.Cue{ID: i, Start: c.start, End: c.end, Text: c.text}
	}
	return out
}

func normalize(raw string) string {
	s := strings.TrimPrefix(raw, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func isASS(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "[script info]", "[events]":
			return true
		}
	}
	return false
}

func isVTT(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, " \t\n"), "WEBVTT")
}
