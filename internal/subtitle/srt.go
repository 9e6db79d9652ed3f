package subtitle

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n`)

// stripVTTBanner removes the WEBVTT header block (banner plus any metadata
// lines up to the first blank line).
func stripVTTBanner(text string) string {
	trimmed := strings.TrimLeft(text, " \t\n")
	if !strings.HasPrefix(trimmed, "WEBVTT") {
		return text
	}
	loc := blankLineRe.FindStringIndex(trimmed)
	if loc == nil {
		return ""
	}
	return trimmed[loc[1]:]
}

// parseBlocks parses SRT-style blocks: an optional identifier line, a
// timing line and one or more text lines. Blocks without a timing line
// (VTT NOTE/STYLE/REGION) and blocks with a malformed timing are skipped.
func parseBlocks(text string) []rawCue {
	blocks := blankLineRe.Split(text, -1)
	out := make([]rawCue, 0, len(blocks))
	for _, blk := range blocks {
		lines := strings.Split(strings.Trim(blk, "\n"), "\n")
		timing := -1
		for i, l := range lines {
			if strings.Contains(l, "-->") {
				timing = i
				break
			}
		}
		if timing < 0 {
			continue
		}
		start, end, err := parseTimingLine(lines[timing])
		if err != nil {
			continue
		}
		out = append(out, rawCue{
			start: start,
			end:   end,
			text:  strings.Join(lines[timing+1:], "\n"),
		})
	}
	return out
}

// parseTimingLine parses "00:00:01,234 --> 00:00:04,567 [settings]".
func parseTimingLine(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("invalid timing separator")
	}
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return 0, 0, errors.New("missing end time")
	}
	end, err := parseTimestamp(fields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp accepts HH:MM:SS[,.]fff, H:MM:SS.cc and MM:SS.fff and
// returns seconds. Minutes and seconds must be below 60.
func parseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	sep := strings.LastIndexAny(s, ",.")
	if sep < 0 {
		return 0, errors.New("missing fraction")
	}
	clock, frac := s[:sep], s[sep+1:]
	if frac == "" || !digitsOnly(frac) {
		return 0, errors.New("invalid fraction")
	}
	parts := strings.Split(clock, ":")
	if len(parts) == 2 {
		parts = append([]string{"0"}, parts...)
	}
	if len(parts) != 3 {
		return 0, errors.New("invalid h:m:s")
	}
	var hms [3]int
	for i, p := range parts {
		if p == "" || !digitsOnly(p) {
			return 0, errors.New("invalid h:m:s component")
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, err
		}
		hms[i] = v
	}
	if hms[1] >= 60 || hms[2] >= 60 {
		return 0, errors.New("minutes or seconds out of range")
	}
	fracVal, err := strconv.ParseFloat("0."+frac, 64)
	if err != nil {
		return 0, err
	}
	total := float64(hms[0])*3600 + float64(hms[1])*60 + float64(hms[2]) + fracVal
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, errors.New("timestamp not finite")
	}
	return total, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
