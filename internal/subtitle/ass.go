package subtitle

import (
	"regexp"
	"strings"
)

// defaultASSFormat is used when the [Events] section has no Format line.
var defaultASSFormat = []string{"layer", "start", "end", "style", "name", "marginl", "marginr", "marginv", "effect", "text"}

var (
	assOverrideRe   = regexp.MustCompile(`\{[^}]*\}`)
	assAnnotationRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|（[^）]*）`)
)

// parseASS reads Dialogue lines from the [Events] section using the
// declared Format column order.
func parseASS(text string) []rawCue {
	var (
		inEvents bool
		format   = defaultASSFormat
		out      []rawCue
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			inEvents = strings.EqualFold(trimmed, "[events]")
			continue
		}
		if !inEvents {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "format":
			format = parseASSFormat(value)
		case "dialogue":
			if c, ok := parseDialogue(value, format); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func parseASSFormat(value string) []string {
	cols := strings.Split(value, ",")
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, strings.ToLower(strings.TrimSpace(c)))
	}
	return out
}

func parseDialogue(value string, format []string) (rawCue, bool) {
	fields := splitASSFields(strings.TrimLeft(value, " "), len(format))
	if len(fields) != len(format) {
		return rawCue{}, false
	}
	byName := make(map[string]string, len(format))
	for i, name := range format {
		byName[name] = fields[i]
	}
	start, err := parseTimestamp(byName["start"])
	if err != nil {
		return rawCue{}, false
	}
	end, err := parseTimestamp(byName["end"])
	if err != nil {
		return rawCue{}, false
	}
	return rawCue{start: start, end: end, text: cleanASSText(byName["text"])}, true
}

// splitASSFields splits on commas outside {...} override blocks into at
// most n fields; the last field keeps any remaining commas.
func splitASSFields(s string, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 && len(out) < n-1 {
				out = append(out, strings.TrimSpace(s[last:i]))
				last = i + 1
			}
		}
	}
	return append(out, s[last:])
}

func cleanASSText(s string) string {
	s = assOverrideRe.ReplaceAllString(s, "")
	s = strings.NewReplacer(`\N`, " ", `\n`, " ", `\h`, " ").Replace(s)
	return assAnnotationRe.ReplaceAllString(s, "")
}
