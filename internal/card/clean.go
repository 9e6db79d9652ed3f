package card

import (
	"regexp"

	"github.com/starford/kioku/internal/subtitle"
)

var artifactRes = []*regexp.Regexp{
	regexp.MustCompile(`[\x{200B}-\x{200D}\x{2060}\x{FEFF}]`),
	regexp.MustCompile(`(?i)[\[(（]\s*(now loading|loading|読み込み中|ロード中)[.…。]*\s*[\])）]`),
	regexp.MustCompile(`[\[(]\s*\d{1,3}\s*%\s*[\])]`),
	regexp.MustCompile(`[▌▍▎█]+$`),
	regexp.MustCompile(`[♪♫♬]+`),
}

var placeholderRe = regexp.MustCompile(`(?i)^(now loading|loading|読み込み中|ロード中|\.\.\.|…)[.…。]*$`)

// CleanSentence strips loader and placeholder artifacts that leak into
// subtitle tracks, on top of the parse-time cleanup. A cue that is nothing
// but a placeholder becomes empty.
func CleanSentence(s string) string {
	for _, re := range artifactRes {
		s = re.ReplaceAllString(s, "")
	}
	s = subtitle.Clean(s)
	if placeholderRe.MatchString(s) {
		return ""
	}
	return s
}
