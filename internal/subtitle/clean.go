package subtitle

import (
	"regexp"
	"strings"
)

var (
	htmlTagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	spacesRe  = regexp.MustCompile(`\s+`)

	entityReplacer = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// Clean strips HTML-like tags, decodes common entities and collapses
// whitespace. It is applied to every cue regardless of format.
func Clean(s string) string {
	s = htmlTagRe.ReplaceAllString(s, "")
	s = entityReplacer.Replace(s)
	s = spacesRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
