package mcpserver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/starford/kioku/internal/models"
)

// FieldMappingContract describes how a mined cue is turned into note
// fields. The live mapping is appended by mappingContract.
const FieldMappingContract = `# Kioku Field Mapping Contract

A mined cue produces up to six app fields. Settings map each app field to a
field of the note type (model); unmapped app fields are dropped. A note type
with no mapped field cannot be mined.

## App fields

| App field    | Value written to the note field                          |
|--------------|----------------------------------------------------------|
| ` + "`sentence`" + `   | Cue text with markup, annotations and placeholders removed |
| ` + "`definition`" + ` | Free text supplied when confirming                        |
| ` + "`word`" + `       | Target word supplied when confirming                      |
| ` + "`audio`" + `      | ` + "`[sound:kioku_<millis>_<id>.<ext>]`" + `                     |
| ` + "`image`" + `      | ` + "`<img src=\"kioku_<millis>_<id>.<ext>\">`" + `                 |
| ` + "`source`" + `     | ` + "`<title> HH:MM:SS`" + ` of the cue start                      |

## Rules

1. Media files are uploaded before the note. A failed upload creates no note.
2. If a note of the same deck and note type was added today, the newest one
   is updated in place (only non-empty fields) instead of adding a new note.
3. Several app fields mapped to one note field are joined with ` + "`<br>`" + `.
4. Every note gets the ` + "`kioku`" + ` tag plus the configured tags.
`

func (s *Server) mappingContract() string {
	cfg := s.settings.Get()

	var b strings.Builder
	b.WriteString(FieldMappingContract)
	b.WriteString("\n## Current settings\n\n")
	fmt.Fprintf(&b, "- Default deck: %s\n", orNone(cfg.DefaultDeck))
	fmt.Fprintf(&b, "- Default note type: %s\n", orNone(cfg.DefaultModel))

	names := make([]string, 0, len(cfg.FieldMappings))
	for name := range cfg.FieldMappings {
		names = append(names, name)
	}
	slices.Sort(names)
	if len(names) == 0 {
		b.WriteString("\nNo note type is mapped yet.\n")
		return b.String()
	}
	for _, name := range names {
		fmt.Fprintf(&b, "\n### %s\n\n", name)
		m := cfg.FieldMappings[name]
		for _, f := range models.AppFields {
			if dst := m[f]; dst != "" {
				fmt.Fprintf(&b, "- %s → %s\n", f, dst)
			}
		}
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
