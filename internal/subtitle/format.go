package subtitle

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/starford/kioku/internal/models"
)

// FormatTimestamp renders seconds as HH:MM:SS,mmm.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// WriteSRT renders cues as SRT, numbering them from 1.
func WriteSRT(cues []models.Cue) []byte {
	var buf bytes.Buffer
	for i, c := range cues {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(strconv.Itoa(i + 1))
		buf.WriteString("\n")
		buf.WriteString(FormatTimestamp(c.Start))
		buf.WriteString(" --> ")
		buf.WriteString(FormatTimestamp(c.End))
		buf.WriteString("\n")
		buf.WriteString(c.Text)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}
