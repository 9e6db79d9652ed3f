// Package checksum fingerprints subtitle files so unchanged reloads are skipped.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Content fingerprints subtitle text. A leading BOM and CRLF/CR line
// endings do not count, so an editor re-saving a file with different line
// endings yields the same value.
func Content(data []byte) string {
	data = bytes.TrimPrefix(data, bom)
	if bytes.IndexByte(data, '\r') < 0 {
		return Sum(data)
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return Sum(bytes.ReplaceAll(data, []byte("\r"), []byte("\n")))
}
