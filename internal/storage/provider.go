// Package storage keeps kioku's local working files: capture previews and
// study intervals waiting to be logged.
package storage

import "time"

// FileInfo describes one stored file.
type FileInfo struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for data-directory file operations. All paths
// are relative to the data root.
type Provider interface {
	// List returns files directly under dir whose name ends in ext ("" for all).
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Abs resolves path to an absolute file-system path under the root.
	Abs(path string) (string, error)
}
