package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Arena owns the resources acquired for one operation. Release frees them
// in reverse order of acquisition and is safe to call more than once.
type Arena struct {
	logger   *slog.Logger
	mu       sync.Mutex
	items    []resource
	released bool
}

type resource struct {
	name    string
	release func() error
}

// NewArena returns an empty arena. logger reports release failures of
// resources added after Release; nil uses slog.Default.
func NewArena(logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{logger: logger}
}

// Add registers a release function. Adding to a released arena releases
// the resource immediately.
func (a *Arena) Add(name string, release func() error) {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		if err := release(); err != nil {
			a.logger.Warn("capture: release after arena closed failed",
				slog.String("resource", name), slog.String("error", err.Error()))
		}
		return
	}
	a.items = append(a.items, resource{name: name, release: release})
	a.mu.Unlock()
}

// TempDir creates a directory under root that is removed on release.
func (a *Arena) TempDir(root, pattern string) (string, error) {
	dir, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return "", err
	}
	a.Add("dir "+dir, func() error { return os.RemoveAll(dir) })
	return dir, nil
}

// Len reports how many resources are still held.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Release frees every held resource, newest first.
func (a *Arena) Release() error {
	a.mu.Lock()
	items := a.items
	a.items = nil
	a.released = true
	a.mu.Unlock()

	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := items[i].release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", items[i].name, err))
		}
	}
	return errors.Join(errs...)
}
