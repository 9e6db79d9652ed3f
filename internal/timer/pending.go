package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/storage"
)

const pendingDir = "pending"

// PendingStore holds intervals the study log has not accepted yet.
type PendingStore interface {
	Save(p models.PendingInterval) error
	Delete(id string) error
	// List returns pending intervals ordered by start time.
	List() ([]models.PendingInterval, error)
}

// FilePending persists each pending interval as a JSON file so it survives
// a restart.
type FilePending struct {
	store storage.Provider
}

// NewFilePending stores intervals under pending/ in store.
func NewFilePending(store storage.Provider) *FilePending {
	return &FilePending{store: store}
}

func (f *FilePending) Save(p models.PendingInterval) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("timer: encode pending: %w", err)
	}
	return f.store.Write(pendingDir+"/"+p.ID+".json", data)
}

func (f *FilePending) Delete(id string) error {
	err := f.store.Delete(pendingDir + "/" + id + ".json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FilePending) List() ([]models.PendingInterval, error) {
	files, err := f.store.List(pendingDir, ".json")
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingInterval, 0, len(files))
	for _, fi := range files {
		data, err := f.store.Read(fi.Path)
		if err != nil {
			return nil, err
		}
		var p models.PendingInterval
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("timer: decode %s: %w", fi.Path, err)
		}
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

// MemoryPending keeps pending intervals for the life of the process.
type MemoryPending struct {
	mu    sync.Mutex
	items map[string]models.PendingInterval
}

// NewMemoryPending returns an empty in-memory store.
func NewMemoryPending() *MemoryPending {
	return &MemoryPending{items: make(map[string]models.PendingInterval)}
}

func (m *MemoryPending) Save(p models.PendingInterval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *MemoryPending) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *MemoryPending) List() ([]models.PendingInterval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PendingInterval, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func sortPending(ps []models.PendingInterval) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Interval.Start.Before(ps[j].Interval.Start)
	})
}
