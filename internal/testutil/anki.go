package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// AnkiCall is one recorded request to FakeAnki.
type AnkiCall struct {
	Action string
	Params json.RawMessage
}

// FakeAnki is an in-process AnkiConnect endpoint that records every action.
// Configure it through Set; read the call log through Calls/Count.
type FakeAnki struct {
	*httptest.Server

	mu    sync.Mutex
	calls []AnkiCall

	Version       int
	Decks         []string
	Models        map[string][]string
	RecentNotes   []int64
	CanAdd        bool
	StoreMediaErr string
	AddNoteErr    string
	NextNoteID    int64
}

// NewFakeAnki starts a FakeAnki with one deck and one Basic-like model.
func NewFakeAnki(t *testing.T) *FakeAnki {
	t.Helper()
	f := &FakeAnki{
		Version: 6,
		Decks:   []string{"Default", "Mining"},
		Models: map[string][]string{
			"Mining": {"Sentence", "Meaning", "Word", "Audio", "Picture", "Source"},
		},
		CanAdd:     true,
		NextNoteID: 1700000000000,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

// Set mutates the fake's configuration under its lock.
func (f *FakeAnki) Set(fn func(*FakeAnki)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Calls returns a copy of the recorded requests.
func (f *FakeAnki) Calls() []AnkiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AnkiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times action was called.
func (f *FakeAnki) Count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (f *FakeAnki) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  string          `json:"action"`
		Version int             `json:"version"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, AnkiCall{Action: req.Action, Params: req.Params})
	result, errMsg := f.dispatch(req.Action, req.Params)
	f.mu.Unlock()

	var body struct {
		Result any     `json:"result"`
		Error  *string `json:"error"`
	}
	body.Result = result
	if errMsg != "" {
		body.Error = &errMsg
		body.Result = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (f *FakeAnki) dispatch(action string, params json.RawMessage) (any, string) {
	switch action {
	case "version":
		return f.Version, ""
	case "deckNames":
		return f.Decks, ""
	case "modelNames":
		names := make([]string, 0, len(f.Models))
		for name := range f.Models {
			names = append(names, name)
		}
		return names, ""
	case "modelFieldNames":
		var p struct {
			ModelName string `json:"modelName"`
		}
		_ = json.Unmarshal(params, &p)
		fields, ok := f.Models[p.ModelName]
		if !ok {
			return nil, "model was not found: " + p.ModelName
		}
		return fields, ""
	case "storeMediaFile":
		if f.StoreMediaErr != "" {
			return nil, f.StoreMediaErr
		}
		var p struct {
			Filename string `json:"filename"`
		}
		_ = json.Unmarshal(params, &p)
		return p.Filename, ""
	case "findNotes":
		if f.RecentNotes == nil {
			return []int64{}, ""
		}
		return f.RecentNotes, ""
	case "notesInfo":
		return []map[string]any{}, ""
	case "updateNoteFields":
		return nil, ""
	case "canAddNotes":
		return []bool{f.CanAdd}, ""
	case "addNote":
		if f.AddNoteErr != "" {
			return nil, f.AddNoteErr
		}
		id := f.NextNoteID
		f.NextNoteID++
		return id, ""
	default:
		return nil, "unsupported action"
	}
}
