package notestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/testutil"
)

func connKind(t *testing.T, err error) apperr.ConnectionKind {
	t.Helper()
	var ce *apperr.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if !errors.Is(err, apperr.ErrConnection) {
		t.Errorf("err does not wrap ErrConnection")
	}
	return ce.Kind
}

func TestCheckAndLists(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeAnki(t)
	c := New(fake.URL, nil, nil)

	if err := c.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	decks, err := c.DeckNames(ctx)
	if err != nil || len(decks) != 2 {
		t.Errorf("DeckNames = %v, %v", decks, err)
	}
	fields, err := c.ModelFieldNames(ctx, "Mining")
	if err != nil || len(fields) != 6 || fields[0] != "Sentence" {
		t.Errorf("ModelFieldNames = %v, %v", fields, err)
	}

	_, err = c.ModelFieldNames(ctx, "Nope")
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Action != "modelFieldNames" {
		t.Errorf("err = %v, want ActionError", err)
	}
}

func TestRequestEnvelope(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeAnki(t)
	c := New(fake.URL, nil, nil)

	if _, err := c.StoreMediaFile(ctx, "kioku_1.mp3", []byte("abc")); err != nil {
		t.Fatalf("StoreMediaFile: %v", err)
	}
	if err := c.UpdateNoteFields(ctx, 42, map[string]string{"Sentence": "x"}); err != nil {
		t.Fatalf("UpdateNoteFields: %v", err)
	}

	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	var media struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	_ = json.Unmarshal(calls[0].Params, &media)
	if media.Filename != "kioku_1.mp3" || media.Data != base64.StdEncoding.EncodeToString([]byte("abc")) {
		t.Errorf("storeMediaFile params = %+v", media)
	}
	var upd struct {
		Note struct {
			ID     int64             `json:"id"`
			Fields map[string]string `json:"fields"`
		} `json:"note"`
	}
	_ = json.Unmarshal(calls[1].Params, &upd)
	if upd.Note.ID != 42 || upd.Note.Fields["Sentence"] != "x" {
		t.Errorf("updateNoteFields params = %+v", upd)
	}
}

func TestClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("not running", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		err := New(url, nil, nil).Check(ctx)
		if k := connKind(t, err); k != apperr.NotRunning {
			t.Errorf("kind = %s, want %s", k, apperr.NotRunning)
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()
		err := New(srv.URL, nil, nil).Check(ctx)
		if k := connKind(t, err); k != apperr.PermissionDenied {
			t.Errorf("kind = %s, want %s", k, apperr.PermissionDenied)
		}
	})

	t.Run("permission message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"result":null,"error":"valid api key must be provided"}`))
		}))
		defer srv.Close()
		_, err := New(srv.URL, nil, nil).DeckNames(ctx)
		if k := connKind(t, err); k != apperr.PermissionDenied {
			t.Errorf("kind = %s, want %s", k, apperr.PermissionDenied)
		}
	})

	t.Run("not json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>hello</html>"))
		}))
		defer srv.Close()
		err := New(srv.URL, nil, nil).Check(ctx)
		if k := connKind(t, err); k != apperr.AddonMissing {
			t.Errorf("kind = %s, want %s", k, apperr.AddonMissing)
		}
	})

	t.Run("old version", func(t *testing.T) {
		fake := testutil.NewFakeAnki(t)
		fake.Set(func(f *testutil.FakeAnki) { f.Version = 5 })
		err := New(fake.URL, nil, nil).Check(ctx)
		if k := connKind(t, err); k != apperr.AddonMissing {
			t.Errorf("kind = %s, want %s", k, apperr.AddonMissing)
		}
	})

	t.Run("unsupported action", func(t *testing.T) {
		fake := testutil.NewFakeAnki(t)
		err := New(fake.URL, nil, nil).Invoke(ctx, "guiBrowse", nil, nil)
		if k := connKind(t, err); k != apperr.AddonMissing {
			t.Errorf("kind = %s, want %s", k, apperr.AddonMissing)
		}
	})
}

func TestCancelledContext(t *testing.T) {
	fake := testutil.NewFakeAnki(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(fake.URL, nil, nil).Check(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, apperr.ErrConnection) {
		t.Errorf("cancellation misreported as connection error")
	}
}

func TestSetEndpoint(t *testing.T) {
	fake := testutil.NewFakeAnki(t)
	c := New("http://127.0.0.1:1", nil, nil)
	c.SetEndpoint(fake.URL)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check after SetEndpoint: %v", err)
	}
	c.SetEndpoint("")
	if c.Endpoint() != DefaultEndpoint {
		t.Errorf("Endpoint() = %q, want %q", c.Endpoint(), DefaultEndpoint)
	}
}
