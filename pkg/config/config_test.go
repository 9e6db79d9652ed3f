package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func (s *sample) Validate() error {
	if s.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("KIOKU_TEST_NAME", "expanded")
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("name: ${KIOKU_TEST_NAME}\ncount: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var s sample
	if err := Load(path, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "expanded" || s.Count != 2 {
		t.Errorf("got %+v", s)
	}
}

func TestSaveReadRoundTripKeepsDollar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "s.yaml")
	in := sample{Name: "deck $HOME", Count: 3}
	if err := Save(path, &in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var out sample
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".config-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestValidationFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := Save(path, &sample{Count: -1}); err == nil {
		t.Fatal("Save accepted invalid value")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("invalid value was written: %v", err)
	}

	_ = os.WriteFile(path, []byte("count: -5\n"), 0o644)
	var s sample
	err := Load(path, &s)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("Load err = %v, want validation failure", err)
	}
}
