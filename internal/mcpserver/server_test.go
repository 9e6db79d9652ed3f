package mcpserver

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/notestore"
	"github.com/starford/kioku/internal/player"
	"github.com/starford/kioku/internal/settings"
	"github.com/starford/kioku/internal/testutil"
	"github.com/starford/kioku/internal/timer"
)

const sampleSRT = "1\n00:00:01,000 --> 00:00:03,000\nこんにちは\n\n2\n00:00:04,000 --> 00:00:06,000\n元気ですか\n"

func testServer(t *testing.T) (*Server, *player.Player) {
	t.Helper()

	anki := testutil.NewFakeAnki(t)
	svc := settings.NewService(filepath.Join(t.TempDir(), "settings.yaml"), nil)
	if err := svc.Update(func(s *settings.Settings) {
		s.DefaultDeck = "Mining"
		s.DefaultModel = "Mining"
		s.FieldMappings = models.FieldMapping{"Mining": {
			models.FieldSentence: "Sentence",
			models.FieldAudio:    "Audio",
		}}
	}); err != nil {
		t.Fatal(err)
	}

	p := player.New(player.Config{
		Timer:    timer.New(timer.Config{Clock: testutil.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)), Sink: testutil.TestDB(t, "u1")}),
		Settings: svc,
	})
	srv := New(p, notestore.New(anki.URL, nil, nil), svc)
	return srv, p
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so the handlers are
	// invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "active_cue":
		result, err = srv.activeCue(ctx, req)
	case "list_cues":
		result, err = srv.listCues(ctx, req)
	case "adjust_offset":
		result, err = srv.adjustOffset(ctx, req)
	case "reset_offset":
		result, err = srv.resetOffset(ctx, req)
	case "timer_status":
		result, err = srv.timerStatus(ctx, req)
	case "list_decks":
		result, err = srv.listDecks(ctx, req)
	case "card_mapping_contract":
		result, err = srv.cardMappingContract(ctx, req)
	case "load_subtitles":
		result, err = srv.loadSubtitles(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func loadSample(t *testing.T, p *player.Player) {
	t.Helper()
	if _, err := p.LoadSubtitles([]byte(sampleSRT), "ep01.srt"); err != nil {
		t.Fatal(err)
	}
}

func TestActiveCue(t *testing.T) {
	srv, p := testServer(t)

	r := callTool(t, srv, "active_cue", map[string]interface{}{"t": 1.5})
	if !r.IsError {
		t.Error("expected error without a track")
	}

	loadSample(t, p)
	r = callTool(t, srv, "active_cue", map[string]interface{}{"t": 1.5})
	if text := resultText(r); !strings.Contains(text, "こんにちは") {
		t.Errorf("active cue = %q", text)
	}
	r = callTool(t, srv, "active_cue", map[string]interface{}{"t": 3.5})
	if text := resultText(r); text != "null" {
		t.Errorf("gap = %q, want null", text)
	}
}

func TestOffsetTools(t *testing.T) {
	srv, p := testServer(t)
	loadSample(t, p)

	r := callTool(t, srv, "adjust_offset", map[string]interface{}{"delta_ms": 750.0})
	if text := resultText(r); text != "offset: 750 ms" {
		t.Errorf("adjust = %q", text)
	}
	r = callTool(t, srv, "list_cues", map[string]interface{}{})
	if text := resultText(r); !strings.Contains(text, `"start": 1.75`) {
		t.Errorf("cues not shifted: %s", text)
	}
	r = callTool(t, srv, "reset_offset", map[string]interface{}{})
	if text := resultText(r); text != "offset: 0 ms" {
		t.Errorf("reset = %q", text)
	}
}

func TestTimerStatus(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "timer_status", map[string]interface{}{})
	if text := resultText(r); !strings.Contains(text, `"state": "idle"`) {
		t.Errorf("timer = %q", text)
	}
}

func TestListDecks(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "list_decks", map[string]interface{}{})
	if text := resultText(r); !strings.Contains(text, "Mining") {
		t.Errorf("decks = %q", text)
	}
}

func TestCardMappingContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "card_mapping_contract", map[string]interface{}{})
	text := resultText(r)
	for _, want := range []string{"# Kioku Field Mapping Contract", "### Mining", "sentence → Sentence", "audio → Audio"} {
		if !strings.Contains(text, want) {
			t.Errorf("contract missing %q", want)
		}
	}

	contents, err := srv.readFieldMappingResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(contents) != 1 {
		t.Fatalf("resource = %v, %v", contents, err)
	}
	if tc, ok := contents[0].(mcp.TextResourceContents); !ok || tc.URI != FieldMappingURI {
		t.Errorf("resource contents = %+v", contents[0])
	}
}

func TestLoadSubtitles(t *testing.T) {
	t.Run("data uri", func(t *testing.T) {
		srv, p := testServer(t)
		uri := "data:application/x-subrip;base64," + base64.StdEncoding.EncodeToString([]byte(sampleSRT))
		r := callTool(t, srv, "load_subtitles", map[string]interface{}{"source": uri})
		if r.IsError {
			t.Fatalf("load = %q", resultText(r))
		}
		if cues, _ := p.Cues(); len(cues) != 2 {
			t.Errorf("cues = %d, want 2", len(cues))
		}
	})

	t.Run("local file", func(t *testing.T) {
		srv, p := testServer(t)
		path := filepath.Join(t.TempDir(), "ep01.srt")
		if err := os.WriteFile(path, []byte(sampleSRT), 0o644); err != nil {
			t.Fatal(err)
		}
		r := callTool(t, srv, "load_subtitles", map[string]interface{}{"source": path})
		if r.IsError {
			t.Fatalf("load = %q", resultText(r))
		}
		if st := p.Status(); st.Track == nil || st.Track.Path != path {
			t.Errorf("track = %+v", st.Track)
		}
	})

	t.Run("loopback blocked", func(t *testing.T) {
		srv, _ := testServer(t)
		r := callTool(t, srv, "load_subtitles", map[string]interface{}{"source": "http://127.0.0.1:9/ep.srt"})
		if !r.IsError || !strings.Contains(resultText(r), "blocked host") {
			t.Errorf("result = %q", resultText(r))
		}
	})

	t.Run("wrong extension", func(t *testing.T) {
		srv, _ := testServer(t)
		uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(sampleSRT))
		r := callTool(t, srv, "load_subtitles", map[string]interface{}{"source": uri, "name": "movie.mkv"})
		if !r.IsError {
			t.Error("expected unsupported extension error")
		}
	})
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"../../etc/passwd": "passwd",
		"第1話 (JP).srt":   "第1話__JP_.srt",
		"ep01.srt":         "ep01.srt",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
