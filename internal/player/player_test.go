package player

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/capture"
	"github.com/starford/kioku/internal/card"
	"github.com/starford/kioku/internal/events"
	"github.com/starford/kioku/internal/models"
	"github.com/starford/kioku/internal/notestore"
	"github.com/starford/kioku/internal/settings"
	"github.com/starford/kioku/internal/storage"
	"github.com/starford/kioku/internal/testutil"
	"github.com/starford/kioku/internal/timer"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,000
こんにちは

2
00:00:04,000 --> 00:00:06,000
<i>元気ですか</i>
`

type fakeCapturer struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   bool
	started chan struct{}
	// release, when set, holds the capture until closed and then succeeds
	// whatever happened to ctx.
	release chan struct{}
}

func (f *fakeCapturer) Capture(ctx context.Context, _ string, _ models.Cue, _ float64, opts capture.Options) (models.MediaClip, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	} else if f.block {
		<-ctx.Done()
		return models.MediaClip{}, &apperr.MediaCaptureError{Stage: "frame", Err: ctx.Err()}
	}
	if f.err != nil {
		return models.MediaClip{}, f.err
	}
	return models.MediaClip{
		Image:     models.EncodedMedia{Format: opts.Image.Format, Quality: opts.Image.Quality, Data: []byte("jpg")},
		Audio:     models.EncodedMedia{Format: opts.Audio.Format, Data: []byte("mp3")},
		PaddingMs: opts.Audio.PaddingMs,
	}, nil
}

func (f *fakeCapturer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(events.All, func(ev events.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind events.Kind) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type fixture struct {
	player   *Player
	capturer *fakeCapturer
	anki     *testutil.FakeAnki
	clock    *testutil.FakeClock
	store    *storage.FS
	settings *settings.Service
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	anki := testutil.NewFakeAnki(t)

	svc := settings.NewService(filepath.Join(root, "settings.yaml"), nil)
	err = svc.Update(func(s *settings.Settings) {
		s.NoteStoreURL = anki.URL
		s.DefaultDeck = "Mining"
		s.DefaultModel = "Mining"
		s.FieldMappings = models.FieldMapping{"Mining": {
			models.FieldSentence: "Sentence",
			models.FieldAudio:    "Audio",
			models.FieldImage:    "Picture",
			models.FieldSource:   "Source",
		}}
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	clk := testutil.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	db := testutil.TestDB(t, "u1")
	bus := events.NewBus()
	tm := timer.New(timer.Config{Clock: clk, Sink: db, Bus: bus, UserID: "u1"})
	capt := &fakeCapturer{}

	p := New(Config{
		Timer:     tm,
		Capturer:  capt,
		Assembler: card.New(notestore.New(anki.URL, nil, nil), clk, nil),
		Settings:  svc,
		Store:     store,
		Bus:       bus,
	})
	return &fixture{
		player:   p,
		capturer: capt,
		anki:     anki,
		clock:    clk,
		store:    store,
		settings: svc,
		events:   record(bus),
	}
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	if err := f.player.LoadSource(context.Background(), models.Source{MediaPath: "/media/ep01.mkv", Title: "Episode 1"}); err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if _, err := f.player.LoadSubtitles([]byte(sampleSRT), "ep01.srt"); err != nil {
		t.Fatalf("LoadSubtitles: %v", err)
	}
}

func previewName(url string) string {
	return strings.TrimPrefix(url, PreviewPrefix)
}

func TestNoTrack(t *testing.T) {
	f := newFixture(t)
	if _, err := f.player.AdjustOffset(100); !errors.Is(err, apperr.ErrNoTrack) {
		t.Errorf("AdjustOffset err = %v, want ErrNoTrack", err)
	}
	if _, _, err := f.player.ActiveCue(1); !errors.Is(err, apperr.ErrNoTrack) {
		t.Errorf("ActiveCue err = %v, want ErrNoTrack", err)
	}
	if _, err := f.player.Mine(context.Background(), MineInput{At: 1.5}); !errors.Is(err, apperr.ErrNoTrack) {
		t.Errorf("Mine err = %v, want ErrNoTrack", err)
	}
}

func TestLoadSubtitlesParseError(t *testing.T) {
	f := newFixture(t)
	_, err := f.player.LoadSubtitles([]byte("not a subtitle file"), "junk.srt")
	if !errors.Is(err, apperr.ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if f.player.Status().Track != nil {
		t.Error("a failed parse must not replace the track")
	}
}

func TestTimeUpdatePublishesCueChanges(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	for _, pos := range []float64{1.5, 2.0, 3.5, 4.0, 4.5} {
		if err := f.player.TimeUpdate(pos); err != nil {
			t.Fatalf("TimeUpdate(%v): %v", pos, err)
		}
	}
	// cue 1, gap, cue 2
	if n := f.events.count(events.CueChanged); n != 3 {
		t.Errorf("cue.changed count = %d, want 3", n)
	}
	ev, _ := f.events.last(events.CueChanged)
	change := ev.Data.(CueChange)
	if change.Cue == nil || change.Cue.Text != "元気ですか" {
		t.Errorf("last cue = %+v, want cleaned second cue", change.Cue)
	}
}

func TestAdjustOffset(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	total, err := f.player.AdjustOffset(500)
	if err != nil {
		t.Fatalf("AdjustOffset: %v", err)
	}
	total, _ = f.player.AdjustOffset(-200)
	if total != 300 {
		t.Errorf("offset = %d, want 300", total)
	}
	cue, ok, _ := f.player.ActiveCue(3.2)
	if !ok || cue.ID != 0 {
		t.Errorf("ActiveCue(3.2) = %+v, %v", cue, ok)
	}
	if _, ok, _ := f.player.ActiveCue(1.2); ok {
		t.Error("1.2 is before the shifted first cue")
	}
	if n := f.events.count(events.OffsetChanged); n != 2 {
		t.Errorf("offset.changed count = %d, want 2", n)
	}

	if err := f.player.ResetOffset(); err != nil {
		t.Fatalf("ResetOffset: %v", err)
	}
	if got := f.player.Status().OffsetMs; got != 0 {
		t.Errorf("offset after reset = %d", got)
	}
}

func TestMineConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t)
	f.player.MediaPlay()

	pending, err := f.player.Mine(ctx, MineInput{At: 1.5, Word: "こんにちは"})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if pending.State != mineReady || pending.Cue.ID != 0 {
		t.Errorf("pending = %+v", pending)
	}
	if f.player.Status().Playing {
		t.Error("mining should pause playback")
	}
	if f.events.count(events.PlayerPause) != 1 || f.events.count(events.MinePending) != 1 {
		t.Error("expected player.pause and mine.pending")
	}

	img, err := f.player.PreviewFile(previewName(pending.ImageURL))
	if err != nil {
		t.Fatalf("PreviewFile: %v", err)
	}
	if _, err := os.Stat(img); err != nil {
		t.Fatalf("preview missing: %v", err)
	}

	if _, err := f.player.Mine(ctx, MineInput{At: 4.5}); !errors.Is(err, apperr.ErrMineInFlight) {
		t.Errorf("second Mine err = %v, want ErrMineInFlight", err)
	}

	committed, err := f.player.ConfirmMine(ctx, pending.ID, ConfirmInput{})
	if err != nil {
		t.Fatalf("ConfirmMine: %v", err)
	}
	if committed.NoteID != 1700000000000 || committed.Updated {
		t.Errorf("committed = %+v", committed)
	}
	if n := f.anki.Count("addNote"); n != 1 {
		t.Errorf("addNote calls = %d, want 1", n)
	}
	if n := f.anki.Count("storeMediaFile"); n != 2 {
		t.Errorf("storeMediaFile calls = %d, want 2", n)
	}
	if _, err := os.Stat(img); !os.IsNotExist(err) {
		t.Errorf("preview not removed: %v", err)
	}
	st := f.player.Status()
	if st.Mining != nil || !st.Playing {
		t.Errorf("status after commit = %+v", st)
	}
	if f.events.count(events.PlayerResume) != 1 || f.events.count(events.MineCommitted) != 1 {
		t.Error("expected player.resume and mine.committed")
	}
}

func TestMineGap(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	_, err := f.player.Mine(context.Background(), MineInput{At: 3.5})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "at" {
		t.Errorf("err = %v, want validation error on at", err)
	}
}

func TestMineMappingGuard(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	if err := f.settings.Update(func(s *settings.Settings) { s.FieldMappings = models.FieldMapping{} }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err := f.player.Mine(context.Background(), MineInput{At: 1.5})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "mapping" {
		t.Fatalf("err = %v, want mapping validation error", err)
	}
	if f.capturer.count() != 0 {
		t.Error("capture must not run without a mapping")
	}
	if f.player.Status().Mining != nil {
		t.Error("slot should stay free")
	}
}

func TestMineCaptureFailure(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.capturer.err = &apperr.MediaCaptureError{Stage: "frame", Err: errors.New("ffmpeg exited 1")}
	f.player.MediaPlay()

	_, err := f.player.Mine(context.Background(), MineInput{At: 1.5})
	if !errors.Is(err, apperr.ErrMediaCapture) {
		t.Fatalf("err = %v, want ErrMediaCapture", err)
	}
	st := f.player.Status()
	if st.Mining != nil || !st.Playing {
		t.Errorf("status after failure = %+v", st)
	}
	if f.events.count(events.MineFailed) != 1 {
		t.Error("expected mine.failed")
	}
	files, _ := f.store.List(previewDir, "")
	if len(files) != 0 {
		t.Errorf("previews left behind: %v", files)
	}
}

func TestConfirmFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t)
	f.anki.Set(func(a *testutil.FakeAnki) { a.CanAdd = false })

	pending, err := f.player.Mine(ctx, MineInput{At: 4.5})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	_, err = f.player.ConfirmMine(ctx, pending.ID, ConfirmInput{})
	if !errors.Is(err, apperr.ErrSyncConflict) {
		t.Fatalf("err = %v, want ErrSyncConflict", err)
	}
	st := f.player.Status()
	if st.Mining == nil || st.Mining.State != mineReady {
		t.Fatalf("pending should stay ready for retry, got %+v", st.Mining)
	}

	f.anki.Set(func(a *testutil.FakeAnki) { a.CanAdd = true })
	word := "元気"
	if _, err := f.player.ConfirmMine(ctx, pending.ID, ConfirmInput{Word: &word}); err != nil {
		t.Fatalf("retry ConfirmMine: %v", err)
	}
	if n := f.anki.Count("addNote"); n != 1 {
		t.Errorf("addNote calls = %d, want 1", n)
	}
}

func TestCancelMine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t)

	pending, err := f.player.Mine(ctx, MineInput{At: 1.5})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if err := f.player.CancelMine("other"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cancel unknown id err = %v", err)
	}
	if err := f.player.CancelMine(pending.ID); err != nil {
		t.Fatalf("CancelMine: %v", err)
	}
	files, _ := f.store.List(previewDir, "")
	if len(files) != 0 {
		t.Errorf("previews left behind: %v", files)
	}
	if _, err := f.player.PreviewFile(previewName(pending.ImageURL)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("PreviewFile after cancel err = %v", err)
	}
	if f.events.count(events.MineCancelled) != 1 {
		t.Error("expected mine.cancelled")
	}
	if f.player.Status().Playing {
		t.Error("cancel must not resume playback that mining did not pause")
	}
}

func TestCancelDuringCapture(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.capturer.block = true
	f.capturer.started = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.player.Mine(context.Background(), MineInput{At: 1.5})
		errCh <- err
	}()
	<-f.capturer.started

	st := f.player.Status()
	if st.Mining == nil || st.Mining.State != mineCapturing {
		t.Fatalf("mining = %+v, want capturing", st.Mining)
	}
	if err := f.player.CancelMine(st.Mining.ID); err != nil {
		t.Fatalf("CancelMine: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Mine err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Mine did not return after cancel")
	}
	if f.player.Status().Mining != nil {
		t.Error("slot should be free")
	}
	if f.events.count(events.MineCancelled) != 1 || f.events.count(events.MineFailed) != 0 {
		t.Error("cancelled capture should report mine.cancelled only")
	}
}

func TestCancelWhileCaptureSucceeds(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.player.MediaPlay()
	f.capturer.started = make(chan struct{})
	f.capturer.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.player.Mine(context.Background(), MineInput{At: 1.5})
		errCh <- err
	}()
	<-f.capturer.started

	st := f.player.Status()
	if st.Mining == nil {
		t.Fatal("expected a capturing request")
	}
	if err := f.player.CancelMine(st.Mining.ID); err != nil {
		t.Fatalf("CancelMine: %v", err)
	}
	close(f.capturer.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Mine err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Mine did not return")
	}
	st = f.player.Status()
	if st.Mining != nil {
		t.Errorf("mining = %+v, want slot free", st.Mining)
	}
	if !st.Playing {
		t.Error("auto-paused surface should be resumed after cancel")
	}
	if files, _ := f.store.List(previewDir, ""); len(files) != 0 {
		t.Errorf("previews left behind: %v", files)
	}
	if f.events.count(events.MineCancelled) != 1 || f.events.count(events.MinePending) != 0 {
		t.Errorf("cancelled = %d, pending = %d, want 1 and 0",
			f.events.count(events.MineCancelled), f.events.count(events.MinePending))
	}

	f.capturer.release = nil
	f.capturer.started = nil
	if _, err := f.player.Mine(context.Background(), MineInput{At: 1.5}); err != nil {
		t.Errorf("next Mine err = %v, want nil", err)
	}
}

// Run with -race: status and preview reads overlap the preview writes.
func TestMineConcurrentReaders(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.capturer.started = make(chan struct{})
	f.capturer.release = make(chan struct{})

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if st := f.player.Status(); st.Mining != nil && st.Mining.ImageURL != "" {
					_, _ = f.player.PreviewFile(previewName(st.Mining.ImageURL))
				}
				_, _ = f.player.PreviewFile("x-image.jpg")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.player.Mine(context.Background(), MineInput{At: 1.5})
		errCh <- err
	}()
	<-f.capturer.started
	close(f.capturer.release)
	err := <-errCh
	close(done)
	wg.Wait()

	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	st := f.player.Status()
	if st.Mining == nil || st.Mining.ImageURL == "" || st.Mining.AudioURL == "" {
		t.Fatalf("mining = %+v, want preview urls", st.Mining)
	}
	if _, err := f.player.PreviewFile(previewName(st.Mining.ImageURL)); err != nil {
		t.Errorf("PreviewFile: %v", err)
	}
}

func TestPreviewFileRejectsForeignNames(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	if _, err := f.player.Mine(context.Background(), MineInput{At: 1.5}); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	for _, name := range []string{"", "../settings.yaml", "other.jpg"} {
		if _, err := f.player.PreviewFile(name); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("PreviewFile(%q) err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestLoadSourceFlushesRunningTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t)

	f.player.MediaPlay()
	f.clock.Advance(30 * time.Second)
	if err := f.player.LoadSource(ctx, models.Source{MediaPath: "/media/ep02.mkv"}); err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if st := f.player.TimerStatus(); st.State != timer.Idle {
		t.Errorf("timer state = %s, want idle", st.State)
	}
	if f.events.count(events.TimerFlushed) != 1 {
		t.Error("expected timer.flushed on source change")
	}
	if f.player.Status().Track == nil {
		t.Error("track should survive a source change")
	}

	if err := f.player.LoadSource(ctx, models.Source{MediaPath: "  "}); err == nil {
		t.Error("blank media path should be rejected")
	}
}

func TestWatchReloadKeepsOffset(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ep01.srt")
	if err := os.WriteFile(path, []byte(sampleSRT), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.player.LoadSubtitleFile(path); err != nil {
		t.Fatalf("LoadSubtitleFile: %v", err)
	}
	if _, err := f.player.AdjustOffset(1000); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.player.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	edited := strings.Replace(sampleSRT, "こんにちは", "こんばんは", 1)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(4 * reloadDebounce)
		cues, _ := f.player.Cues()
		if len(cues) > 0 && cues[0].Text == "こんばんは" {
			if cues[0].Start != 2 {
				t.Errorf("reloaded start = %v, want 2 (offset kept)", cues[0].Start)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload the edited file")
		}
	}
	if got := f.player.Status().OffsetMs; got != 1000 {
		t.Errorf("offset = %d, want 1000", got)
	}
}

func TestExitCancelsMineAndFlushes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t)
	f.player.MediaPlay()
	f.clock.Advance(10 * time.Second)
	if _, err := f.player.Mine(ctx, MineInput{At: 1.5}); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	if err := f.player.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if f.player.Status().Mining != nil {
		t.Error("exit should drop the pending mine")
	}
	if f.events.count(events.TimerFlushed) != 1 {
		t.Error("exit should flush the timer")
	}
}

func TestPurgePreviews(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Write(previewDir+"/stale-image.jpg", []byte("x")); err != nil {
		t.Fatal(err)
	}
	n, err := f.player.PurgePreviews()
	if err != nil || n != 1 {
		t.Fatalf("PurgePreviews = %d, %v", n, err)
	}
	files, _ := f.store.List(previewDir, "")
	if len(files) != 0 {
		t.Errorf("files left: %v", files)
	}
}
