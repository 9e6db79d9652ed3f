// Package capture grabs a still frame and an audio clip for a cue window by
// running ffmpeg against the media source.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/models"
)

// ImageOptions selects the still-frame encoding.
type ImageOptions struct {
	Format  string  // jpeg, png or webp
	Quality float64 // 0.1 - 1.0
}

// AudioOptions selects the clip encoding and padding.
type AudioOptions struct {
	Format    string // mp3, ogg or wav
	PaddingMs int
}

// Options groups both encodings for a full capture.
type Options struct {
	Image ImageOptions
	Audio AudioOptions
}

// Capturer produces MediaClips.
type Capturer struct {
	runner  Runner
	tmpRoot string
	logger  *slog.Logger
}

// New returns a Capturer. Scratch files go under tmpRoot (os.TempDir when
// empty) and are removed before each call returns.
func New(runner Runner, tmpRoot string, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{runner: runner, tmpRoot: tmpRoot, logger: logger}
}

// CaptureFrame encodes the frame at atSec at the source's native resolution.
func (c *Capturer) CaptureFrame(ctx context.Context, src string, atSec float64, opts ImageOptions) (models.EncodedMedia, error) {
	codec, err := imageCodecArgs(opts)
	if err != nil {
		return models.EncodedMedia{}, &apperr.MediaCaptureError{Stage: "frame", Err: err}
	}
	if atSec < 0 || math.IsNaN(atSec) || math.IsInf(atSec, 0) {
		return models.EncodedMedia{}, &apperr.MediaCaptureError{Stage: "frame", Err: fmt.Errorf("invalid position %v", atSec)}
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-ss", seconds(atSec), "-i", src, "-frames:v", "1", "-an"}
	args = append(args, codec...)
	data, err := c.encode(ctx, "frame", "frame."+models.EncodedMedia{Format: opts.Format}.Extension(), args)
	if err != nil {
		return models.EncodedMedia{}, err
	}
	return models.EncodedMedia{Format: opts.Format, Quality: opts.Quality, Data: data}, nil
}

// ExtractAudioClip encodes [max(0,start-pad), end+pad]. The clip length
// approximates the window; it is not sample accurate.
func (c *Capturer) ExtractAudioClip(ctx context.Context, src string, startSec, endSec float64, opts AudioOptions) (models.EncodedMedia, error) {
	codec, err := audioCodecArgs(opts.Format)
	if err != nil {
		return models.EncodedMedia{}, &apperr.MediaCaptureError{Stage: "audio", Err: err}
	}
	if endSec <= startSec {
		return models.EncodedMedia{}, &apperr.MediaCaptureError{Stage: "audio", Err: fmt.Errorf("empty window %v-%v", startSec, endSec)}
	}
	pad := float64(opts.PaddingMs) / 1000
	from := math.Max(0, startSec-pad)
	to := endSec + pad

	args := []string{"-hide_banner", "-loglevel", "error", "-ss", seconds(from), "-i", src, "-t", seconds(to - from), "-vn", "-map", "0:a:0"}
	args = append(args, codec...)
	data, err := c.encode(ctx, "audio", "clip."+models.EncodedMedia{Format: opts.Format}.Extension(), args)
	if err != nil {
		return models.EncodedMedia{}, err
	}
	return models.EncodedMedia{Format: opts.Format, Data: data}, nil
}

// Capture grabs the frame at at (the cue midpoint when at lies outside the
// cue) and the cue's audio concurrently. Either failure cancels the other.
func (c *Capturer) Capture(ctx context.Context, src string, cue models.Cue, at float64, opts Options) (models.MediaClip, error) {
	if !cue.Contains(at) {
		at = cue.Start + cue.Duration()/2
	}

	var clip models.MediaClip
	clip.PaddingMs = opts.Audio.PaddingMs

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		img, err := c.CaptureFrame(gctx, src, at, opts.Image)
		clip.Image = img
		return err
	})
	g.Go(func() error {
		audio, err := c.ExtractAudioClip(gctx, src, cue.Start, cue.End, opts.Audio)
		clip.Audio = audio
		return err
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn("capture: failed",
			slog.Int("cue", cue.ID),
			slog.String("error", err.Error()))
		return models.MediaClip{}, err
	}
	c.logger.Debug("capture: done",
		slog.Int("cue", cue.ID),
		slog.Int("image_bytes", len(clip.Image.Data)),
		slog.Int("audio_bytes", len(clip.Audio.Data)))
	return clip, nil
}

// encode runs ffmpeg writing to a scratch file and returns its contents.
// The scratch directory and the process are owned by an arena released
// before returning, on every path.
func (c *Capturer) encode(ctx context.Context, stage, name string, args []string) (data []byte, err error) {
	arena := NewArena(c.logger)
	defer func() {
		if relErr := arena.Release(); relErr != nil {
			c.logger.Warn("capture: release failed", slog.String("stage", stage), slog.String("error", relErr.Error()))
		}
	}()

	fail := func(err error) ([]byte, error) {
		return nil, &apperr.MediaCaptureError{Stage: stage, Err: err}
	}

	dir, err := arena.TempDir(c.tmpRoot, "kioku-capture-*")
	if err != nil {
		return fail(err)
	}
	out := filepath.Join(dir, name)

	runCtx, cancel := context.WithCancel(ctx)
	arena.Add("ffmpeg", func() error { cancel(); return nil })

	if _, err := c.runner.Run(runCtx, append(args, "-y", out)...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(errors.Join(ctxErr, err))
		}
		return fail(err)
	}
	data, err = os.ReadFile(out)
	if err != nil {
		return fail(err)
	}
	if len(data) == 0 {
		return fail(errors.New("ffmpeg produced no output"))
	}
	return data, nil
}

func imageCodecArgs(opts ImageOptions) ([]string, error) {
	q := opts.Quality
	if q < 0.1 || q > 1 {
		return nil, fmt.Errorf("quality %v out of range 0.1-1.0", q)
	}
	switch opts.Format {
	case "jpeg":
		// mjpeg qscale runs from 2 (best) to 31 (worst).
		qs := int(math.Round(31 - q*29))
		return []string{"-c:v", "mjpeg", "-q:v", strconv.Itoa(qs), "-f", "image2"}, nil
	case "png":
		return []string{"-c:v", "png", "-f", "image2"}, nil
	case "webp":
		return []string{"-c:v", "libwebp", "-quality", strconv.Itoa(int(math.Round(q * 100))), "-f", "image2"}, nil
	default:
		return nil, fmt.Errorf("unsupported image format %q", opts.Format)
	}
}

func audioCodecArgs(format string) ([]string, error) {
	switch format {
	case "mp3":
		return []string{"-c:a", "libmp3lame", "-q:a", "4"}, nil
	case "ogg":
		return []string{"-c:a", "libopus", "-b:a", "64k"}, nil
	case "wav":
		return []string{"-c:a", "pcm_s16le"}, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
