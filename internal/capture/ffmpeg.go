package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an ffmpeg invocation.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// FFmpeg runs the ffmpeg binary. The process works on its own copy of the
// media source, so it never disturbs the surface's player.
type FFmpeg struct {
	Binary string
}

func (f FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Run executes ffmpeg and returns its combined output. Cancelling ctx kills
// the process.
func (f FFmpeg) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w, output: %s", f.binary(), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Check verifies the binary can be executed.
func (f FFmpeg) Check(ctx context.Context) error {
	if _, err := exec.LookPath(f.binary()); err != nil {
		return fmt.Errorf("capture: %s not found: %w", f.binary(), err)
	}
	if _, err := f.Run(ctx, "-hide_banner", "-version"); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}
