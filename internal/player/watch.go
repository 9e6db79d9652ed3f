package player

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 150 * time.Millisecond

// follow points the watcher at path. Only the latest path is kept.
func (p *Player) follow(path string) {
	for {
		select {
		case p.watchCh <- path:
			return
		default:
		}
		select {
		case <-p.watchCh:
		default:
		}
	}
}

// Watch reloads the loaded subtitle file whenever it changes on disk, until
// ctx is cancelled. The parent directory is watched so that editors which
// save by rename are still seen. The offset survives a reload.
func (p *Player) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	p.logger.Info("watcher: started")

	var (
		target  string
		dir     string
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
			timerCh = timer.C
		} else {
			timer.Reset(reloadDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			p.logger.Info("watcher: stopped")
			return nil

		case path := <-p.watchCh:
			next := filepath.Dir(path)
			if next != dir {
				if dir != "" {
					_ = w.Remove(dir)
				}
				if addErr := w.Add(next); addErr != nil {
					p.logger.Warn("watcher: add dir failed",
						slog.String("path", next),
						slog.String("error", addErr.Error()))
					dir, target = "", ""
					continue
				}
				dir = next
			}
			target = path
			p.logger.Debug("watcher: following", slog.String("path", target))

		case <-timerCh:
			if target != "" {
				p.reloadTrack(target)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if target == "" || filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
