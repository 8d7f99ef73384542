package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// reloadDebounce absorbs the editor save burst (truncate + write + chmod)
const reloadDebounce = 500 * time.Millisecond

// watchConfig watches the config file and reloads the hot-reloadable
// sections on change. Watches the directory, not the file: editors replace
// the file by rename, which would silently kill a file-level watch.
func (s *Supervisor) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(s.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.configPath)

	slog.Info("config hot reload enabled", "path", target)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				s.mu.Lock()
				recent := time.Since(s.lastReload) < reloadDebounce
				if !recent {
					s.lastReload = time.Now()
				}
				s.mu.Unlock()
				if recent {
					continue
				}

				slog.Info("config file changed, reloading", "event", event.Op.String())
				if err := s.reloadConfig(); err != nil {
					slog.Warn("config reload failed, keeping current parameters", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// reloadConfig re-reads the config file and applies the hot-reloadable
// sections: tracking parameters take effect atomically on the tracking loop,
// camera exposure is forwarded through the control channel. Everything else
// (resolution, ring geometry, addresses) requires a restart and only logs.
func (s *Supervisor) reloadConfig() error {
	newCfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}

	s.mu.RLock()
	old := s.cfg
	s.mu.RUnlock()

	if newCfg.Camera.Width != old.Camera.Width ||
		newCfg.Camera.Height != old.Camera.Height ||
		newCfg.Ring.Slots != old.Ring.Slots {
		slog.Warn("frame geometry change requires restart, ignoring",
			"width", newCfg.Camera.Width,
			"height", newCfg.Camera.Height,
			"slots", newCfg.Ring.Slots,
		)
	}
	if newCfg.Outbound.ListenAddr != old.Outbound.ListenAddr {
		slog.Warn("outbound address change requires restart, ignoring",
			"addr", newCfg.Outbound.ListenAddr,
		)
	}

	if s.trk != nil {
		if err := s.trk.SetTrackingConfig(newCfg.Tracking); err != nil {
			return fmt.Errorf("tracking parameters rejected: %w", err)
		}
	}

	if newCfg.Camera.ExposureUS != old.Camera.ExposureUS {
		if err := s.ctrl.Post(types.ParamUpdate{
			Name:  "camera.exposure_us",
			Value: newCfg.Camera.ExposureUS,
		}); err != nil {
			slog.Warn("failed to forward exposure update", "error", err)
		}
	}

	s.mu.Lock()
	s.cfg.Tracking = newCfg.Tracking
	s.cfg.Camera.ExposureUS = newCfg.Camera.ExposureUS
	s.cfg.Estimator = newCfg.Estimator
	s.mu.Unlock()

	slog.Info("configuration reloaded")
	return nil
}
