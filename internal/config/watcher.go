package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml, policy.yaml and any extra files
// (such as the agent metadata schema) so the server can reload them.
type Watcher struct {
	homeDir string
	extra   []string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	var paths []string
	for _, p := range extra {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return &Watcher{
		homeDir: homeDir,
		extra:   paths,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory and filters events down to the tracked
// files. Watching the directory survives editors that replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	tracked := map[string]bool{
		filepath.Clean(ConfigPath(w.homeDir)): true,
		filepath.Clean(PolicyPath(w.homeDir)): true,
	}
	dirs := map[string]bool{filepath.Clean(w.homeDir): true}
	for _, p := range w.extra {
		tracked[filepath.Clean(p)] = true
		dirs[filepath.Dir(filepath.Clean(p))] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !tracked[filepath.Clean(ev.Name)] {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
