package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/psen-processing/psen/processing/internal/roi"
)

// settleDelay coalesces the burst of events a single save produces, so a
// truncated file is never read mid-write.
const settleDelay = 50 * time.Millisecond

// restartOnly ignores the fields WatchROI can apply to a running worker.
var restartOnly = cmpopts.IgnoreFields(ProcessingConfig{}, "ROISignal", "ROIBackground")

// WatchROI follows the processing section of the config file at path and
// calls apply with the new ROI settings whenever roi_signal or roi_background
// change from what was last applied, starting from current. Edits outside
// processing are ignored. Other processing fields are only read at startup,
// so edits to them are logged and skipped.
//
// The containing directory is watched, which keeps the watch alive across
// editors that save by renaming a temporary file. A file that fails to load,
// or settings apply rejects, leave the previous ROIs in effect. WatchROI runs
// until ctx is cancelled.
func WatchROI(ctx context.Context, path string, current ProcessingConfig, apply func(roi.Settings) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}
	slog.Info("config: watching processing rois", "path", path)

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(settleDelay)

		case <-settle.C:
			current = reloadROI(path, current, apply)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// reloadROI loads path and applies its ROIs if they differ from current. It
// returns the processing section now in effect.
func reloadROI(path string, current ProcessingConfig, apply func(roi.Settings) error) ProcessingConfig {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("config: reload failed, keeping previous rois", "path", path, "err", err)
		return current
	}
	next := cfg.Processing

	if diff := cmp.Diff(current, next, restartOnly); diff != "" {
		slog.Warn("config: processing change needs a restart, skipped", "diff", diff)
	}
	if cmp.Equal(current.ROISignal, next.ROISignal, cmpopts.EquateEmpty()) &&
		cmp.Equal(current.ROIBackground, next.ROIBackground, cmpopts.EquateEmpty()) {
		slog.Debug("config: rois unchanged", "path", path)
		return current
	}

	settings, err := next.Settings()
	if err == nil {
		err = apply(settings)
	}
	if err != nil {
		slog.Warn("config: rois not applied", "path", path, "err", err)
		return current
	}
	slog.Info("config: rois applied",
		"roi_signal", settings.Signal.String(),
		"roi_background", settings.Background.String())

	current.ROISignal = next.ROISignal
	current.ROIBackground = next.ROIBackground
	return current
}
