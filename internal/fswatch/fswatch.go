// Package fswatch reports changes to a single file by watching its parent
// directory, which also catches editors that replace the file via rename.
package fswatch

import (
	"context"
	"path/filepath"
	"strings"
	logx "supertask/pkg/logx"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch calls notify for every event touching path until ctx is done.
// notify must not block. If the underlying watcher breaks it is recreated
// with jittered backoff. Watch only returns when ctx is done.
func Watch(ctx context.Context, path string, log logx.Logger, notify func(reason string)) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = restartBackoffBase
	b.MaxInterval = restartBackoffMax
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		healthy, err := watchOnce(ctx, dir, file, log, notify)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warn("file watcher stopped; restarting",
			logx.String("dir", dir),
			logx.String("file", file),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		// Events may have been missed while the watcher was down.
		notify("restart")
	}
}

// watchOnce runs one fsnotify watcher until it breaks. healthy reports
// whether it got as far as watching the directory.
func watchOnce(ctx context.Context, dir, file string, log logx.Logger, notify func(string)) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	log.Debug("file watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, nil
			}
			// Compare by basename; robust across absolute/relative paths.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				notify(ev.Op.String())
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, nil
			}
			if werr == nil {
				continue
			}
			// Overflow means events were lost; force a reload.
			if strings.Contains(strings.ToLower(werr.Error()), "overflow") {
				log.Warn("file watch overflow; forcing reload", logx.String("dir", dir), logx.Err(werr))
				notify("overflow")
				continue
			}
			log.Warn("file watch error", logx.String("dir", dir), logx.Err(werr))
			if strings.Contains(strings.ToLower(werr.Error()), "closed") {
				return true, werr
			}
		}
	}
}
