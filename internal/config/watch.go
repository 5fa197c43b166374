package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// debounceDelay absorbs the write bursts editors produce when saving.
const debounceDelay = 200 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands each
// valid result to onReload. Invalid edits are logged and skipped, keeping
// the last good config in effect. The returned func stops the watch.
func Watch(path string, onReload func(Config)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Warnf("config reload skipped: %v", err)
						return
					}
					log.Infof("config reloaded from %s", path)
					onReload(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debugf("config watch: %v", err)
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
