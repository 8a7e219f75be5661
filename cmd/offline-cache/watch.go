package main

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchConfig calls reload whenever the config file is written.
// The directory is watched, since editors often replace the file instead of writing to it.
func watchConfig(ctx context.Context, filename string, reload func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	filename = filepath.Clean(filename)
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filename || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				log.Debug().Str("file", filename).Msg("Config changed")
				if err := reload(ctx); err != nil {
					log.Error().Err(err).Msg("Could not update")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
