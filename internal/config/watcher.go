package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 60 * time.Second

// Watcher re-reads the config file on change and emits validated snapshots.
// Files that fail to parse or validate are logged and skipped, so a running
// service never observes a broken configuration.
type Watcher struct {
	path    string
	out     chan Config
	lastMod time.Time
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path: path,
		out:  make(chan Config, 1),
	}
}

// Updates returns the channel on which validated snapshots are delivered.
func (w *Watcher) Updates() <-chan Config {
	return w.out
}

// Start begins watching. It uses fsnotify when available and always runs a
// slow mtime poll as a safety net, matching the behavior operators rely on
// when the file lives on a network share.
func (w *Watcher) Start(ctx context.Context) {
	if st, err := os.Stat(w.path); err == nil {
		w.lastMod = st.ModTime()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Config] fsnotify unavailable (%v), polling only", err)
		fsw = nil
	} else if err := fsw.Add(w.path); err != nil {
		log.Printf("[Config] cannot watch %s (%v), polling only", w.path, err)
		fsw.Close()
		fsw = nil
	}

	if fsw != nil {
		go func() {
			defer fsw.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-fsw.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Editors often truncate-then-write; let the file settle.
						time.Sleep(100 * time.Millisecond)
						w.reload()
					}
				case err, ok := <-fsw.Errors:
					if !ok {
						return
					}
					log.Printf("[Config] watch error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := os.Stat(w.path)
				if err != nil {
					continue
				}
				if st.ModTime().After(w.lastMod) {
					w.reload()
				}
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[Config] reload rejected: %v", err)
		return
	}
	if st, err := os.Stat(w.path); err == nil {
		w.lastMod = st.ModTime()
	}

	// Latest-wins: drop a pending snapshot nobody consumed yet.
	select {
	case <-w.out:
	default:
	}
	w.out <- cfg
	log.Printf("[Config] reloaded %s (%d cameras)", w.path, len(cfg.Cameras))
}
