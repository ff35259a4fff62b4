// Package fswatch turns fsnotify directory events into the two outcomes a
// Station cares about: a track arrived, or a track left. Rename is folded
// into whichever of those it behaves like, since fsnotify reports a move out
// of the watched directory as Remove and a move in as Create on most
// platforms.
package fswatch

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind distinguishes a track showing up from a track disappearing.
type EventKind int

const (
	// Added means a new .opus file is now present in the directory.
	Added EventKind = iota
	// Removed means a previously-seen .opus file is gone.
	Removed
)

// Event is a single track-affecting filesystem change, already filtered down
// to the .opus extension and stripped of its directory/extension so callers
// get back the bare track name used elsewhere (trackList, queue, etc.).
type Event struct {
	Kind EventKind
	Name string
}

// Watcher wraps a single fsnotify.Watcher pointed at one station directory.
type Watcher struct {
	fsw *fsnotify.Watcher
	dir string
}

// New starts watching dir and returns a Watcher. The caller must call
// Close when the station shuts down.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, dir: dir}, nil
}

// Events exposes the filtered event channel for use in a station's select
// loop alongside its broadcast ticker and mailboxes.
func (w *Watcher) Events() <-chan Event {
	out := make(chan Event)
	go w.pump(out)
	return out
}

func (w *Watcher) pump(out chan<- Event) {
	defer close(out)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if e, ok := translate(ev); ok {
				out <- e
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// fsnotify surfaces errors (e.g. watch queue overflow) on a
			// separate channel; they are discarded here and the watch keeps
			// running. Changes lost to such an error are not recovered: the
			// directory is not rescanned.
		}
	}
}

func translate(ev fsnotify.Event) (Event, bool) {
	if !strings.EqualFold(filepath.Ext(ev.Name), ".opus") {
		return Event{}, false
	}
	name := strings.TrimSuffix(filepath.Base(ev.Name), filepath.Ext(ev.Name))

	switch {
	case ev.Has(fsnotify.Create):
		return Event{Kind: Added, Name: name}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Event{Kind: Removed, Name: name}, true
	default:
		return Event{}, false
	}
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
