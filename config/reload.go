package config

import (
	"context"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// DiffAction is the verdict DiffSnapshots reaches after comparing two
// successive Snapshots: what the caller should do about the change.
type DiffAction int

const (
	// NoAction: nothing relevant changed.
	NoAction DiffAction = iota
	// Reload: in-place reconfiguration suffices (e.g. ACL or tenant limits
	// changed, no listener topology changed).
	Reload
	// ReloadAndRespawn: an existing component's config changed in a way
	// that requires it to be stopped and a fresh instance started in its
	// place (e.g. a listener's bind address changed).
	ReloadAndRespawn
	// SpawnNew: a new top-level entity (listener, escaper, tenant) was
	// added that has no existing component to reload.
	SpawnNew
)

func (d DiffAction) String() string {
	switch d {
	case NoAction:
		return "no-action"
	case Reload:
		return "reload"
	case ReloadAndRespawn:
		return "reload-and-respawn"
	case SpawnNew:
		return "spawn-new"
	default:
		return "unknown"
	}
}

// DiffSnapshots classifies the change from prev to next for one named
// section (e.g. a single listener's config map), driving the
// Start/Reload/Stop decision the caller applies to that component's key.
//
// respawnKeys names the fields within a section whose change requires a
// full respawn rather than an in-place reload (bind address, protocol,
// TLS material) - everything else reloads in place.
func DiffSnapshots(prev, next map[string]interface{}, respawnKeys []string) DiffAction {
	if prev == nil && next != nil {
		return SpawnNew
	}
	if next == nil {
		return NoAction
	}
	if reflect.DeepEqual(prev, next) {
		return NoAction
	}
	for _, k := range respawnKeys {
		if !reflect.DeepEqual(prev[k], next[k]) {
			return ReloadAndRespawn
		}
	}
	return Reload
}

// Watcher watches a config file for changes via fsnotify and invokes
// onChange with the newly loaded Snapshot, following the usual
// watch-then-reload shape built on fsnotify.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
}

func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(loader.ConfigFileUsed()); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{loader: loader, fsw: fsw}, nil
}

// Run blocks, invoking onChange on every write/create event until ctx is
// cancelled or the watcher is closed. onError receives watcher and
// reload-time errors; it may be nil to ignore them.
func (w *Watcher) Run(ctx context.Context, onChange func(*Snapshot), onError func(error)) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			snap, err := w.loader.Load()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(snap)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
