// Package config implements the typed configuration manager: a registry
// of named components started/reloaded/stopped in dependency order, a
// viper-backed snapshot loader, an fsnotify-driven file watcher that
// re-loads the snapshot on every change, and DiffSnapshots, which
// classifies a change as a diff action (none/reload/reload-and-respawn/
// spawn-new). Components follow a register/Init/Start/Reload/Stop
// lifecycle with a dependency-ordered orchestration loop, standalone and
// spf13/viper-backed.
package config

import "fmt"

// Component is one independently lifecycled unit of the running fleet
// node (a listener, an escaper, the admin surface, ...), trimmed to the
// operations this repo's orchestration actually drives.
type Component interface {
	// Type identifies the component's kind, used for logging.
	Type() string

	// Start brings the component up from its current configuration.
	Start() error

	// Reload re-applies configuration without a full stop/start, where the
	// component supports it in place.
	Reload() error

	// Stop tears the component down. Must not panic if never started.
	Stop()

	// IsStarted reports whether Start has completed successfully and Stop
	// has not since been called.
	IsStarted() bool

	// Dependencies lists the keys of other registered components that must
	// be started before this one.
	Dependencies() []string
}

// funcComponent adapts bare functions into a minimal Component (built by
// NewFuncComponent), useful for wiring simple lifecycle hooks without a
// dedicated type.
type funcComponent struct {
	kind     string
	deps     []string
	start    func() error
	reload   func() error
	stop     func()
	started  bool
}

func NewFuncComponent(kind string, deps []string, start, reload func() error, stop func()) Component {
	return &funcComponent{kind: kind, deps: deps, start: start, reload: reload, stop: stop}
}

func (f *funcComponent) Type() string          { return f.kind }
func (f *funcComponent) Dependencies() []string { return f.deps }
func (f *funcComponent) IsStarted() bool        { return f.started }

func (f *funcComponent) Start() error {
	if f.start == nil {
		f.started = true
		return nil
	}
	if err := f.start(); err != nil {
		return fmt.Errorf("config: component %q failed to start: %w", f.kind, err)
	}
	f.started = true
	return nil
}

func (f *funcComponent) Reload() error {
	if f.reload == nil {
		return nil
	}
	if err := f.reload(); err != nil {
		return fmt.Errorf("config: component %q failed to reload: %w", f.kind, err)
	}
	return nil
}

func (f *funcComponent) Stop() {
	if f.stop != nil {
		f.stop()
	}
	f.started = false
}
