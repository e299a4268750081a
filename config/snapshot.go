package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Snapshot is a parsed, typed configuration read. Fields mirror the
// top-level sections a fleet node's config file carries; component
// sub-config is left as a raw map so each Component can decode its own
// slice with mapstructure via viper.UnmarshalKey, a per-component viper
// access pattern.
type Snapshot struct {
	NodeName string
	Listeners map[string]interface{}
	Escapers  map[string]interface{}
	Tenants   map[string]interface{}
	Admin     map[string]interface{}
	Logging   map[string]interface{}
	raw       *viper.Viper
}

// UnmarshalKey decodes one top-level config section into out, the usual
// typed-decode idiom for component config loading.
func (s *Snapshot) UnmarshalKey(key string, out interface{}) error {
	if s.raw == nil {
		return fmt.Errorf("config: snapshot has no backing viper instance")
	}
	return s.raw.UnmarshalKey(key, out)
}

// Loader reads and re-reads a config file through viper, producing a
// Snapshot each time.
type Loader struct {
	v *viper.Viper
}

func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return &Loader{v: v}, nil
}

func (l *Loader) Load() (*Snapshot, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: re-reading config: %w", err)
	}
	return &Snapshot{
		NodeName:  l.v.GetString("node_name"),
		Listeners: l.v.GetStringMap("listeners"),
		Escapers:  l.v.GetStringMap("escapers"),
		Tenants:   l.v.GetStringMap("tenants"),
		Admin:     l.v.GetStringMap("admin"),
		Logging:   l.v.GetStringMap("logging"),
		raw:       l.v,
	}, nil
}

func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }
