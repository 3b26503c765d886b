// Package registry holds the ordered list of configured upstream providers.
// The list is read on every request and replaced wholesale on configuration
// updates; readers never observe a partially applied update.
package registry

import (
	"strconv"
	"sync/atomic"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Entry is one configured upstream. Index is the entry's position in the
// configured base-URL list and is the only stable routing identity; the URL
// string itself may repeat across entries.
type Entry struct {
	Index    int
	BaseURL  string
	APIKey   string
	Enabled  bool
	ModelIDs []string
	PrefixID string
}

// Settings are the optional per-provider knobs keyed by index (or, for
// legacy configurations, by base URL).
type Settings struct {
	Enable   *bool    `json:"enable,omitempty"`
	ModelIDs []string `json:"model_ids,omitempty"`
	PrefixID string   `json:"prefix_id,omitempty"`
}

// Config is a full registry replacement as submitted by an admin or loaded
// at startup.
type Config struct {
	BaseURLs []string            `json:"base_urls"`
	APIKeys  []string            `json:"api_keys"`
	Settings map[string]Settings `json:"settings,omitempty"`
}

type Registry struct {
	entries atomic.Pointer[[]Entry]
}

func New(cfg Config) *Registry {
	r := &Registry{}
	r.Replace(cfg)
	return r
}

// Replace swaps in a whole new entry list. Key and URL lists are reconciled
// rather than rejected: extra keys are truncated, missing keys padded with
// empty strings, so lookups by index never go out of range. Settings keyed
// by an index that no longer exists are dropped.
func (r *Registry) Replace(cfg Config) {
	keys := cfg.APIKeys
	if len(keys) > len(cfg.BaseURLs) {
		keys = keys[:len(cfg.BaseURLs)]
	}
	for len(keys) < len(cfg.BaseURLs) {
		keys = append(keys, "")
	}

	entries := make([]Entry, len(cfg.BaseURLs))
	for i, url := range cfg.BaseURLs {
		e := Entry{
			Index:   i,
			BaseURL: url,
			APIKey:  keys[i],
			Enabled: true,
		}

		if s, ok := settingsFor(cfg.Settings, i, url); ok {
			if s.Enable != nil {
				e.Enabled = *s.Enable
			}
			e.ModelIDs = s.ModelIDs
			e.PrefixID = s.PrefixID
		}

		entries[i] = e
	}

	r.entries.Store(&entries)
}

// settingsFor resolves per-provider settings, preferring the index key and
// falling back to the legacy URL key.
func settingsFor(settings map[string]Settings, idx int, url string) (Settings, bool) {
	if settings == nil {
		return Settings{}, false
	}
	if s, ok := settings[strconv.Itoa(idx)]; ok {
		return s, true
	}
	if s, ok := settings[url]; ok {
		return s, true
	}
	return Settings{}, false
}

// List returns every configured entry in order, enabled or not.
func (r *Registry) List() []Entry {
	p := r.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ListEnabled returns the enabled entries in configured order.
func (r *Registry) ListEnabled() []Entry {
	all := r.List()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the entry at index. Disabled entries are still returned; the
// index bypass endpoint may target them deliberately.
func (r *Registry) Get(index int) (Entry, error) {
	all := r.List()
	if index < 0 || index >= len(all) {
		return Entry{}, domain.ErrProviderNotFound
	}
	return all[index], nil
}

// Snapshot rebuilds a Config from the current entries, for the admin read
// endpoint. API keys are included; the admin surface is auth-gated.
func (r *Registry) Snapshot() Config {
	all := r.List()
	cfg := Config{
		BaseURLs: make([]string, len(all)),
		APIKeys:  make([]string, len(all)),
		Settings: make(map[string]Settings),
	}
	for i, e := range all {
		cfg.BaseURLs[i] = e.BaseURL
		cfg.APIKeys[i] = e.APIKey
		if !e.Enabled || len(e.ModelIDs) > 0 || e.PrefixID != "" {
			enabled := e.Enabled
			cfg.Settings[strconv.Itoa(i)] = Settings{
				Enable:   &enabled,
				ModelIDs: e.ModelIDs,
				PrefixID: e.PrefixID,
			}
		}
	}
	return cfg
}
