package daemon

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// State is the daemon's persisted scheduling position. Field names are part
// of the on-disk format and must not change.
type State struct {
	Cursor                    int              `json:"cursor"`
	CityLastDynamicUnix       map[string]int64 `json:"city_last_dynamic_unix"`
	CityLastStaticRefreshUnix map[string]int64 `json:"city_last_static_refresh_unix"`
	CityCooldownUntilUnix     map[string]int64 `json:"city_cooldown_until_unix"`
	Consecutive429            int              `json:"consecutive_429"`
}

// globalKey tracks process-wide timestamps inside the per-city maps.
const globalKey = "_global"

func newState() *State {
	return &State{
		CityLastDynamicUnix:       map[string]int64{},
		CityLastStaticRefreshUnix: map[string]int64{},
		CityCooldownUntilUnix:     map[string]int64{},
	}
}

// LoadState reads the persisted state from path. Missing or corrupt files
// yield a fresh state; the daemon must always be able to start.
func LoadState(path string) *State {
	s := newState()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return newState()
	}
	if s.CityLastDynamicUnix == nil {
		s.CityLastDynamicUnix = map[string]int64{}
	}
	if s.CityLastStaticRefreshUnix == nil {
		s.CityLastStaticRefreshUnix = map[string]int64{}
	}
	if s.CityCooldownUntilUnix == nil {
		s.CityCooldownUntilUnix = map[string]int64{}
	}
	return s
}

// Save writes the state atomically so a crash mid-write never corrupts it.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: create state dir: %w", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("daemon: encode state: %w", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("daemon: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("daemon: replace state: %w", err)
	}
	return nil
}
