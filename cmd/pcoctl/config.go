package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config holds pcoctl's defaults for opening a database, loadable from a
// JSON-with-comments file so an operator can keep a per-deployment
// default slot/key/value size around instead of retyping flags.
// Grounded on the teacher's root config.go, trimmed to pcoctl's flatter
// needs (no global/project precedence chain: one explicit file, or none).
type Config struct {
	SlotCount   uint64 `json:"slot_count"` //nolint:tagliatelle // snake_case for config file
	KeySize     uint64 `json:"key_size"`
	ValueSize   uint64 `json:"value_size"`
	CacheBytes  uint64 `json:"cache_bytes,omitempty"`
	ShmDir      string `json:"shm_dir,omitempty"`
}

// DefaultConfig mirrors the reference layout spec.md §6 calls out (N=510
// slots, three 4-KiB hash-table pages).
func DefaultConfig() Config {
	return Config{
		SlotCount: 510,
		KeySize:   64,
		ValueSize: 4096,
	}
}

// LoadConfig reads path (if non-empty) as JSONC and overlays it on
// DefaultConfig. An empty path is not an error: it just means "use
// defaults".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("pcoctl: read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("pcoctl: invalid JSONC in %q: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("pcoctl: invalid JSON in %q: %w", path, err)
	}

	return cfg, nil
}
