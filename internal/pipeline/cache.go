package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/concordhq/concord/internal/config"
)

// ScriptCache stores accepted generated scripts content-addressed by trial
// config, step, and track. Combined with seed injection, a cache hit makes
// a rerun byte-identical.
type ScriptCache struct {
	dir string
}

func NewScriptCache(dir string) (*ScriptCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &ScriptCache{dir: dir}, nil
}

// CacheKey derives the lookup key from the full trial config (seed
// included), the step name, and the track id. Any config change produces a
// different key and therefore fresh generation.
func CacheKey(trial config.TrialConfig, step, trackID string) (string, error) {
	cfgJSON, err := json.Marshal(trial)
	if err != nil {
		return "", err
	}
	payload := append(cfgJSON, []byte("|"+step+"|"+trackID)...)
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Get returns the cached script for key, or ok=false on a miss.
func (c *ScriptCache) Get(key string) (string, bool, error) {
	b, err := os.ReadFile(c.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Put stores an accepted script under key and returns the cache file path.
func (c *ScriptCache) Put(key, code string) (string, error) {
	path := c.path(key)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *ScriptCache) path(key string) string {
	return filepath.Join(c.dir, key+".R")
}
