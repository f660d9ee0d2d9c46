package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"time"

	classifier "github.com/offline-cache/offline-cache/pkg/route-classifier"
	"github.com/offline-cache/offline-cache/store"

	"gopkg.in/yaml.v3"
)

// FileConfig is the deployment configuration. The worker version and
// the priming manifest live here on purpose: both are deploy-time
// decisions, never computed.
type FileConfig struct {
	Version int              `yaml:"version"`
	Origin  string           `yaml:"origin"`
	Store   StoreConfig      `yaml:"store"`
	Routes  classifier.Rules `yaml:"routes"`
	// Precache is the static priming manifest. Install fails atomically
	// if any listed path cannot be fetched.
	Precache []string `yaml:"precache"`
	// UpdateInterval between client update checks, e.g. "1h".
	UpdateInterval string `yaml:"updateInterval"`
}

type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "leveldb".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// OriginURL parses and validates the configured origin.
func (c FileConfig) OriginURL() (url.URL, error) {
	if c.Origin == "" {
		return url.URL{}, fmt.Errorf("origin is required")
	}
	parsed, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, err
	}
	return *parsed, nil
}

// PollInterval returns the configured update-check interval, defaulting
// to hourly.
func (c FileConfig) PollInterval() (time.Duration, error) {
	if c.UpdateInterval == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.UpdateInterval)
}

// OpenProvider opens the configured store backend.
func (c FileConfig) OpenProvider() (store.Provider, error) {
	switch c.Store.Backend {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.Path)
	case "leveldb":
		return store.NewLevelDBStore(c.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}
