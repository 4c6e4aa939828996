// Package config handles loading and validating the database's
// configuration from a db.json file.
//
// The configuration file is expected to be a JSON object with the data
// directory, the optional peer-sync listener address, the peer URLs to
// sync with, the trusted root session ids, and the sync request
// deadline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultSyncTimeout is spec §5's "default 5s" sync request deadline.
const DefaultSyncTimeout = 5 * time.Second

// Config holds all database configuration loaded from db.json. The file
// is read once at startup; changes require a restart.
type Config struct {
	// DataDir is the directory holding the append-only commit logs, one
	// file per repository.
	DataDir string `json:"dataDir"`

	// ListenAddr is the optional peer-sync HTTP/WebSocket listen address
	// (e.g. ":8443"). Empty disables the listener; the database can
	// still dial out to PeerURLs.
	ListenAddr string `json:"listenAddr,omitempty"`

	// PeerURLs are the base URLs of peers to sync with, one RepoClient
	// per (peer, repository) pair (spec §4.I step 5).
	PeerURLs []string `json:"peerUrls,omitempty"`

	// TrustedRoots lists session ids of TrustPool roots (spec §4.E).
	// nest.FromConfig does not read this field.
	TrustedRoots []string `json:"trustedRoots,omitempty"`

	// Trusted, when true, bypasses signature verification entirely
	// (spec §4.I "trusted" mode) — intended for single-process embedded
	// use, never for a listener reachable over a network.
	Trusted bool `json:"trusted,omitempty"`

	// SyncTimeoutMS is the deadline, in milliseconds, applied to every
	// sync request (spec §5). Zero means DefaultSyncTimeout.
	SyncTimeoutMS int64 `json:"syncTimeoutMs,omitempty"`

	// AuthTokenSecret is the HMAC secret used to sign and validate sync
	// tokens (internal/authtoken). Empty disables token checks on the
	// peer-sync listener.
	AuthTokenSecret string `json:"authTokenSecret,omitempty"`
}

// Load reads and parses configuration from the given file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	return nil
}

// SyncTimeout returns the configured sync deadline, or DefaultSyncTimeout
// when unset.
func (c *Config) SyncTimeout() time.Duration {
	if c.SyncTimeoutMS <= 0 {
		return DefaultSyncTimeout
	}
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}
