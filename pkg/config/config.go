// Package config loads the single options table the core recognizes (spec
// §6) from YAML, following the teacher's internal/env convention of reading
// environment overrides on top of file-based defaults rather than a flags
// package or a textproto schema (no protoc is available in this build).
package config

import (
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/forgesrv/forge/pkg/ident"
)

// ArchiveBackend selects which log archive sink to construct.
type ArchiveBackend string

const (
	ArchiveLocal ArchiveBackend = "local"
	ArchiveS3    ArchiveBackend = "s3"
)

// ArchiveConfig configures the selected archive backend.
type ArchiveConfig struct {
	Backend ArchiveBackend `yaml:"backend"`

	// Local backend settings.
	LocalDir string `yaml:"local_dir"`

	// S3 backend settings.
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// SourceWatch configures one upstream repository the scheduler polls for
// new commits (pkg/sourcewatch), and the fixed set of short idents a commit
// on it implies are touched.
type SourceWatch struct {
	Owner    string   `yaml:"owner"`
	Repo     string   `yaml:"repo"`
	Branch   string   `yaml:"branch"`
	Packages []string `yaml:"packages"`
}

// Config is the options table from spec §6.
type Config struct {
	JobTimeoutMinutes       int      `yaml:"job_timeout_minutes"`
	HeartbeatIntervalSecs   int      `yaml:"heartbeat_interval_seconds"`
	HeartbeatMissesForDead  int      `yaml:"heartbeat_misses_for_dead"`
	TargetHighWatermark     int      `yaml:"target_high_watermark"`
	TargetLowWatermark      int      `yaml:"target_low_watermark"`
	Archive                 ArchiveConfig `yaml:"archive"`
	BuildTargets            []string `yaml:"build_targets"`

	Project              string        `yaml:"project"`
	UnbuildablePackages  []string      `yaml:"unbuildable_packages"`
	SourceWatches        []SourceWatch `yaml:"source_watches"`
	SourceWatchIntervalSeconds int     `yaml:"source_watch_interval_seconds"`
	GithubAppJWT         string        `yaml:"github_app_jwt"`

	StoreDSN string `yaml:"store_dsn"`
	CacheURL string `yaml:"cache_url"`
	Listen   string `yaml:"listen"`
}

// Defaults matches the per-field defaults called out in spec §6.
func Defaults() Config {
	return Config{
		JobTimeoutMinutes:      60,
		HeartbeatIntervalSecs:  30,
		HeartbeatMissesForDead: 2,
		TargetHighWatermark:    64,
		TargetLowWatermark:     16,
		Archive:                ArchiveConfig{Backend: ArchiveLocal, LocalDir: "/var/lib/forge/logs"},
		BuildTargets:           []string{"amd64-linux"},
		Project:                "default",
		SourceWatchIntervalSeconds: 60,
	}
}

// Load reads path, merges it over Defaults(), and applies FORGE_-prefixed
// environment overrides for the fields most often tuned per-deployment
// (store DSN, cache URL, listen address) — mirroring the teacher's
// internal/env pattern of letting the environment win over the file for a
// narrow set of deployment-specific knobs.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, xerrors.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("FORGE_CACHE_URL"); v != "" {
		cfg.CacheURL = v
	}
	if v := os.Getenv("FORGE_LISTEN"); v != "" {
		cfg.Listen = v
	}
}

// Validate rejects configurations that would violate invariants elsewhere
// in the core (an inverted watermark pair, an unset archive backend, zero
// build targets).
func (c Config) Validate() error {
	if c.TargetLowWatermark > c.TargetHighWatermark {
		return xerrors.Errorf("config: target_low_watermark (%d) exceeds target_high_watermark (%d)",
			c.TargetLowWatermark, c.TargetHighWatermark)
	}
	if len(c.BuildTargets) == 0 {
		return xerrors.New("config: build_targets must not be empty")
	}
	switch c.Archive.Backend {
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return xerrors.New("config: archive.local_dir required for local backend")
		}
	case ArchiveS3:
		if c.Archive.S3Bucket == "" {
			return xerrors.New("config: archive.s3_bucket required for s3 backend")
		}
	default:
		return xerrors.Errorf("config: unknown archive.backend %q", c.Archive.Backend)
	}
	return nil
}

// Targets parses BuildTargets into ident.Target values.
func (c Config) Targets() []ident.Target {
	out := make([]ident.Target, len(c.BuildTargets))
	for i, t := range c.BuildTargets {
		out[i] = ident.Target(t)
	}
	return out
}
