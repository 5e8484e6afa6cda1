// Package config loads the transcripts service's configuration from a
// single YAML file plus environment-variable overrides, trimmed from the
// storage services' layered base/env/tenant loader down to one file: this
// is a single service with a single deployment, not a multi-tenant
// control plane.
//
// Env var overrides use the same delimiter convention: the prefix passed
// to Load (default "TRANSCRIPTS_") plus "__" addresses nested keys, e.g.
// TRANSCRIPTS_ALIGN__ENDPOINT=http://host/align overrides AlignEndpoint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every option named in the external interface section of
// the specification this service implements.
type Config struct {
	DataDir string `yaml:"data_dir"`

	AlignEndpoint        string  `yaml:"align_endpoint"`
	AlignPrealignOnSave  bool    `yaml:"align_prealign_on_save"`
	AudioLogDir          string  `yaml:"audio_log_dir"`
	AudioLogNative       bool    `yaml:"audio_log_native"`
	MinTokenDurationSec  float64 `yaml:"min_token_duration_sec"`
	ClipPadSec           float64 `yaml:"clip_pad_sec"`
	NeighborDefault      int     `yaml:"neighbor_default"`
	NeighborMax          int     `yaml:"neighbor_max"`

	ListenAddr string `yaml:"listen_addr"`
}

// AudioRoot and SQLitePath are derived from DataDir per §6.
func (c Config) AudioRoot() string  { return joinPath(c.DataDir, "audio") }
func (c Config) SQLitePath() string { return joinPath(c.DataDir, "explore.sqlite") }

func joinPath(root, leaf string) string {
	root = strings.TrimRight(root, "/")
	if root == "" {
		return leaf
	}
	return root + "/" + leaf
}

// Default returns the configuration defaults named in the specification.
func Default() Config {
	return Config{
		DataDir:             "./data",
		AlignEndpoint:       "http://silence-remover.com:8000/align",
		AlignPrealignOnSave: true,
		AudioLogDir:         "./audio-log",
		AudioLogNative:      true,
		MinTokenDurationSec: 0.20,
		ClipPadSec:          0.10,
		NeighborDefault:     1,
		NeighborMax:         3,
		ListenAddr:          ":8080",
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment-variable overrides under prefix (default "TRANSCRIPTS_").
func Load(path, envPrefix string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envPrefix == "" {
		envPrefix = "TRANSCRIPTS_"
	}
	applyEnvOverrides(&cfg, envPrefix)
	return cfg, nil
}

// applyEnvOverrides scans os.Environ for keys under prefix and patches
// the known fields. Unknown keys are ignored rather than rejected — this
// service has a fixed, small config surface.
func applyEnvOverrides(cfg *Config, prefix string) {
	get := func(suffix string) (string, bool) {
		v, ok := os.LookupEnv(prefix + suffix)
		return v, ok
	}
	if v, ok := get("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := get("ALIGN__ENDPOINT"); ok {
		cfg.AlignEndpoint = v
	}
	if v, ok := get("ALIGN__PREALIGN_ON_SAVE"); ok {
		cfg.AlignPrealignOnSave = parseBool(v, cfg.AlignPrealignOnSave)
	}
	if v, ok := get("AUDIO_LOG__DIR"); ok {
		cfg.AudioLogDir = v
	}
	if v, ok := get("AUDIO_LOG__NATIVE"); ok {
		cfg.AudioLogNative = parseBool(v, cfg.AudioLogNative)
	}
	if v, ok := get("MIN_TOKEN_DURATION_SEC"); ok {
		cfg.MinTokenDurationSec = parseFloat(v, cfg.MinTokenDurationSec)
	}
	if v, ok := get("CLIP_PAD_SEC"); ok {
		cfg.ClipPadSec = parseFloat(v, cfg.ClipPadSec)
	}
	if v, ok := get("NEIGHBOR__DEFAULT"); ok {
		cfg.NeighborDefault = int(parseFloat(v, float64(cfg.NeighborDefault)))
	}
	if v, ok := get("NEIGHBOR__MAX"); ok {
		cfg.NeighborMax = int(parseFloat(v, float64(cfg.NeighborMax)))
	}
	if v, ok := get("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return b
}

func parseFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fallback
	}
	return f
}
