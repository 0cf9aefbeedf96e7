// This file is part of Hotpatch project, available at https://github.com/qrdl/hotpatch
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads hotpatch configuration from YAML file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig overrides location of the configuration file.
	EnvConfig = "HOTPATCH_CONFIG"
	// EnvLogLevel overrides log.level.
	EnvLogLevel = "HOTPATCH_LOG_LEVEL"
	// EnvDevicePassword overrides device.password, so it doesn't have to be stored in the file.
	EnvDevicePassword = "HOTPATCH_DEVICE_PASSWORD"

	defaultDir  = ".hotpatch"
	defaultFile = "config.yaml"
)

// Config is the whole configuration.
type Config struct {
	Log             LogConfig    `yaml:"log"`
	Remote          RemoteConfig `yaml:"remote"`
	Island          IslandConfig `yaml:"island"`
	Device          DeviceConfig `yaml:"device"`
	CompileCommands string       `yaml:"compile_commands"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RemoteConfig tunes control of traced processes.
type RemoteConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	ScratchSize int           `yaml:"scratch_size"`
}

// IslandConfig tunes placement of jump islands.
type IslandConfig struct {
	Window uint64 `yaml:"window"`
}

// DeviceConfig describes device the patch payloads are delivered to.
type DeviceConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"` // without it any host key is accepted
	Dir        string `yaml:"dir"`
}

// Default returns configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Remote: RemoteConfig{
			WaitTimeout: 10 * time.Second,
			ScratchSize: 4096,
		},
		Island: IslandConfig{
			Window: 256 << 20,
		},
		Device: DeviceConfig{
			Port: 22,
			Dir:  "/tmp",
		},
		CompileCommands: "compile_commands.json",
	}
}

// Path returns location of the configuration file: HOTPATCH_CONFIG if set,
// otherwise ~/.hotpatch/config.yaml.
func Path() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultDir, defaultFile)
	}
	return filepath.Join(home, defaultDir, defaultFile)
}

/*
Load reads configuration from path, on top of defaults, and applies environment overrides.
Empty path means [Path]; missing default file is not an error, missing explicit one is.
*/
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to path, creating its directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// may contain device password
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks values which can't be used as is.
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.wait_timeout must be positive, got %s", c.Remote.WaitTimeout))
	}
	if c.Remote.ScratchSize < 64 {
		errs = append(errs, fmt.Errorf("remote.scratch_size must be at least 64, got %d", c.Remote.ScratchSize))
	}
	if c.Island.Window == 0 {
		errs = append(errs, errors.New("island.window must be positive"))
	}
	if c.Device.Port < 0 || c.Device.Port > 65535 {
		errs = append(errs, fmt.Errorf("device.port %d is out of range", c.Device.Port))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) {
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	if password := os.Getenv(EnvDevicePassword); password != "" {
		cfg.Device.Password = password
	}
}
