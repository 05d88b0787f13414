// Package cccpconfig loads the optional user configuration file that
// supplies defaults for the --mode and --once flags, the way the teacher's
// own configuration layer lets a persistent file back-fill flags a user
// didn't pass on the command line.
package cccpconfig

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/symphorien/cccp/internal/cache"
)

// Config is the on-disk schema for ~/.config/cccp/config.yaml.
type Config struct {
	// Mode is the default cache-eviction policy, overridden by -m/--mode.
	Mode cache.ModeName `yaml:"mode"`
	// Once, if true, makes --once the default. No command-line flag turns it
	// back off: once is in effect when either this or -1/--once is set.
	Once bool `yaml:"once"`
}

// DefaultPath returns ~/.config/cccp/config.yaml, following the teacher's
// XDG-style user config convention.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locating user config directory")
	}
	return filepath.Join(dir, "cccp", "config.yaml"), nil
}

// Load reads and parses path. A missing file yields a zero Config and no
// error, since the config file is entirely optional.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}
