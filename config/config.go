// Package config loads the daemon configuration from an hjson file and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

// FileName is the configuration file looked up when no path is given.
const FileName = "avctd.conf"

// Config describes the configuration for the daemon.
type Config struct {
	Values Values
}

// New returns a configuration holding the defaults.
func New() *Config {
	return &Config{Values: Defaults()}
}

// Load reads the configuration file at path, then the command-line flags
// on top of it. A missing file is only an error when path was given
// explicitly.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context, path string) error {
	explicit := path != ""
	if !explicit {
		path = FileName
	}
	if err := c.LoadFile(k, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cliCtx != nil {
		if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
			return fmt.Errorf("load flags: %w", err)
		}
	}

	return c.Unmarshal(k)
}

// LoadFile merges an hjson file into k.
func (c *Config) LoadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := k.Load(file.Provider(path), hjson.Parser()); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Unmarshal copies the keys present in k over the current values.
func (c *Config) Unmarshal(k *koanf.Koanf) error {
	return k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"})
}

// Validate checks the values and fills in their parsed forms.
func (c *Config) Validate() error {
	return c.Values.validateValues()
}
