// Package config loads the optional package-statistics configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/etnz/package-statistics/mirror"
	"github.com/etnz/package-statistics/report"
	"go.yaml.in/yaml/v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "package-statistics.yaml"

// Config is a business object holding the run settings shared by the
// configuration file and the command line.
type Config struct {
	// Country selects the mirror, ftp.<country>.debian.org.
	Country string
	// Dist and Comp select the archive directory, debian/dists/<dist>/<comp>/.
	Dist string
	Comp string
	// Mirror overrides the host derived from Country.
	Mirror string
	// Top is the number of packages reported.
	Top      int
	Protocol mirror.Protocol
	// Dir is where the Contents index is downloaded.
	Dir     string
	Timeout time.Duration
	// Strict aborts on the first malformed index line instead of skipping it.
	Strict bool
	Format report.Format
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Country:  "uk",
		Dist:     "stable",
		Comp:     "main",
		Top:      10,
		Protocol: mirror.FTP,
		Dir:      ".",
		Timeout:  10 * time.Minute,
		Format:   report.FormatTable,
	}
}

// Load reads the YAML configuration at path on top of Default. A missing file
// is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	// Internal DTO for YAML deserialization. Pointers tell unset keys apart
	// from zero values.
	type yamlConfig struct {
		Country  *string `yaml:"country"`
		Dist     *string `yaml:"dist"`
		Comp     *string `yaml:"comp"`
		Mirror   *string `yaml:"mirror"`
		Top      *int    `yaml:"top"`
		Protocol *string `yaml:"protocol"`
		Dir      *string `yaml:"dir"`
		Timeout  *string `yaml:"timeout"`
		Strict   *bool   `yaml:"strict"`
		Format   *string `yaml:"format"`
	}

	var dto yamlConfig
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return err
	}

	// Map DTO to business object
	setString(&cfg.Country, dto.Country)
	setString(&cfg.Dist, dto.Dist)
	setString(&cfg.Comp, dto.Comp)
	setString(&cfg.Mirror, dto.Mirror)
	setString(&cfg.Dir, dto.Dir)
	if dto.Top != nil {
		cfg.Top = *dto.Top
	}
	if dto.Strict != nil {
		cfg.Strict = *dto.Strict
	}
	if dto.Protocol != nil {
		p, err := mirror.ParseProtocol(*dto.Protocol)
		if err != nil {
			return err
		}
		cfg.Protocol = p
	}
	if dto.Format != nil {
		f, err := report.ParseFormat(*dto.Format)
		if err != nil {
			return err
		}
		cfg.Format = f
	}
	if dto.Timeout != nil {
		d, err := time.ParseDuration(*dto.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Timeout = d
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate reports settings that cannot produce a run.
func (c Config) Validate() error {
	switch {
	case c.Country == "" && c.Mirror == "":
		return errors.New("country must not be empty")
	case c.Dist == "":
		return errors.New("dist must not be empty")
	case c.Comp == "":
		return errors.New("comp must not be empty")
	case c.Top < 0:
		return fmt.Errorf("top must not be negative, got %d", c.Top)
	case c.Timeout < 0:
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if _, err := mirror.ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}
	if _, err := report.ParseFormat(string(c.Format)); err != nil {
		return err
	}
	return nil
}

// Source returns the mirror selection for an architecture.
func (c Config) Source(arch string) mirror.Source {
	return mirror.Source{Country: c.Country, Dist: c.Dist, Comp: c.Comp, Arch: arch}
}

// FetchOptions returns the download settings.
func (c Config) FetchOptions() mirror.Options {
	return mirror.Options{Protocol: c.Protocol, Dir: c.Dir, Timeout: c.Timeout, Mirror: c.Mirror}
}
