// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config loads run configuration from YAML files.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"go.chromium.org/amtest/internal/instrumentation"
	"go.chromium.org/amtest/internal/testplan"
)

// DefaultRunner is used when a config does not name an instrumentation
// runner.
const DefaultRunner = "androidx.test.runner.AndroidJUnitRunner"

// Duration is a time.Duration that unmarshals from strings like "90s" or
// "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Suite names one test selection to run as a unit, with extra arguments
// passed to "am instrument" (e.g. -e class com.example.FooTest).
type Suite struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
}

// Config is one run's configuration.
type Config struct {
	// Package is the instrumentation APK's package name. Required.
	Package string `yaml:"package"`
	// Runner is the instrumentation runner class. Defaults to
	// DefaultRunner.
	Runner string `yaml:"runner"`

	// Suites are the units of work, executed in order as devices free up.
	// At least one is required.
	Suites []Suite `yaml:"suites"`

	// Devices restricts the run to the listed serials. Empty means all
	// attached devices.
	Devices []string `yaml:"devices"`

	// Concurrency caps the number of devices used at once. Zero means as
	// many as the pool holds.
	Concurrency int `yaml:"concurrency"`

	// SuiteTimeout bounds one suite's execution, e.g. "10m". Zero means
	// unbounded.
	SuiteTimeout Duration `yaml:"suite_timeout"`

	// ArtifactDir receives log captures and marker files. Defaults to
	// "amtest-artifacts" under the working directory.
	ArtifactDir string `yaml:"artifact_dir"`

	// LogBufferSize sets the device logcat ring buffer before capture,
	// e.g. "5M". Empty leaves the device default.
	LogBufferSize string `yaml:"log_buffer_size"`

	// StatusCodes overrides the instrumentation status code mapping for
	// devices with nonstandard runners.
	StatusCodes *instrumentation.StatusCodes `yaml:"status_codes"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

// Parse parses and validates config data. Unknown fields are rejected to
// catch typos early.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Package == "" {
		return errors.New("package is required")
	}
	if len(c.Suites) == 0 {
		return errors.New("at least one suite is required")
	}
	// Suite names are labels, not identifiers; repeating one to run the
	// same selection again is legitimate.
	for i, s := range c.Suites {
		if s.Name == "" {
			return errors.Errorf("suite %d has no name", i)
		}
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Runner == "" {
		c.Runner = DefaultRunner
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "amtest-artifacts"
	}
}

// Plan builds the test plan described by the config.
func (c *Config) Plan() testplan.Plan {
	suites := make([]testplan.Suite, 0, len(c.Suites))
	for _, s := range c.Suites {
		suites = append(suites, testplan.NewSuite(s.Name, s.Args))
	}
	return testplan.New(suites...)
}

// DeviceFilter returns a serial filter implementing the Devices list, or nil
// if the config does not restrict devices.
func (c *Config) DeviceFilter() func(serial string) bool {
	if len(c.Devices) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.Devices))
	for _, s := range c.Devices {
		allowed[s] = struct{}{}
	}
	return func(serial string) bool {
		_, ok := allowed[serial]
		return ok
	}
}
