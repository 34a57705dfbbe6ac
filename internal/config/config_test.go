// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/amtest/internal/instrumentation"
)

const fullConfig = `
package: com.example.tests
runner: com.example.CustomRunner
concurrency: 3
suite_timeout: 10m
artifact_dir: /tmp/artifacts
log_buffer_size: 5M
devices:
  - emulator-5554
  - emulator-5556
suites:
  - name: smoke
    args: ["-e", "class", "com.example.SmokeTest"]
  - name: full
status_codes:
  start: 1
  pass: 0
  error: -1
  failure: -2
  ignored: -3
  assumption_violated: -4
  result_ok: 0
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := &Config{
		Package:       "com.example.tests",
		Runner:        "com.example.CustomRunner",
		Concurrency:   3,
		SuiteTimeout:  Duration(10 * time.Minute),
		ArtifactDir:   "/tmp/artifacts",
		LogBufferSize: "5M",
		Devices:       []string{"emulator-5554", "emulator-5556"},
		Suites: []Suite{
			{Name: "smoke", Args: []string{"-e", "class", "com.example.SmokeTest"}},
			{Name: "full"},
		},
		StatusCodes: &instrumentation.StatusCodes{
			Start:              1,
			Pass:               0,
			Error:              -1,
			Failure:            -2,
			Ignored:            -3,
			AssumptionViolated: -4,
			ResultOK:           0,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
package: com.example.tests
suites:
  - name: all
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Runner != DefaultRunner {
		t.Errorf("Runner = %q; want %q", cfg.Runner, DefaultRunner)
	}
	if cfg.ArtifactDir != "amtest-artifacts" {
		t.Errorf("ArtifactDir = %q; want amtest-artifacts", cfg.ArtifactDir)
	}
	if cfg.SuiteTimeout != 0 {
		t.Errorf("SuiteTimeout = %v; want 0", cfg.SuiteTimeout)
	}
	if cfg.StatusCodes != nil {
		t.Errorf("StatusCodes = %+v; want nil", cfg.StatusCodes)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"missing package", `
suites:
  - name: all
`},
		{"no suites", `
package: com.example.tests
`},
		{"unnamed suite", `
package: com.example.tests
suites:
  - args: ["-e", "size", "small"]
`},
		{"negative concurrency", `
package: com.example.tests
concurrency: -1
suites:
  - name: all
`},
		{"bad duration", `
package: com.example.tests
suite_timeout: soon
suites:
  - name: all
`},
		{"unknown field", `
package: com.example.tests
packge: typo
suites:
  - name: all
`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Error("Parse unexpectedly succeeded")
			}
		})
	}
}

// TestParseRepeatedSuiteName verifies a suite name may appear more than once,
// e.g. to run the same selection repeatedly for a flake hunt.
func TestParseRepeatedSuiteName(t *testing.T) {
	cfg, err := Parse([]byte(`
package: com.example.tests
suites:
  - name: smoke
  - name: smoke
  - name: smoke
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	plan := cfg.Plan()
	var names []string
	for {
		s, ok := plan.Next()
		if !ok {
			break
		}
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"smoke", "smoke", "smoke"}, names); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(fullConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Package != "com.example.tests" {
		t.Errorf("Package = %q; want com.example.tests", cfg.Package)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file unexpectedly succeeded")
	}
}

func TestPlanOrder(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	plan := cfg.Plan()
	var names []string
	for {
		s, ok := plan.Next()
		if !ok {
			break
		}
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"smoke", "full"}, names); diff != "" {
		t.Errorf("Plan order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceFilter(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	filter := cfg.DeviceFilter()
	if filter == nil {
		t.Fatal("DeviceFilter returned nil despite device list")
	}
	if !filter("emulator-5554") || filter("emulator-9999") {
		t.Error("Filter does not implement the device list")
	}

	cfg.Devices = nil
	if cfg.DeviceFilter() != nil {
		t.Error("DeviceFilter != nil for empty device list")
	}
}
