// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/subcommands"

	"go.chromium.org/amtest/internal/adb"
	"go.chromium.org/amtest/internal/adb/adbtest"
)

func TestListCmd(t *testing.T) {
	var out bytes.Buffer
	lc := newListCmd(&out)
	lc.newTransport = func() (adb.Transport, error) {
		return &adbtest.Fake{Serials: []string{"emulator-5554", "189b2f87"}}, nil
	}

	if status := lc.Execute(context.Background(), flag.NewFlagSet("list", flag.ContinueOnError)); status != subcommands.ExitSuccess {
		t.Fatalf("Execute returned %v; want success", status)
	}
	const want = "emulator-5554\n189b2f87\n"
	if out.String() != want {
		t.Errorf("Output = %q; want %q", out.String(), want)
	}
}

func TestListCmdSuites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amtest.yaml")
	if err := os.WriteFile(path, []byte(`
package: com.example.tests
suites:
  - name: smoke
  - name: full
`), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	lc := newListCmd(&out)
	lc.configPath = path

	if status := lc.Execute(context.Background(), flag.NewFlagSet("list", flag.ContinueOnError)); status != subcommands.ExitSuccess {
		t.Fatalf("Execute returned %v; want success", status)
	}
	const want = "smoke\nfull\n"
	if out.String() != want {
		t.Errorf("Output = %q; want %q", out.String(), want)
	}
}
