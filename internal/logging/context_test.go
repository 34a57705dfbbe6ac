// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/amtest/internal/logging"
)

// sinkToSlice returns a Sink that appends messages to *dst.
func sinkToSlice(dst *[]string) logging.Sink {
	return logging.NewFuncSink(func(msg string) { *dst = append(*dst, msg) })
}

func TestAttachLoggerPropagation(t *testing.T) {
	var outer, inner []string
	ctx := logging.AttachLogger(context.Background(),
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&outer)))
	ctx = logging.AttachLogger(ctx,
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&inner)))

	logging.Info(ctx, "hello")

	want := []string{"hello"}
	if diff := cmp.Diff(want, outer); diff != "" {
		t.Errorf("Outer logger got unexpected logs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, inner); diff != "" {
		t.Errorf("Inner logger got unexpected logs (-want +got):\n%s", diff)
	}
}

func TestAttachLoggerNoPropagation(t *testing.T) {
	var outer, inner []string
	ctx := logging.AttachLogger(context.Background(),
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&outer)))
	ctx = logging.AttachLoggerNoPropagation(ctx,
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&inner)))

	logging.Info(ctx, "hello")

	if len(outer) > 0 {
		t.Errorf("Outer logger got logs unexpectedly: %v", outer)
	}
	if diff := cmp.Diff([]string{"hello"}, inner); diff != "" {
		t.Errorf("Inner logger got unexpected logs (-want +got):\n%s", diff)
	}
}

func TestSinkLoggerLevel(t *testing.T) {
	var logs []string
	ctx := logging.AttachLogger(context.Background(),
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&logs)))

	logging.Debug(ctx, "debug")
	logging.Infof(ctx, "info %d", 42)

	if diff := cmp.Diff([]string{"info 42"}, logs); diff != "" {
		t.Errorf("Got unexpected logs (-want +got):\n%s", diff)
	}
}

func TestSetLogPrefix(t *testing.T) {
	var logs []string
	ctx := logging.AttachLogger(context.Background(),
		logging.NewSinkLogger(logging.LevelInfo, false, sinkToSlice(&logs)))
	ctx = logging.SetLogPrefix(ctx, "[emulator-5554] ")

	logging.Info(ctx, "suite started")

	if diff := cmp.Diff([]string{"[emulator-5554] suite started"}, logs); diff != "" {
		t.Errorf("Got unexpected logs (-want +got):\n%s", diff)
	}
}

func TestHasLogger(t *testing.T) {
	ctx := context.Background()
	if logging.HasLogger(ctx) {
		t.Error("HasLogger returned true for a fresh context")
	}
	ctx = logging.AttachLogger(ctx, logging.NewMultiLogger())
	if !logging.HasLogger(ctx) {
		t.Error("HasLogger returned false after AttachLogger")
	}
}
