// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package adb

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/electricbubble/gadb"
	"github.com/pkg/errors"

	"go.chromium.org/amtest/internal/logging"
)

// Server is a Transport backed by a local ADB server. Device discovery and
// one-shot commands go through the server's wire protocol (gadb); live
// streams are exec'd adb client processes so they carry a killable process
// handle and deliver output incrementally.
type Server struct {
	client  gadb.Client
	adbPath string
}

// Option configures a Server.
type Option func(*Server)

// WithADBPath overrides the adb binary used for streaming commands.
func WithADBPath(path string) Option {
	return func(s *Server) { s.adbPath = path }
}

// NewServer connects to the local ADB server.
func NewServer(opts ...Option) (*Server, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to ADB server")
	}
	s := &Server{client: client, adbPath: "adb"}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Devices lists serials of online devices.
func (s *Server) Devices(ctx context.Context) ([]string, error) {
	devices, err := s.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "listing ADB devices")
	}
	var serials []string
	for _, d := range devices {
		serials = append(serials, d.Serial())
	}
	logging.Debugf(ctx, "ADB server reports %d device(s)", len(serials))
	return serials, nil
}

// Command runs a one-shot shell command on the device.
func (s *Server) Command(ctx context.Context, serial, name string, args ...string) (string, error) {
	dev, err := s.device(serial)
	if err != nil {
		return "", err
	}
	out, err := dev.RunShellCommand(name, args...)
	if err != nil {
		return "", errors.Wrapf(err, "running %q on %s", name, serial)
	}
	return out, nil
}

func (s *Server) device(serial string) (*gadb.Device, error) {
	devices, err := s.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "listing ADB devices")
	}
	for _, d := range devices {
		if d.Serial() == serial {
			d := d
			return &d, nil
		}
	}
	return nil, errors.Errorf("device %s not found on ADB server", serial)
}

// Instrument starts an instrumentation run on the device.
func (s *Server) Instrument(ctx context.Context, serial, pkg, runner string, args []string) (Process, error) {
	cmdArgs := []string{"-s", serial, "shell", "am", "instrument", "-w", "-r"}
	cmdArgs = append(cmdArgs, args...)
	cmdArgs = append(cmdArgs, pkg+"/"+runner)
	return s.start(ctx, cmdArgs)
}

// Logcat attaches to the device's log stream.
func (s *Server) Logcat(ctx context.Context, serial string, args ...string) (Process, error) {
	cmdArgs := append([]string{"-s", serial, "logcat"}, args...)
	return s.start(ctx, cmdArgs)
}

// start launches the adb client in its own session so Terminate can kill
// everything it forked.
func (s *Server) start(ctx context.Context, args []string) (Process, error) {
	logging.Debugf(ctx, "Starting %s %s", s.adbPath, strings.Join(args, " "))
	cmd := exec.Command(s.adbPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, errors.Wrapf(err, "starting %s", s.adbPath)
	}
	// The child holds its own copy of the write end; close ours so the
	// read end sees EOF when the child exits.
	pw.Close()

	return &execProcess{cmd: cmd, out: pr}, nil
}

// execProcess is a Process backed by a local adb client process.
type execProcess struct {
	cmd *exec.Cmd
	out io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	waited   chan struct{}
}

func (p *execProcess) Output() io.ReadCloser { return p.out }

func (p *execProcess) Wait(ctx context.Context) error {
	p.waitOnce.Do(func() {
		p.waited = make(chan struct{})
		go func() {
			p.waitErr = p.cmd.Wait()
			close(p.waited)
		}()
	})
	select {
	case <-p.waited:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *execProcess) Terminate() {
	if proc := p.cmd.Process; proc != nil {
		killSession(proc.Pid)
	}
	p.out.Close()
}
