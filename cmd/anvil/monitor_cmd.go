// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/redstoneos/anvil/internal/binutils"
	"github.com/redstoneos/anvil/internal/capture"
	"github.com/redstoneos/anvil/internal/config"
	"github.com/redstoneos/anvil/internal/detector"
	"github.com/redstoneos/anvil/internal/diagnose"
	"github.com/redstoneos/anvil/internal/paths"
)

// monitorCmd implements subcommands.Command: it captures a live guest's
// serial and CPU-exception streams, detects a crash, and diagnoses it.
type monitorCmd struct {
	root    string
	profile string
	serial  string
}

func (*monitorCmd) Name() string     { return "monitor" }
func (*monitorCmd) Synopsis() string { return "watch a running guest and diagnose any crash" }
func (*monitorCmd) Usage() string {
	return `monitor -root <project-root> [-profile release|debug] [-serial <path>]:
	Captures the guest's serial stream and CPU exception log, detects crashes
	as they happen, prints a diagnosis for the first one, and stops.
`
}

func (m *monitorCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.root, "root", ".", "RedstoneOS project root")
	f.StringVar(&m.profile, "profile", "release", "build profile to resolve binaries against")
	f.StringVar(&m.serial, "serial", "", "serial device to read (defaults to stdin)")
}

func (m *monitorCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	resolver := paths.NewResolver(m.root)
	cfg := config.Default()
	cfg.Profile = m.profile

	var serialStream io.Reader = os.Stdin
	if m.serial != "" {
		port, err := capture.OpenSerialPort(m.serial, 115200)
		if err != nil {
			lg.Error("opening serial device %s: %v", m.serial, err)
			return subcommands.ExitFailure
		}
		defer port.Close()
		serialStream = port
	}

	restoreTerm := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.GetState(int(os.Stdin.Fd()))
		if err == nil {
			if _, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
				restoreTerm = func() { term.Restore(int(os.Stdin.Fd()), state) }
			}
		}
	}
	installSignalHandler(restoreTerm)
	defer restoreTerm()

	tl := capture.NewTimeline(cfg.RingCapacity)
	engine := diagnose.New(binutils.New(), resolver.KernelBinary)
	det := detector.New()

	crashed := make(chan detector.CpuException, 1)
	tl.AddObserver(func(e capture.LogEntry) {
		lg.Raw(e.Text)
		if exc := det.Detect(e.Text); exc != nil {
			select {
			case crashed <- *exc:
			default:
			}
		}
	})

	sess := capture.NewSession(ctx, tl, serialStream, resolver.CPULog(), cfg.CPULogExistsPoll, cfg.CPULogTailPoll)

	go func() {
		exc := <-crashed
		window := tl.Recent(cfg.ContextWindow)
		diagnosis := engine.Analyze(ctx, diagnose.CrashInfo{Exception: exc, Context: window}, cfg.Profile)
		fmt.Println(diagnosis.String())
		sess.Stop()
	}()

	if err := sess.Wait(); err != nil {
		lg.Error("monitor session ended with an error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
