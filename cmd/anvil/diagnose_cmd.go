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
	"os"

	"github.com/google/subcommands"

	"github.com/redstoneos/anvil/internal/binutils"
	"github.com/redstoneos/anvil/internal/capture"
	"github.com/redstoneos/anvil/internal/config"
	"github.com/redstoneos/anvil/internal/detector"
	"github.com/redstoneos/anvil/internal/diagnose"
	"github.com/redstoneos/anvil/internal/paths"
)

// diagnoseCmd implements subcommands.Command: it replays an already-captured
// serial/cpu-log pair through crash detection and diagnosis, for postmortem
// use without a live guest.
type diagnoseCmd struct {
	root       string
	profile    string
	serialFile string
	cpuLogFile string
}

func (*diagnoseCmd) Name() string     { return "diagnose" }
func (*diagnoseCmd) Synopsis() string { return "diagnose an already-captured crash log" }
func (*diagnoseCmd) Usage() string {
	return `diagnose -root <project-root> [-serial <file>] -cpu-log <file> [-profile release|debug]:
	Replays a captured serial log and CPU exception log, and prints a
	diagnosis for the first crash found.
`
}

func (d *diagnoseCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.root, "root", ".", "RedstoneOS project root")
	f.StringVar(&d.profile, "profile", "release", "build profile to resolve binaries against")
	f.StringVar(&d.serialFile, "serial", "", "path to a captured serial log")
	f.StringVar(&d.cpuLogFile, "cpu-log", "", "path to a captured CPU exception log")
}

func (d *diagnoseCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if d.cpuLogFile == "" {
		lg.Error("diagnose: -cpu-log is required")
		return subcommands.ExitUsageError
	}

	resolver := paths.NewResolver(d.root)
	cfg := config.Default()
	cfg.Profile = d.profile

	tl := capture.NewTimeline(cfg.RingCapacity)
	det := detector.New()
	engine := diagnose.New(binutils.New(), resolver.KernelBinary)

	var found *detector.CpuException
	tl.AddObserver(func(e capture.LogEntry) {
		if found != nil {
			return
		}
		if exc := det.Detect(e.Text); exc != nil {
			found = exc
		}
	})

	if d.serialFile != "" {
		if err := replayFile(ctx, tl, d.serialFile); err != nil {
			lg.Error("replaying serial log: %v", err)
			return subcommands.ExitFailure
		}
	}
	// A fully-written log file never grows, so CaptureCPULog's tail-from-end
	// semantics (built for a live guest) don't apply here: replay it the
	// same way as the serial log, reading start-to-EOF once. The Source tag
	// this produces (serial) is cosmetic only — detection and diagnosis
	// never look at it.
	if err := replayFile(ctx, tl, d.cpuLogFile); err != nil {
		lg.Error("replaying cpu log: %v", err)
		return subcommands.ExitFailure
	}

	if found == nil {
		lg.Info("no crash found in the captured logs")
		return subcommands.ExitSuccess
	}

	window := tl.Recent(cfg.ContextWindow)
	diagnosis := engine.Analyze(ctx, diagnose.CrashInfo{Exception: *found, Context: window}, cfg.Profile)
	fmt.Println(diagnosis.String())
	return subcommands.ExitSuccess
}

// replayFile feeds path's full contents into tl, start to EOF, once.
func replayFile(ctx context.Context, tl *capture.Timeline, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tl.CaptureSerial(ctx, f)
}
