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

// Package config holds the narrow, typed settings the analysis pipeline
// needs. Loading these from a project's declarative configuration file is
// out of scope for Anvil's core; this package only defines the shape a
// loader is expected to populate, plus the collaborator interfaces the
// core calls into but does not implement.
package config

import "time"

// Config carries the tunables the capture and diagnostic pipeline needs
// explicit defaults for.
type Config struct {
	// Profile selects the build profile (e.g. "release", "debug") used to
	// resolve the kernel/bootloader binary paths.
	Profile string

	// RingCapacity is the number of entries each per-source ring buffer in
	// the Timeline holds before the oldest entry is evicted.
	RingCapacity int

	// CPULogExistsPoll is how often Timeline.CaptureCPULog checks for the log
	// file's existence before it has been created.
	CPULogExistsPoll time.Duration

	// CPULogTailPoll is how long Timeline.CaptureCPULog waits between EOF retries
	// once the file is open, tail -f style.
	CPULogTailPoll time.Duration

	// StopLatencyBudget is the acceptable upper bound on how long Stop()
	// may take to quiesce both producers.
	StopLatencyBudget time.Duration

	// ContextWindow is the number of LogEntry values collected around a
	// detected exception before the diagnostic engine runs.
	ContextWindow int
}

// Default returns Anvil's default configuration.
func Default() Config {
	return Config{
		Profile:           "release",
		RingCapacity:      5000,
		CPULogExistsPoll:  100 * time.Millisecond,
		CPULogTailPoll:    50 * time.Millisecond,
		StopLatencyBudget: 150 * time.Millisecond,
		ContextWindow:     100,
	}
}

// BuildDriver is the external collaborator that compiles kernel, bootloader
// and service binaries. Anvil's core never implements it; it only needs the
// kernel binary path to be stable once a build finishes.
type BuildDriver interface {
	Build(component string, profile string) error
}

// StagingBuilder is the external collaborator that stages build artifacts
// into a UEFI-shaped distribution directory.
type StagingBuilder interface {
	Stage(profile string) error
}
