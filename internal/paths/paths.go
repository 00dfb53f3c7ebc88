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

// Package paths resolves the locations of build artifacts and log files
// relative to a single project-root anchor, and translates between the
// host's native path view and the emulator-host's path view.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver is anchored at a single project root. All other locations are
// computed from it.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver anchored at root.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the project root directory.
func (r *Resolver) Root() string { return r.root }

// KernelBinary returns the path to the compiled kernel binary for profile.
func (r *Resolver) KernelBinary(profile string) string {
	return filepath.Join(r.root, "forge", "target", "x86_64-redstone", profile, "forge")
}

// BootloaderBinary returns the path to the compiled UEFI bootloader.
func (r *Resolver) BootloaderBinary(profile string) string {
	return filepath.Join(r.root, "ignite", "target", "x86_64-unknown-uefi", profile, "ignite.efi")
}

// ServiceBinary returns the path to a compiled userspace service binary.
func (r *Resolver) ServiceBinary(name, profile string) string {
	return filepath.Join(r.root, "services", name, "target", "x86_64-unknown-none", profile, name)
}

// StagingDir returns the UEFI-shaped distribution staging directory.
func (r *Resolver) StagingDir() string {
	return filepath.Join(r.root, "dist", "qemu")
}

// SerialLog returns the path the emulator's guest serial output is
// persisted to.
func (r *Resolver) SerialLog() string {
	return filepath.Join(r.root, "dist", "qemu-serial.log")
}

// CPULog returns the path the emulator's internal CPU debug log (-D) is
// written to.
func (r *Resolver) CPULog() string {
	return filepath.Join(r.root, "dist", "qemu-internal.log")
}

// AnvilLogDir returns anvil's own log output directory.
func (r *Resolver) AnvilLogDir() string {
	return filepath.Join(r.root, "anvil", "log")
}

// EnsureDirs creates every directory the staging and logging layers need.
// Pure side effect, never called by the analysis pipeline itself — carried
// for the staging/CLI layer those directories belong to.
func (r *Resolver) EnsureDirs() error {
	dirs := []string{
		r.StagingDir(),
		filepath.Join(r.StagingDir(), "EFI", "BOOT"),
		filepath.Join(r.StagingDir(), "boot"),
		filepath.Join(r.StagingDir(), "system", "services"),
		r.AnvilLogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ToHost converts a native filesystem path to the path representation
// visible inside the emulator-host environment: if the first two bytes are
// "<LETTER>:", the drive letter is mapped to /mnt/<letter> and the
// remainder has its backslashes replaced with forward slashes; otherwise
// the input is returned with backslashes replaced by forward slashes.
func ToHost(p string) string {
	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		drive := strings.ToLower(string(p[0]))
		rest := strings.ReplaceAll(p[2:], "\\", "/")
		return "/mnt/" + drive + rest
	}
	return strings.ReplaceAll(p, "\\", "/")
}

// FromHost is the inverse of ToHost: an emulator-host path of the form
// /mnt/<letter>/... is converted back to a "<LETTER>:\..." native path; any
// other path has its forward slashes replaced with backslashes.
func FromHost(p string) string {
	const prefix = "/mnt/"
	if strings.HasPrefix(p, prefix) && len(p) > len(prefix) {
		rest := p[len(prefix):]
		drive := rest[0]
		if isASCIILetter(drive) && (len(rest) == 1 || rest[1] == '/') {
			tail := strings.ReplaceAll(rest[1:], "/", "\\")
			return strings.ToUpper(string(drive)) + ":" + tail
		}
	}
	return strings.ReplaceAll(p, "/", "\\")
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
