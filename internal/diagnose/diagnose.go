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

// Package diagnose runs the seven-stage crash diagnosis pipeline: pattern
// matching, symbol resolution, disassembly, register analysis, probable
// cause, suggestions, and severity. Each stage is independent — a later stage
// failing (no kernel binary on disk, no tool installed) never voids an
// earlier stage's results.
package diagnose

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/redstoneos/anvil/internal/binutils"
	"github.com/redstoneos/anvil/internal/capture"
	"github.com/redstoneos/anvil/internal/detector"
	"github.com/redstoneos/anvil/internal/patterns"
)

// CrashInfo is the input to Analyze: a detected exception plus the log
// lines surrounding it.
type CrashInfo struct {
	Exception detector.CpuException
	Context   []capture.LogEntry
}

// Diagnosis is a complete crash analysis.
type Diagnosis struct {
	Exception detector.CpuException

	Symbol      *binutils.Symbol
	Disassembly *binutils.Disassembly
	Matched     []patterns.Pattern

	ProbableCause    string
	Suggestions      []string
	Severity         patterns.Severity
	RegisterAnalysis []string
	ContextLines     []capture.LogEntry
}

// Engine runs Analyze against a specific kernel binary through an
// Inspector.
type Engine struct {
	Inspector  *binutils.Inspector
	KernelPath func(profile string) string
}

// New returns an Engine. kernelPath resolves a build profile to the
// kernel binary path to inspect (see internal/paths.Resolver.KernelBinary).
func New(ins *binutils.Inspector, kernelPath func(profile string) string) *Engine {
	return &Engine{Inspector: ins, KernelPath: kernelPath}
}

var registerOccurrence = regexp.MustCompile(`\b([RE][A-Z0-9]+)=([0-9a-fA-F]+)`)

// Analyze runs the full pipeline over crash and returns a Diagnosis. It
// never returns an error: every stage degrades independently instead.
func (e *Engine) Analyze(ctx context.Context, crash CrashInfo, profile string) Diagnosis {
	d := Diagnosis{
		Exception:    crash.Exception,
		ContextLines: crash.Context,
		Severity:     patterns.Critical,
	}

	// Stage 1: pattern matching.
	var sb strings.Builder
	for _, entry := range crash.Context {
		sb.WriteString(entry.Text)
		sb.WriteByte('\n')
	}
	d.Matched = patterns.Find(sb.String())

	// Stage 2 & 3: symbol resolution and disassembly, only if RIP parses
	// and a non-empty kernel path is resolved for this profile.
	if rip, ok := parseHexRegister(crash.Exception.RIP); ok && e.KernelPath != nil {
		kernel := e.KernelPath(profile)
		if kernel != "" {
			d.Symbol = e.Inspector.FindSymbol(ctx, kernel, rip)
			d.Disassembly = e.Inspector.DisassembleAt(ctx, kernel, rip, 20)
		}
	}

	// Stage 4: register analysis.
	d.RegisterAnalysis = analyzeRegisters(crash.Context)

	// Stage 5: probable cause.
	d.ProbableCause = probableCause(d)

	// Stage 6: suggestions.
	d.Suggestions = suggestions(d)

	// Stage 7: severity.
	d.Severity = patterns.MaxSeverity(d.Matched)

	return d
}

func parseHexRegister(s string) (uint64, bool) {
	s = strings.TrimPrefix(s, "RIP=")
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var generalPurpose = map[string]bool{
	"RAX": true, "RBX": true, "RCX": true, "RDX": true,
	"RSI": true, "RDI": true, "RBP": true,
}

var nonCanonicalExempt = map[string]bool{
	"RIP": true, "RSP": true, "RFLAGS": true,
	"CR0": true, "CR2": true, "CR3": true, "CR4": true,
}

// analyzeRegisters scans context most-recent-first, keeping the first
// (i.e. last-seen) value of each register, stopping once both RIP and RAX
// have been seen or the context is exhausted.
func analyzeRegisters(context []capture.LogEntry) []string {
	regs := make(map[string]uint64)
	for i := len(context) - 1; i >= 0; i-- {
		for _, m := range registerOccurrence.FindAllStringSubmatch(context[i].Text, -1) {
			reg, valStr := m[1], m[2]
			if _, seen := regs[reg]; seen {
				continue
			}
			if v, err := strconv.ParseUint(valStr, 16, 64); err == nil {
				regs[reg] = v
			}
		}
		if _, ok := regs["RIP"]; ok {
			if _, ok := regs["RAX"]; ok {
				break
			}
		}
	}
	if len(regs) == 0 {
		return nil
	}

	var findings []string

	// Deterministic order so output (and tests) don't depend on Go's
	// randomized map iteration.
	names := make([]string, 0, len(regs))
	for r := range regs {
		names = append(names, r)
	}
	sort.Strings(names)

	for _, r := range names {
		if generalPurpose[r] && regs[r] == 0 {
			findings = append(findings, fmt.Sprintf("%s is NULL — may cause crash if dereferenced", r))
		}
	}
	for _, r := range names {
		if nonCanonicalExempt[r] || len(r) < 3 {
			continue
		}
		v := regs[r]
		canonical := v < 0x0000800000000000 || v >= 0xFFFF800000000000
		if !canonical && v > 0 {
			findings = append(findings, fmt.Sprintf("%s has non-canonical address 0x%016x (will cause #GP if accessed)", r, v))
		}
	}
	if rsp, ok := regs["RSP"]; ok {
		switch {
		case rsp == 0:
			findings = append(findings, "RSP is NULL — TSS may not be initialized")
		case rsp < 0x1000:
			findings = append(findings, fmt.Sprintf("RSP suspiciously low: 0x%x", rsp))
		}
	}
	return findings
}

var vectorCauses = map[int]string{
	0x00: "Division by zero",
	0x06: "Invalid instruction (possibly SSE in kernel)",
	0x08: "Double fault - likely stack overflow or corrupted IDT",
	0x0D: "Protection violation - invalid segment or privileged instruction",
}

func probableCause(d Diagnosis) string {
	if len(d.Matched) > 0 {
		cause := d.Matched[0].Diagnosis
		if d.Symbol != nil {
			cause += "\n\nLocation: " + d.Symbol.Name
		}
		return cause
	}
	if d.Exception.Vector == 0x0E {
		cr2 := d.Exception.CR2
		if cr2 == "" {
			cr2 = "unknown"
		}
		return "Page fault at address " + cr2
	}
	if cause, ok := vectorCauses[d.Exception.Vector]; ok {
		return cause
	}
	return fmt.Sprintf("Unknown exception (vector %d)", d.Exception.Vector)
}

func suggestions(d Diagnosis) []string {
	var out []string
	for _, p := range d.Matched {
		out = append(out, p.Remediation)
	}
	if d.Symbol != nil {
		out = append(out, fmt.Sprintf("Check function '%s'", d.Symbol.Name))
	}
	if d.Exception.Vector == 0x0E && d.Exception.CR2 != "" {
		if cr2, err := strconv.ParseUint(strings.TrimPrefix(d.Exception.CR2, "0x"), 16, 64); err == nil {
			switch {
			case cr2 < 0x1000:
				out = append(out, "NULL pointer dereference detected")
			case cr2&0xFFF == 0:
				out = append(out, "Unmapped page access (possible stack overflow)")
			}
		}
	}
	if d.Exception.Vector == 0x06 {
		out = append(out, "Run kernel SSE scan")
	}
	switch d.Exception.Vector {
	case 0x0A, 0x0B, 0x0C, 0x0D:
		if d.Exception.CS != "" || d.Exception.SS != "" {
			out = append(out, fmt.Sprintf("Check segment state: CS=%s SS=%s", d.Exception.CS, d.Exception.SS))
		}
	}
	if len(out) == 0 {
		out = append(out, "Analyze log context for more information")
	}
	return out
}
