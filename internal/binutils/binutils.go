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

// Package binutils inspects the kernel (ELF64) and bootloader (PE64+)
// binaries RedstoneOS produces: format validation, symbol resolution,
// localized disassembly and a forbidden-instruction scan. Format
// validation reads raw bytes at fixed offsets rather than using a
// section-table parser — see DESIGN.md for why debug/elf and debug/pe
// are the wrong tool here. Symbol lookup and disassembly shell out to
// binutils/addr2line through Gateway and never return a Go error for a
// missing or failing tool; they degrade to an empty result instead.
package binutils

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redstoneos/anvil/internal/errs"
	"github.com/redstoneos/anvil/internal/subproc"
)

const toolTimeout = 10 * time.Second

// ValidationResult is the shared shape returned by ValidateKernel and
// ValidateBootloader.
type ValidationResult struct {
	Success  bool
	Size     int64
	Checksum string // hex SHA-256 of the whole file
	Issues   []string
}

// Symbol is a named location inside a binary.
type Symbol struct {
	Name    string
	Address uint64
	Kind    string // nm's type letter, e.g. "T"; empty when resolved via addr2line
	File    string
	Line    int
}

// Instruction is one disassembled line: (address, mnemonic text).
type Instruction struct {
	Address uint64
	Text    string
}

// Disassembly is a localized disassembly window.
type Disassembly struct {
	Anchor       uint64
	Instructions []Instruction
	Symbol       *Symbol
}

// SSEViolation is one forbidden SSE/AVX instruction found in kernel code.
type SSEViolation struct {
	Address     uint64
	Instruction string
	Symbol      string
}

// Inspector runs objdump/nm/addr2line through a Gateway against the binary
// path each call is given.
type Inspector struct {
	Gateway subproc.Gateway
}

// New returns a ready-to-use Inspector.
func New() *Inspector { return &Inspector{} }

// ValidateKernel checks path against the ELF64, canonical-high-half-entry
// contract a RedstoneOS kernel must satisfy.
func (ins *Inspector) ValidateKernel(path string) (ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{}, &errs.FormatError{Path: path, Reason: err.Error()}
	}

	var issues []string
	if len(data) < 4 || data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		issues = append(issues, "missing ELF magic")
	}
	if len(data) < 5 || data[4] != 2 {
		issues = append(issues, "not a 64-bit ELF (EI_CLASS != 2)")
	}
	if len(data) < 32 {
		issues = append(issues, "file too short to contain an entry point")
	} else {
		entry := binary.LittleEndian.Uint64(data[24:32])
		if entry < 0xFFFFFFFF80000000 {
			issues = append(issues, fmt.Sprintf("entry point 0x%016x is not in the canonical high half", entry))
		}
	}

	sum := sha256.Sum256(data)
	return ValidationResult{
		Success:  len(issues) == 0,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
		Issues:   issues,
	}, nil
}

// ValidateBootloader checks path against the PE64+ (AMD64) contract a
// RedstoneOS UEFI bootloader must satisfy.
func (ins *Inspector) ValidateBootloader(path string) (ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{}, &errs.FormatError{Path: path, Reason: err.Error()}
	}

	var issues []string
	if len(data) < 2 || data[0] != 'M' || data[1] != 'Z' {
		issues = append(issues, "missing MZ magic")
	}
	if len(data) < 0x40 {
		issues = append(issues, "file too short to contain e_lfanew")
	} else {
		peOff := binary.LittleEndian.Uint32(data[0x3C:0x40])
		if int(peOff)+6 > len(data) {
			issues = append(issues, "PE header offset out of range")
		} else if string(data[peOff:peOff+4]) != "PE\x00\x00" {
			issues = append(issues, "missing PE\\0\\0 signature")
		} else {
			machine := binary.LittleEndian.Uint16(data[peOff+4 : peOff+6])
			if machine != 0x8664 {
				issues = append(issues, fmt.Sprintf("machine field 0x%04x is not AMD64 (0x8664)", machine))
			}
		}
	}

	sum := sha256.Sum256(data)
	return ValidationResult{
		Success:  len(issues) == 0,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
		Issues:   issues,
	}, nil
}

var symbolLine = regexp.MustCompile(`^\s*([0-9a-fA-F]+)\s+(\S)\s+(\S+)`)

// FindSymbol resolves address to the enclosing symbol in binary, preferring
// addr2line's demangled (name, file:line) pair and falling back to the
// greatest nm-listed symbol whose address is <= target. Returns nil, not an
// error, when nothing resolves.
func (ins *Inspector) FindSymbol(ctx context.Context, binaryPath string, address uint64) *Symbol {
	cmd := fmt.Sprintf("addr2line -C -f -e %s 0x%x", shQuote(binaryPath), address)
	res := ins.Gateway.Run(ctx, cmd, toolTimeout)
	if res.Success {
		lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
		if len(lines) >= 1 && lines[0] != "" && lines[0] != "??" {
			sym := &Symbol{Name: lines[0], Address: address}
			if len(lines) >= 2 {
				if file, line, ok := splitFileLine(lines[1]); ok {
					sym.File, sym.Line = file, line
				} else {
					sym.File = lines[1]
				}
			}
			return sym
		}
	}

	cmd = fmt.Sprintf("nm -C %s | sort -k1", shQuote(binaryPath))
	res = ins.Gateway.Run(ctx, cmd, toolTimeout)
	if !res.Success {
		return nil
	}

	var best *Symbol
	var bestAddr uint64
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := symbolLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		if addr <= address && addr >= bestAddr {
			bestAddr = addr
			best = &Symbol{Name: m[3], Address: addr, Kind: m[2]}
		}
	}
	return best
}

func splitFileLine(s string) (file string, line int, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

var (
	symbolHeaderLine = regexp.MustCompile(`<(.+)>:\s*$`)
	disasmLine       = regexp.MustCompile(`^\s*([0-9a-fA-F]+):\s+(.+)$`)
)

// DisassembleAt disassembles a window of context instructions around
// address (context instructions' worth before and after, at an assumed 4
// bytes/instruction average). Returns nil, not an error, if objdump fails.
func (ins *Inspector) DisassembleAt(ctx context.Context, binaryPath string, address uint64, contextLines int) *Disassembly {
	if contextLines <= 0 {
		contextLines = 20
	}
	span := uint64(contextLines * 4)
	start := uint64(0)
	if address > span {
		start = address - span
	}
	end := address + span

	cmd := fmt.Sprintf("objdump -d --no-show-raw-insn --start-address=0x%x --stop-address=0x%x %s",
		start, end, shQuote(binaryPath))
	res := ins.Gateway.Run(ctx, cmd, toolTimeout)
	if !res.Success {
		return nil
	}

	var (
		instrs     []Instruction
		curSymName string
		curSymAddr uint64
		anchorSym  *Symbol
	)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if m := symbolHeaderLine.FindStringSubmatch(line); m != nil {
			curSymName = m[1]
			if a := disasmLine.FindStringSubmatch(line); a != nil {
				if addr, err := strconv.ParseUint(a[1], 16, 64); err == nil {
					curSymAddr = addr
				}
			}
			continue
		}
		m := disasmLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		instrs = append(instrs, Instruction{Address: addr, Text: strings.TrimSpace(m[2])})
		if curSymName != "" && addr <= address {
			anchorSym = &Symbol{Name: curSymName, Address: curSymAddr}
		}
	}

	return &Disassembly{Anchor: address, Instructions: instrs, Symbol: anchorSym}
}

var sseForbidden = regexp.MustCompile(`(?i)\b(movaps|movups|movss|movsd)\b|` +
	`\b(addps|addss|subps|subss|mulps|mulss|divps|divss)\b|` +
	`\b(xmm|ymm|zmm)[0-9]+\b|` +
	`\b(vmov|vadd|vsub|vmul|vdiv)\w*\b|` +
	`\b(pxor|movdqa|movdqu|paddd|psubd)\b`)

// ScanSSE disassembles the entire binary and reports every line matching a
// forbidden SSE/AVX instruction pattern, tagged with its enclosing symbol.
func (ins *Inspector) ScanSSE(ctx context.Context, binaryPath string) ([]SSEViolation, error) {
	cmd := fmt.Sprintf("objdump -d %s", shQuote(binaryPath))
	res := ins.Gateway.Run(ctx, cmd, 60*time.Second)
	if !res.Success {
		return nil, &errs.ToolError{Tool: "objdump", Err: fmt.Errorf("%s", res.Stderr)}
	}

	var (
		violations []SSEViolation
		curSymbol  string
	)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if m := symbolHeaderLine.FindStringSubmatch(line); m != nil {
			curSymbol = m[1]
		}
		if !sseForbidden.MatchString(line) {
			continue
		}
		m := disasmLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		violations = append(violations, SSEViolation{
			Address:     addr,
			Instruction: strings.TrimSpace(line),
			Symbol:      curSymbol,
		})
	}
	return violations, nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
