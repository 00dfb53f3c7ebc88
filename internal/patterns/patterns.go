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

// Package patterns is the process-wide, immutable Pattern registry: a
// declarative set of (regex, diagnosis, remediation, severity) rules.
// Patterns themselves stay purely declarative — regex compilation never
// lives on the struct; a separate package-level table built once at init
// time holds the compiled form.
package patterns

import "regexp"

// Severity orders info < warning < critical.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	default:
		return "critical"
	}
}

// Pattern is a declarative diagnosis rule. Immutable after registration.
type Pattern struct {
	Name        string
	Trigger     string // regex source, case-insensitive
	Diagnosis   string
	Remediation string
	Severity    Severity
}

// seed is the built-in pattern set, in registry declaration order — that
// order is what "first match" means when choosing a probable cause.
var seed = []Pattern{
	{
		Name:        "page_fault",
		Trigger:     `v=0e|check_exception.*0xe`,
		Diagnosis:   "The CPU raised a page fault (#PF): the instruction at RIP accessed a linear address with no valid, permitted page table mapping.",
		Remediation: "Check the faulting address (CR2) against your page table setup; verify the page is mapped and its permission bits match the access.",
		Severity:    Critical,
	},
	{
		Name:        "general_protection",
		Trigger:     `v=0d|check_exception.*0xd`,
		Diagnosis:   "The CPU raised a general protection fault (#GP): a segment, privilege, or canonical-address check failed.",
		Remediation: "Check segment selectors, privilege level transitions, and whether any accessed address is non-canonical.",
		Severity:    Critical,
	},
	{
		Name:        "double_fault",
		Trigger:     `v=08|check_exception.*0x8`,
		Diagnosis:   "The CPU raised a double fault (#DF): a second exception occurred while servicing the first, usually because the handler itself faulted.",
		Remediation: "Check the stack pointer used by the fault handler and the IDT entry's IST/stack selection; a corrupt kernel stack is a common cause.",
		Severity:    Critical,
	},
	{
		Name:        "invalid_opcode",
		Trigger:     `v=06|check_exception.*0x6`,
		Diagnosis:   "The CPU raised an invalid opcode fault (#UD): the instruction at RIP is not valid in the current mode.",
		Remediation: "Disassemble the code around RIP and confirm the compiler did not emit an instruction set extension unavailable or disabled at this privilege level.",
		Severity:    Critical,
	},
	{
		Name:        "divide_error",
		Trigger:     `v=00|check_exception.*0x0`,
		Diagnosis:   "The CPU raised a divide error (#DE): an integer division by zero or a quotient that overflowed the destination.",
		Remediation: "Check the operands of the most recent division near RIP for a zero divisor or an overflowing result.",
		Severity:    Critical,
	},
	{
		Name:        "sse_in_kernel",
		Trigger:     `v=06.*RIP=ffffffff|#UD.*kernel`,
		Diagnosis:   "An invalid opcode fault in kernel-space code is frequently the compiler emitting SSE/AVX instructions the kernel never set up (no FPU/SSE init, or CR0/CR4 bits not configured).",
		Remediation: "Run a kernel SSE/AVX instruction scan on the kernel binary and rebuild the offending translation unit with the kernel's restricted target feature set.",
		Severity:    Critical,
	},
	{
		Name:        "stack_overflow_guard",
		Trigger:     `v=0e.*guard|CR2=.*0{6,}`,
		Diagnosis:   "A page fault at a heavily-zeroed or guard-adjacent address is consistent with a stack overflow running into an unmapped guard page.",
		Remediation: "Check recursion depth and stack-frame sizes near RIP; consider enlarging the kernel stack or adding a guard-page trap handler.",
		Severity:    Critical,
	},
	{
		Name:        "null_pointer",
		Trigger:     `v=0e.*CR2=0{8,16}|CR2=0x0[^0-9a-fA-F]`,
		Diagnosis:   "A page fault at address zero (or near it) is a classic NULL pointer dereference.",
		Remediation: "Check the pointer most recently loaded into the faulting register for an un-initialized or failed-allocation value.",
		Severity:    Critical,
	},
	{
		Name:        "rsp_null",
		// The "RSP is NULL" alternative only ever appears in Anvil's own
		// register-analysis findings, never in emulator logs, so it can self-match
		// against prior diagnostic output. Kept as-is rather than guessed at.
		Trigger:     `RSP=0{16}|RSP is NULL`,
		Diagnosis:   "RSP is zero: the stack pointer was never initialized for this context (commonly a TSS/IST misconfiguration).",
		Remediation: "Check TSS.RSP0 (or the relevant IST slot) is programmed before this context can take a fault.",
		Severity:    Critical,
	},
	{
		Name:        "heap_corruption",
		Trigger:     `slab.*corrupt|heap.*invalid|alloc.*fail`,
		Diagnosis:   "The heap allocator reported corruption or an allocation failure shortly before the fault.",
		Remediation: "Check for use-after-free or buffer overrun in recently freed/allocated objects; run with allocator poisoning enabled if available.",
		Severity:    Critical,
	},
	{
		Name:        "timer_storm",
		Trigger:     `(INT=0x20.*){10,}|timer.*overflow`,
		Diagnosis:   "The timer interrupt fired far more often than expected in a short window, consistent with a misconfigured PIT/APIC timer or a handler that re-arms too aggressively.",
		Remediation: "Check the timer's reload/divisor configuration and confirm the interrupt handler acknowledges (EOIs) before returning.",
		Severity:    Warning,
	},
	{
		Name:        "iret_corruption",
		Trigger:     `iret.*invalid|v=0d.*iret`,
		Diagnosis:   "An IRET with an invalid stack frame triggered a general protection fault on return from an interrupt/exception handler.",
		Remediation: "Check the interrupt return frame constructed by the handler (CS/SS selectors, RFLAGS reserved bits) before IRET.",
		Severity:    Critical,
	},
	{
		Name:        "unimplemented_msr",
		Trigger:     `unimplemented.*msr|ignored.*msr`,
		Diagnosis:   "The guest accessed a model-specific register the emulator doesn't implement; the access was silently ignored rather than faulting.",
		Remediation: "Check whether the kernel actually needs this MSR, or guard the access behind a CPUID feature check.",
		Severity:    Info,
	},
	{
		Name:        "cr0_flip",
		Trigger:     `CR0.*update.*(WP|PE).*multiple|CR0.*(clear|set){2,}`,
		Diagnosis:   "CR0's WP or PE bit was toggled multiple times in quick succession, which usually indicates redundant or racing control-register setup code.",
		Remediation: "Check for duplicate CR0 configuration between early boot and later initialization paths.",
		Severity:    Warning,
	},
}

// compiled holds each seed Pattern's compiled regex, built once at package
// initialization and keyed by declaration index — never stored on Pattern
// itself.
var compiled = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(seed))
	for i, p := range seed {
		out[i] = regexp.MustCompile(`(?i)` + p.Trigger)
	}
	return out
}()

// All returns every registered Pattern, in declaration order.
func All() []Pattern {
	out := make([]Pattern, len(seed))
	copy(out, seed)
	return out
}

// Find returns every Pattern whose trigger matches text, in registry
// declaration order.
func Find(text string) []Pattern {
	var out []Pattern
	for i, re := range compiled {
		if re.MatchString(text) {
			out = append(out, seed[i])
		}
	}
	return out
}

// MaxSeverity returns the maximum severity among patterns, or Critical if
// patterns is empty — an unrecognized crash is treated as the worst case.
func MaxSeverity(matched []Pattern) Severity {
	if len(matched) == 0 {
		return Critical
	}
	max := matched[0].Severity
	for _, p := range matched[1:] {
		if p.Severity > max {
			max = p.Severity
		}
	}
	return max
}
