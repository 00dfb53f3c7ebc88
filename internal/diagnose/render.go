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

package diagnose

import (
	"fmt"
	"strings"
)

// String renders a Diagnosis as plain text for a terminal or a log file.
func (d Diagnosis) String() string {
	var b strings.Builder

	exc := d.Exception
	fmt.Fprintf(&b, "Crash Detected: %s (%s)\n", exc.Name, exc.Code)
	if exc.RIP != "" {
		fmt.Fprintf(&b, "  RIP: %s\n", exc.RIP)
	}
	if exc.CR2 != "" {
		fmt.Fprintf(&b, "  CR2: %s\n", exc.CR2)
	}
	if exc.RSP != "" {
		fmt.Fprintf(&b, "  RSP: %s\n", exc.RSP)
	}
	if d.Symbol != nil {
		fmt.Fprintf(&b, "  Symbol: %s\n", d.Symbol.Name)
	}

	if len(d.RegisterAnalysis) > 0 {
		b.WriteString("\nRegister Analysis:\n")
		for _, f := range d.RegisterAnalysis {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}

	fmt.Fprintf(&b, "\nProbable Cause:\n  %s\n", strings.ReplaceAll(d.ProbableCause, "\n", "\n  "))

	if len(d.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for i, s := range d.Suggestions {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}

	if d.Disassembly != nil && len(d.Disassembly.Instructions) > 0 {
		b.WriteString("\nCode at RIP:\n")
		rip, _ := parseHexRegister(exc.RIP)
		n := len(d.Disassembly.Instructions)
		if n > 10 {
			n = 10
		}
		for _, ins := range d.Disassembly.Instructions[:n] {
			marker := " "
			if ins.Address == rip {
				marker = ">"
			}
			fmt.Fprintf(&b, "  %s 0x%016x: %s\n", marker, ins.Address, ins.Text)
		}
	}

	if len(d.Matched) > 0 {
		b.WriteString("\nKnown Patterns:\n")
		for _, p := range d.Matched {
			fmt.Fprintf(&b, "  - %s (%s)\n", p.Name, p.Severity)
		}
	}

	fmt.Fprintf(&b, "\nSeverity: %s\n", d.Severity)

	return b.String()
}
