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

// Package errs collects the error kinds the analysis pipeline distinguishes.
// None of these are ever panics: a tool failure or a malformed binary is
// reported as a value, not raised, so the pipeline stays live.
package errs

import "fmt"

// ToolError reports a subprocess (objdump/nm/addr2line) that could not be
// run or that failed. Callers degrade gracefully instead of propagating it.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// FormatError reports a binary that could not be read for format
// validation. Failed checks on a readable file (bad magic, wrong class,
// non-canonical entry point, ...) are listed in ValidationResult.Issues
// instead.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// ParseError reports a log line or subprocess output line that did not
// match the expected shape. The detector and binutils do not return it:
// they treat a line that does not parse as "nothing found here".
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}
