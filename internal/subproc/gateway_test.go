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

package subproc

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	var gw Gateway
	res := gw.Run(context.Background(), "echo hello", 0)
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("Run() = %+v, want success", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	var gw Gateway
	res := gw.Run(context.Background(), "exit 7", 0)
	if res.Success {
		t.Fatalf("Run() = %+v, want failure", res)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestRunToolNotFound(t *testing.T) {
	var gw Gateway
	res := gw.Run(context.Background(), "definitely-not-a-real-binary-xyz", 0)
	if res.Success {
		t.Fatalf("Run() = %+v, want failure", res)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("Stderr is empty, want an explanatory message")
	}
}

func TestRunTimeout(t *testing.T) {
	var gw Gateway
	res := gw.Run(context.Background(), "sleep 5", 20*time.Millisecond)
	if res.Success {
		t.Fatalf("Run() = %+v, want failure", res)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want mention of timeout", res.Stderr)
	}
}
