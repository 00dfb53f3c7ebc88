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

package detector

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestPageFaultScenario is an end-to-end page-fault detection scenario.
func TestPageFaultScenario(t *testing.T) {
	d := New()
	lines := []string{
		"RIP=ffffffff80001234 RSP=ffffffff8fff0000",
		"RAX=0000000000000000 RBX=0000000000000010",
		"check_exception old: 0xffffffff new 0xe",
		"v=0e e=0002 IP=0010:ffffffff80001234 pc=ffffffff80001234 SP=0010:ffffffff8fff0000 env->regs[R_EAX]=0 CR2=0000000000000000",
	}
	var exc *CpuException
	for _, l := range lines {
		if e := d.Detect(l); e != nil {
			exc = e
		}
	}
	if exc == nil {
		t.Fatal("no exception detected")
	}
	if exc.Vector != 0x0E {
		t.Errorf("Vector = 0x%02X, want 0x0E", exc.Vector)
	}
	if exc.Code != "#PF" {
		t.Errorf("Code = %q, want #PF", exc.Code)
	}
	if exc.RIP != "ffffffff80001234" {
		t.Errorf("RIP = %q", exc.RIP)
	}
	if exc.CR2 != "0000000000000000" {
		t.Errorf("CR2 = %q", exc.CR2)
	}
}

// TestInvalidOpcodeScenario is end-to-end scenario 2.
func TestInvalidOpcodeScenario(t *testing.T) {
	d := New()
	d.Detect("RIP=ffffffff80010000")
	exc := d.Detect("check_exception v=06 e=0000")
	if exc == nil {
		t.Fatal("no exception detected")
	}
	if exc.Vector != 0x06 || exc.Code != "#UD" {
		t.Errorf("got vector=0x%02X code=%q, want 0x06 #UD", exc.Vector, exc.Code)
	}
}

// TestDoubleFaultRSPZeroScenario is end-to-end scenario 3.
func TestDoubleFaultRSPZeroScenario(t *testing.T) {
	d := New()
	d.Detect("RSP=0000000000000000")
	d.Detect("RIP=ffffffff80000000")
	exc := d.Detect("check_exception v=08 e=0000")
	if exc == nil {
		t.Fatal("no exception detected")
	}
	if exc.Vector != 0x08 || exc.Code != "#DF" {
		t.Errorf("got vector=0x%02X code=%q, want 0x08 #DF", exc.Vector, exc.Code)
	}
	if exc.RSP != "0000000000000000" {
		t.Errorf("RSP = %q, want all zero", exc.RSP)
	}
}

func TestUnknownVectorFormatting(t *testing.T) {
	d := New()
	exc := d.Detect("check_exception v=1f e=0000")
	if exc == nil {
		t.Fatal("no exception detected")
	}
	if exc.Name != "Exception 31" {
		t.Errorf("Name = %q, want %q", exc.Name, "Exception 31")
	}
	if exc.Code != "#0x1F" {
		t.Errorf("Code = %q, want #0x1F", exc.Code)
	}
}

func TestNoExceptionOnPlainLine(t *testing.T) {
	d := New()
	if exc := d.Detect("RedstoneOS kernel booting..."); exc != nil {
		t.Errorf("Detect() = %+v, want nil", exc)
	}
}

func TestIngestIdempotentWithoutRegisters(t *testing.T) {
	d := New()
	d.Ingest("RIP=ffffffff80000000 RAX=0000000000000001")
	before := d.Registers()
	d.Ingest("a perfectly ordinary log line with no registers in it")
	after := d.Registers()
	if len(before) != len(after) {
		t.Fatalf("register count changed: %v -> %v", before, after)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Registers() changed on a line with no registers (-before +after):\n%s", diff)
	}
}

func TestRecentInterruptsCap(t *testing.T) {
	d := New()
	for i := 0; i < 15; i++ {
		d.Ingest("Servicing hardware INT=0x20")
	}
	if got := len(d.RecentInterrupts()); got != recentInterruptsCap {
		t.Errorf("RecentInterrupts() length = %d, want %d", got, recentInterruptsCap)
	}
}

func TestVectorInvariant(t *testing.T) {
	d := New()
	for vec := 0; vec <= 0x1F; vec++ {
		if vec == 0x09 || vec == 0x0F {
			continue
		}
		line := hexLine(vec)
		exc := d.Detect(line)
		if exc == nil {
			t.Fatalf("vector 0x%02X: no exception detected for %q", vec, line)
		}
		if _, known := exceptionTable[vec]; !known {
			if len(exc.Name) < len("Exception ") || exc.Name[:len("Exception ")] != "Exception " {
				t.Errorf("vector 0x%02X: Name = %q, want Exception prefix", vec, exc.Name)
			}
		}
	}
}

func hexLine(vec int) string {
	return "check_exception v=" + hex2(vec) + " e=0000"
}
