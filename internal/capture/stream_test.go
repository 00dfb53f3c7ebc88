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

package capture

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCaptureSerialSequenceAndDelivery(t *testing.T) {
	tl := NewTimeline(100)

	var mu sync.Mutex
	var delivered []LogEntry
	tl.AddObserver(func(e LogEntry) {
		mu.Lock()
		delivered = append(delivered, e)
		mu.Unlock()
	})

	input := "line one\nline two\nline three\n"
	err := tl.CaptureSerial(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("CaptureSerial: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("delivered %d entries, want 3", len(delivered))
	}
	for i, e := range delivered {
		wantSeq := uint64(i + 1)
		if e.Sequence != wantSeq {
			t.Errorf("entry %d: Sequence = %d, want %d", i, e.Sequence, wantSeq)
		}
		if e.Source != SourceSerial {
			t.Errorf("entry %d: Source = %v, want serial", i, e.Source)
		}
	}
	if delivered[0].Text != "line one" || delivered[2].Text != "line three" {
		t.Errorf("unexpected text: %+v", delivered)
	}
	if tl.TotalLines() != 3 {
		t.Errorf("TotalLines() = %d, want 3", tl.TotalLines())
	}
}

func TestCaptureSerialReplacesInvalidUTF8(t *testing.T) {
	tl := NewTimeline(10)

	var delivered []LogEntry
	tl.AddObserver(func(e LogEntry) { delivered = append(delivered, e) })

	// 0xFF is never valid in UTF-8, standing in for a garbled byte on the
	// wire (e.g. a dropped bit on the guest's serial line).
	input := []byte("garbled: \xff\xfe line\n")
	if err := tl.CaptureSerial(context.Background(), bytes.NewReader(input)); err != nil {
		t.Fatalf("CaptureSerial: %v", err)
	}

	if len(delivered) != 1 {
		t.Fatalf("delivered %d entries, want 1", len(delivered))
	}
	if !strings.Contains(delivered[0].Text, "�") {
		t.Errorf("Text = %q, want U+FFFD replacement characters", delivered[0].Text)
	}
	if bytes.IndexByte([]byte(delivered[0].Text), 0xFF) != -1 {
		t.Errorf("Text = %q, want no raw invalid bytes", delivered[0].Text)
	}
}

func TestRingEviction(t *testing.T) {
	tl := NewTimeline(3)
	for i := 0; i < 10; i++ {
		tl.append(SourceSerial, strconv.Itoa(i))
	}
	recent := tl.RecentSerial(10)
	if len(recent) != 3 {
		t.Fatalf("RecentSerial(10) returned %d entries, want 3 (capacity)", len(recent))
	}
	if recent[0].Text != "7" || recent[2].Text != "9" {
		t.Errorf("recent = %+v, want oldest-first tail [7 8 9]", recent)
	}
}

func TestRecentFewerThanCapacity(t *testing.T) {
	tl := NewTimeline(50)
	tl.append(SourceSerial, "a")
	tl.append(SourceSerial, "b")
	got := tl.RecentSerial(10)
	if len(got) != 2 {
		t.Fatalf("RecentSerial(10) = %d entries, want min(10, 2) = 2", len(got))
	}
}

func TestSearch(t *testing.T) {
	tl := NewTimeline(50)
	tl.append(SourceCPULog, "check_exception v=0e e=0002")
	tl.append(SourceCPULog, "RIP=ffffffff80000000")
	tl.append(SourceSerial, "boot ok")

	re := regexp.MustCompile(`v=0e`)
	got := tl.Search(re)
	if len(got) != 1 || got[0].Text != "check_exception v=0e e=0002" {
		t.Errorf("Search(v=0e) = %+v, want one matching entry", got)
	}
}

func TestCaptureCPULogTailFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu.log")

	tl := NewTimeline(50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tl.CaptureCPULog(ctx, path, 5*time.Millisecond, 5*time.Millisecond)
	}()

	// File doesn't exist yet: capture must poll, not error.
	time.Sleep(20 * time.Millisecond)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Let the producer open the still-empty file and seek to its end;
	// lines written before it opens the file are not captured.
	time.Sleep(50 * time.Millisecond)
	f.WriteString("first line\n")
	f.Sync()

	waitForTotal(t, tl, 1)

	f.WriteString("second line\n")
	f.Sync()
	waitForTotal(t, tl, 2)
	f.Close()

	tl.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CaptureCPULog returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CaptureCPULog did not stop within 1s of Stop()")
	}

	got := tl.RecentCPU(10)
	if len(got) != 2 || got[0].Text != "first line" || got[1].Text != "second line" {
		t.Errorf("RecentCPU = %+v", got)
	}
}

func waitForTotal(t *testing.T, tl *Timeline, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tl.TotalLines() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("TotalLines() never reached %d, stuck at %d", want, tl.TotalLines())
}
