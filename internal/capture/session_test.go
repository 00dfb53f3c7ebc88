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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// failingReader returns a fixed error on its first Read, simulating a
// serial device that drops out mid-session.
type failingReader struct{ err error }

func (r *failingReader) Read(p []byte) (int, error) { return 0, r.err }

func TestSessionOneProducerErrorDoesNotCancelTheOther(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu.log")

	tl := NewTimeline(50)
	serialErr := errors.New("serial device disconnected")

	sess := NewSession(context.Background(), tl, &failingReader{err: serialErr}, path, 5*time.Millisecond, 5*time.Millisecond)

	// The serial producer fails almost immediately. The cpu-log producer
	// must keep running and keep capturing lines appended afterward.
	time.Sleep(20 * time.Millisecond)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Let the cpu-log producer open the still-empty file and seek to its
	// end; lines written before it opens the file are not captured.
	time.Sleep(50 * time.Millisecond)
	f.WriteString("still running\n")
	f.Sync()

	waitForTotal(t, tl, 1)
	f.Close()

	sess.Stop()
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case err := <-waitErr:
		if !errors.Is(err, serialErr) {
			t.Errorf("Wait() = %v, want %v", err, serialErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return within 1s of Stop()")
	}

	got := tl.RecentCPU(10)
	if len(got) != 1 || got[0].Text != "still running" {
		t.Errorf("RecentCPU = %+v, want the line captured after the serial error", got)
	}
}
