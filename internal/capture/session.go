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
	"io"
	"syscall"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

// Session runs the serial and CPU-log producers concurrently and joins
// them. An I/O error in one producer terminates only that producer — the
// two run under the same parent context but neither's failure cancels the
// other — so Session.Wait only ever returns an error once both producers
// have stopped, and it reports the first one encountered.
type Session struct {
	Timeline *Timeline

	g *errgroup.Group
}

// NewSession starts capturing serial and the cpu log concurrently. Either
// producer can be omitted by passing a nil stream or an empty cpuLogPath.
//
// A bare errgroup.Group is used rather than errgroup.WithContext: the
// latter cancels a shared derived context the instant either goroutine
// returns a non-nil error, which would make one producer's plain I/O
// failure tear down the other. Both producers instead watch the same
// parent ctx (cancelled only by the caller) and Timeline.Stop().
func NewSession(ctx context.Context, tl *Timeline, serialStream io.Reader, cpuLogPath string, cfgExistsPoll, cfgTailPoll time.Duration) *Session {
	var g errgroup.Group
	s := &Session{Timeline: tl, g: &g}

	if serialStream != nil {
		g.Go(func() error {
			return tl.CaptureSerial(ctx, serialStream)
		})
	}
	if cpuLogPath != "" {
		g.Go(func() error {
			return tl.CaptureCPULog(ctx, cpuLogPath, cfgExistsPoll, cfgTailPoll)
		})
	}
	return s
}

// Stop requests both producers to exit at their next line boundary.
func (s *Session) Stop() { s.Timeline.Stop() }

// Wait blocks until both producers have returned, then detaches every
// observer and returns the first producer error, if any. A cancelled
// context is not reported as an error.
func (s *Session) Wait() error {
	err := s.g.Wait()
	s.Timeline.RemoveAllObservers()
	if err == context.Canceled {
		return nil
	}
	return err
}

// serialReader wraps a serial.Port with an EINTR-retry loop: on some
// platforms a blocking read surfaces EINTR when the runtime switches
// goroutines, which is not a real error and must simply be retried.
type serialReader struct {
	port serial.Port
}

// OpenSerialPort opens a real host serial device as an io.ReadCloser
// suitable for CaptureSerial, for setups where the guest's serial output is
// wired to actual hardware rather than the emulator's own stdio pipe.
func OpenSerialPort(device string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return &serialReader{port: port}, nil
}

func (r *serialReader) Read(p []byte) (int, error) {
	for {
		n, err := r.port.Read(p)
		if isRetryableSyscallError(err) {
			continue
		}
		return n, err
	}
}

func (r *serialReader) Close() error { return r.port.Close() }

func isRetryableSyscallError(err error) bool {
	const eIntr = 4
	if errno, ok := err.(syscall.Errno); ok {
		return errno == eIntr
	}
	return false
}
