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

// Package logging provides the logger Anvil's analysis pipeline writes to.
// Writers can be added and removed at any time (AddWriter/RemoveWriter) so a
// terminal UI front-end can mirror messages without the pipeline knowing it
// exists.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
)

// Logger is the interface the analysis pipeline logs through.
type Logger interface {
	Info(format string, args ...interface{})
	Success(format string, args ...interface{})
	Warning(format string, args ...interface{})
	Error(format string, args ...interface{})
	Step(format string, args ...interface{})
	Header(title string)
	Raw(message string)

	// AddWriter adds an additional destination for every message, regardless
	// of level. Returns an error if w is already registered.
	AddWriter(w io.Writer, flag int) error
	// RemoveWriter stops writing to w. Returns an error if w was never added.
	RemoveWriter(w io.Writer) error
}

// logger is the default Logger implementation: a set of *log.Logger, one per
// registered io.Writer, fanned out on every call.
type logger struct {
	mu      sync.Mutex
	writers map[io.Writer]*log.Logger
}

// New returns a Logger with a single writer, w, already registered.
func New(w io.Writer, flag int) Logger {
	l := &logger{writers: make(map[io.Writer]*log.Logger)}
	_ = l.AddWriter(w, flag)
	return l
}

func (l *logger) AddWriter(w io.Writer, flag int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.writers[w]; ok {
		return fmt.Errorf("logging: writer %v already added", w)
	}
	l.writers[w] = log.New(w, "", flag)
	return nil
}

func (l *logger) RemoveWriter(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.writers[w]; !ok {
		return fmt.Errorf("logging: writer %v not registered", w)
	}
	delete(l.writers, w)
	return nil
}

func (l *logger) print(prefix, format string, args ...interface{}) {
	msg := prefix + fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		w.Print(msg)
	}
}

func (l *logger) Info(format string, args ...interface{})    { l.print("info: ", format, args...) }
func (l *logger) Success(format string, args ...interface{}) { l.print("ok: ", format, args...) }
func (l *logger) Warning(format string, args ...interface{}) { l.print("warn: ", format, args...) }
func (l *logger) Error(format string, args ...interface{})   { l.print("error: ", format, args...) }
func (l *logger) Step(format string, args ...interface{})    { l.print("  -> ", format, args...) }

func (l *logger) Header(title string) {
	rule := "----------------------------------------"
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		w.Print(rule)
		w.Print("  " + title)
		w.Print(rule)
	}
}

func (l *logger) Raw(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		w.Print(message)
	}
}

type contextKey struct{}

// NewContext returns a context derived from ctx that carries lg.
func NewContext(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, lg)
}

// FromContext returns the Logger attached to ctx, if any.
func FromContext(ctx context.Context) (Logger, bool) {
	lg, ok := ctx.Value(contextKey{}).(Logger)
	return lg, ok
}
