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

// Anvil watches a running RedstoneOS guest's serial and CPU-exception logs,
// detects crashes as they happen, and turns them into a diagnosis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/redstoneos/anvil/internal/logging"
)

const signalChannelSize = 3

var lg logging.Logger

// installSignalHandler arranges for a SIGINT/SIGTERM to unwind any raw
// terminal state before the process exits.
func installSignalHandler(restore func()) {
	sc := make(chan os.Signal, signalChannelSize)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sc
		restore()
		fmt.Fprintf(os.Stderr, "\ncaught %v; exiting\n", sig)
		os.Exit(1)
	}()
}

func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&monitorCmd{}, "")
	subcommands.Register(&diagnoseCmd{}, "")

	verbose := flag.Bool("verbose", false, "prefix each log line with a file:line location")
	flag.Parse()

	flags := log.Ldate | log.Ltime
	if *verbose {
		flags |= log.Lshortfile
	}
	lg = logging.New(os.Stdout, flags)

	return int(subcommands.Execute(context.Background()))
}

func main() {
	os.Exit(doMain())
}
