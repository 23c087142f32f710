// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "dev"

// commandHandler is the interface every subcommand implements. The
// return value is the process exit code.
type commandHandler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var handlers = map[string]commandHandler{
	"version":   versionCommand{},
	"-version":  versionCommand{},
	"--version": versionCommand{},

	"align":        &aligncmd{},
	"filter-genes": &filterGenesCmd{},
	"stats":        &statscmd{},
}

type versionCommand struct{}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%s %s\n", prog, version)
	return 0
}

func usage(prog string, out io.Writer) {
	fmt.Fprintf(out, "usage: %s command [options]\n\navailable commands:\n", prog)
	var names []string
	for name := range handlers {
		if name[0] != '-' {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "    %s\n", name)
	}
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	if len(os.Args) < 2 {
		usage(os.Args[0], os.Stderr)
		os.Exit(2)
	}
	handler, ok := handlers[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: unrecognized command %q\n", os.Args[0], os.Args[1])
		usage(os.Args[0], os.Stderr)
		os.Exit(2)
	}
	os.Exit(handler.RunCommand(os.Args[0]+" "+os.Args[1], os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
