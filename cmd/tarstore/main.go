// tarstore serves the partitioned files of an uncompressed tar archive as a
// read-only object store.
//
// Usage:
//
//	tarstore <command> [flags] [archive]
//
// Commands:
//
//	index    build or load the archive index and print its statistics
//	ls       list objects, optionally one level at a time
//	head     print object metadata as JSON
//	get      write an object, or a byte range of it, to stdout or a file
//	extract  write every object to a directory
//	peek     stage one object and check its Parquet framing
//	serve    serve objects over HTTP
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/meigma/tarstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tarstore: %v\n", err)
		if errors.Is(err, tarstore.ErrArchiveCorrupt) {
			fmt.Fprintln(os.Stderr, "tarstore: the archive holds a file without a date=YYYY-MM-DD/ partition; no index was built")
		}
		os.Exit(1)
	}
}

// command is one subcommand.
type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"index", "build or load the archive index and print its statistics", runIndex},
	{"ls", "list objects, optionally one level at a time", runList},
	{"head", "print object metadata as JSON", runHead},
	{"get", "write an object, or a byte range of it, to stdout or a file", runGet},
	{"extract", "write every object to a directory", runExtract},
	{"peek", "stage one object and check its Parquet framing", runPeek},
	{"serve", "serve objects over HTTP", runServe},
}

// env carries the output streams of one invocation.
type env struct {
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e := &env{stdout: stdout, stderr: stderr}
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return errors.New("no command given")
		}
		return nil
	}

	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(ctx, e, args[1:])
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: tarstore <command> [flags] [archive]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintf(w, "\nRun 'tarstore <command> --help' for command flags.\n")
}
