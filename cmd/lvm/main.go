// Command lvm runs the bytecode interpreter core against a compiled
// image file. The CLI itself is out of the CORE's scope (spec.md §1);
// this is the minimal collaborator spec.md §6 describes, built with
// cobra/pflag the way several of the retrieved emulator and diagnostic
// tool repos in this corpus structure their command-line entry points.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/image"
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/machine"
	"github.com/progminer/lvm/internal/preprocess"
)

var (
	flagTrace       bool
	flagGCStats     bool
	flagInitialHeap uint64
)

func main() {
	root := &cobra.Command{
		Use:          "lvm <bytecode-file>",
		Short:        "Run a compiled bytecode image",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}

	root.Flags().BoolVar(&flagTrace, "trace", false, "print each dispatched instruction to stderr")
	root.Flags().BoolVar(&flagGCStats, "gc-stats", false, "print collection counts and bytes copied on exit")
	root.Flags().Uint64Var(&flagInitialHeap, "initial-heap", 1<<16, "initial size in bytes of each heap semi-space")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func run(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	img, err := image.Load(raw)
	if err != nil {
		return err
	}

	prog, err := preprocess.Build(img)
	if err != nil {
		return err
	}

	h := heap.New(flagInitialHeap, flagGCStats)
	m := machine.New(img, prog, h, os.Stdin, os.Stdout, flagTrace)

	runErr := m.Run()

	if flagGCStats {
		collections, bytesCopied := h.Stats()
		fmt.Fprintf(os.Stderr, "gc: %d collections, %d bytes copied\n", collections, bytesCopied)
	}

	return runErr
}

// exitCodeFor maps the two-category diagnostic (spec.md §6/§7) onto a
// process exit code: 1 for an ill-formed image, 2 for a runtime
// failure, and cobra's own usage/argument errors fall through to 1.
func exitCodeFor(err error) int {
	var lvErr lverr.Error
	if ok := asLverr(err, &lvErr); ok {
		fmt.Fprintf(os.Stderr, "%s: %s\n", lvErr.Kind(), lvErr.Error())
		if lvErr.Kind() == lverr.CategoryRuntime {
			return 2
		}
		return 1
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

func asLverr(err error, target *lverr.Error) bool {
	if e, ok := err.(lverr.Error); ok {
		*target = e
		return true
	}
	return false
}
