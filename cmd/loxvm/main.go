// Command loxvm is the CLI entry point: it resolves, compiles, and runs
// a script file, or opens an interactive REPL when given none, per
// spec.md §6's `<program> [script_path]` contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/kristofer/loxvm/pkg/bytecode"
	"github.com/kristofer/loxvm/pkg/compiler"
	"github.com/kristofer/loxvm/pkg/heap"
	"github.com/kristofer/loxvm/pkg/host"
	"github.com/kristofer/loxvm/pkg/lexer"
	"github.com/kristofer/loxvm/pkg/parser"
	"github.com/kristofer/loxvm/pkg/resolver"
	"github.com/kristofer/loxvm/pkg/vm"
)

// exit codes follow the sysexits.h convention spec.md §6 suggests.
const (
	exitOK       = 0
	exitDataErr  = 65 // compile-time or run-time error in the program itself
	exitNoInput  = 66 // script file could not be read
)

func main() {
	var trace, gcStats bool
	var gcThreshold int64

	app := &cli.Command{
		Name:  "loxvm",
		Usage: "a bytecode compiler and virtual machine for a small class-based scripting language",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "trace",
				Usage:       "disassemble each chunk before running it",
				Destination: &trace,
			},
			&cli.BoolFlag{
				Name:        "gc-stats",
				Usage:       "print heap occupancy after the run completes",
				Destination: &gcStats,
			},
			&cli.IntFlag{
				Name:        "gc-threshold",
				Usage:       "opcode dispatches between automatic collections (0 disables automatic GC)",
				Value:       256,
				Destination: &gcThreshold,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sink := host.NewDefault()
			h := heap.New(int(gcThreshold))

			args := cmd.Args().Slice()
			switch len(args) {
			case 0:
				runREPL(h, sink, trace)
				return nil
			case 1:
				return runFile(args[0], h, sink, trace, gcStats)
			default:
				fmt.Fprintln(os.Stderr, "usage: loxvm [--trace] [--gc-stats] [--gc-threshold N] [script]")
				os.Exit(exitDataErr)
				return nil
			}
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDataErr)
	}
}

// runFile reads, resolves, compiles, and runs one script. On any failure it
// reports the error and exits the process; otherwise it returns nil.
func runFile(path string, h *heap.Heap, sink host.Interface, trace, gcStats bool) error {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loxvm: %v\n", err)
		os.Exit(exitNoInput)
	}

	machine := vm.New(nil, h, sink)
	if err := compileAndRun(string(src), machine, h, sink, trace); err != nil {
		sink.PrintError(err)
		os.Exit(exitDataErr)
	}
	if gcStats {
		printGCStats(h)
	}
	return nil
}

// runREPL opens an interactive prompt over one persistent VM so that
// declarations accumulate across lines, mirroring original_source's
// tree-walking runner adapted to the bytecode pipeline.
func runREPL(h *heap.Heap, sink host.Interface, trace bool) {
	prompt := "> "
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		prompt = ""
	}

	rl, err := readline.NewEx(&readline.Config{Prompt: prompt})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loxvm: %v\n", err)
		os.Exit(exitDataErr)
	}
	defer rl.Close()

	machine := vm.New(nil, h, sink)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return
			}
			fmt.Fprintf(os.Stderr, "loxvm: %v\n", err)
			return
		}
		if line == "" {
			continue
		}
		if err := compileAndRun(line, machine, h, sink, trace); err != nil {
			sink.PrintError(err)
		}
	}
}

// compileAndRun resolves and compiles src, installs its constants into
// machine, disassembles when trace is set, and runs it to completion.
func compileAndRun(src string, machine *vm.VM, h *heap.Heap, sink host.Interface, trace bool) error {
	p := parser.New(lexer.New(src))
	prog, parseErrs := p.Parse()
	if len(parseErrs) > 0 {
		return parseErrs[0]
	}

	if errs := resolver.Resolve(prog); len(errs) > 0 {
		return errs[0]
	}

	script, constants, errs := compiler.CompileIncremental(prog, machine.Constants())
	if len(errs) > 0 {
		return errs[0]
	}

	if trace {
		rendered := make([]interface{}, len(constants))
		for i, c := range constants {
			rendered[i] = c
		}
		fmt.Fprintln(os.Stderr, bytecode.Disassemble(scriptName(script), script.Chunk, rendered))
	}

	machine.SetConstants(constants)
	return machine.Run(script)
}

func scriptName(script *heap.FunctionSpec) string {
	if script.Name == "" {
		return "<script>"
	}
	return script.Name
}

func printGCStats(h *heap.Heap) {
	fmt.Fprintf(os.Stderr, "gc: %s live / %s allocated\n",
		humanize.Comma(int64(h.Live())), humanize.Comma(int64(h.Allocated())))
}
