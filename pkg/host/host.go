// Package host defines the boundary between the VM and its environment:
// printing a value, reading a clock, and reporting an error. The VM never
// writes to stdout/stderr or reads the system clock directly — it only
// ever calls through an Interface, so the same VM can run against a real
// terminal or a test recorder.
package host

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kristofer/loxvm/pkg/heap"
)

// Interface is the host boundary spec.md §6 describes: print, time, and
// print_error. A native `clock` global delegates to Time.
type Interface interface {
	Print(v heap.Value)
	Time() float64
	PrintError(err error)
}

// Default prints to stdout and logs errors through an injected *log.Logger
// (stderr by default), and reads the wall clock for Time.
type Default struct {
	Logger *log.Logger
}

// NewDefault returns a Default host logging to os.Stderr.
func NewDefault() *Default {
	return &Default{Logger: log.New(os.Stderr, "", 0)}
}

func (d *Default) Print(v heap.Value) {
	fmt.Println(heap.Stringify(v))
}

func (d *Default) Time() float64 {
	return float64(time.Now().UnixMilli())
}

func (d *Default) PrintError(err error) {
	d.Logger.Printf("[error] %v", err)
}

// Recorder accumulates printed values instead of writing them anywhere,
// for tests that assert on a program's observable output. Time is frozen
// at a fixed value so clock-dependent programs stay deterministic.
type Recorder struct {
	Printed []heap.Value
	Errors  []error
	Clock   float64
}

// NewRecorder returns a Recorder with its clock frozen at 0.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Print(v heap.Value) {
	r.Printed = append(r.Printed, v)
}

func (r *Recorder) Time() float64 {
	return r.Clock
}

func (r *Recorder) PrintError(err error) {
	r.Errors = append(r.Errors, err)
}

// Lines renders every printed value the way the Print opcode's output
// would look on a terminal, one per line — the shape most end-to-end
// tests want to assert against.
func (r *Recorder) Lines() []string {
	out := make([]string, len(r.Printed))
	for i, v := range r.Printed {
		out[i] = heap.Stringify(v)
	}
	return out
}
