// Package core implements the workflow graph model and the process
// orchestrator: jobs are declared against logical pipe names, the
// graph is balance-checked, and the runtime executes every job
// concurrently over kernel named pipes created for the run.
package core

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// entry is one slot of the start/join sweep: a job or an inlined
// subworkflow.
type entry struct {
	job *Job
	sub *Workflow
}

// Workflow is the graph builder and owner of the run: it registers
// jobs, tracks the signed per-pipe balance (readers minus writers),
// renders job names, and validates that every pipe has at least one
// reader and one writer before anything starts.
type Workflow struct {
	zerolog.Logger

	Name string

	// TotalPipeBuffer is the pipe buffer budget in bytes shared by
	// all pipes of the run. Zero means fifo.DefaultBudget.
	TotalPipeBuffer int

	entries []entry
	subs    []*Workflow

	balance map[string]int
	readers map[string][]string
	writers map[string][]string
	fans    map[string]int // per logical name template

	jobCountByPattern map[string]int

	results *xsync.Map[string, any]
	excs    *xsync.Map[string, []string]

	pipes  *sharedPipes
	folded bool
}

// sharedPipes shares the PipeSet pointer between a workflow and its
// subworkflows, which are registered before the set exists.
type sharedPipes struct {
	*fifo.PipeSet
}

// New creates an empty workflow logging to stderr.
func New(name string) *Workflow {
	w := &Workflow{
		Name:              name,
		balance:           make(map[string]int),
		readers:           make(map[string][]string),
		writers:           make(map[string][]string),
		fans:              make(map[string]int),
		jobCountByPattern: make(map[string]int),
		results:           xsync.NewMap[string, any](),
		excs:              xsync.NewMap[string, []string](),
		pipes:             &sharedPipes{},
	}
	w.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Str("workflow", name).Logger()
	return w
}

// renderName renders a job name pattern with the workflow name and a
// per-pattern counter that increments on every use.
func (w *Workflow) renderName(pattern string) string {
	n := w.jobCountByPattern[pattern]
	w.jobCountByPattern[pattern]++
	name := strings.ReplaceAll(pattern, "{workflow}", w.Name)
	return strings.ReplaceAll(name, "{n}", strconv.Itoa(n))
}

// Add registers a job. The endpoint declarations adjust the per-pipe
// balance; the job itself runs only once the workflow starts.
func (w *Workflow) Add(spec JobSpec) (*Job, error) {
	if spec.Func == nil {
		return nil, ErrNoFunc
	}
	if spec.Name == "" {
		spec.Name = "{workflow}.job{n}"
	}
	name := w.renderName(spec.Name)

	for _, key := range sortedKeys(spec.Endpoints) {
		ep := spec.Endpoints[key]
		names, err := ep.Names()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if fan, ok := w.fans[ep.Name]; ok && fan != ep.Fan {
			return nil, fmt.Errorf("%s: endpoint %q: fan %d vs %d: %w",
				name, ep.Name, ep.Fan, fan, ErrFanMismatch)
		}
		w.fans[ep.Name] = ep.Fan

		for _, pn := range names {
			if ep.Dir == fifo.Reader {
				w.balance[pn] += spec.reopen(fifo.Reader)
				w.readers[pn] = append(w.readers[pn], name)
			} else {
				w.balance[pn] -= spec.reopen(fifo.Writer)
				w.writers[pn] = append(w.writers[pn], name)
			}
		}
	}

	j := &Job{name: name, spec: spec, w: w}
	w.entries = append(w.entries, entry{job: j})
	w.Debug().Stringer("job", j).
		Int("endpoints", len(spec.Endpoints)).Msg("registered job")
	return j, nil
}

// Reader registers a source job; it must write at least one pipe.
func (w *Workflow) Reader(spec JobSpec) (*Job, error) {
	if spec.Name == "" {
		spec.Name = "{workflow}.reader{n}"
	}
	if countDir(spec.Endpoints, fifo.Writer) < 1 {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrNoWriter)
	}
	return w.Add(spec)
}

// Funnel registers a sink job; it must read at least one pipe.
func (w *Workflow) Funnel(spec JobSpec) (*Job, error) {
	if spec.Name == "" {
		spec.Name = "{workflow}.funnel{n}"
	}
	if countDir(spec.Endpoints, fifo.Reader) < 1 {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrNoReader)
	}
	return w.Add(spec)
}

// Workers registers n copies of spec, one per pipe of each fanned
// endpoint: copy i binds every endpoint at index i, so
// Read("dist{n}") becomes dist0, dist1, ... across the copies.
func (w *Workflow) Workers(spec JobSpec, n int) error {
	if spec.Name == "" {
		spec.Name = "{workflow}.worker{n}"
	}
	if countDir(spec.Endpoints, fifo.Reader) < 1 {
		return fmt.Errorf("%s: %w", spec.Name, ErrNoReader)
	}
	for i := 0; i < n; i++ {
		ws := spec
		ws.Endpoints = make(map[string]fifo.Endpoint, len(spec.Endpoints))
		for key, ep := range spec.Endpoints {
			ws.Endpoints[key] = ep.At(i)
		}
		if _, err := w.Add(ws); err != nil {
			return err
		}
	}
	return nil
}

// Sub creates a subworkflow inlined at this position of the sweep.
// It shares the parent's pipes and result/exception maps; its balance
// is folded into the parent's before the pre-launch check.
func (w *Workflow) Sub(name string) *Workflow {
	sub := New(name)
	sub.results = w.results
	sub.excs = w.excs
	sub.pipes = w.pipes
	w.subs = append(w.subs, sub)
	w.entries = append(w.entries, entry{sub: sub})
	return sub
}

// fold merges every subworkflow's balance, readers and writers into
// the parent. Runs once per workflow.
func (w *Workflow) fold() {
	if w.folded {
		return
	}
	w.folded = true
	for _, sub := range w.subs {
		sub.fold()
		for name, jobs := range sub.readers {
			w.readers[name] = append(w.readers[name], jobs...)
		}
		for name, jobs := range sub.writers {
			w.writers[name] = append(w.writers[name], jobs...)
		}
		for name, bal := range sub.balance {
			w.balance[name] += bal
		}
	}
}

// Check validates the folded graph: every pipe needs at least one
// reader and one writer, ie. a zero balance.
func (w *Workflow) Check() error {
	w.fold()
	var bad string
	for _, name := range w.PipeList() {
		switch bal := w.balance[name]; {
		case bal > 0:
			w.Error().Str("fifo", name).Int("balance", bal).
				Strs("readers", w.readers[name]).Msg("fifo has a reader but no writer")
			bad = name
		case bal < 0:
			w.Error().Str("fifo", name).Int("balance", bal).
				Strs("writers", w.writers[name]).Msg("fifo has a writer but no reader")
			bad = name
		}
	}
	if bad != "" {
		return fmt.Errorf("workflow %q has deadlocking fifo %q: %w",
			w.Name, bad, ErrUnbalanced)
	}
	return nil
}

// PipeList returns the sorted logical names of every pipe the folded
// workflow will create.
func (w *Workflow) PipeList() []string {
	names := make([]string, 0, len(w.balance))
	for name := range w.balance {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PipeDir returns the directory holding the pipes of the current
// run, or "" when no run is active.
func (w *Workflow) PipeDir() string {
	if ps := w.pipes.PipeSet; ps != nil {
		return ps.Base
	}
	return ""
}

// Results returns a snapshot of the per-job return values.
func (w *Workflow) Results() map[string]any {
	res := make(map[string]any)
	w.results.Range(func(k string, v any) bool {
		res[k] = v
		return true
	})
	return res
}

// Exceptions returns a snapshot of the per-job exception traces.
func (w *Workflow) Exceptions() map[string][]string {
	res := make(map[string][]string)
	w.excs.Range(func(k string, v []string) bool {
		res[k] = v
		return true
	})
	return res
}

// String renders the graph as one line per pipe: writers -> name -> readers.
func (w *Workflow) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow(%s)", w.Name)
	for _, name := range w.PipeList() {
		fmt.Fprintf(&b, "\n  %s -> %s -> %s",
			strings.Join(w.writers[name], ","), name,
			strings.Join(w.readers[name], ","))
	}
	return b.String()
}

func countDir(eps map[string]fifo.Endpoint, d fifo.Dir) int {
	n := 0
	for _, ep := range eps {
		if ep.Dir == d {
			n++
		}
	}
	return n
}
