package core

import (
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// Func is the body of a job. It runs concurrently with every other
// job of the workflow and talks to its peers only through the
// endpoints bound on the Task. The returned value is published under
// the job name in the workflow result map.
type Func func(t *Task) (any, error)

// JobSpec describes one job before registration: its name pattern,
// function, endpoint bindings and plain arguments.
type JobSpec struct {
	// Name pattern; {workflow} and {n} are substituted at
	// registration ("{workflow}.worker{n}" -> wf.worker0, ...).
	// Empty means "{workflow}.job{n}".
	Name string

	Func Func

	// Endpoints maps argument keywords to pipe declarations.
	Endpoints map[string]fifo.Endpoint

	// Scalars maps argument keywords to plain values.
	Scalars map[string]any

	// ReopenInputs / ReopenOutputs multiply the balance contribution
	// of each reader / writer endpoint, for jobs that open and close
	// the same pipe several times. Zero means 1.
	ReopenInputs  int
	ReopenOutputs int
}

func (js *JobSpec) reopen(d fifo.Dir) int {
	n := js.ReopenInputs
	if d == fifo.Writer {
		n = js.ReopenOutputs
	}
	return max(1, n)
}

// Task is what a Func receives: open handles for managed endpoints,
// raw paths for unmanaged ones, the declared scalars, and the job
// internals (name, logger, pipe buffer size).
type Task struct {
	zerolog.Logger

	Name    string
	BufSize int

	files   map[string][]*os.File
	paths   map[string][]string
	scalars map[string]any
}

// File returns the open handle of a managed fan=1 endpoint. Misuse
// panics; the job boundary records the panic as the job's exception.
func (t *Task) File(key string) *os.File {
	fs := t.Files(key)
	if len(fs) != 1 {
		panic(fmt.Sprintf("endpoint %q: want a single pipe, have %d", key, len(fs)))
	}
	return fs[0]
}

// Files returns the open handles of a managed fanned endpoint.
func (t *Task) Files(key string) []*os.File {
	fs, ok := t.files[key]
	if !ok {
		panic(fmt.Sprintf("no managed endpoint %q", key))
	}
	return fs
}

// Path returns the raw path of an unmanaged fan=1 endpoint.
func (t *Task) Path(key string) string {
	ps := t.Paths(key)
	if len(ps) != 1 {
		panic(fmt.Sprintf("endpoint %q: want a single pipe, have %d", key, len(ps)))
	}
	return ps[0]
}

// Paths returns the raw paths of an unmanaged fanned endpoint.
func (t *Task) Paths(key string) []string {
	ps, ok := t.paths[key]
	if !ok {
		panic(fmt.Sprintf("no unmanaged endpoint %q", key))
	}
	return ps
}

// Scalar returns the plain argument declared under key, or nil.
func (t *Task) Scalar(key string) any {
	return t.scalars[key]
}

// String returns a string scalar ("" when absent).
func (t *Task) String(key string) string {
	v, _ := t.scalars[key].(string)
	return v
}

// Strings returns a string-slice scalar (nil when absent).
func (t *Task) Strings(key string) []string {
	v, _ := t.scalars[key].([]string)
	return v
}

// Int returns an int scalar (0 when absent).
func (t *Task) Int(key string) int {
	v, _ := t.scalars[key].(int)
	return v
}

// Counter returns a per-job counter exported on the status endpoint.
func (t *Task) Counter(name string) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		fmt.Sprintf(`fifoflow_%s_total{job=%q}`, name, t.Name))
}

// Job is a registered stage: a spec bound to a workflow under a
// rendered name. One run per job; start requires no prior run, join a
// running one.
type Job struct {
	name string
	spec JobSpec
	w    *Workflow
	done chan struct{}
}

func (j *Job) Name() string { return j.name }

func (j *Job) String() string {
	return fmt.Sprintf("Job(%s)", j.name)
}

func (j *Job) start() error {
	if j.done != nil {
		return fmt.Errorf("%s: %w", j.name, ErrJobStarted)
	}
	j.done = make(chan struct{})
	go j.run()
	return nil
}

func (j *Job) join() error {
	if j.done == nil {
		return fmt.Errorf("%s: %w", j.name, ErrJobNotStarted)
	}
	<-j.done
	j.done = nil
	return nil
}

// run executes the job function with its endpoints opened or
// resolved. Any failure, including a panic, is recorded in the
// workflow exception map and the job still exits normally so that
// peers observe EOF on their pipes instead of deadlocking.
func (j *Job) run() {
	defer close(j.done)

	t := &Task{
		Logger:  j.w.With().Str("job", j.name).Logger(),
		Name:    j.name,
		BufSize: j.w.pipes.BufSize,
		files:   make(map[string][]*os.File),
		paths:   make(map[string][]string),
		scalars: j.spec.Scalars,
	}

	var openedW, openedR []*os.File
	defer func() {
		if r := recover(); r != nil {
			j.fail(fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
		// writers first, so downstream peers observe EOF promptly
		for _, f := range openedW {
			f.Close()
		}
		for _, f := range openedR {
			f.Close()
		}
	}()

	// bind endpoints in deterministic keyword order
	for _, key := range sortedKeys(j.spec.Endpoints) {
		ep := j.spec.Endpoints[key]
		names, err := ep.Names()
		if err != nil {
			j.fail(err, "")
			return
		}
		for _, name := range names {
			if ep.Managed {
				f, err := j.w.pipes.Open(name, ep.Dir)
				if err != nil {
					j.fail(fmt.Errorf("open %s: %w", name, err), "")
					return
				}
				if ep.Dir == fifo.Writer {
					openedW = append(openedW, f)
				} else {
					openedR = append(openedR, f)
				}
				t.files[key] = append(t.files[key], f)
			} else {
				path, err := j.w.pipes.Path(name)
				if err != nil {
					j.fail(err, "")
					return
				}
				t.paths[key] = append(t.paths[key], path)
			}
		}
	}

	res, err := j.spec.Func(t)
	if err != nil {
		j.fail(err, "")
		return
	}
	j.w.results.Store(j.name, res)
}

// fail records the job's exception under its name.
func (j *Job) fail(err error, stack string) {
	j.w.Error().Err(err).Str("job", j.name).Msg("job failed")
	lines := []string{err.Error()}
	if stack != "" {
		lines = append(lines, strings.Split(strings.TrimSpace(stack), "\n")...)
	}
	j.w.excs.Store(j.name, lines)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
