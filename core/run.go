package core

import (
	"sort"

	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// Run executes the workflow: validates the graph, creates the pipes,
// starts every job in reverse registration order, joins in forward
// order, and surfaces recorded exceptions as a *WorkflowError. The
// pipes are removed on every exit path.
func (w *Workflow) Run() error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.closePipes()
	return w.Join()
}

// Start is the split-API launch half: it validates the graph, creates
// the PipeSet and spawns all jobs in reverse data-flow order, so that
// every downstream reader is already blocked on open by the time its
// upstream writer opens. The PipeSet is held until Join.
func (w *Workflow) Start() error {
	if err := w.Check(); err != nil { // folds
		return err
	}
	names := w.PipeList()
	w.Debug().Strs("pipes", names).Msg("creating pipes")

	ps, err := fifo.Create(names, w.TotalPipeBuffer)
	if err != nil {
		return err
	}
	ps.Logger = w.Logger
	w.pipes.PipeSet = ps

	if err := w.startAll(); err != nil {
		w.closePipes()
		return err
	}
	return nil
}

// startAll spawns this workflow's entries in reverse registration
// order, expanding subworkflows in place.
func (w *Workflow) startAll() error {
	for i := len(w.entries) - 1; i >= 0; i-- {
		switch e := w.entries[i]; {
		case e.sub != nil:
			if err := e.sub.startAll(); err != nil {
				return err
			}
		default:
			w.Debug().Stringer("job", e.job).Msg("starting")
			if err := e.job.start(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Join is the split-API second half: it joins all jobs in forward
// registration order, tears the pipes down, logs every recorded
// exception line in sorted job order and, if there were any, returns
// a *WorkflowError. The result map stays readable either way.
func (w *Workflow) Join() error {
	if w.pipes.PipeSet == nil {
		return ErrNotStarted
	}
	err := w.joinAll()
	w.closePipes()
	if err != nil {
		return err
	}

	excs := w.Exceptions()
	if len(excs) == 0 {
		return nil
	}
	names := make([]string, 0, len(excs))
	for name := range excs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, line := range excs[name] {
			w.Error().Str("job", name).Msg(line)
		}
	}
	return &WorkflowError{Jobs: excs}
}

// joinAll joins this workflow's entries in forward registration
// order, expanding subworkflows in place.
func (w *Workflow) joinAll() error {
	for _, e := range w.entries {
		switch {
		case e.sub != nil:
			if err := e.sub.joinAll(); err != nil {
				return err
			}
		default:
			w.Debug().Stringer("job", e.job).Msg("waiting")
			if err := e.job.join(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Workflow) closePipes() {
	if ps := w.pipes.PipeSet; ps != nil {
		if err := ps.Close(); err != nil {
			w.Warn().Err(err).Msg("pipe teardown failed")
		}
	}
}
