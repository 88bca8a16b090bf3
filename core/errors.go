package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnbalanced    = errors.New("fifo has unbalanced readers and writers")
	ErrFanMismatch   = errors.New("endpoint fan differs from an earlier declaration")
	ErrNoFunc        = errors.New("job has no function")
	ErrNoReader      = errors.New("job declares no reader endpoint")
	ErrNoWriter      = errors.New("job declares no writer endpoint")
	ErrJobStarted    = errors.New("job already started")
	ErrJobNotStarted = errors.New("job not started")
	ErrNotStarted    = errors.New("workflow not started")
)

// WorkflowError aggregates the exceptions recorded by jobs during a
// run. Jobs maps job name to the captured trace lines.
type WorkflowError struct {
	Jobs map[string][]string
}

func (e *WorkflowError) Error() string {
	names := make([]string, 0, len(e.Jobs))
	for name := range e.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("unhandled exceptions in %d job(s): %s",
		len(names), strings.Join(names, ", "))
}
