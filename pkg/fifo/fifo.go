// Package fifo manages the kernel named pipes a workflow runs on: a
// PipeSet creates and tears down the pipes under a private temporary
// directory, and Endpoints declare how stages take part in them.
package fifo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// DefaultBudget is the total pipe buffer budget shared by all pipes.
	DefaultBudget = 16 << 20

	// MinBufSize is the per-pipe capacity floor.
	MinBufSize = 64 << 10

	// MaxBufSize caps the per-pipe capacity at the kernel's default
	// limit for unprivileged processes.
	MaxBufSize = 1 << 20

	pageSize = 4096
)

var (
	ErrResourceExhausted = errors.New("pipe buffer budget exhausted")
	ErrNameConflict      = errors.New("fifo path already exists")
	ErrUnknownPipe       = errors.New("unknown pipe name")
)

// PipeSet owns a set of named pipes under a private 0700 temporary
// directory. One PipeSet backs one top-level workflow run; every pipe
// gets the same kernel capacity, computed from the shared budget.
type PipeSet struct {
	zerolog.Logger

	Base    string // temporary directory holding the pipes
	BufSize int    // kernel capacity requested per pipe

	names []string
	paths map[string]string
}

// Create makes one named pipe per name under a fresh private directory
// and computes the uniform per-pipe buffer size from budget (bytes,
// <=0 means DefaultBudget). The size is clamped to
// [MinBufSize, MaxBufSize] and rounded down to a page multiple; a
// share under the floor fails with ErrResourceExhausted.
func Create(names []string, budget int) (*PipeSet, error) {
	if len(names) == 0 {
		return nil, errors.New("no pipe names given")
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	size := budget / len(names)
	size = min(size, MaxBufSize)
	size = size / pageSize * pageSize
	if size < MinBufSize {
		return nil, fmt.Errorf("%w: %d bytes over %d pipes leaves %d per pipe (floor %d)",
			ErrResourceExhausted, budget, len(names), size, MinBufSize)
	}

	base, err := os.MkdirTemp("", "fifoflow-")
	if err != nil {
		return nil, err
	}

	ps := &PipeSet{
		Logger:  log.With().Str("base", base).Logger(),
		Base:    base,
		BufSize: size,
		names:   slices.Clone(names),
		paths:   make(map[string]string, len(names)),
	}
	slices.Sort(ps.names)

	for _, name := range ps.names {
		path := filepath.Join(base, name)
		if _, err := os.Lstat(path); err == nil {
			ps.Close()
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, path)
		}
		if err := unix.Mkfifo(path, 0600); err != nil {
			ps.Close()
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
		ps.paths[name] = path
	}

	ps.Debug().Int("pipes", len(names)).Int("buf_size", size).Msg("created pipes")
	return ps, nil
}

// Path resolves a logical pipe name to its on-disk path.
func (ps *PipeSet) Path(name string) (string, error) {
	path, ok := ps.paths[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPipe, name)
	}
	return path, nil
}

// List returns the logical pipe names, sorted.
func (ps *PipeSet) List() []string {
	return slices.Clone(ps.names)
}

// Open opens a pipe in the given direction and raises its kernel
// capacity to ps.BufSize. The open blocks until the other end shows
// up. A refused capacity request is fatal here: this entry point is
// for the runtime itself, which sized the budget on the assumption
// the request succeeds.
func (ps *PipeSet) Open(name string, d Dir) (*os.File, error) {
	path, err := ps.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := open(path, d)
	if err != nil {
		return nil, err
	}
	if err := setPipeSize(f, ps.BufSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: F_SETPIPE_SZ(%d) on %s: %v",
			ErrResourceExhausted, ps.BufSize, path, err)
	}
	return f, nil
}

// OpenPath opens an arbitrary path in the given direction and tries
// to set the pipe capacity. Unlike PipeSet.Open it only warns when
// the capacity request is refused: unmanaged consumers receive plain
// paths and may legitimately point at regular files or /dev streams.
func OpenPath(path string, d Dir, bufSize int, log zerolog.Logger) (*os.File, error) {
	f, err := open(path, d)
	if err != nil {
		return nil, err
	}
	if bufSize > 0 {
		if err := setPipeSize(f, bufSize); err != nil {
			log.Warn().Err(err).Str("path", path).Int("buf_size", bufSize).
				Msg("could not set pipe capacity, is it a fifo?")
		}
	}
	return f, nil
}

// Close unlinks all pipes and removes the base directory. Safe to
// call more than once.
func (ps *PipeSet) Close() error {
	if ps.Base == "" {
		return nil
	}
	err := os.RemoveAll(ps.Base)
	ps.Base = ""
	return err
}

func open(path string, d Dir) (*os.File, error) {
	switch d {
	case Reader:
		return os.OpenFile(path, os.O_RDONLY, 0)
	default:
		return os.OpenFile(path, os.O_WRONLY, 0)
	}
}

func setPipeSize(f *os.File, size int) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_SETPIPE_SZ, size)
	return err
}
