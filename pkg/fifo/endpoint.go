package fifo

import (
	"fmt"
	"strconv"
	"strings"
)

// Dir is the direction a stage opens a pipe in.
type Dir int

const (
	Reader Dir = iota
	Writer
)

func (d Dir) String() string {
	if d == Reader {
		return "reader"
	}
	return "writer"
}

// Endpoint declares a stage's participation in a named pipe: which
// logical name, in which direction, over how many pipes, and whether
// the runtime opens the pipe on the stage's behalf (managed) or hands
// the raw path over (unmanaged, for stages that shell out or open in
// a special mode).
//
// A name containing the {n} placeholder combined with Fan > 1 expands
// to Fan concrete pipes (dist{n} -> dist0, dist1, ...).
type Endpoint struct {
	Name    string
	Dir     Dir
	Fan     int
	Managed bool
	Bin     bool // binary stream, informational
}

// Read declares a single managed reader endpoint.
func Read(name string) Endpoint {
	return Endpoint{Name: name, Dir: Reader, Fan: 1, Managed: true}
}

// Write declares a single managed writer endpoint.
func Write(name string) Endpoint {
	return Endpoint{Name: name, Dir: Writer, Fan: 1, Managed: true}
}

// ReadFan declares a managed reader endpoint over fan pipes.
func ReadFan(name string, fan int) Endpoint {
	return Endpoint{Name: name, Dir: Reader, Fan: fan, Managed: true}
}

// WriteFan declares a managed writer endpoint over fan pipes.
func WriteFan(name string, fan int) Endpoint {
	return Endpoint{Name: name, Dir: Writer, Fan: fan, Managed: true}
}

// Unmanaged returns a copy that receives raw paths instead of open handles.
func (e Endpoint) Unmanaged() Endpoint {
	e.Managed = false
	return e
}

// Binary returns a copy flagged as an opaque byte stream.
func (e Endpoint) Binary() Endpoint {
	e.Bin = true
	return e
}

// At returns a copy bound to pipe i of a fanned name: the {n}
// placeholder is substituted and the fan collapses to 1. Used when a
// worker owns exactly one pipe out of a collection.
func (e Endpoint) At(i int) Endpoint {
	e.Name = expandName(e.Name, i)
	e.Fan = 1
	return e
}

// IsZero reports whether e is the zero Endpoint (ie. not declared).
func (e Endpoint) IsZero() bool {
	return e.Name == ""
}

// Names expands the endpoint to its concrete pipe names.
func (e Endpoint) Names() ([]string, error) {
	if e.Fan < 1 {
		return nil, fmt.Errorf("endpoint %q: fan must be >= 1", e.Name)
	}
	if e.Fan == 1 {
		return []string{e.Name}, nil
	}
	if !strings.Contains(e.Name, "{n}") {
		return nil, fmt.Errorf("endpoint %q: fan=%d needs a {n} placeholder", e.Name, e.Fan)
	}
	names := make([]string, e.Fan)
	for i := range names {
		names[i] = expandName(e.Name, i)
	}
	return names, nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s[%s fan=%d managed=%v]", e.Name, e.Dir, e.Fan, e.Managed)
}

func expandName(name string, i int) string {
	return strings.ReplaceAll(name, "{n}", strconv.Itoa(i))
}
