package parts

import (
	"bufio"
	"io"
	"sort"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// Counter returns a worker spec that counts the lines of its input
// pipe and publishes the count.
func Counter(in fifo.Endpoint) core.JobSpec {
	return core.JobSpec{
		Func:      lineCounter,
		Endpoints: map[string]fifo.Endpoint{"input": in},
	}
}

func lineCounter(t *core.Task) (any, error) {
	n := 0
	br := bufio.NewReaderSize(t.File("input"), t.BufSize)
	for {
		line, err := nextLine(br, nil)
		if line != nil {
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// HeaderCount is the result of a HeaderCounter worker.
type HeaderCount struct {
	Header int
	Body   int
}

// HeaderCounter returns a worker spec that counts the leading lines
// matched by detect separately from the rest of the stream.
func HeaderCounter(in fifo.Endpoint, detect func([]byte) bool) core.JobSpec {
	return core.JobSpec{
		Func:      headerCounter,
		Endpoints: map[string]fifo.Endpoint{"input": in},
		Scalars:   map[string]any{"detect": detect},
	}
}

func headerCounter(t *core.Task) (any, error) {
	detect := t.Scalar("detect").(func([]byte) bool)
	res := HeaderCount{}
	inHeader := true
	br := bufio.NewReaderSize(t.File("input"), t.BufSize)
	for {
		line, err := nextLine(br, nil)
		if line != nil {
			if inHeader && detect(line) {
				res.Header++
			} else {
				inHeader = false
				res.Body++
			}
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Passthrough returns a worker spec that copies its input pipe to its
// output pipe record by record and publishes the record count.
func Passthrough(in, out fifo.Endpoint) core.JobSpec {
	return core.JobSpec{
		Func: passthrough,
		Endpoints: map[string]fifo.Endpoint{
			"input":  in,
			"output": out,
		},
	}
}

func passthrough(t *core.Task) (any, error) {
	n := 0
	br := bufio.NewReaderSize(t.File("input"), t.BufSize)
	out := bufio.NewWriterSize(t.File("output"), t.BufSize)
	for {
		line, err := nextLine(br, nil)
		if line != nil {
			if _, werr := out.Write(line); werr != nil {
				return nil, werr
			}
			n++
		}
		if err == io.EOF {
			return n, out.Flush()
		}
		if err != nil {
			return nil, err
		}
	}
}

// Serializer returns a funnel spec that concatenates its fanned
// inputs into the output in input order, one input drained fully
// before the next.
func Serializer(inputs, output fifo.Endpoint) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.serializer{n}",
		Func: serializer,
		Endpoints: map[string]fifo.Endpoint{
			"inputs": inputs,
			"output": output,
		},
	}
}

func serializer(t *core.Task) (any, error) {
	out := t.File("output")
	var total int64
	for _, in := range t.Files("inputs") {
		n, err := io.Copy(out, in)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return total, nil
}

// Counts accumulates named tallies inside a worker; merged copies of
// it are a convenient published result for counting stages.
type Counts map[string]float64

// Count increments key by one.
func (c Counts) Count(key string) { c[key]++ }

// Add increments key by v.
func (c Counts) Add(key string, v float64) { c[key] += v }

// Merge folds other into c.
func (c Counts) Merge(other Counts) {
	for k, v := range other {
		c[k] += v
	}
}

// Keys returns the tally names, sorted.
func (c Counts) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
