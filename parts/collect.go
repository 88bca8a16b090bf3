package parts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

var ErrHeaderSource = errors.New("header fifo and custom header are mutually exclusive")

// CollectConfig configures a collector: N input pipes merged into one
// output stream, round-robin in input order by chunks of ChunkSize
// records, optionally prefixed with a header.
type CollectConfig struct {
	Inputs fifo.Endpoint // fanned reader
	Output fifo.Endpoint // single writer; or see OutputPath

	// OutputPath sinks straight to a file path (eg. /dev/stdout)
	// instead of a pipe. Mutually exclusive with Output.
	OutputPath string

	// ChunkSize is the number of records drained from one input
	// before the cursor advances to the next.
	ChunkSize int

	// HeaderFifo, when declared, is drained to EOF and written to
	// the output before any body record.
	HeaderFifo fifo.Endpoint

	// CustomHeader is a literal header string written before any
	// body record. Mutually exclusive with HeaderFifo.
	CustomHeader string
}

// CollectResult is the collector's published result.
type CollectResult struct {
	HeaderBytes int64
	Records     int64 // body records written
}

// Collect returns the collector job spec for cfg. Endpoints are bound
// unmanaged; the collector opens output, header and inputs in that
// order, mirroring the distributor.
func Collect(cfg CollectConfig) core.JobSpec {
	eps := map[string]fifo.Endpoint{
		"inputs": cfg.Inputs.Unmanaged(),
	}
	if !cfg.Output.IsZero() {
		eps["output"] = cfg.Output.Unmanaged()
	}
	if !cfg.HeaderFifo.IsZero() {
		eps["header"] = cfg.HeaderFifo.Unmanaged()
	}
	return core.JobSpec{
		Name:      "{workflow}.collect{n}",
		Func:      collector,
		Endpoints: eps,
		Scalars:   map[string]any{"cfg": cfg},
	}
}

func collector(t *core.Task) (any, error) {
	cfg := t.Scalar("cfg").(CollectConfig)
	if cfg.ChunkSize < 1 {
		return nil, ErrChunkSize
	}
	if !cfg.HeaderFifo.IsZero() && cfg.CustomHeader != "" {
		return nil, ErrHeaderSource
	}

	// output first: its reader is already blocked on open
	var (
		outFile *os.File
		err     error
	)
	if cfg.OutputPath != "" {
		outFile, err = os.OpenFile(cfg.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	} else {
		outFile, err = fifo.OpenPath(t.Path("output"), fifo.Writer, t.BufSize, t.Logger)
	}
	if err != nil {
		return nil, err
	}
	defer outFile.Close()
	out := bufio.NewWriterSize(outFile, t.BufSize)

	res := &CollectResult{}

	// header before any body record
	switch {
	case !cfg.HeaderFifo.IsZero():
		hf, err := fifo.OpenPath(t.Path("header"), fifo.Reader, t.BufSize, t.Logger)
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(out, hf)
		hf.Close()
		if err != nil {
			return nil, fmt.Errorf("header fifo: %w", err)
		}
		res.HeaderBytes = n
	case cfg.CustomHeader != "":
		n, err := out.WriteString(cfg.CustomHeader)
		if err != nil {
			return nil, err
		}
		res.HeaderBytes = int64(n)
	}

	inPaths := t.Paths("inputs")
	files := make([]*os.File, len(inPaths))
	ins := make([]*bufio.Reader, len(inPaths))
	for i, path := range inPaths {
		f, err := fifo.OpenPath(path, fifo.Reader, t.BufSize, t.Logger)
		if err != nil {
			closeAll(files[:i])
			return nil, err
		}
		files[i] = f
		ins[i] = bufio.NewReaderSize(f, t.BufSize)
	}
	defer closeAll(files)

	records := t.Counter("records_in")
	progress := NewProgress(t.Logger, 0)

	// round-robin merge; an input that reaches EOF drops out of the
	// rotation until all are done
	live := len(ins)
	for cur := 0; live > 0; cur = (cur + 1) % len(ins) {
		if ins[cur] == nil {
			continue
		}
		for n := 0; n < cfg.ChunkSize; n++ {
			line, err := nextLine(ins[cur], nil)
			if line != nil {
				if _, werr := out.Write(line); werr != nil {
					return nil, werr
				}
				res.Records++
				records.Inc()
				progress.Tick()
			}
			if err == io.EOF {
				ins[cur] = nil
				live--
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}

	if err := out.Flush(); err != nil {
		return nil, err
	}
	progress.Done()
	return res, nil
}
