package parts

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// ReadConfig configures a source job that streams one or more files
// into a single output pipe, decompressing on the fly by extension
// (.gz, .zst, .bz2). "-" reads stdin.
type ReadConfig struct {
	Paths  []string
	Output fifo.Endpoint // single managed writer
}

// Reader returns the file reader job spec for cfg.
func Reader(cfg ReadConfig) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.reader{n}",
		Func: fileReader,
		Endpoints: map[string]fifo.Endpoint{
			"output": cfg.Output.Binary(),
		},
		Scalars: map[string]any{"paths": cfg.Paths},
	}
}

// fileReader copies every input file into the output pipe and returns
// the number of bytes written.
func fileReader(t *core.Task) (any, error) {
	out := t.File("output")
	var total int64
	for _, p := range t.Strings("paths") {
		t.Info().Str("path", p).Msg("reading")
		rd, closeRd, err := openDecompressed(p)
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(out, rd)
		closeRd()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		total += n
	}
	return total, nil
}

// openDecompressed opens a path for reading, transparently wrapping
// gzip, zstd or bzip2 by extension.
func openDecompressed(p string) (io.Reader, func(), error) {
	var fh *os.File
	if p == "-" {
		fh = os.Stdin
	} else {
		var err error
		fh, err = os.Open(p)
		if err != nil {
			return nil, nil, err
		}
	}
	closeFh := func() {
		if fh != os.Stdin {
			fh.Close()
		}
	}

	switch path.Ext(p) {
	case ".gz":
		r, err := gzip.NewReader(fh)
		if err != nil {
			closeFh()
			return nil, nil, err
		}
		return r, func() { r.Close(); closeFh() }, nil
	case ".zst", ".zstd":
		r, err := zstd.NewReader(fh)
		if err != nil {
			closeFh()
			return nil, nil, err
		}
		return r, func() { r.Close(); closeFh() }, nil
	case ".bz2":
		r, err := bzip2.NewReader(fh, nil)
		if err != nil {
			closeFh()
			return nil, nil, err
		}
		return r, func() { r.Close(); closeFh() }, nil
	default:
		return fh, closeFh, nil
	}
}
