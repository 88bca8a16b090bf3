package parts

import (
	"compress/gzip"
	"io"
	"os"
	"path"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// WriteConfig configures a sink job that drains one input pipe into a
// file, compressing by extension (.gz, .zst, .bz2). "-" writes stdout.
type WriteConfig struct {
	Input fifo.Endpoint // single managed reader
	Path  string
}

// Writer returns the file writer job spec for cfg.
func Writer(cfg WriteConfig) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.writer{n}",
		Func: fileWriter,
		Endpoints: map[string]fifo.Endpoint{
			"input": cfg.Input.Binary(),
		},
		Scalars: map[string]any{"path": cfg.Path},
	}
}

// fileWriter copies the input pipe to the target file and returns the
// number of bytes read from the pipe.
func fileWriter(t *core.Task) (any, error) {
	in := t.File("input")
	p := t.String("path")

	var fh *os.File
	if p == "-" || p == "/dev/stdout" {
		fh = os.Stdout
	} else {
		var err error
		fh, err = os.Create(p)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
	}

	wr, closeWr, err := openCompressed(fh, p)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(wr, in)
	if cerr := closeWr(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	t.Info().Str("path", p).Int64("bytes", n).Msg("written")
	return n, nil
}

// openCompressed wraps a file in a compressor chosen by extension.
func openCompressed(fh *os.File, p string) (io.Writer, func() error, error) {
	switch path.Ext(p) {
	case ".gz":
		w := gzip.NewWriter(fh)
		return w, w.Close, nil
	case ".zst", ".zstd":
		w, err := zstd.NewWriter(fh)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	case ".bz2":
		w, err := bzip2.NewWriter(fh, nil)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		return fh, func() error { return nil }, nil
	}
}
