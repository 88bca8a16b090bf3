package parts

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// Every supported extension survives a write/read round trip.
func TestCompressionRoundTrip(t *testing.T) {
	payload := []byte("first line\nsecond line\nlast one\n")

	for _, name := range []string{"x.txt", "x.gz", "x.zst", "x.bz2"} {
		path := filepath.Join(t.TempDir(), name)

		fh, err := os.Create(path)
		require.NoError(t, err)
		wr, closeWr, err := openCompressed(fh, path)
		require.NoError(t, err, name)
		_, err = wr.Write(payload)
		require.NoError(t, err, name)
		require.NoError(t, closeWr(), name)
		require.NoError(t, fh.Close())

		rd, closeRd, err := openDecompressed(path)
		require.NoError(t, err, name)
		got, err := io.ReadAll(rd)
		closeRd()
		require.NoError(t, err, name)
		assert.Equal(t, payload, got, name)
	}
}

// A multi-file reader concatenates its inputs, mixed compression and
// all, into the output pipe.
func TestReaderMultipleInputs(t *testing.T) {
	gz := writeGz(t, 3) // line 0..2
	plain := writeLines(t, "plain 0", "plain 1")
	out := filepath.Join(t.TempDir(), "out.txt")

	w := core.New("multi")
	_, err := w.Reader(Reader(ReadConfig{
		Paths:  []string{gz, plain},
		Output: fifo.Write("text"),
	}))
	require.NoError(t, err)
	_, err = w.Funnel(Writer(WriteConfig{Input: fifo.Read("text"), Path: out}))
	require.NoError(t, err)

	require.NoError(t, w.Run())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "line 0\nline 1\nline 2\nplain 0\nplain 1\n", string(got))
}

func TestWriterCompressesOutput(t *testing.T) {
	input := writeLines(t, "r1", "r2")
	out := filepath.Join(t.TempDir(), "out.txt.gz")

	w := core.New("gzout")
	_, err := w.Reader(Reader(ReadConfig{
		Paths:  []string{input},
		Output: fifo.Write("text"),
	}))
	require.NoError(t, err)
	_, err = w.Funnel(Writer(WriteConfig{Input: fifo.Read("text"), Path: out}))
	require.NoError(t, err)

	require.NoError(t, w.Run())

	rd, closeRd, err := openDecompressed(out)
	require.NoError(t, err)
	got, err := io.ReadAll(rd)
	closeRd()
	require.NoError(t, err)
	assert.Equal(t, "r1\nr2\n", string(got))
}
