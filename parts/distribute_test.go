package parts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestNextLine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("a\nb"))

	line, err := nextLine(br, nil)
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(line))

	// the unterminated final record comes with EOF
	line, err = nextLine(br, nil)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "b", string(line))

	line, err = nextLine(br, nil)
	assert.Equal(t, io.EOF, err)
	assert.Nil(t, line)

	// carry short-circuits the read
	line, err = nextLine(br, []byte("c\n"))
	require.NoError(t, err)
	assert.Equal(t, "c\n", string(line))
}

func TestHeaderPrefix(t *testing.T) {
	detect := HeaderPrefix("@")
	assert.True(t, detect([]byte("@HD\tVN:1.6\n")))
	assert.False(t, detect([]byte("read1\n")))
	assert.False(t, detect([]byte("")))
}

func TestShardIndex(t *testing.T) {
	shards := map[string]int{"aa": 1, "bb": 2}
	assert.Equal(t, 1, shardIndex([]byte("aa:x\n"), shards, 2))
	assert.Equal(t, 2, shardIndex([]byte("bb:y\n"), shards, 2))
	assert.Equal(t, 0, shardIndex([]byte("cc:z\n"), shards, 2), "unmapped prefix falls through")
	assert.Equal(t, 0, shardIndex([]byte("a"), shards, 2), "short record falls through")
}

// Conservation: the outputs together carry every record, each within
// one chunk of the mean.
func TestDistributeConservation(t *testing.T) {
	lines := make([]string, 23)
	for i := range lines {
		lines[i] = fmt.Sprintf("rec %d", i)
	}
	input := writeLines(t, lines...)

	w := core.New("cons")
	addFanOut(t, w, input, DistConfig{
		Input:     fifo.Read("input_text"),
		Outputs:   fifo.WriteFan("dist{n}", 3),
		ChunkSize: 2,
	})
	require.NoError(t, w.Workers(Counter(fifo.Read("dist{n}")), 3))

	require.NoError(t, w.Run())

	res := w.Results()
	counts := []int{
		res["cons.worker0"].(int),
		res["cons.worker1"].(int),
		res["cons.worker2"].(int),
	}
	assert.Equal(t, []int{8, 8, 7}, counts)

	total := 0
	for _, c := range counts {
		total += c
		assert.LessOrEqual(t, float64(c)-23.0/3, 2.0)
		assert.LessOrEqual(t, 23.0/3-float64(c), 2.0)
	}
	assert.Equal(t, 23, total)
}

func TestDistributeKeySharded(t *testing.T) {
	input := writeLines(t, "aa:1", "bb:2", "cc:3", "aa:4", "x")

	w := core.New("shard")
	addFanOut(t, w, input, DistConfig{
		Input:     fifo.Read("input_text"),
		Outputs:   fifo.WriteFan("dist{n}", 3),
		ChunkSize: 1,
		ShardMap:  map[string]int{"aa": 0, "bb": 1, "cc": 2},
		PrefixLen: 2,
	})
	require.NoError(t, w.Workers(Counter(fifo.Read("dist{n}")), 3))

	require.NoError(t, w.Run())

	res := w.Results()
	assert.Equal(t, 3, res["shard.worker0"], "aa records plus the fallthrough")
	assert.Equal(t, 1, res["shard.worker1"])
	assert.Equal(t, 1, res["shard.worker2"])
}

// A detector that matches nothing yields an empty header region: the
// body starts at line one and the header fifo closes empty.
func TestDistributeEmptyHeader(t *testing.T) {
	input := writeLines(t, "r1", "r2", "r3")

	w := core.New("nohdr")
	addFanOut(t, w, input, DistConfig{
		Input:        fifo.Read("input_text"),
		Outputs:      fifo.WriteFan("dist{n}", 2),
		ChunkSize:    1,
		HeaderDetect: HeaderPrefix("@"),
		HeaderFifo:   fifo.Write("header"),
	})
	require.NoError(t, w.Workers(Counter(fifo.Read("dist{n}")), 2))
	_, err := w.Funnel(Counter(fifo.Read("header")))
	require.NoError(t, err)

	require.NoError(t, w.Run())

	res := w.Results()
	assert.Equal(t, 0, res["nohdr.funnel0"])
	assert.Equal(t, 2, res["nohdr.worker0"])
	assert.Equal(t, 1, res["nohdr.worker1"])
}

// Without a broadcast or a sidecar fifo the detected header stays
// inline, ahead of the body on output 0.
func TestDistributeInlineHeader(t *testing.T) {
	input := writeSam(t, 3, 8)

	w := core.New("inline")
	addFanOut(t, w, input, DistConfig{
		Input:        fifo.Read("input_text"),
		Outputs:      fifo.WriteFan("dist{n}", 2),
		ChunkSize:    1,
		HeaderDetect: HeaderPrefix("@"),
	})
	require.NoError(t, w.Workers(
		HeaderCounter(fifo.Read("dist{n}"), HeaderPrefix("@")), 2))

	require.NoError(t, w.Run())

	res := w.Results()
	assert.Equal(t, HeaderCount{Header: 3, Body: 4}, res["inline.worker0"])
	assert.Equal(t, HeaderCount{Header: 0, Body: 4}, res["inline.worker1"])
}

// Round trip at equal chunk size reproduces the input exactly.
func TestDistributeCollectRoundTrip(t *testing.T) {
	for _, chunk := range []int{1, 3} {
		lines := make([]string, 31)
		for i := range lines {
			lines[i] = fmt.Sprintf("row %d", i)
		}
		input := writeLines(t, lines...)
		out := filepath.Join(t.TempDir(), "out.txt")

		w := core.New(fmt.Sprintf("rt%d", chunk))
		addFanOut(t, w, input, DistConfig{
			Input:     fifo.Read("input_text"),
			Outputs:   fifo.WriteFan("dist{n}", 4),
			ChunkSize: chunk,
		})
		require.NoError(t, w.Workers(Passthrough(
			fifo.Read("dist{n}"), fifo.Write("out{n}")), 4))
		_, err := w.Add(Collect(CollectConfig{
			Inputs:     fifo.ReadFan("out{n}", 4),
			OutputPath: out,
			ChunkSize:  chunk,
		}))
		require.NoError(t, err)

		require.NoError(t, w.Run())

		want, err := os.ReadFile(input)
		require.NoError(t, err)
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), "chunk=%d", chunk)
	}
}
