package core

import (
	"bufio"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// --- tiny jobs for testing ---

func emit(lines int) Func {
	return func(t *Task) (any, error) {
		out := t.File("output")
		for i := 0; i < lines; i++ {
			if _, err := fmt.Fprintf(out, "line %d\n", i); err != nil {
				return nil, err
			}
		}
		return lines, nil
	}
}

func count(t *Task) (any, error) {
	n := 0
	br := bufio.NewReader(t.File("input"))
	for {
		if _, err := br.ReadString('\n'); err != nil {
			return n, nil
		}
		n++
	}
}

func emitSpec(pipe string, lines int) JobSpec {
	return JobSpec{
		Func:      emit(lines),
		Endpoints: map[string]fifo.Endpoint{"output": fifo.Write(pipe)},
	}
}

func countSpec(pipe string) JobSpec {
	return JobSpec{
		Func:      count,
		Endpoints: map[string]fifo.Endpoint{"input": fifo.Read(pipe)},
	}
}

// --- naming ---

func TestNamingIdempotence(t *testing.T) {
	w := New("wf")
	for i := 0; i < 3; i++ {
		spec := countSpec("dist{n}")
		spec.Name = "{workflow}.worker{n}"
		spec.Endpoints["input"] = spec.Endpoints["input"].At(i)
		j, err := w.Add(spec)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("wf.worker%d", i), j.Name())
	}

	// an independent pattern keeps its own counter
	j, err := w.Add(emitSpec("dist0", 1))
	require.NoError(t, err)
	assert.Equal(t, "wf.job0", j.Name())
}

// --- balance and validation ---

func TestCheckBalanced(t *testing.T) {
	w := New("wf")
	_, err := w.Add(emitSpec("x", 1))
	require.NoError(t, err)
	_, err = w.Add(countSpec("x"))
	require.NoError(t, err)

	require.NoError(t, w.Check())
	assert.Equal(t, []string{"x"}, w.PipeList())
}

func TestCheckUnbalanced(t *testing.T) {
	w := New("wf")
	_, err := w.Add(emitSpec("x", 1))
	require.NoError(t, err)

	err = w.Check()
	assert.ErrorIs(t, err, ErrUnbalanced)

	// the other direction
	w2 := New("wf2")
	_, err = w2.Add(countSpec("y"))
	require.NoError(t, err)
	assert.ErrorIs(t, w2.Check(), ErrUnbalanced)
}

func TestReopenCounts(t *testing.T) {
	// a reader that opens the pipe twice balances a writer that
	// closes and reopens it twice, but not a plain writer
	w := New("wf")
	spec := countSpec("x")
	spec.ReopenInputs = 2
	_, err := w.Add(spec)
	require.NoError(t, err)

	wspec := emitSpec("x", 1)
	wspec.ReopenOutputs = 2
	_, err = w.Add(wspec)
	require.NoError(t, err)
	require.NoError(t, w.Check())

	w2 := New("wf2")
	spec2 := countSpec("x")
	spec2.ReopenInputs = 2
	_, err = w2.Add(spec2)
	require.NoError(t, err)
	_, err = w2.Add(emitSpec("x", 1))
	require.NoError(t, err)
	assert.ErrorIs(t, w2.Check(), ErrUnbalanced)
}

func TestFanMismatch(t *testing.T) {
	w := New("wf")
	spec := JobSpec{
		Func:      func(t *Task) (any, error) { return nil, nil },
		Endpoints: map[string]fifo.Endpoint{"outputs": fifo.WriteFan("d{n}", 4)},
	}
	_, err := w.Add(spec)
	require.NoError(t, err)

	spec2 := JobSpec{
		Func:      func(t *Task) (any, error) { return nil, nil },
		Endpoints: map[string]fifo.Endpoint{"inputs": fifo.ReadFan("d{n}", 3)},
	}
	_, err = w.Add(spec2)
	assert.ErrorIs(t, err, ErrFanMismatch)
}

func TestFanExpansionBalance(t *testing.T) {
	w := New("wf")
	spec := JobSpec{
		Func:      func(t *Task) (any, error) { return nil, nil },
		Endpoints: map[string]fifo.Endpoint{"outputs": fifo.WriteFan("d{n}", 4)},
	}
	_, err := w.Add(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"d0", "d1", "d2", "d3"}, w.PipeList())
}

func TestPresetAssertions(t *testing.T) {
	w := New("wf")
	_, err := w.Reader(countSpec("x"))
	assert.ErrorIs(t, err, ErrNoWriter)

	_, err = w.Funnel(emitSpec("x", 1))
	assert.ErrorIs(t, err, ErrNoReader)

	err = w.Workers(emitSpec("x{n}", 1), 2)
	assert.ErrorIs(t, err, ErrNoReader)

	_, err = w.Add(JobSpec{})
	assert.ErrorIs(t, err, ErrNoFunc)
}

// --- subworkflows ---

func TestSubworkflowFolding(t *testing.T) {
	w := New("main")
	_, err := w.Add(emitSpec("x", 1))
	require.NoError(t, err)

	sub := w.Sub("sub")
	_, err = sub.Add(countSpec("x"))
	require.NoError(t, err)

	// the sub's reader balances the parent's writer
	require.NoError(t, w.Check())
	assert.Equal(t, []string{"x"}, w.PipeList())
}

func TestSubworkflowRun(t *testing.T) {
	w := New("main")
	_, err := w.Add(emitSpec("x", 5))
	require.NoError(t, err)

	sub := w.Sub("sub")
	_, err = sub.Add(countSpec("x"))
	require.NoError(t, err)

	require.NoError(t, w.Run())
	res := w.Results()
	assert.Equal(t, 5, res["sub.job0"])
	assert.Equal(t, 5, res["main.job0"])
}
