// Package parts provides the stock stages a workflow is composed
// from: readers, the distributor and collector stream re-shapers,
// workers, and sinks. Each builder returns a core.JobSpec ready for
// registration.
package parts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

var bbpool bytebufferpool.Pool

var (
	ErrHeaderSink = errors.New("header broadcast and header fifo are mutually exclusive")
	ErrChunkSize  = errors.New("chunk size must be positive")
	ErrShardMap   = errors.New("key-sharded mode needs a shard map and prefix length")
)

// DistConfig configures a distributor: one input pipe split across N
// output pipes in round-robin chunks of whole records (lines), with
// the leading header region optionally detected and routed aside.
type DistConfig struct {
	Input   fifo.Endpoint // single reader
	Outputs fifo.Endpoint // fanned writer

	// ChunkSize is the number of records written to one output
	// before the round-robin cursor advances.
	ChunkSize int

	// HeaderDetect marks header lines: consecutive matching lines
	// from the start form the header region; the first non-matching
	// line is the first body record. Nil means no header region.
	HeaderDetect func(line []byte) bool

	// HeaderBroadcast copies the header region to every output
	// before any body record.
	HeaderBroadcast bool

	// HeaderFifo, when declared, receives the entire header region
	// and nothing else; it is closed right after the header flush.
	HeaderFifo fifo.Endpoint

	// ShardMap switches to key-sharded mode: a fixed PrefixLen-byte
	// record prefix selects the output index; records without a
	// mapped prefix fall through to output 0.
	ShardMap  map[string]int
	PrefixLen int

	// LimitRate throttles body records per second. Zero disables.
	LimitRate float64
}

// DistResult is the distributor's published result.
type DistResult struct {
	Header    int64   // header records seen
	Records   int64   // body records routed
	PerOutput []int64 // body records per output
}

// Distribute returns the distributor job spec for cfg. The endpoints
// are bound unmanaged: the distributor opens its pipes itself, in an
// order that cannot deadlock against its peers.
func Distribute(cfg DistConfig) core.JobSpec {
	eps := map[string]fifo.Endpoint{
		"input":   cfg.Input.Unmanaged(),
		"outputs": cfg.Outputs.Unmanaged(),
	}
	if !cfg.HeaderFifo.IsZero() {
		eps["header"] = cfg.HeaderFifo.Unmanaged()
	}
	return core.JobSpec{
		Name:      "{workflow}.dist{n}",
		Func:      distributor,
		Endpoints: eps,
		Scalars:   map[string]any{"cfg": cfg},
	}
}

func distributor(t *core.Task) (any, error) {
	cfg := t.Scalar("cfg").(DistConfig)
	if cfg.ChunkSize < 1 {
		return nil, ErrChunkSize
	}
	if cfg.HeaderBroadcast && !cfg.HeaderFifo.IsZero() {
		return nil, ErrHeaderSink
	}
	if cfg.ShardMap != nil && cfg.PrefixLen < 1 {
		return nil, ErrShardMap
	}

	in, err := fifo.OpenPath(t.Path("input"), fifo.Reader, t.BufSize, t.Logger)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outPaths := t.Paths("outputs")
	outs := make([]*bufio.Writer, len(outPaths))
	files := make([]*os.File, len(outPaths))
	for i, path := range outPaths {
		f, err := fifo.OpenPath(path, fifo.Writer, t.BufSize, t.Logger)
		if err != nil {
			closeAll(files[:i])
			return nil, err
		}
		files[i] = f
		outs[i] = bufio.NewWriterSize(f, t.BufSize)
	}
	defer closeAll(files)

	res := &DistResult{PerOutput: make([]int64, len(outs))}
	br := bufio.NewReaderSize(in, t.BufSize)

	// header region
	body, err := readHeader(t, br, cfg, outs, res)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.LimitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LimitRate), 1)
	}
	records := t.Counter("records_out")

	// body: route records until EOF, then flush everything
	cur, n := 0, 0
	for {
		line, rerr := nextLine(br, body)
		body = nil
		if line != nil {
			if limiter != nil {
				limiter.Wait(context.Background())
			}
			idx := cur
			if cfg.ShardMap != nil {
				idx = shardIndex(line, cfg.ShardMap, cfg.PrefixLen)
			}
			if _, werr := outs[idx].Write(line); werr != nil {
				return nil, fmt.Errorf("output %d: %w", idx, werr)
			}
			res.Records++
			res.PerOutput[idx]++
			records.Inc()

			if cfg.ShardMap == nil {
				if n++; n == cfg.ChunkSize {
					cur, n = (cur+1)%len(outs), 0
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	for i, out := range outs {
		if err := out.Flush(); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
	}
	t.Debug().Int64("header", res.Header).Int64("records", res.Records).
		Msg("distribution complete")
	return res, nil
}

// readHeader consumes the header region per cfg and returns the first
// body line (already read ahead), or nil when no detector is set or the
// stream ended before any body line. The header fifo, when declared, is written and closed here even
// if the region turns out empty, so its reader observes EOF.
func readHeader(t *core.Task, br *bufio.Reader, cfg DistConfig,
	outs []*bufio.Writer, res *DistResult) ([]byte, error) {

	var body []byte
	header := bbpool.Get()
	defer bbpool.Put(header)

	if cfg.HeaderDetect != nil {
		for {
			line, err := nextLine(br, nil)
			if line != nil {
				if !cfg.HeaderDetect(line) {
					body = line
					break
				}
				header.Write(line)
				res.Header++
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}

	switch {
	case cfg.HeaderBroadcast:
		for i, out := range outs {
			if _, err := out.Write(header.B); err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
		}
	case !cfg.HeaderFifo.IsZero():
		hf, err := fifo.OpenPath(t.Path("header"), fifo.Writer, t.BufSize, t.Logger)
		if err != nil {
			return nil, err
		}
		if _, err := hf.Write(header.B); err != nil {
			hf.Close()
			return nil, fmt.Errorf("header fifo: %w", err)
		}
		if err := hf.Close(); err != nil {
			return nil, fmt.Errorf("header fifo: %w", err)
		}
	default:
		// inline: an undirected header stays ahead of the body on
		// output 0
		if _, err := outs[0].Write(header.B); err != nil {
			return nil, fmt.Errorf("output 0: %w", err)
		}
	}
	return body, nil
}

// nextLine returns carry when set, else reads one newline-terminated
// record. The final record of a stream may lack the newline; it is
// returned together with io.EOF.
func nextLine(br *bufio.Reader, carry []byte) ([]byte, error) {
	if carry != nil {
		return carry, nil
	}
	line, err := br.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return line, err
}

func shardIndex(line []byte, shards map[string]int, prefixLen int) int {
	if len(line) < prefixLen {
		return 0
	}
	return shards[string(line[:prefixLen])] // missing prefix -> 0
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// HeaderPrefix returns a header detector matching lines that start
// with prefix (eg. "@" for SAM).
func HeaderPrefix(prefix string) func([]byte) bool {
	p := []byte(prefix)
	return func(line []byte) bool {
		return len(line) >= len(p) && string(line[:len(p)]) == string(p)
	}
}
