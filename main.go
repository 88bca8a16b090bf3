// Command fifoflow runs the canonical fan-out pipeline over a set of
// input files: reader -> distributor -> N workers -> collector ->
// writer, each stage wired to the next by kernel named pipes.
package main

import (
	"fmt"
	"os"

	"github.com/buger/jsonparser"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/parts"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("fifoflow failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	f := pflag.NewFlagSet("fifoflow", pflag.ExitOnError)
	f.SortFlags = false
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fifoflow [OPTIONS] INPUT... \n\nOptions:\n")
		f.PrintDefaults()
	}
	f.StringP("log", "l", "info", "log level (trace/debug/info/warn/error)")
	f.IntP("workers", "w", 4, "number of worker stages")
	f.IntP("chunk", "c", 1, "records per chunk")
	f.StringP("output", "o", "-", "output path (- for stdout; .gz/.zst/.bz2 compress)")
	f.Bool("count", false, "count records per worker instead of copying them")
	f.String("header", "none", "header routing (none/broadcast/fifo)")
	f.String("header-prefix", "@", "line prefix marking header records")
	f.String("shard-map", "", "JSON file mapping record prefixes to worker indexes")
	f.Int("prefix-len", 0, "record prefix length for --shard-map")
	f.Float64("limit-rate", 0, "record routing rate limit (records/sec)")
	f.Int("buffer", 16, "total pipe buffer budget in MiB")
	f.String("status", "", "serve /metrics and /pipes on this address")
	f.BoolP("dry-run", "n", false, "validate and print the graph, then quit")

	if err := f.Parse(args); err != nil {
		return err
	}
	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return fmt.Errorf("could not load flags: %w", err)
	}

	lvl, err := zerolog.ParseLevel(k.String("log"))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)

	inputs := f.Args()
	if len(inputs) == 0 {
		f.Usage()
		return fmt.Errorf("needs at least one input file")
	}

	n := k.Int("workers")
	chunk := k.Int("chunk")

	dist := parts.DistConfig{
		Input:     fifo.Read("input_text"),
		Outputs:   fifo.WriteFan("dist{n}", n),
		ChunkSize: chunk,
		LimitRate: k.Float64("limit-rate"),
	}
	switch k.String("header") {
	case "none":
	case "broadcast":
		dist.HeaderDetect = parts.HeaderPrefix(k.String("header-prefix"))
		dist.HeaderBroadcast = true
	case "fifo":
		dist.HeaderDetect = parts.HeaderPrefix(k.String("header-prefix"))
		dist.HeaderFifo = fifo.Write("header")
	default:
		return fmt.Errorf("--header %q: invalid value", k.String("header"))
	}
	if path := k.String("shard-map"); path != "" {
		m, err := loadShardMap(path)
		if err != nil {
			return err
		}
		if k.Int("prefix-len") < 1 {
			return fmt.Errorf("--shard-map needs --prefix-len >= 1")
		}
		for prefix, idx := range m {
			if idx < 0 || idx >= n {
				return fmt.Errorf("shard map %q: index %d out of range [0,%d)", prefix, idx, n)
			}
		}
		dist.ShardMap = m
		dist.PrefixLen = k.Int("prefix-len")
	}

	w := core.New("fifoflow")
	w.TotalPipeBuffer = k.Int("buffer") << 20

	if _, err := w.Reader(parts.Reader(parts.ReadConfig{
		Paths:  inputs,
		Output: fifo.Write("input_text"),
	})); err != nil {
		return err
	}
	if _, err := w.Add(parts.Distribute(dist)); err != nil {
		return err
	}

	if k.Bool("count") {
		if err := w.Workers(parts.Counter(fifo.Read("dist{n}")), n); err != nil {
			return err
		}
		if !dist.HeaderFifo.IsZero() {
			// nothing downstream re-prefixes the header, count it too
			if _, err := w.Funnel(parts.Counter(fifo.Read("header"))); err != nil {
				return err
			}
		}
	} else {
		err := w.Workers(parts.Passthrough(
			fifo.Read("dist{n}"), fifo.Write("out{n}")), n)
		if err != nil {
			return err
		}
		collect := parts.CollectConfig{
			Inputs:    fifo.ReadFan("out{n}", n),
			Output:    fifo.Write("sink"),
			ChunkSize: chunk,
		}
		if !dist.HeaderFifo.IsZero() {
			collect.HeaderFifo = fifo.Read("header")
		}
		if _, err := w.Add(parts.Collect(collect)); err != nil {
			return err
		}
		if _, err := w.Funnel(parts.Writer(parts.WriteConfig{
			Input: fifo.Read("sink"),
			Path:  k.String("output"),
		})); err != nil {
			return err
		}
	}

	if k.Bool("dry-run") {
		if err := w.Check(); err != nil {
			return err
		}
		fmt.Println(w.String())
		return nil
	}

	if addr := k.String("status"); addr != "" {
		defer w.StatusServer(addr).Close()
	}

	if err := w.Run(); err != nil {
		return err
	}
	for name, res := range w.Results() {
		log.Info().Str("job", name).Interface("result", res).Msg("done")
	}
	return nil
}

// loadShardMap reads a {"prefix": index, ...} JSON object.
func loadShardMap(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int)
	err = jsonparser.ObjectEach(data, func(key, value []byte, vt jsonparser.ValueType, _ int) error {
		idx, err := jsonparser.ParseInt(value)
		if err != nil {
			return fmt.Errorf("shard map %q: %w", key, err)
		}
		m[string(key)] = int(idx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
