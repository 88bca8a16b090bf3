package parts

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// KafkaConfig configures a sink that produces every record of its
// input pipe to a Kafka topic.
type KafkaConfig struct {
	Input   fifo.Endpoint // single managed reader
	Brokers []string
	Topic   string
	Timeout time.Duration // connection idle and topic listing timeout, default 10s
}

// KafkaWriter returns the Kafka sink job spec for cfg.
func KafkaWriter(cfg KafkaConfig) core.JobSpec {
	return core.JobSpec{
		Name:      "{workflow}.kafka{n}",
		Func:      kafkaWriter,
		Endpoints: map[string]fifo.Endpoint{"input": cfg.Input},
		Scalars:   map[string]any{"cfg": cfg},
	}
}

func kafkaWriter(t *core.Task) (any, error) {
	cfg := t.Scalar("cfg").(KafkaConfig)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	t.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("connecting")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConnIdleTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	// make sure the topic is there before draining the pipe
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	topics, err := kadm.NewClient(client).ListTopics(ctx, cfg.Topic)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	if !topics.Has(cfg.Topic) {
		return nil, fmt.Errorf("topic not found: %s", cfg.Topic)
	}

	var n int64
	records := t.Counter("records_out")
	br := bufio.NewReaderSize(t.File("input"), t.BufSize)
	for {
		line, rerr := nextLine(br, nil)
		if line != nil {
			rec := &kgo.Record{Topic: cfg.Topic, Value: append([]byte(nil), line...)}
			if err := client.ProduceSync(context.Background(), rec).FirstErr(); err != nil {
				return nil, fmt.Errorf("produce: %w", err)
			}
			n++
			records.Inc()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	if err := client.Flush(context.Background()); err != nil {
		return nil, err
	}
	t.Info().Int64("records", n).Msg("produced")
	return n, nil
}
