package parts

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// WsConfig configures a sink that streams every record of its input
// pipe to a websocket peer as one text message per record.
type WsConfig struct {
	Input   fifo.Endpoint // single managed reader
	URL     string        // ws:// or wss://
	Timeout time.Duration // handshake/write timeout, default 10s
}

// WsWriter returns the websocket sink job spec for cfg.
func WsWriter(cfg WsConfig) core.JobSpec {
	return core.JobSpec{
		Name:      "{workflow}.websocket{n}",
		Func:      wsWriter,
		Endpoints: map[string]fifo.Endpoint{"input": cfg.Input},
		Scalars:   map[string]any{"cfg": cfg},
	}
}

func wsWriter(t *core.Task) (any, error) {
	cfg := t.Scalar("cfg").(WsConfig)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	t.Info().Str("url", cfg.URL).Msg("dialing")
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.Timeout
	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	var n int64
	records := t.Counter("records_out")
	br := bufio.NewReaderSize(t.File("input"), t.BufSize)
	for {
		line, rerr := nextLine(br, nil)
		if line != nil {
			conn.SetWriteDeadline(time.Now().Add(cfg.Timeout))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return nil, err
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

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.Info().Int64("records", n).Msg("streamed")
	return n, nil
}
