package core

import (
	"encoding/json"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
)

// StatusServer exposes the run over HTTP: Prometheus metrics of the
// per-job counters on /metrics, the pipe list with the computed
// buffer size on /pipes, and the result snapshot on /results.
func (w *Workflow) StatusServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: w.statusHandler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.Error().Err(err).Str("addr", addr).Msg("status server failed")
		}
	}()
	w.Info().Str("addr", addr).Msg("status server listening")
	return srv
}

func (w *Workflow) statusHandler() http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", func(rw http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(rw, true)
	})

	r.Get("/pipes", func(rw http.ResponseWriter, _ *http.Request) {
		bufSize := 0
		var pipes []string
		if ps := w.pipes.PipeSet; ps != nil {
			bufSize = ps.BufSize
			pipes = ps.List()
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"workflow":    w.Name,
			"pipes":       pipes,
			"buffer_size": bufSize,
		})
	})

	r.Get("/results", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(w.Results())
	})

	return r
}
