package parts

import (
	"time"

	"github.com/rs/zerolog"
)

// Progress logs record throughput at a fixed interval while a hot
// loop ticks it, and a summary line when the loop finishes.
type Progress struct {
	log   zerolog.Logger
	every time.Duration
	t0    time.Time
	last  time.Time
	n     int64
}

// NewProgress creates a progress logger reporting every interval
// (zero means 5s).
func NewProgress(log zerolog.Logger, every time.Duration) *Progress {
	if every <= 0 {
		every = 5 * time.Second
	}
	now := time.Now()
	return &Progress{log: log, every: every, t0: now, last: now}
}

// Tick counts one record and logs when the report interval elapsed.
func (p *Progress) Tick() {
	p.n++
	if p.n%10000 != 0 {
		return
	}
	now := time.Now()
	if now.Sub(p.last) < p.every {
		return
	}
	p.last = now
	p.log.Info().Int64("records", p.n).
		Float64("krec_per_sec", p.rate(now)).Msg("processing")
}

// Done logs the final tally.
func (p *Progress) Done() {
	p.log.Info().Int64("records", p.n).
		Float64("krec_per_sec", p.rate(time.Now())).Msg("finished")
}

// Count returns the records seen so far.
func (p *Progress) Count() int64 {
	return p.n
}

func (p *Progress) rate(now time.Time) float64 {
	dt := now.Sub(p.t0).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(p.n) / dt / 1000
}
