package parts

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestProgressCounts(t *testing.T) {
	p := NewProgress(zerolog.New(io.Discard), time.Hour)
	for i := 0; i < 25000; i++ {
		p.Tick()
	}
	assert.EqualValues(t, 25000, p.Count())
	p.Done()
}
