package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGaugeAddAndLoad(t *testing.T) {
	var g Gauge
	assert.EqualValues(t, 1, g.Add(1))
	assert.EqualValues(t, 3, g.Add(2))
	assert.EqualValues(t, 3, g.Load())
	assert.EqualValues(t, 2, g.Add(-1))
}

func TestLatencySnapshotTracksCountAndMax(t *testing.T) {
	l := NewLatency()
	for _, d := range []time.Duration{1 * time.Millisecond, 5 * time.Millisecond, 2 * time.Millisecond} {
		l.Observe(d)
	}
	snap := l.Snapshot()
	assert.EqualValues(t, 3, snap.Count)
	assert.Equal(t, 5*time.Millisecond, snap.Max)
}

func TestPSquareConvergesApproximately(t *testing.T) {
	p := newPSquare(0.5)
	for i := 1; i <= 1000; i++ {
		p.Add(float64(i))
	}
	// median of 1..1000 should land close to 500.
	v := p.Value()
	assert.InDelta(t, 500, v, 60)
}
