package perfstats

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMovingAverage(t *testing.T) {
	var stat atomic.Uint64
	Update(&stat, 6400)
	require.Equal(t, uint64(6400), stat.Load())
	Update(&stat, 0)
	require.Equal(t, uint64(6300), stat.Load())

	s := PerfStats{}
	Update(&s.Inference_Microseconds, 12500)
	require.Equal(t, 12.5, s.Snapshot()["inference_ms"])
	require.Contains(t, s.String(), "Inference: 12.50 ms")
}
