package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	require.Equal(t, Summary{}, a.Summary())

	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, a.Average())
	s := a.Summary()
	require.Equal(t, int64(2), s.Samples)
	require.InDelta(t, 20.0, s.AverageMS, 1e-9)
	require.InDelta(t, 30.0, s.MaxMS, 1e-9)

	a.Reset()
	require.Equal(t, int64(0), a.Summary().Samples)
}
