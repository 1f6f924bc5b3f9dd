package xcenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedTrigger_DispatchesPeriodically(t *testing.T) {
	c := newTestCenter(t)
	r := newRecorder("r", true)
	require.True(t, c.AddReceiver(r, "ch"))

	tr := NewTimedTrigger(c, 10*time.Millisecond)
	defer tr.Stop()
	assert.Equal(t, 10*time.Millisecond, tr.Interval())

	require.True(t, c.Post("ch", 1, false))
	require.Eventually(t, func() bool { return len(r.got()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, c.Post("ch", 2, false))
	require.Eventually(t, func() bool { return len(r.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestTimedTrigger_StopIsIdempotent(t *testing.T) {
	c := newTestCenter(t)
	tr := NewTimedTrigger(c, 0)
	assert.Equal(t, DefaultPollInterval, tr.Interval())
	tr.Stop()
	tr.Stop()
}
