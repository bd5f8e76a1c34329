package supervise

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/errs"
)

func TestBreakerTripsAfterThresholdAndShortCircuits(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         100 * time.Millisecond,
	})

	var calls int64
	failing := func() (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("llm exploded")
	}

	_, err := reg.Execute("llm", failing)
	require.Error(t, err)
	_, err = reg.Execute("llm", failing)
	require.Error(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	// Third call must short-circuit without upstream contact.
	_, err = reg.Execute("llm", failing)
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(err))
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "open circuit must not invoke fn")
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         50 * time.Millisecond,
	})

	failing := func() (interface{}, error) { return nil, errors.New("down") }
	reg.Execute("llm", failing)
	reg.Execute("llm", failing)

	// Wait out the cooldown; the next call is the half-open probe.
	time.Sleep(80 * time.Millisecond)

	var probed int64
	_, err := reg.Execute("llm", func() (interface{}, error) {
		atomic.AddInt64(&probed, 1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&probed))

	// Successful probe closes the circuit.
	_, err = reg.Execute("llm", func() (interface{}, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestBreakerProbeFailureExtendsCooldown(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         40 * time.Millisecond,
	})

	failing := func() (interface{}, error) { return nil, errors.New("down") }
	reg.Execute("llm", failing)

	time.Sleep(60 * time.Millisecond)
	// Failed probe re-opens with a doubled cooldown.
	_, err := reg.Execute("llm", failing)
	require.Error(t, err)

	// Past the base cooldown but inside the doubled one: still open.
	time.Sleep(60 * time.Millisecond)
	_, err = reg.Execute("llm", func() (interface{}, error) { return "ok", nil })
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(err))
}

func TestBreakersAreIsolatedPerResource(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	reg.Execute("llm", func() (interface{}, error) { return nil, errors.New("down") })

	_, err := reg.Execute("assessor_api", func() (interface{}, error) { return "ok", nil })
	assert.NoError(t, err, "tripping llm must not affect assessor_api")

	states := reg.States()
	assert.Equal(t, "open", states["llm"])
	assert.Equal(t, "closed", states["assessor_api"])
}
