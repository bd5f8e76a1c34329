package log

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressRendering(t *testing.T) {
	s := &StepLogger{run: "collect", step: "maricopa", total: 10, current: 5,
		stepStart: time.Now().Add(-10 * time.Second)}

	line := s.progressLocked()
	assert.Contains(t, line, "5/10")
	assert.Contains(t, line, "50%")
	assert.Contains(t, line, "ETA")
	assert.Equal(t, 10, strings.Count(line, "█"))
	assert.Equal(t, 10, strings.Count(line, "░"))
}

func TestProgressUnknownTotal(t *testing.T) {
	s := &StepLogger{run: "collect", step: "sweep", current: 7,
		stepStart: time.Now().Add(-2 * time.Second)}

	line := s.progressLocked()
	assert.Contains(t, line, "7 done")
	assert.NotContains(t, line, "ETA")
}

func TestProgressClampOvershoot(t *testing.T) {
	s := &StepLogger{run: "collect", step: "maricopa", total: 4, current: 6,
		stepStart: time.Now()}

	line := s.progressLocked()
	assert.Contains(t, line, "6/4")
	assert.Contains(t, line, "100%")
	assert.Equal(t, 20, strings.Count(line, "█"))
}

func TestStepLifecycleOffTTY(t *testing.T) {
	s := NewStepLogger("collect")
	s.isTTY = false

	// Lifecycle must be safe without a terminal; output goes to zerolog.
	s.StartStep("maricopa", 2)
	s.Advance(1)
	s.Warnf("listing %s skipped", "MLS-1")
	s.Advance(1)
	s.FinishStep()
	s.StartStep("phoenix_mls", 0)
	s.Finish()
}
