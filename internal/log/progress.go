// Package log provides run-progress UX for collector runs: named steps
// with counts and ETAs, rendered live on a TTY and as structured zerolog
// lines everywhere else.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// StepLogger tracks the phases of one collect run. Safe for concurrent
// use; zip workers report item progress from their own goroutines.
type StepLogger struct {
	mu        sync.Mutex
	run       string
	step      string
	total     int
	current   int
	startTime time.Time
	stepStart time.Time
	isTTY     bool
	out       *os.File
}

// NewStepLogger starts tracking a run. Output degrades to plain zerolog
// lines when stdout is not a terminal.
func NewStepLogger(run string) *StepLogger {
	out := os.Stdout
	return &StepLogger{
		run:       run,
		startTime: time.Now(),
		isTTY:     term.IsTerminal(int(out.Fd())),
		out:       out,
	}
}

// StartStep opens a named phase with an expected item count. total 0 means
// the count is unknown.
func (s *StepLogger) StartStep(step string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishLocked()
	s.step = step
	s.total = total
	s.current = 0
	s.stepStart = time.Now()

	if s.isTTY {
		fmt.Fprintf(s.out, "▶ %s\n", step)
		return
	}
	log.Info().Str("run", s.run).Str("step", step).Int("total", total).Msg("step started")
}

// Advance reports n more items done in the current step.
func (s *StepLogger) Advance(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current += n
	if !s.isTTY {
		return
	}
	fmt.Fprintf(s.out, "\r  %s", s.progressLocked())
}

// progressLocked renders the count, bar, and ETA. Caller holds s.mu.
func (s *StepLogger) progressLocked() string {
	if s.total <= 0 {
		return fmt.Sprintf("%d done (%s)", s.current, time.Since(s.stepStart).Round(time.Second))
	}

	frac := float64(s.current) / float64(s.total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * 20)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", 20-filled)

	eta := "--"
	if s.current > 0 && s.current < s.total {
		perItem := time.Since(s.stepStart) / time.Duration(s.current)
		eta = (perItem * time.Duration(s.total-s.current)).Round(time.Second).String()
	}
	return fmt.Sprintf("[%s] %d/%d (%.0f%%) ETA %s", bar, s.current, s.total, frac*100, eta)
}

// FinishStep closes the current phase and logs its duration.
func (s *StepLogger) FinishStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *StepLogger) finishLocked() {
	if s.step == "" {
		return
	}
	elapsed := time.Since(s.stepStart).Round(time.Millisecond)
	if s.isTTY {
		fmt.Fprintf(s.out, "\r  ✓ %s: %d items in %s\n", s.step, s.current, elapsed)
	} else {
		log.Info().Str("run", s.run).Str("step", s.step).
			Int("items", s.current).Dur("elapsed", elapsed).Msg("step finished")
	}
	s.step = ""
}

// Finish closes any open step and reports the whole run.
func (s *StepLogger) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishLocked()
	elapsed := time.Since(s.startTime).Round(time.Millisecond)
	if s.isTTY {
		fmt.Fprintf(s.out, "✔ %s complete in %s\n", s.run, elapsed)
	} else {
		log.Info().Str("run", s.run).Dur("elapsed", elapsed).Msg("run complete")
	}
}

// Warnf surfaces a per-item warning without disturbing the progress line.
func (s *StepLogger) Warnf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if s.isTTY {
		fmt.Fprintf(s.out, "\r  ⚠ %s\n", msg)
		if s.step != "" {
			fmt.Fprintf(s.out, "  %s", s.progressLocked())
		}
		return
	}
	log.Warn().Str("run", s.run).Str("step", s.step).Msg(msg)
}
