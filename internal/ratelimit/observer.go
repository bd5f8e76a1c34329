package ratelimit

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Observer receives limiter lifecycle events. Implementations must not
// assume delivery on the admitting goroutine; a slow or panicking observer
// never blocks admission and never affects peers.
type Observer interface {
	RequestMade(source string, ts time.Time)
	RateLimitHit(source string, wait time.Duration)
	LimiterReset(source string)
}

type eventKind int

const (
	eventRequest eventKind = iota
	eventHit
	eventReset
)

type event struct {
	kind   eventKind
	source string
	ts     time.Time
	wait   time.Duration
}

// observerWorker decouples one observer from the limiter: events flow
// through a buffered channel serviced by a dedicated goroutine, so each
// observer sees a source's events in admission order while the limiter
// never waits. The channel drops on overflow rather than block.
type observerWorker struct {
	obs  Observer
	ch   chan event
	done chan struct{}
}

const observerBuffer = 256

// Register attaches an observer and starts its delivery worker.
func (l *Limiter) Register(obs Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	if l.closed {
		return
	}

	w := &observerWorker{
		obs:  obs,
		ch:   make(chan event, observerBuffer),
		done: make(chan struct{}),
	}
	l.observers = append(l.observers, w)
	go w.run()
}

// Close stops observer delivery after draining buffered events. The
// limiter itself keeps admitting; Close only tears down fan-out.
func (l *Limiter) Close() {
	l.obsMu.Lock()
	workers := l.observers
	l.observers = nil
	l.closed = true
	l.obsMu.Unlock()

	for _, w := range workers {
		close(w.ch)
		<-w.done
	}
}

// publishLocked fans an event out to every observer without blocking.
// Caller holds l.mu, which keeps publish order equal to admission order.
func (l *Limiter) publishLocked(ev event) {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	for _, w := range l.observers {
		select {
		case w.ch <- ev:
		default:
			log.Warn().Str("source", ev.source).Msg("rate limit observer queue full, event dropped")
		}
	}
}

func (w *observerWorker) run() {
	defer close(w.done)
	for ev := range w.ch {
		w.dispatch(ev)
	}
}

// dispatch isolates observer panics so one bad observer cannot kill the
// delivery goroutine.
func (w *observerWorker) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", ev.source).
				Msg("rate limit observer panicked")
		}
	}()

	switch ev.kind {
	case eventRequest:
		w.obs.RequestMade(ev.source, ev.ts)
	case eventHit:
		w.obs.RateLimitHit(ev.source, ev.wait)
	case eventReset:
		w.obs.LimiterReset(ev.source)
	}
}
