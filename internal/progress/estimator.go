// Package progress produces a synthetic, time-based completion percentage for
// requests whose real progress cannot be observed.
package progress

import (
	"sync"
	"time"
)

// Max is the upper bound of any progress value.
const Max = 100.0

// Step returns the percentage added per tick so that Max is reached after ceiling.
func Step(ceiling, tick time.Duration) float64 {
	if ceiling <= 0 || tick <= 0 {
		return Max
	}
	return Max * float64(tick) / float64(ceiling)
}

// Advance adds step to current and clamps the result to [0, Max].
func Advance(current, step float64) float64 {
	next := current + step
	switch {
	case next > Max:
		return Max
	case next < 0:
		return 0
	}
	return next
}

// Handle controls a running estimator.
type Handle struct {
	ticker *time.Ticker
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// Start ticks every tick and hands onTick the increment for that period.
// onTick runs on the estimator goroutine and never after Stop has returned.
func Start(ceiling, tick time.Duration, onTick func(step float64)) *Handle {
	h := &Handle{
		ticker: time.NewTicker(tick),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	step := Step(ceiling, tick)

	go func() {
		defer close(h.exited)
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				// done may race with a pending tick
				select {
				case <-h.done:
					return
				default:
				}
				onTick(step)
			}
		}
	}()
	return h
}

// Stop halts the estimator and waits for its goroutine to exit. Calling Stop
// more than once, or on a nil handle, is a no-op. Stop must not be called from onTick.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
	<-h.exited
}
