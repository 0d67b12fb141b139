// Package debounce collapses bursts of change signals into single refreshes.
package debounce

import (
	"context"
	"time"
)

// Run calls fn once no signal has arrived on in for quiet. A signal that
// arrives while fn is running starts a new wait, so the last change of a burst
// is always followed by a call. If signals keep arriving, fn still runs once
// maxDelay has passed since the first unhandled one; maxDelay <= 0 disables
// that bound.
//
// Run blocks until ctx is done or in is closed. fn runs on Run's goroutine.
func Run(ctx context.Context, in <-chan struct{}, quiet, maxDelay time.Duration, fn func()) {
	timer := time.NewTimer(quiet)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			if pendingSince.IsZero() {
				pendingSince = time.Now()
			} else if maxDelay > 0 && time.Since(pendingSince) >= maxDelay {
				continue // let the running timer fire
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(quiet)
		case <-timer.C:
			pendingSince = time.Time{}
			fn()
		}
	}
}

// Notify sends a signal on ch without blocking. ch should have a buffer of
// one; a signal already waiting there covers this one.
func Notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
