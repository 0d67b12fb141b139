// Package adsignal tracks full-screen popups per device so that interstitial ads
// are never placed over them, and caps how often interstitials may be shown.
package adsignal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/popup"
)

// popupTTL bounds how long a popup counts as showing without being shown
// again, for clients that disappear without dismissing it.
const popupTTL = 24 * time.Hour

type deviceState struct {
	popupShowing     bool
	shownAt          time.Time
	lastInterstitial time.Time
}

// expired reports whether d no longer affects any decision at now.
func (d *deviceState) expired(now time.Time, minInterval time.Duration) bool {
	if d.popupShowing && now.Sub(d.shownAt) < popupTTL {
		return false
	}
	return d.lastInterstitial.IsZero() || now.Sub(d.lastInterstitial) >= minInterval
}

// Gate implements popup.AdSignalSink.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	devices     map[popup.Subject]*deviceState
	lastSweep   time.Time
	now         func() time.Time
}

func NewGate(minInterval time.Duration) *Gate {
	return &Gate{minInterval: minInterval, devices: map[popup.Subject]*deviceState{}, now: time.Now}
}

func (g *Gate) device(s popup.Subject) *deviceState {
	d, ok := g.devices[s]
	if !ok {
		d = &deviceState{}
		g.devices[s] = d
	}
	return d
}

func (g *Gate) PopupShown(_ context.Context, s popup.Subject) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(s)
	d.popupShowing = true
	d.shownAt = g.now()
	log.Debug().Str("subject", s.String()).Msg("full-screen popup showing")
	return nil
}

func (g *Gate) PopupDismissed(_ context.Context, s popup.Subject) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.devices[s]; ok {
		d.popupShowing = false
		g.gc(s, d, g.now())
	}
	return nil
}

// gc drops s if its entry carries no information any more.
func (g *Gate) gc(s popup.Subject, d *deviceState, now time.Time) {
	if d.expired(now, g.minInterval) {
		delete(g.devices, s)
	}
	g.sweep(now)
}

// sweep drops all expired entries, at most once per minInterval.
func (g *Gate) sweep(now time.Time) {
	if now.Sub(g.lastSweep) < g.minInterval {
		return
	}
	g.lastSweep = now
	for k, v := range g.devices {
		if v.expired(now, g.minInterval) {
			delete(g.devices, k)
		}
	}
}

// PopupShowing reports whether a full-screen popup is currently up for s.
func (g *Gate) PopupShowing(s popup.Subject) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[s]
	return ok && d.popupShowing && g.now().Sub(d.shownAt) < popupTTL
}

// AllowInterstitial reports whether an interstitial may be shown to s at now.
func (g *Gate) AllowInterstitial(s popup.Subject, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[s]
	if !ok {
		g.sweep(now)
		return true
	}
	allowed := d.expired(now, g.minInterval)
	g.gc(s, d, now)
	return allowed
}

// RecordInterstitial marks that an interstitial was shown to s at at.
func (g *Gate) RecordInterstitial(s popup.Subject, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(s)
	d.lastInterstitial = at
	g.gc(s, d, at)
}
