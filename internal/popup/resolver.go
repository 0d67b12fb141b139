package popup

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/observability"
)

const (
	tierEmergency = "emergency"
	tierUpdate    = "update"
	tierNotice    = "notice"
)

// Decide picks the popup to show. Precedence is emergency, then update, then notice.
// It is a total function with no side effects.
func Decide(in Input) Decision {
	if emergencyEligible(in.Emergency) {
		return ShowEmergency(*in.Emergency)
	}
	if updateEligible(in.Update, in.State, in.System) {
		return ShowUpdate(*in.Update)
	}
	if noticeEligible(in.Notice, in.State) {
		return ShowNotice(*in.Notice)
	}
	return None()
}

// IsDismissible is a rendering hint only; it never gates eligibility.
func emergencyEligible(p *EmergencyPolicy) bool {
	return p != nil && p.IsActive
}

func updateEligible(p *UpdatePolicy, st DismissalState, sys SystemContext) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if p.TargetVersionCode <= sys.CurrentVersionCode && !p.IsForceUpdate {
		return false
	}
	if p.IsForceUpdate {
		return true
	}
	if st.LaterCount >= p.MaxLaterCount {
		return true
	}
	if st.LastLaterTimeMillis <= 0 {
		return true
	}
	return sys.NowMillis-st.LastLaterTimeMillis >= reshowMillis(p.ReshowIntervalHours)
}

// reshowMillis converts the interval to milliseconds, saturating at MaxInt64.
func reshowMillis(hours int64) int64 {
	if hours > MaxReshowIntervalHours {
		return math.MaxInt64
	}
	return hours * millisPerHour
}

func noticeEligible(p *NoticePolicy, st DismissalState) bool {
	return p != nil && p.IsActive && p.NoticeVersion > st.LastSeenNoticeVersion
}

// Resolver wraps Decide with per-tier fault containment and ad signalling.
// It keeps no state between calls and is safe for concurrent use.
type Resolver struct {
	sink AdSignalSink
}

// NewResolver returns a Resolver. sink may be nil.
func NewResolver(sink AdSignalSink) *Resolver {
	return &Resolver{sink: sink}
}

// Resolve decides over already fetched inputs and notifies the ad sink.
func (r *Resolver) Resolve(ctx context.Context, s Subject, in Input) Decision {
	d := Decide(in)
	r.signal(ctx, s, d)
	return d
}

// Evaluate fetches each tier lazily from src and resolves. A tier whose fetch fails,
// panics or yields invalid data counts as absent and evaluation moves on to the next
// tier. Evaluate never fails.
func (r *Resolver) Evaluate(ctx context.Context, s Subject, src PolicySource, st DismissalState, sys SystemContext) Decision {
	in := Input{State: st, System: sys}

	if src != nil {
		in.Emergency = fetchTier(ctx, tierEmergency, s.AppID, src.EmergencyPolicy)
		if !emergencyEligible(in.Emergency) {
			in.Update = fetchTier(ctx, tierUpdate, s.AppID, src.UpdatePolicy)
			if !updateEligible(in.Update, st, sys) {
				in.Notice = fetchTier(ctx, tierNotice, s.AppID, src.NoticePolicy)
			}
		}
	}
	return r.Resolve(ctx, s, in)
}

type validator interface {
	Validate() error
}

func fetchTier[T validator](ctx context.Context, tier, appID string, fetch func(context.Context, string) (*T, error)) (p *T) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.PolicyFetchErrors.WithLabelValues(tier).Inc()
			log.Error().Str("tier", tier).Str("app", appID).Interface("panic", rec).Msg("policy fetch panicked; tier skipped")
			p = nil
		}
	}()

	p, err := fetch(ctx, appID)
	if err != nil {
		observability.PolicyFetchErrors.WithLabelValues(tier).Inc()
		log.Warn().Err(err).Str("tier", tier).Str("app", appID).Msg("policy fetch failed; tier skipped")
		return nil
	}
	if p == nil {
		return nil
	}
	if err := (*p).Validate(); err != nil {
		observability.InvalidPolicies.WithLabelValues(tier).Inc()
		log.Warn().Err(err).Str("tier", tier).Msg("invalid policy; tier skipped")
		return nil
	}
	return p
}

func (r *Resolver) signal(ctx context.Context, s Subject, d Decision) {
	if r.sink == nil {
		return
	}
	switch {
	case d.Kind.FullScreen():
		r.notify("shown", func() error { return r.sink.PopupShown(ctx, s) })
	case d.Kind == KindNone:
		r.notify("dismissed", func() error { return r.sink.PopupDismissed(ctx, s) })
	}
}

func (r *Resolver) notify(signal string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.AdSignalErrors.WithLabelValues(signal).Inc()
			log.Error().Str("signal", signal).Interface("panic", rec).Msg("ad signal panicked")
		}
	}()
	if err := fn(); err != nil {
		observability.AdSignalErrors.WithLabelValues(signal).Inc()
		log.Warn().Err(fmt.Errorf("ad signal %s: %w", signal, err)).Msg("ad signal failed")
	}
}
