package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/cache"
	"popup-policy-engine/internal/observability"
	"popup-policy-engine/internal/popup"
	"popup-policy-engine/internal/storage"
)

// ErrSnapshotNotReady is returned by policy lookups before the first snapshot build.
var ErrSnapshotNotReady = errors.New("policy snapshot not loaded")

// Loader supplies raw policy rows. Implemented by storage.Store and policyfile.File.
type Loader interface {
	LoadPolicies(ctx context.Context) (storage.PolicyRows, error)
}

type snapshot struct {
	apps  map[string]appPolicies
	stats Stats
}

// PopupEngine serves policies from an immutable snapshot and resolves popups
// against per-device dismissal state.
type PopupEngine struct {
	snap       cache.Snapshot[snapshot]
	dismissals popup.DismissalStore
	resolver   *popup.Resolver
	now        func() time.Time
}

type Option func(*PopupEngine)

// WithClock overrides the wall clock used for SystemContext and dismissals.
func WithClock(now func() time.Time) Option {
	return func(e *PopupEngine) { e.now = now }
}

func NewEngine(dismissals popup.DismissalStore, sink popup.AdSignalSink, opts ...Option) *PopupEngine {
	e := &PopupEngine{
		dismissals: dismissals,
		resolver:   popup.NewResolver(sink),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BuildSnapshot loads all policies, drops invalid ones and swaps in a new index.
// On error the previous snapshot stays in place. Kinds the loader reports as
// stale keep their policies from the previous snapshot.
func (e *PopupEngine) BuildSnapshot(ctx context.Context, l Loader) error {
	rows, err := l.LoadPolicies(ctx)
	if err != nil {
		return err
	}

	prev, _ := e.snap.Load()
	s := buildIndex(rows, prev.apps)
	e.snap.Store(s)
	observability.SnapshotApps.Set(float64(s.stats.Apps))
	log.Info().
		Int("apps", s.stats.Apps).
		Int("emergency", s.stats.Emergency).
		Int("update", s.stats.Update).
		Int("notice", s.stats.Notice).
		Int("skipped", s.stats.Skipped).
		Strs("stale", rows.Stale).
		Msg("policy snapshot built")
	return nil
}

func normalizeApp(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func buildIndex(rows storage.PolicyRows, prev map[string]appPolicies) snapshot {
	s := snapshot{apps: map[string]appPolicies{}}
	s.stats.Skipped = rows.Skipped

	for app, old := range prev {
		var ap appPolicies
		if rows.IsStale(storage.KindEmergency) {
			ap.Emergency = old.Emergency
		}
		if rows.IsStale(storage.KindUpdate) {
			ap.Update = old.Update
		}
		if rows.IsStale(storage.KindNotice) {
			ap.Notice = old.Notice
		}
		if ap != (appPolicies{}) {
			s.apps[app] = ap
		}
	}

	skip := func(tier string, err error) {
		s.stats.Skipped++
		observability.InvalidPolicies.WithLabelValues(tier).Inc()
		log.Warn().Err(err).Str("tier", tier).Msg("skipping invalid policy")
	}

	// later rows for the same app replace earlier ones
	for _, p := range rows.Emergency {
		p := p
		p.AppID = normalizeApp(p.AppID)
		if err := p.Validate(); err != nil {
			skip(storage.KindEmergency, err)
			continue
		}
		ap := s.apps[p.AppID]
		ap.Emergency = &p
		s.apps[p.AppID] = ap
	}
	for _, p := range rows.Update {
		p := p
		p.AppID = normalizeApp(p.AppID)
		if err := p.Validate(); err != nil {
			skip(storage.KindUpdate, err)
			continue
		}
		ap := s.apps[p.AppID]
		ap.Update = &p
		s.apps[p.AppID] = ap
	}
	for _, p := range rows.Notice {
		p := p
		p.AppID = normalizeApp(p.AppID)
		if err := p.Validate(); err != nil {
			skip(storage.KindNotice, err)
			continue
		}
		ap := s.apps[p.AppID]
		ap.Notice = &p
		s.apps[p.AppID] = ap
	}

	for _, ap := range s.apps {
		if ap.Emergency != nil {
			s.stats.Emergency++
		}
		if ap.Update != nil {
			s.stats.Update++
		}
		if ap.Notice != nil {
			s.stats.Notice++
		}
	}
	s.stats.Apps = len(s.apps)
	return s
}

func (e *PopupEngine) lookup(appID string) (appPolicies, error) {
	s, ok := e.snap.Load()
	if !ok {
		return appPolicies{}, ErrSnapshotNotReady
	}
	return s.apps[normalizeApp(appID)], nil
}

// Copies are returned so callers cannot mutate the shared snapshot.

func (e *PopupEngine) EmergencyPolicy(_ context.Context, appID string) (*popup.EmergencyPolicy, error) {
	ap, err := e.lookup(appID)
	if err != nil || ap.Emergency == nil {
		return nil, err
	}
	p := *ap.Emergency
	return &p, nil
}

func (e *PopupEngine) UpdatePolicy(_ context.Context, appID string) (*popup.UpdatePolicy, error) {
	ap, err := e.lookup(appID)
	if err != nil || ap.Update == nil {
		return nil, err
	}
	p := *ap.Update
	return &p, nil
}

func (e *PopupEngine) NoticePolicy(_ context.Context, appID string) (*popup.NoticePolicy, error) {
	ap, err := e.lookup(appID)
	if err != nil || ap.Notice == nil {
		return nil, err
	}
	p := *ap.Notice
	return &p, nil
}

// Stats reports the current snapshot; ok is false before the first build.
func (e *PopupEngine) Stats() (Stats, bool) {
	s, ok := e.snap.Load()
	return s.stats, ok
}

// Decide resolves the popup for one device. It never fails: an unreadable
// dismissal state is treated as never dismissed.
func (e *PopupEngine) Decide(ctx context.Context, req DecideRequest) popup.Decision {
	req.Subject.AppID = normalizeApp(req.Subject.AppID)

	st, err := e.dismissals.LoadDismissal(ctx, req.Subject)
	if err != nil {
		log.Warn().Err(err).Str("subject", req.Subject.String()).Msg("dismissal state unavailable; using empty state")
		st = popup.DismissalState{}
	}

	sys := popup.NewSystemContext(req.VersionCode, e.now())
	d := e.resolver.Evaluate(ctx, req.Subject, e, st, sys)

	observability.Decisions.WithLabelValues(d.Kind.String()).Inc()
	log.Debug().
		Str("subject", req.Subject.String()).
		Int("version", req.VersionCode).
		Str("decision", d.Kind.String()).
		Msg("popup decided")
	return d
}

// Later records that the user postponed the update prompt now.
func (e *PopupEngine) Later(ctx context.Context, s popup.Subject) (popup.DismissalState, error) {
	s.AppID = normalizeApp(s.AppID)
	return e.dismissals.RecordLater(ctx, s, e.now())
}

// NoticeSeen records that the user dismissed the given notice version.
func (e *PopupEngine) NoticeSeen(ctx context.Context, s popup.Subject, version int) (popup.DismissalState, error) {
	s.AppID = normalizeApp(s.AppID)
	return e.dismissals.RecordNoticeSeen(ctx, s, version)
}
