package popup

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = int64(3_600_000)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func emergency(active bool) *EmergencyPolicy {
	return &EmergencyPolicy{AppID: "timer", IsActive: active, Content: "service paused", IsDismissible: true}
}

func update(active bool, target int, force bool) *UpdatePolicy {
	return &UpdatePolicy{
		AppID:               "timer",
		IsActive:            active,
		TargetVersionCode:   target,
		IsForceUpdate:       force,
		ReshowIntervalHours: 24,
		MaxLaterCount:       2,
	}
}

func notice(active bool, version int) *NoticePolicy {
	return &NoticePolicy{AppID: "timer", IsActive: active, Title: "News", Content: "hello", NoticeVersion: version}
}

func sys() SystemContext { return NewSystemContext(100, now) }

func TestDecide_Scenarios(t *testing.T) {
	nowMs := now.UnixMilli()

	tests := []struct {
		name string
		in   Input
		want Kind
	}{
		{
			name: "emergency wins over force update and new notice",
			in:   Input{Emergency: emergency(true), Update: update(true, 200, true), Notice: notice(true, 9), System: sys()},
			want: KindEmergency,
		},
		{
			name: "reshow interval not elapsed",
			in: Input{
				Emergency: emergency(false),
				Update:    update(true, 200, false),
				State:     DismissalState{LaterCount: 1, LastLaterTimeMillis: nowMs - 23*hour},
				System:    sys(),
			},
			want: KindNone,
		},
		{
			name: "reshow interval elapsed",
			in: Input{
				Emergency: emergency(false),
				Update:    update(true, 200, false),
				State:     DismissalState{LaterCount: 1, LastLaterTimeMillis: nowMs - 25*hour},
				System:    sys(),
			},
			want: KindUpdate,
		},
		{
			name: "later count exhausted",
			in: Input{
				Emergency: emergency(false),
				Update:    update(true, 200, false),
				State:     DismissalState{LaterCount: 2, LastLaterTimeMillis: nowMs - 23*hour},
				System:    sys(),
			},
			want: KindUpdate,
		},
		{
			name: "notice older than seen version",
			in: Input{
				Update: update(false, 200, false),
				Notice: notice(true, 4),
				State:  DismissalState{LastSeenNoticeVersion: 5},
				System: sys(),
			},
			want: KindNone,
		},
		{
			name: "nothing configured",
			in:   Input{System: sys()},
			want: KindNone,
		},
		{
			name: "all inactive",
			in:   Input{Emergency: emergency(false), Update: update(false, 200, true), Notice: notice(false, 9), System: sys()},
			want: KindNone,
		},
		{
			name: "never dismissed shows update",
			in:   Input{Update: update(true, 200, false), System: sys()},
			want: KindUpdate,
		},
		{
			name: "suppressed update falls through to notice",
			in: Input{
				Update: update(true, 200, false),
				Notice: notice(true, 3),
				State:  DismissalState{LaterCount: 1, LastLaterTimeMillis: nowMs - hour, LastSeenNoticeVersion: 2},
				System: sys(),
			},
			want: KindNotice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in).Kind)
		})
	}
}

func TestDecide_EmergencyAlwaysWins(t *testing.T) {
	updates := []*UpdatePolicy{nil, update(true, 200, true), update(true, 50, false), update(false, 200, false)}
	notices := []*NoticePolicy{nil, notice(true, 10), notice(false, 10)}
	states := []DismissalState{{}, {LaterCount: 5, LastLaterTimeMillis: now.UnixMilli(), LastSeenNoticeVersion: 1}}

	for _, u := range updates {
		for _, n := range notices {
			for _, st := range states {
				d := Decide(Input{Emergency: emergency(true), Update: u, Notice: n, State: st, System: sys()})
				require.Equal(t, KindEmergency, d.Kind)
				require.NotNil(t, d.Emergency)
				assert.Nil(t, d.Update)
				assert.Nil(t, d.Notice)
			}
		}
	}
}

func TestDecide_ForceUpdateIgnoresDismissals(t *testing.T) {
	states := []DismissalState{
		{},
		{LaterCount: 0, LastLaterTimeMillis: now.UnixMilli()},
		{LaterCount: 1, LastLaterTimeMillis: now.UnixMilli() - 1},
		{LaterCount: 99, LastLaterTimeMillis: now.UnixMilli(), LastSeenNoticeVersion: 100},
	}
	for _, st := range states {
		d := Decide(Input{Emergency: emergency(false), Update: update(true, 101, true), Notice: notice(true, 1), State: st, System: sys()})
		assert.Equal(t, KindUpdate, d.Kind)
	}
}

func TestDecide_ForceUpdateAtOrBelowCurrentVersion(t *testing.T) {
	// a force flag keeps the update eligible even without a newer target
	d := Decide(Input{Update: update(true, 100, true), System: sys()})
	assert.Equal(t, KindUpdate, d.Kind)
}

func TestDecide_VersionGate(t *testing.T) {
	for _, target := range []int{1, 99, 100} {
		d := Decide(Input{Update: update(true, target, false), System: sys()})
		assert.Equal(t, KindNone, d.Kind, "target %d", target)
	}
	assert.Equal(t, KindUpdate, Decide(Input{Update: update(true, 101, false), System: sys()}).Kind)
}

func TestDecide_ReshowBoundary(t *testing.T) {
	const interval = int64(24)
	last := now.UnixMilli()
	st := DismissalState{LaterCount: 1, LastLaterTimeMillis: last}
	u := update(true, 200, false)
	u.ReshowIntervalHours = interval

	cases := []struct {
		offset int64
		want   Kind
	}{
		{0, KindNone},
		{1, KindNone},
		{interval*hour - 1, KindNone},
		{interval * hour, KindUpdate},
		{interval*hour + 1, KindUpdate},
	}
	for _, c := range cases {
		d := Decide(Input{Update: u, State: st, System: SystemContext{CurrentVersionCode: 100, NowMillis: last + c.offset}})
		assert.Equal(t, c.want, d.Kind, "offset %d", c.offset)
	}
}

func TestDecide_HugeReshowIntervalNeverElapses(t *testing.T) {
	last := now.UnixMilli()
	st := DismissalState{LaterCount: 1, LastLaterTimeMillis: last}

	for _, hours := range []int64{MaxReshowIntervalHours, MaxReshowIntervalHours + 1, 1 << 62, math.MaxInt64} {
		u := update(true, 200, false)
		u.ReshowIntervalHours = hours
		d := Decide(Input{Update: u, State: st, System: SystemContext{CurrentVersionCode: 100, NowMillis: last + 1}})
		assert.Equal(t, KindNone, d.Kind, "hours %d", hours)
	}
}

func TestDecide_NoticeVersionGate(t *testing.T) {
	st := DismissalState{LastSeenNoticeVersion: 5}
	assert.Equal(t, KindNone, Decide(Input{Notice: notice(true, 4), State: st}).Kind)
	assert.Equal(t, KindNone, Decide(Input{Notice: notice(true, 5), State: st}).Kind)

	d := Decide(Input{Notice: notice(true, 6), State: st})
	require.Equal(t, KindNotice, d.Kind)
	assert.Equal(t, 6, d.Notice.NoticeVersion)
}

func TestDecide_Idempotent(t *testing.T) {
	in := Input{
		Update: update(true, 200, false),
		Notice: notice(true, 3),
		State:  DismissalState{LaterCount: 1, LastLaterTimeMillis: now.UnixMilli() - 30*hour},
		System: sys(),
	}
	assert.Equal(t, Decide(in), Decide(in))
}

func TestDismissalState_Transitions(t *testing.T) {
	st := DismissalState{}.Later(now)
	assert.Equal(t, 1, st.LaterCount)
	assert.Equal(t, now.UnixMilli(), st.LastLaterTimeMillis)

	st = st.Later(now.Add(time.Hour))
	assert.Equal(t, 2, st.LaterCount)

	st = st.NoticeSeen(7)
	assert.Equal(t, 7, st.LastSeenNoticeVersion)
	st = st.NoticeSeen(3)
	assert.Equal(t, 7, st.LastSeenNoticeVersion)
}

type stubSource struct {
	emergency    *EmergencyPolicy
	update       *UpdatePolicy
	notice       *NoticePolicy
	emergencyErr error
	updateErr    error
	noticeErr    error
	panicUpdate  bool
	calls        []string
}

func (s *stubSource) EmergencyPolicy(context.Context, string) (*EmergencyPolicy, error) {
	s.calls = append(s.calls, tierEmergency)
	return s.emergency, s.emergencyErr
}

func (s *stubSource) UpdatePolicy(context.Context, string) (*UpdatePolicy, error) {
	s.calls = append(s.calls, tierUpdate)
	if s.panicUpdate {
		panic("decode failure")
	}
	return s.update, s.updateErr
}

func (s *stubSource) NoticePolicy(context.Context, string) (*NoticePolicy, error) {
	s.calls = append(s.calls, tierNotice)
	return s.notice, s.noticeErr
}

type recordingSink struct {
	shown, dismissed int
	err              error
	panics           bool
}

func (r *recordingSink) PopupShown(context.Context, Subject) error {
	r.shown++
	if r.panics {
		panic("sink down")
	}
	return r.err
}

func (r *recordingSink) PopupDismissed(context.Context, Subject) error {
	r.dismissed++
	return r.err
}

var subject = Subject{AppID: "timer", DeviceID: "dev-1"}

func TestEvaluate_FetchFailuresDegrade(t *testing.T) {
	fetchErr := errors.New("network unreachable")

	tests := []struct {
		name string
		src  *stubSource
		want Kind
	}{
		{
			name: "emergency fetch fails, update still evaluated",
			src:  &stubSource{emergencyErr: fetchErr, update: update(true, 200, true)},
			want: KindUpdate,
		},
		{
			name: "update fetch fails, notice still evaluated",
			src:  &stubSource{updateErr: fetchErr, notice: notice(true, 1)},
			want: KindNotice,
		},
		{
			name: "update fetch panics, notice still evaluated",
			src:  &stubSource{panicUpdate: true, notice: notice(true, 1)},
			want: KindNotice,
		},
		{
			name: "every tier fails",
			src:  &stubSource{emergencyErr: fetchErr, updateErr: fetchErr, noticeErr: fetchErr},
			want: KindNone,
		},
		{
			name: "invalid update skipped",
			src:  &stubSource{update: &UpdatePolicy{AppID: "timer", IsActive: true, IsForceUpdate: true}, notice: notice(true, 1)},
			want: KindNotice,
		},
		{
			name: "invalid emergency skipped",
			src:  &stubSource{emergency: &EmergencyPolicy{AppID: "timer", IsActive: true}},
			want: KindNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil)
			d := r.Evaluate(context.Background(), subject, tt.src, DismissalState{}, sys())
			assert.Equal(t, tt.want, d.Kind)
		})
	}
}

func TestEvaluate_ShortCircuits(t *testing.T) {
	src := &stubSource{emergency: emergency(true), update: update(true, 200, true), notice: notice(true, 1)}
	d := NewResolver(nil).Evaluate(context.Background(), subject, src, DismissalState{}, sys())

	assert.Equal(t, KindEmergency, d.Kind)
	assert.Equal(t, []string{tierEmergency}, src.calls)

	src = &stubSource{update: update(true, 200, true), notice: notice(true, 1)}
	_ = NewResolver(nil).Evaluate(context.Background(), subject, src, DismissalState{}, sys())
	assert.Equal(t, []string{tierEmergency, tierUpdate}, src.calls)
}

func TestEvaluate_NilSource(t *testing.T) {
	d := NewResolver(nil).Evaluate(context.Background(), subject, nil, DismissalState{}, sys())
	assert.Equal(t, KindNone, d.Kind)
}

func TestResolve_AdSignals(t *testing.T) {
	tests := []struct {
		name          string
		in            Input
		wantShown     int
		wantDismissed int
	}{
		{"emergency signals shown", Input{Emergency: emergency(true)}, 1, 0},
		{"update signals shown", Input{Update: update(true, 200, false), System: sys()}, 1, 0},
		{"notice signals nothing", Input{Notice: notice(true, 1)}, 0, 0},
		{"none signals dismissed", Input{}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			NewResolver(sink).Resolve(context.Background(), subject, tt.in)
			assert.Equal(t, tt.wantShown, sink.shown)
			assert.Equal(t, tt.wantDismissed, sink.dismissed)
		})
	}
}

func TestResolve_SinkFailureDoesNotChangeDecision(t *testing.T) {
	in := Input{Emergency: emergency(true)}
	want := Decide(in)

	failing := &recordingSink{err: errors.New("ad sdk gone")}
	assert.Equal(t, want, NewResolver(failing).Resolve(context.Background(), subject, in))

	panicking := &recordingSink{panics: true}
	assert.NotPanics(t, func() {
		assert.Equal(t, want, NewResolver(panicking).Resolve(context.Background(), subject, in))
	})

	failing = &recordingSink{err: errors.New("ad sdk gone")}
	assert.Equal(t, None(), NewResolver(failing).Resolve(context.Background(), subject, Input{}))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, emergency(true).Validate())
	assert.NoError(t, update(true, 2, false).Validate())
	assert.NoError(t, notice(true, 1).Validate())

	assert.ErrorIs(t, EmergencyPolicy{Content: "x"}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, UpdatePolicy{AppID: "a"}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, UpdatePolicy{AppID: "a", TargetVersionCode: 2, MaxLaterCount: -1}.Validate(), ErrInvalidPolicy)
	assert.NoError(t, UpdatePolicy{AppID: "a", TargetVersionCode: 2, ReshowIntervalHours: MaxReshowIntervalHours}.Validate())
	assert.ErrorIs(t, UpdatePolicy{AppID: "a", TargetVersionCode: 2, ReshowIntervalHours: MaxReshowIntervalHours + 1}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, UpdatePolicy{AppID: "a", TargetVersionCode: 2, ReshowIntervalHours: 1 << 62}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, NoticePolicy{AppID: "a"}.Validate(), ErrInvalidPolicy)
}
