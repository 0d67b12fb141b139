package popup

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidPolicy marks a fetched policy that is missing mandatory fields.
var ErrInvalidPolicy = errors.New("invalid policy")

const millisPerHour = int64(time.Hour / time.Millisecond)

// MaxReshowIntervalHours is the largest reshow interval whose length in
// milliseconds fits an int64.
const MaxReshowIntervalHours = math.MaxInt64 / millisPerHour

// EmergencyPolicy is a remote kill-switch / urgent notice.
type EmergencyPolicy struct {
	AppID         string `json:"app_id" yaml:"app_id"`
	IsActive      bool   `json:"is_active" yaml:"is_active"`
	Content       string `json:"content" yaml:"content"`
	RedirectURL   string `json:"redirect_url,omitempty" yaml:"redirect_url"`
	ButtonText    string `json:"button_text,omitempty" yaml:"button_text"`
	IsDismissible bool   `json:"is_dismissible" yaml:"is_dismissible"`
}

type UpdatePolicy struct {
	AppID               string `json:"app_id" yaml:"app_id"`
	IsActive            bool   `json:"is_active" yaml:"is_active"`
	TargetVersionCode   int    `json:"target_version_code" yaml:"target_version_code"`
	IsForceUpdate       bool   `json:"is_force_update" yaml:"is_force_update"`
	ReleaseNotes        string `json:"release_notes,omitempty" yaml:"release_notes"`
	DownloadURL         string `json:"download_url,omitempty" yaml:"download_url"`
	ReshowIntervalHours int64  `json:"reshow_interval_hours" yaml:"reshow_interval_hours"`
	MaxLaterCount       int    `json:"max_later_count" yaml:"max_later_count"`
}

type NoticePolicy struct {
	AppID         string `json:"app_id" yaml:"app_id"`
	IsActive      bool   `json:"is_active" yaml:"is_active"`
	Title         string `json:"title,omitempty" yaml:"title"`
	Content       string `json:"content" yaml:"content"`
	NoticeVersion int    `json:"notice_version" yaml:"notice_version"`
}

func (p EmergencyPolicy) Validate() error {
	if strings.TrimSpace(p.AppID) == "" {
		return fmt.Errorf("%w: emergency: empty app id", ErrInvalidPolicy)
	}
	if p.Content == "" {
		return fmt.Errorf("%w: emergency %s: empty content", ErrInvalidPolicy, p.AppID)
	}
	return nil
}

func (p UpdatePolicy) Validate() error {
	switch {
	case strings.TrimSpace(p.AppID) == "":
		return fmt.Errorf("%w: update: empty app id", ErrInvalidPolicy)
	case p.TargetVersionCode <= 0:
		return fmt.Errorf("%w: update %s: missing target version code", ErrInvalidPolicy, p.AppID)
	case p.ReshowIntervalHours < 0:
		return fmt.Errorf("%w: update %s: negative reshow interval", ErrInvalidPolicy, p.AppID)
	case p.ReshowIntervalHours > MaxReshowIntervalHours:
		return fmt.Errorf("%w: update %s: reshow interval of %d hours out of range", ErrInvalidPolicy, p.AppID, p.ReshowIntervalHours)
	case p.MaxLaterCount < 0:
		return fmt.Errorf("%w: update %s: negative max later count", ErrInvalidPolicy, p.AppID)
	}
	return nil
}

func (p NoticePolicy) Validate() error {
	if strings.TrimSpace(p.AppID) == "" {
		return fmt.Errorf("%w: notice: empty app id", ErrInvalidPolicy)
	}
	if p.Content == "" {
		return fmt.Errorf("%w: notice %s: empty content", ErrInvalidPolicy, p.AppID)
	}
	return nil
}

// Subject identifies one installation of one app.
type Subject struct {
	AppID    string `json:"app"`
	DeviceID string `json:"device"`
}

func (s Subject) String() string { return s.AppID + "/" + s.DeviceID }

// DismissalState is the locally persisted interaction history of a Subject.
// The resolver only reads it; callers advance it with Later and NoticeSeen.
type DismissalState struct {
	LaterCount            int   `json:"later_count"`
	LastLaterTimeMillis   int64 `json:"last_later_time_millis"`
	LastSeenNoticeVersion int   `json:"last_seen_notice_version"`
}

// Later returns the state after the user postponed the update prompt at now.
func (s DismissalState) Later(now time.Time) DismissalState {
	s.LaterCount++
	s.LastLaterTimeMillis = now.UnixMilli()
	return s
}

// NoticeSeen returns the state after the user dismissed the given notice.
// The seen version never moves backwards.
func (s DismissalState) NoticeSeen(version int) DismissalState {
	if version > s.LastSeenNoticeVersion {
		s.LastSeenNoticeVersion = version
	}
	return s
}

type SystemContext struct {
	CurrentVersionCode int
	NowMillis          int64
}

func NewSystemContext(versionCode int, now time.Time) SystemContext {
	return SystemContext{CurrentVersionCode: versionCode, NowMillis: now.UnixMilli()}
}

// Kind tags which popup a Decision carries.
type Kind int

const (
	KindNone Kind = iota
	KindEmergency
	KindUpdate
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindEmergency:
		return "emergency"
	case KindUpdate:
		return "update"
	case KindNotice:
		return "notice"
	default:
		return "none"
	}
}

// FullScreen reports whether the popup blocks the screen and must not overlap an ad.
func (k Kind) FullScreen() bool { return k == KindEmergency || k == KindUpdate }

// Decision is the single outcome of one evaluation. Only the field matching Kind is set.
type Decision struct {
	Kind      Kind
	Emergency *EmergencyPolicy
	Update    *UpdatePolicy
	Notice    *NoticePolicy
}

func None() Decision { return Decision{Kind: KindNone} }

func ShowEmergency(p EmergencyPolicy) Decision {
	return Decision{Kind: KindEmergency, Emergency: &p}
}

func ShowUpdate(p UpdatePolicy) Decision {
	return Decision{Kind: KindUpdate, Update: &p}
}

func ShowNotice(p NoticePolicy) Decision {
	return Decision{Kind: KindNotice, Notice: &p}
}

// Input is everything one evaluation reads. Nil policies are absent.
type Input struct {
	Emergency *EmergencyPolicy
	Update    *UpdatePolicy
	Notice    *NoticePolicy
	State     DismissalState
	System    SystemContext
}
