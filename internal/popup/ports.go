package popup

import (
	"context"
	"time"
)

// PolicySource supplies the current remote policies for an app. A nil policy with a
// nil error means none is configured. Each lookup may fail independently.
type PolicySource interface {
	EmergencyPolicy(ctx context.Context, appID string) (*EmergencyPolicy, error)
	UpdatePolicy(ctx context.Context, appID string) (*UpdatePolicy, error)
	NoticePolicy(ctx context.Context, appID string) (*NoticePolicy, error)
}

// DismissalStore persists DismissalState per Subject. Unknown subjects load as the
// zero state.
type DismissalStore interface {
	LoadDismissal(ctx context.Context, s Subject) (DismissalState, error)
	RecordLater(ctx context.Context, s Subject, at time.Time) (DismissalState, error)
	RecordNoticeSeen(ctx context.Context, s Subject, version int) (DismissalState, error)
}

// AdSignalSink is told when a full-screen popup starts or stops showing so ads are
// not placed over it. Best effort: errors never change a decision.
type AdSignalSink interface {
	PopupShown(ctx context.Context, s Subject) error
	PopupDismissed(ctx context.Context, s Subject) error
}
