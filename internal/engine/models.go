package engine

import (
	"popup-policy-engine/internal/popup"
)

// appPolicies is the current policy of each kind for one app. Nil means none.
type appPolicies struct {
	Emergency *popup.EmergencyPolicy
	Update    *popup.UpdatePolicy
	Notice    *popup.NoticePolicy
}

// DecideRequest is one client asking which popup to show.
type DecideRequest struct {
	Subject     popup.Subject // app id lower-cased at handler
	VersionCode int
}

// Stats describes the loaded snapshot.
type Stats struct {
	Apps      int `json:"apps"`
	Emergency int `json:"emergency"`
	Update    int `json:"update"`
	Notice    int `json:"notice"`
	Skipped   int `json:"skipped"`
}
