package licensing

import "sort"

// Snapshot is the immutable read-side view consumed by the rest of the
// application. It merges the stored activation (or its absence) with the
// grace-period classification, and is recomputed on every read.
type Snapshot struct {
	IsActivated        bool               `json:"is_activated"`
	PlanID             string             `json:"plan_id,omitempty"`
	PlanName           string             `json:"plan_name,omitempty"`
	Features           []string           `json:"features"`
	BusinessName       string             `json:"business_name,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty"`
	IsOfflineMode      bool               `json:"is_offline_mode"`
	WarningLevel       WarningLevel       `json:"warning_level"`
	RemainingDays      float64            `json:"remaining_days,omitempty"`
}

// Project combines an activation row with the grace-period output. A nil or
// inactive activation projects to a not-activated snapshot.
func Project(a *Activation, g GraceStatus) Snapshot {
	if a == nil || !a.IsActive {
		return Snapshot{WarningLevel: WarnNone, Features: []string{}}
	}

	features := append([]string(nil), a.Features...)
	sort.Strings(features)

	status := a.SubscriptionStatus
	if g.IsOfflineMode && g.WarningLevel != WarnExpired {
		status = StatusOfflineGrace
	}

	return Snapshot{
		IsActivated:        true,
		PlanID:             a.PlanID,
		PlanName:           a.PlanName,
		Features:           features,
		BusinessName:       a.BusinessName,
		SubscriptionStatus: status,
		IsOfflineMode:      g.IsOfflineMode,
		WarningLevel:       g.WarningLevel,
		RemainingDays:      g.RemainingDays,
	}
}

// HasFeature checks if the snapshot grants a capability. Expired offline
// grace and revoked subscriptions block all paid capabilities.
func (s Snapshot) HasFeature(name string) bool {
	if !s.IsActivated || s.WarningLevel == WarnExpired {
		return false
	}
	if !Behavior(s.SubscriptionStatus).FeaturesAvailable {
		return false
	}
	for _, f := range s.Features {
		if f == name {
			return true
		}
	}
	return false
}
