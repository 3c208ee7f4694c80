package licensing

import "time"

// WarningLevel classifies how long the terminal has been offline.
type WarningLevel string

const (
	WarnNone    WarningLevel = "none"
	WarnLow     WarningLevel = "low"
	WarnHigh    WarningLevel = "high"
	WarnExpired WarningLevel = "expired"
)

// Default grace thresholds. Deployments can override these through
// GracePolicy; the constants are the contractual defaults.
const (
	DefaultOfflineAfter   = 24 * time.Hour
	DefaultGraceBudget    = 7 * 24 * time.Hour
	DefaultHighWarnWindow = 3 * 24 * time.Hour
)

// GracePolicy turns "time since last successful server contact" into an
// offline/warning classification. It is pure: no clock access, no I/O.
type GracePolicy struct {
	// OfflineAfter is how long without contact before the terminal is
	// considered offline. Exactly OfflineAfter elapsed counts as offline.
	OfflineAfter time.Duration

	// GraceBudget is the total offline allowance. Exactly GraceBudget
	// elapsed counts as expired.
	GraceBudget time.Duration

	// HighWarnWindow is the remaining-budget window that escalates the
	// warning from low to high.
	HighWarnWindow time.Duration
}

// DefaultGracePolicy returns the standard 24h/7d/3d policy.
func DefaultGracePolicy() GracePolicy {
	return GracePolicy{
		OfflineAfter:   DefaultOfflineAfter,
		GraceBudget:    DefaultGraceBudget,
		HighWarnWindow: DefaultHighWarnWindow,
	}
}

// GraceStatus is derived state, recomputed from the stored lastHeartbeat and
// the current clock on every read. It is never persisted.
type GraceStatus struct {
	IsOfflineMode bool         `json:"is_offline_mode"`
	WarningLevel  WarningLevel `json:"warning_level"`
	RemainingDays float64      `json:"remaining_days"`
}

// Evaluate classifies the elapsed time since the last successful contact.
// A lastHeartbeat in the future (clock rollback) is treated as zero elapsed.
func (p GracePolicy) Evaluate(lastHeartbeat, now time.Time) GraceStatus {
	elapsed := now.Sub(lastHeartbeat)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := p.GraceBudget - elapsed

	status := GraceStatus{
		WarningLevel:  WarnNone,
		RemainingDays: remaining.Hours() / 24,
	}

	if elapsed < p.OfflineAfter {
		return status
	}

	status.IsOfflineMode = true
	switch {
	case remaining <= 0:
		status.WarningLevel = WarnExpired
		status.RemainingDays = 0
	case remaining <= p.HighWarnWindow:
		status.WarningLevel = WarnHigh
	default:
		status.WarningLevel = WarnLow
	}
	return status
}
