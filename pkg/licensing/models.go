package licensing

import (
	"time"
)

// Activation is the binding between a license key and one machine. At most
// one activation row is active per installation; superseded rows are kept
// for audit history.
type Activation struct {
	// Local row identifier (UUID).
	ID string `json:"id"`

	// Opaque license key as entered by the operator.
	LicenseKey string `json:"license_key"`

	// Hashed machine identifier; raw hardware identifiers never leave the
	// machine.
	MachineFingerprint string `json:"machine_fingerprint"`

	// Operator-chosen terminal name shown in the merchant dashboard.
	TerminalName string `json:"terminal_name"`

	// Server-issued activation slot identifier.
	ActivationID string `json:"activation_id"`

	PlanID       string   `json:"plan_id"`
	PlanName     string   `json:"plan_name"`
	MaxTerminals int      `json:"max_terminals"`
	Features     []string `json:"features,omitempty"`
	BusinessName string   `json:"business_name,omitempty"`

	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`

	// ExpiresAt is nil for subscriptions without a fixed end date.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	TrialEnd  *time.Time `json:"trial_end,omitempty"`

	ActivatedAt     time.Time `json:"activated_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	LastValidatedAt time.Time `json:"last_validated_at"`

	IsActive bool `json:"is_active"`
}

// HasFeature checks if the activation grants a specific capability.
func (a *Activation) HasFeature(name string) bool {
	if a == nil {
		return false
	}
	for _, f := range a.Features {
		if f == name {
			return true
		}
	}
	return false
}

// LogAction identifies which licensing operation produced a log entry.
type LogAction string

const (
	ActionActivation   LogAction = "activation"
	ActionValidation   LogAction = "validation"
	ActionHeartbeat    LogAction = "heartbeat"
	ActionDeactivation LogAction = "deactivation"
)

// LogStatus records the outcome of a licensing operation.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
	LogError   LogStatus = "error"
	// LogLocalOnly marks operations that completed locally without server
	// contact (unconditional deactivation, store self-healing).
	LogLocalOnly LogStatus = "local_only"
)

// ValidationLogEntry is an immutable audit row appended on every licensing
// attempt. Pruning is an external housekeeping concern.
type ValidationLogEntry struct {
	ID                 string    `json:"id"`
	Action             LogAction `json:"action"`
	Status             LogStatus `json:"status"`
	LicenseKey         string    `json:"license_key"`
	MachineFingerprint string    `json:"machine_fingerprint"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	ServerResponse     string    `json:"server_response,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
