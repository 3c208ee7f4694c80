// Package license implements activation, offline-tolerant validation and
// heartbeat scheduling for AurSwift terminals.
package license

import "errors"

// Licensing errors. Callers branch on these to pick user-visible messaging.
var (
	// ErrInvalidKey means the server does not recognize the key. Surfaced,
	// never retried.
	ErrInvalidKey = errors.New("invalid license key")

	// ErrTerminalLimitReached means every activation slot for this license
	// is in use. Surfaced, never retried.
	ErrTerminalLimitReached = errors.New("terminal activation limit reached")

	// ErrNetworkUnavailable covers transport failures and timeouts. The
	// existing activation is unaffected; the grace-period path absorbs it.
	ErrNetworkUnavailable = errors.New("license server unreachable")

	// ErrServerRejected is an authoritative denial. It overrides any
	// remaining grace period and deactivates the terminal immediately.
	ErrServerRejected = errors.New("license rejected by server")

	// ErrNoActivation means no license is activated on this terminal.
	ErrNoActivation = errors.New("no active license on this terminal")

	// ErrGraceExpired blocks privileged operations until a successful
	// heartbeat, validation or explicit reactivation.
	ErrGraceExpired = errors.New("offline grace period expired")
)
