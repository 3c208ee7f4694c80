package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

// LicenseEvent notifies subscribers (UI banners, feature gates) that the
// license state changed.
type LicenseEvent struct {
	Type     string             `json:"type"` // activated | deactivated | revalidated
	Snapshot licensing.Snapshot `json:"snapshot"`
}

// ServiceConfig wires the service facade.
type ServiceConfig struct {
	Client *Client
	Store  *Store
	Policy licensing.GracePolicy

	DataDir      string
	TerminalName string

	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// NowFn is the clock; overridden in tests.
	NowFn func() time.Time
}

// Service is the inbound surface consumed by UI and business logic. All
// state flows through the store; the grace policy and projection are pure.
type Service struct {
	// mu serializes activation and deactivation so exactly one of two
	// concurrent activations commits; the loser observes the winner's row.
	mu sync.Mutex

	client       *Client
	store        *Store
	policy       licensing.GracePolicy
	scheduler    *Scheduler
	synchronizer *Synchronizer
	fingerprint  string
	nowFn        func() time.Time
	logger       zerolog.Logger

	// validateGroup coalesces concurrent forced validations into one
	// server round-trip.
	validateGroup singleflight.Group

	handlersMu sync.RWMutex
	handlers   []func(LicenseEvent)
}

// NewService constructs the facade and computes the machine fingerprint.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Client == nil || cfg.Store == nil {
		return nil, fmt.Errorf("client and store are required")
	}
	if cfg.Policy == (licensing.GracePolicy{}) {
		cfg.Policy = licensing.DefaultGracePolicy()
	}
	if cfg.NowFn == nil {
		cfg.NowFn = func() time.Time { return time.Now().UTC() }
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fingerprint, err := GenerateFingerprint(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("generate machine fingerprint: %w", err)
	}

	s := &Service{
		client:      cfg.Client,
		store:       cfg.Store,
		policy:      cfg.Policy,
		fingerprint: fingerprint,
		nowFn:       cfg.NowFn,
		logger:      log.With().Str("component", "license-service").Logger(),
	}
	s.scheduler = NewScheduler(SchedulerConfig{
		Interval: cfg.HeartbeatInterval,
		Jitter:   cfg.HeartbeatJitter,
	}, s.heartbeatOnce)

	return s, nil
}

// Initialize restores state on app start: self-heals the store and starts
// the heartbeat scheduler if an active license exists.
func (s *Service) Initialize(ctx context.Context) error {
	active, err := s.store.GetActive()
	if err != nil {
		return fmt.Errorf("load activation: %w", err)
	}
	if active == nil {
		s.logger.Info().Msg("No active license on this terminal")
		return nil
	}

	grace := s.policy.Evaluate(active.LastHeartbeat, s.nowFn())
	s.logger.Info().
		Str("plan", active.PlanName).
		Str("status", string(active.SubscriptionStatus)).
		Bool("offline", grace.IsOfflineMode).
		Str("warning", string(grace.WarningLevel)).
		Msg("License restored from store")

	s.scheduler.Start()
	return nil
}

// Activate binds the key to this machine. On success the new binding
// atomically supersedes any prior one and the heartbeat scheduler restarts.
func (s *Service) Activate(ctx context.Context, key, terminalName string) (licensing.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminalName == "" {
		terminalName = s.defaultTerminalName()
	}

	data, err := s.client.Activate(ctx, key, terminalName, s.fingerprint)
	if err != nil {
		metricActivations.WithLabelValues("failed").Inc()
		s.store.AppendLog(licensing.ValidationLogEntry{
			Action:             licensing.ActionActivation,
			Status:             logStatusFor(err),
			LicenseKey:         key,
			MachineFingerprint: s.fingerprint,
			ErrorMessage:       err.Error(),
			CreatedAt:          s.nowFn(),
		})
		return s.Status(), err
	}

	now := s.nowFn()
	activation := activationFromEntitlements(key, terminalName, s.fingerprint, data, now)
	if err := s.store.UpsertActivation(activation); err != nil {
		metricActivations.WithLabelValues("error").Inc()
		return s.Status(), fmt.Errorf("persist activation: %w", err)
	}

	metricActivations.WithLabelValues("success").Inc()
	s.store.AppendLog(licensing.ValidationLogEntry{
		Action:             licensing.ActionActivation,
		Status:             licensing.LogSuccess,
		LicenseKey:         key,
		MachineFingerprint: s.fingerprint,
		ServerResponse:     marshalResponse(data),
		CreatedAt:          now,
	})

	s.scheduler.Start()

	snap := s.Status()
	s.emit(LicenseEvent{Type: "activated", Snapshot: snap})
	s.logger.Info().Str("plan", data.PlanName).Str("terminal", terminalName).Msg("License activated")
	return snap, nil
}

// Validate fetches a fresh entitlement snapshot and replaces local state
// with it. Transient failures leave the stored state untouched; the caller
// gets the offline projection plus the transport error. An authoritative
// denial deactivates immediately, overriding any remaining grace.
func (s *Service) Validate(ctx context.Context) (licensing.Snapshot, error) {
	_, err, _ := s.validateGroup.Do("validate", func() (interface{}, error) {
		return nil, s.validateOnce(ctx)
	})
	return s.Status(), err
}

func (s *Service) validateOnce(ctx context.Context) error {
	active, err := s.store.GetActive()
	if err != nil {
		return fmt.Errorf("load activation: %w", err)
	}
	if active == nil {
		return ErrNoActivation
	}

	data, err := s.client.Validate(ctx, active.LicenseKey, s.fingerprint)
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			metricValidations.WithLabelValues("network_error").Inc()
			s.store.AppendLog(licensing.ValidationLogEntry{
				Action:             licensing.ActionValidation,
				Status:             licensing.LogFailed,
				LicenseKey:         active.LicenseKey,
				MachineFingerprint: s.fingerprint,
				ErrorMessage:       err.Error(),
				CreatedAt:          s.nowFn(),
			})
			return err
		}

		// Authoritative denial: deactivate now regardless of grace left.
		metricValidations.WithLabelValues("rejected").Inc()
		s.revokeLocally(active, err)
		return err
	}

	now := s.nowFn()
	if err := s.store.UpdateEntitlements(active.ID, data, now); err != nil {
		return fmt.Errorf("refresh entitlements: %w", err)
	}

	metricValidations.WithLabelValues("success").Inc()
	s.store.AppendLog(licensing.ValidationLogEntry{
		Action:             licensing.ActionValidation,
		Status:             licensing.LogSuccess,
		LicenseKey:         active.LicenseKey,
		MachineFingerprint: s.fingerprint,
		ServerResponse:     marshalResponse(data),
		CreatedAt:          now,
	})

	s.emit(LicenseEvent{Type: "revalidated", Snapshot: s.Status()})
	return nil
}

// heartbeatOnce is the scheduler tick: a successful contact resets the
// grace-period clock; a failed attempt leaves lastHeartbeat untouched.
func (s *Service) heartbeatOnce(ctx context.Context) error {
	active, err := s.store.GetActive()
	if err != nil {
		return fmt.Errorf("load activation: %w", err)
	}
	if active == nil {
		return ErrNoActivation
	}

	status, err := s.client.Heartbeat(ctx, active.LicenseKey, s.fingerprint)
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			metricHeartbeats.WithLabelValues("network_error").Inc()
			s.store.AppendLog(licensing.ValidationLogEntry{
				Action:             licensing.ActionHeartbeat,
				Status:             licensing.LogFailed,
				LicenseKey:         active.LicenseKey,
				MachineFingerprint: s.fingerprint,
				ErrorMessage:       err.Error(),
				CreatedAt:          s.nowFn(),
			})
			return err
		}

		metricHeartbeats.WithLabelValues("rejected").Inc()
		s.revokeLocally(active, err)
		return err
	}

	now := s.nowFn()
	if err := s.store.UpdateLiveness(now, status); err != nil {
		return fmt.Errorf("update liveness: %w", err)
	}

	metricHeartbeats.WithLabelValues("success").Inc()
	s.store.AppendLog(licensing.ValidationLogEntry{
		Action:             licensing.ActionHeartbeat,
		Status:             licensing.LogSuccess,
		LicenseKey:         active.LicenseKey,
		MachineFingerprint: s.fingerprint,
		ServerResponse:     fmt.Sprintf(`{"subscriptionStatus":%q}`, status),
		CreatedAt:          now,
	})
	return nil
}

// RetryHeartbeat performs one operator-triggered heartbeat without touching
// the timer schedule.
func (s *Service) RetryHeartbeat(ctx context.Context) error {
	return s.scheduler.RetryNow(ctx)
}

// Deactivate releases this terminal. Local deactivation is unconditional:
// the server-side slot release is best-effort, so a network fault can never
// leave the terminal permanently stuck activated.
func (s *Service) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.GetActive()
	if err != nil {
		return fmt.Errorf("load activation: %w", err)
	}
	if active == nil {
		// Idempotent: already deactivated.
		return nil
	}

	status := licensing.LogSuccess
	errMsg := ""
	if err := s.client.Deactivate(ctx, active.LicenseKey, s.fingerprint); err != nil {
		s.logger.Warn().Err(err).Msg("Server-side deactivation failed, deactivating locally anyway")
		status = licensing.LogLocalOnly
		errMsg = err.Error()
	}

	if err := s.store.Deactivate(active.ID); err != nil {
		return fmt.Errorf("deactivate locally: %w", err)
	}
	s.scheduler.Stop()

	s.store.AppendLog(licensing.ValidationLogEntry{
		Action:             licensing.ActionDeactivation,
		Status:             status,
		LicenseKey:         active.LicenseKey,
		MachineFingerprint: s.fingerprint,
		ErrorMessage:       errMsg,
		CreatedAt:          s.nowFn(),
	})

	s.emit(LicenseEvent{Type: "deactivated", Snapshot: s.Status()})
	s.logger.Info().Msg("License deactivated")
	return nil
}

// revokeLocally applies an authoritative server denial. It can run inside a
// scheduled heartbeat tick, so the scheduler is stopped asynchronously: a
// blocking Stop here would wait on the very goroutine executing this call.
func (s *Service) revokeLocally(active *licensing.Activation, cause error) {
	if err := s.store.Deactivate(active.ID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to deactivate after server rejection")
		return
	}
	s.scheduler.StopAsync()

	s.store.AppendLog(licensing.ValidationLogEntry{
		Action:             licensing.ActionValidation,
		Status:             licensing.LogError,
		LicenseKey:         active.LicenseKey,
		MachineFingerprint: s.fingerprint,
		ErrorMessage:       cause.Error(),
		CreatedAt:          s.nowFn(),
	})

	s.emit(LicenseEvent{Type: "deactivated", Snapshot: s.Status()})
	s.logger.Warn().Err(cause).Msg("License revoked by server, terminal deactivated")
}

// Status recomputes the read-side snapshot from the stored activation and
// the current clock. Never cached beyond a single read.
func (s *Service) Status() licensing.Snapshot {
	active, err := s.store.GetActive()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read activation for status")
		return licensing.Project(nil, licensing.GraceStatus{WarningLevel: licensing.WarnNone})
	}
	var grace licensing.GraceStatus
	if active != nil {
		grace = s.policy.Evaluate(active.LastHeartbeat, s.nowFn())
	}
	return licensing.Project(active, grace)
}

// HasFeature checks the current snapshot for a capability.
func (s *Service) HasFeature(name string) bool {
	return s.Status().HasFeature(name)
}

// RequireFeature returns an error when the capability is unavailable. This
// is the privileged-operation gate: expired offline grace blocks everything
// until a successful contact or explicit reactivation.
func (s *Service) RequireFeature(name string) error {
	snap := s.Status()
	if !snap.IsActivated {
		return ErrNoActivation
	}
	if snap.WarningLevel == licensing.WarnExpired {
		return ErrGraceExpired
	}
	if !snap.HasFeature(name) {
		return fmt.Errorf("feature %q not included in plan %s", name, snap.PlanName)
	}
	return nil
}

// MachineInfo returns the display-only hardware summary.
func (s *Service) MachineInfo(ctx context.Context) (MachineInfo, error) {
	return GetMachineInfo(ctx)
}

// Fingerprint returns the hashed machine identifier bound to activations.
func (s *Service) Fingerprint() string {
	return s.fingerprint
}

// OnLicenseEvent registers a handler invoked on every license state change.
func (s *Service) OnLicenseEvent(handler func(LicenseEvent)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Service) emit(event LicenseEvent) {
	s.handlersMu.RLock()
	handlers := append(make([]func(LicenseEvent), 0, len(s.handlers)), s.handlers...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// AttachEvents starts consuming a push subscription. Recognized events force
// an immediate validation; the subscription itself never alters validity.
func (s *Service) AttachEvents(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synchronizer != nil {
		s.synchronizer.Stop()
	}
	s.synchronizer = NewSynchronizer(sub, func(ctx context.Context) error {
		_, err := s.Validate(ctx)
		return err
	})
	s.synchronizer.Start()
}

// RecentLogs returns the newest validation-log rows for diagnostics.
func (s *Service) RecentLogs(limit int) ([]licensing.ValidationLogEntry, error) {
	return s.store.RecentLogs(limit)
}

// ExtractSnapshot exposes the backup handshake to the import wizard.
func (s *Service) ExtractSnapshot(licenseKey string) (*LicenseSnapshot, error) {
	return s.store.ExtractSnapshot(licenseKey)
}

// RestoreSnapshot reinserts a backup snapshot and rebinds the scheduler.
func (s *Service) RestoreSnapshot(snap *LicenseSnapshot) error {
	if err := s.store.RestoreSnapshot(snap); err != nil {
		return err
	}
	if snap != nil && snap.Activation != nil {
		s.scheduler.Start()
	}
	return nil
}

// Close stops background work. The store is owned by the caller.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synchronizer != nil {
		s.synchronizer.Stop()
	}
	s.scheduler.Stop()
}

func (s *Service) defaultTerminalName() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if info, err := GetMachineInfo(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	return "terminal"
}

func activationFromEntitlements(key, terminalName, fingerprint string, data *EntitlementData, now time.Time) *licensing.Activation {
	return &licensing.Activation{
		LicenseKey:         key,
		MachineFingerprint: fingerprint,
		TerminalName:       terminalName,
		ActivationID:       data.ActivationID,
		PlanID:             data.PlanID,
		PlanName:           data.PlanName,
		MaxTerminals:       data.MaxTerminals,
		Features:           append([]string(nil), data.Features...),
		BusinessName:       data.BusinessName,
		SubscriptionStatus: data.SubscriptionStatus,
		ExpiresAt:          data.ExpiresAt,
		TrialEnd:           data.TrialEnd,
		ActivatedAt:        now,
		LastHeartbeat:      now,
		LastValidatedAt:    now,
		IsActive:           true,
	}
}

func logStatusFor(err error) licensing.LogStatus {
	if errors.Is(err, ErrNetworkUnavailable) {
		return licensing.LogFailed
	}
	return licensing.LogError
}

func marshalResponse(data *EntitlementData) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
