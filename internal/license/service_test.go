package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

// fakeAuthority is a scriptable license server.
type fakeAuthority struct {
	mu sync.Mutex

	status          licensing.SubscriptionStatus
	denyAll         bool   // authoritative denial on every endpoint
	denyCode        string // code sent with denials
	unreachable     bool   // 500 on everything
	heartbeatNoData bool   // heartbeat success without a data payload
	activateHits    int
	validateHits    int
	heartbeats      int
	deactivates     int
}

func newFakeAuthority(status licensing.SubscriptionStatus) *fakeAuthority {
	return &fakeAuthority{status: status, denyCode: "license_disabled"}
}

func (f *fakeAuthority) setUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

func (f *fakeAuthority) setDenyAll(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyAll = true
	f.denyCode = code
}

func (f *fakeAuthority) setHeartbeatNoData(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatNoData = v
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if f.denyAll {
		respond(w, licenseResponse{Success: false, Code: f.denyCode, Message: "license disabled"})
		return
	}

	data := testEntitlements(f.status)
	switch r.URL.Path {
	case "/api/v2/licenses/activate":
		f.activateHits++
		var req licenseRequest
		json.NewDecoder(r.Body).Decode(&req)
		data.ActivationID = "act-" + req.LicenseKey
		respond(w, licenseResponse{Success: true, Data: data})
	case "/api/v2/licenses/validate":
		f.validateHits++
		respond(w, licenseResponse{Success: true, Data: data})
	case "/api/v2/licenses/heartbeat":
		f.heartbeats++
		if f.heartbeatNoData {
			respond(w, licenseResponse{Success: true})
			return
		}
		respond(w, licenseResponse{Success: true, Data: &EntitlementData{SubscriptionStatus: f.status}})
	case "/api/v2/licenses/deactivate":
		f.deactivates++
		respond(w, licenseResponse{Success: true})
	default:
		http.NotFound(w, r)
	}
}

func newTestService(t *testing.T, authority *fakeAuthority) (*Service, *Store) {
	t.Helper()
	return newTestServiceWithInterval(t, authority, time.Hour)
}

func newTestServiceWithInterval(t *testing.T, authority *fakeAuthority, interval time.Duration) (*Service, *Store) {
	t.Helper()

	server := httptest.NewServer(authority)
	t.Cleanup(server.Close)

	dataDir := t.TempDir()
	store, err := NewStore(StoreConfig{DataDir: dataDir})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client, err := NewClient(ClientConfig{ServerURL: server.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	svc, err := NewService(ServiceConfig{
		Client:            client,
		Store:             store,
		DataDir:           dataDir,
		TerminalName:      "front-counter",
		HeartbeatInterval: interval,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, store
}

// Scenario: a fresh activation on a trial plan.
func TestService_ActivateTrial(t *testing.T) {
	svc, store := newTestService(t, newFakeAuthority(licensing.StatusTrialing))

	snap, err := svc.Activate(context.Background(), "AUR-PRO-V2-ABCDEFGH-12345678", "front-counter")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !snap.IsActivated || snap.IsOfflineMode {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SubscriptionStatus != licensing.StatusTrialing {
		t.Fatalf("SubscriptionStatus = %s, want trialing", snap.SubscriptionStatus)
	}

	active, err := store.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active == nil || active.SubscriptionStatus != licensing.StatusTrialing {
		t.Fatalf("stored row = %+v", active)
	}
	if !svc.scheduler.Running() {
		t.Fatalf("heartbeat scheduler not started after activation")
	}
	if !svc.HasFeature("reports") {
		t.Fatalf("activated terminal missing plan feature")
	}
}

func TestService_ActivateInvalidKey(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	authority.setDenyAll("invalid_key")
	svc, store := newTestService(t, authority)

	_, err := svc.Activate(context.Background(), "AUR-BAD-KEY", "front-counter")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}

	active, _ := store.GetActive()
	if active != nil {
		t.Fatalf("failed activation left an active row: %+v", active)
	}

	// The failed attempt is still audited.
	logs, _ := store.RecentLogs(5)
	if len(logs) == 0 || logs[0].Action != licensing.ActionActivation {
		t.Fatalf("activation failure not logged: %+v", logs)
	}
}

// Offline for 3.5 days: offline mode with a low warning and 1-4 days left.
func TestService_OfflineGraceLowWarning(t *testing.T) {
	svc, store := newTestService(t, newFakeAuthority(licensing.StatusActive))

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := store.UpdateLiveness(time.Now().UTC().Add(-84*time.Hour), ""); err != nil {
		t.Fatalf("UpdateLiveness: %v", err)
	}

	snap := svc.Status()
	if !snap.IsOfflineMode {
		t.Fatalf("expected offline mode: %+v", snap)
	}
	if snap.WarningLevel != licensing.WarnLow {
		t.Fatalf("WarningLevel = %s, want low", snap.WarningLevel)
	}
	if snap.RemainingDays <= 1 || snap.RemainingDays > 4 {
		t.Fatalf("RemainingDays = %f, want in (1,4]", snap.RemainingDays)
	}
	if snap.SubscriptionStatus != licensing.StatusOfflineGrace {
		t.Fatalf("SubscriptionStatus = %s, want offline_grace", snap.SubscriptionStatus)
	}
	if !snap.HasFeature("reports") {
		t.Fatalf("offline grace must preserve features")
	}
}

// Eight days with zero successful heartbeats: expired, privileged calls blocked.
func TestService_GraceExpiredBlocksPrivilegedOps(t *testing.T) {
	svc, store := newTestService(t, newFakeAuthority(licensing.StatusActive))

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := store.UpdateLiveness(time.Now().UTC().Add(-8*24*time.Hour), ""); err != nil {
		t.Fatalf("UpdateLiveness: %v", err)
	}

	snap := svc.Status()
	if snap.WarningLevel != licensing.WarnExpired {
		t.Fatalf("WarningLevel = %s, want expired", snap.WarningLevel)
	}
	if err := svc.RequireFeature("reports"); !errors.Is(err, ErrGraceExpired) {
		t.Fatalf("RequireFeature = %v, want ErrGraceExpired", err)
	}
	if svc.HasFeature("reports") {
		t.Fatalf("expired grace still grants features")
	}

	// A successful heartbeat resets the grace clock.
	if err := svc.RetryHeartbeat(context.Background()); err != nil {
		t.Fatalf("RetryHeartbeat: %v", err)
	}
	if snap := svc.Status(); snap.WarningLevel != licensing.WarnNone {
		t.Fatalf("WarningLevel after heartbeat = %s, want none", snap.WarningLevel)
	}
	if err := svc.RequireFeature("reports"); err != nil {
		t.Fatalf("RequireFeature after recovery: %v", err)
	}
}

// A failed heartbeat must leave lastHeartbeat untouched so only successful
// contact resets the grace clock.
func TestService_FailedHeartbeatKeepsGraceClock(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	past := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	if err := store.UpdateLiveness(past, ""); err != nil {
		t.Fatalf("UpdateLiveness: %v", err)
	}

	authority.setUnreachable(true)
	if err := svc.RetryHeartbeat(context.Background()); !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("RetryHeartbeat = %v, want ErrNetworkUnavailable", err)
	}

	active, _ := store.GetActive()
	if !active.LastHeartbeat.Equal(past) {
		t.Fatalf("failed heartbeat moved LastHeartbeat: %s != %s", active.LastHeartbeat, past)
	}
	if active, _ := store.GetActive(); !active.IsActive {
		t.Fatalf("transient failure deactivated the terminal")
	}

	logs, _ := store.RecentLogs(5)
	if len(logs) == 0 || logs[0].Status != licensing.LogFailed {
		t.Fatalf("failed heartbeat not logged: %+v", logs)
	}
}

// A disabled push event forces validation; the server's denial deactivates
// the terminal immediately regardless of remaining grace.
func TestService_DisabledEventRevokesImmediately(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if svc.Status().WarningLevel != licensing.WarnNone {
		t.Fatalf("expected a healthy terminal before the event")
	}

	var events []string
	var eventsMu sync.Mutex
	svc.OnLicenseEvent(func(e LicenseEvent) {
		eventsMu.Lock()
		events = append(events, e.Type)
		eventsMu.Unlock()
	})

	authority.setDenyAll("license_disabled")

	sub := newFakeSubscription()
	svc.AttachEvents(sub)
	sub.ch <- Event{Type: EventDisabled}

	waitFor(t, 2*time.Second, func() bool {
		active, _ := store.GetActive()
		return active == nil
	})

	if svc.Status().IsActivated {
		t.Fatalf("terminal still activated after server denial")
	}
	waitFor(t, time.Second, func() bool { return !svc.scheduler.Running() })

	eventsMu.Lock()
	defer eventsMu.Unlock()
	found := false
	for _, e := range events {
		if e == "deactivated" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no deactivated event emitted, got %v", events)
	}
}

// Two concurrent activations with different keys: exactly one active row.
func TestService_ConcurrentActivations(t *testing.T) {
	svc, store := newTestService(t, newFakeAuthority(licensing.StatusActive))

	var wg sync.WaitGroup
	keys := []string{"AUR-KEY-ONE", "AUR-KEY-TWO"}
	for _, key := range keys {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Activate(context.Background(), key, ""); err != nil {
				t.Errorf("Activate %s: %v", key, err)
			}
		}()
	}
	wg.Wait()

	if n := countActiveRows(t, store); n != 1 {
		t.Fatalf("active rows = %d, want exactly 1", n)
	}

	// The losing caller observes the winner's row on re-read.
	active, _ := store.GetActive()
	if active == nil || (active.LicenseKey != keys[0] && active.LicenseKey != keys[1]) {
		t.Fatalf("unexpected surviving activation: %+v", active)
	}
}

// Local deactivation is unconditional: a dead server must not leave the
// terminal stuck activated.
func TestService_DeactivateSurvivesNetworkFault(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	authority.setUnreachable(true)
	if err := svc.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate with dead server: %v", err)
	}

	active, _ := store.GetActive()
	if active != nil {
		t.Fatalf("terminal still active after deactivation: %+v", active)
	}
	if svc.scheduler.Running() {
		t.Fatalf("scheduler still running after deactivation")
	}

	// Second deactivate is a no-op, not an error.
	if err := svc.Deactivate(context.Background()); err != nil {
		t.Fatalf("repeat Deactivate: %v", err)
	}

	logs, _ := store.RecentLogs(5)
	if len(logs) == 0 || logs[0].Status != licensing.LogLocalOnly {
		t.Fatalf("local-only deactivation not logged: %+v", logs)
	}
}

// An authoritative denial arriving through a *scheduled* heartbeat tick must
// revoke the terminal and leave the scheduler stoppable: the revocation runs
// on the scheduler's own goroutine.
func TestService_ScheduledTickRevocationStopsScheduler(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	svc, store := newTestServiceWithInterval(t, authority, 20*time.Millisecond)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	authority.setDenyAll("license_disabled")

	waitFor(t, 2*time.Second, func() bool {
		active, _ := store.GetActive()
		return active == nil
	})
	waitFor(t, 2*time.Second, func() bool { return !svc.scheduler.Running() })

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked after a scheduled-tick revocation")
	}
}

// A heartbeat success without a data payload bumps liveness but must not
// rewrite the stored subscription status.
func TestService_HeartbeatWithoutStatusKeepsStored(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusTrialing)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	past := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	if err := store.UpdateLiveness(past, ""); err != nil {
		t.Fatalf("UpdateLiveness: %v", err)
	}

	authority.setHeartbeatNoData(true)
	if err := svc.RetryHeartbeat(context.Background()); err != nil {
		t.Fatalf("RetryHeartbeat: %v", err)
	}

	active, _ := store.GetActive()
	if active.SubscriptionStatus != licensing.StatusTrialing {
		t.Fatalf("status rewritten to %s, want trialing", active.SubscriptionStatus)
	}
	if !active.LastHeartbeat.After(past) {
		t.Fatalf("LastHeartbeat not advanced: %s", active.LastHeartbeat)
	}
}

func TestService_EmitNotifiesAllHandlers(t *testing.T) {
	svc, _ := newTestService(t, newFakeAuthority(licensing.StatusActive))

	var first, second atomic.Int64
	svc.OnLicenseEvent(func(LicenseEvent) { first.Add(1) })
	svc.OnLicenseEvent(func(LicenseEvent) { second.Add(1) })

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if first.Load() == 0 || second.Load() == 0 {
		t.Fatalf("handlers not notified: first=%d second=%d", first.Load(), second.Load())
	}
}

func TestService_AttachEventsConcurrently(t *testing.T) {
	svc, _ := newTestService(t, newFakeAuthority(licensing.StatusActive))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.AttachEvents(newFakeSubscription())
		}()
	}
	wg.Wait()
	svc.Close()
}

func TestService_ValidateRefreshesEntitlements(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusTrialing)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Plan upgrade server-side: validation must replace local state.
	authority.mu.Lock()
	authority.status = licensing.StatusActive
	authority.mu.Unlock()

	snap, err := svc.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if snap.SubscriptionStatus != licensing.StatusActive {
		t.Fatalf("SubscriptionStatus = %s, want active", snap.SubscriptionStatus)
	}

	active, _ := store.GetActive()
	if active.SubscriptionStatus != licensing.StatusActive {
		t.Fatalf("stored status = %s, want active", active.SubscriptionStatus)
	}
}

func TestService_ValidateOfflineKeepsActivation(t *testing.T) {
	authority := newFakeAuthority(licensing.StatusActive)
	svc, store := newTestService(t, authority)

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	authority.setUnreachable(true)
	snap, err := svc.Validate(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Validate = %v, want ErrNetworkUnavailable", err)
	}
	if !snap.IsActivated {
		t.Fatalf("transient validation failure dropped the activation")
	}
	if active, _ := store.GetActive(); active == nil {
		t.Fatalf("transient validation failure deactivated the row")
	}
}

func TestService_ValidateWithoutActivation(t *testing.T) {
	svc, _ := newTestService(t, newFakeAuthority(licensing.StatusActive))

	_, err := svc.Validate(context.Background())
	if !errors.Is(err, ErrNoActivation) {
		t.Fatalf("Validate = %v, want ErrNoActivation", err)
	}
}

func TestService_InitializeRestoresScheduler(t *testing.T) {
	svc, store := newTestService(t, newFakeAuthority(licensing.StatusActive))

	// Nothing stored: initialize is a no-op.
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize empty: %v", err)
	}
	if svc.scheduler.Running() {
		t.Fatalf("scheduler running without an activation")
	}

	if err := store.UpsertActivation(testStoreActivation("AUR-KEY")); err != nil {
		t.Fatalf("UpsertActivation: %v", err)
	}
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !svc.scheduler.Running() {
		t.Fatalf("scheduler not restored on startup with an active license")
	}
}

func TestService_SnapshotRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, newFakeAuthority(licensing.StatusActive))

	if _, err := svc.Activate(context.Background(), "AUR-KEY", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	snap, err := svc.ExtractSnapshot("AUR-KEY")
	if err != nil {
		t.Fatalf("ExtractSnapshot: %v", err)
	}
	if snap.Activation == nil {
		t.Fatalf("snapshot missing activation")
	}

	if err := svc.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if !svc.Status().IsActivated {
		t.Fatalf("terminal not activated after restore")
	}
}
