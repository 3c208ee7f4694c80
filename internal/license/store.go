package license

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

// StoreConfig configures the SQLite activation store.
type StoreConfig struct {
	DataDir string // Directory for license.db
}

// Store persists the single active binding and an append-only validation
// log. It never calls out to the network.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the activation database under DataDir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "license.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open license database: %w", err)
	}

	// SQLite works best with a single writer connection. This also
	// serializes concurrent activation attempts at the database level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("License store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS license_activations (
		id TEXT PRIMARY KEY,
		license_key TEXT NOT NULL,
		machine_fingerprint TEXT NOT NULL,
		terminal_name TEXT,
		activation_id TEXT,
		plan_id TEXT,
		plan_name TEXT,
		max_terminals INTEGER NOT NULL DEFAULT 0,
		features TEXT,
		business_name TEXT,
		subscription_status TEXT NOT NULL,
		expires_at INTEGER,
		trial_end INTEGER,
		activated_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		last_validated_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_activations_active ON license_activations(is_active);
	CREATE INDEX IF NOT EXISTS idx_activations_key ON license_activations(license_key);

	CREATE TABLE IF NOT EXISTS validation_logs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		license_key TEXT,
		machine_fingerprint TEXT,
		error_message TEXT,
		server_response TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_logs_created ON validation_logs(created_at);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetActive returns the current active binding, or nil if none. If the
// single-active-row invariant is violated (more than one active row), the
// store self-heals: the most recently validated row stays active, the rest
// are deactivated, and the anomaly is logged.
func (s *Store) GetActive() (*licensing.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getActiveLocked()
}

func (s *Store) getActiveLocked() (*licensing.Activation, error) {
	rows, err := s.db.Query(selectActivation + ` WHERE is_active = 1
		ORDER BY last_validated_at DESC, activated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active activation: %w", err)
	}

	var active []*licensing.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		active = append(active, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(active) {
	case 0:
		return nil, nil
	case 1:
		return active[0], nil
	}

	// Invariant violation: most recently validated row wins.
	winner := active[0]
	log.Warn().
		Int("activeRows", len(active)).
		Str("keptID", winner.ID).
		Msg("Multiple active license rows found, self-healing")

	for _, loser := range active[1:] {
		if _, err := s.db.Exec(
			`UPDATE license_activations SET is_active = 0 WHERE id = ?`, loser.ID); err != nil {
			return nil, fmt.Errorf("failed to self-heal activation rows: %w", err)
		}
	}
	s.appendLogLocked(licensing.ValidationLogEntry{
		Action:             licensing.ActionValidation,
		Status:             licensing.LogLocalOnly,
		LicenseKey:         winner.LicenseKey,
		MachineFingerprint: winner.MachineFingerprint,
		ErrorMessage:       fmt.Sprintf("self-healed %d extra active rows", len(active)-1),
		CreatedAt:          time.Now().UTC(),
	})
	return winner, nil
}

// UpsertActivation deactivates any existing active row and inserts the new
// row as active, in a single transaction. A row with the same ID (a restored
// backup snapshot) is updated in place instead of colliding on the primary
// key. The store never holds two active rows mid-operation.
func (s *Store) UpsertActivation(a *licensing.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.IsActive = true

	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin activation transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE license_activations SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate previous activation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO license_activations (
			id, license_key, machine_fingerprint, terminal_name, activation_id,
			plan_id, plan_name, max_terminals, features, business_name,
			subscription_status, expires_at, trial_end,
			activated_at, last_heartbeat, last_validated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			license_key = excluded.license_key,
			machine_fingerprint = excluded.machine_fingerprint,
			terminal_name = excluded.terminal_name,
			activation_id = excluded.activation_id,
			plan_id = excluded.plan_id,
			plan_name = excluded.plan_name,
			max_terminals = excluded.max_terminals,
			features = excluded.features,
			business_name = excluded.business_name,
			subscription_status = excluded.subscription_status,
			expires_at = excluded.expires_at,
			trial_end = excluded.trial_end,
			activated_at = excluded.activated_at,
			last_heartbeat = excluded.last_heartbeat,
			last_validated_at = excluded.last_validated_at,
			is_active = 1`,
		a.ID, a.LicenseKey, a.MachineFingerprint, a.TerminalName, a.ActivationID,
		a.PlanID, a.PlanName, a.MaxTerminals, string(features), a.BusinessName,
		string(a.SubscriptionStatus), nullUnix(a.ExpiresAt), nullUnix(a.TrialEnd),
		a.ActivatedAt.Unix(), a.LastHeartbeat.Unix(), a.LastValidatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}

	return tx.Commit()
}

// UpdateLiveness bumps lastHeartbeat and lastValidatedAt on the active row.
// An empty status keeps the stored subscription status unchanged.
func (s *Store) UpdateLiveness(at time.Time, status licensing.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if status == "" {
		res, err = s.db.Exec(`
			UPDATE license_activations SET last_heartbeat = ?, last_validated_at = ?
			WHERE is_active = 1`, at.Unix(), at.Unix())
	} else {
		res, err = s.db.Exec(`
			UPDATE license_activations
			SET last_heartbeat = ?, last_validated_at = ?, subscription_status = ?
			WHERE is_active = 1`, at.Unix(), at.Unix(), string(status))
	}
	if err != nil {
		return fmt.Errorf("update liveness: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoActivation
	}
	return nil
}

// UpdateEntitlements replaces the entitlement fields on the active row with
// a fresh server snapshot, bumping liveness in the same statement.
func (s *Store) UpdateEntitlements(id string, data *EntitlementData, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := json.Marshal(data.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE license_activations
		SET activation_id = ?, plan_id = ?, plan_name = ?, max_terminals = ?,
			features = ?, business_name = ?, subscription_status = ?,
			expires_at = ?, trial_end = ?, last_heartbeat = ?, last_validated_at = ?
		WHERE id = ? AND is_active = 1`,
		data.ActivationID, data.PlanID, data.PlanName, data.MaxTerminals,
		string(features), data.BusinessName, string(data.SubscriptionStatus),
		nullUnix(data.ExpiresAt), nullUnix(data.TrialEnd), at.Unix(), at.Unix(), id)
	if err != nil {
		return fmt.Errorf("update entitlements: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoActivation
	}
	return nil
}

// Deactivate sets the row inactive. Idempotent: deactivating an already
// inactive or unknown row is not an error. Rows are never physically
// deleted; history is retained for audit.
func (s *Store) Deactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`UPDATE license_activations SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate activation: %w", err)
	}
	return nil
}

// AppendLog inserts an audit row. Best-effort: failures are logged and
// swallowed so they never fail the calling licensing operation.
func (s *Store) AppendLog(e licensing.ValidationLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(e)
}

func (s *Store) appendLogLocked(e licensing.ValidationLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO validation_logs (id, action, status, license_key,
			machine_fingerprint, error_message, server_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), string(e.Status), e.LicenseKey,
		e.MachineFingerprint, e.ErrorMessage, e.ServerResponse, e.CreatedAt.Unix())
	if err != nil {
		log.Warn().Err(err).Str("action", string(e.Action)).Msg("Failed to append validation log")
	}
}

// RecentLogs returns the newest log rows, most recent first.
func (s *Store) RecentLogs(limit int) ([]licensing.ValidationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLogsLocked("", limit)
}

func (s *Store) recentLogsLocked(licenseKey string, limit int) ([]licensing.ValidationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, action, status, license_key, machine_fingerprint,
		error_message, server_response, created_at FROM validation_logs`
	args := []interface{}{}
	if licenseKey != "" {
		query += ` WHERE license_key = ?`
		args = append(args, licenseKey)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query validation logs: %w", err)
	}
	defer rows.Close()

	var entries []licensing.ValidationLogEntry
	for rows.Next() {
		var e licensing.ValidationLogEntry
		var key, fp, errMsg, serverResp sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Status, &key, &fp, &errMsg, &serverResp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan validation log: %w", err)
		}
		e.LicenseKey = key.String
		e.MachineFingerprint = fp.String
		e.ErrorMessage = errMsg.String
		e.ServerResponse = serverResp.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const selectActivation = `SELECT id, license_key, machine_fingerprint,
	terminal_name, activation_id, plan_id, plan_name, max_terminals, features,
	business_name, subscription_status, expires_at, trial_end, activated_at,
	last_heartbeat, last_validated_at, is_active FROM license_activations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivation(r rowScanner) (*licensing.Activation, error) {
	var a licensing.Activation
	var terminal, activationID, planID, planName, features, business, status sql.NullString
	var expiresAt, trialEnd sql.NullInt64
	var activatedAt, lastHeartbeat, lastValidated int64
	var isActive int

	err := r.Scan(&a.ID, &a.LicenseKey, &a.MachineFingerprint, &terminal,
		&activationID, &planID, &planName, &a.MaxTerminals, &features,
		&business, &status, &expiresAt, &trialEnd, &activatedAt,
		&lastHeartbeat, &lastValidated, &isActive)
	if err != nil {
		return nil, fmt.Errorf("scan activation: %w", err)
	}

	a.TerminalName = terminal.String
	a.ActivationID = activationID.String
	a.PlanID = planID.String
	a.PlanName = planName.String
	a.BusinessName = business.String
	a.SubscriptionStatus = licensing.SubscriptionStatus(status.String)
	a.ActivatedAt = time.Unix(activatedAt, 0).UTC()
	a.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()
	a.LastValidatedAt = time.Unix(lastValidated, 0).UTC()
	a.IsActive = isActive == 1

	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &a.Features); err != nil {
			log.Warn().Err(err).Str("id", a.ID).Msg("Corrupt features column, ignoring")
		}
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		a.ExpiresAt = &t
	}
	if trialEnd.Valid {
		t := time.Unix(trialEnd.Int64, 0).UTC()
		a.TrialEnd = &t
	}
	return &a, nil
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
