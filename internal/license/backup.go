package license

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

// snapshotLogLimit bounds how many recent log rows travel with a backup.
const snapshotLogLimit = 100

// LicenseSnapshot is the extract/restore payload used by the database
// backup/import wizard. Before a destructive database replacement the
// collaborator extracts this snapshot; after replacement it restores it.
// This core never orchestrates the import itself.
type LicenseSnapshot struct {
	Activation  *licensing.Activation          `json:"activation,omitempty"`
	Logs        []licensing.ValidationLogEntry `json:"logs,omitempty"`
	ExtractedAt time.Time                      `json:"extracted_at"`
}

// ExtractSnapshot captures the active activation row for the given license
// key plus its recent validation log rows.
func (s *Store) ExtractSnapshot(licenseKey string) (*LicenseSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &LicenseSnapshot{ExtractedAt: time.Now().UTC()}

	active, err := s.getActiveLocked()
	if err != nil {
		return nil, err
	}
	if active != nil && (licenseKey == "" || active.LicenseKey == licenseKey) {
		snap.Activation = active
	}

	key := licenseKey
	if key == "" && active != nil {
		key = active.LicenseKey
	}
	logs, err := s.recentLogsLocked(key, snapshotLogLimit)
	if err != nil {
		return nil, err
	}
	snap.Logs = logs

	return snap, nil
}

// RestoreSnapshot reinserts a previously extracted snapshot. The activation
// goes through the same transaction guard as a fresh activation, so the
// single-active-row invariant holds even when restoring over existing rows;
// re-restoring the same snapshot updates the row in place.
func (s *Store) RestoreSnapshot(snap *LicenseSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil license snapshot")
	}

	if snap.Activation != nil {
		if err := s.UpsertActivation(snap.Activation); err != nil {
			return fmt.Errorf("restore activation: %w", err)
		}
	}

	restored := 0
	for _, entry := range snap.Logs {
		// INSERT OR IGNORE semantics via fresh IDs are not wanted here:
		// keep original IDs so re-restoring is idempotent.
		s.mu.Lock()
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO validation_logs (id, action, status,
				license_key, machine_fingerprint, error_message,
				server_response, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, string(entry.Action), string(entry.Status),
			entry.LicenseKey, entry.MachineFingerprint, entry.ErrorMessage,
			entry.ServerResponse, entry.CreatedAt.Unix())
		s.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("logID", entry.ID).Msg("Failed to restore validation log row")
			continue
		}
		restored++
	}

	log.Info().
		Bool("hasActivation", snap.Activation != nil).
		Int("logRows", restored).
		Msg("License snapshot restored")
	return nil
}
