// Package sqlite implements the device-local slice of the Store
// contract (spec.md §6): the encrypted SessionContext blob, the
// device salt, per-device identities/sessions, messages, queued jobs,
// and media job tracking. This state belongs to exactly one
// installation, so it lives in an embedded database rather than the
// shared server postgres keeps contacts/communications in.
//
// Grounded on internal/db/postgres.go's connection-pool-and-plain-SQL
// style (Exec/QueryRow, sql.Open + Ping bootstrap), ported to
// mattn/go-sqlite3's single-writer-friendly defaults (a small open-
// connection cap instead of the teacher's 25, since SQLite serializes
// writers regardless of pool size).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

// Store is the device-local half of store.Store.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer at a time; avoid pool-induced "database is locked" errors

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store/sqlite: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates every device-local table if absent.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_context (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			blob BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS device_salt (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identities (
			id                 TEXT PRIMARY KEY,
			secret_name        TEXT NOT NULL,
			device_id          TEXT NOT NULL,
			session_context_id TEXT NOT NULL,
			remote_long_term_public_key BLOB,
			remote_signing_public_key   BLOB,
			remote_mlkem_encap_key      BLOB,
			remote_mlkem_signature      BLOB,
			remote_one_time_curve_pub   BLOB,
			state               BLOB,
			device_name         TEXT NOT NULL DEFAULT '',
			is_master_device    BOOLEAN NOT NULL DEFAULT FALSE,
			verified_at         TIMESTAMP,
			trust_level         TEXT NOT NULL DEFAULT 'unverified',
			needs_remote_deletion BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_identities_secret_name ON identities(secret_name);
		CREATE TABLE IF NOT EXISTS messages (
			id                 TEXT PRIMARY KEY,
			communication_id   TEXT NOT NULL,
			session_context_id TEXT NOT NULL,
			shared_id          TEXT NOT NULL,
			sequence_number    INTEGER NOT NULL,
			data               BLOB NOT NULL,
			sender_secret_name TEXT NOT NULL,
			sender_device_id   TEXT NOT NULL,
			created_at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_shared_id ON messages(shared_id, sequence_number);
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			sequence_id      INTEGER NOT NULL,
			communication_id TEXT NOT NULL,
			identity_id      TEXT NOT NULL,
			shared_id        TEXT NOT NULL,
			props            BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS media_jobs (
			id         TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			object_key TEXT NOT NULL,
			bucket     TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			uploaded   BOOLEAN NOT NULL DEFAULT FALSE
		);
	`)
	if err != nil {
		return fmt.Errorf("store/sqlite: create schema: %w", err)
	}
	return nil
}

func (s *Store) SaveSessionContext(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_context (id, blob) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET blob = excluded.blob
	`, blob)
	if err != nil {
		return errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to save session context", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadSessionContext(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM session_context WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindSessionNotInitialized, "no session context stored", "first run on this device", "call register/restoreFromBackup first")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to load session context", "sqlite query error", "retry the read", err)
	}
	return blob, nil
}

func (s *Store) SaveDeviceSalt(ctx context.Context, salt []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_salt (id, salt) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET salt = excluded.salt
	`, salt)
	if err != nil {
		return errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to save device salt", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadDeviceSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT salt FROM device_salt WHERE id = 1`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindSessionNotInitialized, "no device salt stored", "first run on this device", "call register/restoreFromBackup first")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to load device salt", "sqlite query error", "retry the read", err)
	}
	return salt, nil
}

func (s *Store) SaveIdentity(ctx context.Context, id models.SessionIdentity) error {
	state, err := json.Marshal(id.State)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode ratchet state", "marshal error", "n/a", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (
			id, secret_name, device_id, session_context_id,
			remote_long_term_public_key, remote_signing_public_key,
			remote_mlkem_encap_key, remote_mlkem_signature, remote_one_time_curve_pub,
			state, device_name, is_master_device, verified_at, trust_level, needs_remote_deletion
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			session_context_id = excluded.session_context_id,
			remote_long_term_public_key = excluded.remote_long_term_public_key,
			remote_signing_public_key = excluded.remote_signing_public_key,
			remote_mlkem_encap_key = excluded.remote_mlkem_encap_key,
			remote_mlkem_signature = excluded.remote_mlkem_signature,
			remote_one_time_curve_pub = excluded.remote_one_time_curve_pub,
			state = excluded.state,
			device_name = excluded.device_name,
			is_master_device = excluded.is_master_device,
			verified_at = excluded.verified_at,
			trust_level = excluded.trust_level,
			needs_remote_deletion = excluded.needs_remote_deletion
	`, id.ID, id.SecretName, id.DeviceID, id.SessionContextID,
		id.RemoteLongTermPublicKey, id.RemoteSigningPublicKey,
		id.RemoteMLKEMEncapKey, id.RemoteMLKEMSignature, id.RemoteOneTimeCurvePub,
		state, id.DeviceName, id.IsMasterDevice, id.VerifiedAt, string(id.TrustLevel), id.NeedsRemoteDeletion)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save identity", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func scanIdentity(row interface {
	Scan(dest ...interface{}) error
}) (models.SessionIdentity, error) {
	var id models.SessionIdentity
	var state []byte
	var trustLevel string
	err := row.Scan(&id.ID, &id.SecretName, &id.DeviceID, &id.SessionContextID,
		&id.RemoteLongTermPublicKey, &id.RemoteSigningPublicKey,
		&id.RemoteMLKEMEncapKey, &id.RemoteMLKEMSignature, &id.RemoteOneTimeCurvePub,
		&state, &id.DeviceName, &id.IsMasterDevice, &id.VerifiedAt, &trustLevel, &id.NeedsRemoteDeletion)
	if err != nil {
		return models.SessionIdentity{}, err
	}
	id.TrustLevel = models.TrustLevel(trustLevel)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &id.State); err != nil {
			return models.SessionIdentity{}, err
		}
	}
	return id, nil
}

const identityColumns = `
	id, secret_name, device_id, session_context_id,
	remote_long_term_public_key, remote_signing_public_key,
	remote_mlkem_encap_key, remote_mlkem_signature, remote_one_time_curve_pub,
	state, device_name, is_master_device, verified_at, trust_level, needs_remote_deletion`

func (s *Store) LoadIdentity(ctx context.Context, id uuid.UUID) (models.SessionIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionIdentity{}, errs.New(errs.KindSessionUserNotFound, "identity not found", "no row for id", "refresh the peer's configuration")
	}
	if err != nil {
		return models.SessionIdentity{}, errs.Wrap(errs.KindCacheError, "failed to load identity", "sqlite query error", "retry the read", err)
	}
	return out, nil
}

func (s *Store) LoadIdentitiesBySecretName(ctx context.Context, secretName string) ([]models.SessionIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE secret_name = ?`, secretName)
	if err != nil {
		return nil, errs.Wrap(errs.KindCacheError, "failed to load identities", "sqlite query error", "retry the read", err)
	}
	defer rows.Close()

	var out []models.SessionIdentity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindCacheError, "failed to scan identity row", "sqlite scan error", "retry the read", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete identity", "sqlite exec error", "retry the delete", err)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, m models.EncryptedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, communication_id, session_context_id, shared_id, sequence_number, data, sender_secret_name, sender_device_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.CommunicationID, m.SessionContextID, m.SharedID, m.SequenceNumber, m.Data, m.SenderSecretName, m.SenderDeviceID, m.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save message", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadMessage(ctx context.Context, id uuid.UUID) (models.EncryptedMessage, error) {
	var m models.EncryptedMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, communication_id, session_context_id, shared_id, sequence_number, data, sender_secret_name, sender_device_id, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.CommunicationID, &m.SessionContextID, &m.SharedID, &m.SequenceNumber, &m.Data, &m.SenderSecretName, &m.SenderDeviceID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EncryptedMessage{}, errs.New(errs.KindSessionUserNotFound, "message not found", "no row for id", "verify the message id")
	}
	if err != nil {
		return models.EncryptedMessage{}, errs.Wrap(errs.KindCacheError, "failed to load message", "sqlite query error", "retry the read", err)
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete message", "sqlite exec error", "retry the delete", err)
	}
	return nil
}

// StreamMessages yields every message sharing sharedID in ascending
// sequence_number order, one at a time, closing both channels once
// exhausted, ctx is cancelled, or a scan error occurs.
func (s *Store) StreamMessages(ctx context.Context, sharedID uuid.UUID) (<-chan models.EncryptedMessage, <-chan error) {
	out := make(chan models.EncryptedMessage)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, `
			SELECT id, communication_id, session_context_id, shared_id, sequence_number, data, sender_secret_name, sender_device_id, created_at
			FROM messages WHERE shared_id = ? ORDER BY sequence_number
		`, sharedID)
		if err != nil {
			errCh <- errs.Wrap(errs.KindCacheError, "failed to stream messages", "sqlite query error", "retry the read", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var m models.EncryptedMessage
			if err := rows.Scan(&m.ID, &m.CommunicationID, &m.SessionContextID, &m.SharedID, &m.SequenceNumber, &m.Data, &m.SenderSecretName, &m.SenderDeviceID, &m.CreatedAt); err != nil {
				errCh <- errs.Wrap(errs.KindCacheError, "failed to scan message row", "sqlite scan error", "retry the read", err)
				return
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- errs.Wrap(errs.KindCacheError, "failed to iterate message rows", "sqlite rows error", "retry the read", err)
		}
	}()

	return out, errCh
}

func (s *Store) MessageCount(ctx context.Context, sharedID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE shared_id = ?`, sharedID).Scan(&count)
	if err != nil {
		return 0, errs.Wrap(errs.KindCacheError, "failed to count messages", "sqlite query error", "retry the read", err)
	}
	return count, nil
}

func (s *Store) SaveJob(ctx context.Context, j models.JobModel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, sequence_id, communication_id, identity_id, shared_id, props)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET props = excluded.props
	`, j.ID, j.SequenceID, j.CommunicationID, j.IdentityID, j.SharedID, j.Props)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save job", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, id uuid.UUID) (models.JobModel, error) {
	var j models.JobModel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, communication_id, identity_id, shared_id, props FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.SequenceID, &j.CommunicationID, &j.IdentityID, &j.SharedID, &j.Props)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobModel{}, errs.New(errs.KindSessionUserNotFound, "job not found", "no row for id", "verify the job id")
	}
	if err != nil {
		return models.JobModel{}, errs.Wrap(errs.KindCacheError, "failed to load job", "sqlite query error", "retry the read", err)
	}
	return j, nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete job", "sqlite exec error", "retry the delete", err)
	}
	return nil
}

func (s *Store) SaveMediaJob(ctx context.Context, m models.MediaJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_jobs (id, message_id, object_key, bucket, size_bytes, uploaded)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET size_bytes = excluded.size_bytes, uploaded = excluded.uploaded
	`, m.ID, m.MessageID, m.ObjectKey, m.Bucket, m.SizeBytes, m.Uploaded)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save media job", "sqlite exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadMediaJob(ctx context.Context, id uuid.UUID) (models.MediaJob, error) {
	var m models.MediaJob
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, object_key, bucket, size_bytes, uploaded FROM media_jobs WHERE id = ?
	`, id).Scan(&m.ID, &m.MessageID, &m.ObjectKey, &m.Bucket, &m.SizeBytes, &m.Uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MediaJob{}, errs.New(errs.KindSessionUserNotFound, "media job not found", "no row for id", "verify the media id")
	}
	if err != nil {
		return models.MediaJob{}, errs.Wrap(errs.KindCacheError, "failed to load media job", "sqlite query error", "retry the read", err)
	}
	return m, nil
}
