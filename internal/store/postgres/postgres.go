// Package postgres implements the server-replicated slice of the Store
// contract (spec.md §6): contacts and communications, the entities
// that make sense to share across a user's devices through a central
// database rather than keep purely device-local.
//
// Grounded on internal/db/postgres.go's PostgresDB: same connection
// pool sizing (SetMaxOpenConns/SetMaxIdleConns/SetConnMaxLifetime),
// same sql.Open("postgres", ...) + Ping bootstrap, same plain
// Exec/QueryRow query style. Message/session/job persistence is
// deliberately NOT here — spec.md keeps per-device ratchet/session
// state local to the device that holds it, so that part of Store is
// implemented by internal/store/sqlite instead.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

// Store is the contacts/communications half of store.Store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against connStr and verifies it.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the contacts and communications tables if they
// do not already exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contacts (
			secret_name TEXT PRIMARY KEY,
			nickname    TEXT NOT NULL DEFAULT '',
			blocked     BOOLEAN NOT NULL DEFAULT FALSE,
			added_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS communications (
			id               UUID PRIMARY KEY,
			is_channel       BOOLEAN NOT NULL,
			channel_name     TEXT NOT NULL DEFAULT '',
			channel_type     TEXT NOT NULL DEFAULT '',
			administrator    TEXT NOT NULL DEFAULT '',
			operators        JSONB NOT NULL DEFAULT '[]',
			members          JSONB NOT NULL DEFAULT '[]',
			blocked_members  JSONB NOT NULL DEFAULT '[]',
			message_count    BIGINT NOT NULL DEFAULT 0,
			muted_until      JSONB NOT NULL DEFAULT '{}'
		);
	`)
	if err != nil {
		return fmt.Errorf("store/postgres: create schema: %w", err)
	}
	return nil
}

func (s *Store) SaveContact(ctx context.Context, c models.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (secret_name, nickname, blocked, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (secret_name) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			blocked = EXCLUDED.blocked
	`, c.SecretName, c.Nickname, c.Blocked, c.AddedAt)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save contact", "postgres exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadContact(ctx context.Context, secretName string) (models.Contact, error) {
	var c models.Contact
	err := s.db.QueryRowContext(ctx, `
		SELECT secret_name, nickname, blocked, added_at FROM contacts WHERE secret_name = $1
	`, secretName).Scan(&c.SecretName, &c.Nickname, &c.Blocked, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, errs.New(errs.KindSessionUserNotFound, "contact not found", "no row for secretName", "verify the contact was added")
	}
	if err != nil {
		return models.Contact{}, errs.Wrap(errs.KindCacheError, "failed to load contact", "postgres query error", "retry the read", err)
	}
	return c, nil
}

func (s *Store) LoadContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT secret_name, nickname, blocked, added_at FROM contacts ORDER BY added_at`)
	if err != nil {
		return nil, errs.Wrap(errs.KindCacheError, "failed to load contacts", "postgres query error", "retry the read", err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.SecretName, &c.Nickname, &c.Blocked, &c.AddedAt); err != nil {
			return nil, errs.Wrap(errs.KindCacheError, "failed to scan contact row", "postgres scan error", "retry the read", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteContact(ctx context.Context, secretName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE secret_name = $1`, secretName)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete contact", "postgres exec error", "retry the delete", err)
	}
	return nil
}

func (s *Store) SaveCommunication(ctx context.Context, c models.BaseCommunication) error {
	operators, err := json.Marshal(c.Operators)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode operators", "marshal error", "n/a", err)
	}
	members, err := json.Marshal(c.Members)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode members", "marshal error", "n/a", err)
	}
	blocked, err := json.Marshal(c.BlockedMembers)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode blocked members", "marshal error", "n/a", err)
	}
	muted, err := json.Marshal(c.MutedUntil)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode muted-until map", "marshal error", "n/a", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO communications (id, is_channel, channel_name, channel_type, administrator, operators, members, blocked_members, message_count, muted_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			channel_name = EXCLUDED.channel_name,
			channel_type = EXCLUDED.channel_type,
			administrator = EXCLUDED.administrator,
			operators = EXCLUDED.operators,
			members = EXCLUDED.members,
			blocked_members = EXCLUDED.blocked_members,
			message_count = EXCLUDED.message_count,
			muted_until = EXCLUDED.muted_until
	`, c.ID, c.IsChannel, c.ChannelName, string(c.ChannelType), c.Administrator, operators, members, blocked, c.MessageCount, muted)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to save communication", "postgres exec error", "retry the write", err)
	}
	return nil
}

func (s *Store) LoadCommunication(ctx context.Context, id uuid.UUID) (models.BaseCommunication, error) {
	var c models.BaseCommunication
	var channelType string
	var operators, members, blocked, muted []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_channel, channel_name, channel_type, administrator, operators, members, blocked_members, message_count, muted_until
		FROM communications WHERE id = $1
	`, id).Scan(&c.ID, &c.IsChannel, &c.ChannelName, &channelType, &c.Administrator, &operators, &members, &blocked, &c.MessageCount, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BaseCommunication{}, errs.New(errs.KindSessionUserNotFound, "communication not found", "no row for id", "verify the channel exists")
	}
	if err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindCacheError, "failed to load communication", "postgres query error", "retry the read", err)
	}
	c.ChannelType = models.ChannelType(channelType)
	if err := json.Unmarshal(operators, &c.Operators); err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindSessionConfigurationError, "failed to decode operators", "unmarshal error", "n/a", err)
	}
	if err := json.Unmarshal(members, &c.Members); err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindSessionConfigurationError, "failed to decode members", "unmarshal error", "n/a", err)
	}
	if err := json.Unmarshal(blocked, &c.BlockedMembers); err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindSessionConfigurationError, "failed to decode blocked members", "unmarshal error", "n/a", err)
	}
	if err := json.Unmarshal(muted, &c.MutedUntil); err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindSessionConfigurationError, "failed to decode muted-until map", "unmarshal error", "n/a", err)
	}
	return c, nil
}

func (s *Store) DeleteCommunication(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM communications WHERE id = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete communication", "postgres exec error", "retry the delete", err)
	}
	return nil
}
