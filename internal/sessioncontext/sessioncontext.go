// Package sessioncontext manages the single encrypted-at-rest
// SessionContext blob: the local SessionUser, the database symmetric
// key, the active UserConfiguration, and the registration state.
//
// Grounded on internal/security/session.go's envelope/rotation
// bookkeeping (there: HTTP session tokens; here: the local state
// envelope) and internal/config/config.go's VaultClient for an
// optional KMS-backed wrap path.
package sessioncontext

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

// EnvelopeStore is the narrow persistence contract SessionContext
// needs: one sealed blob and one per-device salt, both addressed by a
// stable local key. Satisfied by internal/store/sqlite (and, through
// store.Store, the composed store) in production.
type EnvelopeStore interface {
	SaveSessionContext(ctx context.Context, blob []byte) error
	LoadSessionContext(ctx context.Context) ([]byte, error)
	SaveDeviceSalt(ctx context.Context, salt []byte) error
	LoadDeviceSalt(ctx context.Context) ([]byte, error)
}

// Manager owns the in-memory cache of one unsealed SessionContext.
type Manager struct {
	mu     sync.RWMutex
	store  EnvelopeStore
	params crypto.PBKDFParams
	cached *models.SessionContext
}

// NewManager creates a SessionContext manager backed by store.
func NewManager(store EnvelopeStore) *Manager {
	return &Manager{store: store, params: crypto.DefaultPBKDFParams()}
}

// serialized is the on-disk JSON shape sealed under the envelope key.
type serialized struct {
	SessionContextID uuid.UUID                `json:"session_context_id"`
	User             models.SessionUser       `json:"user"`
	DatabaseKey      []byte                    `json:"database_key"`
	Configuration    models.UserConfiguration  `json:"configuration"`
	Registration     models.RegistrationState  `json:"registration"`
}

// CreateSession derives the envelope key from appPassword and a fresh
// per-device salt, seals a brand-new SessionContext for secretName,
// and persists it atomically.
func (m *Manager) CreateSession(ctx context.Context, secretName string, deviceID uuid.UUID, appPassword string) (*models.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	dbKey, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}

	sc := &models.SessionContext{
		SessionContextID: uuid.New(),
		User: models.SessionUser{
			SecretName: secretName,
			DeviceID:   deviceID,
		},
		DatabaseKey:   dbKey,
		Configuration: models.UserConfiguration{SecretName: secretName},
		Registration:  models.RegistrationUnregistered,
	}

	if err := m.store.SaveDeviceSalt(ctx, salt); err != nil {
		return nil, errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to persist device salt", "store write error", "check store connectivity", err)
	}
	if err := m.seal(ctx, sc, appPassword, salt); err != nil {
		return nil, err
	}
	m.cached = sc
	return sc, nil
}

// StartSession unseals the persisted envelope with appPassword,
// verifies the registration state is sane, and caches the result.
func (m *Manager) StartSession(ctx context.Context, appPassword string) (*models.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, err := m.unseal(ctx, appPassword)
	if err != nil {
		return nil, err
	}
	m.cached = sc
	return sc, nil
}

// VerifyAppPassword reports whether the stored envelope decrypts
// successfully under p, without mutating the cache.
func (m *Manager) VerifyAppPassword(ctx context.Context, p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.unseal(ctx, p)
	return err == nil
}

// ChangeAppPassword unseals with oldPassword and reseals under
// newPassword; only the envelope key changes, the inner material is
// stable.
func (m *Manager) ChangeAppPassword(ctx context.Context, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, err := m.unseal(ctx, oldPassword)
	if err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	if err := m.store.SaveDeviceSalt(ctx, salt); err != nil {
		return errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to persist rotated salt", "store write error", "check store connectivity", err)
	}
	if err := m.seal(ctx, sc, newPassword, salt); err != nil {
		return err
	}
	m.cached = sc
	return nil
}

// Current returns the cached SessionContext, or an error if no
// session has been created/started yet.
func (m *Manager) Current() (*models.SessionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached == nil {
		return nil, errs.New(errs.KindSessionNotInitialized, "session context not loaded", "create_session or start_session not yet called", "call create_session or start_session")
	}
	return m.cached, nil
}

// Mutate atomically applies fn to the cached context and re-persists
// it under the same envelope key derivation as last used. Callers use
// this for registration-state transitions, configuration updates, and
// (through KeyMaterial) device key rotation.
func (m *Manager) Mutate(ctx context.Context, appPassword string, fn func(*models.SessionContext) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil {
		return errs.New(errs.KindSessionNotInitialized, "session context not loaded", "create_session or start_session not yet called", "call create_session or start_session")
	}
	if err := fn(m.cached); err != nil {
		return err
	}
	salt, err := m.store.LoadDeviceSalt(ctx)
	if err != nil {
		return errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to load device salt", "store read error", "check store connectivity", err)
	}
	return m.seal(ctx, m.cached, appPassword, salt)
}

func (m *Manager) seal(ctx context.Context, sc *models.SessionContext, appPassword string, salt []byte) error {
	key := crypto.DeriveEnvelopeKey(appPassword, salt, m.params)
	defer zero(key)

	payload, err := json.Marshal(serialized{
		SessionContextID: sc.SessionContextID,
		User:             sc.User,
		DatabaseKey:      sc.DatabaseKey,
		Configuration:    sc.Configuration,
		Registration:     sc.Registration,
	})
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to serialize session context", "json marshal error", "retry", err)
	}
	sealed, err := crypto.Seal(key, payload, nil)
	if err != nil {
		return err
	}
	if err := m.store.SaveSessionContext(ctx, sealed); err != nil {
		return errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to persist session context envelope", "store write error", "check store connectivity", err)
	}
	return nil
}

func (m *Manager) unseal(ctx context.Context, appPassword string) (*models.SessionContext, error) {
	salt, err := m.store.LoadDeviceSalt(ctx)
	if err != nil {
		if errs.Is(err, errs.KindSessionNotInitialized) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to load device salt", "store read error", "check store connectivity", err)
	}
	sealed, err := m.store.LoadSessionContext(ctx)
	if err != nil {
		if errs.Is(err, errs.KindSessionNotInitialized) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindSessionDatabaseNotInit, "failed to load session context envelope", "store read error", "check store connectivity", err)
	}

	key := crypto.DeriveEnvelopeKey(appPassword, salt, m.params)
	defer zero(key)

	payload, err := crypto.Open(key, sealed, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionConfigurationError, "failed to unseal session context", "wrong app password or corrupted envelope", "verify app password", err)
	}

	var s serialized
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, errs.Wrap(errs.KindSessionConfigurationError, "failed to deserialize session context", "json unmarshal error", "envelope is corrupted", err)
	}

	return &models.SessionContext{
		SessionContextID: s.SessionContextID,
		User:             s.User,
		DatabaseKey:      s.DatabaseKey,
		Configuration:    s.Configuration,
		Registration:     s.Registration,
	}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
