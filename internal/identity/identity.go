// Package identity implements IdentityRegistry: materialization of
// SessionIdentity values for a (secretName, deviceId), fronted by
// Cache, with device-set signature-chain verification against a
// remote UserConfiguration.
//
// Grounded on internal/security/keytransparency.go's key-verification
// chain pattern (there: a transparency-log inclusion proof; here: a
// master-signing-key -> per-device SignedDeviceConfiguration chain)
// and internal/security/session.go's cache-invalidate-on-write style.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/cache"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/transport"
)

// Registry materializes and refreshes SessionIdentity values.
type Registry struct {
	cache     *cache.Cache
	transport transport.Transport

	mu                sync.Mutex
	sessionContextID  uuid.UUID
}

// NewRegistry builds an IdentityRegistry backed by c and t. sessionContextID
// is attached to every identity this registry materializes.
func NewRegistry(c *cache.Cache, t transport.Transport, sessionContextID uuid.UUID) *Registry {
	return &Registry{cache: c, transport: t, sessionContextID: sessionContextID}
}

// Get returns the cached identities for secretName's devices without
// touching the transport.
func (r *Registry) Get(secretName string) []models.SessionIdentity {
	return r.cache.LoadIdentitiesBySecretName(secretName)
}

// Refresh returns the cached identities for secretName unless force is
// set or none are cached, in which case it fetches the remote
// UserConfiguration, verifies the device-set signature chain, and
// materializes or updates a SessionIdentity per verified device. One-
// time keys are fetched only when a brand-new identity is being
// materialized, or when force is set.
func (r *Registry) Refresh(ctx context.Context, secretName string, force bool) ([]models.SessionIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.cache.LoadIdentitiesBySecretName(secretName)
	if len(existing) > 0 && !force {
		return existing, nil
	}

	cfg, err := r.transport.FetchUserConfiguration(ctx, secretName)
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionUserNotFound, "failed to fetch user configuration", "transport error", "retry", err)
	}
	if err := verifySignatureChain(cfg); err != nil {
		return nil, err
	}

	existingByDevice := make(map[uuid.UUID]models.SessionIdentity, len(existing))
	for _, id := range existing {
		existingByDevice[id.DeviceID] = id
	}

	out := make([]models.SessionIdentity, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		current, isExisting := existingByDevice[dc.DeviceID]
		isNew := !isExisting

		if isNew || force {
			if _, err := r.transport.FetchOneTimeKeys(ctx, secretName, dc.DeviceID); err != nil {
				return nil, errs.Wrap(errs.KindSessionUserNotFound, "failed to fetch one-time keys", "transport error", "retry", err)
			}
		}

		if isNew {
			created, err := r.cache.NewIdentity(ctx, secretName, dc.DeviceID, r.sessionContextID, dc.LongTermPublicKey, dc.SigningPublicKey, dc.FinalMLKEMEncapsulationKey, dc.FinalMLKEMSignature, dc.DeviceName, dc.IsMasterDevice)
			if err != nil {
				return nil, err
			}
			out = append(out, created)
			continue
		}

		current.RemoteLongTermPublicKey = dc.LongTermPublicKey
		current.RemoteSigningPublicKey = dc.SigningPublicKey
		current.RemoteMLKEMEncapKey = dc.FinalMLKEMEncapsulationKey
		current.RemoteMLKEMSignature = dc.FinalMLKEMSignature
		current.DeviceName = dc.DeviceName
		current.IsMasterDevice = dc.IsMasterDevice
		if err := r.cache.SaveIdentity(ctx, current); err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	return out, nil
}

// UpdateState atomically persists a new ratchet state into the
// identity. Any outstanding handle to the identity is invalidated by
// this write — callers must re-read through Get/Refresh.
func (r *Registry) UpdateState(ctx context.Context, id uuid.UUID, newState *models.RatchetState) error {
	current, err := r.cache.LoadIdentity(ctx, id)
	if err != nil {
		return err
	}
	current.State = newState
	return r.cache.SaveIdentity(ctx, current)
}

// SetNeedsRemoteDeletion flags (or clears) an identity's pending
// stale-remote-one-time-key cleanup, set by KeyRotation after a
// compromise rotation and cleared by the send path once the first
// post-rotation message carrying the deletion request has gone out.
func (r *Registry) SetNeedsRemoteDeletion(ctx context.Context, id uuid.UUID, needs bool) error {
	current, err := r.cache.LoadIdentity(ctx, id)
	if err != nil {
		return err
	}
	current.NeedsRemoteDeletion = needs
	return r.cache.SaveIdentity(ctx, current)
}

// Remove deletes every cached identity for secretName, used after a
// friendship reset.
func (r *Registry) Remove(ctx context.Context, secretName string) error {
	for _, id := range r.cache.LoadIdentitiesBySecretName(secretName) {
		if err := r.cache.DeleteIdentity(ctx, id.ID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a single identity by ID, used on explicit compromise.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	return r.cache.DeleteIdentity(ctx, id)
}

// verifySignatureChain verifies every SignedDeviceConfiguration in cfg
// under cfg's root SigningPublicKey (the master-signing-key -> device
// chain; a linked device's config is re-signed by the master device's
// key, per spec.md §4.11, but still verifies under the same root field
// since the root key is rotated in place rather than replaced).
func verifySignatureChain(cfg models.UserConfiguration) error {
	for _, dc := range cfg.Devices {
		if err := keymaterial.VerifyDeviceConfiguration(cfg.SigningPublicKey, dc); err != nil {
			return err
		}
	}
	for _, k := range cfg.OneTimeCurveKeys {
		if err := verifyCurveKeySignature(cfg.SigningPublicKey, k); err != nil {
			return err
		}
	}
	for _, k := range cfg.OneTimeMLKEMKeys {
		if err := verifyMLKEMKeySignature(cfg.SigningPublicKey, k); err != nil {
			return err
		}
	}
	return nil
}
