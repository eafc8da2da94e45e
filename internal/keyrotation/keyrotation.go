// Package keyrotation implements the two KeyRotation triggers from
// spec.md §4.9: a scheduled ML-KEM one-time-batch rotation, and a
// compromise-driven full rotation of every device key that also emits
// a sessionReestablishment control frame to every established peer.
//
// Grounded on internal/security/identity_key_rotation.go's
// IdentityKeyRotationManager: the ticker + context.CancelFunc scheduler
// shape (Start/Stop/runRotationScheduler) and its log.Logger with a
// bracketed prefix, generalized from "rotate every user's Signal
// identity key on a fixed calendar interval" to "rotate this device's
// ML-KEM batch only once rotateKeysDate has passed", and from
// RotateUserIdentityKey's single-key-pair replacement to the engine's
// four-key (signing, long-term, two one-time batches) compromise
// rotation.
package keyrotation

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/fanout"
	"github.com/solace-pqs/session-engine/internal/identity"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/taskprocessor"
	"github.com/solace-pqs/session-engine/internal/transport"
)

// Manager drives scheduled and compromise-triggered key rotation for
// one local device.
type Manager struct {
	km        *keymaterial.Manager
	transport transport.Transport
	registry  *identity.Registry
	fanout    *fanout.FanOut
	sender    taskprocessor.Sender

	secretName string
	deviceID   uuid.UUID

	logger *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager for the local device identified by
// (secretName, deviceID). sender is used to dispatch the
// sessionReestablishment control frame directly (bypassing the
// TaskProcessor queue, per spec.md §4.8).
func NewManager(km *keymaterial.Manager, t transport.Transport, reg *identity.Registry, fo *fanout.FanOut, sender taskprocessor.Sender, secretName string, deviceID uuid.UUID) *Manager {
	return &Manager{
		km:         km,
		transport:  t,
		registry:   reg,
		fanout:     fo,
		sender:     sender,
		secretName: secretName,
		deviceID:   deviceID,
		logger:     log.New(os.Stdout, "[KEY-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Start launches the scheduled-rotation check loop, polling at
// checkInterval and rotating whenever keys.RotateKeysDate has passed.
// Mirrors IdentityKeyRotationManager's ticker+ctx.Done() scheduler.
func (m *Manager) Start(ctx context.Context, keys *models.DeviceKeys, checkInterval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx, keys, checkInterval)
}

func (m *Manager) run(ctx context.Context, keys *models.DeviceKeys, checkInterval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rotated, err := m.RotateMLKEMIfNeeded(ctx, keys)
			if err != nil {
				m.logger.Printf("ERROR: scheduled ML-KEM rotation failed: %v", err)
				continue
			}
			if rotated {
				m.logger.Println("rotated ML-KEM one-time batch and final key")
			}
		case <-ctx.Done():
			m.logger.Println("scheduled rotation loop stopped")
			return
		}
	}
}

// Stop cancels the scheduled-rotation loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// RotateMLKEMIfNeeded rotates the ML-KEM one-time batch and final key
// and publishes the rotation iff now >= keys.RotateKeysDate.
func (m *Manager) RotateMLKEMIfNeeded(ctx context.Context, keys *models.DeviceKeys) (bool, error) {
	if time.Now().UTC().Before(keys.RotateKeysDate) {
		return false, nil
	}

	rotated, err := m.km.RotateOneTimeBatch(m.deviceID, keys, models.KeyKindMLKEM)
	if err != nil {
		return false, errs.Wrap(errs.KindSessionConfigurationError, "failed to rotate ML-KEM batch", "key generation error", "retry on the next scheduled check", err)
	}
	if err := m.transport.PublishRotatedKeys(ctx, m.secretName, m.deviceID, transport.RotatedKeyPublication{MLKEMKeys: rotated.MLKEMKeys}); err != nil {
		return false, errs.Wrap(errs.KindSessionUserNotFound, "failed to publish rotated ML-KEM keys", "transport error", "retry on the next scheduled check", err)
	}
	metrics.RecordKeyRotation("scheduled")
	return true, nil
}

// RotateOnPotentialCompromise regenerates the signing key, the
// long-term X25519 key, and both one-time batches; re-signs
// deviceConfig under the new signing key; publishes the rotation; and
// dispatches a sessionReestablishment control frame to every peer in
// peers. Each affected identity is flagged NeedsRemoteDeletion so the
// send path deletes the peer's now-orphaned view of this device's
// stale one-time keys on the first post-rotation message.
func (m *Manager) RotateOnPotentialCompromise(ctx context.Context, keys *models.DeviceKeys, deviceConfig *models.SignedDeviceConfiguration, peers []models.SessionIdentity) error {
	staleCurveIDs := keyIDsOf(keys.OneTimeCurveKeys)
	staleMLKEMIDs := mlkemKeyIDsOf(keys.OneTimeMLKEMKeys)

	if _, err := m.km.RotateSigningKey(keys); err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to rotate signing key", "key generation error", "retry the rotation", err)
	}
	if _, err := m.km.RotateLongTermKey(keys); err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to rotate long-term key", "key generation error", "retry the rotation", err)
	}
	curveRotated, err := m.km.RotateOneTimeBatch(m.deviceID, keys, models.KeyKindCurve)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to rotate curve25519 batch", "key generation error", "retry the rotation", err)
	}
	mlkemRotated, err := m.km.RotateOneTimeBatch(m.deviceID, keys, models.KeyKindMLKEM)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to rotate ML-KEM batch", "key generation error", "retry the rotation", err)
	}

	deviceConfig.SigningPublicKey = keys.SigningPublicKey
	deviceConfig.LongTermPublicKey = keys.LongTermPublicKey
	deviceConfig.FinalMLKEMEncapsulationKey = keys.FinalMLKEMEncapsulation
	deviceConfig.FinalMLKEMSignature = keys.FinalMLKEMSignature
	if err := keymaterial.SignDeviceConfiguration(keys.SigningPrivateKey, deviceConfig); err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to re-sign device configuration", "signing error", "retry the rotation", err)
	}

	if err := m.transport.PublishRotatedKeys(ctx, m.secretName, m.deviceID, transport.RotatedKeyPublication{
		SigningPublicKey:  keys.SigningPublicKey,
		LongTermPublicKey: keys.LongTermPublicKey,
		CurveKeys:         curveRotated.CurveKeys,
		MLKEMKeys:         mlkemRotated.MLKEMKeys,
	}); err != nil {
		return errs.Wrap(errs.KindSessionUserNotFound, "failed to publish rotated keys", "transport error", "retry the rotation", err)
	}

	if len(staleCurveIDs) > 0 {
		if err := m.transport.BatchDeleteOneTimeKeys(ctx, m.secretName, m.deviceID, staleCurveIDs, models.KeyKindCurve); err != nil {
			m.logger.Printf("WARNING: failed to delete stale curve25519 one-time keys: %v", err)
		}
	}
	if len(staleMLKEMIDs) > 0 {
		if err := m.transport.BatchDeleteOneTimeKeys(ctx, m.secretName, m.deviceID, staleMLKEMIDs, models.KeyKindMLKEM); err != nil {
			m.logger.Printf("WARNING: failed to delete stale ml-kem one-time keys: %v", err)
		}
	}

	for _, peer := range peers {
		if err := m.registry.SetNeedsRemoteDeletion(ctx, peer.ID, true); err != nil {
			m.logger.Printf("WARNING: failed to flag needsRemoteDeletion for identity %s: %v", peer.ID, err)
		}
	}

	commID := uuid.New() // control frames are not tied to any one communication
	errsOut := m.fanout.DispatchControlFrame(ctx, m.sender, commID, peers, models.ControlFrame{Kind: models.ControlFrameSessionReestablishment})
	for _, err := range errsOut {
		m.logger.Printf("WARNING: failed to dispatch sessionReestablishment: %v", err)
	}
	metrics.RecordKeyRotation("compromise")
	return nil
}

func keyIDsOf(keys []models.OneTimeCurveKey) []uuid.UUID {
	out := make([]uuid.UUID, len(keys))
	for i, k := range keys {
		out[i] = k.KeyID
	}
	return out
}

func mlkemKeyIDsOf(keys []models.OneTimeMLKEMKey) []uuid.UUID {
	out := make([]uuid.UUID, len(keys))
	for i, k := range keys {
		out[i] = k.KeyID
	}
	return out
}
