// Package keymaterial generates, signs, verifies, and rotates the
// long-term, signing, and one-time key material that makes up a
// device's DeviceKeys and the published UserConfiguration.
//
// Grounded on internal/security/identity_key_rotation.go's rotation
// bookkeeping shape, generalized from "identity key only" to the full
// one-time-curve/one-time-KEM/final-KEM/signing/long-term key set.
package keymaterial

import (
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

// Config holds the process-wide immutable sizes from the core
// specification's Configuration section.
type Config struct {
	OneTimeKeyBatchSize     int
	OneTimeKeyLowWatermark  int
	KeyRotationIntervalDays int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		OneTimeKeyBatchSize:     100,
		OneTimeKeyLowWatermark:  10,
		KeyRotationIntervalDays: 7,
	}
}

// Manager generates and rotates DeviceKeys/UserConfiguration pairs.
type Manager struct {
	cfg Config
}

// NewManager creates a key material manager with the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// GenerateDeviceBundle emits a fresh DeviceKeys/UserConfiguration pair
// for a new device: one long-term X25519 key, one signing key, a
// batch of one-time curve and ML-KEM keypairs, and one final ML-KEM
// fallback key. Every published key is signed by the signing key.
func (m *Manager) GenerateDeviceBundle(deviceID uuid.UUID, deviceName, secretName string, isMaster bool) (*models.DeviceKeys, *models.SignedDeviceConfiguration, []models.PublishedCurveKey, []models.PublishedMLKEMKey, error) {
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	longTerm, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	curveKeys, publishedCurve, err := m.generateCurveBatch(deviceID, signing.PrivateKey, m.cfg.OneTimeKeyBatchSize)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mlkemKeys, publishedMLKEM, err := m.generateMLKEMBatch(deviceID, signing.PrivateKey, m.cfg.OneTimeKeyBatchSize)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	final, finalSig, err := generateFinalMLKEM(signing.PrivateKey)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	deviceKeys := &models.DeviceKeys{
		LongTermPrivateKey:      longTerm.PrivateKey,
		LongTermPublicKey:       longTerm.PublicKey,
		SigningPrivateKey:       signing.PrivateKey,
		SigningPublicKey:        signing.PublicKey,
		OneTimeCurveKeys:        curveKeys,
		OneTimeMLKEMKeys:        mlkemKeys,
		FinalMLKEMSeed:          final.Seed,
		FinalMLKEMEncapsulation: final.EncapsulationKey,
		FinalMLKEMSignature:     finalSig,
		RotateKeysDate:          time.Now().UTC().Add(time.Duration(m.cfg.KeyRotationIntervalDays) * 24 * time.Hour),
	}

	deviceConfig := &models.SignedDeviceConfiguration{
		DeviceID:                   deviceID,
		DeviceName:                 deviceName,
		IsMasterDevice:             isMaster,
		SigningPublicKey:           signing.PublicKey,
		LongTermPublicKey:          longTerm.PublicKey,
		FinalMLKEMEncapsulationKey: final.EncapsulationKey,
		FinalMLKEMSignature:        finalSig,
	}
	sig, err := crypto.Sign(signing.PrivateKey, deviceConfigSigningPayload(deviceConfig))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	deviceConfig.Signature = sig

	return deviceKeys, deviceConfig, publishedCurve, publishedMLKEM, nil
}

// deviceConfigSigningPayload deterministically serializes the fields a
// SignedDeviceConfiguration's signature covers.
func deviceConfigSigningPayload(c *models.SignedDeviceConfiguration) []byte {
	var buf []byte
	buf = append(buf, c.DeviceID[:]...)
	buf = append(buf, []byte(c.DeviceName)...)
	if c.IsMasterDevice {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, c.SigningPublicKey...)
	buf = append(buf, c.LongTermPublicKey...)
	buf = append(buf, c.FinalMLKEMEncapsulationKey...)
	return buf
}

// VerifyDeviceConfiguration verifies a SignedDeviceConfiguration under
// the user's root signing key (or the master's, when re-signed after
// linking).
func VerifyDeviceConfiguration(rootSigningPublicKey []byte, c models.SignedDeviceConfiguration) error {
	return crypto.Verify(rootSigningPublicKey, deviceConfigSigningPayload(&c), c.Signature)
}

// SignDeviceConfiguration (re-)signs c under rootSigningPrivateKey,
// overwriting c.Signature. Used by DeviceLink to bind a newly linked
// device's SignedDeviceConfiguration to the master device's root
// signing key, since GenerateDeviceBundle always self-signs with the
// device's own freshly generated signing key.
func SignDeviceConfiguration(rootSigningPrivateKey []byte, c *models.SignedDeviceConfiguration) error {
	sig, err := crypto.Sign(rootSigningPrivateKey, deviceConfigSigningPayload(c))
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

func (m *Manager) generateCurveBatch(deviceID uuid.UUID, signingKey []byte, n int) ([]models.OneTimeCurveKey, []models.PublishedCurveKey, error) {
	priv := make([]models.OneTimeCurveKey, 0, n)
	pub := make([]models.PublishedCurveKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateCurveKeyPair()
		if err != nil {
			return nil, nil, err
		}
		keyID := uuid.New()
		sig, err := crypto.Sign(signingKey, curveKeySigningPayload(keyID, deviceID, kp.PublicKey))
		if err != nil {
			return nil, nil, err
		}
		priv = append(priv, models.OneTimeCurveKey{KeyID: keyID, PrivateKey: kp.PrivateKey, PublicKey: kp.PublicKey, Signature: sig})
		pub = append(pub, models.PublishedCurveKey{KeyID: keyID, DeviceID: deviceID, PublicKey: kp.PublicKey, Signature: sig})
	}
	return priv, pub, nil
}

func (m *Manager) generateMLKEMBatch(deviceID uuid.UUID, signingKey []byte, n int) ([]models.OneTimeMLKEMKey, []models.PublishedMLKEMKey, error) {
	priv := make([]models.OneTimeMLKEMKey, 0, n)
	pub := make([]models.PublishedMLKEMKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateMLKEMKeyPair()
		if err != nil {
			return nil, nil, err
		}
		keyID := uuid.New()
		sig, err := crypto.Sign(signingKey, mlkemKeySigningPayload(keyID, deviceID, kp.EncapsulationKey))
		if err != nil {
			return nil, nil, err
		}
		priv = append(priv, models.OneTimeMLKEMKey{KeyID: keyID, DecapsulationKeySeed: kp.Seed, EncapsulationKey: kp.EncapsulationKey, Signature: sig})
		pub = append(pub, models.PublishedMLKEMKey{KeyID: keyID, DeviceID: deviceID, EncapsulationKey: kp.EncapsulationKey, Signature: sig})
	}
	return priv, pub, nil
}

func curveKeySigningPayload(keyID, deviceID uuid.UUID, pub []byte) []byte {
	buf := append([]byte{}, keyID[:]...)
	buf = append(buf, deviceID[:]...)
	return append(buf, pub...)
}

func mlkemKeySigningPayload(keyID, deviceID uuid.UUID, encap []byte) []byte {
	buf := append([]byte{}, keyID[:]...)
	buf = append(buf, deviceID[:]...)
	return append(buf, encap...)
}

// generateFinalMLKEM creates the long-lived ML-KEM fallback keypair
// used when a device's one-time ML-KEM batch is exhausted, signed
// directly (it has no per-key UUID of its own, unlike the one-time
// batches).
func generateFinalMLKEM(signingKey []byte) (*crypto.MLKEMKeyPair, []byte, error) {
	kp, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		return nil, nil, err
	}
	sig, err := crypto.Sign(signingKey, kp.EncapsulationKey)
	if err != nil {
		return nil, nil, err
	}
	return kp, sig, nil
}

// RotatedPublicKeys is the bundle published to the transport after a
// rotation succeeds.
type RotatedPublicKeys struct {
	SigningPublicKey  []byte
	LongTermPublicKey []byte
	CurveKeys         []models.PublishedCurveKey
	MLKEMKeys         []models.PublishedMLKEMKey
}

// RotateSigningKey replaces the device's Ed25519 signing key.
func (m *Manager) RotateSigningKey(keys *models.DeviceKeys) (*RotatedPublicKeys, error) {
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	keys.SigningPrivateKey = kp.PrivateKey
	keys.SigningPublicKey = kp.PublicKey
	keys.RotateKeysDate = time.Now().UTC().Add(time.Duration(m.cfg.KeyRotationIntervalDays) * 24 * time.Hour)
	return &RotatedPublicKeys{SigningPublicKey: kp.PublicKey}, nil
}

// RotateLongTermKey replaces the device's long-term X25519 key.
func (m *Manager) RotateLongTermKey(keys *models.DeviceKeys) (*RotatedPublicKeys, error) {
	kp, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		return nil, err
	}
	keys.LongTermPrivateKey = kp.PrivateKey
	keys.LongTermPublicKey = kp.PublicKey
	keys.RotateKeysDate = time.Now().UTC().Add(time.Duration(m.cfg.KeyRotationIntervalDays) * 24 * time.Hour)
	return &RotatedPublicKeys{LongTermPublicKey: kp.PublicKey}, nil
}

// RotateOneTimeBatch replaces the one-time key batch of the given kind
// in its entirety.
func (m *Manager) RotateOneTimeBatch(deviceID uuid.UUID, keys *models.DeviceKeys, kind models.KeyKind) (*RotatedPublicKeys, error) {
	switch kind {
	case models.KeyKindCurve:
		priv, pub, err := m.generateCurveBatch(deviceID, keys.SigningPrivateKey, m.cfg.OneTimeKeyBatchSize)
		if err != nil {
			return nil, err
		}
		keys.OneTimeCurveKeys = priv
		keys.RotateKeysDate = time.Now().UTC().Add(time.Duration(m.cfg.KeyRotationIntervalDays) * 24 * time.Hour)
		return &RotatedPublicKeys{CurveKeys: pub}, nil
	case models.KeyKindMLKEM:
		priv, pub, err := m.generateMLKEMBatch(deviceID, keys.SigningPrivateKey, m.cfg.OneTimeKeyBatchSize)
		if err != nil {
			return nil, err
		}
		keys.OneTimeMLKEMKeys = priv
		final, finalSig, err := generateFinalMLKEM(keys.SigningPrivateKey)
		if err != nil {
			return nil, err
		}
		keys.FinalMLKEMSeed = final.Seed
		keys.FinalMLKEMEncapsulation = final.EncapsulationKey
		keys.FinalMLKEMSignature = finalSig
		keys.RotateKeysDate = time.Now().UTC().Add(time.Duration(m.cfg.KeyRotationIntervalDays) * 24 * time.Hour)
		return &RotatedPublicKeys{MLKEMKeys: pub}, nil
	default:
		return nil, errs.New(errs.KindSessionConfigurationError, "unknown key kind", string(kind), "use curve25519 or mlkem1024")
	}
}

// RefillOneTimeKeys generates and appends a fresh batch of the given
// kind when the transport reports the remote published count has
// fallen below the low watermark.
func (m *Manager) RefillOneTimeKeys(deviceID uuid.UUID, keys *models.DeviceKeys, kind models.KeyKind) (*RotatedPublicKeys, error) {
	switch kind {
	case models.KeyKindCurve:
		priv, pub, err := m.generateCurveBatch(deviceID, keys.SigningPrivateKey, m.cfg.OneTimeKeyBatchSize)
		if err != nil {
			return nil, err
		}
		keys.OneTimeCurveKeys = append(keys.OneTimeCurveKeys, priv...)
		return &RotatedPublicKeys{CurveKeys: pub}, nil
	case models.KeyKindMLKEM:
		priv, pub, err := m.generateMLKEMBatch(deviceID, keys.SigningPrivateKey, m.cfg.OneTimeKeyBatchSize)
		if err != nil {
			return nil, err
		}
		keys.OneTimeMLKEMKeys = append(keys.OneTimeMLKEMKeys, priv...)
		return &RotatedPublicKeys{MLKEMKeys: pub}, nil
	default:
		return nil, errs.New(errs.KindSessionConfigurationError, "unknown key kind", string(kind), "use curve25519 or mlkem1024")
	}
}

// SynchronizeLocalKeys removes any local one-time private key (of the
// given kind) whose ID is not present in the remote store's
// authoritative set of unconsumed key IDs. This reconciles local state
// after a remote peer consumed (and the transport deleted) a key.
func SynchronizeLocalKeys(keys *models.DeviceKeys, remoteIDs map[uuid.UUID]struct{}, kind models.KeyKind) {
	switch kind {
	case models.KeyKindCurve:
		kept := keys.OneTimeCurveKeys[:0]
		for _, k := range keys.OneTimeCurveKeys {
			if _, ok := remoteIDs[k.KeyID]; ok {
				kept = append(kept, k)
			}
		}
		keys.OneTimeCurveKeys = kept
	case models.KeyKindMLKEM:
		kept := keys.OneTimeMLKEMKeys[:0]
		for _, k := range keys.OneTimeMLKEMKeys {
			if _, ok := remoteIDs[k.KeyID]; ok {
				kept = append(kept, k)
			}
		}
		keys.OneTimeMLKEMKeys = kept
	}
}

// ConsumeOneTimeCurveKey removes and returns one one-time curve key by
// ID, reporting whether it was found.
func ConsumeOneTimeCurveKey(keys *models.DeviceKeys, id uuid.UUID) (models.OneTimeCurveKey, bool) {
	for i, k := range keys.OneTimeCurveKeys {
		if k.KeyID == id {
			keys.OneTimeCurveKeys = append(keys.OneTimeCurveKeys[:i], keys.OneTimeCurveKeys[i+1:]...)
			return k, true
		}
	}
	return models.OneTimeCurveKey{}, false
}

// ConsumeOneTimeMLKEMKey removes and returns one one-time ML-KEM key
// by ID, reporting whether it was found.
func ConsumeOneTimeMLKEMKey(keys *models.DeviceKeys, id uuid.UUID) (models.OneTimeMLKEMKey, bool) {
	for i, k := range keys.OneTimeMLKEMKeys {
		if k.KeyID == id {
			keys.OneTimeMLKEMKeys = append(keys.OneTimeMLKEMKeys[:i], keys.OneTimeMLKEMKeys[i+1:]...)
			return k, true
		}
	}
	return models.OneTimeMLKEMKey{}, false
}
