// Package handshake implements the first-message PQXDH-style key
// agreement between a local device A and a remote device B: three
// X25519 agreements plus one ML-KEM-1024 encapsulation, folded through
// HKDF into the root key that seeds the Double Ratchet.
//
// Grounded on internal/security/signal.go's X3DH, generalized from
// three classical Diffie-Hellman terms to the spec's
// 3x X25519 + 1x ML-KEM-1024 composition, and from signal.go's broken
// VerifySignedPreKeySignature (which maps an X25519 point onto a P-256
// ECDSA key before verifying, which can never succeed against a real
// Ed25519 signature) to real Ed25519 verification throughout.
package handshake

import (
	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/ratchet"
)

const rootKeySalt = "PQS-root"

// RemoteBundle is the published key material device A fetches for
// remote device B before initiating a handshake: B's long-term and
// signing public keys, one signed one-time curve key, and either one
// signed one-time ML-KEM key or (when B's batch is exhausted) B's
// long-lived final ML-KEM fallback key.
type RemoteBundle struct {
	SecretName        string
	DeviceID          uuid.UUID
	DeviceName        string
	IsMasterDevice    bool
	LongTermPublicKey []byte
	SigningPublicKey  []byte

	OneTimeCurveKey models.PublishedCurveKey

	// Exactly one of OneTimeMLKEMKey / FinalMLKEMEncapsulation is set.
	OneTimeMLKEMKey         *models.PublishedMLKEMKey
	FinalMLKEMEncapsulation []byte
	FinalMLKEMSignature     []byte
}

// Result is the outcome of a completed handshake: the session's
// initial ratchet state plus the bundle the initiator must ship
// alongside its first ratchet message.
type Result struct {
	RatchetState *models.RatchetState
	Bundle       models.HandshakeBundle
}

// Engine runs PQXDH handshakes and hands their root key to a
// ratchet.Engine to initialize the Double Ratchet.
type Engine struct {
	ratchet *ratchet.Engine
}

// NewEngine builds a handshake engine that initializes ratchet state
// through r.
func NewEngine(r *ratchet.Engine) *Engine {
	return &Engine{ratchet: r}
}

// Initiate runs the handshake as local device A against remote device
// B's published bundle. It verifies B's one-time keys under B's
// signing key, computes dh1/dh2/dh3 and the ML-KEM encapsulation,
// derives the root key, and initializes A's ratchet state as the
// initiator. associatedData is the process-wide constant both sides
// use as the ratchet's associated data.
func (e *Engine) Initiate(localKeys *models.DeviceKeys, remote RemoteBundle, associatedData []byte) (*Result, error) {
	result, err := e.initiate(localKeys, remote, associatedData)
	metrics.RecordHandshake("initiator", err == nil)
	return result, err
}

func (e *Engine) initiate(localKeys *models.DeviceKeys, remote RemoteBundle, associatedData []byte) (*Result, error) {
	if err := crypto.Verify(remote.SigningPublicKey, curveKeySigningPayload(remote.OneTimeCurveKey), remote.OneTimeCurveKey.Signature); err != nil {
		return nil, err
	}

	var kemEncapKey []byte
	usedFinal := remote.OneTimeMLKEMKey == nil
	var oneTimeMLKEMID *uuid.UUID
	if usedFinal {
		if err := crypto.Verify(remote.SigningPublicKey, remote.FinalMLKEMEncapsulation, remote.FinalMLKEMSignature); err != nil {
			return nil, err
		}
		kemEncapKey = remote.FinalMLKEMEncapsulation
	} else {
		if err := crypto.Verify(remote.SigningPublicKey, mlkemKeySigningPayload(*remote.OneTimeMLKEMKey), remote.OneTimeMLKEMKey.Signature); err != nil {
			return nil, err
		}
		kemEncapKey = remote.OneTimeMLKEMKey.EncapsulationKey
		id := remote.OneTimeMLKEMKey.KeyID
		oneTimeMLKEMID = &id
	}

	ephemeral, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := crypto.DH(localKeys.LongTermPrivateKey, remote.OneTimeCurveKey.PublicKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ephemeral.PrivateKey, remote.LongTermPublicKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ephemeral.PrivateKey, remote.OneTimeCurveKey.PublicKey)
	if err != nil {
		return nil, err
	}
	kemCiphertext, kemSharedSecret, err := crypto.MLKEMEncapsulate(kemEncapKey)
	if err != nil {
		return nil, err
	}

	rootKey, err := deriveRootKey(dh1, dh2, dh3, kemSharedSecret)
	if err != nil {
		return nil, err
	}

	state, err := e.ratchet.InitializeAsInitiator(rootKey, remote.OneTimeCurveKey.PublicKey, associatedData)
	if err != nil {
		return nil, err
	}

	curveKeyID := remote.OneTimeCurveKey.KeyID
	return &Result{
		RatchetState: state,
		Bundle: models.HandshakeBundle{
			EphemeralPublicKey: ephemeral.PublicKey,
			OneTimeCurveKeyID:  &curveKeyID,
			OneTimeMLKEMKeyID:  oneTimeMLKEMID,
			UsedFinalMLKEM:     usedFinal,
			KEMCiphertext:      kemCiphertext,
		},
	}, nil
}

// ConsumedKeys reports which of B's locally-held one-time private keys
// a successful Accept consumed, for removal and deletion-publication.
type ConsumedKeys struct {
	CurveKey models.OneTimeCurveKey
	MLKEMKey *models.OneTimeMLKEMKey // nil if the final fallback key was used
}

// Accept runs the handshake as remote device B on receipt of A's first
// message: it finds and consumes the one-time private key(s) A's
// bundle names, mirrors A's DH and KEM derivation, and initializes B's
// ratchet state as the responder. The consumed keys are returned (not
// yet removed from localKeys) so the caller can remove them only after
// the accompanying ciphertext has been verified to decrypt — Accept
// itself does not touch localKeys.
func (e *Engine) Accept(localKeys *models.DeviceKeys, remoteLongTermPublicKey []byte, bundle models.HandshakeBundle, associatedData []byte) (*Result, *ConsumedKeys, error) {
	result, consumed, err := e.accept(localKeys, remoteLongTermPublicKey, bundle, associatedData)
	metrics.RecordHandshake("responder", err == nil)
	return result, consumed, err
}

func (e *Engine) accept(localKeys *models.DeviceKeys, remoteLongTermPublicKey []byte, bundle models.HandshakeBundle, associatedData []byte) (*Result, *ConsumedKeys, error) {
	if bundle.OneTimeCurveKeyID == nil {
		return nil, nil, errs.New(errs.KindSessionInvalidKeyID, "handshake bundle missing one-time curve key id", "initiator did not name a consumed curve key", "reject handshake")
	}
	var curveKey models.OneTimeCurveKey
	found := false
	for _, k := range localKeys.OneTimeCurveKeys {
		if k.KeyID == *bundle.OneTimeCurveKeyID {
			curveKey, found = k, true
			break
		}
	}
	if !found {
		return nil, nil, errs.New(errs.KindSessionInvalidKeyID, "one-time curve key not found", "key already consumed or unknown", "request full reestablishment")
	}

	var mlkemSeed []byte
	var mlkemKey *models.OneTimeMLKEMKey
	if bundle.UsedFinalMLKEM {
		mlkemSeed = localKeys.FinalMLKEMSeed
	} else {
		if bundle.OneTimeMLKEMKeyID == nil {
			return nil, nil, errs.New(errs.KindSessionInvalidKeyID, "handshake bundle missing one-time ml-kem key id", "initiator did not name a consumed ml-kem key", "reject handshake")
		}
		for _, k := range localKeys.OneTimeMLKEMKeys {
			if k.KeyID == *bundle.OneTimeMLKEMKeyID {
				kk := k
				mlkemKey = &kk
				break
			}
		}
		if mlkemKey == nil {
			return nil, nil, errs.New(errs.KindSessionInvalidKeyID, "one-time ml-kem key not found", "key already consumed or unknown", "request full reestablishment")
		}
		mlkemSeed = mlkemKey.DecapsulationKeySeed
	}

	dh1, err := crypto.DH(curveKey.PrivateKey, remoteLongTermPublicKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := crypto.DH(localKeys.LongTermPrivateKey, bundle.EphemeralPublicKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := crypto.DH(curveKey.PrivateKey, bundle.EphemeralPublicKey)
	if err != nil {
		return nil, nil, err
	}
	kemSharedSecret, err := crypto.MLKEMDecapsulate(mlkemSeed, bundle.KEMCiphertext)
	if err != nil {
		return nil, nil, err
	}

	rootKey, err := deriveRootKey(dh1, dh2, dh3, kemSharedSecret)
	if err != nil {
		return nil, nil, err
	}

	state := e.ratchet.InitializeAsResponder(rootKey, curveKey.PrivateKey, curveKey.PublicKey, associatedData)
	return &Result{RatchetState: state}, &ConsumedKeys{CurveKey: curveKey, MLKEMKey: mlkemKey}, nil
}

// Wins reports whether the handshake initiated by (selfSecretName,
// selfDeviceID) is the one that survives a concurrent-initiation race
// against (otherSecretName, otherDeviceID): the lexicographically
// smaller (secretName, deviceId) pair wins (spec.md §4.5).
func Wins(selfSecretName string, selfDeviceID uuid.UUID, otherSecretName string, otherDeviceID uuid.UUID) bool {
	if selfSecretName != otherSecretName {
		return selfSecretName < otherSecretName
	}
	return selfDeviceID.String() < otherDeviceID.String()
}

// deriveRootKey concatenates the three DH outputs and the ML-KEM
// shared secret as ikm under HKDF-Extract with the fixed PQXDH salt,
// per spec.md §4.5.
func deriveRootKey(dh1, dh2, dh3, kemSharedSecret []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3)+len(kemSharedSecret))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	ikm = append(ikm, kemSharedSecret...)
	return crypto.HKDFExtractExpand(ikm, []byte(rootKeySalt), []byte("pqs-pqxdh-root"), 32)
}

func curveKeySigningPayload(k models.PublishedCurveKey) []byte {
	buf := append([]byte{}, k.KeyID[:]...)
	buf = append(buf, k.DeviceID[:]...)
	return append(buf, k.PublicKey...)
}

func mlkemKeySigningPayload(k models.PublishedMLKEMKey) []byte {
	buf := append([]byte{}, k.KeyID[:]...)
	buf = append(buf, k.DeviceID[:]...)
	return append(buf, k.EncapsulationKey...)
}
