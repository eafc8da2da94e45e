package identity

import (
	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/models"
)

func verifyCurveKeySignature(signingPublicKey []byte, k models.PublishedCurveKey) error {
	buf := append([]byte{}, k.KeyID[:]...)
	buf = append(buf, k.DeviceID[:]...)
	buf = append(buf, k.PublicKey...)
	return crypto.Verify(signingPublicKey, buf, k.Signature)
}

func verifyMLKEMKeySignature(signingPublicKey []byte, k models.PublishedMLKEMKey) error {
	buf := append([]byte{}, k.KeyID[:]...)
	buf = append(buf, k.DeviceID[:]...)
	buf = append(buf, k.EncapsulationKey...)
	return crypto.Verify(signingPublicKey, buf, k.Signature)
}
