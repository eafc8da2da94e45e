// Package transport defines the Transport contract the session engine
// depends on (spec.md §6) and, in ws_transport.go, a concrete
// implementation over gorilla/websocket + gorilla/mux + the Consul
// service registry.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/models"
)

// RatchetEnvelope is the signed wire message carrying one ratchet
// send, per spec.md §6's wire format.
type RatchetEnvelope struct {
	SenderSecretName string
	SenderDeviceID   uuid.UUID
	SharedMessageID  uuid.UUID
	Header           models.RatchetHeader
	Bundle           *models.HandshakeBundle // present only on the first message of a session
	Ciphertext       []byte
	Signature        []byte // detached Ed25519 signature over the envelope by the sender's current signing key
}

// OneTimeKeys is the batch of published one-time keys a transport
// fetch returns for one device.
type OneTimeKeys struct {
	Curve []models.PublishedCurveKey
	MLKEM []models.PublishedMLKEMKey
}

// Transport is the fallible collaborator contract for reaching other
// devices. Every operation may be retried by the caller; the core
// treats the transport as trust-on-first-use for configurations —
// verification of the signing chain happens inside IdentityRegistry.
type Transport interface {
	SendMessage(ctx context.Context, env RatchetEnvelope, recipientDeviceID uuid.UUID) error
	FetchUserConfiguration(ctx context.Context, secretName string) (models.UserConfiguration, error)
	FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (OneTimeKeys, error)
	FetchOneTimeKeyIdentities(ctx context.Context, secretName string, deviceID uuid.UUID, kind models.KeyKind) ([]uuid.UUID, error)
	PublishUserConfiguration(ctx context.Context, cfg models.UserConfiguration, recipientDeviceID uuid.UUID) error
	PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, rotated RotatedKeyPublication) error
	UpdateOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID, keys []models.PublishedCurveKey) error
	UpdateOneTimeMLKEMKeys(ctx context.Context, secretName string, deviceID uuid.UUID, keys []models.PublishedMLKEMKey) error
	BatchDeleteOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID, ids []uuid.UUID, kind models.KeyKind) error
}

// RotatedKeyPublication mirrors keymaterial.RotatedPublicKeys on the
// wire, without importing keymaterial from this package.
type RotatedKeyPublication struct {
	SigningPublicKey  []byte
	LongTermPublicKey []byte
	CurveKeys         []models.PublishedCurveKey
	MLKEMKeys         []models.PublishedMLKEMKey
}
