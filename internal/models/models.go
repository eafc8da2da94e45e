// Package models defines the core data types shared across the session
// engine: identity/key material, the encrypted session context, and
// the conversation/message records the engine reads and writes through
// the Store contract.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationState tracks whether the local SessionUser has completed
// registration against the transport.
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistered   RegistrationState = "registered"
)

// KeyKind distinguishes the two one-time key families a device
// publishes: classical curve keys for X25519 and post-quantum ML-KEM
// keys. KeyRotation and KeyMaterial operate on one kind at a time.
type KeyKind string

const (
	KeyKindCurve KeyKind = "curve25519"
	KeyKindMLKEM KeyKind = "mlkem1024"
)

// TrustLevel records how a SessionIdentity's public material was
// verified out of band, supplementing the core spec's identity model.
type TrustLevel string

const (
	TrustUnverified           TrustLevel = "unverified"
	TrustVerifiedFingerprint  TrustLevel = "verified_by_fingerprint"
	TrustVerifiedQR           TrustLevel = "verified_by_qr"
)

// SessionUser is the local user of one installation: a stable public
// handle, a stable device ID, and the private key material for this
// device. Exactly one exists per installation.
type SessionUser struct {
	SecretName string
	DeviceID   uuid.UUID
	Keys       DeviceKeys
}

// OneTimeCurveKey is one published (and, until consumed, locally held)
// X25519 one-time prekey.
type OneTimeCurveKey struct {
	KeyID      uuid.UUID
	PrivateKey []byte // 32 bytes, zeroized on removal
	PublicKey  []byte // 32 bytes
	Signature  []byte // Ed25519 signature over PublicKey by the owning signing key
}

// OneTimeMLKEMKey is one published (and, until consumed, locally held)
// ML-KEM-1024 one-time prekey.
type OneTimeMLKEMKey struct {
	KeyID          uuid.UUID
	DecapsulationKeySeed []byte // 64-byte seed, zeroized on removal
	EncapsulationKey     []byte // public encapsulation key bytes
	Signature            []byte // Ed25519 signature over EncapsulationKey
}

// DeviceKeys is the private material local to one device. Exactly one
// long-term X25519 key, one signing key, a batch of one-time curve and
// ML-KEM keys, and one long-lived "final" ML-KEM fallback key.
type DeviceKeys struct {
	LongTermPrivateKey  []byte // X25519, 32 bytes
	LongTermPublicKey   []byte
	SigningPrivateKey   []byte // Ed25519, 64 bytes
	SigningPublicKey    []byte // 32 bytes

	OneTimeCurveKeys []OneTimeCurveKey
	OneTimeMLKEMKeys []OneTimeMLKEMKey

	FinalMLKEMSeed           []byte // 64-byte seed for the long-lived fallback decapsulation key
	FinalMLKEMEncapsulation  []byte // public encapsulation key bytes
	FinalMLKEMSignature      []byte // Ed25519 signature over FinalMLKEMEncapsulation

	RotateKeysDate time.Time

	// LinkedAt/LinkingToken support the device-linking flow (SPEC_FULL §4.11).
	LinkedAt     *time.Time
	LinkingToken string
}

// SignedDeviceConfiguration is one linked device's published record,
// signed by the user's root signing key (or re-signed by the master
// device's key when linked).
type SignedDeviceConfiguration struct {
	DeviceID          uuid.UUID
	DeviceName        string
	IsMasterDevice    bool
	SigningPublicKey  []byte
	LongTermPublicKey []byte

	// FinalMLKEMEncapsulationKey is the device's long-lived ML-KEM
	// fallback, published alongside the one-time batch for use once it
	// is exhausted (spec.md §4.5).
	FinalMLKEMEncapsulationKey []byte
	FinalMLKEMSignature        []byte // Ed25519 signature over FinalMLKEMEncapsulationKey by SigningPublicKey

	Signature []byte // over the device identity fields above, by the user's root signing key
}

// UserConfiguration is the per-user public bundle published to the
// transport.
type UserConfiguration struct {
	SecretName       string
	SigningPublicKey []byte
	Devices          []SignedDeviceConfiguration
	OneTimeCurveKeys []PublishedCurveKey
	OneTimeMLKEMKeys []PublishedMLKEMKey
}

// PublishedCurveKey is the public half of a one-time X25519 key as it
// appears in a UserConfiguration.
type PublishedCurveKey struct {
	KeyID     uuid.UUID
	DeviceID  uuid.UUID
	PublicKey []byte
	Signature []byte
}

// PublishedMLKEMKey is the public half of a one-time ML-KEM key as it
// appears in a UserConfiguration.
type PublishedMLKEMKey struct {
	KeyID            uuid.UUID
	DeviceID         uuid.UUID
	EncapsulationKey []byte
	Signature        []byte
}

// RatchetHeader is the per-message Double Ratchet header.
type RatchetHeader struct {
	DHPublicKey []byte // 32 bytes, current sender DH ratchet public key
	PN          uint32 // length of previous sending chain
	N           uint32 // message number in the current sending chain
}

// HandshakeBundle is the first-message PQXDH payload shipped alongside
// the initial ratchet message.
type HandshakeBundle struct {
	EphemeralPublicKey []byte
	OneTimeCurveKeyID  *uuid.UUID // nil if the initiator had none available
	OneTimeMLKEMKeyID  *uuid.UUID // nil if the "final" fallback key was used
	UsedFinalMLKEM     bool
	KEMCiphertext      []byte
}

// RatchetState is the serialized Double Ratchet state attached to a
// SessionIdentity once the first handshake has completed.
type RatchetState struct {
	RootKey []byte

	SendChainKey []byte
	SendN        uint32
	SendPN       uint32
	SendDHPriv   []byte
	SendDHPub    []byte

	RecvChainKey []byte
	RecvN        uint32
	RecvDHPub    []byte // last-seen remote DH public key, nil before first receive

	Skipped []SkippedKey
	SkipSeq int64 // monotonic insertion counter for strict-FIFO eviction

	AssociatedData []byte
}

// SkippedKey is one stashed message key awaiting an out-of-order
// message, keyed by the DH public key in effect when it was derived
// and the chain index it corresponds to.
type SkippedKey struct {
	DHPublicKey []byte
	Index       uint32
	MessageKey  []byte
	InsertedAt  int64 // monotonic insertion counter, for strict-FIFO eviction
}

// SessionIdentity is the per-remote-device cryptographic session.
type SessionIdentity struct {
	ID               uuid.UUID
	SecretName       string
	DeviceID         uuid.UUID
	SessionContextID uuid.UUID

	RemoteLongTermPublicKey []byte
	RemoteSigningPublicKey  []byte
	RemoteMLKEMEncapKey     []byte // remote device's long-lived "final" ML-KEM fallback key
	RemoteMLKEMSignature    []byte // Ed25519 signature over RemoteMLKEMEncapKey
	RemoteOneTimeCurvePub   []byte // optional, consumed one-time curve key used at handshake time

	State *RatchetState // nil until first successful handshake

	DeviceName     string
	IsMasterDevice bool

	VerifiedAt time.Time
	TrustLevel TrustLevel

	// NeedsRemoteDeletion is set true for the first send after a
	// compromise rotation so the stale remote one-time keys get
	// deleted, then cleared (spec.md §4.9).
	NeedsRemoteDeletion bool
}

// SessionContext is the encrypted-at-rest snapshot of local state.
type SessionContext struct {
	SessionContextID uuid.UUID
	User             SessionUser
	DatabaseKey      []byte // random 256-bit symmetric key
	Configuration    UserConfiguration
	Registration     RegistrationState
}

// Recipient is a tagged union describing where a CryptoMessage is
// addressed.
type Recipient struct {
	Kind       RecipientKind
	SecretName string // for Nickname
	Channel    string // for Channel
}

type RecipientKind string

const (
	RecipientPersonal  RecipientKind = "personal_message"
	RecipientNickname  RecipientKind = "nickname"
	RecipientChannel   RecipientKind = "channel"
	RecipientBroadcast RecipientKind = "broadcast"
)

// CryptoMessage is the plaintext application payload handed to FanOut.
type CryptoMessage struct {
	Text            string
	Metadata        []byte
	Recipient       Recipient
	SentDate        time.Time
	DestructionTime *time.Time
	TransportInfo   *TransportInfo
}

// TransportInfo carries either application data framing or a control
// frame payload (spec.md §4.8).
type TransportInfo struct {
	ControlFrame *ControlFrame
}

type ControlFrameKind string

const (
	ControlFrameSessionReestablishment   ControlFrameKind = "session_reestablishment"
	ControlFrameSynchronizeOneTimeKeys   ControlFrameKind = "synchronize_one_time_keys"
)

// ControlFrame is an in-band, ratchet-encrypted engine-internal event.
type ControlFrame struct {
	Kind             ControlFrameKind
	OneTimeKeyKind   KeyKind // only meaningful for SynchronizeOneTimeKeys
	RemoteKeyIDs     []uuid.UUID
}

// EncryptedMessage is the persisted record of one sent/received
// message.
type EncryptedMessage struct {
	ID               uuid.UUID
	CommunicationID  uuid.UUID
	SessionContextID uuid.UUID
	SharedID         uuid.UUID
	SequenceNumber   uint64
	Data             []byte // AES-GCM sealed

	SenderSecretName string
	SenderDeviceID   uuid.UUID
	CreatedAt        time.Time
}

type ChannelType string

const (
	ChannelTypeBroadcast ChannelType = "broadcast"
	ChannelTypeGroup     ChannelType = "group"
	ChannelTypeSupport   ChannelType = "support"
)

// BaseCommunication is a conversation descriptor: channel or direct.
type BaseCommunication struct {
	ID              uuid.UUID
	IsChannel       bool
	ChannelName     string
	ChannelType     ChannelType
	Administrator   string
	Operators       []string
	Members         []string
	BlockedMembers  []string
	MessageCount    uint64
	MutedUntil      map[string]time.Time
}

// JobModel is a queued outbound task, consumed strictly in ascending
// SequenceID order within its communication/identity queue.
type JobModel struct {
	ID              uuid.UUID
	SequenceID      uint64
	CommunicationID uuid.UUID
	IdentityID      uuid.UUID
	SharedID        uuid.UUID
	Props           []byte // encrypted CryptoMessage payload
}

// MediaJob describes an out-of-band encrypted blob upload/download
// tracked alongside a message (SPEC_FULL §6, internal/media).
type MediaJob struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	ObjectKey  string
	Bucket     string
	SizeBytes  int64
	Uploaded   bool
}

// Contact is a peer known to the local user, independent of any
// established SessionIdentity.
type Contact struct {
	SecretName string
	Nickname   string
	Blocked    bool
	AddedAt    time.Time
}
