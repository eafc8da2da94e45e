// Package crypto is the thin façade over the vetted primitives the
// session engine composes: Ed25519 signing, X25519 agreement,
// ML-KEM-1024 encapsulation, AES-256-GCM, HKDF-SHA-256, and a
// password-based key derivation function. No state lives here; every
// function is pure given its inputs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/solace-pqs/session-engine/internal/errs"
)

const (
	X25519KeySize       = 32
	Ed25519PublicSize   = ed25519.PublicKeySize
	Ed25519PrivateSize  = ed25519.PrivateKeySize
	Ed25519SignatureSize = ed25519.SignatureSize
	AESKeySize          = 32
	AESNonceSize        = 12
	AESTagSize          = 16
	ArgonSaltSize       = 16
)

// --- CSPRNG -----------------------------------------------------------

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "failed to generate random bytes", "rng failure", "retry", err)
	}
	return b, nil
}

// --- Ed25519 signing ----------------------------------------------------

// SigningKeyPair is a generated Ed25519 keypair.
type SigningKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateSigningKeyPair creates a new Ed25519 signing keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "ed25519 keygen failed", "rng failure", "retry", err)
	}
	return &SigningKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign produces a detached Ed25519 signature over message.
func Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != Ed25519PrivateSize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid signing key length", "expected 64 bytes", "regenerate identity")
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

// Verify checks a detached Ed25519 signature.
func Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != Ed25519PublicSize {
		return errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid public key length", "expected 32 bytes", "refresh identity")
	}
	if len(signature) != Ed25519SignatureSize {
		return errs.New(errs.KindCryptoInvalidSignature, "invalid signature length", "expected 64 bytes", "force refresh and retry")
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return errs.New(errs.KindCryptoInvalidSignature, "signature verification failed", "signature does not match key", "force refresh and retry")
	}
	return nil
}

// --- X25519 -------------------------------------------------------------

// CurveKeyPair is a generated X25519 keypair.
type CurveKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateCurveKeyPair creates a new clamped X25519 keypair.
func GenerateCurveKeyPair() (*CurveKeyPair, error) {
	priv := make([]byte, X25519KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "x25519 keygen failed", "rng failure", "retry", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "x25519 base mult failed", "scalar mult error", "retry", err)
	}
	return &CurveKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// DH performs an X25519 Diffie-Hellman agreement.
func DH(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != X25519KeySize || len(peerPublicKey) != X25519KeySize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid x25519 key length", "expected 32 bytes", "regenerate keys")
	}
	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "x25519 agreement failed", "low-order point or scalar error", "abort handshake", err)
	}
	return shared, nil
}

// --- ML-KEM-1024 ----------------------------------------------------------

// MLKEMKeyPair holds a ML-KEM-1024 decapsulation key (by seed, for
// compact storage) and its corresponding encapsulation key bytes.
type MLKEMKeyPair struct {
	Seed             []byte // decapsulation key seed
	EncapsulationKey []byte
}

// GenerateMLKEMKeyPair creates a new ML-KEM-1024 keypair.
func GenerateMLKEMKeyPair() (*MLKEMKeyPair, error) {
	dk, err := mlkem.GenerateKey1024()
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "ml-kem-1024 keygen failed", "rng failure", "retry", err)
	}
	return &MLKEMKeyPair{
		Seed:             dk.Bytes(),
		EncapsulationKey: dk.EncapsulationKey().Bytes(),
	}, nil
}

// MLKEMEncapsulate performs ML-KEM-1024 encapsulation against a peer's
// published encapsulation key, returning (ciphertext, shared_secret).
func MLKEMEncapsulate(peerEncapsulationKey []byte) (ciphertext, sharedSecret []byte, err error) {
	ek, err := mlkem.NewEncapsulationKey1024(peerEncapsulationKey)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "invalid ml-kem encapsulation key", "malformed or wrong length", "force refresh identity", err)
	}
	sharedSecret, ciphertext = ek.Encapsulate()
	return ciphertext, sharedSecret, nil
}

// MLKEMDecapsulate recovers the shared secret from a ciphertext using
// the holder's decapsulation key seed.
func MLKEMDecapsulate(seed, ciphertext []byte) ([]byte, error) {
	dk, err := mlkem.NewDecapsulationKey1024(seed)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "invalid ml-kem decapsulation seed", "malformed or wrong length", "regenerate device keys", err)
	}
	ss, err := dk.Decapsulate(ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "ml-kem decapsulation failed", "malformed ciphertext", "abort handshake", err)
	}
	return ss, nil
}

// --- AES-256-GCM ----------------------------------------------------------

// Seal encrypts plaintext under key with a random 96-bit nonce,
// returning nonce||ciphertext||tag.
func Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, AESNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "nonce generation failed", "rng failure", "retry", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts a blob produced by Seal.
func Open(key, sealed, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < AESNonceSize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "ciphertext too short", "missing nonce", "abort")
	}
	nonce, ct := sealed[:AESNonceSize], sealed[AESNonceSize:]
	pt, err := gcm.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, errs.Wrap(errs.KindRatchetAuthFailure, "aead authentication failed", "tag mismatch or corrupted ciphertext", "re-handshake and retry once", err)
	}
	return pt, nil
}

// SealWithNonce encrypts plaintext under key using an explicit 96-bit
// nonce (the ratchet derives the nonce deterministically from the
// chain index rather than drawing fresh randomness per message).
func SealWithNonce(key, nonce, plaintext, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AESNonceSize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid nonce length", "expected 12 bytes", "abort")
	}
	return gcm.Seal(nil, nonce, plaintext, associatedData), nil
}

// OpenWithNonce decrypts a blob produced by SealWithNonce.
func OpenWithNonce(key, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AESNonceSize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid nonce length", "expected 12 bytes", "abort")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, errs.Wrap(errs.KindRatchetAuthFailure, "aead authentication failed", "tag mismatch or corrupted ciphertext", "re-handshake and retry once", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, errs.New(errs.KindCryptoInvalidKeyMaterial, "invalid aes key length", "expected 32 bytes", "regenerate key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "aes cipher init failed", "bad key", "regenerate key", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, AESTagSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "gcm init failed", "cipher error", "regenerate key", err)
	}
	return gcm, nil
}

// NonceFromCounter deterministically derives a 96-bit AES-GCM nonce
// from a ratchet chain index: the big-endian encoding of n in the low
// 4 bytes, zero-padded to 12 bytes. Both ends of a session must use
// this same scheme (spec.md §9 open question).
func NonceFromCounter(n uint32) []byte {
	nonce := make([]byte, AESNonceSize)
	binary.BigEndian.PutUint32(nonce[AESNonceSize-4:], n)
	return nonce
}

// --- HKDF-SHA-256 -----------------------------------------------------

// HKDFExtractExpand runs HKDF-SHA-256 extract-then-expand, returning
// outputLength bytes.
func HKDFExtractExpand(ikm, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "hkdf derivation failed", "insufficient entropy from reader", "abort", err)
	}
	return out, nil
}

// --- Argon2id PBKDF -----------------------------------------------------

// PBKDFParams controls the Argon2id cost parameters used to derive the
// SessionContext envelope key from the app password.
type PBKDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultPBKDFParams mirrors OWASP's interactive-login guidance.
func DefaultPBKDFParams() PBKDFParams {
	return PBKDFParams{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: AESKeySize}
}

// DeriveEnvelopeKey derives the SessionContext wrap key from an app
// password and a per-device salt.
func DeriveEnvelopeKey(password string, salt []byte, params PBKDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
}

// NewSalt returns a fresh per-device random salt for PBKDF use.
func NewSalt() ([]byte, error) {
	return RandomBytes(ArgonSaltSize)
}
