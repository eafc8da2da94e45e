// Package devicelink implements spec.md §4.11's explicit device-linking
// operation: the master device mints a short-lived linking token, a
// new device presents it to obtain a device configuration signed by
// the master's signing key.
//
// Grounded on internal/auth/auth.go's Claims/GenerateTokens/ValidateToken
// shape (golang-jwt/jwt/v5, HS256, jwt.RegisteredClaims for expiry) and
// internal/handlers/device_handlers.go's link-a-new-device flow,
// generalized from "issue a session access token for a phone-verified
// user" to "issue a 5-minute linking token naming the master's
// secretName/deviceId, then sign the new device's configuration once
// that token comes back."
package devicelink

import (
	"crypto/sha256"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/models"
)

const linkingTokenValidity = 5 * time.Minute

// Claims is the linking token's payload: which master device is
// vouching for a new device.
type Claims struct {
	SecretName string    `json:"secretName"`
	DeviceID   uuid.UUID `json:"deviceId"`
	jwt.RegisteredClaims
}

// linkingKey derives an HS256 signing key from the master's Ed25519
// signing private key, so the linking token is bound to the master's
// identity without minting or storing a separate shared secret.
func linkingKey(masterSigningPrivateKey []byte) []byte {
	sum := sha256.Sum256(masterSigningPrivateKey)
	return sum[:]
}

// BeginLink mints a short-lived linking token naming the master
// device. The returned string is meant to be rendered as a QR-code
// payload by the (out-of-scope) UI layer.
func BeginLink(masterSecretName string, masterDeviceID uuid.UUID, masterSigningPrivateKey []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		SecretName: masterSecretName,
		DeviceID:   masterDeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(linkingTokenValidity)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(linkingKey(masterSigningPrivateKey))
	if err != nil {
		return "", errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "failed to sign linking token", "jwt signing error", "retry begin_link", err)
	}
	return signed, nil
}

// ParseAndValidate verifies tokenString was minted by the holder of
// masterSigningPrivateKey and has not expired, returning the claims it
// carries.
func ParseAndValidate(tokenString string, masterSigningPrivateKey []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.KindCryptoInvalidSignature, "unexpected signing method", "linking token must use HS256", "do not accept tokens signed with another method")
		}
		return linkingKey(masterSigningPrivateKey), nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidSignature, "invalid or expired linking token", "jwt parse/verify failed", "begin a new link", err)
	}
	if !token.Valid {
		return nil, errs.New(errs.KindCryptoInvalidSignature, "linking token rejected", "jwt reported invalid", "begin a new link")
	}
	return claims, nil
}

// CompleteLink verifies tokenString, then signs newDeviceConfig under
// the master's signing key so the new device's bundle is accepted as
// part of the same user's UserConfiguration (spec.md §4.2).
// masterSigningPrivateKey must be the same key BeginLink used to mint
// tokenString.
func CompleteLink(tokenString string, masterSigningPrivateKey []byte, newDeviceConfig *models.SignedDeviceConfiguration) (*Claims, error) {
	claims, err := ParseAndValidate(tokenString, masterSigningPrivateKey)
	if err != nil {
		return nil, err
	}
	newDeviceConfig.IsMasterDevice = false
	if err := keymaterial.SignDeviceConfiguration(masterSigningPrivateKey, newDeviceConfig); err != nil {
		return nil, errs.Wrap(errs.KindCryptoInvalidKeyMaterial, "failed to sign new device configuration", "signing error", "retry complete_link", err)
	}
	return claims, nil
}
