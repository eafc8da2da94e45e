// Package push implements a best-effort APNs push fallback fired when
// a recipient's TaskProcessor queue is parked (the device is not
// currently reachable over Transport). Since the engine only ever
// holds ciphertext for a message, every notification body is generic —
// "new message" — never the sender's name or any plaintext preview.
//
// Grounded on internal/push/apns.go's APNsClient: JWT (ES256) token
// caching, the production/sandbox endpoint pair, and the HTTP/2
// request shape are kept as-is; the notification payload catalogue
// (friend requests, calls) is dropped since this domain has no such
// concepts, per SPEC_FULL.md §6's "push fallback" scope.
package push

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	APNsProductionURL = "https://api.push.apple.com"
	APNsSandboxURL    = "https://api.sandbox.push.apple.com"
)

// NotificationType distinguishes the one push category this engine
// emits from any future additions.
type NotificationType string

const (
	NotificationTypeMessage NotificationType = "new_message"
)

// Config holds the APNs provider-authentication material.
type Config struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// Client sends push notifications to APNs using provider (token-based)
// authentication.
type Client struct {
	config     Config
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client

	token       string
	tokenExpiry time.Time
	tokenMu     sync.RWMutex
}

// Notification is one push payload.
type Notification struct {
	DeviceToken string
	Title       string
	Body        string
	Sound       string
	Badge       int
	Category    string
	ThreadID    string
	Data        map[string]interface{}
	Priority    int
	PushType    string // "alert" or "background"
}

// NewClient loads the ES256 provider key and builds a Client.
func NewClient(config Config) (*Client, error) {
	keyData, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("push: read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("push: decode PEM block from APNs key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: parse APNs private key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("push: APNs key is not an ECDSA key")
	}

	return &Client{
		config:     config,
		privateKey: ecdsaKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) getToken() (string, error) {
	c.tokenMu.RLock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.config.TeamID,
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.config.KeyID

	signedToken, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("push: sign JWT token: %w", err)
	}

	c.token = signedToken
	c.tokenExpiry = now.Add(50 * time.Minute)
	return c.token, nil
}

func (c *Client) apnsURL() string {
	if c.config.Production {
		return APNsProductionURL
	}
	return APNsSandboxURL
}

// Send delivers one notification to a single device token.
func (c *Client) Send(notification *Notification) error {
	token, err := c.getToken()
	if err != nil {
		return err
	}

	payload := c.buildPayload(notification)
	endpoint := fmt.Sprintf("%s/3/device/%s", c.apnsURL(), notification.DeviceToken)

	req, err := http.NewRequest(http.MethodPost, endpoint, payload)
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", c.config.BundleID)
	req.Header.Set("apns-push-type", notification.PushType)
	if notification.Priority > 0 {
		req.Header.Set("apns-priority", fmt.Sprintf("%d", notification.Priority))
	}
	if notification.ThreadID != "" {
		req.Header.Set("apns-collapse-id", notification.ThreadID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push: APNs error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) buildPayload(n *Notification) io.Reader {
	aps := map[string]interface{}{
		"alert": map[string]string{
			"title": n.Title,
			"body":  n.Body,
		},
	}
	if n.Sound != "" {
		aps["sound"] = n.Sound
	} else {
		aps["sound"] = "default"
	}
	if n.Badge >= 0 {
		aps["badge"] = n.Badge
	}
	if n.Category != "" {
		aps["category"] = n.Category
	}
	if n.ThreadID != "" {
		aps["thread-id"] = n.ThreadID
	}

	payload := map[string]interface{}{"aps": aps}
	for k, v := range n.Data {
		payload[k] = v
	}

	jsonData, _ := json.Marshal(payload)
	return bytes.NewReader(jsonData)
}

func isInvalidTokenError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return containsAt(errStr, "BadDeviceToken", 0) ||
		containsAt(errStr, "Unregistered", 0) ||
		containsAt(errStr, "DeviceTokenNotForTopic", 0)
}

func containsAt(s, substr string, start int) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := start; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
