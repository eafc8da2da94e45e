package push

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/store"
)

// DeviceToken is one registered push token for a secretName's device.
type DeviceToken struct {
	ID         int64
	SecretName string
	DeviceID   uuid.UUID
	Token      string
	Platform   string // "ios"; android would route through FCM instead
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TokenStore persists device push tokens, keyed by secretName.
// Grounded on internal/push/service.go's DeviceStore, generalized from
// an opaque userID string to the engine's (secretName, deviceID) pair.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) CreateTable(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS push_tokens (
			id SERIAL PRIMARY KEY,
			secret_name TEXT NOT NULL,
			device_id UUID NOT NULL,
			token TEXT NOT NULL UNIQUE,
			platform TEXT NOT NULL DEFAULT 'ios',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_push_tokens_secret_name ON push_tokens(secret_name);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *TokenStore) RegisterToken(ctx context.Context, secretName string, deviceID uuid.UUID, token, platform string) error {
	const query = `
		INSERT INTO push_tokens (secret_name, device_id, token, platform, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (token) DO UPDATE SET
			secret_name = EXCLUDED.secret_name,
			device_id = EXCLUDED.device_id,
			platform = EXCLUDED.platform,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, secretName, deviceID, token, platform)
	return err
}

func (s *TokenStore) TokensFor(ctx context.Context, secretName string) ([]DeviceToken, error) {
	const query = `SELECT id, secret_name, device_id, token, platform, created_at, updated_at
	               FROM push_tokens WHERE secret_name = $1`

	rows, err := s.db.QueryContext(ctx, query, secretName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.ID, &t.SecretName, &t.DeviceID, &t.Token, &t.Platform, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *TokenStore) RemoveToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1`, token)
	return err
}

// Notifier implements store.EventReceiver. Only CreatedMessage does
// real work — it fires a content-blind push ("new message") to every
// registered device for the message's recipient, so the lock-screen
// notification never carries plaintext. Every other callback is a
// deliberate no-op: this engine doesn't yet model contacts/channels as
// push-worthy events.
type Notifier struct {
	apns        *Client
	tokens      *TokenStore
	recipientOf func(m models.EncryptedMessage) (secretName string, ok bool)
	logger      *log.Logger
}

var _ store.EventReceiver = (*Notifier)(nil)

// NewNotifier builds a Notifier. recipientOf resolves the secretName a
// push should target for a given EncryptedMessage — the engine knows
// this from the CommunicationID/IdentityID it dispatched through, but
// EncryptedMessage itself only carries the sender, so the caller wires
// this lookup (typically FanOut's target resolution) in.
func NewNotifier(apns *Client, tokens *TokenStore, recipientOf func(models.EncryptedMessage) (string, bool)) *Notifier {
	return &Notifier{
		apns:        apns,
		tokens:      tokens,
		recipientOf: recipientOf,
		logger:      log.New(os.Stdout, "[PUSH] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func (n *Notifier) CreatedMessage(ctx context.Context, m models.EncryptedMessage) {
	secretName, ok := n.recipientOf(m)
	if !ok {
		return
	}
	if err := n.notifyNewMessage(ctx, secretName, m.CommunicationID); err != nil {
		n.logger.Printf("WARNING: push delivery failed for %s: %v", secretName, err)
	}
}

func (n *Notifier) notifyNewMessage(ctx context.Context, secretName string, communicationID uuid.UUID) error {
	tokens, err := n.tokens.TokensFor(ctx, secretName)
	if err != nil {
		return fmt.Errorf("push: load tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	notification := &Notification{
		Title:    "New message",
		Body:     "You have a new message",
		Sound:    "default",
		Category: "MESSAGE_CATEGORY",
		ThreadID: communicationID.String(),
		Priority: 10,
		PushType: "alert",
		Data: map[string]interface{}{
			"type":             string(NotificationTypeMessage),
			"communication_id": communicationID.String(),
		},
	}

	var lastErr error
	delivered := 0
	for _, dt := range tokens {
		if dt.Platform != "ios" {
			continue
		}
		notification.DeviceToken = dt.Token
		if err := n.apns.Send(notification); err != nil {
			lastErr = err
			if isInvalidTokenError(err) {
				_ = n.tokens.RemoveToken(ctx, dt.Token)
			}
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (n *Notifier) UpdatedMessage(ctx context.Context, m models.EncryptedMessage)      {}
func (n *Notifier) DeletedMessage(ctx context.Context, id uuid.UUID)                  {}
func (n *Notifier) CreatedContact(ctx context.Context, c models.Contact)              {}
func (n *Notifier) UpdatedContact(ctx context.Context, c models.Contact)              {}
func (n *Notifier) RemovedContact(ctx context.Context, secretName string)             {}
func (n *Notifier) CreatedChannel(ctx context.Context, c models.BaseCommunication)     {}
func (n *Notifier) UpdatedCommunication(ctx context.Context, c models.BaseCommunication, members []string) {
}
func (n *Notifier) RemovedCommunication(ctx context.Context, id uuid.UUID)                    {}
func (n *Notifier) Synchronize(ctx context.Context, contact models.Contact, requestFriendship bool) {
}
func (n *Notifier) ContactMetadataChanged(ctx context.Context, secretName string) {}
