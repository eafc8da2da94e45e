// Package transport's ws_transport.go implements Transport over
// gorilla/websocket for live envelope delivery, lib/pq for the
// directory of published UserConfigurations and one-time keys, and
// hashicorp/consul/api (via internal/registry) for routing a send to
// whichever transport node the recipient device is currently attached
// to.
//
// Grounded on internal/db/postgres.go's pool-sizing and plain-SQL
// style for the directory persistence, internal/handlers/
// device_handlers.go's UploadPrekeys/GetUserKeys/UpdateKeys for the
// prekey lifecycle (publish a batch, fetch-and-consume one, batch
// delete stale ones), and internal/websocket/hub.go's per-device
// connection map and best-effort fan-out for the live delivery half
// (ws_server.go).
package transport

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/registry"
)

// EnvelopeReceiver is the narrow slice of internal/engine.Engine that
// ws_server.go's inbound handlers need: decrypt-and-apply one
// RatchetEnvelope. Kept as an interface (rather than importing
// internal/engine directly) to avoid a transport<->engine import cycle
// -- engine.New needs a Transport before it exists, so the receiver is
// wired in after construction via SetReceiver.
type EnvelopeReceiver interface {
	ReceiveEnvelope(ctx context.Context, env RatchetEnvelope) (*models.CryptoMessage, error)
}

// WSTransport is the concrete Transport used by cmd/sessiond: a
// Postgres-backed directory for configurations and one-time keys, a
// Consul-routed relay for cross-node delivery, and a local
// gorilla/websocket hub for devices connected directly to this node.
type WSTransport struct {
	nodeID        string
	db            *sql.DB
	reg           *registry.NodeRegistry
	client        *http.Client
	localDeviceID uuid.UUID
	receiver      EnvelopeReceiver
	onDeliver     func(models.CryptoMessage)

	conns   *connectionSet
	limiter *relayLimiter
}

// New builds a WSTransport. db is a dedicated connection to the
// directory database (may be the same DSN as internal/store/postgres,
// but the directory's schema is private to this package). reg is
// optional: a nil registry means every recipient device is assumed to
// be attached to this node (single-node deployments).
func New(nodeID string, db *sql.DB, reg *registry.NodeRegistry) *WSTransport {
	return &WSTransport{
		nodeID: nodeID,
		db:     db,
		reg:    reg,
		client: &http.Client{Timeout: 10 * time.Second},
		conns:  newConnectionSet(),
	}
}

// SetReceiver wires the inbound delivery path once the engine that
// owns it has been constructed: localDeviceID is that engine's own
// device (so a relayed or locally-uplinked envelope addressed to it is
// routed inward instead of treated as yet another attached peer),
// receiver decrypts and applies an inbound envelope, and onDeliver is
// the application-layer callback for every successfully decrypted
// message (persistence and EventReceiver notification are
// cmd/sessiond's responsibility, not this package's).
func (t *WSTransport) SetReceiver(localDeviceID uuid.UUID, receiver EnvelopeReceiver, onDeliver func(models.CryptoMessage)) {
	t.localDeviceID = localDeviceID
	t.receiver = receiver
	t.onDeliver = onDeliver
}

// EnableRateLimiting throttles /v1/relay and /v1/directory per source
// IP using redisClient, allowing up to limit requests per window before
// a penalty cooldown applies. Optional: a transport with no limiter
// configured serves every request, matching single-node/trusted-mesh
// deployments that have no need for it.
func (t *WSTransport) EnableRateLimiting(redisClient *redis.Client, limit int64, window, penalty time.Duration) {
	t.limiter = newRelayLimiter(redisClient, limit, window, penalty)
}

// CreateSchema creates the directory tables if they do not already
// exist. Safe to call on every startup.
func (t *WSTransport) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_configurations (
			secret_name TEXT PRIMARY KEY,
			signing_public_key BYTEA NOT NULL,
			devices JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_curve_keys (
			key_id UUID PRIMARY KEY,
			secret_name TEXT NOT NULL,
			device_id UUID NOT NULL,
			public_key BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_curve_keys_device ON one_time_curve_keys (secret_name, device_id, consumed)`,
		`CREATE TABLE IF NOT EXISTS one_time_mlkem_keys (
			key_id UUID PRIMARY KEY,
			secret_name TEXT NOT NULL,
			device_id UUID NOT NULL,
			encapsulation_key BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mlkem_keys_device ON one_time_mlkem_keys (secret_name, device_id, consumed)`,
	}
	for _, s := range stmts {
		if _, err := t.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("transport: create directory schema: %w", err)
		}
	}
	return nil
}

type storedDevice = models.SignedDeviceConfiguration

func (t *WSTransport) FetchUserConfiguration(ctx context.Context, secretName string) (models.UserConfiguration, error) {
	var signingKey []byte
	var devicesJSON []byte
	err := t.db.QueryRowContext(ctx,
		`SELECT signing_public_key, devices FROM user_configurations WHERE secret_name = $1`, secretName,
	).Scan(&signingKey, &devicesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserConfiguration{}, errs.New(errs.KindSessionUserNotFound, "unknown user", secretName, "the peer has not published a configuration yet")
	}
	if err != nil {
		return models.UserConfiguration{}, fmt.Errorf("transport: fetch user configuration: %w", err)
	}

	var devices []storedDevice
	if err := json.Unmarshal(devicesJSON, &devices); err != nil {
		return models.UserConfiguration{}, fmt.Errorf("transport: decode device configurations: %w", err)
	}

	curve, err := t.loadUnconsumedCurveKeys(ctx, secretName, uuid.Nil, false)
	if err != nil {
		return models.UserConfiguration{}, err
	}
	mlkem, err := t.loadUnconsumedMLKEMKeys(ctx, secretName, uuid.Nil, false)
	if err != nil {
		return models.UserConfiguration{}, err
	}

	return models.UserConfiguration{
		SecretName:       secretName,
		SigningPublicKey: signingKey,
		Devices:          devices,
		OneTimeCurveKeys: curve,
		OneTimeMLKEMKeys: mlkem,
	}, nil
}

// loadUnconsumedCurveKeys returns every unconsumed curve key for
// secretName, scoped to deviceID when filterByDevice is true (used by
// FetchOneTimeKeyIdentities) or across every device of the user when
// false (used by FetchUserConfiguration's bundle view).
func (t *WSTransport) loadUnconsumedCurveKeys(ctx context.Context, secretName string, deviceID uuid.UUID, filterByDevice bool) ([]models.PublishedCurveKey, error) {
	query := `SELECT key_id, device_id, public_key, signature FROM one_time_curve_keys WHERE secret_name = $1 AND consumed = false`
	args := []interface{}{secretName}
	if filterByDevice {
		query += ` AND device_id = $2`
		args = append(args, deviceID)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transport: load curve keys: %w", err)
	}
	defer rows.Close()

	var out []models.PublishedCurveKey
	for rows.Next() {
		var k models.PublishedCurveKey
		if err := rows.Scan(&k.KeyID, &k.DeviceID, &k.PublicKey, &k.Signature); err != nil {
			return nil, fmt.Errorf("transport: scan curve key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *WSTransport) loadUnconsumedMLKEMKeys(ctx context.Context, secretName string, deviceID uuid.UUID, filterByDevice bool) ([]models.PublishedMLKEMKey, error) {
	query := `SELECT key_id, device_id, encapsulation_key, signature FROM one_time_mlkem_keys WHERE secret_name = $1 AND consumed = false`
	args := []interface{}{secretName}
	if filterByDevice {
		query += ` AND device_id = $2`
		args = append(args, deviceID)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transport: load mlkem keys: %w", err)
	}
	defer rows.Close()

	var out []models.PublishedMLKEMKey
	for rows.Next() {
		var k models.PublishedMLKEMKey
		if err := rows.Scan(&k.KeyID, &k.DeviceID, &k.EncapsulationKey, &k.Signature); err != nil {
			return nil, fmt.Errorf("transport: scan mlkem key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// FetchOneTimeKeys atomically consumes (marks used, within one
// transaction) the oldest unconsumed curve key and the oldest
// unconsumed ML-KEM key for deviceID, returning whichever of the two
// were available. Either or both may be empty if the device's batch is
// exhausted; the caller falls back to the device's long-term/final
// keys per spec.md §4.5.
func (t *WSTransport) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (OneTimeKeys, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return OneTimeKeys{}, fmt.Errorf("transport: begin fetch one-time keys: %w", err)
	}
	defer tx.Rollback()

	var out OneTimeKeys
	var curveID uuid.UUID
	var curvePub, curveSig []byte
	row := tx.QueryRowContext(ctx,
		`SELECT key_id, public_key, signature FROM one_time_curve_keys
		 WHERE secret_name = $1 AND device_id = $2 AND consumed = false
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, secretName, deviceID)
	switch err := row.Scan(&curveID, &curvePub, &curveSig); err {
	case nil:
		if _, err := tx.ExecContext(ctx, `UPDATE one_time_curve_keys SET consumed = true WHERE key_id = $1`, curveID); err != nil {
			return OneTimeKeys{}, fmt.Errorf("transport: consume curve key: %w", err)
		}
		out.Curve = []models.PublishedCurveKey{{KeyID: curveID, DeviceID: deviceID, PublicKey: curvePub, Signature: curveSig}}
	case sql.ErrNoRows:
	default:
		return OneTimeKeys{}, fmt.Errorf("transport: fetch curve key: %w", err)
	}

	var mlkemID uuid.UUID
	var mlkemPub, mlkemSig []byte
	row = tx.QueryRowContext(ctx,
		`SELECT key_id, encapsulation_key, signature FROM one_time_mlkem_keys
		 WHERE secret_name = $1 AND device_id = $2 AND consumed = false
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, secretName, deviceID)
	switch err := row.Scan(&mlkemID, &mlkemPub, &mlkemSig); err {
	case nil:
		if _, err := tx.ExecContext(ctx, `UPDATE one_time_mlkem_keys SET consumed = true WHERE key_id = $1`, mlkemID); err != nil {
			return OneTimeKeys{}, fmt.Errorf("transport: consume mlkem key: %w", err)
		}
		out.MLKEM = []models.PublishedMLKEMKey{{KeyID: mlkemID, DeviceID: deviceID, EncapsulationKey: mlkemPub, Signature: mlkemSig}}
	case sql.ErrNoRows:
	default:
		return OneTimeKeys{}, fmt.Errorf("transport: fetch mlkem key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return OneTimeKeys{}, fmt.Errorf("transport: commit fetch one-time keys: %w", err)
	}
	return out, nil
}

func (t *WSTransport) FetchOneTimeKeyIdentities(ctx context.Context, secretName string, deviceID uuid.UUID, kind models.KeyKind) ([]uuid.UUID, error) {
	var query string
	switch kind {
	case models.KeyKindCurve:
		query = `SELECT key_id FROM one_time_curve_keys WHERE secret_name = $1 AND device_id = $2 AND consumed = false`
	case models.KeyKindMLKEM:
		query = `SELECT key_id FROM one_time_mlkem_keys WHERE secret_name = $1 AND device_id = $2 AND consumed = false`
	default:
		return nil, errs.New(errs.KindSessionConfigurationError, "unknown key kind", string(kind), "use KeyKindCurve or KeyKindMLKEM")
	}
	rows, err := t.db.QueryContext(ctx, query, secretName, deviceID)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch one-time key identities: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("transport: scan key id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *WSTransport) PublishUserConfiguration(ctx context.Context, cfg models.UserConfiguration, _ uuid.UUID) error {
	devicesJSON, err := json.Marshal(cfg.Devices)
	if err != nil {
		return fmt.Errorf("transport: encode device configurations: %w", err)
	}
	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO user_configurations (secret_name, signing_public_key, devices, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (secret_name) DO UPDATE SET signing_public_key = $2, devices = $3, updated_at = now()`,
		cfg.SecretName, cfg.SigningPublicKey, devicesJSON,
	); err != nil {
		return fmt.Errorf("transport: publish user configuration: %w", err)
	}
	if err := t.insertCurveKeys(ctx, cfg.SecretName, cfg.OneTimeCurveKeys); err != nil {
		return err
	}
	return t.insertMLKEMKeys(ctx, cfg.SecretName, cfg.OneTimeMLKEMKeys)
}

func (t *WSTransport) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, rotated RotatedKeyPublication) error {
	if rotated.SigningPublicKey != nil || rotated.LongTermPublicKey != nil {
		var devicesJSON []byte
		err := t.db.QueryRowContext(ctx, `SELECT devices FROM user_configurations WHERE secret_name = $1`, secretName).Scan(&devicesJSON)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transport: load devices for rotation: %w", err)
		}
		var devices []storedDevice
		if len(devicesJSON) > 0 {
			if err := json.Unmarshal(devicesJSON, &devices); err != nil {
				return fmt.Errorf("transport: decode devices for rotation: %w", err)
			}
		}
		for i := range devices {
			if devices[i].DeviceID != deviceID {
				continue
			}
			if rotated.SigningPublicKey != nil {
				devices[i].SigningPublicKey = rotated.SigningPublicKey
			}
			if rotated.LongTermPublicKey != nil {
				devices[i].LongTermPublicKey = rotated.LongTermPublicKey
			}
		}
		newJSON, err := json.Marshal(devices)
		if err != nil {
			return fmt.Errorf("transport: encode devices for rotation: %w", err)
		}
		updateSigning := rotated.SigningPublicKey
		if updateSigning == nil {
			if err := t.db.QueryRowContext(ctx, `SELECT signing_public_key FROM user_configurations WHERE secret_name = $1`, secretName).Scan(&updateSigning); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("transport: load signing key for rotation: %w", err)
			}
		}
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO user_configurations (secret_name, signing_public_key, devices, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (secret_name) DO UPDATE SET signing_public_key = $2, devices = $3, updated_at = now()`,
			secretName, updateSigning, newJSON,
		); err != nil {
			return fmt.Errorf("transport: publish rotated device configuration: %w", err)
		}
	}
	if rotated.CurveKeys != nil {
		if err := t.insertCurveKeys(ctx, secretName, rotated.CurveKeys); err != nil {
			return err
		}
	}
	if rotated.MLKEMKeys != nil {
		if err := t.insertMLKEMKeys(ctx, secretName, rotated.MLKEMKeys); err != nil {
			return err
		}
	}
	return nil
}

func (t *WSTransport) UpdateOneTimeKeys(ctx context.Context, secretName string, _ uuid.UUID, keys []models.PublishedCurveKey) error {
	return t.insertCurveKeys(ctx, secretName, keys)
}

func (t *WSTransport) UpdateOneTimeMLKEMKeys(ctx context.Context, secretName string, _ uuid.UUID, keys []models.PublishedMLKEMKey) error {
	return t.insertMLKEMKeys(ctx, secretName, keys)
}

func (t *WSTransport) insertCurveKeys(ctx context.Context, secretName string, keys []models.PublishedCurveKey) error {
	for _, k := range keys {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO one_time_curve_keys (key_id, secret_name, device_id, public_key, signature)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key_id) DO NOTHING`,
			k.KeyID, secretName, k.DeviceID, k.PublicKey, k.Signature,
		); err != nil {
			return fmt.Errorf("transport: insert curve key %s: %w", k.KeyID, err)
		}
	}
	return nil
}

func (t *WSTransport) insertMLKEMKeys(ctx context.Context, secretName string, keys []models.PublishedMLKEMKey) error {
	for _, k := range keys {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO one_time_mlkem_keys (key_id, secret_name, device_id, encapsulation_key, signature)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key_id) DO NOTHING`,
			k.KeyID, secretName, k.DeviceID, k.EncapsulationKey, k.Signature,
		); err != nil {
			return fmt.Errorf("transport: insert mlkem key %s: %w", k.KeyID, err)
		}
	}
	return nil
}

func (t *WSTransport) BatchDeleteOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID, ids []uuid.UUID, kind models.KeyKind) error {
	if len(ids) == 0 {
		return nil
	}
	var table string
	switch kind {
	case models.KeyKindCurve:
		table = "one_time_curve_keys"
	case models.KeyKindMLKEM:
		table = "one_time_mlkem_keys"
	default:
		return errs.New(errs.KindSessionConfigurationError, "unknown key kind", string(kind), "use KeyKindCurve or KeyKindMLKEM")
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE secret_name = $1 AND device_id = $2 AND key_id = ANY($3::uuid[])`, table)
	if _, err := t.db.ExecContext(ctx, query, secretName, deviceID, pq.Array(idStrs)); err != nil {
		return fmt.Errorf("transport: batch delete %s keys: %w", kind, err)
	}
	return nil
}

// SendMessage delivers env to recipientDeviceID: directly over an
// active local websocket connection when the device is attached to
// this node, or relayed over HTTP to whichever node the registry says
// owns it. A single-node deployment (reg == nil) only ever tries the
// local connection set.
func (t *WSTransport) SendMessage(ctx context.Context, env RatchetEnvelope, recipientDeviceID uuid.UUID) error {
	if t.conns.deliver(recipientDeviceID, env) {
		return nil
	}
	if t.reg == nil {
		return errs.New(errs.KindSessionUserNotFound, "recipient device not connected", recipientDeviceID.String(), "the recipient must be online to receive this message")
	}

	nodeID, ok, err := t.reg.LocateDevice(recipientDeviceID.String())
	if err != nil {
		return fmt.Errorf("transport: locate device %s: %w", recipientDeviceID, err)
	}
	if !ok {
		return errs.New(errs.KindSessionUserNotFound, "recipient device not connected anywhere", recipientDeviceID.String(), "the recipient must be online to receive this message")
	}
	if nodeID == t.nodeID {
		// The registry still points here but the local connection is
		// gone (e.g. dropped between LocateDevice and deliver); treat
		// it the same as not connected rather than relaying to self.
		return errs.New(errs.KindSessionUserNotFound, "recipient device not connected", recipientDeviceID.String(), "the recipient must be online to receive this message")
	}

	addr, err := t.reg.ResolveNode(nodeID)
	if err != nil {
		return fmt.Errorf("transport: resolve node %s: %w", nodeID, err)
	}
	return t.relayToNode(ctx, addr, relayRequest{Envelope: env, RecipientDeviceID: recipientDeviceID})
}

// route is the inbound counterpart of SendMessage, used for envelopes
// arriving from a connected peer's uplink or another node's relay: if
// recipientDeviceID is this node's own locally-hosted engine, the
// envelope is decrypted in place; otherwise it is forwarded exactly as
// SendMessage would forward an engine-originated send.
func (t *WSTransport) route(ctx context.Context, recipientDeviceID uuid.UUID, env RatchetEnvelope) {
	if t.localDeviceID != uuid.Nil && recipientDeviceID == t.localDeviceID {
		t.handleInbound(ctx, env)
		return
	}
	if err := t.SendMessage(ctx, env, recipientDeviceID); err != nil {
		log.Printf("transport: failed to route envelope to device %s: %v", recipientDeviceID, err)
	}
}

type relayRequest struct {
	Envelope          RatchetEnvelope
	RecipientDeviceID uuid.UUID
}

func (t *WSTransport) relayToNode(ctx context.Context, addr string, req relayRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/v1/relay", addr), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: relay to node %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: relay to node %s: status %d", addr, resp.StatusCode)
	}
	return nil
}
