// Package engine wires every other internal package into the single
// explicit handle the rest of the application drives: Cache, IdentityRegistry,
// KeyMaterial, Ratchet, Handshake, TaskProcessor, FanOut, and KeyRotation.
//
// There is deliberately no package-level singleton — every operation
// hangs off one *Engine value, constructed once per local device. The
// Engine itself is the taskprocessor.Sender and taskprocessor.Recoverer:
// outbound encryption happens lazily inside Send, at the moment a job
// is actually dispatched, because the ratchet's sending chain can't be
// replayed after a Recover resets it (spec.md §4.7).
//
// Grounded on cmd/chatserver/main.go's single explicit wiring sequence
// (config -> db -> redis -> registry -> services -> handlers), adapted
// from "construct package-level globals in main" to "return one struct
// the caller owns", and on internal/security/signal.go's encrypt/decrypt
// entry points for the shape of the inbound/outbound message path.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/solace-pqs/session-engine/internal/cache"
	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/fanout"
	"github.com/solace-pqs/session-engine/internal/handshake"
	"github.com/solace-pqs/session-engine/internal/identity"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/keyrotation"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/ratchet"
	"github.com/solace-pqs/session-engine/internal/store"
	"github.com/solace-pqs/session-engine/internal/taskprocessor"
	"github.com/solace-pqs/session-engine/internal/transport"
)

// IdentityHandle is the opaque identifier RatchetEngine/TaskProcessor
// pass between each other instead of a live pointer, per spec.md §9 —
// an identity is always re-loaded through Cache by ID at the point of
// use rather than captured across a suspension point.
type IdentityHandle = uuid.UUID

// Config is everything the Engine needs to construct every
// subordinate package for one local device.
type Config struct {
	SecretName       string
	DeviceID         uuid.UUID
	SessionContextID uuid.UUID

	Keys         *models.DeviceKeys
	DeviceConfig *models.SignedDeviceConfiguration

	Store     store.Store
	Transport transport.Transport

	// Redis is optional: when set, identity lookups also mirror
	// through it (cache.NewWithRedis) so a multi-instance deployment
	// shares lookups instead of every instance replaying Store's full
	// query path. A nil Redis builds a process-local-only cache.
	Redis *redis.Client

	// Durability is optional: when set, the TaskProcessor additionally
	// persists every queued send through it (taskprocessor.Durability),
	// so a crash can recover jobs that never reached a terminal state.
	// A nil Durability behaves exactly as before that tier existed.
	Durability *taskprocessor.Durability

	RatchetConfig     ratchet.Config
	KeyMaterialConfig keymaterial.Config
	AssociatedData    []byte

	// MinimumChannelOperators and MinimumChannelMembers override the
	// spec-pinned channel-size minimums (1 and 3) the cache enforces
	// on every saved channel. Zero means "use the pinned defaults".
	MinimumChannelOperators int
	MinimumChannelMembers   int

	// Events is optional: when set, ReceiveEnvelope fires its
	// CreatedMessage callback after a decrypted application message is
	// persisted. A nil Events drops the callback, matching the
	// teacher's existing "every callback is fire-and-forget" contract.
	Events store.EventReceiver
}

// Engine is the explicit handle over one local device's session
// state. It is safe for concurrent use.
type Engine struct {
	secretName       string
	deviceID         uuid.UUID
	sessionContextID uuid.UUID
	associatedData   []byte

	keysMu       sync.Mutex
	keys         *models.DeviceKeys
	deviceConfig *models.SignedDeviceConfiguration

	cache     *cache.Cache
	registry  *identity.Registry
	transport transport.Transport
	km        *keymaterial.Manager
	ratchet   *ratchet.Engine
	handshake *handshake.Engine
	tasks     *taskprocessor.Manager
	fanout    *fanout.FanOut
	rotation  *keyrotation.Manager
	events    store.EventReceiver

	lowWatermark int

	deliveredMu sync.Mutex
	delivered   map[uuid.UUID]struct{}
}

// New builds an Engine for one local device from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		secretName:       cfg.SecretName,
		deviceID:         cfg.DeviceID,
		sessionContextID: cfg.SessionContextID,
		associatedData:   append([]byte{}, cfg.AssociatedData...),
		keys:             cfg.Keys,
		deviceConfig:     cfg.DeviceConfig,
		transport:        cfg.Transport,
		lowWatermark:     cfg.KeyMaterialConfig.OneTimeKeyLowWatermark,
		events:           cfg.Events,
		delivered:        make(map[uuid.UUID]struct{}),
	}
	if cfg.Redis != nil {
		e.cache = cache.NewWithRedis(cfg.Store, cfg.Redis)
	} else {
		e.cache = cache.New(cfg.Store)
	}
	if cfg.MinimumChannelOperators > 0 || cfg.MinimumChannelMembers > 0 {
		minOperators, minMembers := cfg.MinimumChannelOperators, cfg.MinimumChannelMembers
		if minOperators == 0 {
			minOperators = 1
		}
		if minMembers == 0 {
			minMembers = 3
		}
		e.cache.SetChannelLimits(minOperators, minMembers)
	}
	e.registry = identity.NewRegistry(e.cache, cfg.Transport, cfg.SessionContextID)
	e.km = keymaterial.NewManager(cfg.KeyMaterialConfig)
	e.ratchet = ratchet.NewEngine(cfg.RatchetConfig)
	e.handshake = handshake.NewEngine(e.ratchet)
	e.fanout = fanout.New(e.registry, cfg.Store, cfg.SecretName, cfg.DeviceID)
	e.tasks = taskprocessor.NewManagerWithDurability(e, e, cfg.Durability)
	e.rotation = keyrotation.NewManager(e.km, cfg.Transport, e.registry, e.fanout, e, cfg.SecretName, cfg.DeviceID)
	return e
}

// DeviceKeys returns a snapshot of the local device's current private
// key material, for the caller to persist through SessionContext.
func (e *Engine) DeviceKeys() models.DeviceKeys {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	return *e.keys
}

// StartKeyRotation launches the scheduled ML-KEM rotation loop,
// polling at checkInterval.
func (e *Engine) StartKeyRotation(ctx context.Context, checkInterval time.Duration) {
	e.rotation.Start(ctx, e.keys, checkInterval)
}

// LocalSessionUser returns the local device's public identity and
// current signing key, for callers (internal/admin's device-linking
// endpoint) that need to mint a linking token without reaching into
// the engine's private key-material lock themselves.
func (e *Engine) LocalSessionUser() models.SessionUser {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	return models.SessionUser{
		SecretName: e.secretName,
		DeviceID:   e.deviceID,
		Keys:       *e.keys,
	}
}

// RotateOnPotentialCompromise runs a full key rotation and notifies
// every established peer identity among peerSecretNames (the caller's
// contact list — the engine has no global view of every secretName it
// has ever talked to, only per-secretName identity lookups).
func (e *Engine) RotateOnPotentialCompromise(ctx context.Context, peerSecretNames []string) error {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()

	var peers []models.SessionIdentity
	for _, secretName := range peerSecretNames {
		peers = append(peers, e.registry.Get(secretName)...)
	}
	return e.rotation.RotateOnPotentialCompromise(ctx, e.keys, e.deviceConfig, peers)
}

// RotateMLKEMIfNeededNow runs the scheduled ML-KEM rotation check
// immediately rather than waiting for StartKeyRotation's ticker,
// reporting whether a rotation actually occurred.
func (e *Engine) RotateMLKEMIfNeededNow(ctx context.Context) (bool, error) {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	return e.rotation.RotateMLKEMIfNeeded(ctx, e.keys)
}

// SynchronizeOneTimeKeysWithPeer dispatches a synchronizeOneTimeKeys
// control frame directly to peer, bypassing the TaskProcessor queue
// like every control frame (spec.md §4.8). Used after a remote key
// count desyncs with the local view of the batch.
func (e *Engine) SynchronizeOneTimeKeysWithPeer(ctx context.Context, commID uuid.UUID, peer models.SessionIdentity, kind models.KeyKind) error {
	errsOut := e.fanout.DispatchControlFrame(ctx, e, commID, []models.SessionIdentity{peer}, models.ControlFrame{Kind: models.ControlFrameSynchronizeOneTimeKeys, OneTimeKeyKind: kind})
	if len(errsOut) > 0 {
		return errsOut[0]
	}
	return nil
}

// RefillOneTimeKeysIfLow checks the transport's published remaining
// count for kind and, if it has fallen to or below the configured low
// watermark, generates and publishes a fresh batch.
func (e *Engine) RefillOneTimeKeysIfLow(ctx context.Context, kind models.KeyKind) error {
	remoteIDs, err := e.transport.FetchOneTimeKeyIdentities(ctx, e.secretName, e.deviceID, kind)
	if err != nil {
		return errs.Wrap(errs.KindSessionUserNotFound, "failed to fetch one-time key identities", "transport error", "retry on the next check", err)
	}
	if len(remoteIDs) > e.lowWatermark {
		return nil
	}

	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	rotated, err := e.km.RefillOneTimeKeys(e.deviceID, e.keys, kind)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to generate replenishment one-time keys", "key generation error", "retry on the next check", err)
	}
	switch kind {
	case models.KeyKindCurve:
		return e.transport.UpdateOneTimeKeys(ctx, e.secretName, e.deviceID, rotated.CurveKeys)
	case models.KeyKindMLKEM:
		return e.transport.UpdateOneTimeMLKEMKeys(ctx, e.secretName, e.deviceID, rotated.MLKEMKeys)
	default:
		return errs.New(errs.KindSessionConfigurationError, "unknown key kind", string(kind), "use curve25519 or mlkem1024")
	}
}

// SendMessage resolves msg's recipient to its target devices and
// submits one taskprocessor job per device, returning a result channel
// per target in resolution order.
func (e *Engine) SendMessage(ctx context.Context, commID uuid.UUID, msg models.CryptoMessage) ([]<-chan error, error) {
	return e.fanout.Send(ctx, e.tasks, commID, msg)
}

// Shutdown drains every in-flight send and stops the scheduled
// rotation loop.
func (e *Engine) Shutdown() {
	e.tasks.Shutdown()
	e.rotation.Stop()
}

// Send implements taskprocessor.Sender: it is called once per job, in
// strict per-identity sequence order, and performs the handshake (if
// none exists yet for the target identity) and ratchet encryption
// lazily, at the moment of actual dispatch.
func (e *Engine) Send(ctx context.Context, job models.JobModel) error {
	ident, err := e.cache.LoadIdentity(ctx, job.IdentityID)
	if err != nil {
		return err
	}

	var msg models.CryptoMessage
	if err := json.Unmarshal(job.Props, &msg); err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to decode job payload", "invalid json", "this is an engine bug, not a transient failure", err)
	}

	var bundle *models.HandshakeBundle
	if ident.State == nil {
		updated, b, err := e.ensureHandshake(ctx, ident)
		if err != nil {
			return err
		}
		ident, bundle = updated, b
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.KindSessionConfigurationError, "failed to encode message for the ratchet", "json marshal error", "this is an engine bug, not a transient failure", err)
	}

	header, ciphertext, err := e.ratchet.Send(ident.State, plaintext)
	if err != nil {
		return err
	}
	if err := e.registry.UpdateState(ctx, ident.ID, ident.State); err != nil {
		return err
	}

	env := transport.RatchetEnvelope{
		SenderSecretName: e.secretName,
		SenderDeviceID:   e.deviceID,
		SharedMessageID:  job.SharedID,
		Header:           header,
		Bundle:           bundle,
		Ciphertext:       ciphertext,
	}
	e.keysMu.Lock()
	sig, err := crypto.Sign(e.keys.SigningPrivateKey, envelopeSigningPayload(env))
	e.keysMu.Unlock()
	if err != nil {
		return err
	}
	env.Signature = sig

	if err := e.transport.SendMessage(ctx, env, ident.DeviceID); err != nil {
		return errs.Wrap(errs.KindSessionUserNotFound, "failed to deliver ratchet envelope", "transport error", "the taskprocessor retries per its own recovery policy", err)
	}

	if msg.TransportInfo == nil || msg.TransportInfo.ControlFrame == nil {
		record := models.EncryptedMessage{
			ID:               uuid.New(),
			CommunicationID:  job.CommunicationID,
			SessionContextID: e.sessionContextID,
			SharedID:         job.SharedID,
			SequenceNumber:   job.SequenceID,
			Data:             ciphertext,
			SenderSecretName: e.secretName,
			SenderDeviceID:   e.deviceID,
			CreatedAt:        time.Now().UTC(),
		}
		if err := e.cache.SaveMessage(ctx, record); err != nil {
			return err
		}
	}

	if ident.NeedsRemoteDeletion {
		if err := e.registry.SetNeedsRemoteDeletion(ctx, ident.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// Recover implements taskprocessor.Recoverer: it is invoked once, by
// the taskprocessor, after Send fails with a recoverable ratchet/crypto
// error, and before exactly one retry of the same job. Recovery tears
// down the identity's ratchet state so the retried Send re-handshakes
// from scratch, per spec.md §4.7 and §4.5's reestablishment flow.
func (e *Engine) Recover(ctx context.Context, job models.JobModel) error {
	return e.registry.UpdateState(ctx, job.IdentityID, nil)
}

// ReceiveEnvelope verifies and decrypts an inbound RatchetEnvelope. It
// returns (nil, nil) for a control frame, which is handled internally
// and never surfaced to the application layer.
func (e *Engine) ReceiveEnvelope(ctx context.Context, env transport.RatchetEnvelope) (*models.CryptoMessage, error) {
	idents, err := e.registry.Refresh(ctx, env.SenderSecretName, false)
	if err != nil {
		return nil, err
	}
	var ident *models.SessionIdentity
	for i := range idents {
		if idents[i].DeviceID == env.SenderDeviceID {
			ident = &idents[i]
			break
		}
	}
	if ident == nil {
		return nil, errs.New(errs.KindSessionUserNotFound, "unknown sender device", "no identity for (secretName, deviceId)", "refresh the sender's configuration")
	}

	if err := crypto.Verify(ident.RemoteSigningPublicKey, envelopeSigningPayload(env), env.Signature); err != nil {
		// The cached identity's signing key may be stale (the sender
		// rotated it since our last refresh): force-refresh once and
		// retry the same envelope before treating this as a genuine
		// forgery, per spec.md §4.9/§4.7 and the §7 InvalidSignature
		// recovery row.
		refreshed, refreshErr := e.registry.Refresh(ctx, env.SenderSecretName, true)
		if refreshErr != nil {
			return nil, err
		}
		ident = nil
		for i := range refreshed {
			if refreshed[i].DeviceID == env.SenderDeviceID {
				ident = &refreshed[i]
				break
			}
		}
		if ident == nil {
			return nil, errs.New(errs.KindSessionUserNotFound, "unknown sender device", "no identity for (secretName, deviceId) after force-refresh", "refresh the sender's configuration")
		}
		if err := crypto.Verify(ident.RemoteSigningPublicKey, envelopeSigningPayload(env), env.Signature); err != nil {
			return nil, err
		}
	}

	if env.Bundle != nil && ident.State != nil {
		// Both devices initiated a handshake toward each other at the
		// same time: this device already has an Initiate-derived state
		// for ident, yet the envelope still carries a fresh handshake
		// bundle. Resolve deterministically via the tie-break (spec.md
		// §4.5) instead of always tearing down and asking the peer to
		// reestablish.
		if handshake.Wins(e.secretName, e.deviceID, env.SenderSecretName, env.SenderDeviceID) {
			// This device's own initiation survives the race; the peer
			// is expected to detect the same race on its side and
			// accept this device's handshake instead. The envelope in
			// hand was encrypted under the ratchet state the peer is
			// about to discard, so there is nothing to decrypt here.
			return nil, errs.New(errs.KindSessionReestablishing, "concurrent handshake initiation, local device wins the tie-break", "both devices initiated a session simultaneously", "the peer accepts this device's handshake on its next message")
		}
		// The peer's initiation survives: discard this device's own
		// speculative state and accept the peer's handshake instead.
		ident.State = nil
	}

	if ident.State == nil {
		if err := e.acceptHandshake(ctx, ident, env); err != nil {
			return nil, err
		}
	}

	plaintext, err := e.ratchet.Receive(ident.State, env.Header, env.Ciphertext)
	if err != nil {
		if errs.Is(err, errs.KindRatchetAuthFailure) || errs.Is(err, errs.KindRatchetMaxSkippedExceeded) {
			// The sender's view of this session has diverged beyond
			// repair; ask them to reestablish rather than keep failing
			// silently on every subsequent message.
			_ = e.registry.UpdateState(ctx, ident.ID, nil)
			frame := models.ControlFrame{Kind: models.ControlFrameSessionReestablishment}
			e.fanout.DispatchControlFrame(ctx, e, uuid.New(), []models.SessionIdentity{*ident}, frame)
			return nil, errs.Wrap(errs.KindSessionReestablishing, "session desynchronized, reestablishment requested", "ratchet decrypt failure", "the peer will re-handshake on its next send", err)
		}
		return nil, err
	}
	if err := e.registry.UpdateState(ctx, ident.ID, ident.State); err != nil {
		return nil, err
	}

	var msg models.CryptoMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, errs.Wrap(errs.KindSessionConfigurationError, "failed to decode ratchet plaintext", "invalid json", "report as a bug", err)
	}

	if msg.TransportInfo != nil && msg.TransportInfo.ControlFrame != nil {
		return nil, e.handleControlFrame(ctx, ident, *msg.TransportInfo.ControlFrame)
	}

	// CommunicationID isn't carried on the wire (RatchetEnvelope only
	// identifies sender/session), so the record keeps it nil here; the
	// application layer correlates by SharedID/Recipient instead.
	record := models.EncryptedMessage{
		ID:               uuid.New(),
		SessionContextID: e.sessionContextID,
		SharedID:         env.SharedMessageID,
		Data:             env.Ciphertext,
		SenderSecretName: env.SenderSecretName,
		SenderDeviceID:   env.SenderDeviceID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.cache.SaveMessage(ctx, record); err != nil {
		return nil, err
	}
	if e.events != nil && e.markDelivered(env.SharedMessageID) {
		e.events.CreatedMessage(ctx, record)
	}
	return &msg, nil
}

// markDelivered reports whether sharedMessageID has not yet been
// handed to Events, and if so marks it delivered. It guarantees
// CreatedMessage fires at most once per sharedMessageID even if the
// same envelope is redelivered by the transport.
func (e *Engine) markDelivered(sharedMessageID uuid.UUID) bool {
	e.deliveredMu.Lock()
	defer e.deliveredMu.Unlock()
	if _, seen := e.delivered[sharedMessageID]; seen {
		return false
	}
	e.delivered[sharedMessageID] = struct{}{}
	return true
}

// handleControlFrame applies an in-band engine event (spec.md §4.8).
// Control frames are never persisted and never reach the application.
func (e *Engine) handleControlFrame(ctx context.Context, ident *models.SessionIdentity, frame models.ControlFrame) error {
	metrics.RecordControlFrame(string(frame.Kind), "received")
	switch frame.Kind {
	case models.ControlFrameSessionReestablishment:
		// The peer has torn down their view of this session; ours must
		// follow so the next Send re-handshakes instead of encrypting
		// under a chain the peer no longer recognizes.
		return e.registry.UpdateState(ctx, ident.ID, nil)

	case models.ControlFrameSynchronizeOneTimeKeys:
		remoteIDs, err := e.transport.FetchOneTimeKeyIdentities(ctx, e.secretName, e.deviceID, frame.OneTimeKeyKind)
		if err != nil {
			return errs.Wrap(errs.KindSessionUserNotFound, "failed to fetch authoritative one-time key ids", "transport error", "retry on the next synchronizeOneTimeKeys frame", err)
		}
		present := make(map[uuid.UUID]struct{}, len(remoteIDs))
		for _, id := range remoteIDs {
			present[id] = struct{}{}
		}
		e.keysMu.Lock()
		keymaterial.SynchronizeLocalKeys(e.keys, present, frame.OneTimeKeyKind)
		e.keysMu.Unlock()
		return nil

	default:
		return errs.New(errs.KindSessionConfigurationError, "unknown control frame kind", string(frame.Kind), "upgrade the peer or ignore")
	}
}

// ensureHandshake runs the PQXDH handshake as initiator against ident's
// remote device, fetching a fresh one-time key batch view from the
// transport. The resulting HandshakeBundle is stashed so the caller's
// very next RatchetEnvelope for this identity carries it.
func (e *Engine) ensureHandshake(ctx context.Context, ident models.SessionIdentity) (models.SessionIdentity, *models.HandshakeBundle, error) {
	otk, err := e.transport.FetchOneTimeKeys(ctx, ident.SecretName, ident.DeviceID)
	if err != nil {
		return ident, nil, errs.Wrap(errs.KindSessionUserNotFound, "failed to fetch one-time keys", "transport error", "retry", err)
	}
	if len(otk.Curve) == 0 {
		return ident, nil, errs.New(errs.KindSessionConfigurationError, "remote device published no one-time curve keys", "one-time prekey batch exhausted", "wait for the remote device to republish")
	}

	remote := handshake.RemoteBundle{
		SecretName:        ident.SecretName,
		DeviceID:          ident.DeviceID,
		DeviceName:        ident.DeviceName,
		IsMasterDevice:    ident.IsMasterDevice,
		LongTermPublicKey: ident.RemoteLongTermPublicKey,
		SigningPublicKey:  ident.RemoteSigningPublicKey,
		OneTimeCurveKey:   otk.Curve[0],
	}
	if len(otk.MLKEM) > 0 {
		k := otk.MLKEM[0]
		remote.OneTimeMLKEMKey = &k
	} else {
		remote.FinalMLKEMEncapsulation = ident.RemoteMLKEMEncapKey
		remote.FinalMLKEMSignature = ident.RemoteMLKEMSignature
	}

	e.keysMu.Lock()
	result, err := e.handshake.Initiate(e.keys, remote, e.associatedData)
	e.keysMu.Unlock()
	if err != nil {
		return ident, nil, err
	}

	ident.State = result.RatchetState
	if err := e.registry.UpdateState(ctx, ident.ID, ident.State); err != nil {
		return ident, nil, err
	}
	return ident, &result.Bundle, nil
}

// acceptHandshake runs the PQXDH handshake as responder on receipt of
// the first RatchetEnvelope of a new session, consuming the one-time
// private key(s) the envelope's bundle names.
func (e *Engine) acceptHandshake(ctx context.Context, ident *models.SessionIdentity, env transport.RatchetEnvelope) error {
	if env.Bundle == nil {
		return errs.New(errs.KindSessionConfigurationError, "first message for a new session carried no handshake bundle", "missing bundle", "ask the sender to reestablish")
	}

	e.keysMu.Lock()
	result, consumed, err := e.handshake.Accept(e.keys, ident.RemoteLongTermPublicKey, *env.Bundle, e.associatedData)
	if err != nil {
		e.keysMu.Unlock()
		return err
	}
	keymaterial.ConsumeOneTimeCurveKey(e.keys, consumed.CurveKey.KeyID)
	if consumed.MLKEMKey != nil {
		keymaterial.ConsumeOneTimeMLKEMKey(e.keys, consumed.MLKEMKey.KeyID)
	}
	e.keysMu.Unlock()

	ident.State = result.RatchetState
	return e.registry.UpdateState(ctx, ident.ID, ident.State)
}

// envelopeSigningPayload deterministically serializes the fields of a
// RatchetEnvelope the detached signature covers.
func envelopeSigningPayload(env transport.RatchetEnvelope) []byte {
	var buf []byte
	buf = append(buf, []byte(env.SenderSecretName)...)
	buf = append(buf, env.SenderDeviceID[:]...)
	buf = append(buf, env.SharedMessageID[:]...)
	buf = append(buf, env.Header.DHPublicKey...)
	var pn, n [4]byte
	binary.BigEndian.PutUint32(pn[:], env.Header.PN)
	binary.BigEndian.PutUint32(n[:], env.Header.N)
	buf = append(buf, pn[:]...)
	buf = append(buf, n[:]...)
	buf = append(buf, env.Ciphertext...)
	return buf
}
