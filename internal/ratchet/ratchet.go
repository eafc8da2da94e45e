// Package ratchet implements the Double Ratchet send/receive pipeline:
// per-message chain-key advancement, the DH ratchet step on a new
// header key, and bounded out-of-order skipped-message-key bookkeeping.
//
// Grounded on internal/security/signal.go's DoubleRatchetState /
// InitializeDoubleRatchet / RatchetStep / DeriveMessageKey shape,
// generalized from the teacher's every-100-messages heuristic ratchet
// (which never handles out-of-order delivery) to the header-driven
// ratchet and skipped-key window the core specification requires.
package ratchet

import (
	"bytes"
	"encoding/binary"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
)

// Config holds the process-wide ratchet tunables.
type Config struct {
	MaxSkippedMessageKeys int
}

// DefaultConfig mirrors the core specification's floor: "large but finite".
func DefaultConfig() Config {
	return Config{MaxSkippedMessageKeys: 2000}
}

// Engine performs ratchet operations against a caller-supplied
// *models.RatchetState. It holds no session state itself — per
// spec.md §9, RatchetEngine looks up identities by handle on every
// operation rather than caching references across suspension points.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// InitializeAsInitiator sets up the sending side's ratchet state right
// after a handshake: rootKey is the PQXDH-derived root key, and
// remoteDHPub is the remote signed-prekey public key the handshake
// consumed (the initial DH ratchet peer). A fresh own DH keypair is
// generated and a DH ratchet step immediately produces the first
// sending chain.
func (e *Engine) InitializeAsInitiator(rootKey, remoteDHPub, associatedData []byte) (*models.RatchetState, error) {
	ownKP, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(ownKP.PrivateKey, remoteDHPub)
	if err != nil {
		return nil, err
	}
	newRoot, sendChainKey, err := kdfRK(rootKey, dh)
	if err != nil {
		return nil, err
	}
	return &models.RatchetState{
		RootKey:        newRoot,
		SendChainKey:   sendChainKey,
		SendDHPriv:     ownKP.PrivateKey,
		SendDHPub:      ownKP.PublicKey,
		RecvDHPub:      nil,
		AssociatedData: append([]byte{}, associatedData...),
	}, nil
}

// InitializeAsResponder sets up the receiving side's ratchet state
// right after a handshake: rootKey is the PQXDH-derived root key, and
// ownDHKeyPair is the device's own (long-lived, already-published)
// signed-prekey keypair that the handshake used as its side of the
// initial DH. No sending chain exists yet; it is derived on first
// receive, which performs the DH ratchet step against the initiator's
// header key.
func (e *Engine) InitializeAsResponder(rootKey, ownDHPriv, ownDHPub, associatedData []byte) *models.RatchetState {
	return &models.RatchetState{
		RootKey:        append([]byte{}, rootKey...),
		SendDHPriv:     ownDHPriv,
		SendDHPub:      ownDHPub,
		RecvDHPub:      nil,
		AssociatedData: append([]byte{}, associatedData...),
	}
}

// Send encrypts plaintext under the current sending chain, advancing
// it, and returns the header to transmit alongside the ciphertext.
func (e *Engine) Send(state *models.RatchetState, plaintext []byte) (models.RatchetHeader, []byte, error) {
	if state.SendChainKey == nil {
		return models.RatchetHeader{}, nil, errs.New(errs.KindSessionNotInitialized, "no sending chain established", "ratchet not yet initialized for sending", "complete handshake before sending")
	}
	mk, nextCK, err := deriveMessageKey(state.SendChainKey)
	if err != nil {
		return models.RatchetHeader{}, nil, err
	}

	header := models.RatchetHeader{DHPublicKey: state.SendDHPub, PN: state.SendPN, N: state.SendN}
	ad := buildAD(state.AssociatedData, header)
	nonce := crypto.NonceFromCounter(header.N)
	ct, err := crypto.SealWithNonce(mk, nonce, plaintext, ad)
	if err != nil {
		return models.RatchetHeader{}, nil, err
	}

	state.SendChainKey = nextCK
	state.SendN++
	metrics.RecordRatchetSend()
	return header, ct, nil
}

// Receive decrypts a ciphertext against header, performing out-of-order
// skip bookkeeping or a DH ratchet step as needed. State is left
// unmodified if decryption or the skip-bound check fails.
func (e *Engine) Receive(state *models.RatchetState, header models.RatchetHeader, ciphertext []byte) ([]byte, error) {
	pt, err := e.receive(state, header, ciphertext)
	if err != nil {
		if errs.Is(err, errs.KindRatchetAuthFailure) || errs.Is(err, errs.KindRatchetMaxSkippedExceeded) {
			metrics.RecordRatchetAuthFailure()
		}
		return nil, err
	}
	metrics.RecordRatchetReceive()
	metrics.SetSkippedKeysStashed(len(state.Skipped))
	return pt, nil
}

func (e *Engine) receive(state *models.RatchetState, header models.RatchetHeader, ciphertext []byte) ([]byte, error) {
	// A previously-stashed key always takes priority, regardless of
	// whether header.DHPublicKey matches the current receiving chain:
	// a late out-of-order message on the current chain was stashed
	// under that same DH key, not a different one.
	if key, ok := findSkipped(state.Skipped, header.DHPublicKey, header.N); ok {
		ad := buildAD(state.AssociatedData, header)
		nonce := crypto.NonceFromCounter(header.N)
		pt, err := crypto.OpenWithNonce(key, nonce, ciphertext, ad)
		if err != nil {
			return nil, err
		}
		state.Skipped = removeSkipped(state.Skipped, header.DHPublicKey, header.N)
		return pt, nil
	}
	if state.RecvDHPub != nil && bytes.Equal(state.RecvDHPub, header.DHPublicKey) {
		return e.receiveOnCurrentChain(state, header, ciphertext)
	}
	return e.receiveWithDHRatchet(state, header, ciphertext)
}

func (e *Engine) receiveOnCurrentChain(state *models.RatchetState, header models.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if header.N < state.RecvN {
		// Already advanced past this index on the current chain and it
		// wasn't in the skipped map — treat as an authentication
		// failure rather than silently reprocessing.
		return nil, errs.New(errs.KindRatchetAuthFailure, "message index already consumed", "replayed or duplicate message", "re-handshake and retry once")
	}
	if header.N == state.RecvN {
		mk, nextCK, err := deriveMessageKey(state.RecvChainKey)
		if err != nil {
			return nil, err
		}
		ad := buildAD(state.AssociatedData, header)
		nonce := crypto.NonceFromCounter(header.N)
		pt, err := crypto.OpenWithNonce(mk, nonce, ciphertext, ad)
		if err != nil {
			return nil, err
		}
		state.RecvChainKey = nextCK
		state.RecvN++
		return pt, nil
	}

	// header.N > state.RecvN: out-of-order, stash the intermediate keys.
	gap := int(header.N - state.RecvN)
	if err := e.checkSkipBudget(state, gap); err != nil {
		return nil, err
	}

	tempCK := state.RecvChainKey
	type pending struct {
		index uint32
		key   []byte
	}
	toStash := make([]pending, 0, gap)
	for i := state.RecvN; i < header.N; i++ {
		mk, nextCK, err := deriveMessageKey(tempCK)
		if err != nil {
			return nil, err
		}
		toStash = append(toStash, pending{index: i, key: mk})
		tempCK = nextCK
	}
	mk, nextCK, err := deriveMessageKey(tempCK)
	if err != nil {
		return nil, err
	}
	ad := buildAD(state.AssociatedData, header)
	nonce := crypto.NonceFromCounter(header.N)
	pt, err := crypto.OpenWithNonce(mk, nonce, ciphertext, ad)
	if err != nil {
		return nil, err
	}

	for _, p := range toStash {
		state.SkipSeq++
		state.Skipped = append(state.Skipped, models.SkippedKey{
			DHPublicKey: append([]byte{}, state.RecvDHPub...),
			Index:       p.index,
			MessageKey:  p.key,
			InsertedAt:  state.SkipSeq,
		})
	}
	evictOverflow(state, e.cfg.MaxSkippedMessageKeys)
	state.RecvChainKey = nextCK
	state.RecvN = header.N + 1
	return pt, nil
}

func (e *Engine) receiveWithDHRatchet(state *models.RatchetState, header models.RatchetHeader, ciphertext []byte) ([]byte, error) {
	metrics.RecordDHRatchetStep()
	// First, account for any keys skipped at the tail of the current
	// receiving chain (up to header.PN messages were sent on it before
	// the peer ratcheted).
	var tailStash []models.SkippedKey
	tailGap := 0
	if state.RecvChainKey != nil && header.PN > state.RecvN {
		tailGap = int(header.PN - state.RecvN)
	}

	newDHPriv, newDHPub, err := genCurve()
	if err != nil {
		return nil, err
	}
	dh1, err := crypto.DH(state.SendDHPriv, header.DHPublicKey)
	if err != nil {
		return nil, err
	}
	rootAfterRecv, newRecvChainKey, err := kdfRK(state.RootKey, dh1)
	if err != nil {
		return nil, err
	}

	headGap := int(header.N)
	if err := e.checkSkipBudget(state, tailGap+headGap); err != nil {
		return nil, err
	}

	if tailGap > 0 {
		tempCK := state.RecvChainKey
		for i := state.RecvN; i < header.PN; i++ {
			mk, nextCK, derr := deriveMessageKey(tempCK)
			if derr != nil {
				return nil, derr
			}
			tailStash = append(tailStash, models.SkippedKey{
				DHPublicKey: append([]byte{}, state.RecvDHPub...),
				Index:       i,
				MessageKey:  mk,
			})
			tempCK = nextCK
		}
	}

	tempCK := newRecvChainKey
	type pending struct {
		index uint32
		key   []byte
	}
	headStash := make([]pending, 0, headGap)
	for i := uint32(0); i < header.N; i++ {
		mk, nextCK, derr := deriveMessageKey(tempCK)
		if derr != nil {
			return nil, derr
		}
		headStash = append(headStash, pending{index: i, key: mk})
		tempCK = nextCK
	}
	mk, nextRecvCK, err := deriveMessageKey(tempCK)
	if err != nil {
		return nil, err
	}
	ad := buildAD(state.AssociatedData, header)
	nonce := crypto.NonceFromCounter(header.N)
	pt, err := crypto.OpenWithNonce(mk, nonce, ciphertext, ad)
	if err != nil {
		return nil, err
	}

	dh2, err := crypto.DH(newDHPriv, header.DHPublicKey)
	if err != nil {
		return nil, err
	}
	newRoot2, newSendChainKey, err := kdfRK(rootAfterRecv, dh2)
	if err != nil {
		return nil, err
	}

	for _, sk := range tailStash {
		state.SkipSeq++
		sk.InsertedAt = state.SkipSeq
		state.Skipped = append(state.Skipped, sk)
	}
	for _, p := range headStash {
		state.SkipSeq++
		state.Skipped = append(state.Skipped, models.SkippedKey{
			DHPublicKey: append([]byte{}, header.DHPublicKey...),
			Index:       p.index,
			MessageKey:  p.key,
			InsertedAt:  state.SkipSeq,
		})
	}
	evictOverflow(state, e.cfg.MaxSkippedMessageKeys)

	state.RootKey = newRoot2
	state.RecvChainKey = nextRecvCK
	state.RecvDHPub = append([]byte{}, header.DHPublicKey...)
	state.RecvN = header.N + 1
	state.SendPN = state.SendN
	state.SendN = 0
	state.SendChainKey = newSendChainKey
	state.SendDHPriv = newDHPriv
	state.SendDHPub = newDHPub
	return pt, nil
}

func (e *Engine) checkSkipBudget(state *models.RatchetState, needed int) error {
	if needed > e.cfg.MaxSkippedMessageKeys {
		return errs.New(errs.KindRatchetMaxSkippedExceeded, "too many skipped message keys required", "peer is too far ahead for one ratchet step", "request peer reestablishment")
	}
	return nil
}

func evictOverflow(state *models.RatchetState, max int) {
	for len(state.Skipped) > max {
		oldest := 0
		for i := 1; i < len(state.Skipped); i++ {
			if state.Skipped[i].InsertedAt < state.Skipped[oldest].InsertedAt {
				oldest = i
			}
		}
		state.Skipped = append(state.Skipped[:oldest], state.Skipped[oldest+1:]...)
	}
}

func findSkipped(skipped []models.SkippedKey, dhPub []byte, index uint32) ([]byte, bool) {
	for _, s := range skipped {
		if s.Index == index && bytes.Equal(s.DHPublicKey, dhPub) {
			return s.MessageKey, true
		}
	}
	return nil, false
}

func removeSkipped(skipped []models.SkippedKey, dhPub []byte, index uint32) []models.SkippedKey {
	out := skipped[:0]
	for _, s := range skipped {
		if s.Index == index && bytes.Equal(s.DHPublicKey, dhPub) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func genCurve() (priv, pub []byte, err error) {
	kp, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return kp.PrivateKey, kp.PublicKey, nil
}

// kdfRK is the root-ratchet KDF: given the current root key and a
// fresh DH output, derive the next root key and the chain key for the
// side that just ratcheted.
func kdfRK(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	out, err := crypto.HKDFExtractExpand(dhOutput, rootKey, []byte("pqs-ratchet-step"), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// deriveMessageKey derives a message key and the next chain key from
// the current chain key, per the symmetric-key ratchet.
func deriveMessageKey(chainKey []byte) (messageKey, nextChainKey []byte, err error) {
	mk, err := crypto.HKDFExtractExpand(chainKey, nil, []byte("pqs-message-key"), 32)
	if err != nil {
		return nil, nil, err
	}
	nextCK, err := crypto.HKDFExtractExpand(chainKey, nil, []byte("pqs-chain-key"), 32)
	if err != nil {
		return nil, nil, err
	}
	return mk, nextCK, nil
}

func buildAD(base []byte, header models.RatchetHeader) []byte {
	ad := make([]byte, 0, len(base)+len(header.DHPublicKey)+8)
	ad = append(ad, base...)
	ad = append(ad, header.DHPublicKey...)
	var pn, n [4]byte
	binary.BigEndian.PutUint32(pn[:], header.PN)
	binary.BigEndian.PutUint32(n[:], header.N)
	ad = append(ad, pn[:]...)
	ad = append(ad, n[:]...)
	return ad
}
