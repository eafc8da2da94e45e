package handshake

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/ratchet"
)

func buildDevice(t *testing.T, name, secretName string, master bool) (*models.DeviceKeys, *models.SignedDeviceConfiguration) {
	t.Helper()
	mgr := keymaterial.NewManager(keymaterial.DefaultConfig())
	keys, cfg, _, _, err := mgr.GenerateDeviceBundle(uuid.New(), name, secretName, master)
	if err != nil {
		t.Fatalf("generate bundle: %v", err)
	}
	return keys, cfg
}

func remoteBundleFor(bKeys *models.DeviceKeys, bCfg *models.SignedDeviceConfiguration, useCurveIdx int, useFinal bool) RemoteBundle {
	rb := RemoteBundle{
		DeviceID:          bCfg.DeviceID,
		DeviceName:        bCfg.DeviceName,
		IsMasterDevice:    bCfg.IsMasterDevice,
		LongTermPublicKey: bKeys.LongTermPublicKey,
		SigningPublicKey:  bKeys.SigningPublicKey,
		OneTimeCurveKey: models.PublishedCurveKey{
			KeyID:     bKeys.OneTimeCurveKeys[useCurveIdx].KeyID,
			DeviceID:  bCfg.DeviceID,
			PublicKey: bKeys.OneTimeCurveKeys[useCurveIdx].PublicKey,
			Signature: bKeys.OneTimeCurveKeys[useCurveIdx].Signature,
		},
	}
	if useFinal {
		rb.FinalMLKEMEncapsulation = bKeys.FinalMLKEMEncapsulation
		rb.FinalMLKEMSignature = bKeys.FinalMLKEMSignature
	} else {
		rb.OneTimeMLKEMKey = &models.PublishedMLKEMKey{
			KeyID:            bKeys.OneTimeMLKEMKeys[0].KeyID,
			DeviceID:         bCfg.DeviceID,
			EncapsulationKey: bKeys.OneTimeMLKEMKeys[0].EncapsulationKey,
			Signature:        bKeys.OneTimeMLKEMKeys[0].Signature,
		}
	}
	return rb
}

func TestHandshakeRootKeysMatch(t *testing.T) {
	aKeys, _ := buildDevice(t, "a-phone", "alice", true)
	bKeys, bCfg := buildDevice(t, "b-phone", "bob", true)

	re := ratchet.NewEngine(ratchet.DefaultConfig())
	he := NewEngine(re)
	ad := []byte("alice|bob")

	remote := remoteBundleFor(bKeys, bCfg, 0, false)
	result, err := he.Initiate(aKeys, remote, ad)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	acceptResult, consumed, err := he.Accept(bKeys, aKeys.LongTermPublicKey, result.Bundle, ad)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !bytes.Equal(result.RatchetState.RootKey, acceptResult.RatchetState.RootKey) {
		t.Fatalf("root keys diverge")
	}
	if consumed.CurveKey.KeyID != remote.OneTimeCurveKey.KeyID {
		t.Fatalf("consumed wrong curve key")
	}
	if consumed.MLKEMKey == nil || consumed.MLKEMKey.KeyID != *result.Bundle.OneTimeMLKEMKeyID {
		t.Fatalf("consumed wrong ml-kem key")
	}

	// A full message round-trips through both derived ratchet states.
	h, ct, err := re.Send(result.RatchetState, []byte("first message"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	pt, err := re.Receive(acceptResult.RatchetState, h, ct)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(pt) != "first message" {
		t.Fatalf("got %q", pt)
	}
}

func TestHandshakeFallsBackToFinalMLKEM(t *testing.T) {
	aKeys, _ := buildDevice(t, "a-phone", "alice", true)
	bKeys, bCfg := buildDevice(t, "b-phone", "bob", true)
	bKeys.OneTimeMLKEMKeys = nil // exhausted

	re := ratchet.NewEngine(ratchet.DefaultConfig())
	he := NewEngine(re)
	ad := []byte("alice|bob")

	remote := remoteBundleFor(bKeys, bCfg, 0, true)
	result, err := he.Initiate(aKeys, remote, ad)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !result.Bundle.UsedFinalMLKEM {
		t.Fatalf("expected fallback to final ml-kem key")
	}

	acceptResult, consumed, err := he.Accept(bKeys, aKeys.LongTermPublicKey, result.Bundle, ad)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if consumed.MLKEMKey != nil {
		t.Fatalf("fallback path must not report a consumed one-time ml-kem key")
	}
	if !bytes.Equal(result.RatchetState.RootKey, acceptResult.RatchetState.RootKey) {
		t.Fatalf("root keys diverge")
	}
}

func TestHandshakeRejectsForgedOneTimeCurveKey(t *testing.T) {
	aKeys, _ := buildDevice(t, "a-phone", "alice", true)
	bKeys, bCfg := buildDevice(t, "b-phone", "bob", true)

	re := ratchet.NewEngine(ratchet.DefaultConfig())
	he := NewEngine(re)

	remote := remoteBundleFor(bKeys, bCfg, 0, false)
	forged, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		t.Fatalf("forged keypair: %v", err)
	}
	remote.OneTimeCurveKey.PublicKey = forged.PublicKey // signature no longer matches

	if _, err := he.Initiate(aKeys, remote, []byte("ad")); err == nil {
		t.Fatalf("expected signature verification failure")
	}
}

func TestTieBreakWins(t *testing.T) {
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	if !Wins("alice", low, "bob", low) {
		t.Fatalf("alice should win over bob lexicographically")
	}
	if Wins("bob", low, "alice", low) {
		t.Fatalf("bob should not win over alice")
	}
	if !Wins("alice", low, "alice", high) {
		t.Fatalf("lower device id should win when secret names match")
	}
}
