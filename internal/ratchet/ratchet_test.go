package ratchet

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/solace-pqs/session-engine/internal/crypto"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

// setupSessions mirrors what Handshake produces: a shared root key and
// the DH keypair each side anchors its ratchet on (Bob's static
// signed-prekey keypair stands in for the handshake's consumed prekey).
func setupSessions(t *testing.T) (engine *Engine, alice, bob *models.RatchetState) {
	t.Helper()
	engine = NewEngine(Config{MaxSkippedMessageKeys: 50})

	rootKey, err := crypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("root key: %v", err)
	}
	bobKP, err := crypto.GenerateCurveKeyPair()
	if err != nil {
		t.Fatalf("bob kp: %v", err)
	}

	ad := []byte("alice|bob")
	alice, err = engine.InitializeAsInitiator(rootKey, bobKP.PublicKey, ad)
	if err != nil {
		t.Fatalf("init alice: %v", err)
	}
	bob = engine.InitializeAsResponder(rootKey, bobKP.PrivateKey, bobKP.PublicKey, ad)
	return engine, alice, bob
}

func TestHappyPathExchange(t *testing.T) {
	engine, alice, bob := setupSessions(t)

	header, ct, err := engine.Send(alice, []byte("Hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	pt, err := engine.Receive(bob, header, ct)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(pt) != "Hello" {
		t.Fatalf("got %q", pt)
	}

	replyHeader, replyCt, err := engine.Send(bob, []byte("hi alice"))
	if err != nil {
		t.Fatalf("bob send: %v", err)
	}
	reply, err := engine.Receive(alice, replyHeader, replyCt)
	if err != nil {
		t.Fatalf("alice receive: %v", err)
	}
	if string(reply) != "hi alice" {
		t.Fatalf("got %q", reply)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	engine, alice, bob := setupSessions(t)

	const n = 79
	type sent struct {
		header models.RatchetHeader
		ct     []byte
		text   string
	}
	messages := make([]sent, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("Out-of-order Message %d", i)
		h, ct, err := engine.Send(alice, []byte(text))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		messages[i] = sent{header: h, ct: ct, text: text}
	}

	// Bob receives message 0 first, then the rest shuffled.
	order := make([]int, n-1)
	for i := range order {
		order[i] = i + 1
	}
	rand.New(rand.NewSource(7)).Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	first := messages[0]
	pt, err := engine.Receive(bob, first.header, first.ct)
	if err != nil {
		t.Fatalf("receive 0: %v", err)
	}
	if string(pt) != first.text {
		t.Fatalf("message 0 mismatch: %q", pt)
	}

	for _, idx := range order {
		m := messages[idx]
		pt, err := engine.Receive(bob, m.header, m.ct)
		if err != nil {
			t.Fatalf("receive %d: %v", idx, err)
		}
		if string(pt) != m.text {
			t.Fatalf("message %d mismatch: %q", idx, pt)
		}
	}

	if len(bob.Skipped) != 0 {
		t.Fatalf("expected zero skipped keys at end, got %d", len(bob.Skipped))
	}
}

func TestMaxSkippedMessageKeysExceeded(t *testing.T) {
	engine, alice, bob := setupSessions(t)
	engine.cfg.MaxSkippedMessageKeys = 5

	var last models.RatchetHeader
	var lastCt []byte
	for i := 0; i < 10; i++ {
		h, ct, err := engine.Send(alice, []byte("x"))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		last, lastCt = h, ct
	}

	_, err := engine.Receive(bob, last, lastCt)
	if !errs.Is(err, errs.KindRatchetMaxSkippedExceeded) {
		t.Fatalf("expected MaxSkippedMessageKeysExceeded, got %v", err)
	}
	if bob.RecvN != 0 || len(bob.Skipped) != 0 {
		t.Fatalf("state must not partially advance on overflow, got RecvN=%d skipped=%d", bob.RecvN, len(bob.Skipped))
	}
}

func TestAuthenticationFailureDoesNotMutateState(t *testing.T) {
	engine, alice, bob := setupSessions(t)

	header, ct, err := engine.Send(alice, []byte("Hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xFF

	before := bob.RecvN
	_, err = engine.Receive(bob, header, tampered)
	if err == nil {
		t.Fatalf("expected authentication failure")
	}
	if !errs.Is(err, errs.KindRatchetAuthFailure) {
		t.Fatalf("expected KindRatchetAuthFailure, got %v", err)
	}
	if bob.RecvN != before || bob.RecvChainKey != nil {
		t.Fatalf("state mutated on failed decrypt")
	}

	// A correct retry with the original ciphertext still succeeds.
	pt, err := engine.Receive(bob, header, ct)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if string(pt) != "Hello" {
		t.Fatalf("got %q", pt)
	}
}

func TestThousandMessagePingPong(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long ping-pong test in short mode")
	}
	engine, alice, bob := setupSessions(t)

	const rounds = 500 // 500 round trips = 1000 messages total
	for i := 1; i <= rounds; i++ {
		aText := fmt.Sprintf("%d", 2*i-1)
		h, ct, err := engine.Send(alice, []byte(aText))
		if err != nil {
			t.Fatalf("alice send %d: %v", i, err)
		}
		pt, err := engine.Receive(bob, h, ct)
		if err != nil {
			t.Fatalf("bob receive %d: %v", i, err)
		}
		if string(pt) != aText {
			t.Fatalf("bob got %q want %q", pt, aText)
		}

		bText := fmt.Sprintf("%d", 2*i)
		h2, ct2, err := engine.Send(bob, []byte(bText))
		if err != nil {
			t.Fatalf("bob send %d: %v", i, err)
		}
		pt2, err := engine.Receive(alice, h2, ct2)
		if err != nil {
			t.Fatalf("alice receive %d: %v", i, err)
		}
		if string(pt2) != bText {
			t.Fatalf("alice got %q want %q", pt2, bText)
		}
	}
}
