package sessioncontext

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

type fakeEnvelopeStore struct {
	blob []byte
	salt []byte
}

func (f *fakeEnvelopeStore) SaveSessionContext(_ context.Context, blob []byte) error {
	f.blob = append([]byte{}, blob...)
	return nil
}

func (f *fakeEnvelopeStore) LoadSessionContext(_ context.Context) ([]byte, error) {
	if f.blob == nil {
		return nil, errs.New(errs.KindSessionNotInitialized, "no envelope stored", "test fixture", "call CreateSession first")
	}
	return f.blob, nil
}

func (f *fakeEnvelopeStore) SaveDeviceSalt(_ context.Context, salt []byte) error {
	f.salt = append([]byte{}, salt...)
	return nil
}

func (f *fakeEnvelopeStore) LoadDeviceSalt(_ context.Context) ([]byte, error) {
	if f.salt == nil {
		return nil, errs.New(errs.KindSessionNotInitialized, "no salt stored", "test fixture", "call CreateSession first")
	}
	return f.salt, nil
}

func TestStartSessionBeforeCreateFails(t *testing.T) {
	m := NewManager(&fakeEnvelopeStore{})
	_, err := m.StartSession(context.Background(), "correct horse battery staple")
	if !errs.Is(err, errs.KindSessionNotInitialized) {
		t.Fatalf("expected KindSessionNotInitialized, got %v", err)
	}
}

func TestCreateThenStartSessionRoundTrip(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()
	deviceID := uuid.New()

	created, err := m.CreateSession(ctx, "alice", deviceID, "correct horse battery staple")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.User.SecretName != "alice" || created.User.DeviceID != deviceID {
		t.Fatalf("unexpected session user: %+v", created.User)
	}

	// A second Manager over the same backing store simulates a process
	// restart: nothing is cached, only what was persisted is available.
	restarted := NewManager(store)
	loaded, err := restarted.StartSession(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if loaded.SessionContextID != created.SessionContextID {
		t.Fatalf("session context id mismatch after reload: got %v want %v", loaded.SessionContextID, created.SessionContextID)
	}
	if loaded.User.SecretName != "alice" {
		t.Fatalf("unexpected reloaded secret name: %s", loaded.User.SecretName)
	}
	if len(loaded.DatabaseKey) != 32 {
		t.Fatalf("expected a 32-byte database key, got %d bytes", len(loaded.DatabaseKey))
	}
}

func TestStartSessionWrongPasswordFails(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "alice", uuid.New(), "correct horse battery staple"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := m.StartSession(ctx, "wrong password"); err == nil {
		t.Fatal("expected StartSession with the wrong app password to fail")
	}
}

func TestVerifyAppPassword(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "alice", uuid.New(), "correct horse battery staple"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if !m.VerifyAppPassword(ctx, "correct horse battery staple") {
		t.Fatal("expected the app password used at creation to verify")
	}
	if m.VerifyAppPassword(ctx, "incorrect") {
		t.Fatal("expected a wrong app password not to verify")
	}
}

func TestChangeAppPassword(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "alice", uuid.New(), "old password"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.ChangeAppPassword(ctx, "old password", "new password"); err != nil {
		t.Fatalf("ChangeAppPassword: %v", err)
	}

	if _, err := m.StartSession(ctx, "old password"); err == nil {
		t.Fatal("expected the old app password to stop working after rotation")
	}
	if _, err := m.StartSession(ctx, "new password"); err != nil {
		t.Fatalf("expected the new app password to work: %v", err)
	}
}

func TestMutateRequiresStartedSession(t *testing.T) {
	m := NewManager(&fakeEnvelopeStore{})
	err := m.Mutate(context.Background(), "anything", func(*models.SessionContext) error { return nil })
	if !errs.Is(err, errs.KindSessionNotInitialized) {
		t.Fatalf("expected KindSessionNotInitialized, got %v", err)
	}
}

func TestMutatePersistsAcrossReload(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "alice", uuid.New(), "correct horse battery staple"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	err := m.Mutate(ctx, "correct horse battery staple", func(sc *models.SessionContext) error {
		sc.Registration = models.RegistrationRegistered
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	restarted := NewManager(store)
	loaded, err := restarted.StartSession(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if loaded.Registration != models.RegistrationRegistered {
		t.Fatalf("expected Registration to survive Mutate+reload, got %q", loaded.Registration)
	}
}

func TestMutateFnErrorIsNotPersisted(t *testing.T) {
	store := &fakeEnvelopeStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "alice", uuid.New(), "correct horse battery staple"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	blobBefore := append([]byte{}, store.blob...)

	wantErr := errs.New(errs.KindSessionConfigurationError, "fn failed", "test", "n/a")
	err := m.Mutate(ctx, "correct horse battery staple", func(*models.SessionContext) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected Mutate to surface fn's error, got %v", err)
	}
	if string(store.blob) != string(blobBefore) {
		t.Fatal("expected the envelope not to change when fn fails")
	}
}
