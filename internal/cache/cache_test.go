package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

type fakeStore struct {
	identities     map[uuid.UUID]models.SessionIdentity
	contacts       map[string]models.Contact
	communications map[uuid.UUID]models.BaseCommunication
	messages       map[uuid.UUID]models.EncryptedMessage
	failWrites     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities:     map[uuid.UUID]models.SessionIdentity{},
		contacts:       map[string]models.Contact{},
		communications: map[uuid.UUID]models.BaseCommunication{},
		messages:       map[uuid.UUID]models.EncryptedMessage{},
	}
}

func (f *fakeStore) SaveSessionContext(context.Context, []byte) error        { return nil }
func (f *fakeStore) LoadSessionContext(context.Context) ([]byte, error)      { return nil, nil }
func (f *fakeStore) SaveDeviceSalt(context.Context, []byte) error            { return nil }
func (f *fakeStore) LoadDeviceSalt(context.Context) ([]byte, error)          { return nil, nil }

func (f *fakeStore) SaveIdentity(_ context.Context, id models.SessionIdentity) error {
	if f.failWrites {
		return errs.New(errs.KindCacheError, "simulated store failure", "test", "n/a")
	}
	f.identities[id.ID] = id
	return nil
}
func (f *fakeStore) LoadIdentity(_ context.Context, id uuid.UUID) (models.SessionIdentity, error) {
	v, ok := f.identities[id]
	if !ok {
		return models.SessionIdentity{}, errs.New(errs.KindCacheError, "not found", "missing", "n/a")
	}
	return v, nil
}
func (f *fakeStore) LoadIdentitiesBySecretName(_ context.Context, secretName string) ([]models.SessionIdentity, error) {
	var out []models.SessionIdentity
	for _, v := range f.identities {
		if v.SecretName == secretName {
			out = append(out, v)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	delete(f.identities, id)
	return nil
}

func (f *fakeStore) SaveContact(_ context.Context, c models.Contact) error {
	f.contacts[c.SecretName] = c
	return nil
}
func (f *fakeStore) LoadContact(_ context.Context, secretName string) (models.Contact, error) {
	v, ok := f.contacts[secretName]
	if !ok {
		return models.Contact{}, errs.New(errs.KindCacheError, "not found", "missing", "n/a")
	}
	return v, nil
}
func (f *fakeStore) LoadContacts(context.Context) ([]models.Contact, error) { return nil, nil }
func (f *fakeStore) DeleteContact(_ context.Context, secretName string) error {
	delete(f.contacts, secretName)
	return nil
}

func (f *fakeStore) SaveCommunication(_ context.Context, c models.BaseCommunication) error {
	f.communications[c.ID] = c
	return nil
}
func (f *fakeStore) LoadCommunication(_ context.Context, id uuid.UUID) (models.BaseCommunication, error) {
	v, ok := f.communications[id]
	if !ok {
		return models.BaseCommunication{}, errs.New(errs.KindCacheError, "not found", "missing", "n/a")
	}
	return v, nil
}
func (f *fakeStore) DeleteCommunication(_ context.Context, id uuid.UUID) error {
	delete(f.communications, id)
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, m models.EncryptedMessage) error {
	f.messages[m.ID] = m
	return nil
}
func (f *fakeStore) LoadMessage(_ context.Context, id uuid.UUID) (models.EncryptedMessage, error) {
	v, ok := f.messages[id]
	if !ok {
		return models.EncryptedMessage{}, errs.New(errs.KindCacheError, "not found", "missing", "n/a")
	}
	return v, nil
}
func (f *fakeStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	delete(f.messages, id)
	return nil
}
func (f *fakeStore) StreamMessages(context.Context, uuid.UUID) (<-chan models.EncryptedMessage, <-chan error) {
	out := make(chan models.EncryptedMessage)
	errc := make(chan error)
	close(out)
	close(errc)
	return out, errc
}
func (f *fakeStore) MessageCount(context.Context, uuid.UUID) (int64, error) { return 0, nil }

func (f *fakeStore) SaveJob(context.Context, models.JobModel) error               { return nil }
func (f *fakeStore) LoadJob(context.Context, uuid.UUID) (models.JobModel, error)  { return models.JobModel{}, nil }
func (f *fakeStore) DeleteJob(context.Context, uuid.UUID) error                   { return nil }
func (f *fakeStore) SaveMediaJob(context.Context, models.MediaJob) error          { return nil }
func (f *fakeStore) LoadMediaJob(context.Context, uuid.UUID) (models.MediaJob, error) {
	return models.MediaJob{}, nil
}

func TestNewIdentityRejectsDuplicateDevice(t *testing.T) {
	fs := newFakeStore()
	c := New(fs)
	ctx := context.Background()

	deviceID := uuid.New()
	if _, err := c.NewIdentity(ctx, "bob", deviceID, uuid.New(), nil, nil, nil, nil, "bob-phone", true); err != nil {
		t.Fatalf("first identity: %v", err)
	}
	if _, err := c.NewIdentity(ctx, "bob", deviceID, uuid.New(), nil, nil, nil, nil, "bob-phone-dup", true); err == nil {
		t.Fatalf("expected duplicate (secretName, deviceId) rejection")
	}
}

func TestWriteThroughAbortsMirrorOnStoreFailure(t *testing.T) {
	fs := newFakeStore()
	fs.failWrites = true
	c := New(fs)
	ctx := context.Background()

	_, err := c.NewIdentity(ctx, "bob", uuid.New(), uuid.New(), nil, nil, nil, nil, "bob-phone", true)
	if err == nil {
		t.Fatalf("expected store failure to propagate")
	}
	if len(c.identities) != 0 {
		t.Fatalf("mirror must not be updated when the store write fails")
	}
}

func TestLoadIdentityFallsBackToStoreAndPopulatesMirror(t *testing.T) {
	fs := newFakeStore()
	c := New(fs)
	ctx := context.Background()

	id := models.SessionIdentity{ID: uuid.New(), SecretName: "bob", DeviceID: uuid.New()}
	if err := fs.SaveIdentity(ctx, id); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	loaded, err := c.LoadIdentity(ctx, id.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SecretName != "bob" {
		t.Fatalf("got %+v", loaded)
	}

	c.mu.RLock()
	_, cached := c.identities[id.ID]
	c.mu.RUnlock()
	if !cached {
		t.Fatalf("expected mirror to be populated after cold read")
	}
}

func TestDumpCacheZeroesMirrorOnly(t *testing.T) {
	fs := newFakeStore()
	c := New(fs)
	ctx := context.Background()

	id, err := c.NewIdentity(ctx, "bob", uuid.New(), uuid.New(), nil, nil, nil, nil, "bob-phone", true)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	c.DumpCache()

	c.mu.RLock()
	_, cached := c.identities[id.ID]
	c.mu.RUnlock()
	if cached {
		t.Fatalf("expected mirror to be empty after DumpCache")
	}

	if _, ok := fs.identities[id.ID]; !ok {
		t.Fatalf("expected backing store to survive DumpCache")
	}
}
