package keyrotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/cache"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/fanout"
	"github.com/solace-pqs/session-engine/internal/identity"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/store"
	"github.com/solace-pqs/session-engine/internal/transport"
)

type memStore struct {
	identities map[uuid.UUID]models.SessionIdentity
}

func newMemStore() *memStore { return &memStore{identities: map[uuid.UUID]models.SessionIdentity{}} }

func (m *memStore) SaveSessionContext(context.Context, []byte) error   { return nil }
func (m *memStore) LoadSessionContext(context.Context) ([]byte, error) { return nil, nil }
func (m *memStore) SaveDeviceSalt(context.Context, []byte) error       { return nil }
func (m *memStore) LoadDeviceSalt(context.Context) ([]byte, error)     { return nil, nil }
func (m *memStore) SaveIdentity(_ context.Context, id models.SessionIdentity) error {
	m.identities[id.ID] = id
	return nil
}
func (m *memStore) LoadIdentity(_ context.Context, id uuid.UUID) (models.SessionIdentity, error) {
	v, ok := m.identities[id]
	if !ok {
		return models.SessionIdentity{}, errs.New(errs.KindCacheError, "not found", "missing", "n/a")
	}
	return v, nil
}
func (m *memStore) LoadIdentitiesBySecretName(_ context.Context, secretName string) ([]models.SessionIdentity, error) {
	var out []models.SessionIdentity
	for _, v := range m.identities {
		if v.SecretName == secretName {
			out = append(out, v)
		}
	}
	return out, nil
}
func (m *memStore) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	delete(m.identities, id)
	return nil
}
func (m *memStore) SaveContact(context.Context, models.Contact) error { return nil }
func (m *memStore) LoadContact(context.Context, string) (models.Contact, error) {
	return models.Contact{}, nil
}
func (m *memStore) LoadContacts(context.Context) ([]models.Contact, error) { return nil, nil }
func (m *memStore) DeleteContact(context.Context, string) error           { return nil }
func (m *memStore) SaveCommunication(context.Context, models.BaseCommunication) error {
	return nil
}
func (m *memStore) LoadCommunication(context.Context, uuid.UUID) (models.BaseCommunication, error) {
	return models.BaseCommunication{}, nil
}
func (m *memStore) DeleteCommunication(context.Context, uuid.UUID) error { return nil }
func (m *memStore) SaveMessage(context.Context, models.EncryptedMessage) error {
	return nil
}
func (m *memStore) LoadMessage(context.Context, uuid.UUID) (models.EncryptedMessage, error) {
	return models.EncryptedMessage{}, nil
}
func (m *memStore) DeleteMessage(context.Context, uuid.UUID) error { return nil }
func (m *memStore) StreamMessages(context.Context, uuid.UUID) (<-chan models.EncryptedMessage, <-chan error) {
	out := make(chan models.EncryptedMessage)
	errc := make(chan error)
	close(out)
	close(errc)
	return out, errc
}
func (m *memStore) MessageCount(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (m *memStore) SaveJob(context.Context, models.JobModel) error         { return nil }
func (m *memStore) LoadJob(context.Context, uuid.UUID) (models.JobModel, error) {
	return models.JobModel{}, nil
}
func (m *memStore) DeleteJob(context.Context, uuid.UUID) error          { return nil }
func (m *memStore) SaveMediaJob(context.Context, models.MediaJob) error { return nil }
func (m *memStore) LoadMediaJob(context.Context, uuid.UUID) (models.MediaJob, error) {
	return models.MediaJob{}, nil
}

var _ store.Store = (*memStore)(nil)

type fakeTransport struct {
	mu              sync.Mutex
	publishedRotations []transport.RotatedKeyPublication
}

func (f *fakeTransport) SendMessage(context.Context, transport.RatchetEnvelope, uuid.UUID) error {
	return nil
}
func (f *fakeTransport) FetchUserConfiguration(context.Context, string) (models.UserConfiguration, error) {
	return models.UserConfiguration{}, nil
}
func (f *fakeTransport) FetchOneTimeKeys(context.Context, string, uuid.UUID) (transport.OneTimeKeys, error) {
	return transport.OneTimeKeys{}, nil
}
func (f *fakeTransport) FetchOneTimeKeyIdentities(context.Context, string, uuid.UUID, models.KeyKind) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeTransport) PublishUserConfiguration(context.Context, models.UserConfiguration, uuid.UUID) error {
	return nil
}
func (f *fakeTransport) PublishRotatedKeys(_ context.Context, _ string, _ uuid.UUID, rotated transport.RotatedKeyPublication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishedRotations = append(f.publishedRotations, rotated)
	return nil
}
func (f *fakeTransport) UpdateOneTimeKeys(context.Context, string, uuid.UUID, []models.PublishedCurveKey) error {
	return nil
}
func (f *fakeTransport) UpdateOneTimeMLKEMKeys(context.Context, string, uuid.UUID, []models.PublishedMLKEMKey) error {
	return nil
}
func (f *fakeTransport) BatchDeleteOneTimeKeys(context.Context, string, uuid.UUID, []uuid.UUID, models.KeyKind) error {
	return nil
}

type recordingSender struct {
	mu       sync.Mutex
	received []models.JobModel
}

func (r *recordingSender) Send(_ context.Context, job models.JobModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, job)
	return nil
}

func buildManager(t *testing.T) (*Manager, *keymaterial.Manager, *models.DeviceKeys, *models.SignedDeviceConfiguration, *fakeTransport, *recordingSender) {
	t.Helper()
	km := keymaterial.NewManager(keymaterial.DefaultConfig())
	deviceID := uuid.New()
	keys, deviceConfig, _, _, err := km.GenerateDeviceBundle(deviceID, "alice-phone", "alice", true)
	if err != nil {
		t.Fatalf("generate bundle: %v", err)
	}

	ft := &fakeTransport{}
	ms := newMemStore()
	reg := identity.NewRegistry(cache.New(ms), ft, uuid.New())
	fo := fanout.New(reg, ms, "alice", deviceID)
	sender := &recordingSender{}

	mgr := NewManager(km, ft, reg, fo, sender, "alice", deviceID)
	return mgr, km, keys, deviceConfig, ft, sender
}

func TestRotateMLKEMIfNeededSkipsBeforeDue(t *testing.T) {
	mgr, _, keys, _, ft, _ := buildManager(t)
	keys.RotateKeysDate = time.Now().UTC().Add(24 * time.Hour)

	rotated, err := mgr.RotateMLKEMIfNeeded(context.Background(), keys)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated {
		t.Fatalf("expected no rotation before rotateKeysDate")
	}
	if len(ft.publishedRotations) != 0 {
		t.Fatalf("expected no publish before rotateKeysDate")
	}
}

func TestRotateMLKEMIfNeededRotatesWhenDue(t *testing.T) {
	mgr, _, keys, _, ft, _ := buildManager(t)
	keys.RotateKeysDate = time.Now().UTC().Add(-time.Hour)
	oldFinal := append([]byte{}, keys.FinalMLKEMEncapsulation...)
	oldBatch := keys.OneTimeMLKEMKeys

	rotated, err := mgr.RotateMLKEMIfNeeded(context.Background(), keys)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatalf("expected rotation when rotateKeysDate has passed")
	}
	if string(keys.FinalMLKEMEncapsulation) == string(oldFinal) {
		t.Fatalf("expected a fresh final ML-KEM key")
	}
	if len(keys.OneTimeMLKEMKeys) != len(oldBatch) {
		t.Fatalf("expected the batch to be replaced, not appended")
	}
	if !keys.RotateKeysDate.After(time.Now().UTC()) {
		t.Fatalf("expected rotateKeysDate to move into the future")
	}
	if len(ft.publishedRotations) != 1 || len(ft.publishedRotations[0].MLKEMKeys) == 0 {
		t.Fatalf("expected the rotated ML-KEM batch to be published")
	}
}

func TestRotateOnPotentialCompromiseRotatesEverythingAndNotifiesPeers(t *testing.T) {
	mgr, _, keys, deviceConfig, ft, sender := buildManager(t)
	oldSigning := append([]byte{}, keys.SigningPublicKey...)
	oldLongTerm := append([]byte{}, keys.LongTermPublicKey...)

	peers := []models.SessionIdentity{
		{ID: uuid.New(), SecretName: "bob"},
		{ID: uuid.New(), SecretName: "carol"},
	}
	ms := newMemStore()
	for _, p := range peers {
		if err := ms.SaveIdentity(context.Background(), p); err != nil {
			t.Fatalf("seed identity: %v", err)
		}
	}
	mgr.registry = identity.NewRegistry(cache.New(ms), ft, uuid.New())

	if err := mgr.RotateOnPotentialCompromise(context.Background(), keys, deviceConfig, peers); err != nil {
		t.Fatalf("rotate on compromise: %v", err)
	}

	if string(keys.SigningPublicKey) == string(oldSigning) {
		t.Fatalf("expected a fresh signing key")
	}
	if string(keys.LongTermPublicKey) == string(oldLongTerm) {
		t.Fatalf("expected a fresh long-term key")
	}
	if err := keymaterial.VerifyDeviceConfiguration(keys.SigningPublicKey, *deviceConfig); err != nil {
		t.Fatalf("expected the device configuration to verify under the new signing key: %v", err)
	}

	if len(ft.publishedRotations) != 1 {
		t.Fatalf("expected exactly one published rotation, got %d", len(ft.publishedRotations))
	}
	pub := ft.publishedRotations[0]
	if len(pub.CurveKeys) == 0 || len(pub.MLKEMKeys) == 0 {
		t.Fatalf("expected both one-time batches published, got %+v", pub)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.received) != len(peers) {
		t.Fatalf("expected one control frame dispatched per peer, got %d", len(sender.received))
	}

	for _, p := range peers {
		if !ms.identities[p.ID].NeedsRemoteDeletion {
			t.Fatalf("expected identity %s to be flagged needsRemoteDeletion", p.ID)
		}
	}
}
