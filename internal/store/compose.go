package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/models"
)

// deviceLocal is the subset of Store that internal/store/sqlite
// implements: everything scoped to one installation.
type deviceLocal interface {
	SaveSessionContext(ctx context.Context, blob []byte) error
	LoadSessionContext(ctx context.Context) ([]byte, error)
	SaveDeviceSalt(ctx context.Context, salt []byte) error
	LoadDeviceSalt(ctx context.Context) ([]byte, error)

	SaveIdentity(ctx context.Context, id models.SessionIdentity) error
	LoadIdentity(ctx context.Context, id uuid.UUID) (models.SessionIdentity, error)
	LoadIdentitiesBySecretName(ctx context.Context, secretName string) ([]models.SessionIdentity, error)
	DeleteIdentity(ctx context.Context, id uuid.UUID) error

	SaveMessage(ctx context.Context, m models.EncryptedMessage) error
	LoadMessage(ctx context.Context, id uuid.UUID) (models.EncryptedMessage, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	StreamMessages(ctx context.Context, sharedID uuid.UUID) (<-chan models.EncryptedMessage, <-chan error)
	MessageCount(ctx context.Context, sharedID uuid.UUID) (int64, error)

	SaveJob(ctx context.Context, j models.JobModel) error
	LoadJob(ctx context.Context, id uuid.UUID) (models.JobModel, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	SaveMediaJob(ctx context.Context, m models.MediaJob) error
	LoadMediaJob(ctx context.Context, id uuid.UUID) (models.MediaJob, error)
}

// serverReplicated is the subset of Store that internal/store/postgres
// implements: entities shared across a user's devices.
type serverReplicated interface {
	SaveContact(ctx context.Context, c models.Contact) error
	LoadContact(ctx context.Context, secretName string) (models.Contact, error)
	LoadContacts(ctx context.Context) ([]models.Contact, error)
	DeleteContact(ctx context.Context, secretName string) error

	SaveCommunication(ctx context.Context, c models.BaseCommunication) error
	LoadCommunication(ctx context.Context, id uuid.UUID) (models.BaseCommunication, error)
	DeleteCommunication(ctx context.Context, id uuid.UUID) error
}

// composite joins a device-local store and a server-replicated store
// into the full Store contract the engine depends on.
type composite struct {
	deviceLocal
	serverReplicated
}

// Compose builds a Store that routes device-local entities (session
// context, salt, identities, messages, jobs, media jobs) to local and
// server-replicated entities (contacts, communications) to remote.
// This lets cmd/sessiond wire internal/store/sqlite and
// internal/store/postgres together without either package needing to
// know about the other.
func Compose(local deviceLocal, remote serverReplicated) Store {
	return composite{deviceLocal: local, serverReplicated: remote}
}
