// Package store defines the Store and EventReceiver contracts the
// session engine's core depends on (spec.md §6): a crash-safe
// persistent mapping from UUID to entity, and a set of fire-and-forget
// outbound callbacks. Concrete adapters live in internal/store/postgres
// (the server-replicated slice: contacts, communications) and
// internal/store/sqlite (the device-local slice: session context,
// identities, messages, jobs).
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/models"
)

// Store is the persistent, crash-safe mapping the core reads and
// writes through. Every method is scoped to one entity type; the
// store guarantees atomicity of single-entity writes only — no
// cross-entity transaction is assumed by callers.
type Store interface {
	SaveSessionContext(ctx context.Context, blob []byte) error
	LoadSessionContext(ctx context.Context) ([]byte, error)
	SaveDeviceSalt(ctx context.Context, salt []byte) error
	LoadDeviceSalt(ctx context.Context) ([]byte, error)

	SaveIdentity(ctx context.Context, id models.SessionIdentity) error
	LoadIdentity(ctx context.Context, id uuid.UUID) (models.SessionIdentity, error)
	LoadIdentitiesBySecretName(ctx context.Context, secretName string) ([]models.SessionIdentity, error)
	DeleteIdentity(ctx context.Context, id uuid.UUID) error

	SaveContact(ctx context.Context, c models.Contact) error
	LoadContact(ctx context.Context, secretName string) (models.Contact, error)
	LoadContacts(ctx context.Context) ([]models.Contact, error)
	DeleteContact(ctx context.Context, secretName string) error

	SaveCommunication(ctx context.Context, c models.BaseCommunication) error
	LoadCommunication(ctx context.Context, id uuid.UUID) (models.BaseCommunication, error)
	DeleteCommunication(ctx context.Context, id uuid.UUID) error

	SaveMessage(ctx context.Context, m models.EncryptedMessage) error
	LoadMessage(ctx context.Context, id uuid.UUID) (models.EncryptedMessage, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	// StreamMessages yields messages sharing sharedID in insertion
	// order. The returned channel is closed when exhausted or ctx is
	// cancelled; errs surface on the error channel before closure.
	StreamMessages(ctx context.Context, sharedID uuid.UUID) (<-chan models.EncryptedMessage, <-chan error)
	MessageCount(ctx context.Context, sharedID uuid.UUID) (int64, error)

	SaveJob(ctx context.Context, j models.JobModel) error
	LoadJob(ctx context.Context, id uuid.UUID) (models.JobModel, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	SaveMediaJob(ctx context.Context, m models.MediaJob) error
	LoadMediaJob(ctx context.Context, id uuid.UUID) (models.MediaJob, error)
}

// EventReceiver is the set of outbound callbacks the core fires after
// a state change has already been committed to Store. Callbacks are
// fire-and-forget from the core's perspective: a failure is logged,
// never retried, and never propagated to the caller that triggered it.
type EventReceiver interface {
	CreatedMessage(ctx context.Context, m models.EncryptedMessage)
	UpdatedMessage(ctx context.Context, m models.EncryptedMessage)
	DeletedMessage(ctx context.Context, id uuid.UUID)

	CreatedContact(ctx context.Context, c models.Contact)
	UpdatedContact(ctx context.Context, c models.Contact)
	RemovedContact(ctx context.Context, secretName string)

	CreatedChannel(ctx context.Context, c models.BaseCommunication)
	UpdatedCommunication(ctx context.Context, c models.BaseCommunication, members []string)
	RemovedCommunication(ctx context.Context, id uuid.UUID)

	Synchronize(ctx context.Context, contact models.Contact, requestFriendship bool)
	ContactMetadataChanged(ctx context.Context, secretName string)
}
