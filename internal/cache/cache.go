// Package cache implements the write-through in-memory mirror over
// the persistent Store described in spec.md §4.10: reads check memory
// first, writes go to the store first then memory, and a store write
// failure aborts the memory update. Cache is the only component
// permitted to construct models.SessionIdentity values outside the
// initial handshake — IdentityRegistry always materializes new
// identities by calling Cache.NewIdentity.
//
// Grounded on internal/store/postgres.go's read-through query shape
// (not present in the teacher as an in-memory mirror — this layer is
// new, built in the teacher's locking idiom from internal/security's
// sync.RWMutex-guarded session/audit caches) and internal/pubsub/redis.go's
// redis/go-redis/v9 client usage, generalized from pub/sub fan-out to
// a best-effort distributed identity mirror: when several
// session-engine nodes share one Redis, a cold local cache on one node
// can still serve an identity another node recently wrote, instead of
// always falling through to Store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/store"
)

const identityRedisTTL = 24 * time.Hour

// defaultMinimumChannelOperators and defaultMinimumChannelMembers are
// spec.md §6's pinned channel-size constants, used until SetChannelLimits
// overrides them with the process's configured values.
const (
	defaultMinimumChannelOperators = 1
	defaultMinimumChannelMembers   = 3
)

// Cache fronts a store.Store with a write-through in-memory mirror,
// and optionally a shared Redis distributed tier.
type Cache struct {
	backing store.Store
	redis   *redis.Client

	minimumChannelOperators int
	minimumChannelMembers   int

	mu            sync.RWMutex
	identities    map[uuid.UUID]models.SessionIdentity
	identitiesBySecretName map[string][]uuid.UUID
	contacts      map[string]models.Contact
	communications map[uuid.UUID]models.BaseCommunication
	messages      map[uuid.UUID]models.EncryptedMessage
}

// New creates a Cache in front of backing, with empty in-memory state
// and no distributed tier.
func New(backing store.Store) *Cache {
	return NewWithRedis(backing, nil)
}

// NewWithRedis creates a Cache in front of backing whose identity
// mirror is also shared through rdb, so a cold local cache can still
// serve an identity a sibling node wrote recently. rdb may be nil,
// equivalent to New.
func NewWithRedis(backing store.Store, rdb *redis.Client) *Cache {
	return &Cache{
		backing:                 backing,
		redis:                   rdb,
		minimumChannelOperators: defaultMinimumChannelOperators,
		minimumChannelMembers:   defaultMinimumChannelMembers,
		identities:              make(map[uuid.UUID]models.SessionIdentity),
		identitiesBySecretName:  make(map[string][]uuid.UUID),
		contacts:                make(map[string]models.Contact),
		communications:          make(map[uuid.UUID]models.BaseCommunication),
		messages:                make(map[uuid.UUID]models.EncryptedMessage),
	}
}

// SetChannelLimits overrides the spec-pinned channel-size minimums
// SaveCommunication enforces, for deployments that configure
// MinimumChannelOperators/MinimumChannelMembers explicitly.
func (c *Cache) SetChannelLimits(minimumOperators, minimumMembers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minimumChannelOperators = minimumOperators
	c.minimumChannelMembers = minimumMembers
}

func identityRedisKey(id uuid.UUID) string {
	return "session-engine:identity:" + id.String()
}

// redisGetIdentity best-effort-fetches id from the distributed tier.
// Any error (including cache miss) is treated as "not found here" —
// the caller falls through to Store.
func (c *Cache) redisGetIdentity(ctx context.Context, id uuid.UUID) (models.SessionIdentity, bool) {
	if c.redis == nil {
		return models.SessionIdentity{}, false
	}
	data, err := c.redis.Get(ctx, identityRedisKey(id)).Bytes()
	if err != nil {
		return models.SessionIdentity{}, false
	}
	var out models.SessionIdentity
	if err := json.Unmarshal(data, &out); err != nil {
		return models.SessionIdentity{}, false
	}
	return out, true
}

// redisSetIdentity best-effort-mirrors id into the distributed tier.
// Runs detached from the caller's context so a slow/unreachable Redis
// never adds latency to the write path it mirrors.
func (c *Cache) redisSetIdentity(id models.SessionIdentity) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(id)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Set(ctx, identityRedisKey(id.ID), data, identityRedisTTL).Err(); err != nil {
		log.Printf("cache: failed to mirror identity %s to redis: %v", id.ID, err)
	}
}

func (c *Cache) redisDeleteIdentity(id uuid.UUID) {
	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Del(ctx, identityRedisKey(id)).Err(); err != nil {
		log.Printf("cache: failed to evict identity %s from redis: %v", id, err)
	}
}

// NewIdentity constructs and persists a brand-new SessionIdentity. This
// is the sole constructor used outside Handshake's own ratchet-state
// production: IdentityRegistry calls this once a device-set signature
// chain has verified, and Handshake.Accept's caller calls it once a
// first message has decrypted successfully.
func (c *Cache) NewIdentity(ctx context.Context, secretName string, deviceID, sessionContextID uuid.UUID, remoteLongTerm, remoteSigning, remoteMLKEMEncap, remoteMLKEMSig []byte, deviceName string, isMaster bool) (models.SessionIdentity, error) {
	id := models.SessionIdentity{
		ID:                      uuid.New(),
		SecretName:              secretName,
		DeviceID:                deviceID,
		SessionContextID:        sessionContextID,
		RemoteLongTermPublicKey: remoteLongTerm,
		RemoteSigningPublicKey:  remoteSigning,
		RemoteMLKEMEncapKey:     remoteMLKEMEncap,
		RemoteMLKEMSignature:    remoteMLKEMSig,
		DeviceName:              deviceName,
		IsMasterDevice:          isMaster,
		TrustLevel:              models.TrustUnverified,
	}
	if err := c.SaveIdentity(ctx, id); err != nil {
		return models.SessionIdentity{}, err
	}
	return id, nil
}

// SaveIdentity enforces the at-most-one-identity-per-(secretName,
// deviceId) invariant, writes through to the store, then updates the
// mirror.
func (c *Cache) SaveIdentity(ctx context.Context, id models.SessionIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existingID := range c.identitiesBySecretName[id.SecretName] {
		existing := c.identities[existingID]
		if existing.DeviceID == id.DeviceID && existing.ID != id.ID {
			return errs.New(errs.KindCacheError, "duplicate identity for (secretName, deviceId)", "an identity already exists for this device", "use update_state instead of creating a new identity")
		}
	}

	if err := c.backing.SaveIdentity(ctx, id); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to persist identity", "store write error", "check store connectivity", err)
	}

	if _, existed := c.identities[id.ID]; !existed {
		c.identitiesBySecretName[id.SecretName] = append(c.identitiesBySecretName[id.SecretName], id.ID)
	}
	c.identities[id.ID] = id
	go c.redisSetIdentity(id)
	return nil
}

// LoadIdentity reads from the mirror, falling back to the store on a
// cold cache and populating the mirror on success.
func (c *Cache) LoadIdentity(ctx context.Context, id uuid.UUID) (models.SessionIdentity, error) {
	c.mu.RLock()
	if cached, ok := c.identities[id]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if cached, ok := c.redisGetIdentity(ctx, id); ok {
		c.mu.Lock()
		c.identities[cached.ID] = cached
		c.identitiesBySecretName[cached.SecretName] = appendIfMissing(c.identitiesBySecretName[cached.SecretName], cached.ID)
		c.mu.Unlock()
		return cached, nil
	}

	loaded, err := c.backing.LoadIdentity(ctx, id)
	if err != nil {
		return models.SessionIdentity{}, errs.Wrap(errs.KindCacheError, "failed to load identity", "store read error", "check store connectivity", err)
	}
	c.mu.Lock()
	c.identities[loaded.ID] = loaded
	c.identitiesBySecretName[loaded.SecretName] = appendIfMissing(c.identitiesBySecretName[loaded.SecretName], loaded.ID)
	c.mu.Unlock()
	go c.redisSetIdentity(loaded)
	return loaded, nil
}

// LoadIdentitiesBySecretName returns every cached identity for
// secretName without touching the store — callers needing a
// guaranteed-fresh view should use IdentityRegistry.Refresh instead.
func (c *Cache) LoadIdentitiesBySecretName(secretName string) []models.SessionIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.identitiesBySecretName[secretName]
	out := make([]models.SessionIdentity, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.identities[id])
	}
	return out
}

// DeleteIdentity removes an identity from the store then the mirror.
func (c *Cache) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backing.DeleteIdentity(ctx, id); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete identity", "store write error", "check store connectivity", err)
	}
	existing, ok := c.identities[id]
	if ok {
		delete(c.identities, id)
		c.identitiesBySecretName[existing.SecretName] = removeUUID(c.identitiesBySecretName[existing.SecretName], id)
	}
	go c.redisDeleteIdentity(id)
	return nil
}

// SaveMessage enforces message-by-ID uniqueness at the cache layer,
// writes through, then updates the mirror.
func (c *Cache) SaveMessage(ctx context.Context, m models.EncryptedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backing.SaveMessage(ctx, m); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to persist message", "store write error", "check store connectivity", err)
	}
	c.messages[m.ID] = m
	return nil
}

// LoadMessage reads from the mirror, falling back to the store.
func (c *Cache) LoadMessage(ctx context.Context, id uuid.UUID) (models.EncryptedMessage, error) {
	c.mu.RLock()
	if cached, ok := c.messages[id]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	loaded, err := c.backing.LoadMessage(ctx, id)
	if err != nil {
		return models.EncryptedMessage{}, errs.Wrap(errs.KindCacheError, "failed to load message", "store read error", "check store connectivity", err)
	}
	c.mu.Lock()
	c.messages[loaded.ID] = loaded
	c.mu.Unlock()
	return loaded, nil
}

// SaveCommunication enforces communication-by-ID uniqueness, writes
// through, then updates the mirror.
func (c *Cache) SaveCommunication(ctx context.Context, comm models.BaseCommunication) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comm.IsChannel {
		if err := c.validateChannelInvariants(comm); err != nil {
			return err
		}
	}
	if err := c.backing.SaveCommunication(ctx, comm); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to persist communication", "store write error", "check store connectivity", err)
	}
	c.communications[comm.ID] = comm
	return nil
}

// validateChannelInvariants enforces the channel invariants of a
// BaseCommunication: operators and members must each meet the
// configured minimum, the administrator must be an operator, every
// operator must also be a member, and no member may be blocked.
// Callers must hold c.mu.
func (c *Cache) validateChannelInvariants(comm models.BaseCommunication) error {
	if len(comm.Operators) < c.minimumChannelOperators || len(comm.Members) < c.minimumChannelMembers {
		return errs.New(errs.KindChannelInvalidMemberCount,
			"channel does not meet minimum operator/member counts",
			fmt.Sprintf("channel %s has %d operators (minimum %d) and %d members (minimum %d)", comm.ID, len(comm.Operators), c.minimumChannelOperators, len(comm.Members), c.minimumChannelMembers),
			"add operators or members to the channel before saving it")
	}

	members := make(map[string]struct{}, len(comm.Members))
	for _, m := range comm.Members {
		members[m] = struct{}{}
	}

	for _, op := range comm.Operators {
		if _, ok := members[op]; !ok {
			return errs.New(errs.KindChannelInvalidMemberCount,
				"channel operator is not a member",
				fmt.Sprintf("operator %s is not in channel %s's member list", op, comm.ID),
				"add the operator to the channel's members before saving it")
		}
	}

	if _, ok := members[comm.Administrator]; !ok {
		return errs.New(errs.KindChannelInvalidMemberCount,
			"channel administrator is not a member",
			fmt.Sprintf("administrator %s is not in channel %s's member list", comm.Administrator, comm.ID),
			"add the administrator to the channel's members before saving it")
	}
	adminIsOperator := false
	for _, op := range comm.Operators {
		if op == comm.Administrator {
			adminIsOperator = true
			break
		}
	}
	if !adminIsOperator {
		return errs.New(errs.KindChannelInvalidMemberCount,
			"channel administrator is not an operator",
			fmt.Sprintf("administrator %s is not in channel %s's operator list", comm.Administrator, comm.ID),
			"add the administrator to the channel's operators before saving it")
	}

	for _, blocked := range comm.BlockedMembers {
		if _, ok := members[blocked]; ok {
			return errs.New(errs.KindChannelInvalidMemberCount,
				"blocked member is still a member",
				fmt.Sprintf("member %s is both blocked and active in channel %s", blocked, comm.ID),
				"remove the member before blocking them, or unblock them")
		}
	}

	return nil
}

// LoadCommunication reads from the mirror, falling back to the store.
func (c *Cache) LoadCommunication(ctx context.Context, id uuid.UUID) (models.BaseCommunication, error) {
	c.mu.RLock()
	if cached, ok := c.communications[id]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	loaded, err := c.backing.LoadCommunication(ctx, id)
	if err != nil {
		return models.BaseCommunication{}, errs.Wrap(errs.KindCacheError, "failed to load communication", "store read error", "check store connectivity", err)
	}
	c.mu.Lock()
	c.communications[loaded.ID] = loaded
	c.mu.Unlock()
	return loaded, nil
}

// SaveContact writes through, then updates the mirror.
func (c *Cache) SaveContact(ctx context.Context, contact models.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backing.SaveContact(ctx, contact); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to persist contact", "store write error", "check store connectivity", err)
	}
	c.contacts[contact.SecretName] = contact
	return nil
}

// LoadContact reads from the mirror, falling back to the store.
func (c *Cache) LoadContact(ctx context.Context, secretName string) (models.Contact, error) {
	c.mu.RLock()
	if cached, ok := c.contacts[secretName]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	loaded, err := c.backing.LoadContact(ctx, secretName)
	if err != nil {
		return models.Contact{}, errs.Wrap(errs.KindCacheError, "failed to load contact", "store read error", "check store connectivity", err)
	}
	c.mu.Lock()
	c.contacts[secretName] = loaded
	c.mu.Unlock()
	return loaded, nil
}

// RemoveContact deletes from the store, then the mirror.
func (c *Cache) RemoveContact(ctx context.Context, secretName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backing.DeleteContact(ctx, secretName); err != nil {
		return errs.Wrap(errs.KindCacheError, "failed to delete contact", "store write error", "check store connectivity", err)
	}
	delete(c.contacts, secretName)
	return nil
}

// DumpCache zeroes all in-memory state, used on shutdown and on
// app-password change (spec.md §4.10). The backing store is untouched.
func (c *Cache) DumpCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identities = make(map[uuid.UUID]models.SessionIdentity)
	c.identitiesBySecretName = make(map[string][]uuid.UUID)
	c.contacts = make(map[string]models.Contact)
	c.communications = make(map[uuid.UUID]models.BaseCommunication)
	c.messages = make(map[uuid.UUID]models.EncryptedMessage)
}

func appendIfMissing(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeUUID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
