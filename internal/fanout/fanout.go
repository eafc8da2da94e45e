// Package fanout implements outbound message fan-out and in-band
// control frames (spec.md §4.8): resolving a Recipient to the set of
// target devices, assigning the shared/sequence identifiers the
// TaskProcessor queue ordering depends on, and dispatching control
// frames outside of the normal queue/retry/persistence path.
//
// Grounded on internal/handlers/message_handlers.go's group
// send-to-every-member pattern (there: iterate BaseCommunication.Members
// and call the websocket hub per member; here: iterate members' devices
// and build one taskprocessor job per device) and internal/websocket/hub.go's
// per-connection dispatch loop, generalized to a pull-style job-builder
// rather than a push-style hub broadcast.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/identity"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/store"
	"github.com/solace-pqs/session-engine/internal/taskprocessor"
)

// FanOut resolves recipients to target devices and builds the
// per-device jobs a taskprocessor.Manager drains.
type FanOut struct {
	registry        *identity.Registry
	store           store.Store
	localSecretName string
	localDeviceID   uuid.UUID

	mu       sync.Mutex
	counters map[uuid.UUID]uint64 // per-communication monotonic sequence source
}

// New builds a FanOut for the local device identified by
// (localSecretName, localDeviceID).
func New(registry *identity.Registry, st store.Store, localSecretName string, localDeviceID uuid.UUID) *FanOut {
	return &FanOut{
		registry:        registry,
		store:           st,
		localSecretName: localSecretName,
		localDeviceID:   localDeviceID,
		counters:        make(map[uuid.UUID]uint64),
	}
}

// nextSequenceID draws the next value from commID's monotonic counter.
// Every device targeted by one Send call is given the same draw, which
// keeps each device's own queue strictly ascending since later sends
// against the same communication always draw a larger value.
func (f *FanOut) nextSequenceID(commID uuid.UUID) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[commID]++
	return f.counters[commID]
}

// Targets resolves msg.Recipient to the verified devices it fans out
// to. commID identifies the BaseCommunication backing a channel
// recipient (callers already hold it — they created or looked up the
// channel to get a CryptoMessage addressed to it in the first place).
// Blocked channel members are skipped; the local device is never a
// target of its own personalMessage fan-out.
func (f *FanOut) Targets(ctx context.Context, recipient models.Recipient, commID uuid.UUID) ([]models.SessionIdentity, error) {
	switch recipient.Kind {
	case models.RecipientNickname:
		ids, err := f.registry.Refresh(ctx, recipient.SecretName, false)
		if err != nil {
			return nil, err
		}
		return ids, nil

	case models.RecipientPersonal:
		ids, err := f.registry.Refresh(ctx, f.localSecretName, false)
		if err != nil {
			return nil, err
		}
		out := make([]models.SessionIdentity, 0, len(ids))
		for _, id := range ids {
			if id.DeviceID == f.localDeviceID {
				continue
			}
			out = append(out, id)
		}
		return out, nil

	case models.RecipientChannel:
		comm, err := f.store.LoadCommunication(ctx, commID)
		if err != nil {
			return nil, errs.Wrap(errs.KindSessionConfigurationError, "failed to load channel", "channel lookup error", "verify the channel exists", err)
		}
		blocked := make(map[string]bool, len(comm.BlockedMembers))
		for _, m := range comm.BlockedMembers {
			blocked[m] = true
		}
		var out []models.SessionIdentity
		for _, member := range comm.Members {
			if blocked[member] || member == f.localSecretName {
				continue
			}
			ids, err := f.registry.Refresh(ctx, member, false)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		return out, nil

	default:
		return nil, errs.New(errs.KindSessionConfigurationError, "unsupported recipient kind", string(recipient.Kind), "use personalMessage, nickname, or channel")
	}
}

// Jobs resolves msg's recipient to its target devices and builds one
// JobModel per device, all sharing a SharedID and the SequenceID drawn
// for this send against commID.
func (f *FanOut) Jobs(ctx context.Context, commID uuid.UUID, msg models.CryptoMessage) ([]models.JobModel, error) {
	targets, err := f.Targets(ctx, msg.Recipient, commID)
	if err != nil {
		return nil, err
	}
	props, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionConfigurationError, "failed to encode message", "marshal error", "n/a", err)
	}

	sharedID := uuid.New()
	seq := f.nextSequenceID(commID)
	jobs := make([]models.JobModel, 0, len(targets))
	for _, target := range targets {
		jobs = append(jobs, models.JobModel{
			ID:              uuid.New(),
			SequenceID:      seq,
			CommunicationID: commID,
			IdentityID:      target.ID,
			SharedID:        sharedID,
			Props:           props,
		})
	}
	return jobs, nil
}

// Send builds msg's fan-out jobs and submits each to mgr, returning one
// result channel per target device in the same order as the resolved
// targets.
func (f *FanOut) Send(ctx context.Context, mgr *taskprocessor.Manager, commID uuid.UUID, msg models.CryptoMessage) ([]<-chan error, error) {
	start := time.Now()
	jobs, err := f.Jobs(ctx, commID, msg)
	if err != nil {
		return nil, err
	}
	results := make([]<-chan error, 0, len(jobs))
	for _, job := range jobs {
		ch, err := mgr.Submit(ctx, job)
		if err != nil {
			return nil, err
		}
		results = append(results, ch)
	}
	metrics.RecordFanOutLatency(time.Since(start), len(jobs))
	return results, nil
}

// DispatchControlFrame sends frame directly to every target through
// sender, bypassing the TaskProcessor queue entirely: control frames
// are never persisted to the message store, never delivered to the
// application's EventReceiver, and never auto-retried (spec.md §4.8).
// A send failure for one target is logged-and-continued by the
// caller, matching internal/websocket/hub.go's best-effort broadcast.
func (f *FanOut) DispatchControlFrame(ctx context.Context, sender taskprocessor.Sender, commID uuid.UUID, targets []models.SessionIdentity, frame models.ControlFrame) []error {
	msg := models.CryptoMessage{TransportInfo: &models.TransportInfo{ControlFrame: &frame}}
	props, err := json.Marshal(msg)
	if err != nil {
		return []error{errs.Wrap(errs.KindSessionConfigurationError, "failed to encode control frame", "marshal error", "n/a", err)}
	}

	sharedID := uuid.New()
	var errsOut []error
	for _, target := range targets {
		job := models.JobModel{
			ID:              uuid.New(),
			SequenceID:      f.nextSequenceID(commID),
			CommunicationID: commID,
			IdentityID:      target.ID,
			SharedID:        sharedID,
			Props:           props,
		}
		metrics.RecordControlFrame(string(frame.Kind), "sent")
		if err := sender.Send(ctx, job); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}
