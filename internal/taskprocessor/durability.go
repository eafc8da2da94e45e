package taskprocessor

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/solace-pqs/session-engine/internal/models"
)

// Durability persists every enqueued job to a per-identity Redis
// Stream before it is handed to the in-memory queue, and trims the
// entry once the job reaches a terminal state. It exists so a crashed
// process can recover its queued-but-unsent jobs on restart; the
// in-memory queue remains the sole source of ordering truth while the
// process is alive.
//
// Grounded on internal/queue/message_queue.go's MessageQueue
// (XAdd-to-a-stream shape), generalized from one shared
// "message_events" stream used for analytics/archival to one stream
// per identity, used for crash recovery of the send queue.
type Durability struct {
	client *redis.Client
}

// NewDurability wraps client for use as a Manager's job-persistence
// tier. A nil client disables durability entirely (Manager checks for
// nil before using it).
func NewDurability(client *redis.Client) *Durability {
	return &Durability{client: client}
}

func streamKey(identityID uuid.UUID) string {
	return "session-engine:jobs:" + identityID.String()
}

// Persist appends job to its identity's stream, returning the
// resulting stream entry ID for later Ack. Failures are non-fatal to
// the caller (logged only): durability is a crash-recovery aid, not a
// correctness requirement of the live send path.
func (d *Durability) Persist(ctx context.Context, job models.JobModel) string {
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("taskprocessor: failed to encode job %s for durability: %v", job.ID, err)
		return ""
	}
	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(job.IdentityID),
		Values: map[string]interface{}{"job": data},
	}).Result()
	if err != nil {
		log.Printf("taskprocessor: failed to persist job %s: %v", job.ID, err)
		return ""
	}
	return id
}

// Ack trims a job's stream entry once it has reached a terminal state
// (sent, or permanently failed).
func (d *Durability) Ack(ctx context.Context, identityID uuid.UUID, streamEntryID string) {
	if streamEntryID == "" {
		return
	}
	if err := d.client.XDel(ctx, streamKey(identityID), streamEntryID).Err(); err != nil {
		log.Printf("taskprocessor: failed to ack job entry %s: %v", streamEntryID, err)
	}
}

// Recover reads every still-present entry in identityID's stream,
// oldest first, for replay into a freshly started Manager after a
// process restart.
func (d *Durability) Recover(ctx context.Context, identityID uuid.UUID) ([]models.JobModel, error) {
	const batchSize = 100
	msgs, err := d.client.XRangeN(ctx, streamKey(identityID), "-", "+", batchSize).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobModel, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["job"].(string)
		if !ok {
			continue
		}
		var job models.JobModel
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("taskprocessor: failed to decode recovered job entry %s: %v", m.ID, err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
