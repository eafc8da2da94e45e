// Package taskprocessor implements the per-identity FIFO send queue
// described in spec.md §4.7: one cooperative task loop per peer-device
// queue, jobs drained in ascending SequenceID within a queue while
// unrelated queues proceed in parallel, viability park/resume, and a
// one-shot automatic recovery (IdentityRegistry refresh + re-handshake)
// on authentication-class send failures.
//
// Grounded on internal/queue/message_queue.go's consumer-loop shape
// (there: a single Redis Streams consumer group draining one stream;
// here: one loop per identity, draining an in-memory ordered queue —
// the live ordering truth stays in-memory since queue order is
// per-process anyway) and its log-and-continue handling of a failed
// item. durability.go optionally layers message_queue.go's actual
// Redis Streams mechanism on top, for crash recovery of jobs that
// never reached a terminal state.
package taskprocessor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
)

// Sender performs the actual ratchet-encrypt-and-transport-send for a
// queued job. Implementations are expected to return a *errs.Error of
// errs.KindRatchetAuthFailure, errs.KindCryptoInvalidSignature, or
// errs.KindRatchetMaxSkippedExceeded for the failure classes this
// processor knows how to recover from.
type Sender interface {
	Send(ctx context.Context, job models.JobModel) error
}

// Recoverer performs the one-shot recovery sequence: force-refresh the
// peer's identity and re-run the handshake. It does not retry the job
// itself; Processor retries after Recover succeeds.
type Recoverer interface {
	Recover(ctx context.Context, job models.JobModel) error
}

func isRecoverable(err error) bool {
	return errs.Is(err, errs.KindRatchetAuthFailure) ||
		errs.Is(err, errs.KindCryptoInvalidSignature) ||
		errs.Is(err, errs.KindRatchetMaxSkippedExceeded)
}

type entry struct {
	job           models.JobModel
	resultCh      chan error
	durabilityID  string // Redis Stream entry ID, empty if durability is disabled
}

// Processor is the single cooperative loop for one identity's queue.
type Processor struct {
	sender      Sender
	recoverer   Recoverer
	identityID  uuid.UUID
	durability  *Durability

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []entry
	seen     map[uint64]struct{}
	isViable bool
	closed   bool
	started  bool
	wg       sync.WaitGroup
}

func newProcessor(sender Sender, recoverer Recoverer, identityID uuid.UUID, durability *Durability) *Processor {
	p := &Processor{
		sender:     sender,
		recoverer:  recoverer,
		identityID: identityID,
		durability: durability,
		seen:       make(map[uint64]struct{}),
		isViable:   true, // a freshly materialized identity starts viable; callers flip it false on detected staleness
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// enqueue inserts job at the position of its SequenceID (binary-search
// insert, so concurrent out-of-order feeders still produce an
// ascending queue), and starts the loop on first use. A duplicate
// SequenceID is a programming error and is rejected synchronously.
func (p *Processor) enqueue(ctx context.Context, job models.JobModel) (<-chan error, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.KindSessionShutdown, "processor is shut down", "no new jobs accepted after Close", "resubmit to a new processor")
	}
	if _, dup := p.seen[job.SequenceID]; dup {
		p.mu.Unlock()
		return nil, errs.New(errs.KindJobDuplicateSequenceID, "duplicate sequence id", "two jobs were queued with the same SequenceID for this identity", "fix the FanOut sequence counter")
	}
	p.seen[job.SequenceID] = struct{}{}

	var durabilityID string
	if p.durability != nil {
		durabilityID = p.durability.Persist(ctx, job)
	}

	idx := sort.Search(len(p.queue), func(i int) bool { return p.queue[i].job.SequenceID > job.SequenceID })
	resultCh := make(chan error, 1)
	p.queue = append(p.queue, entry{})
	copy(p.queue[idx+1:], p.queue[idx:])
	p.queue[idx] = entry{job: job, resultCh: resultCh, durabilityID: durabilityID}

	if !p.started {
		p.started = true
		p.wg.Add(1)
		go p.run(ctx)
	}
	metrics.SetTaskQueueDepth(p.identityID.String(), len(p.queue))
	p.cond.Broadcast()
	p.mu.Unlock()
	return resultCh, nil
}

// setViable flips the park/resume flag. Flipping it repeatedly never
// reorders, drops, or duplicates a queued job: the queue itself is
// untouched, only whether the loop is allowed to drain it.
func (p *Processor) setViable(viable bool) {
	p.mu.Lock()
	p.isViable = viable
	p.cond.Broadcast()
	p.mu.Unlock()
}

// close stops accepting new jobs, lets any in-flight job reach a
// terminal state, and fails every job still queued with
// errs.KindSessionShutdown. It blocks until the loop has exited.
func (p *Processor) close() {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.cond.Broadcast()
	p.mu.Unlock()
	if started {
		p.wg.Wait()
	} else {
		// The loop never started (no job was ever enqueued); nothing to drain.
	}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.closed && (!p.isViable || len(p.queue) == 0) {
			p.cond.Wait()
		}
		if p.closed {
			pending := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, e := range pending {
				e.resultCh <- errs.New(errs.KindSessionShutdown, "processor shut down", "queue drained without sending", "resubmit after the session restarts")
				close(e.resultCh)
			}
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		metrics.SetTaskQueueDepth(p.identityID.String(), len(p.queue))
		p.mu.Unlock()

		start := time.Now()
		err := p.processOne(ctx, next.job)
		metrics.RecordTaskJobLatency(jobResultLabel(err), time.Since(start))
		if p.durability != nil {
			p.durability.Ack(ctx, p.identityID, next.durabilityID)
		}
		next.resultCh <- err
		close(next.resultCh)
	}
}

func jobResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errs.Is(err, errs.KindSessionUnrecoverable):
		return "failed"
	default:
		return "error"
	}
}

// processOne performs the send, and on a recoverable failure runs the
// one-shot refresh-and-rehandshake-then-retry sequence. A second
// failure surfaces as errs.KindSessionUnrecoverable.
func (p *Processor) processOne(ctx context.Context, job models.JobModel) error {
	err := p.sender.Send(ctx, job)
	if err == nil {
		return nil
	}
	if !isRecoverable(err) {
		return err
	}
	if rerr := p.recoverer.Recover(ctx, job); rerr != nil {
		return errs.Wrap(errs.KindSessionUnrecoverable, "recovery failed", "identity refresh or re-handshake did not succeed", "the peer may need to re-establish contact", rerr)
	}
	if err2 := p.sender.Send(ctx, job); err2 != nil {
		return errs.Wrap(errs.KindSessionUnrecoverable, "retry after recovery failed", "send still failed after one recovery attempt", "surface to the caller; do not retry again", err2)
	}
	return nil
}

// Manager owns one Processor per identity, all sharing a single Sender
// and Recoverer. Unrelated identities' queues drain concurrently;
// within one identity's queue, jobs are strictly FIFO by SequenceID.
type Manager struct {
	sender     Sender
	recoverer  Recoverer
	durability *Durability

	mu    sync.Mutex
	procs map[uuid.UUID]*Processor
}

// NewManager builds a Manager that dispatches every job through sender
// and recovers through recoverer, with no durability tier.
func NewManager(sender Sender, recoverer Recoverer) *Manager {
	return NewManagerWithDurability(sender, recoverer, nil)
}

// NewManagerWithDurability builds a Manager whose per-identity queues
// are additionally persisted through durability, so a process restart
// can recover jobs that were queued but never reached a terminal
// state. durability may be nil, equivalent to NewManager.
func NewManagerWithDurability(sender Sender, recoverer Recoverer, durability *Durability) *Manager {
	return &Manager{sender: sender, recoverer: recoverer, durability: durability, procs: make(map[uuid.UUID]*Processor)}
}

func (m *Manager) processorFor(identityID uuid.UUID) *Processor {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[identityID]
	if !ok {
		p = newProcessor(m.sender, m.recoverer, identityID, m.durability)
		m.procs[identityID] = p
	}
	return p
}

// Submit queues job on its IdentityID's processor and returns a
// channel that receives exactly one value: the terminal error (or nil
// on success) once the job has been fully processed, including any
// recovery retry.
func (m *Manager) Submit(ctx context.Context, job models.JobModel) (<-chan error, error) {
	return m.processorFor(job.IdentityID).enqueue(ctx, job)
}

// SetViable flips the named identity's park/resume flag. Passing
// viable=false parks the loop without dropping queued jobs; a
// subsequent ResumeJobQueue (or SetViable(true)) resumes draining from
// the next SequenceID.
func (m *Manager) SetViable(identityID uuid.UUID, viable bool) {
	m.processorFor(identityID).setViable(viable)
}

// ResumeJobQueue wakes a parked identity queue.
func (m *Manager) ResumeJobQueue(identityID uuid.UUID) {
	m.SetViable(identityID, true)
}

// Shutdown closes every identity's processor, letting in-flight jobs
// reach a terminal state and failing anything still queued with
// errs.KindSessionShutdown. It blocks until every loop has exited.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*Processor, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.close()
		}(p)
	}
	wg.Wait()
}
