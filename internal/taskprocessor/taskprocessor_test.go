package taskprocessor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/models"
)

type recordingSender struct {
	mu       sync.Mutex
	order    []uint64
	failOnce map[uint64]errs.Kind
	failed   map[uint64]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failOnce: make(map[uint64]errs.Kind), failed: make(map[uint64]bool)}
}

func (s *recordingSender) Send(_ context.Context, job models.JobModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind, wantFail := s.failOnce[job.SequenceID]; wantFail && !s.failed[job.SequenceID] {
		s.failed[job.SequenceID] = true
		return errs.New(kind, "simulated failure", "test", "retry")
	}
	s.order = append(s.order, job.SequenceID)
	return nil
}

type countingRecoverer struct {
	mu        sync.Mutex
	calls     int
	failNext  bool
}

func (r *countingRecoverer) Recover(context.Context, models.JobModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failNext {
		return errs.New(errs.KindSessionUserNotFound, "simulated recovery failure", "test", "n/a")
	}
	return nil
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for job result")
		return nil
	}
}

func TestFIFOOrderWithinIdentity(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	identity := uuid.New()

	var chans []<-chan error
	for i := uint64(0); i < 20; i++ {
		ch, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: i, IdentityID: identity})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		if err := wait(t, ch); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, seq := range sender.order {
		if seq != uint64(i) {
			t.Fatalf("out of order: %v", sender.order)
		}
	}
}

func TestOutOfOrderFeedInsertsBySequenceID(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	identity := uuid.New()
	mgr.SetViable(identity, false) // park so every job is queued before any is drained

	seqs := []uint64{3, 1, 4, 0, 2}
	var chans []<-chan error
	for _, s := range seqs {
		ch, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: s, IdentityID: identity})
		if err != nil {
			t.Fatalf("submit %d: %v", s, err)
		}
		chans = append(chans, ch)
	}

	mgr.ResumeJobQueue(identity)
	for _, ch := range chans {
		wait(t, ch)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, seq := range sender.order {
		if seq != uint64(i) {
			t.Fatalf("expected ascending drain order, got %v", sender.order)
		}
	}
}

func TestDuplicateSequenceIDRejected(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	identity := uuid.New()

	if _, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: 5, IdentityID: identity}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: 5, IdentityID: identity})
	if !errs.Is(err, errs.KindJobDuplicateSequenceID) {
		t.Fatalf("expected duplicate sequence id error, got %v", err)
	}
}

func TestViabilityParkDoesNotDropOrReorder(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	identity := uuid.New()

	ch0, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: identity})
	wait(t, ch0)

	mgr.SetViable(identity, false)
	var parkedChans []<-chan error
	for i := uint64(1); i <= 5; i++ {
		ch, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: i, IdentityID: identity})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		parkedChans = append(parkedChans, ch)
	}

	select {
	case <-parkedChans[0]:
		t.Fatalf("job drained while parked")
	case <-time.After(100 * time.Millisecond):
	}

	mgr.SetViable(identity, false) // flip false->false, must not disturb anything
	mgr.SetViable(identity, true)
	mgr.SetViable(identity, false)
	mgr.SetViable(identity, true)

	for _, ch := range parkedChans {
		wait(t, ch)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.order) != 6 {
		t.Fatalf("expected 6 sent jobs, got %d: %v", len(sender.order), sender.order)
	}
	for i, seq := range sender.order {
		if seq != uint64(i) {
			t.Fatalf("expected strict ascending order, got %v", sender.order)
		}
	}
}

func TestRecoverableFailureRetriesOnceThenSucceeds(t *testing.T) {
	sender := newRecordingSender()
	sender.failOnce[0] = errs.KindRatchetAuthFailure
	recoverer := &countingRecoverer{}
	mgr := NewManager(sender, recoverer)
	identity := uuid.New()

	ch, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: identity})
	if err := wait(t, ch); err != nil {
		t.Fatalf("expected eventual success after recovery, got %v", err)
	}
	recoverer.mu.Lock()
	defer recoverer.mu.Unlock()
	if recoverer.calls != 1 {
		t.Fatalf("expected exactly one recovery attempt, got %d", recoverer.calls)
	}
}

func TestRecoveryFailureSurfacesUnrecoverable(t *testing.T) {
	sender := newRecordingSender()
	sender.failOnce[0] = errs.KindRatchetAuthFailure
	recoverer := &countingRecoverer{failNext: true}
	mgr := NewManager(sender, recoverer)
	identity := uuid.New()

	ch, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: identity})
	err := wait(t, ch)
	if !errs.Is(err, errs.KindSessionUnrecoverable) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
}

func TestNonRecoverableFailureSurfacesImmediately(t *testing.T) {
	sender := newRecordingSender()
	sender.failOnce[0] = errs.KindCacheError
	recoverer := &countingRecoverer{}
	mgr := NewManager(sender, recoverer)
	identity := uuid.New()

	ch, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: identity})
	err := wait(t, ch)
	if !errs.Is(err, errs.KindCacheError) {
		t.Fatalf("expected the original error to surface untouched, got %v", err)
	}
	recoverer.mu.Lock()
	defer recoverer.mu.Unlock()
	if recoverer.calls != 0 {
		t.Fatalf("non-recoverable failure must not trigger recovery")
	}
}

func TestIndependentIdentitiesProceedInParallel(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	a, b := uuid.New(), uuid.New()
	mgr.SetViable(a, false)

	chB, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: b})
	if err := wait(t, chB); err != nil {
		t.Fatalf("identity b should proceed while a is parked: %v", err)
	}

	chA, _ := mgr.Submit(context.Background(), models.JobModel{SequenceID: 0, IdentityID: a})
	select {
	case <-chA:
		t.Fatalf("identity a drained while parked")
	case <-time.After(50 * time.Millisecond):
	}
	mgr.ResumeJobQueue(a)
	wait(t, chA)
}

func TestShutdownDrainsQueuedJobsWithShutdownError(t *testing.T) {
	sender := newRecordingSender()
	mgr := NewManager(sender, &countingRecoverer{})
	identity := uuid.New()
	mgr.SetViable(identity, false)

	var chans []<-chan error
	for i := uint64(0); i < 3; i++ {
		ch, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: i, IdentityID: identity})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		chans = append(chans, ch)
	}

	mgr.Shutdown()

	for i, ch := range chans {
		err := wait(t, ch)
		if !errs.Is(err, errs.KindSessionShutdown) {
			t.Fatalf("job %d: expected shutdown error, got %v", i, err)
		}
	}

	if _, err := mgr.Submit(context.Background(), models.JobModel{SequenceID: 9, IdentityID: identity}); !errs.Is(err, errs.KindSessionShutdown) {
		t.Fatalf("expected submit after shutdown to be rejected, got %v", err)
	}
}
