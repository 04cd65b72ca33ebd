package queue

import (
	"context"
	"errors"
	"expvar"
	"log"
	"sort"
	"sync"
	"time"

	"centralmed/flow-service/internal/models"
)

var (
	triagePollsTotal = expvar.NewInt("queue_triage_polls_total")
	doctorPollsTotal = expvar.NewInt("queue_doctor_polls_total")
)

var ErrInvalidStage = errors.New("invalid stage for action")

// consultationTTL bounds how long an open consultation is tracked without
// being finalized. Anything older is treated as abandoned and swept.
const consultationTTL = 12 * time.Hour

type Upstream interface {
	TriageQueue(ctx context.Context) ([]models.WaitingEntry, error)
	DoctorQueues(ctx context.Context) (models.DoctorQueues, error)
	StartTreatment(ctx context.Context, entryID string) (string, error)
	CompleteTriage(ctx context.Context, entryID string) error
	FinalizeTreatment(ctx context.Context, consultationID string) error
	TriageVitals(ctx context.Context, patientID string) (models.TriageVitals, error)
	VisitHistory(ctx context.Context, patientID string) ([]models.VisitRecord, error)
}

// Orchestrator merges the three waiting-room sub-queues into one
// chronological view and drives the patient-flow transitions against the
// upstream API. Each sub-queue snapshot is replaced atomically by its
// poller; entries taken out locally stay hidden until the upstream stops
// returning them.
type Orchestrator struct {
	upstream Upstream
	now      func() time.Time

	mu       sync.RWMutex
	triage   []models.WaitingEntry
	provider []models.WaitingEntry
	general  []models.WaitingEntry
	// removed holds ids optimistically taken out of the local view before
	// the upstream confirmed; reconciled against each fresh snapshot.
	removed map[string]struct{}
	// consultations maps consultation id to the entry being seen.
	consultations map[string]openConsultation
}

type openConsultation struct {
	entry     models.WaitingEntry
	startedAt time.Time
}

func NewOrchestrator(upstream Upstream) *Orchestrator {
	return &Orchestrator{
		upstream:      upstream,
		now:           time.Now,
		removed:       make(map[string]struct{}),
		consultations: make(map[string]openConsultation),
	}
}

// RunTriagePoll refreshes the triage sub-queue until ctx is canceled.
func (o *Orchestrator) RunTriagePoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.PollTriage(ctx); err != nil {
				log.Printf("queue triage poll error: %v", err)
			}
		}
	}
}

// RunDoctorPoll refreshes the provider-directed and general sub-queues
// until ctx is canceled.
func (o *Orchestrator) RunDoctorPoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.PollDoctor(ctx); err != nil {
				log.Printf("queue doctor poll error: %v", err)
			}
		}
	}
}

func (o *Orchestrator) PollTriage(ctx context.Context) error {
	entries, err := o.upstream.TriageQueue(ctx)
	if err != nil {
		return err
	}
	triagePollsTotal.Add(1)
	o.mu.Lock()
	o.triage = entries
	o.reconcileRemovedLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) PollDoctor(ctx context.Context) error {
	queues, err := o.upstream.DoctorQueues(ctx)
	if err != nil {
		return err
	}
	doctorPollsTotal.Add(1)
	o.mu.Lock()
	o.provider = queues.Mine
	o.general = queues.General
	o.reconcileRemovedLocked()
	o.sweepConsultationsLocked()
	o.mu.Unlock()
	return nil
}

// sweepConsultationsLocked drops consultations that stayed open past
// consultationTTL, e.g. when a provider walks away without finalizing.
func (o *Orchestrator) sweepConsultationsLocked() {
	cutoff := o.now().Add(-consultationTTL)
	for id, open := range o.consultations {
		if open.startedAt.Before(cutoff) {
			log.Printf("queue consultation swept consultation=%s entry=%s", id, open.entry.EntryID)
			delete(o.consultations, id)
		}
	}
}

// reconcileRemovedLocked drops tombstones for ids the upstream no longer
// returns, so a re-checked-in patient with a fresh episode is not hidden.
func (o *Orchestrator) reconcileRemovedLocked() {
	if len(o.removed) == 0 {
		return
	}
	present := make(map[string]struct{})
	for _, list := range [][]models.WaitingEntry{o.triage, o.provider, o.general} {
		for _, entry := range list {
			present[entry.EntryID] = struct{}{}
		}
	}
	for id := range o.removed {
		if _, ok := present[id]; !ok {
			delete(o.removed, id)
		}
	}
}

// MergedQueue is the combined operational view: triage, provider-directed
// and general entries in one list, ordered by arrival time. Arrival times
// are zero-padded HH:MM:SS strings from the upstream and compare
// lexicographically; equal times keep concatenation order. Priority class
// is carried for badging only and never reorders the list.
func (o *Orchestrator) MergedQueue() []models.WaitingEntry {
	o.mu.RLock()
	merged := make([]models.WaitingEntry, 0, len(o.triage)+len(o.provider)+len(o.general))
	for _, list := range [][]models.WaitingEntry{o.triage, o.provider, o.general} {
		for _, entry := range list {
			if _, gone := o.removed[entry.EntryID]; gone {
				continue
			}
			merged = append(merged, entry)
		}
	}
	o.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].ArrivalTime < merged[j].ArrivalTime
	})
	return merged
}

// TriageQueue is the triage-only view used by the intake station.
func (o *Orchestrator) TriageQueue() []models.WaitingEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entries := make([]models.WaitingEntry, 0, len(o.triage))
	for _, entry := range o.triage {
		if _, gone := o.removed[entry.EntryID]; gone {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// SelectForTreatment takes an entry out of the waiting view and starts its
// consultation upstream. The local removal happens before the upstream
// call and is not rolled back on failure; the entry may already have been
// consumed elsewhere and the next poll reconciles either way. Selecting an
// id that is not in the local view is a no-op (ok=false, no error).
func (o *Orchestrator) SelectForTreatment(ctx context.Context, entryID string) (models.ConsultationContext, bool, error) {
	o.mu.Lock()
	entry, found := o.findLocked(entryID)
	if !found {
		o.mu.Unlock()
		return models.ConsultationContext{}, false, nil
	}
	if !ValidTransition("start", entry.Stage) {
		o.mu.Unlock()
		return models.ConsultationContext{}, false, ErrInvalidStage
	}
	o.removed[entryID] = struct{}{}
	o.mu.Unlock()

	consultationID, err := o.upstream.StartTreatment(ctx, entryID)
	if err != nil {
		return models.ConsultationContext{}, false, err
	}

	consultation := models.ConsultationContext{ConsultationID: consultationID, Entry: entry}
	consultation.Entry.Stage = models.StageInConsultation

	// Vitals and history are reads: a transient failure degrades to an
	// empty section instead of failing the started consultation.
	vitals, err := o.upstream.TriageVitals(ctx, entry.PatientID)
	if err != nil {
		log.Printf("queue vitals fetch error entry=%s: %v", entryID, err)
	} else {
		consultation.Vitals = vitals
	}
	history, err := o.upstream.VisitHistory(ctx, entry.PatientID)
	if err != nil {
		log.Printf("queue history fetch error entry=%s: %v", entryID, err)
	} else {
		consultation.History = history
	}

	o.mu.Lock()
	o.consultations[consultationID] = openConsultation{entry: consultation.Entry, startedAt: o.now()}
	o.mu.Unlock()
	return consultation, true, nil
}

// CompleteTriage moves an entry from the triage queue toward the doctor
// queues. The entry disappears locally right away and shows up in a doctor
// queue on its next poll.
func (o *Orchestrator) CompleteTriage(ctx context.Context, entryID string) (bool, error) {
	o.mu.Lock()
	entry, found := o.findLocked(entryID)
	if !found {
		o.mu.Unlock()
		return false, nil
	}
	if !ValidTransition("complete_triage", entry.Stage) {
		o.mu.Unlock()
		return false, ErrInvalidStage
	}
	o.removed[entryID] = struct{}{}
	o.mu.Unlock()

	if err := o.upstream.CompleteTriage(ctx, entryID); err != nil {
		return false, err
	}
	return true, nil
}

// Finalize ends a consultation. Finalized is terminal; the consultation is
// dropped from tracking and the entry never reappears in any view.
func (o *Orchestrator) Finalize(ctx context.Context, consultationID string) (bool, error) {
	o.mu.Lock()
	open, found := o.consultations[consultationID]
	if !found {
		o.mu.Unlock()
		return false, nil
	}
	if !ValidTransition("finalize", open.entry.Stage) {
		o.mu.Unlock()
		return false, ErrInvalidStage
	}
	o.mu.Unlock()

	if err := o.upstream.FinalizeTreatment(ctx, consultationID); err != nil {
		return false, err
	}

	o.mu.Lock()
	delete(o.consultations, consultationID)
	o.mu.Unlock()
	return true, nil
}

func (o *Orchestrator) findLocked(entryID string) (models.WaitingEntry, bool) {
	if _, gone := o.removed[entryID]; gone {
		return models.WaitingEntry{}, false
	}
	for _, list := range [][]models.WaitingEntry{o.triage, o.provider, o.general} {
		for _, entry := range list {
			if entry.EntryID == entryID {
				return entry, true
			}
		}
	}
	return models.WaitingEntry{}, false
}
