package queue

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"centralmed/flow-service/internal/models"
)

type fakeUpstream struct {
	triageFn   func(ctx context.Context) ([]models.WaitingEntry, error)
	doctorFn   func(ctx context.Context) (models.DoctorQueues, error)
	startFn    func(ctx context.Context, entryID string) (string, error)
	completeFn func(ctx context.Context, entryID string) error
	finalizeFn func(ctx context.Context, consultationID string) error
	vitalsFn   func(ctx context.Context, patientID string) (models.TriageVitals, error)
	historyFn  func(ctx context.Context, patientID string) ([]models.VisitRecord, error)
}

func (f fakeUpstream) TriageQueue(ctx context.Context) ([]models.WaitingEntry, error) {
	if f.triageFn == nil {
		return nil, nil
	}
	return f.triageFn(ctx)
}

func (f fakeUpstream) DoctorQueues(ctx context.Context) (models.DoctorQueues, error) {
	if f.doctorFn == nil {
		return models.DoctorQueues{}, nil
	}
	return f.doctorFn(ctx)
}

func (f fakeUpstream) StartTreatment(ctx context.Context, entryID string) (string, error) {
	if f.startFn == nil {
		return entryID, nil
	}
	return f.startFn(ctx, entryID)
}

func (f fakeUpstream) CompleteTriage(ctx context.Context, entryID string) error {
	if f.completeFn == nil {
		return nil
	}
	return f.completeFn(ctx, entryID)
}

func (f fakeUpstream) FinalizeTreatment(ctx context.Context, consultationID string) error {
	if f.finalizeFn == nil {
		return nil
	}
	return f.finalizeFn(ctx, consultationID)
}

func (f fakeUpstream) TriageVitals(ctx context.Context, patientID string) (models.TriageVitals, error) {
	if f.vitalsFn == nil {
		return models.TriageVitals{}, nil
	}
	return f.vitalsFn(ctx, patientID)
}

func (f fakeUpstream) VisitHistory(ctx context.Context, patientID string) ([]models.VisitRecord, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, patientID)
}

func entry(id, arrival, stage string) models.WaitingEntry {
	return models.WaitingEntry{
		EntryID:     id,
		PatientID:   "p-" + id,
		PatientName: "patient " + id,
		ArrivalTime: arrival,
		Stage:       stage,
	}
}

func ids(entries []models.WaitingEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EntryID
	}
	return out
}

func fill(t *testing.T, o *Orchestrator, triage []models.WaitingEntry, queues models.DoctorQueues) {
	t.Helper()
	o.upstream = fakeUpstream{
		triageFn: func(ctx context.Context) ([]models.WaitingEntry, error) { return triage, nil },
		doctorFn: func(ctx context.Context) (models.DoctorQueues, error) { return queues, nil },
	}
	if err := o.PollTriage(context.Background()); err != nil {
		t.Fatalf("poll triage: %v", err)
	}
	if err := o.PollDoctor(context.Background()); err != nil {
		t.Fatalf("poll doctor: %v", err)
	}
}

func TestMergedQueueOrdersByArrivalTime(t *testing.T) {
	o := NewOrchestrator(fakeUpstream{})
	fill(t, o,
		[]models.WaitingEntry{entry("t1", "08:15:00", models.StageAwaitingTriage)},
		models.DoctorQueues{
			Mine:    []models.WaitingEntry{entry("m1", "08:05:30", models.StageAwaitingConsultation)},
			General: []models.WaitingEntry{entry("g1", "09:00:00", models.StageAwaitingConsultation)},
		},
	)

	got := ids(o.MergedQueue())
	want := []string{"m1", "t1", "g1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merged=%v, want %v", got, want)
	}

	// Repeated calls with unchanged sources yield the same order.
	if again := ids(o.MergedQueue()); !reflect.DeepEqual(again, want) {
		t.Fatalf("merged not idempotent: %v", again)
	}
}

func TestMergedQueueTieBreakKeepsSourceOrder(t *testing.T) {
	o := NewOrchestrator(fakeUpstream{})
	fill(t, o,
		[]models.WaitingEntry{entry("t1", "08:00:00", models.StageAwaitingTriage)},
		models.DoctorQueues{
			Mine:    []models.WaitingEntry{entry("m1", "08:00:00", models.StageAwaitingConsultation)},
			General: []models.WaitingEntry{entry("g1", "08:00:00", models.StageAwaitingConsultation)},
		},
	)

	got := ids(o.MergedQueue())
	want := []string{"t1", "m1", "g1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merged=%v, want triage then provider then general on ties", got)
	}
}

func TestMergedQueueResortsAfterSourceReorder(t *testing.T) {
	o := NewOrchestrator(fakeUpstream{})
	a := entry("a", "08:10:00", models.StageAwaitingConsultation)
	b := entry("b", "08:20:00", models.StageAwaitingConsultation)

	fill(t, o, nil, models.DoctorQueues{General: []models.WaitingEntry{b, a}})
	first := ids(o.MergedQueue())

	fill(t, o, nil, models.DoctorQueues{General: []models.WaitingEntry{a, b}})
	second := ids(o.MergedQueue())

	want := []string{"a", "b"}
	if !reflect.DeepEqual(first, want) || !reflect.DeepEqual(second, want) {
		t.Fatalf("merged first=%v second=%v, want %v both times", first, second, want)
	}
}

func TestSelectForTreatment(t *testing.T) {
	var starts int64
	o := NewOrchestrator(nil)
	fill(t, o, nil, models.DoctorQueues{
		General: []models.WaitingEntry{entry("g1", "08:00:00", models.StageAwaitingConsultation)},
	})
	o.upstream = fakeUpstream{
		startFn: func(ctx context.Context, entryID string) (string, error) {
			atomic.AddInt64(&starts, 1)
			return "c-77", nil
		},
		vitalsFn: func(ctx context.Context, patientID string) (models.TriageVitals, error) {
			return models.TriageVitals{PatientID: patientID, HeartRate: 82}, nil
		},
		historyFn: func(ctx context.Context, patientID string) ([]models.VisitRecord, error) {
			return []models.VisitRecord{{VisitID: "v1"}}, nil
		},
	}

	consultation, ok, err := o.SelectForTreatment(context.Background(), "g1")
	if err != nil || !ok {
		t.Fatalf("select: ok=%v err=%v", ok, err)
	}
	if consultation.ConsultationID != "c-77" {
		t.Fatalf("consultation id=%s, want c-77", consultation.ConsultationID)
	}
	if consultation.Entry.Stage != models.StageInConsultation {
		t.Fatalf("stage=%s, want in_consultation", consultation.Entry.Stage)
	}
	if consultation.Vitals.HeartRate != 82 || len(consultation.History) != 1 {
		t.Fatalf("context incomplete: %+v", consultation)
	}
	if got := ids(o.MergedQueue()); len(got) != 0 {
		t.Fatalf("entry still visible after select: %v", got)
	}

	// Second select on the same id is a no-op, not a failure.
	_, ok, err = o.SelectForTreatment(context.Background(), "g1")
	if err != nil || ok {
		t.Fatalf("second select: ok=%v err=%v, want no-op", ok, err)
	}
	if atomic.LoadInt64(&starts) != 1 {
		t.Fatalf("starts=%d, want 1", starts)
	}
}

func TestSelectForTreatmentFailureDoesNotResurrect(t *testing.T) {
	o := NewOrchestrator(nil)
	fill(t, o, nil, models.DoctorQueues{
		General: []models.WaitingEntry{entry("g1", "08:00:00", models.StageAwaitingConsultation)},
	})
	o.upstream = fakeUpstream{
		startFn: func(ctx context.Context, entryID string) (string, error) {
			return "", errors.New("start rejected")
		},
	}

	_, ok, err := o.SelectForTreatment(context.Background(), "g1")
	if err == nil || ok {
		t.Fatalf("select: ok=%v err=%v, want surfaced failure", ok, err)
	}
	if got := ids(o.MergedQueue()); len(got) != 0 {
		t.Fatalf("entry resurrected after failed start: %v", got)
	}
}

func TestSelectForTreatmentDegradesOnVitalsFailure(t *testing.T) {
	o := NewOrchestrator(nil)
	fill(t, o, nil, models.DoctorQueues{
		General: []models.WaitingEntry{entry("g1", "08:00:00", models.StageAwaitingConsultation)},
	})
	o.upstream = fakeUpstream{
		vitalsFn: func(ctx context.Context, patientID string) (models.TriageVitals, error) {
			return models.TriageVitals{}, errors.New("vitals fetch failed")
		},
	}

	consultation, ok, err := o.SelectForTreatment(context.Background(), "g1")
	if err != nil || !ok {
		t.Fatalf("select: ok=%v err=%v, want started with empty vitals", ok, err)
	}
	if consultation.Vitals.PatientID != "" {
		t.Fatalf("vitals=%+v, want zero value", consultation.Vitals)
	}
}

func TestSelectForTreatmentRejectsTriageStage(t *testing.T) {
	o := NewOrchestrator(nil)
	fill(t, o, []models.WaitingEntry{entry("t1", "08:00:00", models.StageAwaitingTriage)}, models.DoctorQueues{})

	_, _, err := o.SelectForTreatment(context.Background(), "t1")
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("err=%v, want ErrInvalidStage", err)
	}
	if got := ids(o.TriageQueue()); len(got) != 1 {
		t.Fatalf("triage entry removed by invalid action: %v", got)
	}
}

func TestCompleteTriage(t *testing.T) {
	o := NewOrchestrator(nil)
	fill(t, o, []models.WaitingEntry{entry("t1", "08:00:00", models.StageAwaitingTriage)}, models.DoctorQueues{})
	o.upstream = fakeUpstream{}

	ok, err := o.CompleteTriage(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("complete triage: ok=%v err=%v", ok, err)
	}
	if got := ids(o.TriageQueue()); len(got) != 0 {
		t.Fatalf("entry still in triage view: %v", got)
	}

	ok, err = o.CompleteTriage(context.Background(), "t1")
	if err != nil || ok {
		t.Fatalf("second complete: ok=%v err=%v, want no-op", ok, err)
	}
}

func TestFinalize(t *testing.T) {
	o := NewOrchestrator(nil)
	fill(t, o, nil, models.DoctorQueues{
		General: []models.WaitingEntry{entry("g1", "08:00:00", models.StageAwaitingConsultation)},
	})
	o.upstream = fakeUpstream{
		startFn: func(ctx context.Context, entryID string) (string, error) { return "c-1", nil },
	}

	if _, ok, err := o.SelectForTreatment(context.Background(), "g1"); err != nil || !ok {
		t.Fatalf("select: ok=%v err=%v", ok, err)
	}

	ok, err := o.Finalize(context.Background(), "c-1")
	if err != nil || !ok {
		t.Fatalf("finalize: ok=%v err=%v", ok, err)
	}

	ok, err = o.Finalize(context.Background(), "c-1")
	if err != nil || ok {
		t.Fatalf("second finalize: ok=%v err=%v, want no-op", ok, err)
	}

	ok, err = o.Finalize(context.Background(), "c-unknown")
	if err != nil || ok {
		t.Fatalf("unknown finalize: ok=%v err=%v, want no-op", ok, err)
	}
}

func TestAbandonedConsultationsAgeOut(t *testing.T) {
	o := NewOrchestrator(nil)
	started := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return started }
	fill(t, o, nil, models.DoctorQueues{
		General: []models.WaitingEntry{
			entry("g1", "08:00:00", models.StageAwaitingConsultation),
			entry("g2", "08:05:00", models.StageAwaitingConsultation),
		},
	})
	o.upstream = fakeUpstream{
		startFn: func(ctx context.Context, entryID string) (string, error) { return "c-" + entryID, nil },
	}

	if _, ok, err := o.SelectForTreatment(context.Background(), "g1"); err != nil || !ok {
		t.Fatalf("select g1: ok=%v err=%v", ok, err)
	}

	// The second consultation starts much later and must survive the sweep.
	o.now = func() time.Time { return started.Add(consultationTTL) }
	if _, ok, err := o.SelectForTreatment(context.Background(), "g2"); err != nil || !ok {
		t.Fatalf("select g2: ok=%v err=%v", ok, err)
	}

	o.now = func() time.Time { return started.Add(consultationTTL + time.Minute) }
	if err := o.PollDoctor(context.Background()); err != nil {
		t.Fatalf("poll doctor: %v", err)
	}

	ok, err := o.Finalize(context.Background(), "c-g1")
	if err != nil || ok {
		t.Fatalf("finalize swept consultation: ok=%v err=%v, want no-op", ok, err)
	}
	ok, err = o.Finalize(context.Background(), "c-g2")
	if err != nil || !ok {
		t.Fatalf("finalize open consultation: ok=%v err=%v", ok, err)
	}
}

func TestRemovalReconciledAcrossPolls(t *testing.T) {
	o := NewOrchestrator(nil)
	g1 := entry("g1", "08:00:00", models.StageAwaitingConsultation)
	fill(t, o, nil, models.DoctorQueues{General: []models.WaitingEntry{g1}})
	o.upstream = fakeUpstream{}

	if _, ok, err := o.SelectForTreatment(context.Background(), "g1"); err != nil || !ok {
		t.Fatalf("select: ok=%v err=%v", ok, err)
	}

	// The upstream has not caught up yet: the entry stays hidden.
	fill(t, o, nil, models.DoctorQueues{General: []models.WaitingEntry{g1}})
	if got := ids(o.MergedQueue()); len(got) != 0 {
		t.Fatalf("tombstoned entry visible: %v", got)
	}

	// The upstream dropped it; a later re-appearance is a new episode.
	fill(t, o, nil, models.DoctorQueues{})
	fill(t, o, nil, models.DoctorQueues{General: []models.WaitingEntry{g1}})
	if got := ids(o.MergedQueue()); !reflect.DeepEqual(got, []string{"g1"}) {
		t.Fatalf("new episode hidden: %v", got)
	}
}

func TestRunTriagePollStopsOnCancel(t *testing.T) {
	var polls int64
	o := NewOrchestrator(fakeUpstream{
		triageFn: func(ctx context.Context) ([]models.WaitingEntry, error) {
			atomic.AddInt64(&polls, 1)
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.RunTriagePoll(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}

	before := atomic.LoadInt64(&polls)
	time.Sleep(25 * time.Millisecond)
	if after := atomic.LoadInt64(&polls); after != before {
		t.Fatalf("poll fired after cancel: before=%d after=%d", before, after)
	}
}
