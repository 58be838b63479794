package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/hackgods/booking-arbiter/internal/lock"
	"github.com/hackgods/booking-arbiter/internal/metrics"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type fixture struct {
	store   *MemoryStore
	arb     *Arbiter
	metrics *metrics.Collector
	now     time.Time

	doctor, doctor2   uuid.UUID
	patient, patient2 uuid.UUID
	room, room2       uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLocker(t, lock.NewLocal(2*time.Second))
}

func newFixtureWithLocker(t *testing.T, locker lock.Locker) *fixture {
	t.Helper()

	f := &fixture{
		store:    NewMemoryStore(),
		metrics:  metrics.NewCollector("test", prometheus.NewRegistry()),
		now:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		doctor:   uuid.New(),
		doctor2:  uuid.New(),
		patient:  uuid.New(),
		patient2: uuid.New(),
		room:     uuid.New(),
		room2:    uuid.New(),
	}
	f.store.AddDoctor(f.doctor)
	f.store.AddDoctor(f.doctor2)
	f.store.AddPatient(f.patient)
	f.store.AddPatient(f.patient2)
	f.store.AddRoom(Room{ID: f.room, Number: "101", Type: RoomAC})
	f.store.AddRoom(Room{ID: f.room2, Number: "102", Type: RoomNonAC})

	f.arb = NewArbiter(f.store, locker, zaptest.NewLogger(t),
		WithClock(func() time.Time { return f.now }),
		WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) propose(t *testing.T, doctor uuid.UUID, room *uuid.UUID, start, end time.Time) *Appointment {
	t.Helper()
	appt, _, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID:  doctor,
		PatientID: f.patient,
		RoomID:    room,
		Start:     start,
		End:       end,
	})
	if err != nil {
		t.Fatalf("propose %s-%s: %v", start.Format("15:04"), end.Format("15:04"), err)
	}
	return appt
}

func conflictOn(t *testing.T, err error, resource string) {
	t.Helper()
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if ce.Resource != resource {
		t.Fatalf("expected conflict on %s, got %s", resource, ce.Resource)
	}
}

func TestPropose_Success(t *testing.T) {
	f := newFixture(t)

	appt, events, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID:  f.doctor,
		PatientID: f.patient,
		RoomID:    &f.room,
		Start:     at(10, 0),
		End:       at(10, 30),
		Notes:     "follow-up",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusScheduled {
		t.Fatalf("expected scheduled, got %s", appt.Status)
	}
	if appt.CreatedAt != f.now {
		t.Fatalf("expected created at %s, got %s", f.now, appt.CreatedAt)
	}

	if len(events) != 1 || events[0].Type != EventAppointmentCreated || events[0].EntityID != appt.ID {
		t.Fatalf("expected one created event for %s, got %+v", appt.ID, events)
	}
	var payload AppointmentPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.AppointmentID != appt.ID || payload.RoomID == nil || *payload.RoomID != f.room {
		t.Fatalf("unexpected payload %+v", payload)
	}

	pending, _ := f.store.PendingEvents(context.Background(), 10)
	if len(pending) != 1 || pending[0].ID != events[0].ID {
		t.Fatalf("expected event in outbox, got %+v", pending)
	}
}

func TestPropose_Validation(t *testing.T) {
	f := newFixture(t)
	zero := uuid.Nil

	tests := []struct {
		name string
		req  ProposeRequest
		want error
	}{
		{"start equals end", ProposeRequest{DoctorID: f.doctor, PatientID: f.patient, Start: at(9, 0), End: at(9, 0)}, ErrInvalidInterval},
		{"start after end", ProposeRequest{DoctorID: f.doctor, PatientID: f.patient, Start: at(10, 0), End: at(9, 0)}, ErrInvalidInterval},
		{"missing doctor", ProposeRequest{PatientID: f.patient, Start: at(9, 0), End: at(10, 0)}, ErrMissingField},
		{"missing patient", ProposeRequest{DoctorID: f.doctor, Start: at(9, 0), End: at(10, 0)}, ErrMissingField},
		{"nil room id", ProposeRequest{DoctorID: f.doctor, PatientID: f.patient, RoomID: &zero, Start: at(9, 0), End: at(10, 0)}, ErrMissingField},
		{"missing start", ProposeRequest{DoctorID: f.doctor, PatientID: f.patient, End: at(10, 0)}, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, events, err := f.arb.Propose(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected a validation error, got %v", err)
			}
			if events != nil {
				t.Fatalf("expected no events, got %+v", events)
			}
		})
	}
}

func TestPropose_NotFound(t *testing.T) {
	f := newFixture(t)
	unknown := uuid.New()

	tests := []struct {
		name string
		req  ProposeRequest
		want error
	}{
		{"doctor", ProposeRequest{DoctorID: unknown, PatientID: f.patient, Start: at(9, 0), End: at(10, 0)}, ErrDoctorNotFound},
		{"patient", ProposeRequest{DoctorID: f.doctor, PatientID: unknown, Start: at(9, 0), End: at(10, 0)}, ErrPatientNotFound},
		{"room", ProposeRequest{DoctorID: f.doctor, PatientID: f.patient, RoomID: &unknown, Start: at(9, 0), End: at(10, 0)}, ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.arb.Propose(context.Background(), tt.req)
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// Doctor D has [10:00,10:30). [10:15,10:45) is rejected, [10:30,11:00) is
// admitted.
func TestPropose_DoctorOverlapAndAdjacent(t *testing.T) {
	f := newFixture(t)
	existing := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	_, _, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID: f.doctor, PatientID: f.patient2, Start: at(10, 15), End: at(10, 45),
	})
	conflictOn(t, err, ResourceDoctor)

	var ce *ConflictError
	errors.As(err, &ce)
	if ce.ResourceID != f.doctor || ce.AppointmentID != existing.ID {
		t.Fatalf("conflict should name doctor %s and appointment %s, got %+v", f.doctor, existing.ID, ce)
	}

	f.propose(t, f.doctor, nil, at(10, 30), at(11, 0))

	if got := testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("Propose", "doctor_conflict")); got != 1 {
		t.Fatalf("expected one doctor_conflict decision, got %v", got)
	}
}

func TestPropose_RoomOnlyConflict(t *testing.T) {
	f := newFixture(t)
	f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))

	_, _, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID: f.doctor2, PatientID: f.patient2, RoomID: &f.room, Start: at(10, 15), End: at(10, 45),
	})
	conflictOn(t, err, ResourceRoom)

	// Same window in another room is fine.
	f.propose(t, f.doctor2, &f.room2, at(10, 15), at(10, 45))
}

func TestPropose_DoctorOnlyConflictWithDifferentRoom(t *testing.T) {
	f := newFixture(t)
	f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))

	_, _, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID: f.doctor, PatientID: f.patient2, RoomID: &f.room2, Start: at(10, 15), End: at(10, 45),
	})
	conflictOn(t, err, ResourceDoctor)
}

func TestPropose_CancelledSlotIsFree(t *testing.T) {
	f := newFixture(t)
	appt := f.propose(t, f.doctor, &f.room, at(9, 0), at(9, 30))

	if _, _, err := f.arb.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.propose(t, f.doctor, &f.room, at(9, 0), at(9, 30))
}

func TestPropose_CompletedSlotIsFree(t *testing.T) {
	f := newFixture(t)
	appt := f.propose(t, f.doctor, nil, at(9, 0), at(9, 30))

	completed := StatusCompleted
	if _, _, err := f.arb.Update(context.Background(), appt.ID, AppointmentChanges{Status: &completed}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.propose(t, f.doctor, nil, at(9, 0), at(9, 30))
}

func TestPropose_ConcurrentSameSlotAdmitsExactlyOne(t *testing.T) {
	f := newFixture(t)
	const n = 64

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.arb.Propose(context.Background(), ProposeRequest{
				DoctorID: f.doctor, PatientID: f.patient, RoomID: &f.room, Start: at(14, 0), End: at(14, 30),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if admitted != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 admitted and %d conflicts, got %d and %d", n-1, admitted, conflicts)
	}

	appts, _ := f.store.ListAppointments(context.Background(), AppointmentFilter{DoctorID: &f.doctor})
	if len(appts) != 1 {
		t.Fatalf("expected exactly one stored appointment, got %d", len(appts))
	}
}

func TestPropose_ConcurrentOverlappingWindows(t *testing.T) {
	f := newFixture(t)

	// Staggered 30 minute windows every 5 minutes; every pair within 25
	// minutes of each other overlaps.
	var wg sync.WaitGroup
	for i := 0; i < 36; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := at(8, 0).Add(time.Duration(i*5) * time.Minute)
			_, _, _ = f.arb.Propose(context.Background(), ProposeRequest{
				DoctorID: f.doctor, PatientID: f.patient, Start: s, End: s.Add(30 * time.Minute),
			})
		}(i)
	}
	wg.Wait()

	appts, _ := f.store.ListAppointments(context.Background(), AppointmentFilter{DoctorID: &f.doctor, Limit: MaxListLimit})
	for i := range appts {
		for j := i + 1; j < len(appts); j++ {
			if appts[i].Interval().Overlaps(appts[j].Interval()) {
				t.Fatalf("double booking: %v and %v", appts[i].Interval(), appts[j].Interval())
			}
		}
	}
}

type failingLocker struct{}

func (failingLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	return lock.ErrNotAcquired
}

func TestPropose_LockTimeoutIsTransient(t *testing.T) {
	f := newFixtureWithLocker(t, failingLocker{})

	_, events, err := f.arb.Propose(context.Background(), ProposeRequest{
		DoctorID: f.doctor, PatientID: f.patient, Start: at(9, 0), End: at(10, 0),
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if errors.Is(err, ErrSlotConflict) {
		t.Fatal("transient failure must not look like a conflict")
	}
	if events != nil {
		t.Fatalf("expected no events, got %+v", events)
	}

	appts, _ := f.store.ListAppointments(context.Background(), AppointmentFilter{})
	if len(appts) != 0 {
		t.Fatalf("expected no state change, got %d appointments", len(appts))
	}
}

func TestPropose_CancelledContextLeavesNoState(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := f.arb.Propose(ctx, ProposeRequest{
		DoctorID: f.doctor, PatientID: f.patient, Start: at(9, 0), End: at(10, 0),
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	appts, _ := f.store.ListAppointments(context.Background(), AppointmentFilter{})
	pending, _ := f.store.PendingEvents(context.Background(), 0)
	if len(appts) != 0 || len(pending) != 0 {
		t.Fatalf("expected no partial state, got %d appointments and %d events", len(appts), len(pending))
	}
}

// Reschedule A (doctor D, room R, [10:00,10:30)) to [10:15,10:45) while D has
// B at room R2 [10:30,11:00): doctor conflict.
func TestUpdate_RescheduleDoctorOnlyConflict(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))
	f.propose(t, f.doctor, &f.room2, at(10, 30), at(11, 0))

	start, end := at(10, 15), at(10, 45)
	_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Start: &start, End: &end})
	conflictOn(t, err, ResourceDoctor)

	got, _ := f.arb.GetAppointment(context.Background(), a.ID)
	if !got.Start.Equal(at(10, 0)) {
		t.Fatalf("rejected update must not change the appointment, start is %s", got.Start)
	}
}

func TestUpdate_RescheduleRoomOnlyConflict(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))
	f.propose(t, f.doctor2, &f.room, at(10, 30), at(11, 0))

	start, end := at(10, 15), at(10, 45)
	_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Start: &start, End: &end})
	conflictOn(t, err, ResourceRoom)
}

func TestUpdate_ExcludesItself(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))

	end := at(10, 45)
	updated, events, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{End: &end})
	if err != nil {
		t.Fatalf("extending into its own slot must succeed: %v", err)
	}
	if !updated.End.Equal(end) {
		t.Fatalf("expected end %s, got %s", end, updated.End)
	}
	if len(events) != 1 || events[0].Type != EventAppointmentUpdated {
		t.Fatalf("expected one updated event, got %+v", events)
	}
}

func TestUpdate_MoveToOtherDoctorAndRoom(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))
	f.propose(t, f.doctor2, nil, at(10, 0), at(10, 30))

	_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{DoctorID: &f.doctor2})
	conflictOn(t, err, ResourceDoctor)

	updated, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{RoomID: &f.room2})
	if err != nil {
		t.Fatalf("move room: %v", err)
	}
	if updated.RoomID == nil || *updated.RoomID != f.room2 {
		t.Fatalf("expected room %s, got %v", f.room2, updated.RoomID)
	}

	// The old room is free again.
	doctor3 := uuid.New()
	f.store.AddDoctor(doctor3)
	f.propose(t, doctor3, &f.room, at(10, 0), at(10, 30))
}

func TestUpdate_ClearRoom(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))

	updated, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{ClearRoom: true})
	if err != nil {
		t.Fatalf("clear room: %v", err)
	}
	if updated.RoomID != nil {
		t.Fatalf("expected no room, got %v", updated.RoomID)
	}

	_, _, err = f.arb.Update(context.Background(), a.ID, AppointmentChanges{ClearRoom: true, RoomID: &f.room})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdate_InvalidInterval(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	end := at(9, 0)
	_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{End: &end})
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestUpdate_StatusTransitions(t *testing.T) {
	scheduled, completed, cancelled := StatusScheduled, StatusCompleted, StatusCancelled
	bogus := Status("archived")

	tests := []struct {
		name    string
		from    *Status
		to      Status
		wantErr error
	}{
		{"scheduled to completed", nil, completed, nil},
		{"scheduled to cancelled", nil, cancelled, nil},
		{"completed to scheduled", &completed, scheduled, ErrInvalidTransition},
		{"cancelled to scheduled", &cancelled, scheduled, ErrInvalidTransition},
		{"cancelled to completed", &cancelled, completed, ErrInvalidTransition},
		{"completed to cancelled", &completed, cancelled, ErrInvalidTransition},
		{"unknown status", nil, bogus, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))
			if tt.from != nil {
				if _, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Status: tt.from}); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}

			to := tt.to
			_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Status: &to})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestUpdate_TerminalAllowsNotesOnly(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))
	if _, _, err := f.arb.Cancel(context.Background(), a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	notes := "patient called to cancel"
	updated, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Notes: &notes})
	if err != nil {
		t.Fatalf("notes on cancelled appointment: %v", err)
	}
	if updated.Notes != notes {
		t.Fatalf("expected notes %q, got %q", notes, updated.Notes)
	}

	start := at(11, 0)
	_, _, err = f.arb.Update(context.Background(), a.ID, AppointmentChanges{Start: &start})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdate_NotFoundAndEmpty(t *testing.T) {
	f := newFixture(t)

	notes := "x"
	_, _, err := f.arb.Update(context.Background(), uuid.New(), AppointmentChanges{Notes: &notes})
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}

	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))
	_, _, err = f.arb.Update(context.Background(), a.ID, AppointmentChanges{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty changes, got %v", err)
	}
}

func TestUpdate_UnknownReferencesWhenLeavingActiveSet(t *testing.T) {
	f := newFixture(t)
	ghost := uuid.New()

	for i, status := range []Status{StatusCompleted, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			a := f.propose(t, f.doctor, &f.room, at(9+i, 0), at(9+i, 30))

			_, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{DoctorID: &ghost, Status: &status})
			if !errors.Is(err, ErrDoctorNotFound) {
				t.Fatalf("expected ErrDoctorNotFound, got %v", err)
			}
			_, _, err = f.arb.Update(context.Background(), a.ID, AppointmentChanges{RoomID: &ghost, Status: &status})
			if !errors.Is(err, ErrRoomNotFound) {
				t.Fatalf("expected ErrRoomNotFound, got %v", err)
			}

			got, _ := f.arb.GetAppointment(context.Background(), a.ID)
			if got.Status != StatusScheduled || got.DoctorID != f.doctor || *got.RoomID != f.room {
				t.Fatalf("rejected update must not change the appointment, got %+v", got)
			}

			// A real doctor is accepted without the conflict rule.
			f.propose(t, f.doctor2, nil, at(9+i, 0), at(9+i, 30))
			updated, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{DoctorID: &f.doctor2, Status: &status})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.DoctorID != f.doctor2 || updated.Status != status {
				t.Fatalf("unexpected appointment %+v", updated)
			}
		})
	}
}

func TestUpdate_ConcurrentReschedulesOntoOneSlot(t *testing.T) {
	f := newFixture(t)
	const n = 12

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = f.propose(t, f.doctor, nil, at(i, 0), at(i, 30)).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
		others    []error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			others = append(others, err)
		}
	}

	start, end := at(16, 0), at(16, 30)
	gate := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, _, err := f.arb.Update(context.Background(), id, AppointmentChanges{Start: &start, End: &end})
			record(err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-gate
		_, _, err := f.arb.Propose(context.Background(), ProposeRequest{
			DoctorID: f.doctor, PatientID: f.patient2, Start: at(16, 15), End: at(16, 45),
		})
		record(err)
	}()
	close(gate)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if admitted != 1 || conflicts != n {
		t.Fatalf("expected 1 admitted and %d conflicts, got %d and %d", n, admitted, conflicts)
	}

	appts, _ := f.store.ListAppointments(context.Background(), AppointmentFilter{DoctorID: &f.doctor, Limit: MaxListLimit})
	for i := range appts {
		for j := i + 1; j < len(appts); j++ {
			if appts[i].Interval().Overlaps(appts[j].Interval()) {
				t.Fatalf("double booking: %v and %v", appts[i].Interval(), appts[j].Interval())
			}
		}
	}
}

// interferingLocker runs interfere before each lock acquisition, standing in
// for a writer that commits between the snapshot read and the locks.
type interferingLocker struct {
	inner     lock.Locker
	interfere func(call int)
	calls     int
}

func (l *interferingLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	l.calls++
	if l.interfere != nil {
		l.interfere(l.calls)
	}
	return l.inner.WithLocks(ctx, keys, fn)
}

func (f *fixture) setDoctor(t *testing.T, id, doctor uuid.UUID) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		cur.DoctorID = doctor
		return tx.UpdateAppointment(ctx, cur)
	})
	if err != nil {
		t.Fatalf("set doctor: %v", err)
	}
}

func TestUpdate_RetriesWhenDoctorMoves(t *testing.T) {
	locker := &interferingLocker{inner: lock.NewLocal(time.Second)}
	f := newFixtureWithLocker(t, locker)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	locker.calls = 0
	locker.interfere = func(call int) {
		if call == 1 {
			f.setDoctor(t, a.ID, f.doctor2)
		}
	}

	notes := "bring referral"
	updated, events, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Notes: &notes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if locker.calls != 2 {
		t.Fatalf("expected one retry, got %d lock acquisitions", locker.calls)
	}
	if updated.DoctorID != f.doctor2 || updated.Notes != notes {
		t.Fatalf("expected the update applied to the moved appointment, got %+v", updated)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestUpdate_KeepsMovingIsTransient(t *testing.T) {
	locker := &interferingLocker{inner: lock.NewLocal(time.Second)}
	f := newFixtureWithLocker(t, locker)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	locker.calls = 0
	locker.interfere = func(call int) {
		if call%2 == 1 {
			f.setDoctor(t, a.ID, f.doctor2)
		} else {
			f.setDoctor(t, a.ID, f.doctor)
		}
	}

	notes := "never lands"
	_, events, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Notes: &notes})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if locker.calls != maxMutateAttempts {
		t.Fatalf("expected %d attempts, got %d", maxMutateAttempts, locker.calls)
	}
	if events != nil {
		t.Fatalf("expected no events, got %+v", events)
	}

	got, _ := f.arb.GetAppointment(context.Background(), a.ID)
	if got.Notes != "" {
		t.Fatalf("expected notes untouched, got %q", got.Notes)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	cancelled, events, err := f.arb.Cancel(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if len(events) != 1 || events[0].Type != EventAppointmentCancelled {
		t.Fatalf("expected cancelled event, got %+v", events)
	}

	again, events, err := f.arb.Cancel(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != StatusCancelled || len(events) != 0 {
		t.Fatalf("second cancel must be a no-op, got %s and %d events", again.Status, len(events))
	}

	if _, _, err := f.arb.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancel_CompletedIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, nil, at(10, 0), at(10, 30))

	completed := StatusCompleted
	if _, _, err := f.arb.Update(context.Background(), a.ID, AppointmentChanges{Status: &completed}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, err := f.arb.Cancel(context.Background(), a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))

	events, err := f.arb.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventAppointmentDeleted || events[0].EntityID != a.ID {
		t.Fatalf("expected deleted event, got %+v", events)
	}

	if _, err := f.arb.GetAppointment(context.Background(), a.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected deleted appointment to be gone, got %v", err)
	}
	if _, err := f.arb.Delete(context.Background(), a.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	f.propose(t, f.doctor, &f.room, at(10, 0), at(10, 30))
}

func TestAssignRoom(t *testing.T) {
	f := newFixture(t)
	discharge := f.now.Add(72 * time.Hour)

	room, events, err := f.arb.AssignRoom(context.Background(), AssignRequest{
		RoomID:            f.room,
		PatientID:         f.patient,
		DoctorID:          &f.doctor,
		ExpectedDischarge: &discharge,
		Reason:            "observation",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !room.Occupied() || *room.CurrentPatientID != f.patient {
		t.Fatalf("expected room occupied by %s, got %v", f.patient, room.CurrentPatientID)
	}
	if len(room.History) != 1 || !room.History[0].AssignedAt.Equal(f.now) || room.History[0].Reason != "observation" {
		t.Fatalf("unexpected history %+v", room.History)
	}
	if len(events) != 1 || events[0].Type != EventRoomUpdated || events[0].Topic() != TopicRooms {
		t.Fatalf("expected room.updated event, got %+v", events)
	}

	stored, _ := f.arb.GetRoom(context.Background(), f.room)
	if !stored.Occupied() || len(stored.History) != 1 {
		t.Fatalf("assignment not persisted: %+v", stored)
	}

	_, _, err = f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient2})
	if !errors.Is(err, ErrRoomOccupied) {
		t.Fatalf("expected ErrRoomOccupied, got %v", err)
	}
	_, _, err = f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient})
	if !errors.Is(err, ErrRoomOccupied) {
		t.Fatalf("expected ErrRoomOccupied for the same patient too, got %v", err)
	}
}

func TestAssignRoom_NotFound(t *testing.T) {
	f := newFixture(t)

	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: uuid.New(), PatientID: f.patient}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: uuid.New()}); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	ghost := uuid.New()
	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient, DoctorID: &ghost}); !errors.Is(err, ErrDoctorNotFound) {
		t.Fatalf("expected ErrDoctorNotFound for the attending doctor, got %v", err)
	}

	room, _ := f.arb.GetRoom(context.Background(), f.room)
	if room.Occupied() {
		t.Fatal("failed assignment must leave the room vacant")
	}
}

func TestAssignRoom_ConcurrentNeverDoubleOccupies(t *testing.T) {
	f := newFixture(t)

	patients := make([]uuid.UUID, 32)
	for i := range patients {
		patients[i] = uuid.New()
		f.store.AddPatient(patients[i])
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		occupied int
	)
	start := make(chan struct{})
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			<-start
			_, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: p})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrRoomOccupied):
				occupied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	close(start)
	wg.Wait()

	if ok != 1 || occupied != len(patients)-1 {
		t.Fatalf("expected exactly one assignment, got %d ok and %d occupied", ok, occupied)
	}
	room, _ := f.arb.GetRoom(context.Background(), f.room)
	if len(room.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(room.History))
	}
}

func TestReleaseRoom(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	f.now = f.now.Add(48 * time.Hour)
	room, events, err := f.arb.ReleaseRoom(context.Background(), f.room)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if room.Occupied() || room.CurrentPatientID != nil {
		t.Fatalf("expected vacant room, got %v", room.CurrentPatientID)
	}
	if len(events) != 1 || events[0].Type != EventRoomUpdated {
		t.Fatalf("expected room.updated event, got %+v", events)
	}

	stored, _ := f.arb.GetRoom(context.Background(), f.room)
	if stored.Occupied() {
		t.Fatal("release not persisted")
	}
	h := stored.History[0]
	if h.ActualDischarge == nil || !h.ActualDischarge.Equal(f.now) {
		t.Fatalf("expected discharge at %s, got %v", f.now, h.ActualDischarge)
	}

	// The room can be assigned again, and history grows.
	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient2}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	stored, _ = f.arb.GetRoom(context.Background(), f.room)
	if len(stored.History) != 2 || stored.History[0].ActualDischarge == nil || stored.History[1].ActualDischarge != nil {
		t.Fatalf("unexpected history %+v", stored.History)
	}
}

func TestReleaseRoom_Idempotent(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		room, events, err := f.arb.ReleaseRoom(context.Background(), f.room)
		if err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
		if room.Occupied() || len(events) != 0 {
			t.Fatalf("release #%d of a vacant room must be a no-op", i+1)
		}
	}

	pending, _ := f.store.PendingEvents(context.Background(), 0)
	if len(pending) != 0 {
		t.Fatalf("expected no outbox events, got %d", len(pending))
	}

	if _, _, err := f.arb.ReleaseRoom(context.Background(), uuid.New()); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t)
	a1 := f.propose(t, f.doctor, &f.room, at(9, 0), at(9, 30))
	a2 := f.propose(t, f.doctor, nil, at(11, 0), at(11, 30))
	f.propose(t, f.doctor2, &f.room, at(13, 0), at(13, 30))

	byDoctor, err := f.arb.ListAppointments(context.Background(), AppointmentFilter{DoctorID: &f.doctor})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byDoctor) != 2 || byDoctor[0].ID != a1.ID || byDoctor[1].ID != a2.ID {
		t.Fatalf("expected doctor appointments sorted by start, got %+v", byDoctor)
	}

	byRoom, _ := f.arb.ListAppointments(context.Background(), AppointmentFilter{RoomID: &f.room})
	if len(byRoom) != 2 {
		t.Fatalf("expected 2 room appointments, got %d", len(byRoom))
	}

	from, to := at(9, 30), at(11, 0)
	window, _ := f.arb.ListAppointments(context.Background(), AppointmentFilter{From: &from, To: &to})
	if len(window) != 2 {
		t.Fatalf("expected from/to to be inclusive at the edges, got %d", len(window))
	}

	paged, _ := f.arb.ListAppointments(context.Background(), AppointmentFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != a2.ID {
		t.Fatalf("unexpected page %+v", paged)
	}
}

func TestListRooms_OmitsHistory(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.arb.AssignRoom(context.Background(), AssignRequest{RoomID: f.room, PatientID: f.patient}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	rooms, err := f.arb.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].Number != "101" || !rooms[0].Occupied() || rooms[0].History != nil {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
}
