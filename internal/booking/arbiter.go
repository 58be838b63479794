package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/lock"
	"github.com/hackgods/booking-arbiter/internal/metrics"
)

// maxMutateAttempts bounds how often an update is re-planned when the
// appointment's doctor or room changed between the snapshot read and lock
// acquisition.
const maxMutateAttempts = 3

// Arbiter admits or rejects every change to appointments and room
// occupancy. Each decision holds the per-resource locks of the doctor and
// room involved (always in doctor-then-room order) for the whole
// check-and-write, and the check-and-write itself runs in one store
// transaction.
type Arbiter struct {
	store   Store
	locker  lock.Locker
	log     *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	now       func() time.Time
	opTimeout time.Duration
}

type Option func(*Arbiter)

func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// WithOperationTimeout bounds each operation, lock waits included.
func WithOperationTimeout(d time.Duration) Option {
	return func(a *Arbiter) { a.opTimeout = d }
}

func NewArbiter(store Store, locker lock.Locker, log *zap.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{
		store:  store,
		locker: locker,
		log:    log,
		tracer: otel.Tracer("github.com/hackgods/booking-arbiter/internal/booking"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Propose admits a new appointment if neither its doctor nor its room has an
// active appointment overlapping [req.Start, req.End).
func (a *Arbiter) Propose(ctx context.Context, req ProposeRequest) (created *Appointment, events []Event, err error) {
	ctx, done := a.begin(ctx, "Propose",
		attribute.String("doctor.id", req.DoctorID.String()),
	)
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	iv := Interval{Start: req.Start, End: req.End}
	keys := resourceKeys(req.DoctorID, req.RoomID)

	err = a.withLocks(ctx, "propose", keys, func(ctx context.Context) error {
		return a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := lockResources(ctx, tx, req.DoctorID, req.RoomID); err != nil {
				return err
			}
			if err := tx.PatientExists(ctx, req.PatientID); err != nil {
				return err
			}
			if err := checkConflicts(ctx, tx, req.DoctorID, req.RoomID, iv, uuid.Nil); err != nil {
				return err
			}

			now := a.now()
			appt := &Appointment{
				ID:        uuid.New(),
				DoctorID:  req.DoctorID,
				PatientID: req.PatientID,
				RoomID:    req.RoomID,
				Start:     req.Start,
				End:       req.End,
				Status:    StatusScheduled,
				Notes:     req.Notes,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}

			evs := []Event{a.event(EventAppointmentCreated, appt.ID, appointmentPayload(appt), now)}
			if err := tx.AppendEvents(ctx, evs); err != nil {
				return fmt.Errorf("append events: %w", err)
			}

			created, events = appt, evs
			return nil
		})
	})
	if err != nil {
		return nil, nil, classify(err)
	}

	a.log.Debug("appointment admitted",
		zap.String("appointment_id", created.ID.String()),
		zap.String("doctor_id", created.DoctorID.String()),
		zap.Time("start", created.Start),
		zap.Time("end", created.End),
	)
	return created, events, nil
}

// Update applies a partial change and re-runs the conflict rule against the
// effective doctor, room and interval, ignoring the appointment itself.
func (a *Arbiter) Update(ctx context.Context, id uuid.UUID, changes AppointmentChanges) (updated *Appointment, events []Event, err error) {
	ctx, done := a.begin(ctx, "Update", attribute.String("appointment.id", id.String()))
	defer func() { done(err) }()

	return a.mutate(ctx, "update", id, func(cur *Appointment, now time.Time) (change, error) {
		next, err := changes.apply(cur, now)
		if err != nil {
			return change{}, err
		}
		return change{next: next, event: EventAppointmentUpdated}, nil
	})
}

// Cancel moves a scheduled appointment to cancelled. Cancelling an already
// cancelled appointment succeeds without producing an event.
func (a *Arbiter) Cancel(ctx context.Context, id uuid.UUID) (cancelled *Appointment, events []Event, err error) {
	ctx, done := a.begin(ctx, "Cancel", attribute.String("appointment.id", id.String()))
	defer func() { done(err) }()

	return a.mutate(ctx, "cancel", id, func(cur *Appointment, now time.Time) (change, error) {
		switch cur.Status {
		case StatusCancelled:
			return change{}, nil
		case StatusCompleted:
			return change{}, ErrInvalidTransition
		}
		next := cur.clone()
		next.Status = StatusCancelled
		next.UpdatedAt = now
		return change{next: next, event: EventAppointmentCancelled}, nil
	})
}

// Delete removes an appointment in any status.
func (a *Arbiter) Delete(ctx context.Context, id uuid.UUID) (events []Event, err error) {
	ctx, done := a.begin(ctx, "Delete", attribute.String("appointment.id", id.String()))
	defer func() { done(err) }()

	_, events, err = a.mutate(ctx, "delete", id, func(cur *Appointment, now time.Time) (change, error) {
		return change{remove: true, event: EventAppointmentDeleted}, nil
	})
	return events, err
}

// AssignRoom places a patient in a vacant room and appends the assignment to
// the room's history.
func (a *Arbiter) AssignRoom(ctx context.Context, req AssignRequest) (room *Room, events []Event, err error) {
	ctx, done := a.begin(ctx, "AssignRoom", attribute.String("room.id", req.RoomID.String()))
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	keys := []string{lock.Key(ResourceRoom, req.RoomID)}
	err = a.withLocks(ctx, "assign_room", keys, func(ctx context.Context) error {
		return a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			r, err := tx.LockRoom(ctx, req.RoomID)
			if err != nil {
				return err
			}
			if err := tx.PatientExists(ctx, req.PatientID); err != nil {
				return err
			}
			if req.DoctorID != nil {
				if err := tx.LockDoctor(ctx, *req.DoctorID); err != nil {
					return err
				}
			}
			if r.Occupied() {
				return fmt.Errorf("room %s: %w", r.Number, ErrRoomOccupied)
			}

			now := a.now()
			entry := Assignment{
				ID:                uuid.New(),
				PatientID:         req.PatientID,
				DoctorID:          req.DoctorID,
				NurseID:           req.NurseID,
				AssignedAt:        now,
				ExpectedDischarge: req.ExpectedDischarge,
				Reason:            req.Reason,
			}
			pid := req.PatientID
			if err := tx.SetRoomOccupant(ctx, r.ID, &pid, now); err != nil {
				return fmt.Errorf("set room occupant: %w", err)
			}
			if err := tx.AppendAssignment(ctx, r.ID, entry); err != nil {
				return fmt.Errorf("append assignment: %w", err)
			}

			r.CurrentPatientID = &pid
			r.History = append(r.History, entry)
			r.UpdatedAt = now

			evs := []Event{a.event(EventRoomUpdated, r.ID, roomPayload(r), now)}
			if err := tx.AppendEvents(ctx, evs); err != nil {
				return fmt.Errorf("append events: %w", err)
			}

			room, events = r, evs
			return nil
		})
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return room, events, nil
}

// ReleaseRoom vacates a room and records the discharge time on its open
// assignment. Releasing a vacant room is a successful no-op.
func (a *Arbiter) ReleaseRoom(ctx context.Context, roomID uuid.UUID) (room *Room, events []Event, err error) {
	ctx, done := a.begin(ctx, "ReleaseRoom", attribute.String("room.id", roomID.String()))
	defer func() { done(err) }()

	if roomID == uuid.Nil {
		return nil, nil, missing("roomId")
	}

	keys := []string{lock.Key(ResourceRoom, roomID)}
	err = a.withLocks(ctx, "release_room", keys, func(ctx context.Context) error {
		return a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			r, err := tx.LockRoom(ctx, roomID)
			if err != nil {
				return err
			}
			if !r.Occupied() {
				room = r
				return nil
			}

			now := a.now()
			if err := tx.SetRoomOccupant(ctx, r.ID, nil, now); err != nil {
				return fmt.Errorf("clear room occupant: %w", err)
			}
			if err := tx.CloseAssignment(ctx, r.ID, now); err != nil {
				return fmt.Errorf("close assignment: %w", err)
			}

			r.CurrentPatientID = nil
			r.UpdatedAt = now
			if i := r.openAssignment(); i >= 0 {
				t := now
				r.History[i].ActualDischarge = &t
			}

			evs := []Event{a.event(EventRoomUpdated, r.ID, roomPayload(r), now)}
			if err := tx.AppendEvents(ctx, evs); err != nil {
				return fmt.Errorf("append events: %w", err)
			}

			room, events = r, evs
			return nil
		})
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return room, events, nil
}

func (a *Arbiter) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := a.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return appt, nil
}

func (a *Arbiter) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	appts, err := a.store.ListAppointments(ctx, f.Normalized())
	if err != nil {
		return nil, classify(err)
	}
	return appts, nil
}

func (a *Arbiter) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	r, err := a.store.GetRoom(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return r, nil
}

// ListRooms returns rooms without their assignment history.
func (a *Arbiter) ListRooms(ctx context.Context) ([]Room, error) {
	rooms, err := a.store.ListRooms(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return rooms, nil
}

// change is what a mutation does to a loaded appointment. The zero value is
// a no-op.
type change struct {
	next   *Appointment
	remove bool
	event  EventType
}

func (c change) noop() bool {
	return c.next == nil && !c.remove
}

type decideFunc func(cur *Appointment, now time.Time) (change, error)

// mutate reads a snapshot of the appointment to learn which locks the change
// needs, takes them, then re-reads and re-decides inside the transaction. If
// the doctor or room moved in between, it starts over.
func (a *Arbiter) mutate(ctx context.Context, op string, id uuid.UUID, decide decideFunc) (*Appointment, []Event, error) {
	if id == uuid.Nil {
		return nil, nil, missing("id")
	}

	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		snapshot, err := a.store.GetAppointment(ctx, id)
		if err != nil {
			return nil, nil, classify(err)
		}

		keys := []string{lock.Key("appointment", id)}
		if c, err := decide(snapshot, a.now()); err == nil {
			keys = mutationKeys(id, c)
		}

		var (
			result *Appointment
			events []Event
			moved  bool
		)
		err = a.withLocks(ctx, op, keys, func(ctx context.Context) error {
			return a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				cur, err := tx.GetAppointmentForUpdate(ctx, id)
				if err != nil {
					return err
				}

				now := a.now()
				c, err := decide(cur, now)
				if err != nil {
					return err
				}
				if !slices.Equal(mutationKeys(id, c), keys) {
					moved = true
					return nil
				}

				switch {
				case c.noop():
					result = cur
					return nil
				case c.remove:
					if err := tx.DeleteAppointment(ctx, id); err != nil {
						return fmt.Errorf("delete appointment: %w", err)
					}
				default:
					if c.next.IsActive() {
						if err := lockResources(ctx, tx, c.next.DoctorID, c.next.RoomID); err != nil {
							return err
						}
						if err := checkConflicts(ctx, tx, c.next.DoctorID, c.next.RoomID, c.next.Interval(), id); err != nil {
							return err
						}
					} else if err := checkReferences(ctx, tx, cur, c.next); err != nil {
						return err
					}
					if err := tx.UpdateAppointment(ctx, c.next); err != nil {
						return fmt.Errorf("update appointment: %w", err)
					}
					result = c.next
				}

				subject := cur
				if c.next != nil {
					subject = c.next
				}
				evs := []Event{a.event(c.event, id, appointmentPayload(subject), now)}
				if err := tx.AppendEvents(ctx, evs); err != nil {
					return fmt.Errorf("append events: %w", err)
				}
				events = evs
				return nil
			})
		})
		if err != nil {
			return nil, nil, classify(err)
		}
		if moved {
			a.log.Debug("appointment resources moved, retrying",
				zap.String("appointment_id", id.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return result, events, nil
	}

	return nil, nil, fmt.Errorf("%w: appointment %s kept changing", ErrTransient, id)
}

// mutationKeys lists the locks a change needs: the appointment itself, then
// the doctor and room it will occupy if it stays active. Order matches
// resourceKeys so no two operations wait on each other in a cycle.
func mutationKeys(id uuid.UUID, c change) []string {
	keys := []string{lock.Key("appointment", id)}
	if c.next != nil && c.next.IsActive() {
		keys = append(keys, resourceKeys(c.next.DoctorID, c.next.RoomID)...)
	}
	return keys
}

func resourceKeys(doctorID uuid.UUID, roomID *uuid.UUID) []string {
	keys := []string{lock.Key(ResourceDoctor, doctorID)}
	if roomID != nil {
		keys = append(keys, lock.Key(ResourceRoom, *roomID))
	}
	return keys
}

func lockResources(ctx context.Context, tx Tx, doctorID uuid.UUID, roomID *uuid.UUID) error {
	if err := tx.LockDoctor(ctx, doctorID); err != nil {
		return err
	}
	if roomID != nil {
		if _, err := tx.LockRoom(ctx, *roomID); err != nil {
			return err
		}
	}
	return nil
}

// checkReferences verifies a doctor or room newly referenced by an
// appointment that leaves the active set. No conflict rule applies to it,
// but the references must still exist.
func checkReferences(ctx context.Context, tx Tx, cur, next *Appointment) error {
	if next.DoctorID != cur.DoctorID {
		if err := tx.LockDoctor(ctx, next.DoctorID); err != nil {
			return err
		}
	}
	if next.RoomID != nil && (cur.RoomID == nil || *cur.RoomID != *next.RoomID) {
		if _, err := tx.LockRoom(ctx, *next.RoomID); err != nil {
			return err
		}
	}
	return nil
}

// checkConflicts applies the doctor rule, then the room rule. The store query
// narrows the candidates; the overlap predicate decides.
func checkConflicts(ctx context.Context, tx Tx, doctorID uuid.UUID, roomID *uuid.UUID, iv Interval, excludeID uuid.UUID) error {
	if err := checkResource(ctx, tx, ResourceDoctor, doctorID, iv, excludeID); err != nil {
		return err
	}
	if roomID != nil {
		return checkResource(ctx, tx, ResourceRoom, *roomID, iv, excludeID)
	}
	return nil
}

func checkResource(ctx context.Context, tx Tx, resource string, id uuid.UUID, iv Interval, excludeID uuid.UUID) error {
	candidates, err := tx.FindOverlapping(ctx, resource, id, iv, excludeID)
	if err != nil {
		return fmt.Errorf("find overlapping %s appointments: %w", resource, err)
	}
	for i := range candidates {
		c := &candidates[i]
		if c.ID == excludeID || !c.IsActive() {
			continue
		}
		if c.Interval().Overlaps(iv) {
			return &ConflictError{Resource: resource, ResourceID: id, AppointmentID: c.ID}
		}
	}
	return nil
}

func (a *Arbiter) withLocks(ctx context.Context, op string, keys []string, fn func(ctx context.Context) error) error {
	waitStart := time.Now()
	return a.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		a.metrics.ObserveLockWait(op, time.Since(waitStart))
		return fn(ctx)
	})
}

// begin starts the span and timeout for one operation. The returned func
// records the outcome and must be called exactly once.
func (a *Arbiter) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := a.tracer.Start(ctx, "booking."+name, trace.WithAttributes(attrs...))

	cancel := context.CancelFunc(func() {})
	if a.opTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.opTimeout)
	}

	return ctx, func(err error) {
		defer span.End()
		defer cancel()

		result := outcome(err)
		a.metrics.ObserveDecision(name, result)
		span.SetAttributes(attribute.String("booking.outcome", result))

		switch {
		case err == nil:
		case errors.Is(err, ErrTransient):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.log.Warn("booking operation failed transiently", zap.String("operation", name), zap.Error(err))
		default:
			a.log.Debug("booking operation rejected", zap.String("operation", name), zap.String("outcome", result), zap.Error(err))
		}
	}
}

func (a *Arbiter) event(t EventType, entityID uuid.UUID, payload any, at time.Time) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("failed to marshal event payload", zap.String("event_type", string(t)), zap.Error(err))
		data = nil
	}
	return Event{
		ID:         uuid.New(),
		Type:       t,
		EntityID:   entityID,
		Payload:    data,
		OccurredAt: at,
	}
}
