package booking

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Reads inside a transaction see the
// last committed state; writes are buffered and applied together on commit.
// It takes no row locks, so concurrent admissions are only safe when the
// arbiter's Locker serializes them.
type MemoryStore struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]struct{}
	patients     map[uuid.UUID]struct{}
	rooms        map[uuid.UUID]*Room
	appointments map[uuid.UUID]*Appointment
	outbox       []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		doctors:      make(map[uuid.UUID]struct{}),
		patients:     make(map[uuid.UUID]struct{}),
		rooms:        make(map[uuid.UUID]*Room),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (s *MemoryStore) AddDoctor(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[id] = struct{}{}
}

func (s *MemoryStore) AddPatient(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = struct{}{}
}

func (s *MemoryStore) AddRoom(r Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r.clone()
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

func (s *MemoryStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (s *MemoryStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	f = f.Normalized()

	s.mu.RLock()
	var matched []Appointment
	for _, a := range s.appointments {
		if f.matches(a) {
			matched = append(matched, *a.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].Start.Before(matched[j].Start)
	})

	if f.Offset >= len(matched) {
		return []Appointment{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) ListRooms(ctx context.Context) ([]Room, error) {
	s.mu.RLock()
	rooms := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		c := r.clone()
		c.History = nil
		rooms = append(rooms, *c)
	}
	s.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Number < rooms[j].Number })
	return rooms, nil
}

func (s *MemoryStore) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, s.outbox)
	return out, nil
}

// MarkPublished drops the given events from the outbox, so a relay draining
// it keeps the memory backend bounded.
func (s *MemoryStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = slices.DeleteFunc(s.outbox, func(e Event) bool {
		_, ok := want[e.ID]
		return ok
	})
	return nil
}

type memTx struct {
	s   *MemoryStore
	ops []func()
}

func (tx *memTx) LockDoctor(ctx context.Context, id uuid.UUID) error {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if _, ok := tx.s.doctors[id]; !ok {
		return ErrDoctorNotFound
	}
	return nil
}

func (tx *memTx) PatientExists(ctx context.Context, id uuid.UUID) error {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if _, ok := tx.s.patients[id]; !ok {
		return ErrPatientNotFound
	}
	return nil
}

func (tx *memTx) LockRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	return tx.s.GetRoom(ctx, id)
}

func (tx *memTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return tx.s.GetAppointment(ctx, id)
}

func (tx *memTx) FindOverlapping(ctx context.Context, resource string, id uuid.UUID, iv Interval, excludeID uuid.UUID) ([]Appointment, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var out []Appointment
	for _, a := range tx.s.appointments {
		if a.ID == excludeID || !a.IsActive() || !a.Interval().Overlaps(iv) {
			continue
		}
		switch resource {
		case ResourceDoctor:
			if a.DoctorID != id {
				continue
			}
		case ResourceRoom:
			if a.RoomID == nil || *a.RoomID != id {
				continue
			}
		default:
			continue
		}
		out = append(out, *a.clone())
	}
	return out, nil
}

func (tx *memTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	c := a.clone()
	tx.ops = append(tx.ops, func() { tx.s.appointments[c.ID] = c })
	return nil
}

func (tx *memTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tx.s.mu.RLock()
	_, ok := tx.s.appointments[a.ID]
	tx.s.mu.RUnlock()
	if !ok {
		return ErrAppointmentNotFound
	}

	c := a.clone()
	tx.ops = append(tx.ops, func() { tx.s.appointments[c.ID] = c })
	return nil
}

func (tx *memTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tx.s.mu.RLock()
	_, ok := tx.s.appointments[id]
	tx.s.mu.RUnlock()
	if !ok {
		return ErrAppointmentNotFound
	}

	tx.ops = append(tx.ops, func() { delete(tx.s.appointments, id) })
	return nil
}

func (tx *memTx) SetRoomOccupant(ctx context.Context, roomID uuid.UUID, patientID *uuid.UUID, at time.Time) error {
	var pid *uuid.UUID
	if patientID != nil {
		id := *patientID
		pid = &id
	}
	tx.ops = append(tx.ops, func() {
		if r, ok := tx.s.rooms[roomID]; ok {
			r.CurrentPatientID = pid
			r.UpdatedAt = at
		}
	})
	return nil
}

func (tx *memTx) AppendAssignment(ctx context.Context, roomID uuid.UUID, a Assignment) error {
	tx.ops = append(tx.ops, func() {
		if r, ok := tx.s.rooms[roomID]; ok {
			r.History = append(r.History, a)
		}
	})
	return nil
}

func (tx *memTx) CloseAssignment(ctx context.Context, roomID uuid.UUID, at time.Time) error {
	tx.ops = append(tx.ops, func() {
		r, ok := tx.s.rooms[roomID]
		if !ok {
			return
		}
		if i := r.openAssignment(); i >= 0 {
			t := at
			r.History[i].ActualDischarge = &t
		}
	})
	return nil
}

func (tx *memTx) AppendEvents(ctx context.Context, events []Event) error {
	pending := make([]Event, len(events))
	copy(pending, events)
	tx.ops = append(tx.ops, func() {
		tx.s.outbox = append(tx.s.outbox, pending...)
	})
	return nil
}
