package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the store maps onto the booking taxonomy.
const (
	pgForeignKeyViolation  = "23503"
	pgExclusionViolation   = "23P01"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

const (
	constraintDoctorOverlap = "appointments_doctor_no_overlap"
	constraintRoomOverlap   = "appointments_room_no_overlap"
)

// PgStore is the Postgres Store. Transactions run at READ COMMITTED; the
// doctor and room rows are locked with FOR NO KEY UPDATE so that decisions on
// the same resource serialize even without an external Locker, and the
// exclusion constraints on appointments reject any overlap that slips past
// both.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const appointmentColumns = `id, doctor_id, patient_id, room_id, start_at, end_at, status, notes, created_at, updated_at`

const roomColumns = `id, number, type, current_patient_id, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.RoomID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	err := row.Scan(
		&r.ID,
		&r.Number,
		&r.Type,
		&r.CurrentPatientID,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &r, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadHistory(ctx context.Context, q querier, roomID uuid.UUID) ([]Assignment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, patient_id, doctor_id, nurse_id, assigned_at, expected_discharge, actual_discharge, reason
		FROM room_assignments
		WHERE room_id = $1
		ORDER BY assigned_at, id
	`, roomID)
	if err != nil {
		return nil, err
	}

	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assignment, error) {
		var a Assignment
		err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.NurseID, &a.AssignedAt, &a.ExpectedDischarge, &a.ActualDischarge, &a.Reason)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("load room history: %w", err)
	}
	return history, nil
}

// mapPgError turns driver errors into booking errors. Exclusion violations
// become conflicts naming the resource and foreign key violations the
// matching not-found error. Lock, serialization, cancellation and connection
// failures become ErrTransient.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			switch pgErr.ConstraintName {
			case constraintDoctorOverlap:
				return &ConflictError{Resource: ResourceDoctor}
			case constraintRoomOverlap:
				return &ConflictError{Resource: ResourceRoom}
			}
			return fmt.Errorf("%w: %s", ErrSlotConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", referencedNotFound(pgErr.ConstraintName), pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// referencedNotFound picks the not-found error for a foreign key by the
// column it constrains (appointments_doctor_id_fkey and the like).
func referencedNotFound(constraint string) error {
	switch {
	case strings.Contains(constraint, "doctor_id"):
		return ErrDoctorNotFound
	case strings.Contains(constraint, "patient_id"):
		return ErrPatientNotFound
	case strings.Contains(constraint, "room_id"):
		return ErrRoomNotFound
	}
	return ErrNotFound
}

// InTx runs fn in one transaction. Nothing is committed if fn fails or ctx
// ends first.
func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		// Rollback after a successful commit is a no-op.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return a, nil
}

func (s *PgStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	query, args := listAppointmentsQuery(f.Normalized())
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("list appointments: %w", err))
	}
	appts, err := collectAppointments(rows)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("list appointments: %w", err))
	}
	return appts, nil
}

// listAppointmentsQuery builds the filtered page query. Placeholders are
// numbered in the order the filters are added; limit and offset come last.
func listAppointmentsQuery(f AppointmentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.RoomID != nil {
		add("room_id = $%d", *f.RoomID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.From != nil {
		add("end_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_at <= $%d", *f.To)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY start_at, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return query, args
}

func (s *PgStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err)
	}
	if r.History, err = loadHistory(ctx, s.pool, id); err != nil {
		return nil, mapPgError(err)
	}
	return r, nil
}

func (s *PgStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY number`)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("list rooms: %w", err))
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return rooms, nil
}

// Outbox

func (s *PgStore) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, entity_id, payload, created_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("query pending events: %w", err))
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.ID, &e.Type, &e.EntityID, &e.Payload, &e.OccurredAt)
		return e, err
	})
	if err != nil {
		return nil, mapPgError(fmt.Errorf("scan pending events: %w", err))
	}
	return events, nil
}

func (s *PgStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE event_logs
		SET published_at = $2
		WHERE event_id = ANY($1) AND published_at IS NULL
	`, ids, at)
	if err != nil {
		return mapPgError(fmt.Errorf("mark events published: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockDoctor(ctx context.Context, id uuid.UUID) error {
	var got uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT id FROM doctors WHERE id = $1 FOR NO KEY UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDoctorNotFound
	}
	if err != nil {
		return fmt.Errorf("lock doctor: %w", err)
	}
	return nil
}

func (t *pgTx) PatientExists(ctx context.Context, id uuid.UUID) error {
	var got uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT id FROM patients WHERE id = $1 FOR KEY SHARE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	return nil
}

func (t *pgTx) LockRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	r, err := scanRoom(t.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR NO KEY UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lock room: %w", err)
	}
	if r.History, err = loadHistory(ctx, t.tx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

func (t *pgTx) FindOverlapping(ctx context.Context, resource string, id uuid.UUID, iv Interval, excludeID uuid.UUID) ([]Appointment, error) {
	var column string
	switch resource {
	case ResourceDoctor:
		column = "doctor_id"
	case ResourceRoom:
		column = "room_id"
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}

	// Served by appointments_<resource>_time_idx.
	rows, err := t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		  AND status = 'scheduled'
		  AND start_at < $3
		  AND end_at > $2
		  AND id <> $4
		ORDER BY start_at
	`, id, iv.Start, iv.End, excludeID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.DoctorID, a.PatientID, a.RoomID, a.Start, a.End, a.Status, a.Notes, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET doctor_id = $2,
		    room_id = $3,
		    start_at = $4,
		    end_at = $5,
		    status = $6,
		    notes = $7,
		    updated_at = $8
		WHERE id = $1
	`, a.ID, a.DoctorID, a.RoomID, a.Start, a.End, a.Status, a.Notes, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) SetRoomOccupant(ctx context.Context, roomID uuid.UUID, patientID *uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE rooms
		SET current_patient_id = $2,
		    updated_at = $3
		WHERE id = $1
	`, roomID, patientID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (t *pgTx) AppendAssignment(ctx context.Context, roomID uuid.UUID, a Assignment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO room_assignments
			(id, room_id, patient_id, doctor_id, nurse_id, assigned_at, expected_discharge, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, roomID, a.PatientID, a.DoctorID, a.NurseID, a.AssignedAt, a.ExpectedDischarge, a.Reason)
	return err
}

func (t *pgTx) CloseAssignment(ctx context.Context, roomID uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE room_assignments
		SET actual_discharge = $2
		WHERE id = (
			SELECT id FROM room_assignments
			WHERE room_id = $1 AND actual_discharge IS NULL
			ORDER BY assigned_at DESC
			LIMIT 1
		)
	`, roomID, at)
	return err
}

func (t *pgTx) AppendEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO event_logs (event_id, event_type, entity_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, e.ID, e.Type, e.EntityID, []byte(e.Payload), e.OccurredAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert event logs: %w", err)
	}
	return nil
}
