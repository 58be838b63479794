package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/config"
	"github.com/hackgods/booking-arbiter/internal/db"
	"github.com/hackgods/booking-arbiter/internal/logger"
)

// The simulator hammers a small set of doctors and rooms with overlapping
// proposals, reschedules and room assignments, then checks in Postgres that
// no two scheduled appointments overlap on a doctor or a room and that no
// room has more than one open assignment.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Doctors     int
	Rooms       int
	Patients    int
	SlotMinutes int
	Horizon     int // number of slots per day the workers aim at
	PostgresDSN string
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
	Rooms    []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.IntN(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Transient int64
	Error     int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case status == http.StatusServiceUnavailable:
		atomic.AddInt64(&om.Transient, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99)
}

type Metrics struct {
	Propose    OperationMetrics
	Reschedule OperationMetrics
	Cancel     OperationMetrics
	Assign     OperationMetrics
	Release    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	day     time.Time
	metrics Metrics
}

func main() {
	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("doctors", cfg.Doctors),
		zap.Int("rooms", cfg.Rooms),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data pool loaded",
		zap.Int("doctors", len(dataPool.Doctors)),
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("rooms", len(dataPool.Rooms)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		// A fresh day far enough ahead that earlier runs do not interfere.
		day: time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 30+rand.IntN(3000)),
	}

	sim.Run()
	sim.PrintReport()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCheck()
	if err := verifyInvariants(checkCtx, pgPool); err != nil {
		log.Error("invariant violated", zap.Error(err))
		os.Exit(2)
	}
	log.Info("invariants hold: no overlapping bookings and no double-occupied rooms")
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:"+baseCfg.HTTPPort),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 32),
		Doctors:     getInt("SIM_DOCTORS", 5),
		Rooms:       getInt("SIM_ROOMS", 5),
		Patients:    getInt("SIM_PATIENTS", 500),
		SlotMinutes: getInt("SIM_SLOT_MINUTES", 30),
		Horizon:     getInt("SIM_HORIZON", 16),
		PostgresDSN: baseCfg.PostgresDSN,
	}

	switch {
	case cfg.PostgresDSN == "":
		return cfg, fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	case cfg.Workers <= 0:
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	case cfg.SlotMinutes <= 0 || cfg.Horizon <= 0:
		return cfg, fmt.Errorf("SIM_SLOT_MINUTES and SIM_HORIZON must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	ids := func(query string, limit int) ([]uuid.UUID, error) {
		rows, err := pool.Query(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	}

	dp := &DataPool{}
	var err error
	if dp.Doctors, err = ids(`SELECT id FROM doctors ORDER BY id LIMIT $1`, cfg.Doctors); err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	if dp.Patients, err = ids(`SELECT id FROM patients LIMIT $1`, cfg.Patients); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	if dp.Rooms, err = ids(`SELECT id FROM rooms ORDER BY number LIMIT $1`, cfg.Rooms); err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	switch {
	case len(dp.Doctors) == 0:
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
	case len(dp.Patients) == 0:
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	case len(dp.Rooms) == 0:
		return nil, fmt.Errorf("no rooms loaded, run cmd/seed first")
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := range s.config.Workers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

	for ctx.Err() == nil {
		switch r := rng.Float64(); {
		case r < 0.55:
			s.doPropose(ctx, rng)
		case r < 0.70:
			s.doReschedule(ctx, rng)
		case r < 0.80:
			s.doCancel(ctx, rng)
		case r < 0.92:
			s.doAssign(ctx, rng)
		default:
			s.doRelease(ctx, rng)
		}
	}
}

// window picks a start on the slot grid, sometimes shifted by half a slot so
// neighbouring proposals overlap partially rather than only exactly.
func (s *Simulator) window(rng *rand.Rand) (time.Time, time.Time) {
	slot := time.Duration(s.config.SlotMinutes) * time.Minute
	start := s.day.Add(8*time.Hour + time.Duration(rng.IntN(s.config.Horizon))*slot)
	if rng.IntN(4) == 0 {
		start = start.Add(slot / 2)
	}
	return start, start.Add(slot)
}

func pick(rng *rand.Rand, ids []uuid.UUID) uuid.UUID {
	return ids[rng.IntN(len(ids))]
}

func (s *Simulator) doPropose(ctx context.Context, rng *rand.Rand) {
	start, end := s.window(rng)
	body := map[string]any{
		"doctorId":  pick(rng, s.pool.Doctors).String(),
		"patientId": pick(rng, s.pool.Patients).String(),
		"start":     start.Format(time.RFC3339),
		"end":       end.Format(time.RFC3339),
	}
	if rng.IntN(2) == 0 {
		body["roomId"] = pick(rng, s.pool.Rooms).String()
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments", body, &created)
	if ctx.Err() != nil {
		return
	}
	if err == nil && status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
	s.metrics.Propose.Record(latency, status, err)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start, end := s.window(rng)
	body := map[string]any{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}
	if rng.IntN(3) == 0 {
		body["roomId"] = pick(rng, s.pool.Rooms).String()
	}

	status, latency, err := s.call(ctx, http.MethodPatch, "/appointments/"+id.String(), body, nil)
	if ctx.Err() != nil {
		return
	}
	// A cancelled appointment cannot be rescheduled; that 409 is expected.
	s.metrics.Reschedule.Record(latency, status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(latency, status, err)
}

func (s *Simulator) doAssign(ctx context.Context, rng *rand.Rand) {
	body := map[string]any{
		"patientId": pick(rng, s.pool.Patients).String(),
		"reason":    "simulation",
	}
	path := "/rooms/" + pick(rng, s.pool.Rooms).String() + "/assign"
	status, latency, err := s.call(ctx, http.MethodPost, path, body, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Assign.Record(latency, status, err)
}

func (s *Simulator) doRelease(ctx context.Context, rng *rand.Rand) {
	path := "/rooms/" + pick(rng, s.pool.Rooms).String() + "/release"
	status, latency, err := s.call(ctx, http.MethodPost, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Release.Record(latency, status, err)
}

func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

// verifyInvariants checks the database directly rather than trusting the
// API's answers.
func verifyInvariants(ctx context.Context, pool *pgxpool.Pool) error {
	checks := []struct {
		name  string
		query string
	}{
		{"doctor overlap", `
			SELECT count(*) FROM appointments a
			JOIN appointments b ON a.doctor_id = b.doctor_id AND a.id < b.id
			WHERE a.status = 'scheduled' AND b.status = 'scheduled'
			  AND a.start_at < b.end_at AND b.start_at < a.end_at`},
		{"room overlap", `
			SELECT count(*) FROM appointments a
			JOIN appointments b ON a.room_id = b.room_id AND a.id < b.id
			WHERE a.status = 'scheduled' AND b.status = 'scheduled'
			  AND a.start_at < b.end_at AND b.start_at < a.end_at`},
		{"multiple open assignments", `
			SELECT count(*) FROM (
				SELECT room_id FROM room_assignments
				WHERE actual_discharge IS NULL
				GROUP BY room_id HAVING count(*) > 1
			) t`},
		{"occupant without open assignment", `
			SELECT count(*) FROM rooms r
			WHERE r.occupied AND NOT EXISTS (
				SELECT 1 FROM room_assignments ra
				WHERE ra.room_id = r.id AND ra.actual_discharge IS NULL
				  AND ra.patient_id = r.current_patient_id)`},
	}

	for _, c := range checks {
		var n int
		if err := pool.QueryRow(ctx, c.query).Scan(&n); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		if n > 0 {
			return fmt.Errorf("%s: %d violations", c.name, n)
		}
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("SIMULATION REPORT")
	fmt.Printf("Duration: %s  Workers: %d  Day: %s\n\n", s.config.Duration, s.config.Workers, s.day.Format(time.DateOnly))

	printOperationReport("Propose", &s.metrics.Propose)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Assign room", &s.metrics.Assign)
	printOperationReport("Release room", &s.metrics.Release)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	transient := atomic.LoadInt64(&om.Transient)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	if transient > 0 {
		fmt.Printf("  Transient: %d (%.1f%%)\n", transient, pct(transient))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), p99.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
