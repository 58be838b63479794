package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
	"github.com/hackgods/booking-arbiter/internal/config"
	"github.com/hackgods/booking-arbiter/internal/db"
	"github.com/hackgods/booking-arbiter/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	log.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedDoctors(ctx, pool, faker, log, getInt("SEED_DOCTORS", 50)); err != nil {
		log.Fatal("seed doctors", zap.Error(err))
	}
	if err := seedPatients(ctx, pool, faker, log, getInt("SEED_PATIENTS", 5000)); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}
	if err := seedRooms(ctx, pool, log, getInt("SEED_ROOMS", 40)); err != nil {
		log.Fatal("seed rooms", zap.Error(err))
	}

	log.Info("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, log *zap.Logger, count int) error {
	log.Info("seeding doctors", zap.Int("count", count))

	specialties := []string{
		"Cardiology",
		"General Medicine",
		"Orthopedics",
		"Neurology",
		"Pediatrics",
		"Pulmonology",
		"Gastroenterology",
		"Nephrology",
		"Oncology",
		"ENT",
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for range count {
			spec := specialties[faker.Number(0, len(specialties)-1)]
			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, specialty, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), "Dr. "+faker.Name(), spec)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, log *zap.Logger, count int) error {
	log.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for range end - offset {
			batch.Queue(`
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), faker.Name(), faker.Email())
		}

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}

// seedRooms numbers rooms by floor (101, 102, ... 201, ...) with ten rooms per
// floor and alternates AC and Non-AC. Existing numbers are skipped so the
// seed can be rerun.
func seedRooms(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, count int) error {
	log.Info("seeding rooms", zap.Int("count", count))

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := range count {
			number := strconv.Itoa((i/10+1)*100 + i%10 + 1)
			roomType := booking.RoomAC
			if i%2 == 1 {
				roomType = booking.RoomNonAC
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO rooms (id, number, type, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
				ON CONFLICT (number) DO NOTHING
			`, uuid.New(), number, string(roomType))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
