package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/domain/profile"
	"github.com/wattwise/energy-monitor/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Rows whose
// ttl has passed are treated as absent.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.EnergyStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)
var _ storage.ConnectionStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) nowUnix() int64 { return s.now().Unix() }

const readingColumns = `user_id, date, energy_usage, source, ttl, created_at`

// --- EnergyStore ------------------------------------------------------------

func (s *Store) PutReading(ctx context.Context, r energy.Reading) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO energy_usage (user_id, date, energy_usage, source, ttl, created_at)
		VALUES (:user_id, :date, :energy_usage, :source, :ttl, :created_at)
		ON CONFLICT (user_id, date) DO UPDATE
		SET energy_usage = EXCLUDED.energy_usage,
		    source = EXCLUDED.source,
		    ttl = EXCLUDED.ttl,
		    created_at = EXCLUDED.created_at
	`, r)
	return err
}

func (s *Store) QueryReadings(ctx context.Context, userID, start, end string) ([]energy.Reading, error) {
	var out []energy.Reading
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+readingColumns+`
		FROM energy_usage
		WHERE user_id = $1 AND date BETWEEN $2 AND $3 AND (ttl = 0 OR ttl > $4)
		ORDER BY date
	`, userID, start, end, s.nowUnix())
	return out, err
}

func (s *Store) ListReadings(ctx context.Context, userID string) ([]energy.Reading, error) {
	var out []energy.Reading
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+readingColumns+`
		FROM energy_usage
		WHERE user_id = $1 AND (ttl = 0 OR ttl > $2)
		ORDER BY date
	`, userID, s.nowUnix())
	return out, err
}

func (s *Store) LatestReading(ctx context.Context, userID string) (energy.Reading, error) {
	var r energy.Reading
	err := s.db.GetContext(ctx, &r, `
		SELECT `+readingColumns+`
		FROM energy_usage
		WHERE user_id = $1 AND (ttl = 0 OR ttl > $2)
		ORDER BY date DESC
		LIMIT 1
	`, userID, s.nowUnix())
	if errors.Is(err, sql.ErrNoRows) {
		return energy.Reading{}, storage.ErrNotFound
	}
	return r, err
}

func (s *Store) ScanReadings(ctx context.Context, cursor string, limit int) ([]energy.Reading, string, error) {
	if limit <= 0 {
		limit = 1000
	}
	afterUser, afterDate, err := splitCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	var out []energy.Reading
	err = s.db.SelectContext(ctx, &out, `
		SELECT `+readingColumns+`
		FROM energy_usage
		WHERE (user_id, date) > ($1, $2) AND (ttl = 0 OR ttl > $3)
		ORDER BY user_id, date
		LIMIT $4
	`, afterUser, afterDate, s.nowUnix(), limit)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = last.UserID + "|" + last.Date
	}
	return out, next, nil
}

func splitCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	i := strings.LastIndex(cursor, "|")
	if i < 0 {
		return "", "", fmt.Errorf("invalid scan cursor %q", cursor)
	}
	return cursor[:i], cursor[i+1:], nil
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	var p profile.Profile
	err := s.db.GetContext(ctx, &p, `
		SELECT user_id, threshold,
		       COALESCE(model_endpoint, '') AS model_endpoint,
		       COALESCE(training_start_date, '') AS training_start_date,
		       ttl
		FROM user_profiles
		WHERE user_id = $1 AND (ttl = 0 OR ttl > $2)
	`, userID, s.nowUnix())
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, storage.ErrNotFound
	}
	return p, err
}

func (s *Store) PutThreshold(ctx context.Context, userID string, threshold float64, ttl int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, threshold, ttl)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET threshold = EXCLUDED.threshold, ttl = EXCLUDED.ttl
	`, userID, threshold, ttl)
	return err
}

func (s *Store) SetModel(ctx context.Context, userID, endpoint, trainingStartDate string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, model_endpoint, training_start_date, ttl)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id) DO UPDATE
		SET model_endpoint = EXCLUDED.model_endpoint,
		    training_start_date = EXCLUDED.training_start_date
	`, userID, endpoint, trainingStartDate)
	return err
}

// --- ConnectionStore --------------------------------------------------------

func (s *Store) PutConnection(ctx context.Context, c connection.Connection) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ws_connections (connection_id, user_id, ttl, created_at)
		VALUES (:connection_id, :user_id, :ttl, :created_at)
		ON CONFLICT (connection_id) DO UPDATE
		SET user_id = EXCLUDED.user_id, ttl = EXCLUDED.ttl, created_at = EXCLUDED.created_at
	`, c)
	return err
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ws_connections WHERE connection_id = $1`, connectionID)
	return err
}

func (s *Store) ListConnections(ctx context.Context, userID string) ([]connection.Connection, error) {
	var out []connection.Connection
	err := s.db.SelectContext(ctx, &out, `
		SELECT connection_id, user_id, ttl, created_at
		FROM ws_connections
		WHERE user_id = $1 AND (ttl = 0 OR ttl > $2)
		ORDER BY connection_id
	`, userID, s.nowUnix())
	return out, err
}
