package storage

import (
	"context"
	"errors"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/domain/profile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// EnergyStore persists daily usage readings keyed by (user, date).
type EnergyStore interface {
	// PutReading inserts or replaces the reading for its (user, date).
	PutReading(ctx context.Context, r energy.Reading) error
	// QueryReadings returns the user's readings with start <= Date <= end,
	// ascending by date.
	QueryReadings(ctx context.Context, userID, start, end string) ([]energy.Reading, error)
	// ListReadings returns every reading of the user, ascending by date.
	ListReadings(ctx context.Context, userID string) ([]energy.Reading, error)
	// LatestReading returns the reading with the highest date.
	LatestReading(ctx context.Context, userID string) (energy.Reading, error)
	// ScanReadings pages through all readings of all users. An empty cursor
	// starts the scan; an empty next cursor ends it.
	ScanReadings(ctx context.Context, cursor string, limit int) ([]energy.Reading, string, error)
}

// ProfileStore persists per-user settings.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
	// PutThreshold sets the alert threshold, creating the profile if needed.
	// Model fields of an existing profile are kept.
	PutThreshold(ctx context.Context, userID string, threshold float64, ttl int64) error
	// SetModel assigns a prediction endpoint, creating the profile if needed.
	SetModel(ctx context.Context, userID, endpoint, trainingStartDate string) error
}

// ConnectionStore persists open websocket connections.
type ConnectionStore interface {
	PutConnection(ctx context.Context, c connection.Connection) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ListConnections(ctx context.Context, userID string) ([]connection.Connection, error)
}
