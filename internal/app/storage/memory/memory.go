package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/domain/profile"
	"github.com/wattwise/energy-monitor/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu          sync.RWMutex
	readings    map[string]map[string]energy.Reading
	profiles    map[string]profile.Profile
	connections map[string]connection.Connection
}

var _ storage.EnergyStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)
var _ storage.ConnectionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		readings:    make(map[string]map[string]energy.Reading),
		profiles:    make(map[string]profile.Profile),
		connections: make(map[string]connection.Connection),
	}
}

// EnergyStore implementation --------------------------------------------------

func (s *Store) PutReading(_ context.Context, r energy.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.readings[r.UserID]
	if !ok {
		byDate = make(map[string]energy.Reading)
		s.readings[r.UserID] = byDate
	}
	byDate[r.Date] = r
	return nil
}

func (s *Store) QueryReadings(_ context.Context, userID, start, end string) ([]energy.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []energy.Reading
	for date, r := range s.readings[userID] {
		if date >= start && date <= end {
			out = append(out, r)
		}
	}
	sortByDate(out)
	return out, nil
}

func (s *Store) ListReadings(_ context.Context, userID string) ([]energy.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]energy.Reading, 0, len(s.readings[userID]))
	for _, r := range s.readings[userID] {
		out = append(out, r)
	}
	sortByDate(out)
	return out, nil
}

func (s *Store) LatestReading(_ context.Context, userID string) (energy.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest energy.Reading
	found := false
	for date, r := range s.readings[userID] {
		if !found || date > latest.Date {
			latest, found = r, true
		}
	}
	if !found {
		return energy.Reading{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ScanReadings(_ context.Context, cursor string, limit int) ([]energy.Reading, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type keyed struct {
		key string
		r   energy.Reading
	}
	all := make([]keyed, 0)
	for user, byDate := range s.readings {
		for date, r := range byDate {
			all = append(all, keyed{key: user + "\x00" + date, r: r})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })

	start := 0
	if cursor != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].key > cursor })
	}
	if limit <= 0 {
		limit = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]energy.Reading, 0, end-start)
	for _, k := range all[start:end] {
		page = append(page, k.r)
	}
	next := ""
	if end < len(all) && end > start {
		next = all[end-1].key
	}
	return page, next, nil
}

// ProfileStore implementation -------------------------------------------------

func (s *Store) GetProfile(_ context.Context, userID string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *Store) PutThreshold(_ context.Context, userID string, threshold float64, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[userID]
	p.UserID = userID
	v := threshold
	p.Threshold = &v
	p.TTL = ttl
	s.profiles[userID] = p
	return nil
}

func (s *Store) SetModel(_ context.Context, userID, endpoint, trainingStartDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[userID]
	p.UserID = userID
	p.ModelEndpoint = endpoint
	p.TrainingStartDate = trainingStartDate
	s.profiles[userID] = p
	return nil
}

// ConnectionStore implementation ----------------------------------------------

func (s *Store) PutConnection(_ context.Context, c connection.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ConnectionID] = c
	return nil
}

func (s *Store) DeleteConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connectionID)
	return nil
}

func (s *Store) ListConnections(_ context.Context, userID string) ([]connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []connection.Connection
	for _, c := range s.connections {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func sortByDate(rs []energy.Reading) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Date < rs[j].Date })
}

func cloneProfile(p profile.Profile) profile.Profile {
	if p.Threshold != nil {
		v := *p.Threshold
		p.Threshold = &v
	}
	return p
}
