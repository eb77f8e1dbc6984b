// Package energy records daily usage readings and answers history, summary
// and download queries over them.
package energy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// ReadingTTL is how long a manually entered reading is retained.
const ReadingTTL = 365 * 24 * time.Hour

// Input is a manually entered reading.
type Input struct {
	Date   string   `json:"date"`
	Usage  *float64 `json:"usage"`
	Source string   `json:"source"`
}

// Service manages energy readings.
type Service struct {
	store storage.EnergyStore
	topic pubsub.Publisher
	log   *logger.Logger
	now   func() time.Time
}

// New constructs an energy service. topic may be nil, in which case no
// usage events are published.
func New(store storage.EnergyStore, topic pubsub.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("energy")
	}
	return &Service{store: store, topic: topic, log: log, now: time.Now}
}

// Record stores one reading for userID and announces it on the topic.
func (s *Service) Record(ctx context.Context, userID string, in Input) (energy.Reading, error) {
	in.Date = strings.TrimSpace(in.Date)
	in.Source = strings.TrimSpace(in.Source)
	if in.Date == "" || in.Usage == nil || *in.Usage == 0 || in.Source == "" || userID == "" {
		return energy.Reading{}, errors.BadRequest("Missing required fields: date, usage, source, idToken")
	}
	if _, err := energy.ParseDate(in.Date); err != nil {
		return energy.Reading{}, errors.BadRequest("Invalid date format. Expected YYYY-MM-DD")
	}
	if *in.Usage < 0 {
		return energy.Reading{}, errors.BadRequest("Usage must be a positive number")
	}

	now := s.now().UTC()
	reading := energy.Reading{
		UserID:      userID,
		Date:        in.Date,
		EnergyUsage: *in.Usage,
		Source:      in.Source,
		TTL:         now.Add(ReadingTTL).Unix(),
		CreatedAt:   now.Format(time.RFC3339Nano),
	}

	if err := s.store.PutReading(ctx, reading); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("save energy reading failed")
		return energy.Reading{}, errors.Internal("Failed to save energy usage", err)
	}
	if err := s.announce(ctx, reading); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("publish energy reading failed")
		return energy.Reading{}, errors.Internal("Failed to save energy usage", err)
	}

	metrics.RecordReadings(reading.Source, 1)
	s.log.WithContext(ctx).WithField("date", reading.Date).Info("energy reading recorded")
	return reading, nil
}

func (s *Service) announce(ctx context.Context, r energy.Reading) error {
	if s.topic == nil {
		return nil
	}
	body, err := json.Marshal(map[string]string{"userId": r.UserID})
	if err != nil {
		return err
	}
	return s.topic.Publish(ctx, pubsub.Message{
		Body:       string(body),
		Attributes: map[string]string{"userId": r.UserID, "date": r.Date},
	})
}

// History returns the readings of userID dated within [start, end].
func (s *Service) History(ctx context.Context, userID, start, end string) ([]energy.Reading, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return nil, errors.BadRequest("Missing required query parameters: startDate, endDate")
	}
	readings, err := s.store.QueryReadings(ctx, userID, start, end)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("query energy history failed")
		return nil, errors.Internal("Failed to retrieve energy history", err)
	}
	if readings == nil {
		readings = []energy.Reading{}
	}
	return readings, nil
}

// ParsePeriod validates a summary period, case-insensitively.
func ParsePeriod(raw string) (energy.Period, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.BadRequest("Missing required query parameter: period (daily/weekly/monthly)")
	}
	switch p := energy.Period(strings.ToLower(raw)); p {
	case energy.PeriodDaily, energy.PeriodWeekly, energy.PeriodMonthly:
		return p, nil
	}
	return "", errors.BadRequest("Invalid period. Must be daily, weekly, or monthly")
}

// Range returns the inclusive date range a summary of period covers when
// requested at now.
func Range(period energy.Period, now time.Time) (string, string) {
	end := now.UTC()
	var start time.Time
	switch period {
	case energy.PeriodDaily:
		start = end.AddDate(0, 0, -7)
	case energy.PeriodWeekly:
		start = end.AddDate(0, 0, -28)
	default:
		start = end.AddDate(0, -12, 0)
	}
	return start.Format(energy.DateLayout), end.Format(energy.DateLayout)
}

// Summary aggregates the recent readings of userID by period.
func (s *Service) Summary(ctx context.Context, userID, rawPeriod string) (energy.Period, []energy.Bucket, error) {
	period, err := ParsePeriod(rawPeriod)
	if err != nil {
		return "", nil, err
	}
	start, end := Range(period, s.now())
	readings, err := s.store.QueryReadings(ctx, userID, start, end)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("query energy summary failed")
		return "", nil, errors.Internal("Failed to retrieve energy summary", err)
	}
	return period, Aggregate(readings, period), nil
}

// Export writes every reading of userID to w as CSV.
func (s *Service) Export(ctx context.Context, userID string, w io.Writer) error {
	readings, err := s.store.ListReadings(ctx, userID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("list energy readings failed")
		return errors.Internal("Failed to download energy data", err)
	}
	if _, err := io.WriteString(w, FormatCSV(readings)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// FormatCSV renders readings as a Date,Usage table without a trailing newline.
func FormatCSV(readings []energy.Reading) string {
	var b strings.Builder
	b.WriteString("Date,Usage")
	for _, r := range readings {
		b.WriteByte('\n')
		b.WriteString(r.Date)
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(r.EnergyUsage, 'f', -1, 64))
	}
	return b.String()
}
