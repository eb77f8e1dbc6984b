// Package uploads issues presigned CSV upload URLs and ingests the files
// users upload through them.
package uploads

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

const (
	// Prefix is the first key segment of every user upload.
	Prefix = "user-uploads"
	// ContentType is the only content type uploads are signed for.
	ContentType = "text/csv"
	// ReadingTTL is how long an ingested reading is retained.
	ReadingTTL = 90 * 24 * time.Hour
	// DefaultURLTTL is the lifetime of a presigned upload URL.
	DefaultURLTTL = 5 * time.Minute
)

// Presigned is a signed upload target.
type Presigned struct {
	URL     string `json:"presignedUrl"`
	FileKey string `json:"fileKey"`
}

// Result summarises the ingestion of one file.
type Result struct {
	UserID  string
	Stored  int
	Skipped int
}

// Service handles uploads.
type Service struct {
	objects  objectstore.Store
	readings storage.EnergyStore
	topic    pubsub.Publisher
	urlTTL   time.Duration
	log      *logger.Logger
	now      func() time.Time
	suffix   func() string
}

// New constructs an uploads service. A zero urlTTL selects DefaultURLTTL.
func New(objects objectstore.Store, readings storage.EnergyStore, topic pubsub.Publisher, urlTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("uploads")
	}
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &Service{
		objects:  objects,
		readings: readings,
		topic:    topic,
		urlTTL:   urlTTL,
		log:      log,
		now:      time.Now,
		suffix:   randomSuffix,
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
}

// PresignUpload returns a URL userID can PUT one CSV file to.
func (s *Service) PresignUpload(ctx context.Context, userID string) (Presigned, error) {
	key := fmt.Sprintf("%s/%s/%s-%d-%s.csv", Prefix, userID, userID, s.now().UnixMilli(), s.suffix())
	u, err := s.objects.PresignPut(ctx, key, ContentType, s.urlTTL)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("presign upload failed")
		return Presigned{}, errors.Internal("Error generating presigned URL", err)
	}
	return Presigned{URL: u, FileKey: key}, nil
}

// ValidUploadKey reports whether key has the user-uploads/<user>/<file>.csv
// shape.
func ValidUploadKey(key string) bool {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] != Prefix {
		return false
	}
	return strings.HasSuffix(strings.ToLower(parts[len(parts)-1]), ".csv")
}

// DecodeEventKey decodes an object key as delivered in storage
// notifications, where spaces arrive as '+'.
func DecodeEventKey(raw string) (string, error) {
	return url.PathUnescape(strings.ReplaceAll(raw, "+", " "))
}

// Ingest stores every valid row of the uploaded file at key as a reading of
// the uploading user. Keys outside the upload layout are ignored.
func (s *Service) Ingest(ctx context.Context, key string) (Result, error) {
	entry := s.log.WithContext(ctx).WithField("key", key)
	if !ValidUploadKey(key) {
		entry.Info("skipping object with invalid upload path")
		return Result{}, nil
	}
	userID := strings.Split(key, "/")[1]

	body, err := s.objects.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read upload %s: %w", key, err)
	}
	rows, err := parseRows(body)
	if err != nil {
		return Result{}, fmt.Errorf("parse upload %s: %w", key, err)
	}

	now := s.now().UTC()
	res := Result{UserID: userID}
	for _, row := range rows {
		usage, err := strconv.ParseFloat(row.usage, 64)
		if _, derr := energy.ParseDate(row.date); derr != nil || err != nil {
			res.Skipped++
			continue
		}
		reading := energy.Reading{
			UserID:      userID,
			Date:        row.date,
			EnergyUsage: usage,
			Source:      energy.SourceCSV,
			TTL:         now.Add(ReadingTTL).Unix(),
			CreatedAt:   now.Format(time.RFC3339Nano),
		}
		if err := s.readings.PutReading(ctx, reading); err != nil {
			return res, fmt.Errorf("store reading %s: %w", row.date, err)
		}
		res.Stored++
	}
	metrics.RecordReadings(energy.SourceCSV, res.Stored)

	if err := s.announce(ctx, userID, len(rows), key); err != nil {
		return res, fmt.Errorf("publish upload event: %w", err)
	}
	entry.WithField("stored", res.Stored).WithField("skipped", res.Skipped).Info("upload ingested")
	return res, nil
}

func (s *Service) announce(ctx context.Context, userID string, count int, key string) error {
	if s.topic == nil {
		return nil
	}
	body, err := json.Marshal(struct {
		UserID      string `json:"userId"`
		RecordCount int    `json:"recordCount"`
		FileName    string `json:"fileName"`
	}{userID, count, key})
	if err != nil {
		return err
	}
	return s.topic.Publish(ctx, pubsub.Message{
		Body:       string(body),
		Attributes: map[string]string{"userId": userID},
	})
}

type row struct {
	date  string
	usage string
}

// parseRows reads a CSV with a header naming Date and Usage columns in any
// case and order. Empty lines are skipped and cells trimmed. A data line
// that does not parse becomes an empty row so it is counted as skipped.
func parseRows(body []byte) ([]row, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dateCol, usageCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "date":
			dateCol = i
		case "usage":
			usageCol = i
		}
	}
	if dateCol < 0 || usageCol < 0 {
		return nil, fmt.Errorf("header must name Date and Usage columns, got %v", header)
	}

	var out []row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if stderrors.As(err, &perr) {
			out = append(out, row{})
			continue
		}
		if err != nil {
			return nil, err
		}
		if dateCol >= len(rec) || usageCol >= len(rec) {
			out = append(out, row{})
			continue
		}
		out = append(out, row{
			date:  strings.TrimSpace(rec[dateCol]),
			usage: strings.TrimSpace(rec[usageCol]),
		})
	}
	return out, nil
}
