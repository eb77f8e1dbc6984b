// Package training exports the usage dataset for model training and deploys
// trained models behind prediction endpoints.
package training

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/metrics"
	"github.com/wattwise/energy-monitor/internal/app/storage"
	"github.com/wattwise/energy-monitor/internal/platform/inference"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/paramstore"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

var (
	ErrNoData      = stderrors.New("no energy usage data found")
	ErrNoArtifacts = stderrors.New("no model artifacts found")
)

const scanPageSize = 1000

// Config carries deployment settings.
type Config struct {
	Environment  string
	InstanceType string
}

// DeployRequest names the finished training job to deploy. UserID, when
// set, receives the new endpoint on their profile.
type DeployRequest struct {
	TrainingJobName string `json:"TrainingJobName"`
	UserID          string `json:"UserId,omitempty"`
}

// Service runs dataset exports and model deployments.
type Service struct {
	readings storage.EnergyStore
	profiles storage.ProfileStore
	objects  objectstore.Store
	deployer inference.Deployer
	params   paramstore.Store
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

func New(readings storage.EnergyStore, profiles storage.ProfileStore, objects objectstore.Store, deployer inference.Deployer, params paramstore.Store, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("training")
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = "ml.t2.medium"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	return &Service{
		readings: readings,
		profiles: profiles,
		objects:  objects,
		deployer: deployer,
		params:   params,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// ExportDataset writes every stored reading, ordered by date, to a new CSV
// object and returns its URI.
func (s *Service) ExportDataset(ctx context.Context) (string, error) {
	records, err := s.scanAll(ctx)
	if err != nil {
		metrics.RecordTrainingExport(0, false)
		return "", err
	}
	if len(records) == 0 {
		metrics.RecordTrainingExport(0, false)
		return "", ErrNoData
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	key := fmt.Sprintf("model/training-%d.csv", s.now().UnixMilli())
	if err := s.objects.Put(ctx, key, FormatDataset(records), "text/csv"); err != nil {
		metrics.RecordTrainingExport(len(records), false)
		return "", fmt.Errorf("save dataset: %w", err)
	}
	uri := s.objects.URI(key)
	metrics.RecordTrainingExport(len(records), true)
	s.log.WithField("uri", uri).WithField("records", len(records)).Info("training dataset exported")
	return uri, nil
}

func (s *Service) scanAll(ctx context.Context) ([]energy.Reading, error) {
	var (
		out    []energy.Reading
		cursor string
	)
	for {
		page, next, err := s.readings.ScanReadings(ctx, cursor, scanPageSize)
		if err != nil {
			return nil, fmt.Errorf("scan readings: %w", err)
		}
		out = append(out, page...)
		s.log.WithField("batch", len(page)).WithField("total", len(out)).Debug("fetched readings batch")
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// FormatDataset renders the date,usage training table.
func FormatDataset(records []energy.Reading) []byte {
	var b bytes.Buffer
	b.WriteString("date,usage")
	for _, r := range records {
		b.WriteByte('\n')
		b.WriteString(r.Date)
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(r.EnergyUsage, 'f', -1, 64))
	}
	return b.Bytes()
}

// EndpointParameter is the parameter holding the active endpoint name.
func (s *Service) EndpointParameter() string {
	return "/" + s.cfg.Environment + "/sagemaker/endpoint-url"
}

// DeployModel creates an endpoint serving the model of a finished training
// job and publishes its name.
func (s *Service) DeployModel(ctx context.Context, req DeployRequest) (string, error) {
	if strings.TrimSpace(req.TrainingJobName) == "" {
		return "", fmt.Errorf("training job name is required")
	}
	if s.deployer == nil {
		return "", fmt.Errorf("no model deployer configured")
	}
	entry := s.log.WithField("training_job", req.TrainingJobName)

	artifacts, err := s.deployer.TrainingArtifacts(ctx, req.TrainingJobName)
	if err != nil {
		return "", fmt.Errorf("describe training job: %w", err)
	}
	if artifacts == "" {
		return "", ErrNoArtifacts
	}

	stamp := Timestamp(s.now())
	configName := "energy-prediction-config-" + stamp
	endpoint := "energy-prediction-endpoint-" + stamp

	entry.WithField("endpoint_config", configName).Info("creating endpoint configuration")
	if err := s.deployer.CreateEndpointConfig(ctx, inference.EndpointConfig{
		Name:          configName,
		ModelName:     req.TrainingJobName,
		InstanceType:  s.cfg.InstanceType,
		VariantName:   "AllTraffic",
		InitialWeight: 1,
		InstanceCount: 1,
	}); err != nil {
		return "", err
	}
	entry.WithField("endpoint", endpoint).Info("creating endpoint")
	if err := s.deployer.CreateEndpoint(ctx, endpoint, configName); err != nil {
		return "", err
	}

	if err := s.params.Put(ctx, s.EndpointParameter(), endpoint); err != nil {
		return "", fmt.Errorf("save endpoint parameter: %w", err)
	}

	if req.UserID != "" {
		if err := s.assign(ctx, req.UserID, endpoint); err != nil {
			return "", err
		}
	}
	entry.WithField("endpoint", endpoint).Info("model deployed")
	return endpoint, nil
}

// assign records endpoint on the profile of userID together with the date of
// their earliest reading, which anchors the model's day numbering.
func (s *Service) assign(ctx context.Context, userID, endpoint string) error {
	readings, err := s.readings.ListReadings(ctx, userID)
	if err != nil {
		return fmt.Errorf("list readings: %w", err)
	}
	start := ""
	for _, r := range readings {
		if start == "" || r.Date < start {
			start = r.Date
		}
	}
	if err := s.profiles.SetModel(ctx, userID, endpoint, start); err != nil {
		return fmt.Errorf("assign model: %w", err)
	}
	return nil
}

// Timestamp renders t as an RFC 3339 UTC time with millisecond precision and
// ':' and '.' replaced by '-', which endpoint names accept.
func Timestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}
