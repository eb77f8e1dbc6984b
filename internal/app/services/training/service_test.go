package training

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/storage/memory"
	"github.com/wattwise/energy-monitor/internal/platform/inference"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/paramstore"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

type fakeDeployer struct {
	artifacts string
	configs   []inference.EndpointConfig
	endpoints map[string]string
}

func (f *fakeDeployer) TrainingArtifacts(context.Context, string) (string, error) {
	return f.artifacts, nil
}

func (f *fakeDeployer) CreateEndpointConfig(_ context.Context, cfg inference.EndpointConfig) error {
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeDeployer) CreateEndpoint(_ context.Context, name, config string) error {
	if f.endpoints == nil {
		f.endpoints = map[string]string{}
	}
	f.endpoints[name] = config
	return nil
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	objects  *objectstore.Memory
	params   *paramstore.Memory
	deployer *fakeDeployer
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:    memory.New(),
		objects:  objectstore.NewMemory(""),
		params:   paramstore.NewMemory(),
		deployer: &fakeDeployer{artifacts: "s3://bucket/model.tar.gz"},
	}
	f.svc = New(f.store, f.store, f.objects, f.deployer, f.params, Config{Environment: "prod"}, logger.NewDiscard())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func TestExportDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ExportDataset(ctx)
	require.ErrorIs(t, err, ErrNoData)

	// more readings than one scan page
	for i := 0; i < scanPageSize+5; i++ {
		user := fmt.Sprintf("u%d", i%3)
		date := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format(energy.DateLayout)
		require.NoError(t, f.store.PutReading(ctx, energy.Reading{UserID: user, Date: date, EnergyUsage: float64(i)}))
	}

	uri, err := f.svc.ExportDataset(ctx)
	require.NoError(t, err)
	key := fmt.Sprintf("model/training-%d.csv", fixedNow.UnixMilli())
	assert.Equal(t, "memory://"+key, uri)
	assert.Equal(t, "text/csv", f.objects.ContentType(key))

	body, err := f.objects.Get(ctx, key)
	require.NoError(t, err)
	lines := splitLines(string(body))
	require.Len(t, lines, scanPageSize+6)
	assert.Equal(t, "date,usage", lines[0])
	assert.Equal(t, "2020-01-01,0", lines[1])
	assert.Equal(t, "2020-01-02,1", lines[2])
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestDeployModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutReading(ctx, energy.Reading{UserID: "u1", Date: "2024-02-01", EnergyUsage: 1}))
	require.NoError(t, f.store.PutReading(ctx, energy.Reading{UserID: "u1", Date: "2024-01-15", EnergyUsage: 1}))

	endpoint, err := f.svc.DeployModel(ctx, DeployRequest{TrainingJobName: "job-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "energy-prediction-endpoint-2024-05-06T07-08-09-123Z", endpoint)

	require.Len(t, f.deployer.configs, 1)
	cfg := f.deployer.configs[0]
	assert.Equal(t, "energy-prediction-config-2024-05-06T07-08-09-123Z", cfg.Name)
	assert.Equal(t, "job-1", cfg.ModelName)
	assert.Equal(t, "ml.t2.medium", cfg.InstanceType)
	assert.Equal(t, "AllTraffic", cfg.VariantName)
	assert.Equal(t, cfg.Name, f.deployer.endpoints[endpoint])

	stored, err := f.params.Get(ctx, "/prod/sagemaker/endpoint-url")
	require.NoError(t, err)
	assert.Equal(t, endpoint, stored)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, endpoint, p.ModelEndpoint)
	assert.Equal(t, "2024-01-15", p.TrainingStartDate)
}

func TestDeployModelWithoutArtifacts(t *testing.T) {
	f := newFixture(t)
	f.deployer.artifacts = ""

	_, err := f.svc.DeployModel(context.Background(), DeployRequest{TrainingJobName: "job-1"})
	assert.True(t, errors.Is(err, ErrNoArtifacts))
	assert.Empty(t, f.deployer.configs)

	_, err = f.svc.DeployModel(context.Background(), DeployRequest{})
	assert.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, "2024-05-06T07-08-09-123Z", Timestamp(fixedNow))
	assert.Equal(t, "2024-05-06T07-08-09-000Z", Timestamp(fixedNow.Truncate(time.Second)))
}

func TestSchedulerLifecycle(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, "@every 1h", logger.NewDiscard())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, "training-scheduler", s.Name())

	bad := NewScheduler(f.svc, "not a schedule", logger.NewDiscard())
	require.Error(t, bad.Start(ctx))
}

func TestSchedulerRunExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutReading(ctx, energy.Reading{UserID: "u1", Date: "2024-01-01", EnergyUsage: 2}))

	s := NewScheduler(f.svc, "@every 1h", logger.NewDiscard())
	s.run(ctx)

	_, err := f.objects.Get(ctx, fmt.Sprintf("model/training-%d.csv", fixedNow.UnixMilli()))
	require.NoError(t, err)
}
