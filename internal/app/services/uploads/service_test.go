package uploads

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattwise/energy-monitor/internal/app/storage/memory"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

type captureTopic struct{ msgs []pubsub.Message }

func (c *captureTopic) Publish(_ context.Context, msg pubsub.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func newService(t *testing.T) (*Service, *objectstore.Memory, *memory.Store, *captureTopic) {
	t.Helper()
	objects := objectstore.NewMemory("http://localhost:8080")
	store := memory.New()
	topic := &captureTopic{}
	svc := New(objects, store, topic, 0, logger.NewDiscard())
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	svc.suffix = func() string { return "abc123" }
	return svc, objects, store, topic
}

func TestPresignUpload(t *testing.T) {
	svc, _, _, _ := newService(t)

	p, err := svc.PresignUpload(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "user-uploads/u1/u1-1700000000123-abc123.csv", p.FileKey)
	assert.True(t, strings.HasPrefix(p.URL, "http://localhost:8080/uploads/"+p.FileKey+"?"), p.URL)
	assert.True(t, ValidUploadKey(p.FileKey))
}

func TestValidUploadKey(t *testing.T) {
	cases := map[string]bool{
		"user-uploads/u1/file.csv":     true,
		"user-uploads/u1/x/FILE.CSV":   true,
		"user-uploads/file.csv":        false,
		"other/u1/file.csv":            false,
		"user-uploads/u1/file.txt":     false,
		"/user-uploads/u1/file.csv":    false,
		"model/training-1.csv":         false,
		"user-uploads/u1/data.csv.bak": false,
	}
	for key, want := range cases {
		assert.Equal(t, want, ValidUploadKey(key), key)
	}
}

func TestDecodeEventKey(t *testing.T) {
	got, err := DecodeEventKey("user-uploads/u1/my+file%281%29.csv")
	require.NoError(t, err)
	assert.Equal(t, "user-uploads/u1/my file(1).csv", got)

	_, err = DecodeEventKey("bad%zz")
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	svc, objects, store, topic := newService(t)
	ctx := context.Background()
	key := "user-uploads/u1/u1-1-x.csv"
	body := "usage , DATE\n12.5, 2024-01-01\n\n7,2024-01-02\nabc,2024-01-03\n4,01/04/2024\n"
	require.NoError(t, objects.Put(ctx, key, []byte(body), ContentType))

	res, err := svc.Ingest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Result{UserID: "u1", Stored: 2, Skipped: 2}, res)

	readings, err := store.ListReadings(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 12.5, readings[0].EnergyUsage)
	assert.Equal(t, "CSV file", readings[0].Source)
	assert.Equal(t, svc.now().Add(ReadingTTL).Unix(), readings[0].TTL)

	require.Len(t, topic.msgs, 1)
	assert.JSONEq(t, `{"userId":"u1","recordCount":4,"fileName":"user-uploads/u1/u1-1-x.csv"}`, topic.msgs[0].Body)
	assert.Equal(t, "u1", topic.msgs[0].Attribute("userId"))
}

func TestIngestSkipsRowsWithStrayQuotes(t *testing.T) {
	svc, objects, store, _ := newService(t)
	ctx := context.Background()
	key := "user-uploads/u1/quotes.csv"
	body := "Date,Usage\n2024-01-01,5\n2024-01-02,7\"x\n2024-01-03,8\n"
	require.NoError(t, objects.Put(ctx, key, []byte(body), ContentType))

	res, err := svc.Ingest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Result{UserID: "u1", Stored: 2, Skipped: 1}, res)

	readings, err := store.ListReadings(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "2024-01-03", readings[1].Date)
}

func TestIngestSkipsForeignKeys(t *testing.T) {
	svc, _, _, topic := newService(t)

	res, err := svc.Ingest(context.Background(), "model/training-1.csv")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, topic.msgs)
}

func TestIngestErrors(t *testing.T) {
	svc, objects, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "user-uploads/u1/missing.csv")
	assert.True(t, stderrors.Is(err, objectstore.ErrNotFound))

	require.NoError(t, objects.Put(ctx, "user-uploads/u1/bad.csv", []byte("when,amount\n2024-01-01,1\n"), ContentType))
	_, err = svc.Ingest(ctx, "user-uploads/u1/bad.csv")
	assert.Error(t, err)
}
