package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/storage"
)

func TestReadings(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, d := range []string{"2024-01-03", "2024-01-01", "2024-01-02"} {
		if err := s.PutReading(ctx, energy.Reading{UserID: "u1", Date: d, EnergyUsage: 1, Source: "manual"}); err != nil {
			t.Fatalf("put reading: %v", err)
		}
	}
	// replacing the same day keeps one row
	if err := s.PutReading(ctx, energy.Reading{UserID: "u1", Date: "2024-01-02", EnergyUsage: 9}); err != nil {
		t.Fatalf("put reading: %v", err)
	}
	_ = s.PutReading(ctx, energy.Reading{UserID: "u2", Date: "2024-01-05", EnergyUsage: 4})

	got, err := s.QueryReadings(ctx, "u1", "2024-01-02", "2024-01-03")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Date != "2024-01-02" || got[0].EnergyUsage != 9 || got[1].Date != "2024-01-03" {
		t.Fatalf("unexpected query result %+v", got)
	}

	all, _ := s.ListReadings(ctx, "u1")
	if len(all) != 3 || all[0].Date != "2024-01-01" {
		t.Fatalf("unexpected list %+v", all)
	}

	latest, err := s.LatestReading(ctx, "u1")
	if err != nil || latest.Date != "2024-01-03" {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	if _, err := s.LatestReading(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanReadingsPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 1; i <= 5; i++ {
		_ = s.PutReading(ctx, energy.Reading{UserID: "u1", Date: fmt.Sprintf("2024-02-0%d", i), EnergyUsage: float64(i)})
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, next, err := s.ScanReadings(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		pages++
		for _, r := range page {
			seen = append(seen, r.Date)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if pages != 3 || len(seen) != 5 || seen[4] != "2024-02-05" {
		t.Fatalf("pages=%d seen=%v", pages, seen)
	}
}

func TestProfileThresholdKeepsModel(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetProfile(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetModel(ctx, "u1", "endpoint-1", "2024-01-01"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if err := s.PutThreshold(ctx, "u1", 42.5, 1000); err != nil {
		t.Fatalf("put threshold: %v", err)
	}

	p, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Threshold == nil || *p.Threshold != 42.5 || p.ModelEndpoint != "endpoint-1" || p.TrainingStartDate != "2024-01-01" {
		t.Fatalf("unexpected profile %+v", p)
	}

	*p.Threshold = 1
	again, _ := s.GetProfile(ctx, "u1")
	if *again.Threshold != 42.5 {
		t.Fatalf("stored profile mutated through returned copy")
	}
}

func TestConnections(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.PutConnection(ctx, connection.Connection{ConnectionID: "b", UserID: "u1"})
	_ = s.PutConnection(ctx, connection.Connection{ConnectionID: "a", UserID: "u1"})
	_ = s.PutConnection(ctx, connection.Connection{ConnectionID: "c", UserID: "u2"})

	conns, _ := s.ListConnections(ctx, "u1")
	if len(conns) != 2 || conns[0].ConnectionID != "a" {
		t.Fatalf("unexpected connections %+v", conns)
	}
	_ = s.DeleteConnection(ctx, "a")
	conns, _ = s.ListConnections(ctx, "u1")
	if len(conns) != 1 || conns[0].ConnectionID != "b" {
		t.Fatalf("unexpected connections after delete %+v", conns)
	}
}
