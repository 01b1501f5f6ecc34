package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp csv: %v", err)
	}
	return path
}

func TestCSVTickFile(t *testing.T) {
	path := writeTempCSV(t, "1700000000000,42000.5,0.25,buy\n1700000001000,42001,0.1\n")

	src, err := NewCSV(path, testMeta(models.ResolutionTick))
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	var ticks []models.Tick
	for src.Next() {
		ticks = append(ticks, src.Current().(models.Tick))
	}
	if src.Err() != nil {
		t.Fatalf("unexpected error: %v", src.Err())
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Side != "buy" {
		t.Fatalf("unexpected side on first tick: %q", ticks[0].Side)
	}
	if ticks[1].Side != "" {
		t.Fatalf("expected empty side on second tick, got %q", ticks[1].Side)
	}
	if !ticks[1].Price.Equal(decimal.NewFromInt(42001)) {
		t.Fatalf("unexpected price on second tick: %s", ticks[1].Price)
	}
}

func TestCSVBarFile(t *testing.T) {
	path := writeTempCSV(t, "1700000000000,100,110,95,105,12.5\n")

	src, err := NewCSV(path, testMeta(models.ResolutionHour))
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	if !src.Next() {
		t.Fatalf("expected one bar, got none (err: %v)", src.Err())
	}
	bar := src.Current().(models.Bar)
	if bar.Resolution != models.ResolutionHour {
		t.Fatalf("unexpected resolution: %s", bar.Resolution)
	}
	if !bar.Volume.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected volume: %s", bar.Volume)
	}
	if src.Next() {
		t.Fatal("expected exhaustion after one row")
	}
}

func TestCSVMalformedRow(t *testing.T) {
	path := writeTempCSV(t, "1700000000000,42000.5,0.25\nnot-a-timestamp,1,1\n")

	src, err := NewCSV(path, testMeta(models.ResolutionTick))
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	if !src.Next() {
		t.Fatalf("expected first row to parse (err: %v)", src.Err())
	}
	if src.Next() {
		t.Fatal("expected malformed row to stop enumeration")
	}
	if src.Err() == nil {
		t.Fatal("expected a parse error to be recorded")
	}
}

func TestCSVMissingFile(t *testing.T) {
	if _, err := NewCSV(filepath.Join(t.TempDir(), "absent.csv"), testMeta(models.ResolutionTick)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCSVNextAfterClose(t *testing.T) {
	path := writeTempCSV(t, "1700000000000,42000.5,0.25\n")

	src, err := NewCSV(path, testMeta(models.ResolutionTick))
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if src.Next() {
		t.Fatal("expected Next to return false after Close")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("expected idempotent Close, got %v", err)
	}
}
