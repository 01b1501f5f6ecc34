package source

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

func testMeta(resolution models.Resolution) models.Meta {
	return models.Meta{
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Resolution: resolution,
	}
}

func TestSliceEnumeration(t *testing.T) {
	meta := testMeta(models.ResolutionTick)
	records := []models.Record{
		models.Tick{Meta: meta, Price: decimal.NewFromInt(100)},
		models.Tick{Meta: meta, Price: decimal.NewFromInt(101)},
		models.Tick{Meta: meta, Price: decimal.NewFromInt(102)},
	}

	src := NewSlice(records)
	var got []models.Record
	for src.Next() {
		got = append(got, src.Current())
	}
	if src.Err() != nil {
		t.Fatalf("unexpected error: %v", src.Err())
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		want := records[i].(models.Tick).Price
		have := got[i].(models.Tick).Price
		if !want.Equal(have) {
			t.Fatalf("record %d: expected price %s, got %s", i, want, have)
		}
	}
}

func TestSliceExhausted(t *testing.T) {
	src := NewSlice(nil)
	if src.Next() {
		t.Fatal("expected Next to return false on empty source")
	}
	if src.Current() != nil {
		t.Fatal("expected nil Current after exhaustion")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if src.Next() {
		t.Fatal("expected Next to return false after Close")
	}
}

func TestSliceCloseStopsEnumeration(t *testing.T) {
	meta := testMeta(models.ResolutionTick)
	src := NewSlice([]models.Record{
		models.Tick{Meta: meta},
		models.Tick{Meta: meta},
	})
	if !src.Next() {
		t.Fatal("expected first advance to succeed")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if src.Next() {
		t.Fatal("expected Next to return false after Close")
	}
}

func TestParseTickRow(t *testing.T) {
	meta := testMeta(models.ResolutionTick)

	rec, err := parseTickRow([]string{"1700000000000", "42000.5", "0.25", "buy"}, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tick, ok := rec.(models.Tick)
	if !ok {
		t.Fatalf("expected Tick, got %T", rec)
	}
	if !tick.Price.Equal(decimal.RequireFromString("42000.5")) {
		t.Fatalf("unexpected price: %s", tick.Price)
	}
	if !tick.Size.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected size: %s", tick.Size)
	}
	if tick.Side != "buy" {
		t.Fatalf("unexpected side: %q", tick.Side)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !tick.Time.Equal(want) {
		t.Fatalf("expected time %v, got %v", want, tick.Time)
	}
}

func TestParseTickRowInvalid(t *testing.T) {
	meta := testMeta(models.ResolutionTick)
	cases := [][]string{
		{"1700000000000"},
		{"not-a-timestamp", "42000.5", "0.25"},
		{"1700000000000", "not-a-price", "0.25"},
		{"1700000000000", "42000.5", "not-a-size"},
	}
	for _, row := range cases {
		if _, err := parseTickRow(row, meta); err == nil {
			t.Fatalf("expected error for row %v", row)
		}
	}
}

func TestParseBarRow(t *testing.T) {
	meta := testMeta(models.ResolutionMinute)

	rec, err := parseBarRow([]string{"1700000000000", "100", "110", "95", "105", "12.5"}, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bar, ok := rec.(models.Bar)
	if !ok {
		t.Fatalf("expected Bar, got %T", rec)
	}
	if !bar.Open.Equal(decimal.NewFromInt(100)) || !bar.Close.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("unexpected open/close: %s/%s", bar.Open, bar.Close)
	}
	if !bar.High.Equal(decimal.NewFromInt(110)) || !bar.Low.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("unexpected high/low: %s/%s", bar.High, bar.Low)
	}
	if !bar.Volume.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected volume: %s", bar.Volume)
	}
	if bar.Resolution != models.ResolutionMinute {
		t.Fatalf("unexpected resolution: %s", bar.Resolution)
	}
}

func TestParseBarRowInvalid(t *testing.T) {
	meta := testMeta(models.ResolutionMinute)
	cases := [][]string{
		{"1700000000000", "100", "110", "95", "105"},
		{"1700000000000", "bad", "110", "95", "105", "12.5"},
	}
	for _, row := range cases {
		if _, err := parseBarRow(row, meta); err == nil {
			t.Fatalf("expected error for row %v", row)
		}
	}
}
