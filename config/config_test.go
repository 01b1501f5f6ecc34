package config

import (
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `marketfeed:
  name: "TestFeed"
  version: "1.0"
subscriptions:
  - exchange: binance
    symbol: BTCUSDT
    resolution: minute
    source: csv
    path: testdata/bars.csv
storage:
  s3:
    enabled: false
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketfeed.Name != "TestFeed" {
		t.Errorf("unexpected name: %s", cfg.Marketfeed.Name)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].Symbol != "BTCUSDT" {
		t.Errorf("unexpected subscriptions: %+v", cfg.Subscriptions)
	}
	if !cfg.Metrics.QueueDepth {
		t.Errorf("expected queue depth metrics enabled by default")
	}
}

func TestLoadConfigMissingSubscriptionFields(t *testing.T) {
	path := writeTempConfig(t, `marketfeed:
  name: "TestFeed"
  version: "1.0"
subscriptions:
  - exchange: binance
    symbol: BTCUSDT
`)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing resolution")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FEED_TEST_BUCKET", "feed-data")

	path := writeTempConfig(t, `marketfeed:
  name: "TestFeed"
  version: "1.0"
storage:
  s3:
    enabled: false
    bucket: "${FEED_TEST_BUCKET}"
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "feed-data" {
		t.Errorf("env expansion failed: %s", cfg.Storage.S3.Bucket)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
