package leaderboard

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.CacheBackend != CacheMemory {
		t.Errorf("cache backend = %q, want %q", cfg.CacheBackend, CacheMemory)
	}
	if cfg.BusBackend != BusMemory {
		t.Errorf("bus backend = %q, want %q", cfg.BusBackend, BusMemory)
	}
}

func TestParseConfigFlagsOverrideEnvDefaults(t *testing.T) {
	t.Setenv("STANDINGS_HTTP_ADDR", ":9999")
	t.Setenv("STANDINGS_BUS_BACKEND", "kafka")

	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", ":7777"})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Errorf("http addr = %q, want flag value :7777", cfg.HTTPAddr)
	}
	if cfg.BusBackend != BusKafka {
		t.Errorf("bus backend = %q, want env value kafka", cfg.BusBackend)
	}
}

func TestOpenBusRejectsUnknownBackend(t *testing.T) {
	if _, err := openBus(Config{BusBackend: "carrier-pigeon"}); err == nil {
		t.Fatal("expected an error for an unknown bus backend")
	}
}

func TestOpenCacheRejectsUnknownBackend(t *testing.T) {
	if _, _, err := openCache(Config{CacheBackend: "papyrus"}); err == nil {
		t.Fatal("expected an error for an unknown cache backend")
	}
}

func TestSplitBrokers(t *testing.T) {
	brokers := splitBrokers(" kafka-1:9092, kafka-2:9092 ,,")
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers = %v", brokers)
	}
}
