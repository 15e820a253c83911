// Package leaderboard parses leaderboard command flags and composes the
// service entrypoint.
package leaderboard

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	entrypoint "github.com/louisbranch/standings.live/internal/platform/cmd"
	server "github.com/louisbranch/standings.live/internal/services/leaderboard/app"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/broadcast"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	cachebbolt "github.com/louisbranch/standings.live/internal/services/leaderboard/cache/bbolt"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/domain"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage/sqlite"
)

// Cache and bus backend names accepted by configuration.
const (
	CacheMemory = "memory"
	CacheBBolt  = "bbolt"

	BusMemory = "memory"
	BusKafka  = "kafka"
)

// Config holds leaderboard command configuration.
type Config struct {
	HTTPAddr   string `env:"STANDINGS_HTTP_ADDR"        envDefault:":8080"`
	SQLitePath string `env:"STANDINGS_SQLITE_PATH"      envDefault:"standings.db"`

	CacheBackend string `env:"STANDINGS_CACHE_BACKEND"  envDefault:"memory"`
	CachePath    string `env:"STANDINGS_CACHE_PATH"     envDefault:"standings-cache.db"`

	BusBackend  string `env:"STANDINGS_BUS_BACKEND"     envDefault:"memory"`
	KafkaBroker string `env:"STANDINGS_KAFKA_BROKERS"   envDefault:"localhost:9092"`
	KafkaTopic  string `env:"STANDINGS_KAFKA_TOPIC"     envDefault:"standings.rank-changes"`

	TokenIssuer    string `env:"STANDINGS_TOKEN_ISSUER"`
	TokenAudience  string `env:"STANDINGS_TOKEN_AUDIENCE"`
	TokenPublicKey string `env:"STANDINGS_TOKEN_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "leaderboard HTTP listen address")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "ledger SQLite database path")
	fs.StringVar(&cfg.CacheBackend, "cache-backend", cfg.CacheBackend, "rank cache backend (memory or bbolt)")
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "rank cache file path for the bbolt backend")
	fs.StringVar(&cfg.BusBackend, "bus-backend", cfg.BusBackend, "broadcast bus backend (memory or kafka)")
	fs.StringVar(&cfg.KafkaBroker, "kafka-brokers", cfg.KafkaBroker, "comma-separated kafka broker addresses")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "kafka topic carrying rank-change publications")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected participation grant issuer")
	fs.StringVar(&cfg.TokenAudience, "token-audience", cfg.TokenAudience, "expected participation grant audience")
	fs.StringVar(&cfg.TokenPublicKey, "token-public-key", cfg.TokenPublicKey, "base64 ed25519 public key for grant verification")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the leaderboard app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLeaderboard, func(context.Context) error {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close ledger store: %v", err)
			}
		}()

		rankCache, closeCache, err := openCache(cfg)
		if err != nil {
			return fmt.Errorf("open rank cache: %w", err)
		}
		defer closeCache()

		bus, err := openBus(cfg)
		if err != nil {
			return fmt.Errorf("open broadcast bus: %w", err)
		}
		defer func() {
			if err := bus.Close(); err != nil {
				log.Printf("close broadcast bus: %v", err)
			}
		}()

		deps := server.Dependencies{
			Mutator: domain.NewMutator(store, rankCache, bus),
			Engine:  domain.NewEngine(store, rankCache),
			Bus:     bus,
		}
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			TokenIssuer:    cfg.TokenIssuer,
			TokenAudience:  cfg.TokenAudience,
			TokenPublicKey: cfg.TokenPublicKey,
		}, deps); err != nil {
			return fmt.Errorf("serve leaderboard: %w", err)
		}
		return nil
	})
}

func openCache(cfg Config) (cache.Cache, func(), error) {
	switch strings.TrimSpace(cfg.CacheBackend) {
	case CacheMemory, "":
		return cache.NewMemory(), func() {}, nil
	case CacheBBolt:
		store, err := cachebbolt.Open(cfg.CachePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("close rank cache: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func openBus(cfg Config) (broadcast.Bus, error) {
	switch strings.TrimSpace(cfg.BusBackend) {
	case BusMemory, "":
		return broadcast.NewMemory(), nil
	case BusKafka:
		brokers := splitBrokers(cfg.KafkaBroker)
		return broadcast.NewKafka(brokers, strings.TrimSpace(cfg.KafkaTopic))
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
