// Package seed populates a local ledger with demo standings data.
package seed

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	entrypoint "github.com/louisbranch/standings.live/internal/platform/cmd"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/domain"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage/sqlite"
)

var demoParticipants = []struct {
	ID   string
	Name string
}{
	{ID: "ada", Name: "Ada"},
	{ID: "grace", Name: "Grace"},
	{ID: "edsger", Name: "Edsger"},
	{ID: "barbara", Name: "Barbara"},
	{ID: "donald", Name: "Donald"},
	{ID: "leslie", Name: "Leslie"},
	{ID: "tony", Name: "Tony"},
	{ID: "ken", Name: "Ken"},
}

// Config holds seed command configuration.
type Config struct {
	SQLitePath string `env:"STANDINGS_SQLITE_PATH" envDefault:"standings.db"`
	Deltas     int
	Seed       int64
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "ledger SQLite database path")
	fs.IntVar(&cfg.Deltas, "deltas", 25, "score deltas to apply per participant")
	fs.Int64Var(&cfg.Seed, "seed", 0, "random seed for reproducibility (0 = random)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run registers demo participants and applies random score deltas through the
// mutation pipeline, so the seeded ledger carries a real audit trail.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.Deltas <= 0 {
		cfg.Deltas = 25
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(context.Context) error {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		defer store.Close()

		mutator := domain.NewMutator(store, cache.NewMemory(), nil)
		for _, participant := range demoParticipants {
			if err := mutator.Register(ctx, participant.ID, participant.Name); err != nil {
				return fmt.Errorf("register %s: %w", participant.ID, err)
			}
		}

		// Each participant gets its own goroutine so the seed exercises
		// the mutation pipeline under concurrent writers.
		group, groupCtx := errgroup.WithContext(ctx)
		for i, participant := range demoParticipants {
			participant := participant
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			group.Go(func() error {
				for n := 0; n < cfg.Deltas; n++ {
					increment := int64(rng.Intn(domain.MaxIncrement)) + 1
					if _, err := mutator.ApplyDelta(groupCtx, domain.ApplyDeltaRequest{
						ParticipantID: participant.ID,
						Increment:     increment,
					}); err != nil {
						return fmt.Errorf("apply delta for %s: %w", participant.ID, err)
					}
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		listing, err := domain.NewEngine(store, nil).TopN(ctx, len(demoParticipants), 0)
		if err != nil {
			return fmt.Errorf("read seeded standings: %w", err)
		}
		fmt.Fprintln(out, "Seeded standings:")
		for _, entry := range listing.Entries {
			fmt.Fprintf(out, "  %2d. %-10s %6d\n", entry.Rank, entry.DisplayName, entry.Score)
		}
		return nil
	})
}
