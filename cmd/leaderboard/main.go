// Package main starts the leaderboard service and handles termination.
//
// The process composes the ledger store, rank cache, broadcast bus, and the
// HTTP/WebSocket transport into one deployable unit.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	leaderboardcmd "github.com/louisbranch/standings.live/internal/cmd/leaderboard"
)

func main() {
	cfg, err := leaderboardcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LEADERBOARD] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := leaderboardcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
