// Package leaderboard implements the real-time competition standings service.
//
// It keeps score mutation, rank query, and WebSocket fan-out concerns in
// separate packages: domain owns the mutation pipeline and rank reads, storage
// owns the durable ledger, cache and broadcast own the shared snapshot and the
// cross-instance relay, and app owns the transport boundary.
package leaderboard
