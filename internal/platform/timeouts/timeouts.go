// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// Storage caps the time allowed for a single ledger unit of work. A score
// mutation that cannot commit within this window is rolled back and reported
// as retryable.
const Storage = 5 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Probe is the interval between liveness probes on realtime connections.
const Probe = 30 * time.Second

// BusRetry is the pause before re-dialing the broadcast channel after a
// consume failure.
const BusRetry = time.Second
