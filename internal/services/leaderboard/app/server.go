package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/standings.live/internal/platform/timeouts"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/broadcast"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/domain"
)

const (
	tokenCookieName = "standings_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	// maxMissedProbes is how many consecutive unanswered liveness probes a
	// connection may accumulate before it is closed.
	maxMissedProbes = 2

	maxAuditTrailLimit = 100
)

// Config defines the inputs for the leaderboard transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	ProbeInterval     time.Duration

	// Token verification settings. When TokenPublicKey is empty the
	// authenticated surfaces are disabled and requests must carry an
	// explicit participant id, which is only acceptable for local
	// development and tests.
	TokenIssuer    string
	TokenAudience  string
	TokenPublicKey string
}

// Dependencies carries the wired domain collaborators. The server owns their
// use, not their lifecycle.
type Dependencies struct {
	Mutator *domain.Mutator
	Engine  *domain.Engine
	Bus     broadcast.Bus
}

// Server hosts the leaderboard HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *boardHub

	subscriptionStop context.CancelFunc
	subscriptionDone chan struct{}
	probeStop        context.CancelFunc
	probeDone        chan struct{}
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type helloPayload struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	ServerTime    string `json:"server_time"`
}

type subscribedPayload struct {
	Status string `json:"status"`
}

type boardEntry struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Score         int64  `json:"score"`
	Rank          int64  `json:"rank"`
}

type boardSnapshot struct {
	Entries    []boardEntry `json:"entries"`
	Total      int64        `json:"total"`
	ComputedAt string       `json:"computed_at"`
}

type changedEntry struct {
	ParticipantID string `json:"participant_id"`
	Rank          int64  `json:"rank"`
}

type boardUpdatePayload struct {
	Board   boardSnapshot `json:"board"`
	Changed *changedEntry `json:"changed,omitempty"`
}

// NewServer builds a configured leaderboard server and starts its broadcast
// subscription and liveness probe loops.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if deps.Mutator == nil {
		return nil, errors.New("score mutator is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("rank query engine is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = timeouts.Probe
	}

	grantCheck, err := newGrantVerifier(config.TokenIssuer, config.TokenAudience, config.TokenPublicKey, nil)
	if err != nil {
		return nil, fmt.Errorf("configure token verifier: %w", err)
	}
	var verifier tokenVerifier
	if grantCheck != nil {
		verifier = grantCheck
	}

	hub := newBoardHub()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps.Mutator, deps.Engine, hub, verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             hub,
	}
	server.subscriptionStop, server.subscriptionDone = startRankUpdateSubscription(deps.Bus, hub, deps.Engine)
	server.probeStop, server.probeDone = startProbeLoop(hub, config.ProbeInterval)
	return server, nil
}

// Run creates and serves a leaderboard server until the context ends.
func Run(ctx context.Context, config Config, deps Dependencies) error {
	server, err := NewServer(config, deps)
	if err != nil {
		return fmt.Errorf("init leaderboard server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve leaderboard: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("leaderboard server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("leaderboard server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close stops the broadcast subscription and probe loops and detaches every
// realtime connection.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.subscriptionStop != nil {
		s.subscriptionStop()
	}
	if s.probeStop != nil {
		s.probeStop()
	}
	if s.subscriptionDone != nil {
		<-s.subscriptionDone
	}
	if s.probeDone != nil {
		<-s.probeDone
	}
	s.hub.closeAll()
}

func startProbeLoop(hub *boardHub, interval time.Duration) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.sweepProbes()
			}
		}
	}()
	return cancel, done
}

func startRankUpdateSubscription(bus broadcast.Bus, hub *boardHub, engine *domain.Engine) (context.CancelFunc, chan struct{}) {
	if bus == nil {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := bus.Subscribe(ctx, func(event broadcast.Event) {
			pushRankUpdate(ctx, hub, engine, event)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("leaderboard: broadcast subscription ended: %v", err)
		}
	}()
	return cancel, done
}

// pushRankUpdate refetches the current board and fans it out to every locally
// attached connection. The changed participant's new rank rides along when it
// can be resolved; a failed lookup degrades to a plain snapshot push.
func pushRankUpdate(ctx context.Context, hub *boardHub, engine *domain.Engine, event broadcast.Event) {
	if hub.empty() {
		return
	}

	listing, err := engine.TopN(ctx, domain.DefaultLimit, 0)
	if err != nil {
		log.Printf("leaderboard: refetch board for broadcast: %v", err)
		return
	}

	var changed *changedEntry
	if event.ParticipantID != "" {
		rank, err := engine.Rank(ctx, event.ParticipantID)
		if err != nil {
			log.Printf("leaderboard: resolve changed rank for %s: %v", event.ParticipantID, err)
		} else {
			changed = &changedEntry{ParticipantID: event.ParticipantID, Rank: rank}
		}
	}

	hub.broadcastFrame(boardUpdateFrame(listing, changed))
}

func boardUpdateFrame(listing domain.Listing, changed *changedEntry) wsFrame {
	entries := make([]boardEntry, 0, len(listing.Entries))
	for _, entry := range listing.Entries {
		entries = append(entries, boardEntry{
			ParticipantID: entry.ParticipantID,
			DisplayName:   entry.DisplayName,
			Score:         entry.Score,
			Rank:          entry.Rank,
		})
	}
	return wsFrame{
		Type: "board.update",
		Payload: mustJSON(boardUpdatePayload{
			Board: boardSnapshot{
				Entries:    entries,
				Total:      listing.Total,
				ComputedAt: listing.ComputedAt.UTC().Format(time.RFC3339),
			},
			Changed: changed,
		}),
	}
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
