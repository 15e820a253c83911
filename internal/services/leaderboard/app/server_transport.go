package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/standings.live/internal/platform/errors"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/domain"
)

type wsIdentityContextKey struct{}

type scoreRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Increment     int64  `json:"increment"`
	ActionToken   string `json:"action_token,omitempty"`
	SentAtMillis  int64  `json:"sent_at_ms,omitempty"`
}

type scoreResponse struct {
	DeltaID       string `json:"delta_id"`
	ParticipantID string `json:"participant_id"`
	Increment     int64  `json:"increment"`
	PreviousScore int64  `json:"previous_score"`
	NewScore      int64  `json:"new_score"`
	AppliedAt     string `json:"applied_at"`
}

type leaderboardResponse struct {
	Entries    []boardEntry `json:"entries"`
	Total      int64        `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	ComputedAt string       `json:"computed_at"`
	Caller     *callerRank  `json:"caller,omitempty"`
}

type callerRank struct {
	ParticipantID string `json:"participant_id"`
	Rank          int64  `json:"rank"`
}

type rankResponse struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Score         int64  `json:"score"`
	Rank          int64  `json:"rank"`
	Total         int64  `json:"total"`
}

type deltaView struct {
	DeltaID       string `json:"delta_id"`
	Increment     int64  `json:"increment"`
	PreviousScore int64  `json:"previous_score"`
	NewScore      int64  `json:"new_score"`
	ActionToken   string `json:"action_token,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type deltasResponse struct {
	ParticipantID string      `json:"participant_id"`
	Deltas        []deltaView `json:"deltas"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func newHandler(mutator *domain.Mutator, engine *domain.Engine, hub *boardHub, verifier tokenVerifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/v1/scores", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleApplyScore(w, r, mutator, verifier)
	})

	mux.HandleFunc("/v1/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleLeaderboard(w, r, engine, verifier)
	})

	mux.HandleFunc("/v1/participants/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleParticipant(w, r, mutator, engine)
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, engine)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if verifier != nil {
			token := bearerTokenFromRequest(r)
			if token == "" {
				log.Printf("leaderboard: websocket unauthorized: missing credential for remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			who, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.Printf("leaderboard: websocket unauthorized for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsIdentityContextKey{}, who))
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// bearerTokenFromRequest extracts the credential from the Authorization
// header, falling back to the session cookie for browser clients.
func bearerTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleApplyScore(w http.ResponseWriter, r *http.Request, mutator *domain.Mutator, verifier tokenVerifier) {
	var req scoreRequest
	body := http.MaxBytesReader(w, r.Body, maxFramePayloadBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeMalformedInput, "invalid request body", err))
		return
	}

	participantID := strings.TrimSpace(req.ParticipantID)
	if verifier != nil {
		who, err := verifier.Verify(r.Context(), bearerTokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		participantID = who.ParticipantID
	}

	var sentAt time.Time
	if req.SentAtMillis != 0 {
		sentAt = time.UnixMilli(req.SentAtMillis).UTC()
	}

	result, err := mutator.ApplyDelta(r.Context(), domain.ApplyDeltaRequest{
		ParticipantID: participantID,
		Increment:     req.Increment,
		ActionToken:   strings.TrimSpace(req.ActionToken),
		SentAt:        sentAt,
		OriginAddr:    r.RemoteAddr,
		OriginAgent:   r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scoreResponse{
		DeltaID:       result.DeltaID,
		ParticipantID: result.ParticipantID,
		Increment:     result.Increment,
		PreviousScore: result.PreviousScore,
		NewScore:      result.NewScore,
		AppliedAt:     result.AppliedAt.Format(time.RFC3339),
	})
}

func handleLeaderboard(w http.ResponseWriter, r *http.Request, engine *domain.Engine, verifier tokenVerifier) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	listing, err := engine.TopN(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]boardEntry, 0, len(listing.Entries))
	for _, entry := range listing.Entries {
		entries = append(entries, boardEntry{
			ParticipantID: entry.ParticipantID,
			DisplayName:   entry.DisplayName,
			Score:         entry.Score,
			Rank:          entry.Rank,
		})
	}

	resp := leaderboardResponse{
		Entries:    entries,
		Total:      listing.Total,
		Limit:      listing.Limit,
		Offset:     listing.Offset,
		ComputedAt: listing.ComputedAt.UTC().Format(time.RFC3339),
	}

	// An authenticated caller gets its own rank alongside the page.
	if verifier != nil {
		if token := bearerTokenFromRequest(r); token != "" {
			if who, err := verifier.Verify(r.Context(), token); err == nil {
				if rank, err := engine.Rank(r.Context(), who.ParticipantID); err == nil {
					resp.Caller = &callerRank{ParticipantID: who.ParticipantID, Rank: rank}
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func handleParticipant(w http.ResponseWriter, r *http.Request, mutator *domain.Mutator, engine *domain.Engine) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/participants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		http.NotFound(w, r)
		return
	}
	participantID := strings.TrimSpace(parts[0])

	switch parts[1] {
	case "rank":
		handleParticipantRank(w, r, engine, participantID)
	case "deltas":
		handleParticipantDeltas(w, r, mutator, participantID)
	default:
		http.NotFound(w, r)
	}
}

func handleParticipantRank(w http.ResponseWriter, r *http.Request, engine *domain.Engine, participantID string) {
	record, err := engine.Score(r.Context(), participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	rank, err := engine.Rank(r.Context(), participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := engine.Total(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rankResponse{
		ParticipantID: record.ParticipantID,
		DisplayName:   record.DisplayName,
		Score:         record.Score,
		Rank:          rank,
		Total:         total,
	})
}

func handleParticipantDeltas(w http.ResponseWriter, r *http.Request, mutator *domain.Mutator, participantID string) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit > maxAuditTrailLimit {
		limit = maxAuditTrailLimit
	}

	deltas, err := mutator.AuditTrail(r.Context(), participantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]deltaView, 0, len(deltas))
	for _, delta := range deltas {
		views = append(views, deltaView{
			DeltaID:       delta.ID,
			Increment:     delta.Increment,
			PreviousScore: delta.PreviousScore,
			NewScore:      delta.NewScore,
			ActionToken:   delta.ActionToken,
			CreatedAt:     delta.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, deltasResponse{ParticipantID: participantID, Deltas: views})
}

func handleWSConn(conn *websocket.Conn, hub *boardHub, engine *domain.Engine) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	who := identity{ParticipantID: "observer"}
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(identity); ok && resolved.ParticipantID != "" {
			who = resolved
		}
	}

	attached := newBoardConn(peer, who.ParticipantID, conn)
	hub.attach(attached)
	defer hub.detach(attached)

	_ = peer.writeFrame(wsFrame{
		Type: "board.hello",
		Payload: mustJSON(helloPayload{
			ParticipantID: who.ParticipantID,
			DisplayName:   who.DisplayName,
			ServerTime:    time.Now().UTC().Format(time.RFC3339),
		}),
	})

	// Every new connection observes the current board exactly once before
	// any incremental pushes.
	if listing, err := engine.TopN(conn.Request().Context(), domain.DefaultLimit, 0); err != nil {
		log.Printf("leaderboard: initial board snapshot for %s: %v", who.ParticipantID, err)
		_ = writeWSError(peer, "", "UNAVAILABLE", "board snapshot unavailable")
	} else {
		_ = peer.writeFrame(boardUpdateFrame(listing, nil))
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "board.subscribe":
			// Subscription happens on attach; repeated subscribe frames
			// are acknowledged without side effects.
			_ = peer.writeFrame(wsFrame{
				Type:      "board.subscribed",
				RequestID: frame.RequestID,
				Payload:   mustJSON(subscribedPayload{Status: "ok"}),
			})
		case "board.probe":
			_ = peer.writeFrame(wsFrame{Type: "board.probe.ack", RequestID: frame.RequestID})
		case "board.probe.ack":
			attached.probeAnswered()
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "board.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.WithMetadata(apperrors.CodeMalformedInput,
			name+" must be an integer", map[string]string{name: raw})
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("leaderboard: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if code == apperrors.CodeConsistencyViolation {
		log.Printf("leaderboard: consistency violation surfaced: %v", err)
		message = "internal error"
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{
		Error: errorPayload{
			Code:      string(code),
			Message:   message,
			Retryable: code.Retryable(),
		},
	})
}
