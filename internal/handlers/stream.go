package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/go-chi/chi/v5"
)

// streamRateLimit is the number of input messages accepted per second per
// stream connection. Messages beyond the rate are dropped.
const streamRateLimit = 200

// streamRateBurst lets short bursts such as pastes through.
const streamRateBurst = 200

// maxStreamInput bounds a single input message.
const maxStreamInput = 64 * 1024

// Stream relays live session output over a WebSocket. Binary and text
// messages from the client are written to the session unmodified. Watching
// a stream does not move the diff cursor and does not count as a read.
//
// Query parameters:
//   - replay: "all" first sends the retained buffer; by default only output
//     produced after the connection is relayed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	s, err := a.Sessions.GetOrCreate(r.Context(), target, console.ConnectOptions{})
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[stream] accept %s: %v", logutil.SanitizeForLog(target), err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxStreamInput)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"target":     target,
		"session_id": s.ID,
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}
	log.Printf("[stream] attached to %s (session %s)", logutil.SanitizeForLog(target), s.ID)
	defer log.Printf("[stream] detached from %s", logutil.SanitizeForLog(target))

	// Client -> session
	go func() {
		defer cancel()
		limiter := newTokenBucket(streamRateBurst, streamRateLimit)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if !limiter.allow() || len(data) == 0 {
				continue
			}
			if err := a.Sessions.Input(ctx, target, data); err != nil {
				log.Printf("[stream] input to %s: %v", logutil.SanitizeForLog(target), err)
				return
			}
		}
	}()

	// Session -> client
	mark := s.Buffer.End()
	if r.URL.Query().Get("replay") == "all" {
		mark = 0
	}
	for {
		changed := s.Buffer.Changed()
		chunk, end := s.Buffer.ReadFrom(mark)
		mark = end
		if len(chunk) > 0 {
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
		if s.Buffer.IsClosed() {
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changed:
		}
	}
}

// tokenBucket is a simple token bucket limiting stream input messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow reports whether a message may pass and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
