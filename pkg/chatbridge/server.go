package chatbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/router"
	"github.com/leon-ai/leon/pkg/ttlcache"
)

// dedupeTTL matches spec.md §6's "Bridge-sent dedupe set evicts entries
// older than 5min".
const dedupeTTL = 5 * time.Minute

// Router is the subset of pkg/router.Router the bridge inbound handler
// needs — an utterance in, an emission out.
type Router interface {
	Route(ctx context.Context, u router.Utterance) router.Emission
}

// Server exposes the bridge's inbound POST endpoint, deduping by message
// id over a rolling 5-minute window so a bridge's at-least-once delivery
// doesn't double-route the same message.
type Server struct {
	rt     Router
	dedupe *ttlcache.Cache
	logger *logx.Logger
}

// NewServer builds a bridge inbound Server. maxDedupeEntries bounds the
// dedupe set's memory footprint; 0 leaves it unbounded.
func NewServer(rt Router, maxDedupeEntries int, logger *logx.Logger) *Server {
	return &Server{
		rt:     rt,
		dedupe: ttlcache.New(dedupeTTL, maxDedupeEntries),
		logger: logger,
	}
}

// Handler returns the bridge inbound POST handler for mounting on a mux.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg InboundMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if msg.ID == "" || s.dedupe.Contains(msg.ID) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.dedupe.Insert(msg.ID)

		emission := s.rt.Route(r.Context(), router.Utterance{
			Timestamp: time.Now(),
			Source:    router.SourceWhatsApp,
			Text:      msg.Text,
			SenderID:  msg.SenderID,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":   msg.ID,
			"text": emission.Text,
			"kind": string(emission.Kind),
		})
	}
}

// Close releases the dedupe cache's background sweep goroutine.
func (s *Server) Close() {
	s.dedupe.Close()
}
