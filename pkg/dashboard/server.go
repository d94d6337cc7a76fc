package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leon-ai/leon/internal/config"
	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/limiter"
	"github.com/leon-ai/leon/pkg/router"
)

// Router is the subset of pkg/router.Router the dashboard needs to turn an
// "input" frame into a routed reply.
type Router interface {
	Route(ctx context.Context, u router.Utterance) router.Emission
}

// rateLimitKey is the single shared token-bucket model key used for every
// non-loopback dashboard connection (spec.md §6: "20/60s, loopback
// exempt"). A single shared bucket, not one per connection, keeps the
// limiter's static map-of-models shape (pkg/limiter.NewLimiter) usable
// without adding a dynamic-registration path to that package.
const rateLimitKey = "dashboard"

// VoiceControl is the subset of pkg/voice.Daemon the dashboard needs to
// let an operator mute/unmute the speech front-end from the browser.
type VoiceControl interface {
	SetMuted(muted bool)
}

// Server owns the dashboard's HTTP listener, its WebSocket hub, and the
// shared message-rate limiter.
type Server struct {
	addr      string
	authToken string
	hub       *Hub
	rt        Router
	rl        *limiter.Limiter
	logger    *logx.Logger
	voice     VoiceControl

	mux     *http.ServeMux
	httpSrv *http.Server
	stopCh  chan struct{}
}

// New builds a Server bound to addr, authenticating frames against
// authToken. rt may be nil only in tests that exercise the hub directly.
func New(addr, authToken string, rt Router, logger *logx.Logger) *Server {
	s := &Server{
		addr:      addr,
		authToken: authToken,
		hub:       NewHub(logger),
		rt:        rt,
		rl: limiter.NewLimiter(map[string]config.Model{
			rateLimitKey: {Name: rateLimitKey, MaxTPM: 20},
		}),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.serveWS)
	s.mux.HandleFunc("/logs", s.serveLogs)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// SetVoiceControl wires the voice daemon's mute toggle into the
// voice_mute/voice_unmute commands. Optional — unset, those commands are
// acknowledged but have no effect.
func (s *Server) SetVoiceControl(v VoiceControl) { s.voice = v }

// Mount registers an additional handler on the dashboard's own HTTP
// listener, e.g. pkg/chatbridge's inbound POST endpoint (spec.md §6: "HTTP
// POST from bridge into dashboard message endpoint"). Must be called
// before Run.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.Handle(path, h)
}

// Handler exposes the dashboard's routes for embedding in an httptest
// server or a larger mux, without starting its own listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// StartHub starts the hub's fan-out loop without binding a listener; used
// together with Handler() when the caller (or a test) owns the listener.
func (s *Server) StartHub() { go s.hub.Run(s.stopCh) }

// Run starts the hub's fan-out loop and the HTTP listener; it blocks until
// the listener stops (normally via Shutdown), matching the
// daemon-goroutine convention spec.md §4.1/§5 require of the dashboard.
func (s *Server) Run() error {
	s.StartHub()
	s.logger.Info("dashboard: listening on %s", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener and the hub, closing every
// connected client's send channel.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.rl.Close()
	return s.httpSrv.Shutdown(ctx)
}

// BroadcastAgentOutcome pushes an agent_completed/agent_failed frame to
// every connected dashboard client (wired from cmd/leon's supervisor
// outcome handler).
func (s *Server) BroadcastAgentOutcome(taskID string, success bool, text, errText string) {
	frameType := TypeAgentCompleted
	if !success {
		frameType = TypeAgentFailed
	}
	s.hub.Broadcast(OutboundFrame{Type: frameType, TaskID: taskID, Success: success, Text: text, Error: errText})
}

// BroadcastVAD pushes a voice-activity event (pkg/voice's producer seam).
func (s *Server) BroadcastVAD(active bool) {
	s.hub.Broadcast(OutboundFrame{Type: TypeVADEvent, Active: active})
}

func (s *Server) serveLogs(w http.ResponseWriter, r *http.Request) {
	if !s.checkBearer(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	domain := r.URL.Query().Get("domain")
	since := time.Time{}
	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		if t, err := time.Parse(time.RFC3339, sinceParam); err == nil {
			since = t
		}
	}
	entries := logx.GetRecentLogEntries(domain, since)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) checkBearer(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.authToken)) == 1
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("dashboard: upgrade: %v", err)
		return
	}

	c := &Client{
		id:         fmt.Sprintf("dash-%d", time.Now().UnixNano()),
		conn:       conn,
		send:       make(chan []byte, 32),
		hub:        s.hub,
		logger:     s.logger,
		isLoopback: isLoopbackAddr(r.RemoteAddr),
	}
	s.hub.register <- c

	go c.writePump()
	go s.readPump(c)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		s.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("dashboard: client %s read error: %v", c.id, err)
			}
			return
		}

		var frame InboundFrame
		if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil {
			c.sendFrame(OutboundFrame{Type: TypeError, Error: "malformed frame"})
			continue
		}

		if frame.Command == CommandPing {
			c.sendFrame(OutboundFrame{Type: TypePong})
			continue
		}

		if !c.authed {
			if frame.Command != CommandAuth || !s.checkToken(frame.Token) {
				c.sendFrame(OutboundFrame{Type: TypeAuthResult, Success: false})
				return
			}
			c.authed = true
			c.sendFrame(OutboundFrame{Type: TypeAuthResult, Success: true})
			continue
		}

		if !c.isLoopback {
			if err := s.rl.Reserve(rateLimitKey, 1); err != nil {
				c.sendFrame(OutboundFrame{Type: TypeError, ID: frame.ID, Error: "rate limit exceeded"})
				continue
			}
		}

		s.handleCommand(c, frame)
	}
}

func (s *Server) checkToken(token string) bool {
	if s.authToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) handleCommand(c *Client, frame InboundFrame) {
	switch frame.Command {
	case CommandInput:
		if s.rt == nil {
			c.sendFrame(OutboundFrame{Type: TypeError, ID: frame.ID, Error: "router unavailable"})
			return
		}
		emission := s.rt.Route(context.Background(), router.Utterance{
			Timestamp: time.Now(),
			Source:    router.SourceDashboard,
			Text:      frame.Text,
			SenderID:  c.id,
		})
		out := OutboundFrame{Type: TypeInputResponse, ID: frame.ID, Text: emission.Text, TaskID: emission.TaskID}
		if emission.Kind == router.EmissionError {
			out.Success = false
			out.Error = emission.Text
		} else {
			out.Success = true
		}
		c.sendFrame(out)
	case CommandVoiceMute, CommandVoiceUnmute:
		if s.voice != nil {
			s.voice.SetMuted(frame.Command == CommandVoiceMute)
		}
		c.sendFrame(OutboundFrame{Type: TypeInputResponse, ID: frame.ID, Success: true})
	default:
		c.sendFrame(OutboundFrame{Type: TypeError, ID: frame.ID, Error: "unknown command"})
	}
}
