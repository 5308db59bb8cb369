// Package adminws exposes an authenticated WebSocket surface for
// observability tooling. It mirrors the bus broadcast stream and periodic
// cooldown registry snapshots, but holds only a read-only subscription: it
// is never in the message bus's delivery-critical path.
package adminws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fulcrum/messagebus/internal/auth"
	"fulcrum/messagebus/internal/cooldown"
	"fulcrum/messagebus/internal/envelope"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/messagebus"
)

const (
	writeWait         = 10 * time.Second
	pingInterval      = 20 * time.Second
	pongWaitMultiplier = 2
	snapshotInterval  = 5 * time.Second
	sendBufferSize    = 64
)

// authenticator verifies an inbound admin connection and returns the token
// claims to attach to the resulting session.
type authenticator interface {
	Authenticate(r *http.Request) (*auth.AdminTokenClaims, error)
}

type hmacAuthenticator struct {
	verifier *auth.AdminTokenVerifier
}

func newHMACAuthenticator(secret string) (authenticator, error) {
	verifier, err := auth.NewAdminTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacAuthenticator{verifier: verifier}, nil
}

// Authenticate delegates to the verifier's request-level extraction, which
// checks the auth_token query parameter and the X-Auth-Token header.
func (a *hmacAuthenticator) Authenticate(r *http.Request) (*auth.AdminTokenClaims, error) {
	return a.verifier.AuthenticateRequest(r)
}

// Session describes one connected admin observer, keyed by the claims its
// bearer token carried at upgrade time.
type Session struct {
	Claims      *auth.AdminTokenClaims
	ConnectedAt time.Time
	LastPong    time.Time
}

// Subject is the session's bearer-token subject, used for log correlation.
func (s Session) Subject() string {
	if s.Claims == nil {
		return ""
	}
	return s.Claims.Subject
}

// frame is the JSON envelope written to every admin connection.
type frame struct {
	Type      string    `json:"type"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
	Cooldowns *cooldownSnapshot  `json:"cooldowns,omitempty"`
}

type cooldownSnapshot struct {
	TrackedCount int       `json:"trackedCount"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Server serves the authenticated admin WebSocket endpoint.
type Server struct {
	logger        *logging.Logger
	bus           *messagebus.Bus
	cooldowns     *cooldown.Registry
	authenticator authenticator
	upgrader      websocket.Upgrader

	subscription messagebus.SubscriptionToken

	mu       sync.Mutex
	sessions map[*connection]struct{}
}

type connection struct {
	conn    *websocket.Conn
	send    chan frame
	session Session
	log     *logging.Logger
}

// New constructs a Server. addr is not bound here; callers mount Handler on
// their own http.ServeMux (mirroring how the rest of the stack wires its own
// HTTP surfaces).
func New(bus *messagebus.Bus, cooldowns *cooldown.Registry, tokenSecret string, logger *logging.Logger) (*Server, error) {
	authn, err := newHMACAuthenticator(tokenSecret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		logger:        logger,
		bus:           bus,
		cooldowns:     cooldowns,
		authenticator: authn,
		sessions:      make(map[*connection]struct{}),
	}

	token, err := bus.SubscribePattern("*", s.onEnvelope)
	if err != nil {
		return nil, err
	}
	s.subscription = token
	return s, nil
}

// Handler returns the http.HandlerFunc to mount for the admin WebSocket route.
func (s *Server) Handler() http.HandlerFunc {
	return s.serveWS
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticator.Authenticate(r)
	if err != nil {
		s.logger.Warn("rejecting admin connection: authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("admin websocket upgrade failed", logging.Error(err))
		return
	}

	now := time.Now()
	session := Session{Claims: claims, ConnectedAt: now, LastPong: now}
	c := &connection{
		conn:    conn,
		send:    make(chan frame, sendBufferSize),
		session: session,
		log:     s.logger.With(logging.String("admin_subject", session.Subject())),
	}

	s.mu.Lock()
	s.sessions[c] = struct{}{}
	s.mu.Unlock()

	waitDuration := pongWaitMultiplier * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		c.session.LastPong = time.Now()
		s.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go s.readLoop(c, waitDuration)
	go s.writeLoop(c)
}

// readLoop discards inbound frames; this is an observation-only surface, but
// reads must continue so control frames (pong, close) are processed.
func (s *Server) readLoop(c *connection, waitDuration time.Duration) {
	defer s.closeConnection(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	}
}

func (s *Server) writeLoop(c *connection) {
	pingTicker := time.NewTicker(pingInterval)
	snapshotTicker := time.NewTicker(snapshotInterval)
	defer func() {
		pingTicker.Stop()
		snapshotTicker.Stop()
		s.closeConnection(c)
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.writeFrame(c, f); err != nil {
				c.log.Warn("admin write failed", logging.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("admin ping failed", logging.Error(err))
				return
			}
		case <-snapshotTicker.C:
			if s.cooldowns == nil {
				continue
			}
			snapshot := cooldownSnapshot{TrackedCount: s.cooldowns.TrackedCount(), ObservedAt: time.Now()}
			if err := s.writeFrame(c, frame{Type: "cooldown_snapshot", Cooldowns: &snapshot}); err != nil {
				c.log.Warn("admin snapshot write failed", logging.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeFrame(c *connection, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// onEnvelope is invoked for every envelope the bus dispatches locally. It
// fans the envelope out to connected admin sessions without blocking the
// bus: saturated sessions are dropped rather than allowed to stall delivery.
func (s *Server) onEnvelope(_ any, env envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sessions {
		envCopy := env
		select {
		case c.send <- frame{Type: "envelope", Envelope: &envCopy}:
		default:
			c.log.Warn("dropping admin frame: session buffer full")
		}
	}
}

func (s *Server) closeConnection(c *connection) {
	s.mu.Lock()
	if _, ok := s.sessions[c]; ok {
		delete(s.sessions, c)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

// Shutdown unsubscribes from the bus and closes every connected session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Unsubscribe(s.subscription)

	s.mu.Lock()
	sessions := make([]*connection, 0, len(s.sessions))
	for c := range s.sessions {
		sessions = append(sessions, c)
	}
	s.mu.Unlock()

	for _, c := range sessions {
		s.closeConnection(c)
	}
	select {
	case <-ctx.Done():
	default:
	}
	return nil
}
