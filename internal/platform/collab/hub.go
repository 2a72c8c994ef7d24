// Package collab relays WebRTC signaling and shared-board updates between
// participants of a collaboration session over WebSockets.
package collab

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/auth"
)

// Message types.
const (
	TypeAuth           = "auth"
	TypeCreateSession  = "create_session"
	TypeJoinSession    = "join_session"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
	TypeSyncData       = "sync_data"
	TypeCursorPosition = "cursor_position"
	TypeBoardUpdate    = "board_update"
	TypeEndCall        = "end_call"

	TypeWelcome           = "welcome"
	TypeAuthenticated     = "authenticated"
	TypeSessionCreated    = "session_created"
	TypeSessionJoined     = "session_joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeError             = "error"
)

// ReconnectAfter is the fixed delay clients wait before reconnecting.
const ReconnectAfter = 5 * time.Second

// Envelope is the wire format of every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TokenVerifier authenticates the token carried by an auth message.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// Client is one connected socket.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	session string
}

func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Send: make(chan []byte, 256)}
}

func (c *Client) authenticated() bool { return c.UserID != "" }

// Session is an in-memory room.
type Session struct {
	ID        string
	HostID    string
	CreatedAt time.Time
	members   map[*Client]struct{}
}

// Hub owns all clients and sessions. Every mutation and every write to a
// client's Send channel happens under mu, so Unregister can close Send safely.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	sessions map[string]*Session
	verifier TokenVerifier
	logger   zerolog.Logger
}

func NewHub(verifier TokenVerifier, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		sessions: make(map[string]*Session),
		verifier: verifier,
		logger:   logger,
	}
}

// Register adds c and queues the welcome envelope.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.send(c, Envelope{Type: TypeWelcome}, map[string]any{
		"client_id":          c.ID,
		"reconnect_after_ms": ReconnectAfter.Milliseconds(),
	})
}

// Unregister removes c from its session and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leave(c)
	delete(h.clients, c)
	close(c.Send)
}

// Handle dispatches one inbound frame from c.
func (h *Hub) Handle(c *Client, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		h.sendError(c, "malformed message")
		return
	}
	if env.Type != TypeAuth && !c.authenticated() {
		h.sendError(c, "authentication required")
		return
	}

	switch env.Type {
	case TypeAuth:
		h.handleAuth(c, env)
	case TypeCreateSession:
		h.handleCreate(c)
	case TypeJoinSession:
		h.handleJoin(c, env)
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeSyncData, TypeCursorPosition, TypeBoardUpdate:
		h.handleRelay(c, env)
	case TypeEndCall:
		h.handleEndCall(c, env)
	default:
		h.sendError(c, "unknown message type: "+env.Type)
	}
}

func (h *Hub) handleAuth(c *Client, env Envelope) {
	var p struct {
		Token string `json:"token"`
	}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}
	if h.verifier == nil || p.Token == "" {
		h.sendError(c, "invalid token")
		return
	}
	id, err := h.verifier.Verify(p.Token)
	if err != nil {
		h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("collab auth rejected")
		h.sendError(c, "invalid token")
		return
	}
	c.UserID = id.UserID
	h.send(c, Envelope{Type: TypeAuthenticated}, map[string]any{"user_id": id.UserID})
}

func (h *Hub) handleCreate(c *Client) {
	h.leave(c)
	s := &Session{
		ID:        uuid.NewString(),
		HostID:    c.ID,
		CreatedAt: time.Now().UTC(),
		members:   map[*Client]struct{}{c: {}},
	}
	h.sessions[s.ID] = s
	c.session = s.ID
	h.send(c, Envelope{Type: TypeSessionCreated, SessionID: s.ID}, map[string]any{"host_id": c.ID})
	h.logger.Info().Str("session_id", s.ID).Str("user_id", c.UserID).Msg("collab session created")
}

func (h *Hub) handleJoin(c *Client, env Envelope) {
	s, ok := h.sessions[env.SessionID]
	if !ok {
		h.sendError(c, "session not found")
		return
	}
	rejoin := c.session == s.ID
	if !rejoin {
		h.leave(c)
	}
	s.members[c] = struct{}{}
	c.session = s.ID

	h.send(c, Envelope{Type: TypeSessionJoined, SessionID: s.ID}, map[string]any{
		"host_id":      s.HostID,
		"participants": participantIDs(s),
	})
	if rejoin {
		return
	}
	h.broadcast(s, c, Envelope{Type: TypeParticipantJoined, SessionID: s.ID, From: c.ID},
		map[string]any{"client_id": c.ID, "user_id": c.UserID})
}

// handleRelay forwards signaling and board messages to the other members,
// or only to env.To when set.
func (h *Hub) handleRelay(c *Client, env Envelope) {
	s, ok := h.memberSession(c, env)
	if !ok {
		return
	}
	out := Envelope{Type: env.Type, SessionID: s.ID, From: c.ID, Payload: env.Payload}
	if env.To != "" {
		for m := range s.members {
			if m.ID == env.To {
				h.write(m, out)
				return
			}
		}
		h.sendError(c, "recipient not in session")
		return
	}
	for m := range s.members {
		if m != c {
			h.write(m, out)
		}
	}
}

func (h *Hub) handleEndCall(c *Client, env Envelope) {
	s, ok := h.memberSession(c, env)
	if !ok {
		return
	}
	out := Envelope{Type: TypeEndCall, SessionID: s.ID, From: c.ID, Payload: env.Payload}
	for m := range s.members {
		if m != c {
			h.write(m, out)
		}
		m.session = ""
	}
	delete(h.sessions, s.ID)
	h.logger.Info().Str("session_id", s.ID).Str("ended_by", c.UserID).Msg("collab session ended")
}

func (h *Hub) memberSession(c *Client, env Envelope) (*Session, bool) {
	id := env.SessionID
	if id == "" {
		id = c.session
	}
	s, ok := h.sessions[id]
	if !ok || c.session != id {
		h.sendError(c, "not a member of this session")
		return nil, false
	}
	return s, true
}

func (h *Hub) leave(c *Client) {
	s, ok := h.sessions[c.session]
	c.session = ""
	if !ok {
		return
	}
	delete(s.members, c)
	if len(s.members) == 0 {
		delete(h.sessions, s.ID)
		return
	}
	h.broadcast(s, c, Envelope{Type: TypeParticipantLeft, SessionID: s.ID, From: c.ID},
		map[string]any{"client_id": c.ID})
}

func (h *Hub) broadcast(s *Session, except *Client, env Envelope, payload any) {
	env.Payload = mustJSON(payload)
	for m := range s.members {
		if m != except {
			h.write(m, env)
		}
	}
}

func (h *Hub) send(c *Client, env Envelope, payload any) {
	env.Payload = mustJSON(payload)
	h.write(c, env)
}

func (h *Hub) sendError(c *Client, msg string) {
	h.send(c, Envelope{Type: TypeError}, map[string]string{"message": msg})
}

func (h *Hub) write(c *Client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("collab: marshal envelope")
		return
	}
	select {
	case c.Send <- data:
	default:
		h.logger.Warn().Str("client_id", c.ID).Msg("collab: client buffer full, dropping message")
	}
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func participantIDs(s *Session) []string {
	ids := make([]string, 0, len(s.members))
	for m := range s.members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
