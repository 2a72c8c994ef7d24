package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/auth"
)

var testKey = []byte("collab-test-signing-key-0123456789")

func newTestHub(t *testing.T) (*Hub, *auth.Verifier) {
	t.Helper()
	v := auth.NewVerifier(testKey, "")
	return NewHub(v, zerolog.Nop()), v
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case data := <-c.Send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Envelope{}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("expected no message, got %s", data)
	default:
	}
}

func send(t *testing.T, h *Hub, c *Client, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	h.Handle(c, data)
}

func connectAuthed(t *testing.T, h *Hub, v *auth.Verifier, userID string) *Client {
	t.Helper()
	c := NewClient()
	h.Register(c)
	if env := recv(t, c); env.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %s", env.Type)
	}
	tok, err := v.Issue(userID, []string{auth.RoleProfessional}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(map[string]string{"token": tok})
	send(t, h, c, Envelope{Type: TypeAuth, Payload: payload})
	if env := recv(t, c); env.Type != TypeAuthenticated {
		t.Fatalf("expected authenticated, got %s", env.Type)
	}
	return c
}

func TestHub_WelcomeCarriesReconnectDelay(t *testing.T) {
	h, _ := newTestHub(t)
	c := NewClient()
	h.Register(c)

	env := recv(t, c)
	var p map[string]any
	_ = json.Unmarshal(env.Payload, &p)
	if p["reconnect_after_ms"] != float64(5000) {
		t.Errorf("expected reconnect_after_ms 5000, got %v", p["reconnect_after_ms"])
	}
}

func TestHub_RejectsBeforeAuth(t *testing.T) {
	h, _ := newTestHub(t)
	c := NewClient()
	h.Register(c)
	recv(t, c)

	send(t, h, c, Envelope{Type: TypeCreateSession})
	env := recv(t, c)
	if env.Type != TypeError || !strings.Contains(string(env.Payload), "authentication required") {
		t.Errorf("expected auth error, got %s %s", env.Type, env.Payload)
	}
	if h.SessionCount() != 0 {
		t.Errorf("expected no sessions, got %d", h.SessionCount())
	}
}

func TestHub_InvalidToken(t *testing.T) {
	h, _ := newTestHub(t)
	c := NewClient()
	h.Register(c)
	recv(t, c)

	send(t, h, c, Envelope{Type: TypeAuth, Payload: json.RawMessage(`{"token":"garbage"}`)})
	if env := recv(t, c); env.Type != TypeError {
		t.Errorf("expected error, got %s", env.Type)
	}
	if c.UserID != "" {
		t.Error("expected client to stay unauthenticated")
	}
}

func TestHub_MalformedAndUnknown(t *testing.T) {
	h, v := newTestHub(t)
	c := connectAuthed(t, h, v, "u1")

	h.Handle(c, []byte("{not json"))
	if env := recv(t, c); env.Type != TypeError {
		t.Errorf("expected error for malformed, got %s", env.Type)
	}

	send(t, h, c, Envelope{Type: "dance"})
	env := recv(t, c)
	if env.Type != TypeError || !strings.Contains(string(env.Payload), "unknown message type") {
		t.Errorf("expected unknown type error, got %s %s", env.Type, env.Payload)
	}
}

func TestHub_SessionSignalingFlow(t *testing.T) {
	h, v := newTestHub(t)
	host := connectAuthed(t, h, v, "therapist")
	guest := connectAuthed(t, h, v, "patient")

	send(t, h, host, Envelope{Type: TypeCreateSession})
	created := recv(t, host)
	if created.Type != TypeSessionCreated || created.SessionID == "" {
		t.Fatalf("expected session_created, got %+v", created)
	}

	send(t, h, guest, Envelope{Type: TypeJoinSession, SessionID: created.SessionID})
	if env := recv(t, guest); env.Type != TypeSessionJoined {
		t.Fatalf("expected session_joined, got %s", env.Type)
	}
	if env := recv(t, host); env.Type != TypeParticipantJoined || env.From != guest.ID {
		t.Fatalf("expected participant_joined from guest, got %+v", env)
	}

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	send(t, h, host, Envelope{Type: TypeOffer, SessionID: created.SessionID, Payload: offer})
	env := recv(t, guest)
	if env.Type != TypeOffer || env.From != host.ID || string(env.Payload) != string(offer) {
		t.Errorf("expected relayed offer, got %+v", env)
	}
	expectNone(t, host)

	send(t, h, guest, Envelope{Type: TypeICECandidate, To: host.ID, Payload: json.RawMessage(`{"candidate":"c"}`)})
	if env := recv(t, host); env.Type != TypeICECandidate {
		t.Errorf("expected ice_candidate, got %s", env.Type)
	}

	send(t, h, guest, Envelope{Type: TypeBoardUpdate, Payload: json.RawMessage(`{"cells":[1]}`)})
	if env := recv(t, host); env.Type != TypeBoardUpdate {
		t.Errorf("expected board_update, got %s", env.Type)
	}

	send(t, h, host, Envelope{Type: TypeEndCall})
	if env := recv(t, guest); env.Type != TypeEndCall {
		t.Errorf("expected end_call, got %s", env.Type)
	}
	if h.SessionCount() != 0 {
		t.Errorf("expected session closed, got %d", h.SessionCount())
	}

	send(t, h, guest, Envelope{Type: TypeSyncData, SessionID: created.SessionID})
	if env := recv(t, guest); env.Type != TypeError {
		t.Errorf("expected error after end_call, got %s", env.Type)
	}
}

func TestHub_JoinUnknownSession(t *testing.T) {
	h, v := newTestHub(t)
	c := connectAuthed(t, h, v, "u1")

	send(t, h, c, Envelope{Type: TypeJoinSession, SessionID: "missing"})
	if env := recv(t, c); env.Type != TypeError {
		t.Errorf("expected error, got %s", env.Type)
	}
}

func TestHub_RejoinDoesNotRebroadcast(t *testing.T) {
	h, v := newTestHub(t)
	host := connectAuthed(t, h, v, "therapist")
	guest := connectAuthed(t, h, v, "patient")

	send(t, h, host, Envelope{Type: TypeCreateSession})
	created := recv(t, host)
	send(t, h, guest, Envelope{Type: TypeJoinSession, SessionID: created.SessionID})
	recv(t, guest)
	if env := recv(t, host); env.Type != TypeParticipantJoined {
		t.Fatalf("expected participant_joined, got %s", env.Type)
	}

	send(t, h, guest, Envelope{Type: TypeJoinSession, SessionID: created.SessionID})
	env := recv(t, guest)
	if env.Type != TypeSessionJoined {
		t.Fatalf("expected session_joined on rejoin, got %s", env.Type)
	}
	var body struct {
		Participants []string `json:"participants"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", body.Participants)
	}
	expectNone(t, host)
	expectNone(t, guest)
}

func TestHub_UnregisterLeavesSession(t *testing.T) {
	h, v := newTestHub(t)
	host := connectAuthed(t, h, v, "a")
	guest := connectAuthed(t, h, v, "b")

	send(t, h, host, Envelope{Type: TypeCreateSession})
	created := recv(t, host)
	send(t, h, guest, Envelope{Type: TypeJoinSession, SessionID: created.SessionID})
	recv(t, guest)
	recv(t, host)

	h.Unregister(guest)
	if env := recv(t, host); env.Type != TypeParticipantLeft {
		t.Errorf("expected participant_left, got %s", env.Type)
	}
	if _, ok := <-guest.Send; ok {
		t.Error("expected guest Send channel closed")
	}

	h.Unregister(host)
	if h.SessionCount() != 0 || h.ClientCount() != 0 {
		t.Errorf("expected empty hub, got %d sessions %d clients", h.SessionCount(), h.ClientCount())
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	h, v := newTestHub(t)
	handler := NewHandler(h, nil, zerolog.Nop())
	e := echo.New()
	handler.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/collab"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if env.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %s", env.Type)
	}

	tok, _ := v.Issue("u1", nil, time.Hour)
	payload, _ := json.Marshal(map[string]string{"token": tok})
	if err := conn.WriteJSON(Envelope{Type: TypeAuth, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if env.Type != TypeAuthenticated {
		t.Errorf("expected authenticated, got %s", env.Type)
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	h, _ := newTestHub(t)
	handler := NewHandler(h, nil, zerolog.Nop())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/ws/collab", nil)
	rec := httptest.NewRecorder()
	if err := handler.HandleConnect(e.NewContext(req, rec)); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Error("expected plain HTTP request to be rejected")
	}
	if h.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", h.ClientCount())
	}
}
