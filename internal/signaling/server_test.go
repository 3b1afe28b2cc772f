package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/callrelay/internal/call"
	"github.com/relaykit/callrelay/internal/config"
	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/presence"
	"github.com/relaykit/callrelay/internal/registry"
	"github.com/relaykit/callrelay/internal/session"
	"github.com/relaykit/callrelay/internal/wire"
)

type testServer struct {
	ts *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Config{
		AllowedOrigins:                []string{"*"},
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := registry.New(presence.NewMemoryStore())
	h := hub.New(log)
	engine := call.NewEngine(reg, h, m, log)
	sessions := session.NewController(reg, h, engine, m, log)
	srv := NewServer(cfg, h, sessions, engine, m, log)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts}
}

func (s *testServer) dial(t *testing.T, role, userID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/?role=" + role
	if userID != "" {
		wsURL += "&userId=" + userID
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial role=%q: %v", role, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// dialAdmin connects an admin and waits for its connect-time presence
// snapshot, which guarantees registration completed server-side.
func (s *testServer) dialAdmin(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	ws := s.dial(t, "admin", userID)
	readUntil(t, ws, wire.EventActiveUsersUpdate)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) wire.Event {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev wire.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return ev
}

// readUntil skips presence refreshes and other interleaved events until
// the named event arrives.
func readUntil(t *testing.T, ws *websocket.Conn, name wire.EventName) wire.Event {
	t.Helper()

	for i := 0; i < 10; i++ {
		ev := readEvent(t, ws)
		if ev.Event == name {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", name)
	return wire.Event{}
}

func sendMessage(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()

	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatalf("expected connection to close")
}

var offerMsg = map[string]any{
	"type": "initiateCall",
	"sdp":  map[string]any{"type": "offer", "sdp": "v=0\r\n"},
}

func answerMsg(callerID string) map[string]any {
	return map[string]any{
		"type":     "answerCall",
		"callerId": callerID,
		"sdp":      map[string]any{"type": "answer", "sdp": "v=0\r\n"},
	}
}

func TestServer_AdminReceivesActiveUsersOnConnect(t *testing.T) {
	s := newTestServer(t, nil)

	client := s.dial(t, "client", "alice")
	readUntil(t, client, wire.EventUpdateActiveUsers)

	admin := s.dial(t, "admin", "op-1")
	ev := readUntil(t, admin, wire.EventActiveUsersUpdate)
	if len(ev.Users) != 1 || ev.Users[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", ev.Users)
	}
}

func TestServer_ConnectWithoutRoleIsRejected(t *testing.T) {
	s := newTestServer(t, nil)

	ws := s.dial(t, "", "")
	ev := readEvent(t, ws)
	if ev.Event != wire.EventError {
		t.Fatalf("event = %+v, want Error", ev)
	}
	expectClosed(t, ws)
}

func TestServer_ConnectWithUnknownRoleIsRejected(t *testing.T) {
	s := newTestServer(t, nil)

	ws := s.dial(t, "superuser", "")
	ev := readEvent(t, ws)
	if ev.Event != wire.EventError {
		t.Fatalf("event = %+v, want Error", ev)
	}
	expectClosed(t, ws)
}

func TestServer_CallRingsAllAdmins(t *testing.T) {
	s := newTestServer(t, nil)

	admin1 := s.dialAdmin(t, "op-1")
	admin2 := s.dialAdmin(t, "op-2")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)

	ringing := readUntil(t, client, wire.EventRinging)
	if ringing.AdminCount != 2 {
		t.Fatalf("adminCount = %d, want 2", ringing.AdminCount)
	}

	offer1 := readUntil(t, admin1, wire.EventReceiveOffer)
	offer2 := readUntil(t, admin2, wire.EventReceiveOffer)
	if offer1.From == "" || offer1.From != offer2.From {
		t.Fatalf("offer senders = %q/%q", offer1.From, offer2.From)
	}
	if offer1.SDP == nil || offer1.SDP.Type != "offer" {
		t.Fatalf("offer sdp = %+v", offer1.SDP)
	}
}

func TestServer_AnswerFlow(t *testing.T) {
	s := newTestServer(t, nil)

	admin1 := s.dialAdmin(t, "op-1")
	admin2 := s.dialAdmin(t, "op-2")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)
	callerID := readUntil(t, admin1, wire.EventReceiveOffer).From
	readUntil(t, admin2, wire.EventReceiveOffer)

	sendMessage(t, admin1, answerMsg(callerID))

	answer := readUntil(t, client, wire.EventReceiveAnswer)
	if answer.SDP == nil || answer.SDP.Type != "answer" {
		t.Fatalf("answer sdp = %+v", answer.SDP)
	}

	// Every admin, including the answerer, sees the ring stop.
	stop := readUntil(t, admin2, wire.EventStopRinging)
	if stop.CallerID != callerID {
		t.Fatalf("stopRinging caller = %q, want %q", stop.CallerID, callerID)
	}
	readUntil(t, admin2, wire.EventCallAnswered)
	readUntil(t, admin1, wire.EventStopRinging)
	readUntil(t, admin1, wire.EventCallAnswered)
}

func TestServer_DeclineSilencesOnlyDecliner(t *testing.T) {
	s := newTestServer(t, nil)

	admin1 := s.dialAdmin(t, "op-1")
	admin2 := s.dialAdmin(t, "op-2")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)
	callerID := readUntil(t, admin1, wire.EventReceiveOffer).From
	readUntil(t, admin2, wire.EventReceiveOffer)

	sendMessage(t, admin1, map[string]any{"type": "declineCall", "callerId": callerID})

	declined := readUntil(t, client, wire.EventCallDeclined)
	if declined.AdminID == "" {
		t.Fatalf("declined event missing adminId: %+v", declined)
	}
	readUntil(t, admin1, wire.EventStopRinging)

	// The second admin can still answer.
	sendMessage(t, admin2, answerMsg(callerID))
	readUntil(t, client, wire.EventReceiveAnswer)
}

func TestServer_InitiateWithNoAdminsOnline(t *testing.T) {
	s := newTestServer(t, nil)

	client := s.dial(t, "client", "alice")
	readUntil(t, client, wire.EventUpdateActiveUsers)

	sendMessage(t, client, offerMsg)
	ev := readUntil(t, client, wire.EventError)
	if ev.Message != "No admin is currently online." {
		t.Fatalf("message = %q", ev.Message)
	}

	// The connection survives and works once an admin shows up.
	s.dialAdmin(t, "op-1")
	sendMessage(t, client, offerMsg)
	readUntil(t, client, wire.EventRinging)
}

func TestServer_AdminCannotInitiate(t *testing.T) {
	s := newTestServer(t, nil)

	admin := s.dialAdmin(t, "op-1")
	sendMessage(t, admin, offerMsg)

	ev := readUntil(t, admin, wire.EventError)
	if !strings.Contains(ev.Message, "clients") {
		t.Fatalf("message = %q", ev.Message)
	}

	// Role violations do not close the connection.
	sendMessage(t, admin, offerMsg)
	readUntil(t, admin, wire.EventError)
}

func TestServer_ClientCannotAnswer(t *testing.T) {
	s := newTestServer(t, nil)

	client := s.dial(t, "client", "alice")
	sendMessage(t, client, answerMsg("whoever"))

	ev := readUntil(t, client, wire.EventError)
	if !strings.Contains(ev.Message, "admins") {
		t.Fatalf("message = %q", ev.Message)
	}
}

func TestServer_CandidateRelay(t *testing.T) {
	s := newTestServer(t, nil)

	admin := s.dialAdmin(t, "op-1")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)
	callerID := readUntil(t, admin, wire.EventReceiveOffer).From

	sendMessage(t, admin, map[string]any{
		"type":     "sendIceCandidate",
		"targetId": callerID,
		"candidate": map[string]any{
			"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			"sdpMid":    "0",
		},
	})

	ev := readUntil(t, client, wire.EventReceiveCandidate)
	if ev.Candidate == nil || !strings.HasPrefix(ev.Candidate.Candidate, "candidate:1") {
		t.Fatalf("candidate = %+v", ev.Candidate)
	}
	if ev.From == "" {
		t.Fatalf("candidate missing sender: %+v", ev)
	}
}

func TestServer_EndCallNotifiesBothSides(t *testing.T) {
	s := newTestServer(t, nil)

	admin := s.dialAdmin(t, "op-1")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)
	callerID := readUntil(t, admin, wire.EventReceiveOffer).From
	sendMessage(t, admin, answerMsg(callerID))
	adminID := readUntil(t, client, wire.EventReceiveAnswer).From

	sendMessage(t, client, map[string]any{"type": "endCall", "otherId": adminID})

	readUntil(t, client, wire.EventCallEnded)
	ended := readUntil(t, admin, wire.EventCallEnded)
	if ended.OtherID != callerID {
		t.Fatalf("otherId = %q, want %q", ended.OtherID, callerID)
	}
}

func TestServer_AnswerAfterCallerDisconnects(t *testing.T) {
	s := newTestServer(t, nil)

	admin := s.dialAdmin(t, "op-1")
	client := s.dial(t, "client", "alice")

	sendMessage(t, client, offerMsg)
	callerID := readUntil(t, admin, wire.EventReceiveOffer).From

	_ = client.Close()

	// The answer lands in the void; the admin connection is unaffected.
	sendMessage(t, admin, answerMsg(callerID))
	readUntil(t, admin, wire.EventStopRinging)
}

func TestServer_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	s := newTestServer(t, nil)

	client := s.dial(t, "client", "alice")
	readUntil(t, client, wire.EventUpdateActiveUsers)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"initiateCall","bogus":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, client, wire.EventError)
	if ev.Message == "" {
		t.Fatalf("expected an error message")
	}

	// Still usable afterwards.
	s.dialAdmin(t, "op-1")
	sendMessage(t, client, offerMsg)
	readUntil(t, client, wire.EventRinging)
}

func TestServer_DisconnectBroadcastsPresence(t *testing.T) {
	s := newTestServer(t, nil)

	admin := s.dialAdmin(t, "op-1")
	client := s.dial(t, "client", "alice")

	ev := readUntil(t, admin, wire.EventUpdateActiveUsers)
	if len(ev.Users) != 1 || ev.Users[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", ev.Users)
	}

	_ = client.Close()

	ev = readUntil(t, admin, wire.EventUpdateActiveUsers)
	if len(ev.Users) != 0 {
		t.Fatalf("users after disconnect = %v, want empty", ev.Users)
	}
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxSignalingMessagesPerSecond = 2
	})

	client := s.dial(t, "client", "alice")
	readUntil(t, client, wire.EventUpdateActiveUsers)

	for i := 0; i < 10; i++ {
		if err := client.WriteJSON(map[string]any{"type": "endCall", "otherId": "x"}); err != nil {
			break
		}
	}
	expectClosed(t, client)
}

func TestServer_OriginAllowlist(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/?role=client"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected handshake rejection for disallowed origin")
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("expected handshake success for allowed origin: %v", err)
	}
	_ = ws.Close()
}
