// Package signaling exposes the call-setup WebSocket endpoint. Each
// accepted connection gets one reader goroutine that registers the
// session, dispatches inbound RPCs to the call engine, and tears the
// session down when the socket closes.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/callrelay/internal/call"
	"github.com/relaykit/callrelay/internal/config"
	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/ratelimit"
	"github.com/relaykit/callrelay/internal/session"
	"github.com/relaykit/callrelay/internal/wire"
)

const wsWriteWait = 1 * time.Second

// Server is the WebSocket signaling surface: it upgrades connections,
// runs the per-connection read loop, and enforces message-size and
// message-rate limits.
type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	sessions *session.Controller
	calls    *call.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, h *hub.Hub, sessions *session.Controller, calls *call.Engine, m *metrics.Metrics, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      h,
		sessions: sessions,
		calls:    calls,
		metrics:  m,
		log:      log,
		clock:    ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// checkOrigin admits browser connections whose Origin matches the
// configured allowlist. No Origin header (non-browser clients) is always
// admitted; an empty allowlist falls back to gorilla's same-host check.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	normalized := strings.TrimSuffix(strings.ToLower(raw), "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	conn := s.hub.Register(ws)
	defer s.hub.Unregister(conn.ID())

	ctx := context.Background()
	query := r.URL.Query()
	if err := s.sessions.Connect(ctx, conn.ID(), query.Get("role"), query.Get("userId")); err != nil {
		s.rejectConnect(ws, conn.ID(), err)
		return
	}
	defer s.sessions.Disconnect(ctx, conn.ID())

	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := wire.ParseMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolViolation)
			s.hub.SendTo(conn.ID(), wire.NewError("Malformed signaling message."))
			continue
		}

		s.dispatch(ctx, conn.ID(), msg)
	}
}

// rejectConnect reports a failed registration and closes the socket. The
// Error notification goes out before the close frame so the client sees
// the reason.
func (s *Server) rejectConnect(ws *websocket.Conn, connID string, err error) {
	s.log.Warn("connection rejected", "conn_id", connID, "err", err)

	msg := "Connection setup failed."
	if errors.Is(err, session.ErrMissingRole) || errors.Is(err, session.ErrInvalidRole) {
		msg = err.Error()
	}
	s.hub.SendTo(connID, wire.NewError(msg))
	writeClose(ws, websocket.ClosePolicyViolation, msg)
	s.hub.Abort(connID)
}

// dispatch runs one inbound RPC. Role violations and missing admins are
// reported back on the sending connection and never close it; store
// failures get a generic message and an error log.
func (s *Server) dispatch(ctx context.Context, connID string, msg wire.Message) {
	var err error
	switch msg.Type {
	case wire.TypeInitiateCall:
		err = s.calls.Initiate(ctx, connID, *msg.SDP)
	case wire.TypeAnswerCall:
		err = s.calls.Answer(ctx, connID, msg.CallerID, *msg.SDP)
	case wire.TypeDeclineCall:
		err = s.calls.Decline(ctx, connID, msg.CallerID)
	case wire.TypeSendIceCandidate:
		err = s.calls.RelayCandidate(ctx, connID, msg.TargetID, *msg.Candidate)
	case wire.TypeEndCall:
		err = s.calls.End(ctx, connID, msg.OtherID)
	}
	if err == nil {
		return
	}

	var pe *call.ProtocolError
	switch {
	case errors.As(err, &pe):
		s.metrics.Inc(metrics.ProtocolViolation)
		s.hub.SendTo(connID, wire.NewError(pe.Error()))
	case errors.Is(err, call.ErrNoAdminsOnline):
		s.hub.SendTo(connID, wire.NewError(call.ErrNoAdminsOnline.Error()))
	default:
		s.metrics.Inc(metrics.StoreFailure)
		s.log.Error("signaling dispatch", "conn_id", connID, "type", msg.Type, "err", err)
		s.hub.SendTo(connID, wire.NewError("Internal error, try again."))
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
