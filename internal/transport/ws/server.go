package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/world"
)

type Options struct {
	// Inbound message budget per connection; zero disables limiting.
	MessagesPerSecond float64
	Burst             int
	// OutQueue is the per-observer frame queue; full queues drop frames.
	OutQueue int
}

type Server struct {
	world *world.World
	log   *log.Logger
	opts  Options

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, opts Options, logger *log.Logger) *Server {
	if opts.OutQueue <= 0 {
		opts.OutQueue = 16
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Server{
		world: w,
		log:   logger,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, out := s.handshake(ctx, conn)
		if id == "" {
			return
		}
		defer s.world.Unsubscribe(id)
		s.logf("observer %s subscribed from %s", id, r.RemoteAddr)

		go s.pump(ctx, cancel, conn, out)

		var lim *rate.Limiter
		if s.opts.MessagesPerSecond > 0 {
			lim = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if lim != nil && !lim.Allow() {
				s.sendError(out, protocol.ErrRateLimit, "too many messages")
				continue
			}
			if kind == websocket.BinaryMessage {
				s.world.Ingest().Offer(msg)
				continue
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeMove {
				s.sendError(out, protocol.ErrProtoBadRequest, "expected MOVE")
				continue
			}
			var mv protocol.MoveMsg
			if err := json.Unmarshal(msg, &mv); err != nil {
				s.sendError(out, protocol.ErrProtoBadRequest, "bad MOVE")
				continue
			}
			select {
			case s.world.Move() <- world.MoveRequest{ID: id, X: mv.X, Z: mv.Z}:
			default:
				s.sendError(out, protocol.ErrWorldBusy, "move dropped")
			}
		}
		s.logf("observer %s disconnected", id)
	}
}

// frameConn is the part of *websocket.Conn the writer uses.
type frameConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// pump writes queued frames until ctx ends. On a failed write or a stopped
// world it closes conn, which unblocks the reader loop.
func (s *Server) pump(ctx context.Context, cancel context.CancelFunc, conn frameConn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.world.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "world stopped"), time.Now().Add(time.Second))
			cancel()
			_ = conn.Close()
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (id string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSubscribe {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return "", nil
	}
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad SUBSCRIBE")
		return "", nil
	}
	if sub.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoVersion, Message: "unsupported protocol_version"})
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", nil
	}

	out = make(chan []byte, s.opts.OutQueue)
	id = uuid.NewString()
	resp, err := s.world.Subscribe(ctx, world.JoinRequest{ID: id, X: sub.X, Z: sub.Z, Out: out})
	if err != nil {
		closeWith(conn, websocket.CloseGoingAway, "world unavailable")
		return "", nil
	}
	if resp.Err != nil {
		_ = writeJSON(conn, resp.Err)
		closeWith(conn, websocket.ClosePolicyViolation, resp.Err.Message)
		return "", nil
	}

	// WELCOME goes out before the writer starts, so it always precedes CELLS.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.world.Unsubscribe(id)
		return "", nil
	}
	return id, out
}

func (s *Server) sendError(out chan []byte, code, msg string) {
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: msg})
	select {
	case out <- b:
	default:
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
