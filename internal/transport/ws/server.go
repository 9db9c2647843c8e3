package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/world"
	"voxelsync.dev/internal/world/manager"
)

const (
	writeWait = 5 * time.Second
	readWait  = 60 * time.Second
)

type Options struct {
	// IdentifyGrace bounds the wait for ClientIdentification.
	IdentifyGrace time.Duration
	OutboxSize    int
	// RatePerSec and Burst limit inbound messages per connection; zero
	// RatePerSec disables the limit.
	RatePerSec float64
	Burst      int
	// MaxMessageBytes caps one inbound frame.
	MaxMessageBytes int64
}

type Server struct {
	world *world.World
	opts  Options
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, opts Options, logger *log.Logger) *Server {
	if opts.IdentifyGrace <= 0 {
		opts.IdentifyGrace = 5 * time.Second
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		world: w,
		opts:  opts,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) limiter() *rate.Limiter {
	if s.opts.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.RatePerSec), burst)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.opts.MaxMessageBytes)

		name, ok := s.identify(conn)
		if !ok {
			return
		}

		id := manager.ConnID(uuid.NewString())
		out := make(chan []byte, s.opts.OutboxSize)
		kick := make(chan protocol.Disconnect, 1)
		respCh := make(chan world.JoinResponse, 1)
		select {
		case s.world.Join() <- world.JoinRequest{ID: id, Name: name, Out: out, Kick: kick, Resp: respCh}:
		case <-r.Context().Done():
			return
		}
		var resp world.JoinResponse
		select {
		case resp = <-respCh:
		case <-r.Context().Done():
			s.world.Leave() <- id
			return
		}
		if err := writeMessage(conn, resp.ServerConfig); err != nil {
			s.world.Leave() <- id
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-kick:
					closeWith(conn, d)
					_ = conn.Close()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		violation := func(reason, msg string) {
			s.log.Printf("ws: %s: %s (%s)", id, reason, msg)
			select {
			case kick <- protocol.Disconnect{Reason: reason, Message: msg}:
			default:
			}
		}

		// Reader loop.
		lim := s.limiter()
	read:
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			typ, raw, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if typ != websocket.BinaryMessage {
				violation(protocol.ReasonMalformed, "text frame")
				break
			}
			if !lim.Allow() {
				violation(protocol.ReasonRateLimit, "too many messages")
				break
			}
			if reason, ok := checkInbound(raw); !ok {
				violation(reason, "message not accepted from clients")
				break
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				violation(protocol.ReasonMalformed, err.Error())
				break
			}
			select {
			case s.world.Inbox() <- world.Envelope{Conn: id, Msg: msg}:
			case <-ctx.Done():
				break read
			}
			if _, bye := msg.(protocol.Disconnect); bye {
				cancel()
				break
			}
		}
		<-writerDone

		// Cleanup.
		s.world.Leave() <- id
	}
}

// identify waits for ClientIdentification and returns the player name.
// Failures are reported to the peer before returning.
func (s *Server) identify(conn *websocket.Conn) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdentifyGrace))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			closeWith(conn, protocol.Disconnect{Reason: protocol.ReasonIdentifyTimeout, Message: "no identification"})
		}
		return "", false
	}
	if len(raw) == 0 || protocol.Type(raw[0]) != protocol.TypeClientIdentification {
		closeWith(conn, protocol.Disconnect{Reason: protocol.ReasonBadIdentify, Message: "expected ClientIdentification"})
		return "", false
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		closeWith(conn, protocol.Disconnect{Reason: protocol.ReasonBadIdentify, Message: err.Error()})
		return "", false
	}
	hello, ok := msg.(protocol.ClientIdentification)
	if !ok {
		closeWith(conn, protocol.Disconnect{Reason: protocol.ReasonBadIdentify, Message: "expected ClientIdentification"})
		return "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, protocol.Disconnect{Reason: protocol.ReasonVersionMismatch, Message: "unsupported protocol version"})
		return "", false
	}
	if hello.Name == "" {
		hello.Name = "player"
	}
	return hello.Name, true
}

// checkInbound inspects the type tag before any field is decoded. After
// identification only client-to-server types other than
// ClientIdentification are accepted.
func checkInbound(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return protocol.ReasonMalformed, false
	}
	t := protocol.Type(raw[0])
	switch {
	case !t.Known():
		return protocol.ReasonMalformed, false
	case !protocol.ClientToServer(t) || t == protocol.TypeClientIdentification:
		return protocol.ReasonUnexpected, false
	}
	return "", true
}

func writeMessage(conn *websocket.Conn, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// closeWith sends d followed by a close frame carrying its reason.
func closeWith(conn *websocket.Conn, d protocol.Disconnect) {
	_ = writeMessage(conn, d)
	code := websocket.ClosePolicyViolation
	if d.Reason == protocol.ReasonShutdown {
		code = websocket.CloseGoingAway
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, d.Reason), time.Now().Add(time.Second))
}
