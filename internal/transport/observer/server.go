package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/observerproto"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

// MaxSubscribers caps concurrent spectators.
const MaxSubscribers = 32

// Source is the read-only view of the runtime the bootstrap endpoint needs.
type Source interface {
	Info(ctx context.Context) (env.Info, error)
	Export(ctx context.Context) (env.LearnedState, error)
}

type Server struct {
	src Source
	hub *Hub
	log *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(src Source, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		src: src,
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		info, err := s.src.Info(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		st, err := s.src.Export(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Seed:            info.Seed,
			Episode:         info.Episode,
			EpisodeID:       info.EpisodeID,
			Step:            info.Step,
			NumActions:      info.NumActions,
			ObservationLen:  info.ObservationLen,
		}
		for i, c := range st.Communities {
			v := observerproto.CommunityView{
				ID:           c.ID,
				Karma:        c.Karma,
				Sentiments:   append([]float64(nil), c.Sentiments[:]...),
				TriggerWords: append([]string(nil), c.TriggerWords[:]...),
			}
			if i < len(st.Bandits) {
				v.MessageProbs = st.Bandits[i].Probs
			}
			resp.Communities = append(resp.Communities, v)
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, reason := s.admit(conn)
		if reason != "" {
			closeWith(conn, websocket.ClosePolicyViolation, reason)
			return
		}
		id, events := s.hub.subscribe(sub, 256)
		defer s.hub.unsubscribe(id)
		log := s.log.With(zap.Uint64("spectator", id))
		log.Debug("spectator attached", zap.String("remote", r.RemoteAddr))

		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.forward(conn, events, stop)
		}()

		// Later SUBSCRIBE frames change the filters; anything else is ignored.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if next, ok := decodeSubscribe(msg); ok {
				s.hub.update(id, next)
			}
		}
		close(stop)
		<-writerDone
		closeWith(conn, websocket.CloseNormalClosure, "bye")
		log.Debug("spectator detached")
	}
}

// admit reads the opening SUBSCRIBE frame. A non-empty reason rejects the
// connection.
func (s *Server) admit(conn *websocket.Conn) (observerproto.SubscribeMsg, string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return observerproto.SubscribeMsg{}, "no SUBSCRIBE"
	}
	sub, ok := decodeSubscribe(msg)
	if !ok {
		return sub, "expected SUBSCRIBE"
	}
	if s.hub.Subscribers() >= MaxSubscribers {
		return sub, "server busy"
	}
	return sub, ""
}

// forward writes hub events until stop closes or a write fails. A failed
// write closes conn, which ends the read loop.
func (s *Server) forward(conn *websocket.Conn, events <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case b := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	return sub, sub.Type == observerproto.TypeSubscribe && sub.ProtocolVersion == observerproto.Version
}

// IsLoopbackRemote reports whether an http.Request.RemoteAddr is a loopback
// address.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
