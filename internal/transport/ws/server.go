package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/protocol"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

// Runtime is the part of env.Runtime the server drives.
type Runtime interface {
	Reset(ctx context.Context) ([]float64, error)
	Step(ctx context.Context, action int) (env.StepResult, error)
	Info(ctx context.Context) (env.Info, error)
}

type Server struct {
	rt        Runtime
	log       *zap.Logger
	validator *protocol.Validator
	params    protocol.EnvParams
	digest    string

	upgrader websocket.Upgrader

	mu     sync.Mutex
	holder string
	conn   *websocket.Conn
}

// NewServer serves one controlling client at a time. params and digest are
// echoed in WELCOME.
func NewServer(rt Runtime, params protocol.EnvParams, catalogsDigest string, logger *zap.Logger) (*Server, error) {
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		rt:        rt,
		log:       logger,
		validator: v,
		params:    params,
		digest:    catalogsDigest,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}, nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID := s.handshake(conn)
		if sessionID == "" {
			return
		}
		defer s.release(sessionID)
		log := s.log.With(zap.String("session", sessionID))
		log.Info("client attached", zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, 8)
		writerDone := make(chan struct{})
		// Writer goroutine.
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handle(ctx, msg, log)
			b, err := json.Marshal(reply)
			if err != nil {
				log.Error("marshal reply", zap.Error(err))
				break
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		<-writerDone
		log.Info("client detached")
	}
}

func (s *Server) handle(ctx context.Context, msg []byte, log *zap.Logger) any {
	base, err := s.validator.Validate(msg)
	if err != nil {
		return protocol.NewError(protocol.ErrProtoBadRequest, err.Error())
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		return protocol.NewError(protocol.ErrProtoBadRequest, fmt.Sprintf("protocol_version %q, want %q", base.ProtocolVersion, protocol.Version))
	}

	switch base.Type {
	case protocol.TypeReset:
		obs, err := s.rt.Reset(ctx)
		if err != nil {
			return s.errorReply(err, log)
		}
		return s.obs(ctx, obs, 0, false, log)
	case protocol.TypeStep:
		var step protocol.StepMsg
		if err := json.Unmarshal(msg, &step); err != nil {
			return protocol.NewError(protocol.ErrProtoBadRequest, err.Error())
		}
		res, err := s.rt.Step(ctx, step.Action)
		if err != nil {
			return s.errorReply(err, log)
		}
		return s.obs(ctx, res.Observation, res.Reward, res.Done, log)
	default:
		return protocol.NewError(protocol.ErrProtoBadRequest, "unexpected "+base.Type)
	}
}

func (s *Server) obs(ctx context.Context, observation []float64, reward float64, done bool, log *zap.Logger) any {
	info, err := s.rt.Info(ctx)
	if err != nil {
		return s.errorReply(err, log)
	}
	return protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		EpisodeID:       info.EpisodeID,
		Episode:         info.Episode,
		Step:            info.Step,
		Observation:     observation,
		Reward:          reward,
		Done:            done,
		Info:            map[string]any{},
	}
}

func (s *Server) errorReply(err error, log *zap.Logger) protocol.ErrorMsg {
	code := CodeFor(err)
	if code == protocol.ErrInternal {
		log.Error("env call failed", zap.Error(err))
	}
	return protocol.NewError(code, err.Error())
}

// CodeFor maps env errors onto protocol error codes.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, env.ErrInvalidAction):
		return protocol.ErrBadAction
	case errors.Is(err, env.ErrNotReset):
		return protocol.ErrNotReset
	case errors.Is(err, env.ErrEpisodeDone):
		return protocol.ErrEpisodeDone
	default:
		return protocol.ErrInternal
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := s.validator.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(conn, protocol.ErrProtoBadRequest, "bad protocol_version")
		return ""
	}

	sessionID = uuid.NewString()
	if !s.acquire(sessionID, conn) {
		s.log.Info("rejecting second controller", zap.String("agent", hello.AgentName))
		reject(conn, protocol.ErrEnvBusy, "another client controls the env")
		return ""
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		Env:             s.params,
		CatalogsDigest:  s.digest,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.release(sessionID)
		return ""
	}
	return sessionID
}

func (s *Server) acquire(id string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != "" {
		return false
	}
	s.holder, s.conn = id, conn
	return true
}

func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == id {
		s.holder, s.conn = "", nil
	}
}

// Close drops the controlling connection, if any. http.Server.Shutdown does
// not touch hijacked connections.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = s.conn.Close()
	}
}

func reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.NewError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
