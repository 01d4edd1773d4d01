// Package mcp exposes the env as Model Context Protocol tools so an LLM agent
// can act as the controlling policy.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/divtosz/prosocial-ai-simulation/internal/protocol"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/policy"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/ws"
)

const protocolVersion = "2024-11-05"

const (
	toolGetInfo    = "nudgesim.get_info"
	toolGetCatalog = "nudgesim.get_catalog"
	toolReset      = "nudgesim.reset"
	toolStep       = "nudgesim.step"
	toolRelease    = "nudgesim.release"
)

// Runtime is the part of env.Runtime the tools drive.
type Runtime interface {
	Reset(ctx context.Context) ([]float64, error)
	Step(ctx context.Context, action int) (env.StepResult, error)
	Info(ctx context.Context) (env.Info, error)
}

type Config struct {
	Runtime  Runtime
	Catalogs *catalogs.Catalogs
	Tuning   tuning.Tuning

	// HMACSecret enables signed requests. Without it only loopback clients
	// are served.
	HMACSecret string
	// LeaseTTL is how long an idle agent keeps control. Default 2m.
	LeaseTTL time.Duration
	Logger   *zap.Logger
}

type Server struct {
	rt     Runtime
	cats   *catalogs.Catalogs
	secret []byte
	log    *zap.Logger
	now    func() time.Time

	lease  lease
	nonces *nonceCache

	mu   sync.RWMutex
	tune tuning.Tuning
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("mcp: nil runtime")
	}
	if cfg.Catalogs == nil {
		cfg.Catalogs = catalogs.Defaults()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		rt:     cfg.Runtime,
		cats:   cfg.Catalogs,
		log:    cfg.Logger,
		now:    time.Now,
		lease:  lease{ttl: cfg.LeaseTTL},
		nonces: newNonceCache(2*clockSkew, 65536),
		tune:   cfg.Tuning,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.secret = []byte(cfg.HMACSecret)
	}
	return s, nil
}

// SetTuning updates what get_catalog reports after a reload.
func (s *Server) SetTuning(t tuning.Tuning) {
	s.mu.Lock()
	s.tune = t
	s.mu.Unlock()
}

func (s *Server) tuning() tuning.Tuning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tune
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(rw, "bad body", http.StatusBadRequest)
			return
		}

		session := strings.TrimSpace(r.Header.Get(headerAgentID))
		if len(s.secret) > 0 {
			id, aerr := verify(r, body, s.secret, s.nonces, s.now())
			if aerr != nil {
				http.Error(rw, aerr.msg, aerr.status)
				return
			}
			session = id
		} else if !loopback(r.RemoteAddr) {
			http.Error(rw, "forbidden: non-loopback client", http.StatusForbidden)
			return
		}
		if session == "" {
			session = "default"
		}

		req, err := decodeRequest(body)
		if err != nil {
			code := codeParse
			if errors.Is(err, errNoMethod) {
				code = codeInvalidRequest
			}
			writeJSON(rw, request{}.fail(code, "bad jsonrpc request", err.Error()))
			return
		}
		if req.notification() {
			rw.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(rw, s.dispatch(r.Context(), session, req))
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func loopback(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) dispatch(ctx context.Context, session string, req request) response {
	switch req.Method {
	case "initialize":
		return req.ok(map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": "nudgesim", "version": protocol.Version},
		})
	case "ping":
		return req.ok(map[string]any{})
	case "tools/list", "list_tools":
		return req.ok(map[string]any{"tools": toolList()})
	case "tools/call", "call_tool":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return req.fail(codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return req.fail(codeInvalidParams, "bad params", err.Error())
		}
		if !knownTool(p.Name) {
			return req.fail(codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, session, p.Name, p.Arguments)
		if err != nil {
			return req.fail(codeToolFailed, err.Error(), map[string]any{"code": errorCode(err)})
		}
		return req.ok(toolResult(out))
	default:
		return req.fail(codeMethodNotFound, "method not found", nil)
	}
}

// toolResult wraps v the way MCP clients expect: a text block for the model
// and the same value as structured content.
func toolResult(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
	}
}

var (
	errBusy    = errors.New("another agent controls the env")
	errBadArgs = errors.New("bad arguments")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBusy):
		return protocol.ErrEnvBusy
	case errors.Is(err, errBadArgs):
		return protocol.ErrProtoBadRequest
	default:
		return ws.CodeFor(err)
	}
}

func (s *Server) callTool(ctx context.Context, session, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolGetInfo:
		info, err := s.rt.Info(ctx)
		if err != nil {
			return nil, err
		}
		return InfoView{
			Seed:           info.Seed,
			Episode:        info.Episode,
			EpisodeID:      info.EpisodeID,
			Step:           info.Step,
			Done:           info.Done,
			NumActions:     info.NumActions,
			ObservationLen: info.ObservationLen,
			Controller:     s.lease.current(s.now()),
		}, nil

	case toolGetCatalog:
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &p); err != nil || p.Name == "" {
			return nil, fmt.Errorf("%w: name is required", errBadArgs)
		}
		return s.catalog(p.Name)

	case toolReset:
		if !s.lease.acquire(session, s.now()) {
			return nil, errBusy
		}
		obs, err := s.rt.Reset(ctx)
		if err != nil {
			return nil, err
		}
		info, err := s.rt.Info(ctx)
		if err != nil {
			return nil, err
		}
		return newStepView(info, obs, nil, false), nil

	case toolStep:
		action, err := parseAction(args)
		if err != nil {
			return nil, err
		}
		if !s.lease.acquire(session, s.now()) {
			return nil, errBusy
		}
		res, err := s.rt.Step(ctx, action)
		if err != nil {
			return nil, err
		}
		info, err := s.rt.Info(ctx)
		if err != nil {
			return nil, err
		}
		reward := res.Reward
		return newStepView(info, res.Observation, &reward, res.Done), nil

	case toolRelease:
		released := s.lease.release(session)
		if released {
			s.log.Info("agent released control", zap.String("agent", session))
		}
		return map[string]any{"released": released}, nil
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

func parseAction(args json.RawMessage) (int, error) {
	var p struct {
		Action    *int `json:"action"`
		Donor     *int `json:"donor"`
		Recipient *int `json:"recipient"`
	}
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: action or donor/recipient is required", errBadArgs)
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", errBadArgs, err)
	}
	switch {
	case p.Action != nil && p.Donor == nil && p.Recipient == nil:
		return *p.Action, nil
	case p.Action == nil && p.Donor != nil && p.Recipient != nil:
		return env.EncodeAction(*p.Donor, *p.Recipient)
	default:
		return 0, fmt.Errorf("%w: give either action or donor and recipient", errBadArgs)
	}
}

func (s *Server) catalog(name string) (any, error) {
	switch name {
	case "catalogs":
		return map[string]any{"digest": s.cats.Digest, "data": s.cats}, nil
	case "tuning":
		b, err := yaml.Marshal(s.tuning())
		if err != nil {
			return nil, err
		}
		return map[string]any{"format": "yaml", "data": string(b)}, nil
	case "actions":
		out := make([]ActionView, 0, env.NumActions)
		for a := 0; a < env.NumActions; a++ {
			d, r, err := env.DecodeAction(a)
			if err != nil {
				return nil, err
			}
			out = append(out, ActionView{Action: a, Donor: d, Recipient: r})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown catalog %q (catalogs, tuning, actions)", errBadArgs, name)
}

type InfoView struct {
	Seed           int64  `json:"seed"`
	Episode        uint64 `json:"episode"`
	EpisodeID      string `json:"episode_id"`
	Step           uint64 `json:"step"`
	Done           bool   `json:"done"`
	NumActions     int    `json:"num_actions"`
	ObservationLen int    `json:"observation_len"`
	Controller     string `json:"controller,omitempty"`
}

type ActionView struct {
	Action    int `json:"action"`
	Donor     int `json:"donor"`
	Recipient int `json:"recipient"`
}

type CommunityView struct {
	ID        int     `json:"id"`
	Available float64 `json:"available"`
	Required  float64 `json:"required"`
	Surplus   float64 `json:"surplus"`
}

// StepView is the observation decoded for a reader that does not know the
// vector layout.
type StepView struct {
	Episode     uint64          `json:"episode"`
	Step        uint64          `json:"step"`
	Observation []float64       `json:"observation"`
	Communities []CommunityView `json:"communities"`
	Feasible    []ActionView    `json:"feasible_actions"`
	Reward      *float64        `json:"reward,omitempty"`
	Done        bool            `json:"done"`
}

func newStepView(info env.Info, obs []float64, reward *float64, done bool) StepView {
	v := StepView{
		Episode:     info.Episode,
		Step:        info.Step,
		Observation: obs,
		Reward:      reward,
		Done:        done,
		Feasible:    []ActionView{},
	}
	for i := 0; i < community.Count && 2*i+1 < len(obs); i++ {
		avail, req := obs[2*i], obs[2*i+1]
		v.Communities = append(v.Communities, CommunityView{ID: i, Available: avail, Required: req, Surplus: avail - req})
	}
	for _, a := range policy.FeasibleActions(obs) {
		d, r, _ := env.DecodeAction(a)
		v.Feasible = append(v.Feasible, ActionView{Action: a, Donor: d, Recipient: r})
	}
	return v
}

func knownTool(name string) bool {
	switch name {
	case toolGetInfo, toolGetCatalog, toolReset, toolStep, toolRelease:
		return true
	}
	return false
}

func toolList() []map[string]any {
	empty := map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
	return []map[string]any{
		{
			"name":        toolGetInfo,
			"description": "Current episode, step, seed and which agent holds control.",
			"inputSchema": empty,
		},
		{
			"name":        toolGetCatalog,
			"description": "Read static material: catalogs (nudge messages), tuning (yaml) or actions (action id to donor/recipient pair).",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "enum": []string{"catalogs", "tuning", "actions"}},
				},
				"required": []string{"name"},
			},
		},
		{
			"name":        toolReset,
			"description": "Start a new episode. Takes control of the env if no other agent holds it.",
			"inputSchema": empty,
		},
		{
			"name":        toolStep,
			"description": "Nudge a donor community to give one unit to a recipient. Pass an action id or a donor/recipient pair.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":    map[string]any{"type": "integer", "minimum": 0, "maximum": env.NumActions - 1},
					"donor":     map[string]any{"type": "integer", "minimum": 0, "maximum": community.Count - 1},
					"recipient": map[string]any{"type": "integer", "minimum": 0, "maximum": community.Count - 1},
				},
			},
		},
		{
			"name":        toolRelease,
			"description": "Give up control so another agent can reset.",
			"inputSchema": empty,
		},
	}
}
