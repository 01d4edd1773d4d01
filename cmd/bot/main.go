// Command bot drives a nudgesim server over the WebSocket protocol with a
// stand-in policy, the way an external training loop would.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/divtosz/prosocial-ai-simulation/internal/protocol"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/policy"
)

var (
	url        string
	name       string
	episodes   int
	maxSteps   int
	policyName string
	policySeed int64
	verbose    bool
)

func main() {
	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Play episodes against a nudgesim server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := zap.NewProductionConfig()
			if verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			pol, err := policy.New(policyName, policySeed)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := play(ctx, logger.Named("bot"), pol); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "ws://localhost:8080/v1/ws", "ws url")
	f.StringVar(&name, "name", "bot", "agent name sent in HELLO")
	f.IntVarP(&episodes, "episodes", "n", 5, "episodes to play")
	f.IntVar(&maxSteps, "max-steps", 0, "give up on an episode after this many steps (0: play to done)")
	f.StringVar(&policyName, "policy", "feasible", "policy: random or feasible")
	f.Int64Var(&policySeed, "policy-seed", 1, "seed of the policy rng")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every step")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "bot:", err)
		os.Exit(1)
	}
}

type client struct {
	conn *websocket.Conn
}

func play(ctx context.Context, logger *zap.Logger, pol policy.Policy) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	c := &client{conn: conn}

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, AgentName: name}); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := c.read(protocol.TypeWelcome, &welcome); err != nil {
		return err
	}
	logger.Info("WELCOME",
		zap.String("session_id", welcome.SessionID),
		zap.Int("num_actions", welcome.Env.NumActions),
		zap.Int64("seed", welcome.Env.Seed))

	for ep := 0; ep < episodes; ep++ {
		obs, err := c.exchange(protocol.ResetMsg{Type: protocol.TypeReset, ProtocolVersion: protocol.Version})
		if err != nil {
			return err
		}
		total := 0.0
		for s := 0; !obs.Done && (maxSteps <= 0 || s < maxSteps); s++ {
			a := pol.Act(obs.Observation)
			obs, err = c.exchange(protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version, Action: a})
			if err != nil {
				return err
			}
			total += obs.Reward
			logger.Debug("step", zap.Uint64("step", obs.Step), zap.Int("action", a), zap.Float64("reward", obs.Reward))
		}
		logger.Info("episode",
			zap.Uint64("episode", obs.Episode),
			zap.Uint64("steps", obs.Step),
			zap.Float64("total_reward", total),
			zap.Bool("done", obs.Done))
	}
	return nil
}

func (c *client) exchange(msg any) (protocol.ObsMsg, error) {
	var obs protocol.ObsMsg
	if err := c.conn.WriteJSON(msg); err != nil {
		return obs, err
	}
	err := c.read(protocol.TypeObs, &obs)
	return obs, err
}

// read decodes the next frame into v, or returns the server's ERROR.
func (c *client) read(want string, v any) error {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	base, err := protocol.Peek(raw)
	if err != nil {
		return err
	}
	switch base.Type {
	case want:
		return json.Unmarshal(raw, v)
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return fmt.Errorf("server: %w", e)
	default:
		return errors.New("unexpected message " + base.Type)
	}
}
