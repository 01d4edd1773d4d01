package env

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/bandit"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

var (
	ErrNotReset    = errors.New("env: step before reset")
	ErrEpisodeDone = errors.New("env: episode is done, reset first")
	// ErrShapeChange rejects a reload that would change the observation
	// length agents were told about.
	ErrShapeChange = errors.New("env: prev_actions_len cannot change while running")
)

type Config struct {
	Tuning   tuning.Tuning
	Catalogs *catalogs.Catalogs
	// Seed overrides Tuning.Seed when non-zero.
	Seed   int64
	Logger *zap.Logger

	StepRecorders    []StepRecorder
	EpisodeRecorders []EpisodeRecorder
}

// StepResult is what one step hands back to the policy.
type StepResult struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Env is the episode controller. It owns the communities and their message
// bandits for the life of the process; Reset only redraws resource levels.
// Env is not safe for concurrent use; Runtime serializes access.
type Env struct {
	cfg     tuning.Tuning
	pending *tuning.Tuning
	cats    *catalogs.Catalogs
	seed    int64
	rng     *rand.Rand
	log     *zap.Logger

	communities [community.Count]*community.Community
	bandits     [community.Count]*bandit.MessageBandit

	stepRecorders    []StepRecorder
	episodeRecorders []EpisodeRecorder

	window []int

	started       bool
	done          bool
	episode       uint64
	episodeID     string
	step          uint64
	invalidStreak int
	stats         episodeStats
}

type episodeStats struct {
	totalReward  float64
	transactions int
	invalidSteps int
	success      bool
}

func New(cfg Config) (*Env, error) {
	if cfg.Catalogs == nil {
		cfg.Catalogs = catalogs.Defaults()
	}
	if err := cfg.Catalogs.Validate(); err != nil {
		return nil, fmt.Errorf("catalogs: %w", err)
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seed := cfg.Tuning.Seed
	if cfg.Seed != 0 {
		seed = cfg.Seed
	}

	e := &Env{
		cfg:              cfg.Tuning,
		cats:             cfg.Catalogs,
		seed:             seed,
		rng:              rand.New(rand.NewSource(seed)),
		log:              cfg.Logger,
		stepRecorders:    cfg.StepRecorders,
		episodeRecorders: cfg.EpisodeRecorders,
	}
	for i := range e.communities {
		c, err := community.New(i, cfg.Tuning, cfg.Catalogs, e.rng)
		if err != nil {
			return nil, err
		}
		e.communities[i] = c
		e.bandits[i] = bandit.New(c, cfg.Tuning.Bandit, cfg.Catalogs)
	}
	return e, nil
}

func (e *Env) Seed() int64                  { return e.seed }
func (e *Env) Episode() uint64              { return e.episode }
func (e *Env) EpisodeID() string            { return e.episodeID }
func (e *Env) StepCount() uint64            { return e.step }
func (e *Env) Done() bool                   { return e.done }
func (e *Env) Tuning() tuning.Tuning        { return e.cfg }
func (e *Env) Catalogs() *catalogs.Catalogs { return e.cats }

// ObservationLen is 4 (available, required) pairs plus the action window.
func (e *Env) ObservationLen() int { return 2*community.Count + e.cfg.PrevActionsLen }

func (e *Env) Community(i int) *community.Community { return e.communities[i] }
func (e *Env) Bandit(i int) *bandit.MessageBandit   { return e.bandits[i] }

// ApplyTuning stages t; it takes effect at the next Reset so a running
// episode never changes rules midway. Seed and sentiments are ignored and
// prev_actions_len must stay the same.
func (e *Env) ApplyTuning(t tuning.Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.PrevActionsLen != e.cfg.PrevActionsLen {
		return fmt.Errorf("%w: %d -> %d", ErrShapeChange, e.cfg.PrevActionsLen, t.PrevActionsLen)
	}
	e.pending = &t
	return nil
}

// Reset starts a new episode with freshly drawn resource levels. Karma,
// sentiments, utilities and bandit state carry over.
func (e *Env) Reset() ([]float64, error) {
	if e.started && !e.done && e.step > 0 {
		e.emitSummary(true)
	}
	if e.pending != nil {
		e.applyPending()
	}

	karma := make([]float64, community.Count)
	for i, c := range e.communities {
		karma[i] = c.Karma
	}
	avail, req, err := allocateResources(e.rng, karma, e.cfg.Allocation)
	if err != nil {
		return nil, err
	}
	for i, c := range e.communities {
		c.SetResources(avail[i], req[i])
	}

	e.window = make([]int, e.cfg.PrevActionsLen)
	for i := range e.window {
		e.window[i] = -1
	}
	e.started = true
	e.done = false
	e.episode++
	e.episodeID = uuid.NewString()
	e.step = 0
	e.invalidStreak = 0
	e.stats = episodeStats{}

	obs := e.Observation()
	e.log.Debug("episode reset",
		zap.Uint64("episode", e.episode),
		zap.Float64s("available", avail),
		zap.Float64s("required", req),
		zap.Float64s("karma", karma))
	e.record(StepLogEntry{
		Kind:        EntryReset,
		EpisodeID:   e.episodeID,
		Episode:     e.episode,
		Seed:        e.seed,
		Action:      -1,
		Donor:       -1,
		Recipient:   -1,
		Option:      bandit.NoOption,
		Observation: obs,
	})
	return obs, nil
}

// Step resolves one nudge. Actions outside [0, NumActions) are rejected
// without touching any state.
func (e *Env) Step(action int) (StepResult, error) {
	if !e.started {
		return StepResult{}, ErrNotReset
	}
	if e.done {
		return StepResult{}, ErrEpisodeDone
	}
	donorID, recipientID, err := DecodeAction(action)
	if err != nil {
		return StepResult{}, err
	}
	entry := StepLogEntry{
		Kind:      EntryStep,
		EpisodeID: e.episodeID,
		Episode:   e.episode,
		Step:      e.step + 1,
		Action:    action,
		Donor:     donorID,
		Recipient: recipientID,
		Option:    bandit.NoOption,
	}
	donor, recipient := e.communities[donorID], e.communities[recipientID]

	var reward float64
	if donor.Available <= donor.Required || recipient.Available >= recipient.Required {
		e.pushAction(action)
		e.step++
		reward = e.cfg.Rewards.InvalidPenalty
		e.invalidStreak++
		e.stats.invalidSteps++
		if e.invalidStreak >= e.cfg.MaxInvalidStreak {
			e.done = true
			e.log.Info("episode capped after consecutive invalid nudges",
				zap.Uint64("episode", e.episode),
				zap.Int("streak", e.invalidStreak))
		}
	} else {
		entry.Valid = true
		cp := e.checkpoint(donorID, recipientID)
		bonus, err := e.nudge(donorID, recipientID, &entry)
		if err != nil {
			cp.rollback()
			return StepResult{}, err
		}
		e.pushAction(action)
		e.step++
		e.invalidStreak = 0
		if e.sufficient() {
			e.done = true
			e.stats.success = true
			reward = bonus + e.cfg.Rewards.TerminalBonus
			e.log.Info("communities self-sufficient",
				zap.Uint64("episode", e.episode),
				zap.Uint64("steps", e.step))
		} else {
			reward = e.cfg.Rewards.StepBaseline + bonus - e.insufficiency()
		}
	}
	e.stats.totalReward += reward

	obs := e.Observation()
	entry.InvalidStreak = e.invalidStreak
	entry.Reward = reward
	entry.Done = e.done
	entry.Success = e.stats.success
	entry.Observation = obs
	e.record(entry)
	if e.done {
		e.emitSummary(false)
	}

	return StepResult{
		Observation: obs,
		Reward:      reward,
		Done:        e.done,
		Info:        map[string]any{},
	}, nil
}

// nudge runs the donor/recipient protocol for a valid pair and returns the
// transaction bonus.
func (e *Env) nudge(donorID, recipientID int, entry *StepLogEntry) (float64, error) {
	donor, recipient := e.communities[donorID], e.communities[recipientID]
	mb := e.bandits[donorID]

	active := recipient.SampleConditions(e.rng)
	msg, opt := mb.Suggest(e.rng, active)
	entry.Conditions = active
	entry.Message = msg
	entry.Option = opt

	dOut, err := donor.Respond(e.rng, community.Request{Role: community.Donor, Counterpart: recipientID, Message: msg})
	if err != nil {
		return 0, fmt.Errorf("donor %d: %w", donorID, err)
	}
	entry.DonorDecision = decisionItem(dOut)
	if err := mb.Learn(opt, dOut.Accepted); err != nil {
		return 0, fmt.Errorf("bandit %d: %w", donorID, err)
	}
	e.log.Debug("donor decision",
		zap.Int("donor", donorID),
		zap.Int("recipient", recipientID),
		zap.String("message", msg),
		zap.Strings("trigger_words", donor.TriggerWords[:]),
		zap.String("production", dOut.Production),
		zap.Bool("accepted", dOut.Accepted))
	if !dOut.Accepted {
		return 0, nil
	}

	rOut, err := recipient.Respond(e.rng, community.Request{Role: community.Recipient, Counterpart: donorID})
	if err != nil {
		return 0, fmt.Errorf("recipient %d: %w", recipientID, err)
	}
	entry.RecipientDecision = decisionItem(rOut)
	e.log.Debug("recipient decision",
		zap.Int("recipient", recipientID),
		zap.String("production", rOut.Production),
		zap.Bool("accepted", rOut.Accepted))
	if !rOut.Accepted {
		return 0, nil
	}

	donor.AddKarma(e.cfg.KarmaIncrement)
	unit := e.cfg.TransferUnit
	donor.Available -= unit
	recipient.Available += unit
	e.stats.transactions++
	entry.Transfer = unit
	entry.Feedback = mb.Feedback(opt)
	e.log.Debug("transaction", zap.String("feedback", entry.Feedback))
	return e.cfg.Rewards.TransactionBonus, nil
}

// stepCheckpoint holds what a failed nudge may already have learned. The rng
// is not rewound.
type stepCheckpoint struct {
	donor, recipient           *community.Community
	donorState, recipientState community.State
	recipientConditions        []string
	bandit                     *bandit.MessageBandit
	banditState                bandit.State
}

func (e *Env) checkpoint(donorID, recipientID int) stepCheckpoint {
	d, r := e.communities[donorID], e.communities[recipientID]
	return stepCheckpoint{
		donor:               d,
		recipient:           r,
		donorState:          d.State(),
		recipientState:      r.State(),
		recipientConditions: r.Conditions,
		bandit:              e.bandits[donorID],
		banditState:         e.bandits[donorID].State(),
	}
}

func (cp stepCheckpoint) rollback() {
	cp.donor.Load(cp.donorState)
	cp.recipient.Load(cp.recipientState)
	cp.recipient.Conditions = cp.recipientConditions
	cp.bandit.Load(cp.banditState)
}

// Observation is [avail_0, req_0, ..., avail_3, req_3] followed by the
// previous-action window, oldest first.
func (e *Env) Observation() []float64 {
	obs := make([]float64, 0, e.ObservationLen())
	for _, c := range e.communities {
		obs = append(obs, c.Available, c.Required)
	}
	for _, a := range e.window {
		obs = append(obs, float64(a))
	}
	return obs
}

func (e *Env) pushAction(a int) {
	if len(e.window) == 0 {
		return
	}
	copy(e.window, e.window[1:])
	e.window[len(e.window)-1] = a
}

func (e *Env) sufficient() bool {
	for _, c := range e.communities {
		if !c.Sufficient() {
			return false
		}
	}
	return true
}

func (e *Env) insufficiency() float64 {
	total := 0.0
	for _, c := range e.communities {
		total += c.Shortfall()
	}
	return total
}

func (e *Env) applyPending() {
	t := *e.pending
	e.pending = nil
	t.Seed = e.cfg.Seed
	t.Sentiments = e.cfg.Sentiments
	e.cfg = t
	for i, c := range e.communities {
		c.Configure(t)
		e.bandits[i].Configure(t.Bandit)
	}
	e.log.Info("tuning applied", zap.Uint64("next_episode", e.episode+1))
}

func (e *Env) record(entry StepLogEntry) {
	for _, r := range e.stepRecorders {
		if err := r.WriteStep(entry); err != nil {
			e.log.Warn("step recorder failed", zap.Error(err))
		}
	}
}

func (e *Env) emitSummary(truncated bool) {
	if len(e.episodeRecorders) == 0 {
		return
	}
	s := EpisodeSummary{
		ID:           e.episodeID,
		Episode:      e.episode,
		Seed:         e.seed,
		Steps:        e.step,
		TotalReward:  e.stats.totalReward,
		Transactions: e.stats.transactions,
		InvalidSteps: e.stats.invalidSteps,
		Success:      e.stats.success,
		Truncated:    truncated,
		EndedAt:      time.Now().UTC(),
	}
	for _, c := range e.communities {
		s.Communities = append(s.Communities, CommunityEnd{
			ID:         c.ID,
			Available:  c.Available,
			Required:   c.Required,
			Karma:      c.Karma,
			Sentiments: append([]float64(nil), c.Sentiments[:]...),
		})
	}
	for _, r := range e.episodeRecorders {
		if err := r.WriteEpisode(s); err != nil {
			e.log.Warn("episode recorder failed", zap.Error(err))
		}
	}
}

func decisionItem(o community.Outcome) *DecisionLogItem {
	return &DecisionLogItem{
		Community:  o.Community,
		Production: o.Production,
		Sentiment:  o.SentimentValue,
		Reward:     o.Reward,
		Utility:    o.Utility,
		Accepted:   o.Accepted,
	}
}
