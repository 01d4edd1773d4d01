package tuning

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Seed int64 `yaml:"seed"`

	PrevActionsLen int `yaml:"prev_actions_len"`

	Rewards    Rewards    `yaml:"rewards"`
	Decision   Decision   `yaml:"decision"`
	Bandit     Bandit     `yaml:"bandit"`
	Allocation Allocation `yaml:"allocation"`

	InitialKarma          float64     `yaml:"initial_karma"`
	KarmaIncrement        float64     `yaml:"karma_increment"`
	TransferUnit          float64     `yaml:"transfer_unit"`
	ConditionProbability  float64     `yaml:"condition_probability"`
	MaxInvalidStreak      int         `yaml:"max_invalid_streak"`
	SnapshotEveryEpisodes int         `yaml:"snapshot_every_episodes"`
	Sentiments            [][]float64 `yaml:"sentiments"`
}

type Rewards struct {
	InvalidPenalty   float64 `yaml:"invalid_penalty"`
	TransactionBonus float64 `yaml:"transaction_bonus"`
	TerminalBonus    float64 `yaml:"terminal_bonus"`
	StepBaseline     float64 `yaml:"step_baseline"`
}

// Decision holds the knobs of the per-community accept/reject learner.
type Decision struct {
	UtilityNoise        float64 `yaml:"utility_noise"`
	UtilityLearningRate float64 `yaml:"utility_learning_rate"`
	TriggerFactor       float64 `yaml:"trigger_factor"`
	RecipientFactor     float64 `yaml:"recipient_factor"`
	SentimentGrowth     float64 `yaml:"sentiment_growth"`
	SurplusRatio        float64 `yaml:"surplus_ratio"`
	DesperateRatio      float64 `yaml:"desperate_ratio"`
}

type Bandit struct {
	Decay            float64 `yaml:"decay"`
	RewardWeight     float64 `yaml:"reward_weight"`
	ExplorationRate  float64 `yaml:"exploration_rate"`
	ExplorationFloor float64 `yaml:"exploration_floor"`
	InitialWeight    float64 `yaml:"initial_weight"`
}

type Allocation struct {
	TotalAvailable int `yaml:"total_available"`
	TotalRequired  int `yaml:"total_required"`
	AgencyMin      int `yaml:"agency_min"`
	AgencyMax      int `yaml:"agency_max"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// Defaults mirrors configs/tuning.yaml.
func Defaults() Tuning {
	return Tuning{
		Seed:           1337,
		PrevActionsLen: 30,
		Rewards: Rewards{
			InvalidPenalty:   -100,
			TransactionBonus: 250,
			TerminalBonus:    10000,
			StepBaseline:     50,
		},
		Decision: Decision{
			UtilityNoise:        5,
			UtilityLearningRate: 0.2,
			TriggerFactor:       1.5,
			RecipientFactor:     1.5,
			SentimentGrowth:     1.0001,
			SurplusRatio:        1.25,
			DesperateRatio:      0.75,
		},
		Bandit: Bandit{
			Decay:            0.8,
			RewardWeight:     0.8,
			ExplorationRate:  0.3,
			ExplorationFloor: 0.2,
			InitialWeight:    0.5,
		},
		Allocation: Allocation{
			TotalAvailable: 120,
			TotalRequired:  100,
			AgencyMin:      25,
			AgencyMax:      50,
			MaxAttempts:    100000,
		},
		InitialKarma:          1,
		KarmaIncrement:        0.0001,
		TransferUnit:          1,
		ConditionProbability:  0.5,
		MaxInvalidStreak:      1000,
		SnapshotEveryEpisodes: 10,
		Sentiments: [][]float64{
			{1, 0.7, 0.6, 0.3},
			{0.8, 1, 0.2, 0.5},
			{0.6, 0.1, 1, 0.8},
			{0.2, 0.6, 0.9, 1},
		},
	}
}

// Load reads a tuning file on top of Defaults, so a partial file only
// overrides the keys it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.PrevActionsLen <= 0 {
		errs = append(errs, errors.New("prev_actions_len must be > 0"))
	}
	if t.MaxInvalidStreak <= 0 {
		errs = append(errs, errors.New("max_invalid_streak must be > 0"))
	}
	if t.InitialKarma <= 0 {
		errs = append(errs, errors.New("initial_karma must be > 0"))
	}
	if t.KarmaIncrement < 0 {
		errs = append(errs, errors.New("karma_increment must be >= 0"))
	}
	if t.TransferUnit <= 0 {
		errs = append(errs, errors.New("transfer_unit must be > 0"))
	}
	if t.ConditionProbability < 0 || t.ConditionProbability > 1 {
		errs = append(errs, errors.New("condition_probability must be within [0,1]"))
	}
	if t.Decision.UtilityLearningRate < 0 || t.Decision.UtilityLearningRate > 1 {
		errs = append(errs, errors.New("decision.utility_learning_rate must be within [0,1]"))
	}
	if t.Decision.SentimentGrowth < 1 {
		errs = append(errs, errors.New("decision.sentiment_growth must be >= 1"))
	}
	d := t.Decision
	if !finite(d.UtilityNoise) || d.UtilityNoise < 0 {
		errs = append(errs, errors.New("decision.utility_noise must be >= 0"))
	}
	if !finite(d.TriggerFactor) || d.TriggerFactor <= 0 {
		errs = append(errs, errors.New("decision.trigger_factor must be > 0"))
	}
	if !finite(d.RecipientFactor) || d.RecipientFactor < 0 {
		errs = append(errs, errors.New("decision.recipient_factor must be >= 0"))
	}
	if !finite(d.DesperateRatio) || !finite(d.SurplusRatio) ||
		d.DesperateRatio <= 0 || d.DesperateRatio > 1 || d.SurplusRatio < 1 {
		errs = append(errs, fmt.Errorf("decision: need 0 < desperate_ratio <= 1 <= surplus_ratio, got %v and %v",
			d.DesperateRatio, d.SurplusRatio))
	}
	b := t.Bandit
	if !unit(b.ExplorationRate) {
		errs = append(errs, errors.New("bandit.exploration_rate must be within [0,1]"))
	}
	if !unit(b.ExplorationFloor) {
		errs = append(errs, errors.New("bandit.exploration_floor must be within [0,1]"))
	}
	if !unit(b.Decay) {
		errs = append(errs, errors.New("bandit.decay must be within [0,1]"))
	}
	if !finite(b.RewardWeight) || b.RewardWeight < 0 {
		errs = append(errs, errors.New("bandit.reward_weight must be >= 0"))
	}
	if !finite(b.InitialWeight) || b.InitialWeight < 0 {
		errs = append(errs, errors.New("bandit.initial_weight must be >= 0"))
	}
	a := t.Allocation
	if a.AgencyMin < 0 || a.AgencyMax < a.AgencyMin || a.AgencyMax > a.TotalAvailable {
		errs = append(errs, fmt.Errorf("allocation: bad agency range [%d,%d] for total %d", a.AgencyMin, a.AgencyMax, a.TotalAvailable))
	}
	if a.TotalRequired < 0 || a.MaxAttempts <= 0 {
		errs = append(errs, errors.New("allocation: total_required and max_attempts must be positive"))
	}
	for i, row := range t.Sentiments {
		for j, v := range row {
			if v < 0 || v > 1 {
				errs = append(errs, fmt.Errorf("sentiments[%d][%d]=%v outside [0,1]", i, j, v))
			}
		}
	}
	return errors.Join(errs...)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func unit(v float64) bool { return finite(v) && v >= 0 && v <= 1 }
