package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalogs is the fixed message material shared by every community: the need
// conditions a recipient can report, the bandit's nudge templates (one per
// condition, same order) and the trigger vocabulary.
type Catalogs struct {
	FallbackMessage   string      `yaml:"fallback_message" json:"fallback_message"`
	FallbackFeedback  string      `yaml:"fallback_feedback" json:"fallback_feedback"`
	TriggerVocabulary []string    `yaml:"trigger_vocabulary" json:"trigger_vocabulary"`
	Conditions        []Condition `yaml:"conditions" json:"conditions"`

	Digest string `yaml:"-" json:"-"`
}

type Condition struct {
	Text     string `yaml:"text" json:"text"`
	Feedback string `yaml:"feedback" json:"feedback"`
}

func Defaults() *Catalogs {
	c := &Catalogs{
		FallbackMessage:   "This community needs help.",
		FallbackFeedback:  "Thank you for helping.",
		TriggerVocabulary: []string{"infants", "babies", "children", "sick", "elderly", "family"},
		Conditions: []Condition{
			{
				Text:     "Infants and babies in this community are starving everyday.",
				Feedback: "You helped infants and babies in this community survive today with your generous donation.",
			},
			{
				Text:     "The children of this community are in dire need of donations.",
				Feedback: "You helped children of this community today.",
			},
			{
				Text:     "The sick and the elderly of this community are dying due to lack of resources.",
				Feedback: "You helped save some of the sick and elderly people of this community today.",
			},
			{
				Text:     "There is a family in this community that needs resources to survive.",
				Feedback: "You prevented starvation in a family today.",
			},
		},
	}
	c.Digest = c.digest()
	return c
}

func Load(path string) (*Catalogs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalogs
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalogs.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalogs.yaml: %w", err)
	}
	c.Digest = c.digest()
	return &c, nil
}

// TriggerWordsPerCommunity is how many vocabulary words each community reacts to.
const TriggerWordsPerCommunity = 2

func (c *Catalogs) Validate() error {
	if strings.TrimSpace(c.FallbackMessage) == "" {
		return errors.New("fallback_message is empty")
	}
	if len(c.Conditions) == 0 {
		return errors.New("no conditions")
	}
	seen := map[string]struct{}{}
	for i, cond := range c.Conditions {
		if strings.TrimSpace(cond.Text) == "" {
			return fmt.Errorf("conditions[%d]: empty text", i)
		}
		if _, dup := seen[cond.Text]; dup {
			return fmt.Errorf("conditions[%d]: duplicate text %q", i, cond.Text)
		}
		seen[cond.Text] = struct{}{}
		if strings.TrimSpace(cond.Feedback) == "" {
			return fmt.Errorf("conditions[%d]: empty feedback", i)
		}
	}
	if len(c.TriggerVocabulary) < TriggerWordsPerCommunity {
		return fmt.Errorf("trigger_vocabulary needs at least %d words", TriggerWordsPerCommunity)
	}
	// Matching is case-insensitive, so "Sick" and "sick" are the same word.
	words := map[string]struct{}{}
	for i, w := range c.TriggerVocabulary {
		key := strings.ToLower(strings.TrimSpace(w))
		if key == "" {
			return fmt.Errorf("trigger_vocabulary[%d]: empty word", i)
		}
		if _, dup := words[key]; dup {
			return fmt.Errorf("trigger_vocabulary[%d]: duplicate word %q", i, w)
		}
		words[key] = struct{}{}
	}
	return nil
}

// Texts returns the condition texts in catalog order.
func (c *Catalogs) Texts() []string {
	out := make([]string, len(c.Conditions))
	for i, cond := range c.Conditions {
		out[i] = cond.Text
	}
	return out
}

func (c *Catalogs) digest() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
