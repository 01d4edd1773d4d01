package main

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/indexdb"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/bandit"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

var (
	accent  = lipgloss.Color("#8BC34A")
	muted   = lipgloss.Color("#6B7280")
	danger  = lipgloss.Color("#E53935")
	heading = lipgloss.NewStyle().Bold(true).Foreground(accent)
	label   = lipgloss.NewStyle().Foreground(muted)
	card    = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(muted).
		Padding(0, 1).
		Width(60)
	okStyle   = lipgloss.NewStyle().Foreground(accent)
	failStyle = lipgloss.NewStyle().Foreground(danger)
)

// slotLabels names every utility slot after its production.
var slotLabels = func() [community.UtilitySlots]string {
	var out [community.UtilitySlots]string
	regimes := map[community.Role][2]community.Regime{
		community.Donor:     {community.Surplus, community.Maintenance},
		community.Recipient: {community.Desirable, community.Desperate},
	}
	for _, role := range []community.Role{community.Donor, community.Recipient} {
		for _, s := range []community.Sentiment{community.Neutral, community.Positive, community.Negative} {
			for _, r := range regimes[role] {
				for _, a := range []community.Action{community.Accept, community.Reject} {
					out[community.Slot(role, s, r, a)] = role.String() + ":" + community.ProductionName(role, s, r, a)
				}
			}
		}
	}
	return out
}()

func renderSnapshot(h snapshot.Header, st env.LearnedState, cats *catalogs.Catalogs) string {
	var b strings.Builder
	b.WriteString(heading.Render(fmt.Sprintf("snapshot v%d  episode %d  seed %d", h.Version, h.Episode, h.Seed)))
	b.WriteString("\n")
	b.WriteString(label.Render(fmt.Sprintf("created %s  catalogs %s", h.CreatedAt.Format("2006-01-02 15:04:05Z07:00"), shortDigest(h.CatalogsDigest))))
	if cats != nil && h.CatalogsDigest != "" && cats.Digest != h.CatalogsDigest {
		b.WriteString("\n")
		b.WriteString(failStyle.Render("catalogs changed since this snapshot (current " + shortDigest(cats.Digest) + ")"))
	}
	b.WriteString("\n")

	cards := make([]string, 0, len(st.Communities))
	for i, c := range st.Communities {
		var bs *bandit.State
		if i < len(st.Bandits) {
			bs = &st.Bandits[i]
		}
		cards = append(cards, renderCommunity(c, bs, cats))
	}
	// Two cards per row.
	var rows []string
	for i := 0; i < len(cards); i += 2 {
		end := min(i+2, len(cards))
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cards[i:end]...))
	}
	b.WriteString(lipgloss.JoinVertical(lipgloss.Left, rows...))
	return b.String()
}

func renderCommunity(c community.State, bs *bandit.State, cats *catalogs.Catalogs) string {
	var lines []string
	lines = append(lines, heading.Render(fmt.Sprintf("community %d", c.ID)))
	lines = append(lines, fmt.Sprintf("%s %.4f", label.Render("karma"), c.Karma))
	lines = append(lines, fmt.Sprintf("%s %s", label.Render("triggers"), strings.Join(c.TriggerWords[:], ", ")))

	sent := make([]string, len(c.Sentiments))
	for j, v := range c.Sentiments {
		sent[j] = fmt.Sprintf("%d:%.3f", j, v)
	}
	lines = append(lines, fmt.Sprintf("%s %s", label.Render("sentiment"), strings.Join(sent, " ")))

	lines = append(lines, label.Render("strongest utilities"))
	for _, slot := range topSlots(c.Utilities[:], 3) {
		lines = append(lines, fmt.Sprintf("  %-44s %8.2f", slotLabels[slot], c.Utilities[slot]))
	}

	if bs != nil {
		lines = append(lines, fmt.Sprintf("%s cumulative %.0f", label.Render("bandit"), bs.CumulativeReward))
		for o, p := range bs.Probs {
			name := fmt.Sprintf("option %d", o)
			if cats != nil && o < len(cats.Conditions) {
				name = truncate(cats.Conditions[o].Text, 28)
			}
			lines = append(lines, fmt.Sprintf("  %-28s %5.3f %s", name, p, bar(p, 8)))
		}
	}
	return card.Render(strings.Join(lines, "\n"))
}

func renderEpisodes(eps []env.EpisodeSummary) string {
	if len(eps) == 0 {
		return label.Render("no finished episodes")
	}
	var lines []string
	lines = append(lines, heading.Render(fmt.Sprintf("%-8s %-7s %12s %6s %8s  %s", "episode", "steps", "reward", "tx", "invalid", "result")))
	succ := 0
	for _, s := range eps {
		res := failStyle.Render("stalled")
		switch {
		case s.Success:
			res = okStyle.Render("success")
			succ++
		case s.Truncated:
			res = label.Render("truncated")
		}
		lines = append(lines, fmt.Sprintf("%-8d %-7d %12.1f %6d %8d  %s", s.Episode, s.Steps, s.TotalReward, s.Transactions, s.InvalidSteps, res))
	}
	lines = append(lines, label.Render(fmt.Sprintf("%d/%d episodes succeeded", succ, len(eps))))
	return strings.Join(lines, "\n")
}

func renderIndex(t indexdb.Totals, recent []indexdb.EpisodeRow) string {
	var lines []string
	lines = append(lines, heading.Render("episode index"))
	rate := 0.0
	if t.Episodes > 0 {
		rate = float64(t.Successes) / float64(t.Episodes)
	}
	lines = append(lines, fmt.Sprintf("%s %d  %s %.1f%%  %s %.1f  %s %.1f  %s %d",
		label.Render("episodes"), t.Episodes,
		label.Render("success"), 100*rate,
		label.Render("mean reward"), t.MeanReward,
		label.Render("mean steps"), t.MeanSteps,
		label.Render("transactions"), t.Transactions))
	for _, r := range recent {
		res := failStyle.Render("stalled")
		switch {
		case r.Success:
			res = okStyle.Render("success")
		case r.Truncated:
			res = label.Render("truncated")
		}
		lines = append(lines, fmt.Sprintf("  #%-6d %6d steps %12.1f  %s  %s", r.Episode, r.Steps, r.TotalReward, res,
			label.Render(r.EndedAt.Format("2006-01-02 15:04:05"))))
	}
	return strings.Join(lines, "\n")
}

// topSlots returns the n slots with the largest absolute utility, ties by
// slot order.
func topSlots(u []float64, n int) []int {
	idx := make([]int, len(u))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return math.Abs(u[idx[a]]) > math.Abs(u[idx[b]]) })
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}

func bar(p float64, width int) string {
	n := int(math.Round(p * float64(width)))
	n = max(0, min(width, n))
	return okStyle.Render(strings.Repeat("█", n)) + label.Render(strings.Repeat("░", width-n))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}
