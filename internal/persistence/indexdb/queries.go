package indexdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EpisodeRow struct {
	ID           string
	Episode      uint64
	Seed         int64
	Steps        uint64
	TotalReward  float64
	Transactions int
	InvalidSteps int
	Success      bool
	Truncated    bool
	EndedAt      time.Time
}

type CommunityEndRow struct {
	Community  int
	Available  float64
	Required   float64
	Karma      float64
	Sentiments []float64
}

// Recent returns up to limit episodes, newest first.
func (x *Index) Recent(ctx context.Context, limit int) ([]EpisodeRow, error) {
	q := fmt.Sprintf(`SELECT id, episode, seed, steps, total_reward, transactions, invalid_steps, success, truncated, ended_at
		FROM episodes ORDER BY ended_at DESC, episode DESC LIMIT %s`, x.bind(1))
	rows, err := x.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodeRow
	for rows.Next() {
		var r EpisodeRow
		var ended string
		if err := rows.Scan(&r.ID, &r.Episode, &r.Seed, &r.Steps, &r.TotalReward, &r.Transactions,
			&r.InvalidSteps, &r.Success, &r.Truncated, &ended); err != nil {
			return nil, err
		}
		r.EndedAt, _ = time.Parse(timeLayout, ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (x *Index) CommunityEnds(ctx context.Context, episodeID string) ([]CommunityEndRow, error) {
	q := fmt.Sprintf(`SELECT community, available, required, karma, sentiments_json
		FROM community_ends WHERE episode_id = %s ORDER BY community`, x.bind(1))
	rows, err := x.db.QueryContext(ctx, q, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommunityEndRow
	for rows.Next() {
		var r CommunityEndRow
		var sj string
		if err := rows.Scan(&r.Community, &r.Available, &r.Required, &r.Karma, &sj); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sj), &r.Sentiments); err != nil {
			return nil, fmt.Errorf("community %d sentiments: %w", r.Community, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates every finished, non-truncated episode.
type Totals struct {
	Episodes     int
	Successes    int
	MeanReward   float64
	MeanSteps    float64
	Transactions int
}

func (x *Index) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	var meanReward, meanSteps *float64
	var tx *int64
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			AVG(total_reward), AVG(steps), SUM(transactions)
		FROM episodes WHERE NOT truncated`).Scan(&t.Episodes, &t.Successes, &meanReward, &meanSteps, &tx)
	if err != nil {
		return t, err
	}
	if meanReward != nil {
		t.MeanReward = *meanReward
	}
	if meanSteps != nil {
		t.MeanSteps = *meanSteps
	}
	if tx != nil {
		t.Transactions = int(*tx)
	}
	return t, nil
}
