package tracker

import (
	"context"
	"time"

	"apexbot/internal/apexapi"
	"apexbot/internal/eventbus"
	logx "apexbot/pkg/logx"
)

type fetchResult struct {
	obs apexapi.Observation
	err error
}

// Reconcile runs one pass over every tracked player: groups in order, then
// players in order, one at a time. A failure for one player never stops the
// pass. Cancelling ctx abandons the pass between players.
//
// A player tracked by several groups is fetched once per pass.
func (t *Tracker) Reconcile(ctx context.Context) (res PassResult, err error) {
	started := time.Now()
	res.Started = t.now()
	th := t.Thresholds()
	memo := map[string]fetchResult{}

	defer func() {
		res.Duration = time.Since(started)
		passDuration.Observe(res.Duration.Seconds())
		t.publish("tracker.pass_done", res)
	}()

	for _, g := range t.reg.Groups() {
		for _, p := range g.Players {
			if err = ctx.Err(); err != nil {
				t.log.Info("reconciliation pass abandoned", logx.Err(err))
				return res, err
			}
			res.Players++
			t.reconcilePlayer(ctx, g.GroupID, p.PlayerName, th, memo, &res)
		}
	}

	t.log.Debug("reconciliation pass done",
		logx.Int("players", res.Players),
		logx.Int("changed", res.Changed),
		logx.Int("failed", res.Failed),
		logx.Int("rejected", res.Rejected),
	)
	return res, nil
}

func (t *Tracker) reconcilePlayer(ctx context.Context, groupID, name string, th Thresholds, memo map[string]fetchResult, res *PassResult) {
	log := t.log.With(logx.String("group_id", groupID), logx.String("player", name))
	if t.blacklist.Contains(name) {
		res.Skipped++
		log.Debug("blacklisted player skipped")
		return
	}

	fr, ok := memo[Key(name)]
	if !ok {
		obs, err := t.fetcher.Fetch(ctx, name)
		fr = fetchResult{obs: obs, err: err}
		memo[Key(name)] = fr
		res.Fetched++
	}
	if fr.err != nil {
		res.Failed++
		log.Warn("fetch failed", logx.Err(fr.err))
		return
	}
	obs := fr.obs

	at := t.now().UTC()
	v, before, after, ok := t.reg.Apply(ctx, groupID, name, obs.Score, th.MinValidScore, th.MaxScoreDropThreshold,
		func(before PlayerSnapshot) PlayerSnapshot { return mergeObservation(before, obs, at) })
	if !ok {
		// removed while we were fetching
		return
	}
	verdicts.WithLabelValues(v.String()).Inc()

	switch v {
	case Invalid:
		res.Rejected++
		log.Warn("invalid score ignored", logx.Int("stored", before.RankScore), logx.Int("fetched", obs.Score), logx.Int("min_valid", th.MinValidScore))
	case AnomalousDrop:
		res.Rejected++
		log.Warn("anomalous score drop ignored",
			logx.Int("stored", before.RankScore),
			logx.Int("fetched", obs.Score),
			logx.Int("max_drop", th.MaxScoreDropThreshold),
		)
	case Unchanged:
		res.Unchanged++
	case Changed:
		res.Changed++
		log.Info("rank changed", logx.Int("from", before.RankScore), logx.Int("to", after.RankScore))
		t.publish("tracker.rank_changed", RankChange{GroupID: groupID, Before: before, After: after})
		if t.notifier == nil {
			return
		}
		if err := t.notifier.Send(ctx, groupID, FormatChange(before, after, obs)); err != nil {
			log.Warn("rank change not delivered", logx.Err(err))
			return
		}
		res.Notified++
	}
}

func (t *Tracker) publish(typ string, data any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
