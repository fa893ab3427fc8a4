package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"condor/internal/logger"
	"condor/internal/strategy"
)

// Trigger is one "execute now" instruction handed to the pipeline layer. The
// idempotency key is deterministic per strategy per trading day, so a
// restarted scheduler cannot double-fire the same entry.
type Trigger struct {
	Definition     strategy.Definition
	IdempotencyKey string
	At             time.Time
}

// Scheduler sleeps until the next strategy entry window and fires. One
// goroutine, cancellable via context.
type Scheduler struct {
	defs  []strategy.Definition
	loc   *time.Location
	fire  func(Trigger)
	ctx   context.Context
	nowFn func() time.Time
}

func New(ctx context.Context, defs []strategy.Definition, loc *time.Location, fire func(Trigger)) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	active := make([]strategy.Definition, 0, len(defs))
	for _, d := range defs {
		if d.Active {
			active = append(active, d)
		}
	}
	return &Scheduler{defs: active, loc: loc, fire: fire, ctx: ctx, nowFn: time.Now}
}

func (s *Scheduler) Start() {
	if len(s.defs) == 0 {
		logger.Warnf("scheduler: no active strategies, nothing to do")
		return
	}
	go s.run()
}

func (s *Scheduler) run() {
	logger.Infof("scheduler: started with %d active strategies", len(s.defs))
	for {
		now := s.nowFn().In(s.loc)
		def, fireAt, ok := s.next(now)
		if !ok {
			logger.Warnf("scheduler: no upcoming entry windows, exit")
			return
		}
		wait := fireAt.Sub(now)
		logger.Infof("scheduler: next entry %s at %s (in %s)", def.ID, fireAt.Format(time.RFC3339), wait.Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		s.fire(Trigger{
			Definition:     def,
			IdempotencyKey: TriggerKey(def.ID, fireAt),
			At:             fireAt,
		})
	}
}

// TriggerKey builds the per-day idempotency key for a strategy entry.
func TriggerKey(strategyID string, day time.Time) string {
	return fmt.Sprintf("%s-%s", strategyID, day.Format("20060102"))
}

// next finds the earliest upcoming entry across all strategies, scanning up
// to two weeks ahead to cope with sparse entry-day sets.
func (s *Scheduler) next(now time.Time) (strategy.Definition, time.Time, bool) {
	type candidate struct {
		def strategy.Definition
		at  time.Time
	}
	var candidates []candidate
	for _, def := range s.defs {
		if at, ok := nextEntry(def, now, s.loc); ok {
			candidates = append(candidates, candidate{def: def, at: at})
		}
	}
	if len(candidates) == 0 {
		return strategy.Definition{}, time.Time{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	return candidates[0].def, candidates[0].at, true
}

func nextEntry(def strategy.Definition, now time.Time, loc *time.Location) (time.Time, bool) {
	var hh, mm int
	if _, err := fmt.Sscanf(def.EntryTime, "%d:%d", &hh, &mm); err != nil {
		logger.Warnf("scheduler: strategy %s has invalid entry_time %q", def.ID, def.EntryTime)
		return time.Time{}, false
	}
	days := make(map[time.Weekday]bool, len(def.EntryDays))
	for _, d := range def.EntryDays {
		days[time.Weekday(d)] = true
	}
	if len(days) == 0 {
		return time.Time{}, false
	}
	local := now.In(loc)
	for i := 0; i < 14; i++ {
		day := local.AddDate(0, 0, i)
		if !days[day.Weekday()] {
			continue
		}
		at := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
		if at.After(now) {
			return at, true
		}
	}
	return time.Time{}, false
}
