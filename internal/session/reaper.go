package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Observer is notified after every sweep that changed something.
type Observer interface {
	SessionsReaped(abandoned, evicted int)
}

// Reaper runs Table.Sweep on a cron schedule.
type Reaper struct {
	table    *Table
	policy   ExpiryPolicy
	clock    Clock
	observer Observer
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewReaper schedules sweeps of table. schedule accepts any robfig/cron expression,
// including descriptors such as "@every 1m".
func NewReaper(table *Table, policy ExpiryPolicy, clock Clock, schedule string, observer Observer, logger *slog.Logger) (*Reaper, error) {
	if table == nil {
		return nil, errors.New("session: table must not be nil")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.New("session: reaper schedule must not be empty")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		table:    table,
		policy:   policy,
		clock:    clock,
		observer: observer,
		logger:   logger,
		cron:     cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return nil, fmt.Errorf("session: parse reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running scheduled sweeps in the background.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule. The returned context is done once a running sweep
// has finished.
func (r *Reaper) Stop() context.Context {
	return r.cron.Stop()
}

// Sweep runs one pass immediately.
func (r *Reaper) Sweep() SweepResult {
	res := r.table.Sweep(r.policy, r.clock.Now())
	if res.Abandoned == 0 && res.Evicted == 0 {
		return res
	}
	r.logger.Info("ivr sessions reaped", "abandoned", res.Abandoned, "evicted", res.Evicted, "resident", r.table.Len())
	if r.observer != nil {
		r.observer.SessionsReaped(res.Abandoned, res.Evicted)
	}
	return res
}
