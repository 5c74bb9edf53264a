// Package scheduler evaluates per-host time tables once a minute,
// computing desired state and driving restart rules (§4.I).
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/config"
	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/registry"
)

// Target is the desired host state a schedule period computes.
type Target int

const (
	// TargetNone means no period matched; leave the host alone.
	TargetNone Target = iota
	TargetRunning
	TargetShutdown
)

// Actions is what the scheduler asks the caller to do for one host on a
// tick; the caller (the node's main wiring) owns starting/stopping
// through the lifecycle orchestrator so the scheduler stays a pure
// decision function plus the ticking loop around it.
type Actions interface {
	Start(ctx context.Context, h *host.Host) error
	WarnThenTeardown(ctx context.Context, h *host.Host, warnTimes []int) error
	ApplyRestartRule(ctx context.Context, h *host.Host, rule config.RestartRule) error
}

// Scheduler ticks once a minute over every host registered to this node.
type Scheduler struct {
	reg     *registry.Registry
	cfg     *config.Tree
	actions Actions
	log     zerolog.Logger
}

// New constructs a Scheduler.
func New(reg *registry.Registry, cfg *config.Tree, actions Actions, log zerolog.Logger) *Scheduler {
	return &Scheduler{reg: reg, cfg: cfg, actions: actions, log: log.With().Str("component", "scheduler").Logger()}
}

// Run ticks every minute until ctx is cancelled (§4.I: "once per minute").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, h := range s.reg.All() {
		if h.NodeName != s.cfg.NodeName {
			continue
		}
		if err := s.evaluate(ctx, h, now); err != nil {
			s.log.Warn().Err(err).Str("host", h.Name).Msg("scheduler evaluation failed")
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, h *host.Host, now time.Time) error {
	switch h.Status() {
	case host.Unregistered, host.Loading:
		return nil
	}
	if h.InMaintenance() {
		return nil
	}

	srvCfg, ok := s.cfg.Servers[h.Name]
	if !ok {
		return nil
	}

	warnTimes := srvCfg.Warn.Times
	horizon := maxWarnSeconds(warnTimes)
	target := checkServerState(srvCfg.Schedule, now.Add(time.Duration(horizon)*time.Second), h.Populated())

	switch {
	case target == TargetRunning && h.Status() == host.Shutdown:
		return s.actions.Start(ctx, h)
	case target == TargetShutdown && (h.Status() == host.Stopped || h.Status() == host.Running || h.Status() == host.Paused):
		return s.actions.WarnThenTeardown(ctx, h, warnTimes)
	default:
		return s.evaluateRestartRules(ctx, h, srvCfg, now)
	}
}

// evaluateRestartRules applies config-order restart rules, first match
// wins, including mission-time boundary scheduling (§4.I).
func (s *Scheduler) evaluateRestartRules(ctx context.Context, h *host.Host, srvCfg *config.ServerCfg, now time.Time) error {
	if h.Status() != host.Running && h.Status() != host.Paused {
		return nil
	}
	for _, rule := range srvCfg.Restart {
		if rule.Populated != nil && !*rule.Populated && h.Populated() {
			continue
		}
		if rule.MissionTime > 0 && h.CurrentMission != nil {
			if missionTimeBoundaryHit(h.CurrentMission.MissionTime, rule.MissionTime, srvCfg.Warn.Times) {
				return s.actions.ApplyRestartRule(ctx, h, rule)
			}
			continue
		}
		if len(rule.LocalTimes) > 0 && matchesLocalTime(now, rule.LocalTimes) {
			return s.actions.ApplyRestartRule(ctx, h, rule)
		}
	}
	return nil
}

// missionTimeBoundaryHit is the trigger for §4.I "Mission-time restarts":
// it reports whether missionTime + w >= mission_time*60 holds for some
// warn-time w, i.e. whether the boundary lies within the longest warn-time
// from now or has already passed; with no warn-times it reports whether
// the boundary itself has been reached. It stays true on every later tick
// until the mission clock resets, and it computes no delay: the caller
// starts the restart, warn ladder included, on a tick where it is true.
func missionTimeBoundaryHit(missionTimeSeconds int64, missionTimeMinutes int, warnTimes []int) bool {
	boundary := int64(missionTimeMinutes) * 60
	sorted := append([]int(nil), warnTimes...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, w := range sorted {
		if missionTimeSeconds+int64(w) >= boundary {
			return true
		}
	}
	return missionTimeSeconds >= boundary
}

func matchesLocalTime(now time.Time, localTimes []string) bool {
	cur := now.Format("15:04")
	for _, t := range localTimes {
		if t == cur {
			return true
		}
	}
	return false
}

func maxWarnSeconds(times []int) int {
	m := 0
	for _, t := range times {
		if t > m {
			m = t
		}
	}
	return m
}

// checkServerState evaluates the weekly-mask schedule for the instant at,
// returning the desired state of a period that contains it (§4.I). Y =>
// keep running, N => shut down, P => run only while populated. Periods are
// visited in map order, so when several overlapping periods contain at,
// which one decides is not defined.
func checkServerState(schedule map[string]string, at time.Time, populated bool) Target {
	weekday := int(at.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday is index 7 in the Mon..Sun mask
	}
	idx := weekday - 1

	for period, mask := range schedule {
		if len(mask) != 7 {
			continue
		}
		if !periodContains(period, at) {
			continue
		}
		switch mask[idx] {
		case 'Y':
			return TargetRunning
		case 'N':
			return TargetShutdown
		case 'P':
			if populated {
				return TargetRunning
			}
			return TargetShutdown
		}
	}
	return TargetNone
}

// periodContains parses a "HH:MM-HH:MM" period spec and reports whether
// at's time-of-day falls within it, wrapping past midnight if end < start.
func periodContains(period string, at time.Time) bool {
	var startStr, endStr string
	for i := 0; i < len(period); i++ {
		if period[i] == '-' {
			startStr = period[:i]
			endStr = period[i+1:]
			break
		}
	}
	if startStr == "" || endStr == "" {
		return false
	}

	start, err1 := time.Parse("15:04", startStr)
	end, err2 := time.Parse("15:04", endStr)
	if err1 != nil || err2 != nil {
		return false
	}

	cur := at.Hour()*60 + at.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()

	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}
