// Package dispatch fans host events out to registered listeners with a
// per-call timeout budget and per-host FIFO ordering (§4.J, §5).
package dispatch

import (
	"context"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/host"
)

// Listener handles one command name on one host. Handle must return
// promptly after ctx is cancelled; the dispatcher treats an overrun as a
// logged timeout, never a crash (§5 "Cancellation").
type Listener struct {
	Name   string
	Events map[string]bool
	Handle func(ctx context.Context, h *host.Host, data []byte) error
}

// Dispatcher owns one worker goroutine per registered host, draining its
// queue and fanning each message out to every matching listener
// concurrently with a shared deadline.
type Dispatcher struct {
	listeners []Listener
	budget    time.Duration
	filters   map[string]*regexp.Regexp
	log       zerolog.Logger
}

// New constructs a Dispatcher with the given per-call budget (§4.J: 60s
// default, 120s on slow systems — the caller passes the resolved value).
func New(budget time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{budget: budget, log: log.With().Str("component", "dispatch").Logger()}
}

// SetFilters compiles nodes.yaml's filter map (host/mission name regex ->
// exclude pattern), the servicebus filter() supplement from
// original_source/services/servicebus/service.py: a host or mission whose
// name matches its pattern is dropped at the top of fanOut and never
// reaches a listener, without needing the host unregistered.
func (d *Dispatcher) SetFilters(patterns map[string]string) error {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for key, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		compiled[key] = re
	}
	d.filters = compiled
	return nil
}

func (d *Dispatcher) excluded(h *host.Host) bool {
	if re, ok := d.filters[h.Name]; ok && re.MatchString(h.Name) {
		return true
	}
	if h.CurrentMission != nil {
		if re, ok := d.filters["mission"]; ok && re.MatchString(h.CurrentMission.DisplayName) {
			return true
		}
	}
	return false
}

// Register adds a listener. Not safe for concurrent use with Worker;
// register all listeners before starting any host workers.
func (d *Dispatcher) Register(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Worker drains h's queue until ctx is cancelled or the queue is closed,
// dispatching each event to matching listeners before dequeuing the next
// (§4.J: "per-host FIFO is preserved").
func (d *Dispatcher) Worker(ctx context.Context, h *host.Host) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.Queue:
			if !ok {
				return
			}
			d.fanOut(ctx, h, ev)
		}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, h *host.Host, ev host.QueuedEvent) {
	if d.excluded(h) {
		return
	}

	var matched []Listener
	for _, l := range d.listeners {
		if l.Events[ev.Command] {
			matched = append(matched, l)
		}
	}
	if len(matched) == 0 {
		return
	}

	// registerDCSServer has no timeout (§4.J): it's also the state-sync
	// signal a cold host depends on to finish LOADING.
	callCtx := ctx
	var cancel context.CancelFunc
	if ev.Command != "registerDCSServer" {
		callCtx, cancel = context.WithTimeout(ctx, d.budget)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(callCtx)
	for _, l := range matched {
		l := l
		g.Go(func() error {
			if err := l.Handle(gctx, h, ev.Data); err != nil {
				d.log.Warn().Err(err).Str("host", h.Name).Str("listener", l.Name).
					Str("command", ev.Command).Msg("listener returned error")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.log.Warn().Err(err).Str("host", h.Name).Str("command", ev.Command).Msg("listener fan-out timed out")
	}
}
