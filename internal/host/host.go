// Package host models a single managed game-server process: its state
// machine (§4.E), ephemeral runtime data (players, mission, pending
// deferred actions), and the in-process worker queue that preserves
// per-host FIFO ordering for incoming events (§4.D/§5).
package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/dcsfleet/control/internal/platform"
)

// Status is a node in the host lifecycle state machine (§4.E).
type Status string

const (
	Unregistered Status = "UNREGISTERED"
	Loading      Status = "LOADING"
	Stopped      Status = "STOPPED"
	Paused       Status = "PAUSED"
	Running      Status = "RUNNING"
	Shutdown     Status = "SHUTDOWN"
)

// Event names the triggers that drive transitions in the table below.
type Event string

const (
	EventRegister         Event = "registerDCSServer"
	EventMissionLoadEnd   Event = "onMissionLoadEnd"
	EventSimulationStart  Event = "onSimulationStart"
	EventSimulationResume Event = "onSimulationResume"
	EventSimulationPause  Event = "onSimulationPause"
	EventSimulationStop   Event = "onSimulationStop"
	EventProcessDead      Event = "processDead"
	EventOperatorShutdown Event = "operatorShutdown"
)

// transitions encodes the table in §4.E. A (fromState, event) pair not
// present here is an invalid transition and Apply rejects it.
var transitions = map[Status]map[Event]Status{
	Unregistered: {EventRegister: Loading},
	Shutdown:     {EventRegister: Loading},
	Loading:      {EventMissionLoadEnd: Stopped},
	Stopped:      {EventSimulationStart: Paused},
	Paused:       {EventSimulationResume: Running},
	Running:      {EventSimulationPause: Paused},
}

// applyUnconditional covers the transitions not keyed by a single source
// state in the table above: onSimulationStop from {RUNNING, PAUSED},
// process-dead from any state but SHUTDOWN, and operator shutdown from any
// state, SHUTDOWN included.
func applyUnconditional(from Status, ev Event) (Status, bool) {
	switch ev {
	case EventSimulationStop:
		if from == Running || from == Paused {
			return Stopped, true
		}
	case EventProcessDead:
		if from != Shutdown {
			return Shutdown, true
		}
	case EventOperatorShutdown:
		return Shutdown, true
	}
	return "", false
}

// Mission is the currently loaded mission on a host (§3).
type Mission struct {
	Filename    string
	DisplayName string
	Theatre     string
	StartTime   int64
	MissionTime int64
	RealTime    int64
	Airbases    []string
}

// Player is ephemeral connection state keyed by in-session id (§3).
type Player struct {
	ID        int
	UCID      string
	Name      string
	Side      string
	Slot      string
	SubSlot   string
	UnitType  string
	GroupName string
	Active    bool
	Watchlist bool
}

// PendingAction is a single deferred command, e.g. on_empty or
// on_mission_end (§4.F). Setting a new one silently overwrites any
// previous value — an explicit, documented choice (§9 open question),
// not a queue.
type PendingAction struct {
	Command string
	Args    []string
}

// Host is the full in-memory record for one managed game-server process.
// The persisted subset is mirrored in store.ServerRow; Host additionally
// carries process handles and session-scoped data that never survives a
// node restart.
type Host struct {
	mu sync.Mutex

	Name         string
	NodeName     string
	InstanceName string
	DCSPort      int
	BotPort      int
	WebGUIPort   int

	status      Status
	Maintenance bool
	Process     platform.Process
	LastSeen    time.Time

	CurrentMission *Mission
	MissionList    []string
	MissionIndex   int

	Players map[int]Player
	AFK     map[string]time.Time

	OnEmpty        *PendingAction
	OnMissionEnd   *PendingAction
	RestartPending bool

	// changed is closed and replaced every time status changes, giving
	// WaitForStatus a cheap broadcast primitive (§4.E: "raises an
	// internal status_change event that any wait-for-state coroutine
	// consumes").
	changed chan struct{}

	// Queue is the per-host ordered channel a dedicated worker drains,
	// preserving FIFO arrival order from the UDP socket to listener
	// entry (§5).
	Queue chan QueuedEvent
}

// QueuedEvent is one item pulled off a host's queue by its worker.
type QueuedEvent struct {
	Command string
	Data    []byte
}

const queueDepth = 256

// New constructs a Host in UNREGISTERED status with an empty runtime state.
func New(name, nodeName, instanceName string, dcsPort, botPort, webguiPort int) *Host {
	return &Host{
		Name:         name,
		NodeName:     nodeName,
		InstanceName: instanceName,
		DCSPort:      dcsPort,
		BotPort:      botPort,
		WebGUIPort:   webguiPort,
		status:       Unregistered,
		Players:      make(map[int]Player),
		AFK:          make(map[string]time.Time),
		changed:      make(chan struct{}),
		Queue:        make(chan QueuedEvent, queueDepth),
	}
}

// Status returns the current lifecycle state.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Apply performs a state transition for ev, updating LastSeen and waking
// any WaitForStatus callers on success. Returns an error naming the
// rejected (from, event) pair if no such transition exists.
func (h *Host) Apply(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	to, ok := transitions[h.status][ev]
	if !ok {
		to, ok = applyUnconditional(h.status, ev)
	}
	if !ok {
		return fmt.Errorf("host %s: invalid transition %s from %s", h.Name, ev, h.status)
	}

	h.status = to
	h.LastSeen = time.Now().UTC()
	close(h.changed)
	h.changed = make(chan struct{})
	return nil
}

// ForceUnregistered resets status to UNREGISTERED outside the normal
// transition table: this fires when the host's own node goes silent,
// not on any message the host itself sent (§3: "status reverts to
// UNREGISTERED when its node goes silent").
func (h *Host) ForceUnregistered() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = Unregistered
	h.LastSeen = time.Now().UTC()
	close(h.changed)
	h.changed = make(chan struct{})
}

// WaitForStatus blocks until the host's status is one of want, or the
// deadline elapses. Used by startup/shutdown orchestration (§4.F step 5).
func (h *Host) WaitForStatus(deadline time.Time, want ...Status) (Status, error) {
	for {
		h.mu.Lock()
		cur := h.status
		ch := h.changed
		h.mu.Unlock()

		for _, w := range want {
			if cur == w {
				return cur, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return cur, fmt.Errorf("host %s: timed out waiting for status in %v", h.Name, want)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return h.Status(), fmt.Errorf("host %s: timed out waiting for status in %v", h.Name, want)
		}
	}
}

// AdvanceMission moves MissionIndex to the next entry in MissionList,
// wrapping to the start (§4.I "rotate": "advance mission index, then same
// as restart"). A no-op when no mission list is configured.
func (h *Host) AdvanceMission() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.MissionList) == 0 {
		return
	}
	h.MissionIndex = (h.MissionIndex + 1) % len(h.MissionList)
}

// Populated reports whether any player is currently active, the gate for
// the warn ladder and "populated" restart rules.
func (h *Host) Populated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.Players {
		if p.Active {
			return true
		}
	}
	return false
}

// ActivePlayerCount returns the number of currently active players, used
// by the admin status surface's headcount.
func (h *Host) ActivePlayerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.Players {
		if p.Active {
			n++
		}
	}
	return n
}

// SetPlayer upserts a player's ephemeral state keyed by in-session id.
func (h *Host) SetPlayer(p Player) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Players[p.ID] = p
}

// RemovePlayer drops a player on disconnect (§3: "Destroyed on disconnect").
func (h *Host) RemovePlayer(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.Players, id)
}

// SetMaintenance toggles the flag that disables scheduler-initiated
// transitions and cancels any in-flight warn ladder (§4.F, §5).
func (h *Host) SetMaintenance(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Maintenance = on
}

// InMaintenance reports the current maintenance flag.
func (h *Host) InMaintenance() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Maintenance
}

// SetDeferred sets on_empty or on_mission_end, overwriting any prior value
// and marking RestartPending (§4.F, §9 open question: single-slot, not a
// queue).
func (h *Host) SetDeferred(onEmpty bool, action PendingAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if onEmpty {
		h.OnEmpty = &action
	} else {
		h.OnMissionEnd = &action
	}
	h.RestartPending = true
}

// TakeDeferred consumes and clears a deferred action if set, clearing
// RestartPending only when both slots are now empty (§3 invariant).
func (h *Host) TakeDeferred(onEmpty bool) *PendingAction {
	h.mu.Lock()
	defer h.mu.Unlock()

	var action *PendingAction
	if onEmpty {
		action = h.OnEmpty
		h.OnEmpty = nil
	} else {
		action = h.OnMissionEnd
		h.OnMissionEnd = nil
	}
	if h.OnEmpty == nil && h.OnMissionEnd == nil {
		h.RestartPending = false
	}
	return action
}
