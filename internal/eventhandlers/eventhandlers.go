// Package eventhandlers wires UDP datagram commands to host state
// transitions and audit logging; it is the glue between internal/dispatch's
// generic fan-out and the concrete host.Host/store.Store APIs, new code
// with no single teacher file to ground on beyond the general
// "listener calls into domain objects" shape every dispatch.Listener in
// spec.md §4.J implies.
package eventhandlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dcsfleet/control/internal/dispatch"
	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/protocol"
	"github.com/dcsfleet/control/internal/store"
)

// Register installs the built-in listeners (state machine transitions,
// player roster, audit log) on d.
func Register(d *dispatch.Dispatcher, st *store.Store, guildID int64, nodeName string) {
	d.Register(dispatch.Listener{
		Name: "state-machine",
		Events: map[string]bool{
			protocol.CmdRegisterDCSServer: true,
			protocol.CmdMissionLoadEnd:    true,
			protocol.CmdSimulationStart:   true,
			protocol.CmdSimulationStop:    true,
			protocol.CmdSimulationPause:   true,
			protocol.CmdSimulationResume:  true,
		},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			return applyTransition(ctx, st, guildID, nodeName, h, data)
		},
	})

	d.Register(dispatch.Listener{
		Name: "roster",
		Events: map[string]bool{
			protocol.CmdPlayerConnect:    true,
			protocol.CmdPlayerStart:      true,
			protocol.CmdPlayerStop:       true,
			protocol.CmdPlayerChangeSlot: true,
		},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			return applyRoster(h, data)
		},
	})

	d.Register(dispatch.Listener{
		Name:   "audit",
		Events: map[string]bool{protocol.CmdGameEvent: true},
		Handle: func(ctx context.Context, h *host.Host, data []byte) error {
			return st.RecordAudit(ctx, guildID, store.AuditEntry{Node: nodeName, HostName: h.Name, Kind: "game_event", Message: string(data)})
		},
	})
}

type registerPayload = protocol.RegisterDCSServerPayload

func applyTransition(ctx context.Context, st *store.Store, guildID int64, nodeName string, h *host.Host, data []byte) error {
	var command struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &command); err != nil {
		return fmt.Errorf("decoding command envelope: %w", err)
	}

	if command.Command == protocol.CmdRegisterDCSServer {
		if err := applyRegister(h, data); err != nil {
			return err
		}
		return st.SetServerStatus(ctx, guildID, h.Name, string(h.Status()))
	}

	var ev host.Event
	switch command.Command {
	case protocol.CmdMissionLoadEnd:
		ev = host.EventMissionLoadEnd
	case protocol.CmdSimulationStart:
		ev = host.EventSimulationStart
	case protocol.CmdSimulationStop:
		ev = host.EventSimulationStop
	case protocol.CmdSimulationPause:
		ev = host.EventSimulationPause
	case protocol.CmdSimulationResume:
		ev = host.EventSimulationResume
	default:
		return nil
	}

	if err := h.Apply(ev); err != nil {
		return err
	}
	return st.SetServerStatus(ctx, guildID, h.Name, string(h.Status()))
}

// applyRegister drives the host's status off a registerDCSServer payload
// instead of always forcing LOADING->STOPPED, mirroring listener.py's
// registerDCSServer handler (original_source/plugins/mission/listener.py):
// a fresh process with no mission yet settles on STOPPED, while a host that
// registers mid-session with an already-running mission and roster lands on
// RUNNING or PAUSED per the payload's pause flag (§6) instead of being
// forced back to STOPPED.
func applyRegister(h *host.Host, data []byte) error {
	var payload registerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding registerDCSServer payload: %w", err)
	}

	if status := h.Status(); status == host.Unregistered || status == host.Shutdown {
		if err := h.Apply(host.EventRegister); err != nil {
			return err
		}
	}

	if payload.CurrentMission != "" {
		h.CurrentMission = &host.Mission{Filename: payload.CurrentMission, DisplayName: payload.CurrentMission, Theatre: payload.CurrentMap}
	}

	if h.Status() != host.Loading {
		return nil // a resync on an already-running host, not a fresh registration
	}

	if payload.CurrentMission == "" || len(payload.Players) == 0 {
		return h.Apply(host.EventMissionLoadEnd)
	}

	if err := h.Apply(host.EventMissionLoadEnd); err != nil {
		return err
	}
	if err := h.Apply(host.EventSimulationStart); err != nil {
		return err
	}
	if !payload.Pause {
		return h.Apply(host.EventSimulationResume)
	}
	return nil
}

func applyRoster(h *host.Host, data []byte) error {
	var payload struct {
		Command string        `json:"command"`
		Player  protocol.Player `json:"player"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding player payload: %w", err)
	}

	switch payload.Command {
	case protocol.CmdPlayerStop:
		h.RemovePlayer(payload.Player.ID)
	default:
		h.SetPlayer(host.Player{
			ID: payload.Player.ID, UCID: payload.Player.UCID, Name: payload.Player.Name,
			Side: payload.Player.Side, Slot: payload.Player.Slot, SubSlot: payload.Player.SubSlot,
			UnitType: payload.Player.UnitType, GroupName: payload.Player.GroupName, Active: true,
		})
	}
	return nil
}
