// Package lifecycle orchestrates host startup, shutdown, and restart
// (§4.F): process spawn through the platform trait, the populated-host
// warning ladder, and consumption of deferred on_empty/on_mission_end
// actions.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/config"
	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/platform"
)

// Broadcaster sends an outbound popup to every coalition on a host, used
// exclusively by the warn ladder.
type Broadcaster interface {
	Popup(ctx context.Context, h *host.Host, text string) error
}

// Extension hooks a configured mission/process extension into startup.
// PrepareMission may rewrite the mission path; a zero value means
// "unchanged".
type Extension interface {
	Name() string
	Prepare(ctx context.Context, h *host.Host) error
	PrepareMission(ctx context.Context, h *host.Host, missionPath string) (string, error)
	// OverridesBeforeMissionLoad reports whether this extension replaces
	// the mission on disk before DCS loads it, the gate §4.I's restart
	// method uses to choose an in-place restartMission over a full
	// stop/prepare/start cycle.
	OverridesBeforeMissionLoad() bool
}

// configExtension adapts one instances.<name>.extensions.<name> block of
// nodes.yaml into an Extension. Individual extension domain logic (SRS,
// Tacview, and the rest) stays out of scope; only the before_mission_load
// flag that the restart method semantics depend on is read here.
type configExtension struct {
	name              string
	beforeMissionLoad bool
}

func (e configExtension) Name() string { return e.name }

func (e configExtension) Prepare(ctx context.Context, h *host.Host) error { return nil }

func (e configExtension) PrepareMission(ctx context.Context, h *host.Host, missionPath string) (string, error) {
	return "", nil
}

func (e configExtension) OverridesBeforeMissionLoad() bool { return e.beforeMissionLoad }

// NewConfigExtensions turns an instance's raw extensions config block into
// the Extension slice Startup and ApplyRestartRule operate on.
func NewConfigExtensions(raw map[string]any) []Extension {
	exts := make([]Extension, 0, len(raw))
	for name, v := range raw {
		before := false
		if m, ok := v.(map[string]any); ok {
			if b, ok := m["before_mission_load"].(bool); ok {
				before = b
			}
		}
		exts = append(exts, configExtension{name: name, beforeMissionLoad: before})
	}
	return exts
}

const (
	killGrace = 5 * time.Second
)

// Orchestrator runs startup/shutdown/restart for hosts on this node.
type Orchestrator struct {
	plat platform.Platform
	bc   Broadcaster
	log  zerolog.Logger
	cfg  *config.Tree
}

// New constructs an Orchestrator bound to this node's platform trait and
// configuration tree (for slow_system-aware timeouts).
func New(plat platform.Platform, bc Broadcaster, log zerolog.Logger, cfg *config.Tree) *Orchestrator {
	return &Orchestrator{plat: plat, bc: bc, log: log.With().Str("component", "lifecycle").Logger(), cfg: cfg}
}

// Startup implements §4.F startup(host, modifyMission).
func (o *Orchestrator) Startup(ctx context.Context, h *host.Host, installDir, instancePath string, extensions []Extension, modifyMission bool) error {
	for _, ext := range extensions {
		if err := ext.Prepare(ctx, h); err != nil {
			return fmt.Errorf("preparing extension %s: %w", ext.Name(), err)
		}
	}

	if o.cfg.Node.DCS.Desanitize {
		if err := DesanitizeInstallation(installDir); err != nil {
			return fmt.Errorf("desanitizing installation for host %s: %w", h.Name, err)
		}
	}

	if modifyMission && h.CurrentMission != nil {
		for _, ext := range extensions {
			newPath, err := ext.PrepareMission(ctx, h, h.CurrentMission.Filename)
			if err != nil {
				return fmt.Errorf("mission preprocessing via %s: %w", ext.Name(), err)
			}
			if newPath != "" {
				h.CurrentMission.Filename = newPath
			}
		}
	}

	proc, err := o.plat.Spawn(ctx, installDir, platform.SpawnOptions{
		Dir:  instancePath,
		Args: []string{"--server", "--norender", "-w", h.InstanceName},
	})
	if err != nil {
		_ = h.Apply(host.EventProcessDead)
		return fmt.Errorf("spawning host %s: %w", h.Name, err)
	}
	h.Process = proc

	if err := h.Apply(host.EventRegister); err != nil {
		return err
	}

	deadline := time.Now().Add(o.cfg.Timeout(180 * time.Second))
	_, err = h.WaitForStatus(deadline, host.Shutdown, host.Stopped, host.Paused, host.Running)
	if err != nil {
		_ = h.Apply(host.EventProcessDead)
		return fmt.Errorf("host %s: startup timed out: %w", h.Name, err)
	}
	if h.Status() == host.Shutdown {
		return fmt.Errorf("host %s: process exited during startup", h.Name)
	}
	return nil
}

// Shutdown implements §4.F shutdown(host, force).
func (o *Orchestrator) Shutdown(ctx context.Context, h *host.Host, sendCmd func(ctx context.Context, h *host.Host, cmd string) error, force bool) error {
	if h.Status() == host.Shutdown {
		return nil // idempotent (§8: "issuing shutdown to a host already in SHUTDOWN is a no-op")
	}
	proc := h.Process

	if proc != nil && !force {
		if err := sendCmd(ctx, h, "shutdown"); err != nil {
			o.log.Warn().Err(err).Str("host", h.Name).Msg("graceful shutdown command failed")
		} else {
			deadline := time.Now().Add(o.cfg.Timeout(180 * time.Second))
			_, _ = h.WaitForStatus(deadline, host.Stopped)
		}
	}

	if proc != nil {
		if err := proc.Signal(); err != nil {
			o.log.Warn().Err(err).Str("host", h.Name).Msg("failed to send termination signal")
		}
		done := make(chan struct{})
		go func() { _ = proc.Wait(); close(done) }()

		select {
		case <-done:
		case <-time.After(killGrace):
			o.log.Warn().Str("host", h.Name).Msg("process did not exit after signal, escalating")
			_ = proc.Kill()
			<-done
		}
	}

	return h.Apply(host.EventProcessDead)
}

// RunWarnLadder implements the populated-host warning ladder (§4.F). times
// must be sorted descending; unpopulated hosts are skipped entirely. The
// loop aborts early and returns false if maintenance is toggled on.
func (o *Orchestrator) RunWarnLadder(ctx context.Context, h *host.Host, times []int, action, textTmpl string) (completed bool) {
	if !h.Populated() {
		return true
	}
	if len(times) == 0 {
		return true
	}

	peak := times[0]
	warnSet := make(map[int]bool, len(times))
	for _, t := range times {
		warnSet[t] = true
		if t > peak {
			peak = t
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for remaining := peak; remaining >= 0; remaining-- {
		if h.InMaintenance() {
			return false
		}
		if warnSet[remaining] {
			text := fmt.Sprintf(textTmpl, h.Name, action, humanize.RelTime(time.Now(), time.Now().Add(time.Duration(remaining)*time.Second), "", ""))
			if err := o.bc.Popup(ctx, h, text); err != nil {
				o.log.Warn().Err(err).Str("host", h.Name).Msg("failed to send warn ladder popup")
			}
		}
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// AnyOverridesBeforeMissionLoad reports whether any configured extension
// overrides beforeMissionLoad (§4.I "restart": "if any extension overrides
// beforeMissionLoad, fall back to a full stop/prepare/start cycle instead
// of an in-place restartMission").
func (o *Orchestrator) AnyOverridesBeforeMissionLoad(extensions []Extension) bool {
	for _, ext := range extensions {
		if ext.OverridesBeforeMissionLoad() {
			return true
		}
	}
	return false
}

const sanitizeMarker = "sanitizeModule = nil"

// DesanitizeInstallation patches a DCS installation's MissionScripting.lua
// so hook scripts can make OS/io calls, idempotent across repeated node
// boots (nodes.yaml DCS.desanitize). Grounded on
// original_source/core/data/impl/nodeimpl.py's desanitize step, folded by
// spec.md into "initialise ... extensions" at startup.
func DesanitizeInstallation(installDir string) error {
	path := filepath.Join(installDir, "Scripts", "MissionScripting.lua")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if !strings.Contains(string(data), sanitizeMarker) {
		return nil // nothing to patch
	}

	// Normalise already-commented markers first so a second pass does not
	// comment them again.
	commented := []byte("--" + sanitizeMarker)
	patched := bytes.ReplaceAll(bytes.ReplaceAll(data, commented, []byte(sanitizeMarker)), []byte(sanitizeMarker), commented)
	if bytes.Equal(patched, data) {
		return nil // already desanitized
	}
	if err := os.WriteFile(path, patched, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ConsumeOnEmpty fires when a host transitions to zero active players,
// consuming its single-slot deferred action if set (§4.F).
func (o *Orchestrator) ConsumeOnEmpty(h *host.Host) *host.PendingAction {
	if h.Populated() {
		return nil
	}
	return h.TakeDeferred(true)
}

// ConsumeOnMissionEnd fires on the mission_end event.
func (o *Orchestrator) ConsumeOnMissionEnd(h *host.Host) *host.PendingAction {
	return h.TakeDeferred(false)
}
