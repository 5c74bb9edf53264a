// Command dcsfleet-node is the single binary every node in the fleet runs
// (§2): it wires the state store, pub/sub bus, host registry, mastership
// coordinator, scheduler, UDP ingress, event dispatcher, RPC core, and
// admin status surface together and blocks until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/adminapi"
	"github.com/dcsfleet/control/internal/apperr"
	"github.com/dcsfleet/control/internal/bus"
	"github.com/dcsfleet/control/internal/config"
	"github.com/dcsfleet/control/internal/coordinator"
	"github.com/dcsfleet/control/internal/dispatch"
	"github.com/dcsfleet/control/internal/eventhandlers"
	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/ingress"
	"github.com/dcsfleet/control/internal/lifecycle"
	"github.com/dcsfleet/control/internal/platform"
	"github.com/dcsfleet/control/internal/protocol"
	"github.com/dcsfleet/control/internal/registry"
	"github.com/dcsfleet/control/internal/rpc"
	"github.com/dcsfleet/control/internal/scheduler"
	"github.com/dcsfleet/control/internal/store"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).
		With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		if apperr.IsFatalConfig(err) {
			os.Exit(-2)
		}
		os.Exit(1)
	}
}

func run(log zerolog.Logger) error {
	configDir := os.Getenv("DCSFLEET_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}
	nodeName := os.Getenv("DCSFLEET_NODE_NAME")
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return apperr.Wrap(apperr.ErrFatalConfig, "resolving node name", err)
		}
		nodeName = hostname
	}

	cfg, err := config.Load(configDir, nodeName)
	if err != nil {
		return apperr.Wrap(apperr.ErrFatalConfig, "loading configuration", err)
	}
	if lvl, perr := zerolog.ParseLevel(cfg.Main.Logging.LogLevel); perr == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	log = log.With().Str("node", nodeName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Node.Database.URL, log)
	if err != nil {
		return apperr.Wrap(apperr.ErrTransientStore, "opening state store", err)
	}
	defer st.Close()
	go st.ReapFilesLoop(ctx)

	b, err := bus.New(st.Pool(), log, cfg.Main.GuildID, nodeName)
	if err != nil {
		return fmt.Errorf("constructing bus: %w", err)
	}
	b.Run(ctx)
	defer b.Wait()

	reg := registry.New()
	if err := restoreHosts(ctx, st, reg, cfg, nodeName); err != nil {
		return fmt.Errorf("restoring host registry: %w", err)
	}

	waiters := ingress.NewWaiters()
	coord := coordinator.New(st, reg, log, cfg.Main.GuildID, nodeName, cfg.HeartbeatInterval(), cfg.Node.PreferredMaster)

	republish := func(ctx context.Context, fromNode string, d protocol.Datagram) error {
		return publishHostEvent(ctx, b, int(cfg.Main.GuildID), fromNode, d)
	}
	listener, err := ingress.Listen(cfg.Node.ListenAddress, cfg.Node.ListenPort, reg, waiters, nodeName, coord.IsMaster, republish, log)
	if err != nil {
		return fmt.Errorf("starting udp ingress: %w", err)
	}
	go listener.Run(ctx)

	plat := platform.New()
	sender := &hostCommandSender{listener: listener}
	orch := lifecycle.New(plat, sender, log, cfg)

	dispatcher := dispatch.New(cfg.Timeout(60*time.Second), log)
	if err := dispatcher.SetFilters(cfg.Node.Filter); err != nil {
		return apperr.Wrap(apperr.ErrFatalConfig, "compiling dispatch filters", err)
	}
	eventhandlers.Register(dispatcher, st, cfg.Main.GuildID, nodeName)
	for _, h := range reg.ForNode(nodeName) {
		go dispatcher.Worker(ctx, h)
	}

	rpcClient := rpc.NewClient(b, cfg.Main.GuildID, nodeName, log)
	rpcClient.Listen()
	rpcServer := rpc.NewServer(b, cfg.Main.GuildID, nodeName, coord.IsMaster, log)
	registerRPCHandlers(rpcServer, reg, cfg, nodeName)
	rpcServer.Listen()

	sched := scheduler.New(reg, cfg, &schedulerActions{orch: orch, sender: sender, cfg: cfg}, log)

	admin := adminapi.New(
		adminapi.Config{GuildID: cfg.Main.GuildID, Listen: adminListenAddr()},
		adminapi.NewAuthService(loadAdminCredentials(), 12*time.Hour),
		reg, coord, st, log,
	)
	go func() {
		if err := admin.Run(ctx); err != nil {
			log.Error().Err(err).Msg("admin http surface stopped")
		}
	}()

	coord.OnMastershipChange(func(isMaster bool) {
		log.Info().Bool("is_master", isMaster).Msg("mastership changed")
	})
	coord.OnNodeJoined(func(ctx context.Context, joined string) {
		log.Info().Str("joined", joined).Msg("requesting register_local_servers")
		req := protocol.RPCRequest{Object: "node", Method: protocol.TypeRegisterLocalList}
		if _, err := rpcClient.Call(ctx, joined, req, cfg.Timeout(rpc.DefaultControlTimeout)); err != nil {
			log.Warn().Err(err).Str("node", joined).Msg("register_local_servers request failed")
		}
	})
	coord.OnNodeLeft(func(left string) {
		log.Warn().Str("left", left).Msg("node dropped out of active set")
	})

	go coord.Run(ctx)
	go sched.Run(ctx)
	go watchHungHosts(ctx, reg, cfg, st, nodeName, log)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// restoreHosts repopulates the registry from persisted rows on boot; status
// always starts UNREGISTERED regardless of the persisted value since the
// in-process runtime state (player roster, mission, process handle) cannot
// survive a restart, and the owning node relearns real status from the
// next registerDCSServer datagram (§3).
func restoreHosts(ctx context.Context, st *store.Store, reg *registry.Registry, cfg *config.Tree, nodeName string) error {
	rows, err := st.ServersForNode(ctx, cfg.Main.GuildID, nodeName)
	if err != nil {
		return err
	}
	for _, r := range rows {
		h := host.New(r.ServerName, r.NodeName, r.InstanceName, r.DCSPort, r.BotPort, r.WebGUIPort)
		h.SetMaintenance(r.Maintenance)
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

const hungHostPollInterval = 30 * time.Second

// watchHungHosts implements the hung-host recovery described in §7/§8
// scenario 4: a host that has gone quiet for MaxHungDuration gets
// force-killed, crash-dumped if the OS supports it, transitioned to
// SHUTDOWN, audited, and reported if the node is configured to alert on
// crash. Only hosts owned by this node carry a live Process handle, so
// the sweep is scoped to reg.ForNode(nodeName).
func watchHungHosts(ctx context.Context, reg *registry.Registry, cfg *config.Tree, st *store.Store, nodeName string, log zerolog.Logger) {
	ticker := time.NewTicker(hungHostPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range reg.ForNode(nodeName) {
				checkHungHost(ctx, h, cfg, st, nodeName, log)
			}
		}
	}
}

func checkHungHost(ctx context.Context, h *host.Host, cfg *config.Tree, st *store.Store, nodeName string, log zerolog.Logger) {
	status := h.Status()
	if status == host.Unregistered || status == host.Shutdown || h.Process == nil {
		return
	}

	maxHung := cfg.MaxHungDuration(status == host.Loading)
	since := time.Since(h.LastSeen)
	if since < maxHung {
		return
	}

	log.Warn().Str("host", h.Name).Dur("since_last_seen", since).Msg("host hung, force-killing")
	dump := h.Process.Dump()
	if err := h.Process.Kill(); err != nil {
		log.Warn().Err(err).Str("host", h.Name).Msg("failed to force-kill hung host")
	}
	if err := h.Apply(host.EventProcessDead); err != nil {
		log.Warn().Err(err).Str("host", h.Name).Msg("failed to transition hung host to shutdown")
	}

	msg := fmt.Sprintf("host %s force-killed after %v without a heartbeat", h.Name, maxHung)
	if dump != "" {
		msg += fmt.Sprintf("; crash dump at %s", dump)
	}
	if err := st.RecordAudit(ctx, cfg.Main.GuildID, store.AuditEntry{Node: nodeName, HostName: h.Name, Kind: "hung_host", Message: msg}); err != nil {
		log.Warn().Err(err).Str("host", h.Name).Msg("failed to record hung-host audit entry")
	}
	if err := st.SetServerStatus(ctx, cfg.Main.GuildID, h.Name, string(h.Status())); err != nil {
		log.Warn().Err(err).Str("host", h.Name).Msg("failed to persist hung-host status")
	}

	if cfg.Node.PingAdminOnCrash {
		log.Error().Str("host", h.Name).Str("dump", dump).Msg("admin alert: host force-killed as hung")
	}
}

func publishHostEvent(ctx context.Context, b *bus.Bus, guildID int, fromNode string, d protocol.Datagram) error {
	msg, err := protocol.NewBusMessage(protocol.TypeHostEvent, protocol.HostEventPayload{
		ServerName: d.ServerName, Command: d.Command, FromNode: fromNode, Data: d.Raw,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.Publish(ctx, bus.Broadcasts, protocol.Envelope{GuildID: guildID, TargetNode: protocol.MasterSentinel, Data: data})
}

func registerRPCHandlers(s *rpc.Server, reg *registry.Registry, cfg *config.Tree, nodeName string) {
	s.Handle("node."+protocol.TypeRegisterLocalList, func(ctx context.Context, req protocol.RPCRequest) (any, *rpc.Exception) {
		names := make([]string, 0)
		for _, h := range reg.ForNode(nodeName) {
			names = append(names, h.Name)
		}
		return names, nil
	})
}

// hostCommandSender implements lifecycle.Broadcaster and the sendCmd
// signature lifecycle.Shutdown expects, both backed by a direct unicast
// reply to the hook's last-seen UDP address (§4.C).
type hostCommandSender struct {
	listener *ingress.Listener
}

func (s *hostCommandSender) Popup(ctx context.Context, h *host.Host, text string) error {
	return s.send(h, protocol.OutSendPopupMessage, map[string]string{"message": text})
}

func (s *hostCommandSender) Send(ctx context.Context, h *host.Host, cmd string) error {
	return s.send(h, cmd, nil)
}

func (s *hostCommandSender) send(h *host.Host, cmd string, params map[string]string) error {
	payload := map[string]any{"command": cmd, "server_name": h.Name}
	for k, v := range params {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.listener.Send(h.Name, raw)
}

// schedulerActions implements scheduler.Actions over the lifecycle
// orchestrator for hosts owned by this node.
type schedulerActions struct {
	orch   *lifecycle.Orchestrator
	sender *hostCommandSender
	cfg    *config.Tree
}

func (a *schedulerActions) Start(ctx context.Context, h *host.Host) error {
	nodeCfg := a.cfg.Node
	instance, ok := nodeCfg.Instances[h.InstanceName]
	if !ok {
		return fmt.Errorf("no instance configuration for %s", h.InstanceName)
	}
	return a.orch.Startup(ctx, h, nodeCfg.DCS.Installation, instance.Home, lifecycle.NewConfigExtensions(instance.Extensions), false)
}

func (a *schedulerActions) WarnThenTeardown(ctx context.Context, h *host.Host, warnTimes []int) error {
	srvCfg, ok := a.cfg.Servers[h.Name]
	textTmpl := "%s: %s %s"
	if ok && srvCfg.Warn.Text != "" {
		textTmpl = srvCfg.Warn.Text
	}
	if !a.orch.RunWarnLadder(ctx, h, warnTimes, "shutdown", textTmpl) {
		return nil // abandoned: maintenance turned on or ctx cancelled mid-ladder
	}
	return a.orch.Shutdown(ctx, h, a.sender.Send, false)
}

func (a *schedulerActions) ApplyRestartRule(ctx context.Context, h *host.Host, rule config.RestartRule) error {
	srvCfg := a.cfg.Servers[h.Name]
	var warnTimes []int
	textTmpl := "%s: %s %s"
	if srvCfg != nil {
		warnTimes = srvCfg.Warn.Times
		if srvCfg.Warn.Text != "" {
			textTmpl = srvCfg.Warn.Text
		}
	}
	if !a.orch.RunWarnLadder(ctx, h, warnTimes, rule.Method, textTmpl) {
		return nil // abandoned: maintenance turned on or ctx cancelled mid-ladder
	}

	switch rule.Method {
	case "restart_with_shutdown":
		if err := a.orch.Shutdown(ctx, h, a.sender.Send, false); err != nil {
			return err
		}
		return a.Start(ctx, h)
	case "rotate":
		h.AdvanceMission()
		return a.restartInPlaceOrCycle(ctx, h)
	default: // "restart"
		return a.restartInPlaceOrCycle(ctx, h)
	}
}

// restartInPlaceOrCycle implements "restart"'s method semantics (§4.I): an
// in-place restartMission unless a configured extension overrides
// beforeMissionLoad, in which case the mission can only be re-prepared by
// a full stop/prepare/start cycle.
func (a *schedulerActions) restartInPlaceOrCycle(ctx context.Context, h *host.Host) error {
	instance, ok := a.cfg.Node.Instances[h.InstanceName]
	if !ok {
		return fmt.Errorf("no instance configuration for %s", h.InstanceName)
	}
	extensions := lifecycle.NewConfigExtensions(instance.Extensions)
	if !a.orch.AnyOverridesBeforeMissionLoad(extensions) {
		return a.sender.Send(ctx, h, "restartMission")
	}

	if err := a.orch.Shutdown(ctx, h, a.sender.Send, false); err != nil {
		return err
	}
	return a.orch.Startup(ctx, h, a.cfg.Node.DCS.Installation, instance.Home, extensions, true)
}

func adminListenAddr() string {
	if addr := os.Getenv("DCSFLEET_ADMIN_LISTEN"); addr != "" {
		return addr
	}
	return ":8089"
}

// loadAdminCredentials reads the operator bcrypt hash and optional TOTP
// secret from the environment; this surface has exactly one account, so
// there is no user table to manage (§9 supplement: admin surface scope).
func loadAdminCredentials() adminapi.Credentials {
	return adminapi.Credentials{
		PasswordHash: os.Getenv("DCSFLEET_ADMIN_PASSWORD_HASH"),
		TOTPSecret:   os.Getenv("DCSFLEET_ADMIN_TOTP_SECRET"),
	}
}
