// Package coordinator runs the per-node heartbeat loop and arbitrates
// mastership via a single SELECT ... FOR UPDATE transaction (§4.H, §5:
// "the only distributed lock").
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/registry"
	"github.com/dcsfleet/control/internal/store"
)

// OnMastershipChange is invoked whenever this node's mastership flips, so
// dependent services (scheduler autonomy, admin surface, RPC handler
// registration) can start/stop accordingly (§4.H).
type OnMastershipChange func(isMaster bool)

// OnNodeJoined fires when a previously-silent node becomes active; used to
// send it register_local_servers (§9 supplement).
type OnNodeJoined func(ctx context.Context, nodeName string)

// OnNodeLeft fires when a node drops out of the active set; remote
// proxies for its hosts are torn down (§4.H).
type OnNodeLeft func(nodeName string)

// Coordinator owns one node's participation in mastership arbitration.
type Coordinator struct {
	st        *store.Store
	reg       *registry.Registry
	log       zerolog.Logger
	guildID   int64
	nodeName  string
	interval  time.Duration
	preferred bool

	isMaster atomic.Bool

	mu         sync.Mutex
	activeSeen map[string]bool

	onChange OnMastershipChange
	onJoined OnNodeJoined
	onLeft   OnNodeLeft
}

// New constructs a Coordinator for one node.
func New(st *store.Store, reg *registry.Registry, log zerolog.Logger, guildID int64, nodeName string, interval time.Duration, preferred bool) *Coordinator {
	return &Coordinator{
		st:         st,
		reg:        reg,
		log:        log.With().Str("component", "coordinator").Str("node", nodeName).Logger(),
		guildID:    guildID,
		nodeName:   nodeName,
		interval:   interval,
		preferred:  preferred,
		activeSeen: make(map[string]bool),
	}
}

// OnMastershipChange registers the mastership-change callback.
func (c *Coordinator) OnMastershipChange(fn OnMastershipChange) { c.onChange = fn }

// OnNodeJoined registers the node-joined callback.
func (c *Coordinator) OnNodeJoined(fn OnNodeJoined) { c.onJoined = fn }

// OnNodeLeft registers the node-left callback.
func (c *Coordinator) OnNodeLeft(fn OnNodeLeft) { c.onLeft = fn }

// IsMaster reports this node's current mastership, safe for concurrent use.
func (c *Coordinator) IsMaster() bool { return c.isMaster.Load() }

// Run ticks the heartbeat loop every interval until ctx is cancelled, also
// running one tick immediately so mastership isn't delayed a full
// interval on cold start (§8 scenario 1: "after one heartbeat").
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.tick(ctx); err != nil {
		c.log.Error().Err(err).Msg("initial heartbeat tick failed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				c.log.Error().Err(err).Msg("heartbeat tick failed")
			}
		}
	}
}

// tick implements the election algorithm in §4.H, steps 1-5.
func (c *Coordinator) tick(ctx context.Context) error {
	if err := c.st.UpsertNode(ctx, store.Node{
		GuildID:          c.guildID,
		Name:             c.nodeName,
		PreferredMaster:  c.preferred,
		HeartbeatSeconds: int(c.interval / time.Second),
	}); err != nil {
		return err
	}

	var becameMaster bool
	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		nodes, err := store.AllNodesForUpdate(ctx, tx, c.guildID)
		if err != nil {
			return err
		}

		var masters []store.Node
		for _, n := range nodes {
			if n.Master {
				masters = append(masters, n)
			}
		}

		switch len(masters) {
		case 0:
			becameMaster = true
			return store.SetMaster(ctx, tx, c.guildID, c.nodeName, true)

		case 1:
			m := masters[0]
			if m.Name == c.nodeName {
				becameMaster = true
				return nil
			}
			stale := time.Since(m.LastSeen) > time.Duration(m.HeartbeatSeconds)*time.Second
			if stale {
				c.log.Warn().Str("stale_master", m.Name).Msg("demoting stale master")
				return store.SetMaster(ctx, tx, c.guildID, m.Name, false)
			}
			if c.preferred {
				c.log.Info().Str("previous_master", m.Name).Msg("preferred master taking over immediately")
				if err := store.SetMaster(ctx, tx, c.guildID, m.Name, false); err != nil {
					return err
				}
				becameMaster = true
				return store.SetMaster(ctx, tx, c.guildID, c.nodeName, true)
			}
			return nil

		default:
			// Split brain (§4.H step 5, §9 open question: two preferred
			// masters is an accepted race, last writer wins).
			c.log.Warn().Int("master_count", len(masters)).Msg("split brain detected")
			if c.preferred {
				for _, m := range masters {
					if m.Name == c.nodeName {
						continue
					}
					if err := store.SetMaster(ctx, tx, c.guildID, m.Name, false); err != nil {
						return err
					}
				}
				becameMaster = true
				return store.SetMaster(ctx, tx, c.guildID, c.nodeName, true)
			}
			for _, m := range masters {
				if m.Name == c.nodeName {
					return store.SetMaster(ctx, tx, c.guildID, c.nodeName, false)
				}
			}
			return nil
		}
	})
	if err != nil {
		return err
	}

	wasMaster := c.isMaster.Swap(becameMaster)
	if wasMaster != becameMaster {
		c.log.Info().Bool("master", becameMaster).Msg("mastership changed")
		if c.onChange != nil {
			c.onChange(becameMaster)
		}
	}

	return c.reconcileActiveSet(ctx)
}

// reconcileActiveSet diffs the active node set against the last observed
// set, firing OnNodeJoined/OnNodeLeft for the difference (§4.H).
func (c *Coordinator) reconcileActiveSet(ctx context.Context) error {
	active, err := c.st.ActiveNodes(ctx, c.guildID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(active))
	for _, n := range active {
		seen[n.Name] = true
		if n.Name == c.nodeName {
			continue
		}
		if !c.activeSeen[n.Name] && c.isMaster.Load() && c.onJoined != nil {
			c.onJoined(ctx, n.Name)
		}
	}
	for name := range c.activeSeen {
		if !seen[name] {
			c.reg.UnregisterNode(name)
			if c.onLeft != nil {
				c.onLeft(name)
			}
		}
	}
	c.activeSeen = seen
	return nil
}
