package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/dcsfleet/control/internal/coordinator"
	"github.com/dcsfleet/control/internal/registry"
)

// heartbeatInterval is kept at a whole second: the coordinator's heartbeat
// tick truncates its interval to whole seconds when it persists
// heartbeat_seconds, so anything
// sub-second would collapse the staleness/active-window math to zero.
const heartbeatInterval = time.Second

type CoordinatorSuite struct {
	storeSuite
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

// runUntil starts c.Run in the background and cancels it on cleanup.
func (s *CoordinatorSuite) runUntil(c *coordinator.Coordinator) {
	ctx, cancel := context.WithCancel(s.ctx)
	go c.Run(ctx)
	s.T().Cleanup(cancel)
}

func (s *CoordinatorSuite) TestColdStart_SingleNodeBecomesMasterAfterOneHeartbeat() {
	st := s.newStore()
	c := coordinator.New(st, registry.New(), zerolog.Nop(), 2001, "node-a", heartbeatInterval, false)

	s.runUntil(c)

	s.Require().Eventually(func() bool {
		return c.IsMaster()
	}, 2*time.Second, 20*time.Millisecond, "single node should become master after its first tick")
}

func (s *CoordinatorSuite) TestSecondNode_DoesNotBecomeMasterWhileFirstIsAlive() {
	st := s.newStore()
	guildID := int64(2002)

	a := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-a", heartbeatInterval, false)
	s.runUntil(a)
	s.Require().Eventually(func() bool { return a.IsMaster() }, 2*time.Second, 20*time.Millisecond)

	b := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-b", heartbeatInterval, false)
	s.runUntil(b)

	time.Sleep(500 * time.Millisecond)
	s.False(b.IsMaster(), "node-b must not take over while node-a is still heartbeating")
	s.True(a.IsMaster())
}

func (s *CoordinatorSuite) TestStaleMaster_FailsOverToLiveNode() {
	st := s.newStore()
	guildID := int64(2003)

	a := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-a", heartbeatInterval, false)
	ctxA, cancelA := context.WithCancel(s.ctx)
	go a.Run(ctxA)
	s.Require().Eventually(func() bool { return a.IsMaster() }, 2*time.Second, 20*time.Millisecond)

	// node-a stops heartbeating (process wedged/killed) without releasing
	// mastership; its last_seen goes stale.
	cancelA()

	b := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-b", heartbeatInterval, false)
	s.runUntil(b)

	s.Require().Eventually(func() bool {
		return b.IsMaster()
	}, 10*time.Second, 100*time.Millisecond, "node-b should take over once node-a's heartbeat goes stale")
}

func (s *CoordinatorSuite) TestPreferredMaster_TakesOverImmediately() {
	st := s.newStore()
	guildID := int64(2004)

	a := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-a", heartbeatInterval, false)
	s.runUntil(a)
	s.Require().Eventually(func() bool { return a.IsMaster() }, 2*time.Second, 20*time.Millisecond)

	preferred := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-pref", heartbeatInterval, true)
	s.runUntil(preferred)

	s.Require().Eventually(func() bool {
		return preferred.IsMaster()
	}, 3*time.Second, 50*time.Millisecond, "a preferred master should take over even while the incumbent is healthy")

	s.Require().Eventually(func() bool {
		return !a.IsMaster()
	}, 3*time.Second, 50*time.Millisecond, "the demoted former master must observe its own demotion")
}

func (s *CoordinatorSuite) TestOnMastershipChange_FiresExactlyOnTransition() {
	st := s.newStore()
	guildID := int64(2005)
	c := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-a", heartbeatInterval, false)

	var transitions int
	c.OnMastershipChange(func(isMaster bool) {
		transitions++
		s.True(isMaster)
	})
	s.runUntil(c)

	s.Require().Eventually(func() bool { return c.IsMaster() }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(2 * time.Second)
	s.Equal(1, transitions, "mastership callback should fire once, not on every tick")
}

func (s *CoordinatorSuite) TestOnNodeJoinedAndLeft_MasterObservesPeerJoinAndLeave() {
	st := s.newStore()
	guildID := int64(2006)

	master := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-master", heartbeatInterval, false)
	var joined []string
	master.OnNodeJoined(func(ctx context.Context, name string) { joined = append(joined, name) })
	var left []string
	master.OnNodeLeft(func(name string) { left = append(left, name) })
	s.runUntil(master)
	s.Require().Eventually(func() bool { return master.IsMaster() }, 2*time.Second, 20*time.Millisecond)

	peerCtx, cancelPeer := context.WithCancel(s.ctx)
	peer := coordinator.New(st, registry.New(), zerolog.Nop(), guildID, "node-peer", heartbeatInterval, false)
	go peer.Run(peerCtx)

	s.Require().Eventually(func() bool {
		for _, n := range joined {
			if n == "node-peer" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "master should observe node-peer joining the active set")

	cancelPeer()

	s.Require().Eventually(func() bool {
		for _, n := range left {
			if n == "node-peer" {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond, "master should observe node-peer dropping out once its heartbeat lapses")
}
