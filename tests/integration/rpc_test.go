package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/dcsfleet/control/internal/bus"
	"github.com/dcsfleet/control/internal/protocol"
	"github.com/dcsfleet/control/internal/rpc"
)

type RPCSuite struct {
	storeSuite
}

func TestRPCSuite(t *testing.T) {
	suite.Run(t, new(RPCSuite))
}

func (s *RPCSuite) newBus(guildID int64, nodeName string) *bus.Bus {
	b, err := bus.New(s.newStore().Pool(), zerolog.Nop(), guildID, nodeName)
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(s.ctx)
	s.T().Cleanup(cancel)
	b.Run(ctx)
	return b
}

func (s *RPCSuite) TestCall_RoundTripAcrossTwoNodes() {
	guildID := int64(3001)

	serverBus := s.newBus(guildID, "node-server")
	server := rpc.NewServer(serverBus, guildID, "node-server", func() bool { return true }, zerolog.Nop())
	server.Handle("node.register_local_servers", func(ctx context.Context, req protocol.RPCRequest) (any, *rpc.Exception) {
		return []string{"alpha", "bravo"}, nil
	})
	server.Listen()

	clientBus := s.newBus(guildID, "node-client")
	client := rpc.NewClient(clientBus, guildID, "node-client", zerolog.Nop())
	client.Listen()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	reply, err := client.Call(ctx, "node-server", protocol.RPCRequest{
		Object: "node", Method: "register_local_servers",
	}, rpc.DefaultControlTimeout)
	s.Require().NoError(err)
	s.Nil(reply.Exception)

	var got []string
	s.Require().NoError(json.Unmarshal(reply.Return, &got))
	s.Equal([]string{"alpha", "bravo"}, got)
}

func (s *RPCSuite) TestCall_UnknownMethodReturnsException() {
	guildID := int64(3002)

	serverBus := s.newBus(guildID, "node-server")
	server := rpc.NewServer(serverBus, guildID, "node-server", func() bool { return true }, zerolog.Nop())
	server.Listen()

	clientBus := s.newBus(guildID, "node-client")
	client := rpc.NewClient(clientBus, guildID, "node-client", zerolog.Nop())
	client.Listen()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "node-server", protocol.RPCRequest{
		Object: "node", Method: "no_such_method",
	}, rpc.DefaultControlTimeout)
	s.Require().Error(err)

	exc, ok := err.(*rpc.Exception)
	s.Require().True(ok, "unresolved handler should surface as *rpc.Exception")
	s.Equal(rpc.ErrUnknownException, exc.Class)
}

func (s *RPCSuite) TestCall_TimesOutWhenTargetNeverAnswers() {
	guildID := int64(3003)

	clientBus := s.newBus(guildID, "node-client")
	client := rpc.NewClient(clientBus, guildID, "node-client", zerolog.Nop())
	client.Listen()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "node-ghost", protocol.RPCRequest{
		Object: "node", Method: "register_local_servers",
	}, 500*time.Millisecond)
	s.Require().Error(err)
}

func (s *RPCSuite) TestServer_IgnoresMasterAddressedRequestWhenNotMaster() {
	guildID := int64(3004)

	serverBus := s.newBus(guildID, "node-server")
	var called bool
	server := rpc.NewServer(serverBus, guildID, "node-server", func() bool { return false }, zerolog.Nop())
	server.Handle("node.register_local_servers", func(ctx context.Context, req protocol.RPCRequest) (any, *rpc.Exception) {
		called = true
		return nil, nil
	})
	server.Listen()

	clientBus := s.newBus(guildID, "node-client")
	client := rpc.NewClient(clientBus, guildID, "node-client", zerolog.Nop())
	client.Listen()

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	_, err := client.Call(ctx, protocol.MasterSentinel, protocol.RPCRequest{
		Object: "node", Method: "register_local_servers",
	}, 800*time.Millisecond)
	s.Require().Error(err, "a non-master node must not answer requests addressed to Master")
	s.False(called)
}
