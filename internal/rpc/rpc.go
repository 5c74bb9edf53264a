// Package rpc is the synchronous call/reply layer over the bus (§4.G): a
// correlation-token future map, caller-chosen timeouts, and exception
// marshalling compatible with the wire shape the game-host hooks and
// remote nodes speak.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/bus"
	"github.com/dcsfleet/control/internal/protocol"
)

// Default timeouts (§4.G, §5); doubled by config.Tree.Timeout when
// slow_system is set.
const (
	DefaultControlTimeout = 30 * time.Second
	DefaultLongTimeout    = 120 * time.Second
)

// Exception is a marshalled remote error (§4.G). Unknown Class values
// deserialise into this same struct; callers treat an unrecognised class
// as a generic permission/denied error.
type Exception struct {
	Class  string         `json:"class"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: args=%v kwargs=%v", e.Class, e.Args, e.Kwargs)
}

// ErrUnknownException is the generic error surfaced for a reply whose
// exception.class the caller doesn't recognise (§4.G).
const ErrUnknownException = "permission.Denied"

// Client issues synchronous calls over a Bus and resolves replies against
// a correlation-token future map, one Client per node.
type Client struct {
	bus      *bus.Bus
	guildID  int64
	nodeName string
	log      zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan protocol.RPCReply
}

// NewClient wires a Client to an already-constructed Bus; the caller must
// also call Client.Listen once to start routing replies.
func NewClient(b *bus.Bus, guildID int64, nodeName string, log zerolog.Logger) *Client {
	return &Client{
		bus:      b,
		guildID:  guildID,
		nodeName: nodeName,
		log:      log.With().Str("component", "rpc").Logger(),
		waiters:  make(map[string]chan protocol.RPCReply),
	}
}

// Listen subscribes to intercom replies, fulfilling any outstanding
// waiter and dropping anything else (§5: "unmatched replies are
// dropped").
func (c *Client) Listen() {
	c.bus.Subscribe(bus.Intercom, func(_ context.Context, env protocol.Envelope) {
		var msg protocol.BusMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Type != protocol.TypeRPCReply {
			return
		}
		var reply protocol.RPCReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[reply.Channel]
		if ok {
			delete(c.waiters, reply.Channel)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Debug().Str("channel", reply.Channel).Msg("dropped unmatched rpc reply")
			return
		}
		ch <- reply
	})
}

// Call publishes req to targetNode (or protocol.MasterSentinel) and blocks
// for a reply up to timeout. A timed-out waiter is removed so a later,
// late reply is silently dropped (§4.G).
func (c *Client) Call(ctx context.Context, targetNode string, req protocol.RPCRequest, timeout time.Duration) (*protocol.RPCReply, error) {
	if req.Channel == "" {
		req.Channel = "sync-" + uuid.NewString()
	}

	ch := make(chan protocol.RPCReply, 1)
	c.mu.Lock()
	c.waiters[req.Channel] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.Channel)
		c.mu.Unlock()
	}()

	msg, err := protocol.NewBusMessage(protocol.TypeRPCRequest, req)
	if err != nil {
		return nil, fmt.Errorf("marshalling rpc request: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	env := protocol.Envelope{GuildID: int(c.guildID), TargetNode: targetNode, Data: data}
	if err := c.bus.Publish(ctx, bus.Intercom, env); err != nil {
		return nil, fmt.Errorf("publishing rpc request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Exception != nil {
			return &reply, &Exception{Class: reply.Exception.Class, Args: reply.Exception.Args, Kwargs: reply.Exception.Kwargs}
		}
		return &reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("rpc call %s.%s timed out after %v", req.Object, req.Method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler executes an inbound RPC request locally and returns the
// result or an *Exception.
type Handler func(ctx context.Context, req protocol.RPCRequest) (any, *Exception)

// Server answers inbound intercom requests addressed to this node (or to
// "Master" when this node is master), dispatching by (object, method).
type Server struct {
	bus      *bus.Bus
	guildID  int64
	nodeName string
	log      zerolog.Logger
	isMaster func() bool

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer constructs a Server. isMaster is consulted per request to
// decide whether "Master"-addressed requests should be answered locally.
func NewServer(b *bus.Bus, guildID int64, nodeName string, isMaster func() bool, log zerolog.Logger) *Server {
	return &Server{
		bus:      b,
		guildID:  guildID,
		nodeName: nodeName,
		isMaster: isMaster,
		log:      log.With().Str("component", "rpc-server").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for the dotted "object.method" or "service.method" key.
func (s *Server) Handle(key string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key] = h
}

// Listen subscribes to intercom requests.
func (s *Server) Listen() {
	s.bus.Subscribe(bus.Intercom, func(ctx context.Context, env protocol.Envelope) {
		var msg protocol.BusMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Type != protocol.TypeRPCRequest {
			return
		}
		var req protocol.RPCRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		if env.TargetNode == protocol.MasterSentinel && !s.isMaster() {
			return
		}
		if env.TargetNode != protocol.MasterSentinel && env.TargetNode != s.nodeName {
			return
		}
		s.dispatch(ctx, req)
	})
}

func (s *Server) dispatch(ctx context.Context, req protocol.RPCRequest) {
	key := req.Object + "." + req.Method
	if req.Object == "" {
		key = req.Service + "." + req.Method
	}

	s.mu.RLock()
	h, ok := s.handlers[key]
	s.mu.RUnlock()

	reply := protocol.RPCReply{Channel: req.Channel, Method: req.Method}
	if !ok {
		reply.Exception = &protocol.RPCException{Class: ErrUnknownException}
	} else {
		ret, exc := h(ctx, req)
		if exc != nil {
			reply.Exception = &protocol.RPCException{Class: exc.Class, Args: exc.Args, Kwargs: exc.Kwargs}
		} else {
			raw, err := json.Marshal(ret)
			if err != nil {
				reply.Exception = &protocol.RPCException{Class: ErrUnknownException}
			} else {
				reply.Return = raw
			}
		}
	}

	msg, err := protocol.NewBusMessage(protocol.TypeRPCReply, reply)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal rpc reply")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal rpc reply envelope")
		return
	}
	env := protocol.Envelope{GuildID: int(s.guildID), TargetNode: req.Channel, Data: data}
	// The reply is addressed by correlation channel, not node name; the
	// caller's Client.Listen matches on reply.Channel regardless of
	// TargetNode, so broadcast it and let every subscriber filter.
	env.TargetNode = protocol.MasterSentinel
	if err := s.bus.Publish(context.Background(), bus.Intercom, env); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish rpc reply")
	}
}
