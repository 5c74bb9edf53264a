// Package ingress is the UDP listener that bridges game-host in-process
// hooks into the rest of the control plane (§4.C): a fixed worker pool
// reads datagrams, tags them by host, and either fulfils an outstanding
// synchronous waiter or enqueues them on the host's per-host queue.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/protocol"
	"github.com/dcsfleet/control/internal/registry"
)

const workerCount = 20

// Waiters holds the outstanding local synchronous requests, each keyed by
// its "sync-<uuid>" channel, and fulfils them (§4.C step 4).
type Waiters struct {
	mu      sync.Mutex
	pending map[string]chan protocol.Datagram
}

// NewWaiters constructs an empty waiter table.
func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[string]chan protocol.Datagram)}
}

// Register installs a waiter for channel and returns it; the caller reads
// from the returned channel with its own timeout.
func (w *Waiters) Register(channel string) chan protocol.Datagram {
	ch := make(chan protocol.Datagram, 1)
	w.mu.Lock()
	w.pending[channel] = ch
	w.mu.Unlock()
	return ch
}

// Cancel removes a waiter, e.g. after its caller's timeout fires.
func (w *Waiters) Cancel(channel string) {
	w.mu.Lock()
	delete(w.pending, channel)
	w.mu.Unlock()
}

func (w *Waiters) fulfil(d protocol.Datagram) bool {
	w.mu.Lock()
	ch, ok := w.pending[d.Channel]
	if ok {
		delete(w.pending, d.Channel)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// Republisher re-publishes a non-master node's datagram on broadcasts
// with the local node name attached (§4.C: "If this node is not master").
type Republisher func(ctx context.Context, fromNode string, d protocol.Datagram) error

// Listener binds a UDP socket and fans datagrams into per-host queues.
type Listener struct {
	conn      *net.UDPConn
	reg       *registry.Registry
	waiters   *Waiters
	nodeName  string
	isMaster  func() bool
	republish Republisher
	log       zerolog.Logger

	addrMu   sync.Mutex
	lastAddr map[string]*net.UDPAddr

	wg sync.WaitGroup
}

// Listen binds (address, port) with SO_REUSEADDR set on the socket before
// bind so a fast restart doesn't fail with "address already in use" (§4.C).
func Listen(address string, port int, reg *registry.Registry, waiters *Waiters, nodeName string, isMaster func() bool, republish Republisher, log zerolog.Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: func(network, addr string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return serr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("binding udp %s:%d: %w", address, port, err)
	}
	conn := pc.(*net.UDPConn)
	return &Listener{
		conn:      conn,
		reg:       reg,
		waiters:   waiters,
		nodeName:  nodeName,
		isMaster:  isMaster,
		republish: republish,
		log:       log.With().Str("component", "ingress").Logger(),
		lastAddr:  make(map[string]*net.UDPAddr),
	}, nil
}

// Send unicasts raw bytes to the most recent sender address seen for
// serverName's hook (the hook has no fixed listen port of its own; the
// node can only reply to whatever ephemeral port last sent it a
// datagram, mirroring the source's "command goes out on the next poll
// reply" shape without needing a persistent outbound connection).
func (l *Listener) Send(serverName string, raw []byte) error {
	l.addrMu.Lock()
	addr, ok := l.lastAddr[serverName]
	l.addrMu.Unlock()
	if !ok {
		return fmt.Errorf("no known address for host %s", serverName)
	}
	_, err := l.conn.WriteToUDP(raw, addr)
	return err
}

// Run starts the fixed worker pool and blocks until ctx is cancelled,
// then closes the socket to unblock any worker mid-read (§5: "close
// socket" on service stop).
func (l *Listener) Run(ctx context.Context) {
	for i := 0; i < workerCount; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}

	<-ctx.Done()
	_ = l.conn.Close()
	l.wg.Wait()
}

func (l *Listener) worker(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, protocol.MaxDatagramSize)

	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug().Err(err).Msg("udp read error")
			continue
		}
		if n == 0 {
			l.log.Warn().Msg("dropped empty datagram")
			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		l.handle(ctx, raw, addr)
	}
}

func (l *Listener) handle(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	var d protocol.Datagram
	if err := json.Unmarshal(raw, &d); err != nil {
		l.log.Warn().Err(err).Msg("malformed datagram")
		return
	}
	d.Raw = raw

	l.addrMu.Lock()
	l.lastAddr[d.ServerName] = addr
	l.addrMu.Unlock()

	h, ok := l.reg.Get(d.ServerName)
	if !ok {
		l.log.Debug().Str("host", d.ServerName).Msg("datagram for unregistered host")
		return
	}
	h.LastSeen = time.Now().UTC()

	if strings.HasPrefix(d.Channel, "sync-") {
		fulfilled := l.waiters.fulfil(d)
		if fulfilled && d.Command != protocol.CmdRegisterDCSServer && d.Command != protocol.CmdGetMissionUpdate {
			return
		}
	}

	l.enqueue(ctx, h, d)
}

func (l *Listener) enqueue(ctx context.Context, h *host.Host, d protocol.Datagram) {
	if l.isMaster() {
		select {
		case h.Queue <- host.QueuedEvent{Command: d.Command, Data: d.Raw}:
		default:
			l.log.Warn().Str("host", h.Name).Msg("host queue full, dropping event")
		}
		return
	}

	if err := l.republish(ctx, l.nodeName, d); err != nil {
		l.log.Warn().Err(err).Str("host", h.Name).Msg("failed to republish event to master")
	}
}
