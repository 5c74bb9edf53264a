// Package bus is the pub/sub transport (§4.B): two logical channels,
// intercom (RPC request/reply) and broadcasts (host events, fleet
// notifications), layered over the bus_messages table. A dedicated
// Postgres LISTEN/NOTIFY connection per process would need its own
// reconnect/backoff state machine; a short poll against an indexed table
// gives the same guild-scoped, at-most-once, per-publisher-FIFO delivery
// with none of that machinery, at the cost of sub-second latency instead
// of instant.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/protocol"
)

// Channel names the two logical buses a node subscribes to.
type Channel string

const (
	// Intercom carries RPC request/reply traffic, addressed to a single
	// node (or protocol.MasterSentinel).
	Intercom Channel = "intercom"
	// Broadcasts carries host events and fleet-wide notifications,
	// delivered to every subscriber regardless of TargetNode.
	Broadcasts Channel = "broadcasts"

	pollInterval = 250 * time.Millisecond
)

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env protocol.Envelope)

// Bus polls bus_messages for a single node identity and fans deliveries out
// to registered handlers, one goroutine per subscribed channel.
type Bus struct {
	pool     *pgxpool.Pool
	log      zerolog.Logger
	guildID  int64
	nodeName string

	mu       sync.RWMutex
	handlers map[Channel][]Handler
	lastID   map[Channel]int64

	wg sync.WaitGroup
}

// New constructs a Bus bound to a single node's identity within a guild.
// Subscriptions only ever see messages published after New is called
// (§4.B: "subscribers never see messages predating their subscribe call").
func New(pool *pgxpool.Pool, log zerolog.Logger, guildID int64, nodeName string) (*Bus, error) {
	b := &Bus{
		pool:     pool,
		log:      log.With().Str("component", "bus").Str("node", nodeName).Logger(),
		guildID:  guildID,
		nodeName: nodeName,
		handlers: make(map[Channel][]Handler),
		lastID:   make(map[Channel]int64),
	}

	for _, ch := range []Channel{Intercom, Broadcasts} {
		var maxID *int64
		err := pool.QueryRow(context.Background(), `
			SELECT max(id) FROM bus_messages WHERE guild_id = $1 AND channel = $2
		`, guildID, string(ch)).Scan(&maxID)
		if err != nil {
			return nil, err
		}
		if maxID != nil {
			b.lastID[ch] = *maxID
		}
	}
	return b, nil
}

// Subscribe registers h to run on every envelope delivered on ch that is
// addressed either to this node or to protocol.MasterSentinel when this
// node is acting as master (the caller filters on mastership; the bus
// itself only filters by node name match or broadcast fan-out).
func (b *Bus) Subscribe(ch Channel, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[ch] = append(b.handlers[ch], h)
}

// Publish writes an envelope onto ch. Delivery is at-most-once: if no node
// is polling when the row is written, it is still there to be picked up
// on the next poll, but once consumed it is never redelivered.
func (b *Bus) Publish(ctx context.Context, ch Channel, env protocol.Envelope) error {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return err
	}
	target := env.TargetNode
	if target == "" {
		target = protocol.MasterSentinel
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO bus_messages (guild_id, channel, node, data) VALUES ($1,$2,$3,$4)
	`, b.guildID, string(ch), target, data)
	return err
}

// Run polls both channels until ctx is cancelled. Each channel gets its own
// goroutine so a burst on broadcasts never delays intercom replies.
func (b *Bus) Run(ctx context.Context) {
	for _, ch := range []Channel{Intercom, Broadcasts} {
		ch := ch
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pollLoop(ctx, ch)
		}()
	}
}

// Wait blocks until every poll goroutine started by Run has returned.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) pollLoop(ctx context.Context, ch Channel) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.drain(ctx, ch); err != nil {
				b.log.Warn().Err(err).Str("channel", string(ch)).Msg("bus drain failed")
			}
		}
	}
}

// drain fetches every row newer than the channel's last seen id, addressed
// to this node (or broadcast-to-all for the Broadcasts channel), and
// advances lastID past rows that didn't match so a flood of traffic
// targeted at other nodes can't starve this node's progress.
func (b *Bus) drain(ctx context.Context, ch Channel) error {
	b.mu.RLock()
	since := b.lastID[ch]
	b.mu.RUnlock()

	rows, err := b.pool.Query(ctx, `
		SELECT id, node, data FROM bus_messages
		WHERE guild_id = $1 AND channel = $2 AND id > $3
		ORDER BY id ASC
	`, b.guildID, string(ch), since)
	if err != nil {
		return err
	}
	defer rows.Close()

	type delivery struct {
		id   int64
		node string
		data json.RawMessage
	}
	var batch []delivery
	for rows.Next() {
		var d delivery
		if err := rows.Scan(&d.id, &d.node, &d.data); err != nil {
			return err
		}
		batch = append(batch, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var maxSeen int64
	for _, d := range batch {
		if d.id > maxSeen {
			maxSeen = d.id
		}
		deliverable := ch == Broadcasts || d.node == b.nodeName || d.node == protocol.MasterSentinel
		if !deliverable {
			continue
		}
		env := protocol.Envelope{GuildID: int(b.guildID), TargetNode: d.node, Data: d.data}
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[ch]...)
		b.mu.RUnlock()
		for _, h := range handlers {
			h(ctx, env)
		}
	}

	if maxSeen > since {
		b.mu.Lock()
		b.lastID[ch] = maxSeen
		b.mu.Unlock()
	}
	return nil
}
