// Package mirror is a local-first synchronization core. It keeps a
// fact-level cache of server state in an in-memory pebble instance,
// layers unconfirmed local mutations over it, resolves entity graphs
// into value trees, and reconciles live subscriptions whenever either
// side of that equation moves. The server stays authoritative; the
// core's job is to make its state ambiently available and locally
// writable without waiting on the network.
package mirror

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/learn-decentralized-systems/toyqueue"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/pending"
	"github.com/technoplato/mirror/resolve"
	"github.com/technoplato/mirror/schema"
	"github.com/technoplato/mirror/utils"
)

type Options struct {
	// Src stamps optimistic overlay facts until the server's
	// authoritative timestamps replace them.
	Src uint64
	// MaxDepth bounds graph resolution for queries that do not set
	// their own.
	MaxDepth int
	// SnapshotCacheSize is the number of query results kept for
	// stale-while-revalidate delivery.
	SnapshotCacheSize int
	// OutboundLimit caps the outbound packet queue.
	OutboundLimit int
	// Clock supplies overlay timestamps, unix milliseconds.
	Clock func() uint64

	Logger utils.Logger
}

const defaultSnapshotCacheSize = 128
const defaultOutboundLimit = 1 << 20

func (o *Options) SetDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = resolve.DefaultMaxDepth
	}
	if o.SnapshotCacheSize <= 0 {
		o.SnapshotCacheSize = defaultSnapshotCacheSize
	}
	if o.OutboundLimit <= 0 {
		o.OutboundLimit = defaultOutboundLimit
	}
	if o.Clock == nil {
		o.Clock = facts.Now
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Core is the synchronization engine. All state transitions run under
// one lock, so every subscription sees confirmed state and the pending
// overlay move atomically; reads for resolution go through pinned
// store snapshots.
type Core struct {
	lock sync.Mutex

	schema *schema.Index
	store  *facts.Store
	log    *pending.Log
	subs   *utils.CMap[string, *sub]
	cache  *lru.Cache[uint64, []resolve.Tree]
	out    *utils.FDQueue[toyqueue.Records]

	opts   Options
	logger utils.Logger

	online bool
	authed bool
	lastTx uint64
	closed bool
}

func Open(sch *schema.Index, opts Options) (*Core, error) {
	opts.SetDefaults()
	store, err := facts.NewStore(sch, opts.Logger)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, []resolve.Tree](opts.SnapshotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Core{
		schema: sch,
		store:  store,
		log:    pending.NewLog(),
		subs:   &utils.CMap[string, *sub]{},
		cache:  cache,
		out:    utils.NewFDQueue[toyqueue.Records](opts.OutboundLimit),
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

func (c *Core) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClosed
	}
	c.closed = true
	var subs []*sub
	c.subs.Range(func(id string, s *sub) bool {
		subs = append(subs, s)
		c.subs.Delete(id)
		return true
	})
	c.lock.Unlock()
	for _, s := range subs {
		s.shutdown(ErrClosed)
	}
	c.out.Close()
	return c.store.Close()
}

// Outbound is the queue of packets awaiting delivery to the server.
// The transport drains it; packets pushed while offline are dropped
// by the core itself, never queued (pending mutations are replayed
// from the log on reconnect instead).
func (c *Core) Outbound() *utils.FDQueue[toyqueue.Records] {
	return c.out
}

func (c *Core) Schema() *schema.Index {
	return c.schema
}

// Connected reports whether the core is online and authenticated.
// Server data is only trusted and requested in that state.
func (c *Core) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.online && c.authed
}

func (c *Core) PendingCount() int {
	return c.log.Len()
}

// reader pins a store snapshot with the unconfirmed overlay on top.
// Callers must invoke done when the resolve pass completes.
func (c *Core) reader() (r facts.Reader, done func()) {
	snap := c.store.Snapshot()
	return c.log.Overlay(snap, c.schema, c.opts.Src), func() { _ = snap.Close() }
}

// push hands packets to the transport when connected. Must not be
// called with c.lock held for longer than the queue append takes;
// the queue never blocks below its limit.
func (c *Core) push(recs toyqueue.Records) {
	if err := c.out.Drain(context.Background(), recs); err != nil {
		c.logger.Warn("outbound queue rejected packets", "err", err)
	}
}

// applyFacts merges server facts into the store. A fact with no
// attribute and a tombstone value deletes the whole entity.
// Returns the affected entity ids. Lock held.
func (c *Core) applyFacts(fs []facts.Fact) (affected []string, err error) {
	var seen map[string]struct{}
	add := func(ids []string) {
		if seen == nil {
			seen = make(map[string]struct{})
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			affected = append(affected, id)
		}
	}
	batch := fs[:0:0]
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := c.store.InsertBatch(batch)
		if err != nil {
			return err
		}
		add(ids)
		batch = batch[:0]
		return nil
	}
	for _, f := range fs {
		if f.Attribute == "" && f.Value.Deleted() {
			if err = flush(); err != nil {
				return nil, err
			}
			ids, err := c.store.RemoveEntity(f.Entity, f.Time, f.Src)
			if err != nil {
				return nil, err
			}
			add(ids)
			continue
		}
		batch = append(batch, f)
	}
	if err = flush(); err != nil {
		return nil, err
	}
	return affected, nil
}

func (c *Core) bumpTx(tx uint64) {
	if tx > c.lastTx {
		c.lastTx = tx
	}
}
