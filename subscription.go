package mirror

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/resolve"
)

type State int

const (
	Uninitialized State = iota
	Loading
	Live
	Cancelled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Query declares what a subscription watches: a namespace of entities,
// an optional membership predicate, and the relationship labels the
// resolver may traverse from each member.
type Query struct {
	Namespace string

	// Predicate filters candidate members, reading the entity's facts
	// through a consistent view. Nil accepts the whole namespace.
	Predicate func(id string, r facts.Reader) bool

	// PredicateKey names the predicate for the server-side query
	// registry and the local result cache. Two queries with the same
	// key must mean the same predicate.
	PredicateKey string

	// Links gates graph traversal. Nil is unrestricted.
	Links resolve.LinkSet

	// MaxDepth overrides the core's resolution depth bound when positive.
	MaxDepth int
}

// cacheKey identifies the query in the stale-result cache. Predicate
// functions cannot be hashed, so PredicateKey stands in for them.
func (q Query) cacheKey() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(q.Namespace)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(q.PredicateKey)
	_, _ = h.Write([]byte{0})
	for _, l := range sortedLinks(q.Links) {
		_, _ = h.WriteString(l)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(facts.PackUint64(uint64(q.MaxDepth)))
	return h.Sum64()
}

// sub is the core-side half of a subscription, all fields guarded by
// the core lock. The typed half lives in Subscription.
type sub struct {
	id    string
	q     Query
	state State

	// serverIDs is the authoritative member set, as last reported by
	// snapshot and diff packets.
	serverIDs map[string]struct{}
	// deps is the transitive dependency set of the last emission:
	// every entity id the resolver touched, ghosts included, plus the
	// member candidates themselves.
	deps map[string]struct{}
	// lastIDs is the member list actually emitted, sorted.
	lastIDs []string
	// observedTx is the core transaction horizon at the last
	// reconciliation; retirement never outruns the slowest of these.
	observedTx uint64

	deliver func(trees []resolve.Tree)
	fail    func(err error)
	shut    func(err error)
}

func (s *sub) shutdown(err error) {
	s.shut(err)
}

func (s *sub) depth(c *Core) int {
	if s.q.MaxDepth > 0 {
		return s.q.MaxDepth
	}
	return c.opts.MaxDepth
}

// Subscription delivers typed result sets. Updates coalesce: a slow
// consumer sees the newest state, never a backlog of intermediates.
type Subscription[T any] struct {
	core *Core
	s    *sub

	mu        sync.Mutex
	ch        chan []T
	err       error
	cancelled bool
}

// Subscribe opens a live query. If a previous subscription with the
// same shape left a cached result, that stale answer is delivered
// immediately while the fresh snapshot is in flight.
func Subscribe[T any](c *Core, q Query) (*Subscription[T], error) {
	if q.Namespace == "" {
		return nil, ErrBadQuery
	}
	sb := &sub{
		id:        uuid.NewString(),
		q:         q,
		state:     Uninitialized,
		serverIDs: make(map[string]struct{}),
	}
	s := &Subscription[T]{core: c, s: sb, ch: make(chan []T, 1)}
	sb.deliver = s.deliverTrees
	sb.fail = s.fail
	sb.shut = s.close

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrClosed
	}
	sb.observedTx = c.lastTx
	sb.state = Loading
	if trees, ok := c.cache.Get(q.cacheKey()); ok {
		s.deliverTrees(trees)
	} else if len(c.log.CreatedIn(c.schema, q.Namespace)) > 0 {
		// entities created by pending mutations must show before the
		// first snapshot, not wait for the next local edit
		r, done := c.reader()
		c.refresh(sb, r)
		done()
	}
	c.subs.Store(sb.id, sb)
	connected := c.online && c.authed
	c.lock.Unlock()

	if connected {
		c.push(toyqueue.Records{subscribePacket(sb.id, q)})
	}
	return s, nil
}

func (s *Subscription[T]) ID() string {
	return s.s.id
}

func (s *Subscription[T]) State() State {
	s.core.lock.Lock()
	defer s.core.lock.Unlock()
	return s.s.state
}

// Updates is the stream of result sets. The channel closes on Cancel
// and on core shutdown.
func (s *Subscription[T]) Updates() <-chan []T {
	return s.ch
}

// Err reports the last server-side failure of this query, or why the
// channel closed (ErrCancelled, ErrClosed). The data already delivered
// stays valid; errored subscriptions keep serving their last state.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription. No delivery happens after Cancel
// returns.
func (s *Subscription[T]) Cancel() {
	c := s.core
	c.lock.Lock()
	_, known := c.subs.LoadAndDelete(s.s.id)
	if known {
		s.s.state = Cancelled
	}
	connected := c.online && c.authed && !c.closed
	c.lock.Unlock()

	s.close(ErrCancelled)
	if known && connected {
		c.push(toyqueue.Records{unsubscribePacket(s.s.id)})
	}
}

func (s *Subscription[T]) deliverTrees(trees []resolve.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	recs, errs := resolve.DecodeSlice[T](trees)
	for _, err := range errs {
		DecodeDrops.WithLabelValues(s.s.q.Namespace).Inc()
		s.core.logger.Warn("dropping undecodable entity", "query", s.s.id, "err", err)
	}
	EmitCount.WithLabelValues(s.s.q.Namespace).Inc()
	select {
	case s.ch <- recs:
	default:
		// displace the unconsumed previous state
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- recs:
		default:
		}
	}
}

func (s *Subscription[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.err = err
}

func (s *Subscription[T]) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	if err != nil && s.err == nil {
		s.err = err
	}
	close(s.ch)
}

// refresh recomputes one subscription: union the server's member set
// with locally created matches, subtract local deletions, filter by
// predicate, resolve, emit. Core lock held.
func (c *Core) refresh(s *sub, r facts.Reader) {
	members := make(map[string]struct{}, len(s.serverIDs))
	for id := range s.serverIDs {
		members[id] = struct{}{}
	}
	for _, id := range c.log.CreatedIn(c.schema, s.q.Namespace) {
		members[id] = struct{}{}
	}
	for _, id := range c.log.Deleted() {
		delete(members, id)
	}

	ids := make([]string, 0, len(members))
	for id := range members {
		if s.q.Predicate != nil && !s.q.Predicate(id, r) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := resolve.Resolver{
		Reader:   r,
		Schema:   c.schema,
		MaxDepth: s.depth(c),
		Links:    s.q.Links,
	}
	trees := make([]resolve.Tree, 0, len(ids))
	for _, id := range ids {
		t := res.Resolve(id)
		if t.Ghost() {
			continue
		}
		trees = append(trees, t)
	}

	deps := res.Deps()
	if deps == nil {
		deps = make(map[string]struct{}, len(members))
	}
	// candidates rejected by the predicate are dependencies too: a
	// change to them can flip the predicate
	for id := range members {
		deps[id] = struct{}{}
	}
	s.deps = deps
	s.lastIDs = ids
	s.observedTx = c.lastTx

	c.cache.Add(s.q.cacheKey(), trees)
	s.deliver(trees)
}

// refreshWhere reconciles every subscription a change could affect:
// named directly in always, holding a dependency on an affected id, or
// watching a namespace the pending ops touched. Untouched subscriptions
// still advance their observation horizon. Core lock held.
func (c *Core) refreshWhere(affected []string, namespaces map[string]struct{}, always map[string]struct{}) {
	r, done := c.reader()
	defer done()
	c.subs.Range(func(id string, s *sub) bool {
		if s.state != Live && s.state != Loading {
			return true
		}
		_, need := always[id]
		if !need {
			_, need = namespaces[s.q.Namespace]
		}
		if !need {
			for _, a := range affected {
				if _, ok := s.deps[a]; ok {
					need = true
					break
				}
			}
		}
		if need {
			c.refresh(s, r)
		} else {
			s.observedTx = c.lastTx
		}
		return true
	})
}

// minObservedTx floors the retirement watermark by the slowest
// subscription. Core lock held.
func (c *Core) minObservedTx(tx uint64) uint64 {
	floor := tx
	c.subs.Range(func(_ string, s *sub) bool {
		if s.observedTx < floor {
			floor = s.observedTx
		}
		return true
	})
	return floor
}
