package mirror

import (
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/pending"
)

// ApplySnapshot installs the server's full answer to a query: the
// authoritative member set plus the facts of the members and their
// related entities. The facts are shared cache state, so subscriptions
// other than the addressed one reconcile too when their dependencies
// moved.
func (c *Core) ApplySnapshot(queryID string, ids []string, fs []facts.Fact) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	affected, err := c.applyFacts(fs)
	if err != nil {
		return err
	}
	always := make(map[string]struct{}, 1)
	if s, ok := c.subs.Load(queryID); ok {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.serverIDs = set
		s.state = Live
		always[queryID] = struct{}{}
	}
	c.refreshWhere(affected, nil, always)
	return nil
}

// ApplyDiff folds an incremental server update into a query's member
// set and the shared fact cache.
func (c *Core) ApplyDiff(queryID string, added, removed []string, fs []facts.Fact) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	affected, err := c.applyFacts(fs)
	if err != nil {
		return err
	}
	always := make(map[string]struct{}, 1)
	if s, ok := c.subs.Load(queryID); ok {
		for _, id := range added {
			s.serverIDs[id] = struct{}{}
		}
		for _, id := range removed {
			delete(s.serverIDs, id)
		}
		if s.state == Live || len(added)+len(removed) > 0 {
			always[queryID] = struct{}{}
		}
		s.state = Live
	}
	c.refreshWhere(affected, nil, always)
	return nil
}

// ApplyConfirm resolves a pending mutation: the server's authoritative
// facts replace the optimistic overlay contribution, and the entry is
// kept in the log until the watermark retires it.
func (c *Core) ApplyConfirm(localID string, tx uint64, fs []facts.Fact) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	// facts first: if the store rejects them the entry stays
	// unconfirmed and a retransmit can still land
	affected, err := c.applyFacts(fs)
	if err != nil {
		return err
	}
	m, fresh := c.log.Confirm(localID, tx)
	if m == nil {
		// duplicate confirmation of a retired mutation; the facts
		// are idempotent, the log entry is long gone
		c.bumpTx(tx)
		c.refreshWhere(affected, nil, nil)
		return nil
	}
	// a confirmed delete must outlive the overlay that was masking it
	for _, op := range m.Ops {
		if op.Kind != pending.DeleteEntity {
			continue
		}
		ids, err := c.store.RemoveEntity(op.Entity, confirmTime(fs, m), c.opts.Src)
		if err != nil {
			return err
		}
		affected = append(affected, ids...)
	}
	c.bumpTx(tx)
	if fresh {
		m.Finish(nil)
	}
	PendingMutations.Set(float64(len(c.log.Unconfirmed())))
	ns := c.log.Namespaces(c.schema, []*pending.Mutation{m})
	c.refreshWhere(append(affected, opTargets(m.Ops)...), ns, nil)
	return nil
}

func confirmTime(fs []facts.Fact, m *pending.Mutation) uint64 {
	t := m.Time
	for _, f := range fs {
		if f.Time > t {
			t = f.Time
		}
	}
	return t
}

// ApplyReject removes a rejected mutation from the log. Its overlay
// contribution disappears, affected subscriptions re-emit the rolled
// back state, and the caller's Done channel carries the cause.
func (c *Core) ApplyReject(localID string, cause error) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	m, ok := c.log.Reject(localID)
	if !ok {
		return ErrMutationUnknown
	}
	PendingMutations.Set(float64(c.log.Len()))
	if cause == nil {
		cause = errors.New("mirror: mutation rejected")
	}
	m.Finish(cause)
	ns := c.log.Namespaces(c.schema, []*pending.Mutation{m})
	c.refreshWhere(opTargets(m.Ops), ns, nil)
	return nil
}

// ApplyWatermark retires confirmed mutations the server has durably
// processed, floored by the slowest subscription's observation horizon
// so no reconciler loses overlay state it has not seen confirmed yet.
func (c *Core) ApplyWatermark(tx uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.bumpTx(tx)
	if n := c.log.RetireUpTo(c.minObservedTx(tx)); n > 0 {
		RetiredMutations.Add(float64(n))
		PendingMutations.Set(float64(c.log.Len()))
	}
	return nil
}

// ApplyQueryError marks a query as failing server-side. The
// subscription keeps serving its last delivered state.
func (c *Core) ApplyQueryError(queryID string, cause error) error {
	c.lock.Lock()
	s, ok := c.subs.Load(queryID)
	c.lock.Unlock()
	if !ok {
		return ErrQueryUnknown
	}
	if cause == nil {
		cause = errors.New("mirror: query failed")
	}
	s.fail(cause)
	return nil
}

// SetConnectivity tracks the transport's session state. On the
// offline-to-connected edge the core replays every unconfirmed
// mutation in enqueue order, then re-subscribes its live queries.
func (c *Core) SetConnectivity(online, authed bool) {
	c.lock.Lock()
	was := c.online && c.authed
	c.online, c.authed = online, authed
	now := online && authed
	var recs toyqueue.Records
	if now && !was && !c.closed {
		for _, m := range c.log.Unconfirmed() {
			recs = append(recs, mutationPacket(m.LocalID, m.Ops))
		}
		c.subs.Range(func(_ string, s *sub) bool {
			recs = append(recs, subscribePacket(s.id, s.q))
			return true
		})
	}
	c.lock.Unlock()
	if len(recs) > 0 {
		c.push(recs)
	}
}

// DrainInbound consumes packets from the transport. Server data is
// only trusted on an authenticated session; anything arriving outside
// one is dropped.
func (c *Core) DrainInbound(recs toyqueue.Records) error {
	if !c.Connected() {
		c.logger.Warn("dropping inbound packets, session not authenticated", "count", len(recs))
		return nil
	}
	for _, packet := range recs {
		for len(packet) > 0 {
			lit, body, rest := toytlv.TakeAny(packet)
			if body == nil {
				return ErrBadPacket
			}
			packet = rest
			InboundPackets.WithLabelValues(string(lit)).Inc()
			if err := c.dispatch(lit, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Core) dispatch(lit byte, body []byte) error {
	switch lit {
	case 'S':
		qid, ids, fs, err := parseSnapshot(body)
		if err != nil {
			return err
		}
		return c.ApplySnapshot(qid, ids, fs)
	case 'D':
		qid, added, removed, fs, err := parseDiff(body)
		if err != nil {
			return err
		}
		return c.ApplyDiff(qid, added, removed, fs)
	case 'C':
		localID, tx, fs, err := parseConfirm(body)
		if err != nil {
			return err
		}
		return c.ApplyConfirm(localID, tx, fs)
	case 'E':
		target, id, reason, err := parseReject(body)
		if err != nil {
			return err
		}
		if target == 'M' {
			err := c.ApplyReject(id, errors.New("mirror: rejected by server: "+reason))
			if errors.Is(err, ErrMutationUnknown) {
				c.logger.Warn("reject for an unknown mutation", "id", id, "reason", reason)
				return nil
			}
			return err
		}
		err = c.ApplyQueryError(id, errors.New("mirror: query failed: "+reason))
		if errors.Is(err, ErrQueryUnknown) {
			// the query was cancelled while the error was in flight
			c.logger.Warn("error for an unknown query", "id", id, "reason", reason)
			return nil
		}
		return err
	case 'W':
		tx, err := parseWatermark(body)
		if err != nil {
			return err
		}
		return c.ApplyWatermark(tx)
	}
	return errors.Wrap(ErrBadPacket, string(lit))
}
