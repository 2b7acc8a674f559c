package mirror

import (
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/pkg/errors"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/pending"
	"github.com/technoplato/mirror/schema"
)

func (c *Core) validateOp(op pending.Op) error {
	if !op.Valid() {
		return errors.Wrap(ErrBadMutation, "malformed op")
	}
	if op.Kind == pending.DeleteEntity {
		return nil
	}
	attr, ok := c.schema.Attr(op.Attribute)
	if !ok {
		return errors.Wrap(schema.ErrAttrUnknown, op.Attribute)
	}
	switch op.Kind {
	case pending.SetScalar:
		if attr.ValueKind != schema.Scalar {
			return errors.Wrap(ErrBadMutation, attr.Forward()+" holds references")
		}
	case pending.AddRef, pending.RemoveRef:
		if attr.ValueKind != schema.Reference {
			return errors.Wrap(ErrBadMutation, attr.Forward()+" holds scalars")
		}
	}
	return nil
}

// Mutate enqueues a local write as an ordered list of fact-level ops.
// The ops land in the pending overlay at once, every affected
// subscription re-emits before Mutate returns, and the mutation goes
// out to the server when connectivity allows. The returned mutation's
// Done channel resolves on confirmation or rejection.
func (c *Core) Mutate(ops ...pending.Op) (*pending.Mutation, error) {
	if len(ops) == 0 {
		return nil, errors.Wrap(ErrBadMutation, "no ops")
	}
	for _, op := range ops {
		if err := c.validateOp(op); err != nil {
			return nil, err
		}
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrClosed
	}
	m := c.log.Enqueue(ops, c.opts.Clock())
	PendingMutations.Set(float64(c.log.Len()))
	ns := c.log.Namespaces(c.schema, []*pending.Mutation{m})
	c.refreshWhere(opTargets(ops), ns, nil)
	connected := c.online && c.authed
	c.lock.Unlock()

	if connected {
		c.push(toyqueue.Records{mutationPacket(m.LocalID, m.Ops)})
	}
	return m, nil
}

// opTargets lists the entities an op list touches: subjects plus the
// objects of reference ops.
func opTargets(ops []pending.Op) (ids []string) {
	seen := make(map[string]struct{}, len(ops))
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, op := range ops {
		add(op.Entity)
		if op.Value.Kind == facts.Ref {
			add(op.Value.Ref())
		}
	}
	return
}

// Refresh demands a fresh snapshot for one query. Offline it fails
// fast with ErrOffline instead of passing local state off as fresh.
func (c *Core) Refresh(queryID string) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClosed
	}
	s, ok := c.subs.Load(queryID)
	connected := c.online && c.authed
	c.lock.Unlock()

	if !ok {
		return ErrQueryUnknown
	}
	if !connected {
		return ErrOffline
	}
	c.push(toyqueue.Records{subscribePacket(s.id, s.q)})
	return nil
}
