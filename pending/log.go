package pending

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/schema"
)

// Mutation is one enqueued local write. Lifecycle: enqueued (applied
// to the overlay, sent when connectivity allows) -> confirmed (facts
// merged with server timestamps, entry kept until the watermark
// passes) -> retired; or rejected (entry removed, overlay contribution
// vanishes, the caller gets the error).
type Mutation struct {
	LocalID   string
	Ops       []Op
	CreatedAt time.Time
	Time      uint64 // enqueue clock, stamps the optimistic overlay
	ServerTx  uint64 // zero until confirmed

	confirmed bool
	done      chan error
}

func (m *Mutation) Confirmed() bool {
	return m.confirmed
}

// Done resolves once the mutation is confirmed (nil) or rejected.
// Queued-while-offline mutations resolve whenever delivery eventually
// succeeds; there is no timeout.
func (m *Mutation) Done() <-chan error {
	return m.done
}

// Finish delivers the outcome to the original caller, once.
func (m *Mutation) Finish(err error) {
	select {
	case m.done <- err:
	default:
	}
}

// Log holds pending mutations in enqueue order. Writes are serialized
// by the core's single-writer discipline; the internal lock only
// guards against concurrent readers of the list itself.
type Log struct {
	lock  sync.Mutex
	list  []*Mutation
	index *xsync.MapOf[string, *Mutation]
}

func NewLog() *Log {
	return &Log{index: xsync.NewMapOf[string, *Mutation]()}
}

func (l *Log) Enqueue(ops []Op, now uint64) *Mutation {
	m := &Mutation{
		LocalID:   uuid.NewString(),
		Ops:       ops,
		CreatedAt: time.Now(),
		Time:      now,
		done:      make(chan error, 1),
	}
	l.lock.Lock()
	l.list = append(l.list, m)
	l.lock.Unlock()
	l.index.Store(m.LocalID, m)
	return m
}

func (l *Log) Get(localID string) (*Mutation, bool) {
	return l.index.Load(localID)
}

// Confirm marks the entry; it is not removed until the processed
// watermark passes its transaction id.
func (l *Log) Confirm(localID string, tx uint64) (*Mutation, bool) {
	m, ok := l.index.Load(localID)
	if !ok || m.confirmed {
		return m, false
	}
	l.lock.Lock()
	m.confirmed = true
	m.ServerTx = tx
	l.lock.Unlock()
	return m, true
}

// Reject removes the entry; its overlay contribution disappears with
// it, other pending mutations stay intact.
func (l *Log) Reject(localID string) (*Mutation, bool) {
	m, ok := l.index.LoadAndDelete(localID)
	if !ok {
		return nil, false
	}
	l.lock.Lock()
	l.remove(m)
	l.lock.Unlock()
	return m, true
}

func (l *Log) remove(m *Mutation) {
	for i, o := range l.list {
		if o == m {
			l.list = append(l.list[:i], l.list[i+1:]...)
			return
		}
	}
}

// RetireUpTo drops confirmed entries whose transaction id the server
// has durably processed. Idempotent; a stale, lower watermark is a
// no-op.
func (l *Log) RetireUpTo(tx uint64) (retired int) {
	l.lock.Lock()
	kept := l.list[:0]
	for _, m := range l.list {
		if m.confirmed && m.ServerTx <= tx {
			l.index.Delete(m.LocalID)
			retired++
			continue
		}
		kept = append(kept, m)
	}
	l.list = kept
	l.lock.Unlock()
	return
}

// Unconfirmed returns the not-yet-confirmed entries in enqueue order,
// the order a reconnect replay must use.
func (l *Log) Unconfirmed() (ms []*Mutation) {
	l.lock.Lock()
	for _, m := range l.list {
		if !m.confirmed {
			ms = append(ms, m)
		}
	}
	l.lock.Unlock()
	return
}

func (l *Log) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.list)
}

// unconfirmedOps flattens unconfirmed ops in enqueue order, paired
// with their mutation's overlay timestamp.
func (l *Log) unconfirmedOps() (ops []Op, times []uint64) {
	l.lock.Lock()
	for _, m := range l.list {
		if m.confirmed {
			continue
		}
		for _, op := range m.Ops {
			ops = append(ops, op)
			times = append(times, m.Time)
		}
	}
	l.lock.Unlock()
	return
}

// Deleted lists entity ids whose latest pending op is a delete, i.e.
// locally deleted and not recreated since.
func (l *Log) Deleted() (ids []string) {
	state := make(map[string]bool)
	var order []string
	ops, _ := l.unconfirmedOps()
	for _, op := range ops {
		if _, ok := state[op.Entity]; !ok {
			order = append(order, op.Entity)
		}
		state[op.Entity] = op.Kind == DeleteEntity
	}
	for _, id := range order {
		if state[id] {
			ids = append(ids, id)
		}
	}
	return
}

// CreatedIn lists entity ids written to by pending ops on attributes
// of the namespace, excluding ids deleted since. The reconciler
// intersects these with its predicate; ids the server already reported
// dedup in the union.
func (l *Log) CreatedIn(sch *schema.Index, ns string) (ids []string) {
	state := make(map[string]bool)
	inOrder := make(map[string]bool)
	var order []string
	ops, _ := l.unconfirmedOps()
	for _, op := range ops {
		switch op.Kind {
		case DeleteEntity:
			state[op.Entity] = false
		case SetScalar, AddRef:
			attr, ok := sch.Attr(op.Attribute)
			if !ok || attr.Namespace != ns {
				continue
			}
			if !inOrder[op.Entity] {
				inOrder[op.Entity] = true
				order = append(order, op.Entity)
			}
			state[op.Entity] = true
		}
	}
	for _, id := range order {
		if state[id] {
			ids = append(ids, id)
		}
	}
	return
}

// Namespaces reports which namespaces the unconfirmed ops touch, for
// membership retriggering.
func (l *Log) Namespaces(sch *schema.Index, of []*Mutation) map[string]struct{} {
	ns := make(map[string]struct{})
	for _, m := range of {
		for _, op := range m.Ops {
			if attr, ok := sch.Attr(op.Attribute); ok {
				ns[attr.Namespace] = struct{}{}
			}
		}
	}
	return ns
}

// Overlay layers the unconfirmed mutations over a base Reader. It is
// a thin diff applied at read time, never materialized into the store.
type Overlay struct {
	Base   facts.Reader
	Schema *schema.Index
	Src    uint64
	log    *Log
}

func (l *Log) Overlay(base facts.Reader, sch *schema.Index, src uint64) *Overlay {
	return &Overlay{Base: base, Schema: sch, Src: src, log: l}
}

func (o *Overlay) FactsFor(eid string) []facts.Fact {
	out := o.Base.FactsFor(eid)
	ops, times := o.log.unconfirmedOps()
	for i, op := range ops {
		if op.Entity != eid {
			continue
		}
		switch op.Kind {
		case DeleteEntity:
			out = out[:0]
		case SetScalar, AddRef:
			attr, ok := o.Schema.Attr(op.Attribute)
			if !ok {
				continue
			}
			f := facts.Fact{
				Entity:    eid,
				Attribute: op.Attribute,
				Value:     op.Value,
				Time:      times[i],
				Src:       o.Src,
			}
			if attr.Card == schema.One {
				out = replaceAttr(out, op.Attribute, f)
			} else {
				out = appendDedup(out, f)
			}
		case RemoveRef:
			out = removeValue(out, op.Attribute, op.Value)
		}
	}
	return out
}

func (o *Overlay) ReverseRefsTo(oid, aid string) []facts.Fact {
	attr, ok := o.Schema.Attr(aid)
	if !ok {
		return nil
	}
	present := make(map[string]facts.Fact)
	for _, f := range o.Base.ReverseRefsTo(oid, aid) {
		present[f.Entity] = f
	}
	ops, times := o.log.unconfirmedOps()
	for i, op := range ops {
		switch op.Kind {
		case DeleteEntity:
			delete(present, op.Entity)
		case AddRef:
			if op.Attribute != aid {
				continue
			}
			if op.Value.Ref() == oid {
				present[op.Entity] = facts.Fact{
					Entity:    op.Entity,
					Attribute: aid,
					Value:     facts.R(oid),
					Time:      times[i],
					Src:       o.Src,
				}
			} else if attr.Card == schema.One {
				// the single slot now points elsewhere
				delete(present, op.Entity)
			}
		case RemoveRef:
			if op.Attribute == aid && op.Value.Ref() == oid {
				delete(present, op.Entity)
			}
		}
	}
	out := make([]facts.Fact, 0, len(present))
	for _, f := range present {
		out = append(out, f)
	}
	sortFacts(out)
	return out
}

func replaceAttr(fs []facts.Fact, aid string, f facts.Fact) []facts.Fact {
	kept := fs[:0]
	for _, o := range fs {
		if o.Attribute != aid {
			kept = append(kept, o)
		}
	}
	return append(kept, f)
}

func appendDedup(fs []facts.Fact, f facts.Fact) []facts.Fact {
	for _, o := range fs {
		if o.Attribute == f.Attribute && o.Value.Equal(f.Value) {
			return fs
		}
	}
	return append(fs, f)
}

func removeValue(fs []facts.Fact, aid string, v facts.Value) []facts.Fact {
	kept := fs[:0]
	for _, o := range fs {
		if o.Attribute == aid && o.Value.Equal(v) {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func sortFacts(fs []facts.Fact) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Entity < fs[j].Entity })
}
