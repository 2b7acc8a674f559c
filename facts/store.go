package facts

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/technoplato/mirror/schema"
	"github.com/technoplato/mirror/utils"
)

var (
	ErrClosed       = errors.New("facts: store is closed")
	ErrBadEntityID  = errors.New("facts: bad entity id")
	ErrKindMismatch = errors.New("facts: value kind does not match the attribute")
)

// Reader is a consistent read view over the fact space, as seen by the
// graph resolver. One resolve pass runs against one Reader, so there
// are no torn reads mid-traversal.
type Reader interface {
	FactsFor(eid string) []Fact
	ReverseRefsTo(eid, aid string) []Fact
}

// Store keeps facts in a pebble instance on an in-memory filesystem.
// The key space: 'F' eid 0 aid 0 [valhash] for forward facts,
// 'R' oid 0 aid 0 sid for the reverse index of reference facts.
// All values are LWW cells merged by the CRDT merge operator, so an
// insert never needs a read and a removal is a tombstone cell.
type Store struct {
	db     *pebble.DB
	schema *schema.Index
	log    utils.Logger
	lock   sync.Mutex
}

var writeOptions = pebble.WriteOptions{Sync: false}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	return &cellMerger{vals: [][]byte{append([]byte(nil), value...)}}, nil
}

type cellMerger struct {
	old  bool
	vals [][]byte
}

func (m *cellMerger) MergeNewer(value []byte) error {
	m.vals = append(m.vals, append([]byte(nil), value...))
	return nil
}

func (m *cellMerger) MergeOlder(value []byte) error {
	m.vals = append(m.vals, append([]byte(nil), value...))
	m.old = true
	return nil
}

func (m *cellMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if m.old {
		for i, j := 0, len(m.vals)-1; i < j; i, j = i+1, j-1 {
			m.vals[i], m.vals[j] = m.vals[j], m.vals[i]
		}
	}
	return MergeCells(m.vals), nil, nil
}

func NewStore(sch *schema.Index, log utils.Logger) (*Store, error) {
	opts := pebble.Options{
		FS: vfs.NewMem(),
		Merger: &pebble.Merger{
			Name:  "mirror.lww",
			Merge: merger,
		},
	}
	db, err := pebble.Open("", &opts)
	if err != nil {
		return nil, errors.Wrap(err, "facts: opening store")
	}
	return &Store{db: db, schema: sch, log: log}, nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) DB() *pebble.DB {
	return s.db
}

func fwdKey(eid, aid string) (key []byte) {
	key = make([]byte, 0, 2+len(eid)+1+len(aid))
	key = append(key, 'F')
	key = append(key, eid...)
	key = append(key, 0)
	key = append(key, aid...)
	key = append(key, 0)
	return
}

func fwdKeyMany(eid, aid string, v Value) (key []byte) {
	key = fwdKey(eid, aid)
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(v.Kind)})
	_, _ = h.Write(v.Data)
	key = binary.BigEndian.AppendUint64(key, h.Sum64())
	return
}

func revKey(oid, aid, sid string) (key []byte) {
	key = make([]byte, 0, 3+len(oid)+len(aid)+len(sid))
	key = append(key, 'R')
	key = append(key, oid...)
	key = append(key, 0)
	key = append(key, aid...)
	key = append(key, 0)
	key = append(key, sid...)
	return
}

func validID(id string) bool {
	return len(id) > 0 && bytes.IndexByte([]byte(id), 0) < 0
}

// factKey picks the forward key for a fact given its attribute's
// cardinality: one shared slot for cardinality-one, a per-value slot
// for cardinality-many.
func (s *Store) factKey(f Fact, attr schema.Attribute) []byte {
	if attr.Card == schema.Many {
		return fwdKeyMany(f.Entity, f.Attribute, f.Value)
	}
	return fwdKey(f.Entity, f.Attribute)
}

func (s *Store) mergeFact(pb *pebble.Batch, f Fact, affected *affectedSet) error {
	attr, ok := s.schema.Attr(f.Attribute)
	if !ok {
		return errors.Wrap(schema.ErrAttrUnknown, f.Attribute)
	}
	if !validID(f.Entity) {
		return errors.Wrap(ErrBadEntityID, f.Entity)
	}
	if f.Value.Kind != Tomb {
		if attr.ValueKind == schema.Reference && f.Value.Kind != Ref {
			return errors.Wrap(ErrKindMismatch, attr.Forward())
		}
		if attr.ValueKind == schema.Scalar && f.Value.Kind == Ref {
			return errors.Wrap(ErrKindMismatch, attr.Forward())
		}
	}
	cell := MakeCell(f.Time, f.Src, f.Value)
	if err := pb.Merge(s.factKey(f, attr), cell, &writeOptions); err != nil {
		return err
	}
	affected.add(f.Entity)
	if attr.ValueKind == schema.Reference && f.Value.Kind == Ref {
		oid := f.Value.Ref()
		if !validID(oid) {
			return errors.Wrap(ErrBadEntityID, oid)
		}
		if err := pb.Merge(revKey(oid, f.Attribute, f.Entity), cell, &writeOptions); err != nil {
			return err
		}
		affected.add(oid)
	}
	return nil
}

// Insert puts one fact, overwriting by LWW for cardinality-one
// attributes and accumulating for cardinality-many ones. Returns the
// structurally affected entity ids: the subject, plus the object when
// the fact is a reference.
func (s *Store) Insert(f Fact) (affected []string, err error) {
	return s.InsertBatch([]Fact{f})
}

func (s *Store) InsertBatch(fs []Fact) (affected []string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	pb := s.db.NewBatch()
	defer pb.Close()
	var aff affectedSet
	for _, f := range fs {
		if err = s.mergeFact(pb, f, &aff); err != nil {
			return nil, err
		}
	}
	if err = s.db.Apply(pb, &writeOptions); err != nil {
		return nil, err
	}
	return aff.list, nil
}

// RemoveFact writes a tombstone for one (entity, attribute, value)
// slot. The tombstone participates in LWW, so a late older write does
// not resurrect the value.
func (s *Store) RemoveFact(eid, aid string, v Value, time, src uint64) (affected []string, err error) {
	attr, ok := s.schema.Attr(aid)
	if !ok {
		return nil, errors.Wrap(schema.ErrAttrUnknown, aid)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	pb := s.db.NewBatch()
	defer pb.Close()
	var aff affectedSet
	tomb := MakeCell(time, src, Tombstone())
	key := fwdKey(eid, aid)
	if attr.Card == schema.Many {
		key = fwdKeyMany(eid, aid, v)
	}
	if err = pb.Merge(key, tomb, &writeOptions); err != nil {
		return nil, err
	}
	aff.add(eid)
	if attr.ValueKind == schema.Reference && v.Kind == Ref {
		if err = pb.Merge(revKey(v.Ref(), aid, eid), tomb, &writeOptions); err != nil {
			return nil, err
		}
		aff.add(v.Ref())
	}
	if err = s.db.Apply(pb, &writeOptions); err != nil {
		return nil, err
	}
	return aff.list, nil
}

// RemoveEntity tombstones every fact where the entity is the subject.
// Facts merely referencing the entity stay put and resolve as ghosts.
func (s *Store) RemoveEntity(eid string, time, src uint64) (affected []string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	live, err := s.liveFacts(s.db, eid)
	if err != nil {
		return nil, err
	}
	pb := s.db.NewBatch()
	defer pb.Close()
	var aff affectedSet
	aff.add(eid)
	tomb := MakeCell(time, src, Tombstone())
	for _, f := range live {
		attr, ok := s.schema.Attr(f.Attribute)
		if !ok {
			continue
		}
		if err = pb.Merge(s.factKey(f, attr), tomb, &writeOptions); err != nil {
			return nil, err
		}
		if attr.ValueKind == schema.Reference && f.Value.Kind == Ref {
			if err = pb.Merge(revKey(f.Value.Ref(), f.Attribute, eid), tomb, &writeOptions); err != nil {
				return nil, err
			}
			aff.add(f.Value.Ref())
		}
	}
	if err = s.db.Apply(pb, &writeOptions); err != nil {
		return nil, err
	}
	return aff.list, nil
}

// Snapshot pins a consistent read view. Close it when the resolve
// pass is done.
func (s *Store) Snapshot() *Snap {
	return &Snap{store: s, snap: s.db.NewSnapshot()}
}

type Snap struct {
	store *Store
	snap  *pebble.Snapshot
}

func (sn *Snap) Close() error {
	return sn.snap.Close()
}

func (sn *Snap) FactsFor(eid string) []Fact {
	fs, err := sn.store.liveFacts(sn.snap, eid)
	if err != nil {
		sn.store.log.Error("facts: read failed", "entity", eid, "err", err)
		return nil
	}
	return fs
}

func (sn *Snap) ReverseRefsTo(eid, aid string) []Fact {
	fs, err := sn.store.liveReverse(sn.snap, eid, aid)
	if err != nil {
		sn.store.log.Error("facts: reverse read failed", "entity", eid, "err", err)
		return nil
	}
	return fs
}

// pebble.Reader is satisfied by both *pebble.DB and *pebble.Snapshot.
func (s *Store) liveFacts(r pebble.Reader, eid string) (fs []Fact, err error) {
	lo := append(append([]byte{'F'}, eid...), 0)
	hi := append(append([]byte{'F'}, eid...), 1)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		rest := it.Key()[len(lo):]
		cut := bytes.IndexByte(rest, 0)
		if cut < 0 {
			continue
		}
		aid := string(rest[:cut])
		t, src, v, ok := ParseCell(it.Value())
		if !ok || v.Deleted() {
			continue
		}
		fs = append(fs, Fact{
			Entity:    eid,
			Attribute: aid,
			Value:     Value{Kind: v.Kind, Data: append([]byte(nil), v.Data...)},
			Time:      t,
			Src:       src,
		})
	}
	return fs, it.Error()
}

// The reverse index only discovers candidate subjects; the forward
// cell stays the authority on liveness and timestamps. A stale reverse
// entry (the forward slot was overwritten to point elsewhere) is
// filtered here instead of being chased down on every overwrite.
func (s *Store) liveReverse(r pebble.Reader, oid, aid string) (fs []Fact, err error) {
	attr, ok := s.schema.Attr(aid)
	if !ok {
		return nil, errors.Wrap(schema.ErrAttrUnknown, aid)
	}
	lo := append(append(append(append([]byte{'R'}, oid...), 0), aid...), 0)
	hi := append(append(append(append([]byte{'R'}, oid...), 0), aid...), 1)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		sid := string(it.Key()[len(lo):])
		t, src, live := forwardRef(r, sid, oid, attr)
		if !live {
			continue
		}
		fs = append(fs, Fact{
			Entity:    sid,
			Attribute: aid,
			Value:     R(oid),
			Time:      t,
			Src:       src,
		})
	}
	return fs, it.Error()
}

func forwardRef(r pebble.Reader, sid, oid string, attr schema.Attribute) (t, src uint64, live bool) {
	key := fwdKey(sid, attr.ID)
	if attr.Card == schema.Many {
		key = fwdKeyMany(sid, attr.ID, R(oid))
	}
	val, clo, err := r.Get(key)
	if err != nil {
		return
	}
	defer clo.Close()
	t, src, v, ok := ParseCell(val)
	if !ok || v.Deleted() || v.Kind != Ref || v.Ref() != oid {
		return 0, 0, false
	}
	return t, src, true
}

// affectedSet keeps insertion order, dedups by id.
type affectedSet struct {
	seen map[string]struct{}
	list []string
}

func (a *affectedSet) add(id string) {
	if a.seen == nil {
		a.seen = make(map[string]struct{})
	}
	if _, ok := a.seen[id]; ok {
		return
	}
	a.seen[id] = struct{}{}
	a.list = append(a.list, id)
}
