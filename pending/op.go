// Package pending is the authoritative record of not-yet-confirmed
// local writes. Mutations are ordered lists of fact-level ops — never
// whole related-entity payloads, and never derived by diffing decoded
// collections (one subscription's absence is indistinguishable from a
// deletion, so diff-derived mutations corrupt overlapping queries).
package pending

import (
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/technoplato/mirror/facts"
)

type Kind byte

const (
	SetScalar    Kind = 'S'
	AddRef       Kind = 'A'
	RemoveRef    Kind = 'R'
	DeleteEntity Kind = 'X'
)

// Op is one primitive fact-level edit, referencing ids only.
type Op struct {
	Kind      Kind
	Entity    string
	Attribute string
	Value     facts.Value
}

func Set(eid, aid string, v facts.Value) Op {
	return Op{Kind: SetScalar, Entity: eid, Attribute: aid, Value: v}
}

func Link(eid, aid, oid string) Op {
	return Op{Kind: AddRef, Entity: eid, Attribute: aid, Value: facts.R(oid)}
}

func Unlink(eid, aid, oid string) Op {
	return Op{Kind: RemoveRef, Entity: eid, Attribute: aid, Value: facts.R(oid)}
}

func Delete(eid string) Op {
	return Op{Kind: DeleteEntity, Entity: eid}
}

func (op Op) Valid() bool {
	if len(op.Entity) == 0 {
		return false
	}
	switch op.Kind {
	case SetScalar:
		return len(op.Attribute) > 0 && op.Value.Kind != facts.Ref && op.Value.Kind != facts.Tomb
	case AddRef, RemoveRef:
		return len(op.Attribute) > 0 && op.Value.Kind == facts.Ref
	case DeleteEntity:
		return op.Attribute == "" && len(op.Value.Data) == 0
	}
	return false
}

var ErrBadOp = errors.New("mirror: bad mutation op record")

// AppendOp encodes one op: the op kind is the record type, the body is
// an E record (entity), then for everything but delete-entity an A
// record (attribute) and a V record (kind byte + payload).
func AppendOp(into []byte, op Op) []byte {
	if op.Kind == DeleteEntity {
		return toytlv.Append(into, byte(op.Kind), toytlv.Record('E', []byte(op.Entity)))
	}
	val := append([]byte{byte(op.Value.Kind)}, op.Value.Data...)
	return toytlv.Append(into, byte(op.Kind),
		toytlv.Record('E', []byte(op.Entity)),
		toytlv.Record('A', []byte(op.Attribute)),
		toytlv.Record('V', val),
	)
}

func EncodeOps(ops []Op) (body []byte) {
	for _, op := range ops {
		body = AppendOp(body, op)
	}
	return
}

// TakeOp parses one op off the front of data.
func TakeOp(data []byte) (op Op, rest []byte, err error) {
	lit, body, rest := toytlv.TakeAny(data)
	switch Kind(lit) {
	case SetScalar, AddRef, RemoveRef, DeleteEntity:
		op.Kind = Kind(lit)
	default:
		return op, nil, ErrBadOp
	}
	eid, body := toytlv.Take('E', body)
	if eid == nil {
		return op, nil, ErrBadOp
	}
	op.Entity = string(eid)
	if op.Kind == DeleteEntity {
		return op, rest, nil
	}
	aid, body := toytlv.Take('A', body)
	if aid == nil {
		return op, nil, ErrBadOp
	}
	op.Attribute = string(aid)
	val, _ := toytlv.Take('V', body)
	if len(val) == 0 {
		return op, nil, ErrBadOp
	}
	op.Value = facts.Value{Kind: facts.Kind(val[0]), Data: append([]byte(nil), val[1:]...)}
	return op, rest, nil
}

func ParseOps(body []byte) (ops []Op, err error) {
	for len(body) > 0 {
		var op Op
		op, body, err = TakeOp(body)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return
}
