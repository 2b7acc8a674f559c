package mirror

import (
	"sort"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/pending"
)

// Transport packets, one TLV record each.
//
// Outbound (client to server):
//
//	Q: subscribe     { I query-id, N namespace, P predicate-key?, L link* }
//	U: unsubscribe   { I query-id }
//	M: mutation      { I local-id, op* }
//
// Inbound (server to client):
//
//	S: snapshot      { I query-id, E member-id*, F fact* }
//	D: diff          { I query-id, E added-id*, X removed-id*, F fact* }
//	C: confirmation  { I local-id, T varint-tx, F fact* }
//	E: error         { M local-id | Q query-id, R reason }
//	W: watermark     { T varint-tx }
//
// A fact record is F { E entity, A attribute?, T varint (time, src) pair,
// V kind byte + payload }. A fact with no attribute and a tombstone value
// deletes the whole entity.

func subscribePacket(qid string, q Query) []byte {
	body := toytlv.Record('I', []byte(qid))
	body = append(body, toytlv.Record('N', []byte(q.Namespace))...)
	if q.PredicateKey != "" {
		body = append(body, toytlv.Record('P', []byte(q.PredicateKey))...)
	}
	for _, link := range sortedLinks(q.Links) {
		body = append(body, toytlv.Record('L', []byte(link))...)
	}
	return toytlv.Record('Q', body)
}

func unsubscribePacket(qid string) []byte {
	return toytlv.Record('U', toytlv.Record('I', []byte(qid)))
}

func mutationPacket(localID string, ops []pending.Op) []byte {
	return toytlv.Record('M', toytlv.Record('I', []byte(localID)), pending.EncodeOps(ops))
}

// FactRecord encodes one fact for the wire.
func FactRecord(f facts.Fact) []byte {
	return appendFact(nil, f)
}

func appendFact(into []byte, f facts.Fact) []byte {
	val := append([]byte{byte(f.Value.Kind)}, f.Value.Data...)
	if f.Attribute == "" {
		return toytlv.Append(into, 'F',
			toytlv.Record('E', []byte(f.Entity)),
			toytlv.Record('T', facts.PackPair(f.Time, f.Src)),
			toytlv.Record('V', val),
		)
	}
	return toytlv.Append(into, 'F',
		toytlv.Record('E', []byte(f.Entity)),
		toytlv.Record('A', []byte(f.Attribute)),
		toytlv.Record('T', facts.PackPair(f.Time, f.Src)),
		toytlv.Record('V', val),
	)
}

func takeFact(body []byte) (f facts.Fact, err error) {
	eid, body := toytlv.Take('E', body)
	if eid == nil {
		return f, ErrBadPacket
	}
	f.Entity = string(eid)
	// the attribute record is absent on whole-entity deletions
	if lit, _, _ := toytlv.ProbeHeader(body); lit == 'A' {
		var aid []byte
		aid, body = toytlv.Take('A', body)
		f.Attribute = string(aid)
	}
	ts, body := toytlv.Take('T', body)
	if ts == nil {
		return f, ErrBadPacket
	}
	f.Time, f.Src = facts.UnpackPair(ts)
	val, _ := toytlv.Take('V', body)
	if len(val) == 0 {
		return f, ErrBadPacket
	}
	f.Value = facts.Value{Kind: facts.Kind(val[0]), Data: append([]byte(nil), val[1:]...)}
	return f, nil
}

// SnapshotPacket encodes the full materialized answer to a query: the
// member ids plus every fact of the members and their related entities.
func SnapshotPacket(qid string, ids []string, fs []facts.Fact) []byte {
	body := toytlv.Record('I', []byte(qid))
	for _, id := range ids {
		body = append(body, toytlv.Record('E', []byte(id))...)
	}
	for _, f := range fs {
		body = appendFact(body, f)
	}
	return toytlv.Record('S', body)
}

// DiffPacket encodes an incremental update to an open query.
func DiffPacket(qid string, added, removed []string, fs []facts.Fact) []byte {
	body := toytlv.Record('I', []byte(qid))
	for _, id := range added {
		body = append(body, toytlv.Record('E', []byte(id))...)
	}
	for _, id := range removed {
		body = append(body, toytlv.Record('X', []byte(id))...)
	}
	for _, f := range fs {
		body = appendFact(body, f)
	}
	return toytlv.Record('D', body)
}

// ConfirmPacket encodes the server's acceptance of a local mutation,
// carrying the authoritative facts it produced.
func ConfirmPacket(localID string, tx uint64, fs []facts.Fact) []byte {
	body := toytlv.Record('I', []byte(localID))
	body = append(body, toytlv.Record('T', facts.PackUint64(tx))...)
	for _, f := range fs {
		body = appendFact(body, f)
	}
	return toytlv.Record('C', body)
}

// RejectPacket encodes the server's refusal of a local mutation.
func RejectPacket(localID, reason string) []byte {
	return toytlv.Record('E',
		toytlv.Record('M', []byte(localID)),
		toytlv.Record('R', []byte(reason)),
	)
}

// QueryErrorPacket encodes a server-side query failure.
func QueryErrorPacket(qid, reason string) []byte {
	return toytlv.Record('E',
		toytlv.Record('Q', []byte(qid)),
		toytlv.Record('R', []byte(reason)),
	)
}

// WatermarkPacket encodes the highest durably processed transaction id.
func WatermarkPacket(tx uint64) []byte {
	return toytlv.Record('W', toytlv.Record('T', facts.PackUint64(tx)))
}

func parseSnapshot(body []byte) (qid string, ids []string, fs []facts.Fact, err error) {
	for len(body) > 0 {
		lit, rec, rest := toytlv.TakeAny(body)
		if rec == nil {
			return "", nil, nil, ErrBadPacket
		}
		switch lit {
		case 'I':
			qid = string(rec)
		case 'E':
			ids = append(ids, string(rec))
		case 'F':
			var f facts.Fact
			if f, err = takeFact(rec); err != nil {
				return "", nil, nil, err
			}
			fs = append(fs, f)
		default:
			return "", nil, nil, ErrBadPacket
		}
		body = rest
	}
	if qid == "" {
		return "", nil, nil, ErrBadPacket
	}
	return
}

func parseDiff(body []byte) (qid string, added, removed []string, fs []facts.Fact, err error) {
	for len(body) > 0 {
		lit, rec, rest := toytlv.TakeAny(body)
		if rec == nil {
			return "", nil, nil, nil, ErrBadPacket
		}
		switch lit {
		case 'I':
			qid = string(rec)
		case 'E':
			added = append(added, string(rec))
		case 'X':
			removed = append(removed, string(rec))
		case 'F':
			var f facts.Fact
			if f, err = takeFact(rec); err != nil {
				return "", nil, nil, nil, err
			}
			fs = append(fs, f)
		default:
			return "", nil, nil, nil, ErrBadPacket
		}
		body = rest
	}
	if qid == "" {
		return "", nil, nil, nil, ErrBadPacket
	}
	return
}

func parseConfirm(body []byte) (localID string, tx uint64, fs []facts.Fact, err error) {
	id, body := toytlv.Take('I', body)
	if id == nil {
		return "", 0, nil, ErrBadPacket
	}
	localID = string(id)
	ts, body := toytlv.Take('T', body)
	if ts == nil {
		return "", 0, nil, ErrBadPacket
	}
	tx = facts.UnpackUint64(ts)
	for len(body) > 0 {
		rec, rest := toytlv.Take('F', body)
		if rec == nil {
			return "", 0, nil, ErrBadPacket
		}
		var f facts.Fact
		if f, err = takeFact(rec); err != nil {
			return "", 0, nil, err
		}
		fs = append(fs, f)
		body = rest
	}
	return
}

func parseReject(body []byte) (target byte, id, reason string, err error) {
	lit, rec, body := toytlv.TakeAny(body)
	if rec == nil || (lit != 'M' && lit != 'Q') {
		return 0, "", "", ErrBadPacket
	}
	target, id = lit, string(rec)
	why, _ := toytlv.Take('R', body)
	reason = string(why)
	return
}

func parseWatermark(body []byte) (tx uint64, err error) {
	ts, _ := toytlv.Take('T', body)
	if ts == nil {
		return 0, ErrBadPacket
	}
	return facts.UnpackUint64(ts), nil
}

func sortedLinks(ls map[string]struct{}) []string {
	if len(ls) == 0 {
		return nil
	}
	links := make([]string, 0, len(ls))
	for l := range ls {
		links = append(links, l)
	}
	sort.Strings(links)
	return links
}
