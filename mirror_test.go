package mirror

import (
	"context"
	"log/slog"
	"testing"

	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/stretchr/testify/assert"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/pending"
	"github.com/technoplato/mirror/resolve"
	"github.com/technoplato/mirror/schema"
	"github.com/technoplato/mirror/utils"
)

type User struct {
	ID   string
	Name string
}

type Comment struct {
	ID   string
	Text string
}

type Post struct {
	ID       string
	Title    string
	Author   *User
	Comments []Comment
}

func testSchema(t *testing.T) *schema.Index {
	ndx, err := schema.NewIndex(
		schema.Attribute{ID: "a-title", Namespace: "posts", Name: "title", Card: schema.One, ValueKind: schema.Scalar},
		schema.Attribute{ID: "a-author", Namespace: "posts", Name: "author", Reverse: "posts", Card: schema.One, ValueKind: schema.Reference},
		schema.Attribute{ID: "a-post", Namespace: "comments", Name: "post", Reverse: "comments", Card: schema.One, ValueKind: schema.Reference},
		schema.Attribute{ID: "a-text", Namespace: "comments", Name: "text", Card: schema.One, ValueKind: schema.Scalar},
		schema.Attribute{ID: "a-name", Namespace: "users", Name: "name", Card: schema.One, ValueKind: schema.Scalar},
	)
	assert.NoError(t, err)
	return ndx
}

func testCore(t *testing.T) *Core {
	clock := uint64(1000)
	c, err := Open(testSchema(t), Options{
		Src:    5,
		Clock:  func() uint64 { clock += 10; return clock },
		Logger: utils.NewDefaultLogger(slog.LevelError),
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func latest[T any](t *testing.T, s *Subscription[T]) []T {
	t.Helper()
	select {
	case v, ok := <-s.Updates():
		assert.True(t, ok, "channel closed")
		return v
	default:
		t.Fatal("expected an emission")
		return nil
	}
}

func noEmission[T any](t *testing.T, s *Subscription[T]) {
	t.Helper()
	select {
	case v := <-s.Updates():
		t.Fatalf("unexpected emission: %+v", v)
	default:
	}
}

func outbound(c *Core) toyqueue.Records {
	if c.Outbound().Size() == 0 {
		return nil
	}
	recs, _ := c.Outbound().Feed(context.Background())
	return recs
}

func TestSnapshotEmitsTypedResults(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links("author")})
	assert.NoError(t, err)
	assert.Equal(t, Loading, sub.State())
	assert.Len(t, outbound(c), 1) // the subscribe packet went out

	fs := []facts.Fact{
		{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9},
		{Entity: "p1", Attribute: "a-author", Value: facts.R("u1"), Time: 100, Src: 9},
		{Entity: "u1", Attribute: "a-name", Value: facts.S("ada"), Time: 90, Src: 9},
	}
	err = c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, fs)})
	assert.NoError(t, err)
	assert.Equal(t, Live, sub.State())

	posts := latest(t, sub)
	assert.Len(t, posts, 1)
	assert.Equal(t, "Hello", posts[0].Title)
	if assert.NotNil(t, posts[0].Author) {
		assert.Equal(t, "ada", posts[0].Author.Name)
	}
}

func TestChildChangeReEmitsParent(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links("comments")})
	assert.NoError(t, err)

	fs := []facts.Fact{
		{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9},
		{Entity: "c1", Attribute: "a-post", Value: facts.R("p1"), Time: 100, Src: 9},
		{Entity: "c1", Attribute: "a-text", Value: facts.S("First"), Time: 100, Src: 9},
	}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, fs)}))
	posts := latest(t, sub)
	assert.Len(t, posts[0].Comments, 1)
	assert.Equal(t, "First", posts[0].Comments[0].Text)

	// another query's refresh lands facts for the same comment: this
	// subscription resolved c1, so it re-emits
	edit := []facts.Fact{{Entity: "c1", Attribute: "a-text", Value: facts.S("Edited"), Time: 200, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket("some-other-query", nil, edit)}))
	posts = latest(t, sub)
	assert.Equal(t, "Edited", posts[0].Comments[0].Text)
}

func TestOfflineOptimisticCreate(t *testing.T) {
	c := testCore(t) // offline

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	noEmission(t, sub)
	assert.Equal(t, 0, c.Outbound().Size()) // nothing sent while offline

	m, err := c.Mutate(pending.Set("p1", "a-title", facts.S("Draft")))
	assert.NoError(t, err)
	assert.NotNil(t, m)

	posts := latest(t, sub)
	assert.Len(t, posts, 1)
	assert.Equal(t, "Draft", posts[0].Title)
	assert.Equal(t, 0, c.Outbound().Size())

	// a fresh read is impossible offline, say so instead of lying
	assert.ErrorIs(t, c.Refresh(sub.ID()), ErrOffline)
}

func TestSubscribeAfterOfflineMutation(t *testing.T) {
	c := testCore(t) // offline

	// the entity exists only in the pending log when the view opens
	_, err := c.Mutate(pending.Set("p1", "a-title", facts.S("Drafted first")))
	assert.NoError(t, err)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	posts := latest(t, sub)
	if assert.Len(t, posts, 1) {
		assert.Equal(t, "Drafted first", posts[0].Title)
	}

	// a view on an untouched namespace does not get an empty flash
	other, err := Subscribe[User](c, Query{Namespace: "users", Links: resolve.Links()})
	assert.NoError(t, err)
	noEmission(t, other)
}

func TestOptimisticOverlayAndConvergence(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	outbound(c)

	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("A"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, snap)}))
	assert.Equal(t, "A", latest(t, sub)[0].Title)

	// the local write shows instantly and goes out
	m, err := c.Mutate(pending.Set("p1", "a-title", facts.S("B")))
	assert.NoError(t, err)
	assert.Equal(t, "B", latest(t, sub)[0].Title)
	assert.Len(t, outbound(c), 1)

	// a concurrent, later server write arrives; the unconfirmed local
	// op still masks it
	cw := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("C"), Time: 5000, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{DiffPacket(sub.ID(), nil, nil, cw)}))
	assert.Equal(t, "B", latest(t, sub)[0].Title)

	// confirmation lifts the mask; last-write-wins picks the later C
	confirmed := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("B"), Time: 2000, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{ConfirmPacket(m.LocalID, 7, confirmed)}))
	assert.Equal(t, "C", latest(t, sub)[0].Title)
	assert.NoError(t, <-m.Done())
}

func TestOverlappingProjectionsStayConsistent(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	s1, err := Subscribe[Post](c, Query{Namespace: "posts", PredicateKey: "titles", Links: resolve.Links()})
	assert.NoError(t, err)
	s2, err := Subscribe[Post](c, Query{Namespace: "posts", PredicateKey: "threads", Links: resolve.Links("comments")})
	assert.NoError(t, err)

	title := facts.Fact{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}
	thread := []facts.Fact{
		title,
		{Entity: "c1", Attribute: "a-post", Value: facts.R("p1"), Time: 100, Src: 9},
		{Entity: "c1", Attribute: "a-text", Value: facts.S("First"), Time: 100, Src: 9},
	}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{
		SnapshotPacket(s1.ID(), []string{"p1"}, []facts.Fact{title}),
		SnapshotPacket(s2.ID(), []string{"p1"}, thread),
	}))
	assert.Empty(t, latest(t, s1)[0].Comments)
	assert.Len(t, latest(t, s2)[0].Comments, 1)

	// editing through the narrow projection is a field-level op; the
	// comment it cannot see survives in the wide one
	_, err = c.Mutate(pending.Set("p1", "a-title", facts.S("Renamed")))
	assert.NoError(t, err)
	assert.Equal(t, "Renamed", latest(t, s1)[0].Title)
	wide := latest(t, s2)
	assert.Equal(t, "Renamed", wide[0].Title)
	assert.Len(t, wide[0].Comments, 1)

	// an explicit comment delete reaches only the projection that
	// resolved the comment
	_, err = c.Mutate(pending.Delete("c1"))
	assert.NoError(t, err)
	noEmission(t, s1)
	assert.Empty(t, latest(t, s2)[0].Comments)
}

func TestDeleteRecreateAcrossProjections(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	s1, err := Subscribe[Post](c, Query{Namespace: "posts", PredicateKey: "titles", Links: resolve.Links()})
	assert.NoError(t, err)
	s2, err := Subscribe[Post](c, Query{Namespace: "posts", PredicateKey: "threads", Links: resolve.Links("comments")})
	assert.NoError(t, err)

	title := facts.Fact{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}
	thread := []facts.Fact{
		title,
		{Entity: "c1", Attribute: "a-post", Value: facts.R("p1"), Time: 100, Src: 9},
		{Entity: "c1", Attribute: "a-text", Value: facts.S("First"), Time: 100, Src: 9},
	}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{
		SnapshotPacket(s1.ID(), []string{"p1"}, []facts.Fact{title}),
		SnapshotPacket(s2.ID(), []string{"p1"}, thread),
	}))
	latest(t, s1)
	latest(t, s2)

	// a pending delete empties both projections at once
	del, err := c.Mutate(pending.Delete("p1"))
	assert.NoError(t, err)
	assert.Empty(t, latest(t, s1))
	assert.Empty(t, latest(t, s2))

	// recreated before the delete confirms: both views agree again, and
	// the wide one re-attaches the comment the delete never touched
	re, err := c.Mutate(pending.Set("p1", "a-title", facts.S("Back")))
	assert.NoError(t, err)
	narrow := latest(t, s1)
	if assert.Len(t, narrow, 1) {
		assert.Equal(t, "Back", narrow[0].Title)
	}
	wide := latest(t, s2)
	if assert.Len(t, wide, 1) {
		assert.Equal(t, "Back", wide[0].Title)
		assert.Len(t, wide[0].Comments, 1)
	}

	// confirmations land in the order the server processed them; the
	// projections converge on the recreated entity
	assert.NoError(t, c.DrainInbound(toyqueue.Records{ConfirmPacket(del.LocalID, 7, nil)}))
	confirmed := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Back"), Time: 5000, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{ConfirmPacket(re.LocalID, 8, confirmed)}))

	narrow = latest(t, s1)
	if assert.Len(t, narrow, 1) {
		assert.Equal(t, "Back", narrow[0].Title)
	}
	wide = latest(t, s2)
	if assert.Len(t, wide, 1) {
		assert.Equal(t, "Back", wide[0].Title)
		assert.Len(t, wide[0].Comments, 1)
	}
}

func TestRejectRollsBack(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("A"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, snap)}))
	assert.Equal(t, "A", latest(t, sub)[0].Title)

	m, err := c.Mutate(pending.Set("p1", "a-title", facts.S("B")))
	assert.NoError(t, err)
	assert.Equal(t, "B", latest(t, sub)[0].Title)

	assert.NoError(t, c.DrainInbound(toyqueue.Records{RejectPacket(m.LocalID, "not allowed")}))
	assert.Equal(t, "A", latest(t, sub)[0].Title) // rolled back
	err = <-m.Done()
	assert.ErrorContains(t, err, "not allowed")
	assert.Equal(t, 0, c.PendingCount())
}

func TestResubscribeServesStaleCache(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	q := Query{Namespace: "posts", PredicateKey: "all", Links: resolve.Links()}
	s1, err := Subscribe[Post](c, q)
	assert.NoError(t, err)
	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(s1.ID(), []string{"p1"}, snap)}))
	latest(t, s1)
	s1.Cancel()

	// the same query shape gets its last known answer immediately,
	// before any fresh snapshot arrives
	s2, err := Subscribe[Post](c, q)
	assert.NoError(t, err)
	assert.Equal(t, Loading, s2.State())
	posts := latest(t, s2)
	assert.Len(t, posts, 1)
	assert.Equal(t, "Hello", posts[0].Title)
}

func TestWatermarkRetiresConfirmed(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	m, err := c.Mutate(pending.Set("p1", "a-title", facts.S("A")))
	assert.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	assert.NoError(t, c.DrainInbound(toyqueue.Records{ConfirmPacket(m.LocalID, 7, nil)}))
	// confirmed entries wait for the watermark
	assert.Equal(t, 1, c.PendingCount())

	assert.NoError(t, c.DrainInbound(toyqueue.Records{WatermarkPacket(7)}))
	assert.Equal(t, 0, c.PendingCount())

	// a duplicate confirmation of the retired mutation is harmless
	assert.NoError(t, c.DrainInbound(toyqueue.Records{ConfirmPacket(m.LocalID, 7, nil)}))
}

func TestConfirmKeepsEntryOnBadFacts(t *testing.T) {
	c := testCore(t)

	m, err := c.Mutate(pending.Set("p1", "a-title", facts.S("Hello")))
	assert.NoError(t, err)

	// a confirmation whose facts the store rejects must not mark the
	// entry confirmed; a retransmit can still resolve it
	bad := []facts.Fact{{Entity: "p1", Attribute: "no-such-attr", Value: facts.S("x"), Time: 100, Src: 9}}
	err = c.ApplyConfirm(m.LocalID, 7, bad)
	assert.ErrorIs(t, err, schema.ErrAttrUnknown)
	assert.False(t, m.Confirmed())
	select {
	case <-m.Done():
		t.Fatal("Done must not fire on a failed confirmation")
	default:
	}

	good := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}}
	assert.NoError(t, c.ApplyConfirm(m.LocalID, 7, good))
	assert.True(t, m.Confirmed())
	assert.NoError(t, <-m.Done())
}

func TestReconnectReplaysInOrder(t *testing.T) {
	c := testCore(t) // offline

	m1, err := c.Mutate(pending.Set("p1", "a-title", facts.S("A")))
	assert.NoError(t, err)
	m2, err := c.Mutate(pending.Set("p2", "a-title", facts.S("B")))
	assert.NoError(t, err)
	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	assert.Equal(t, 0, c.Outbound().Size())

	c.SetConnectivity(true, true)
	recs := outbound(c)
	assert.Len(t, recs, 3)

	// unconfirmed mutations first, in enqueue order, then the queries
	lit, body, _ := toytlv.TakeAny(recs[0])
	assert.Equal(t, byte('M'), lit)
	id, _ := toytlv.Take('I', body)
	assert.Equal(t, m1.LocalID, string(id))

	lit, body, _ = toytlv.TakeAny(recs[1])
	assert.Equal(t, byte('M'), lit)
	id, _ = toytlv.Take('I', body)
	assert.Equal(t, m2.LocalID, string(id))

	lit, body, _ = toytlv.TakeAny(recs[2])
	assert.Equal(t, byte('Q'), lit)
	id, _ = toytlv.Take('I', body)
	assert.Equal(t, sub.ID(), string(id))
}

func TestServerDeletionEmptiesResult(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, snap)}))
	assert.Len(t, latest(t, sub), 1)

	// a whole-entity deletion fact, delivered through any query
	del := []facts.Fact{{Entity: "p1", Value: facts.Tombstone(), Time: 200, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket("other", nil, del)}))
	assert.Empty(t, latest(t, sub))
}

func TestQueryErrorKeepsLastState(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, snap)}))
	latest(t, sub)

	assert.NoError(t, c.DrainInbound(toyqueue.Records{QueryErrorPacket(sub.ID(), "denied")}))
	assert.ErrorContains(t, sub.Err(), "denied")
	// the channel stays open, the last state stays served
	noEmission(t, sub)
}

func TestCancelStopsDelivery(t *testing.T) {
	c := testCore(t)
	c.SetConnectivity(true, true)

	sub, err := Subscribe[Post](c, Query{Namespace: "posts", Links: resolve.Links()})
	assert.NoError(t, err)
	sub.Cancel()
	assert.Equal(t, Cancelled, sub.State())

	snap := []facts.Fact{{Entity: "p1", Attribute: "a-title", Value: facts.S("Hello"), Time: 100, Src: 9}}
	assert.NoError(t, c.DrainInbound(toyqueue.Records{SnapshotPacket(sub.ID(), []string{"p1"}, snap)}))

	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestMutateValidation(t *testing.T) {
	c := testCore(t)

	_, err := c.Mutate()
	assert.ErrorIs(t, err, ErrBadMutation)

	_, err = c.Mutate(pending.Set("p1", "no-such-attr", facts.S("x")))
	assert.ErrorIs(t, err, schema.ErrAttrUnknown)

	_, err = c.Mutate(pending.Set("p1", "a-author", facts.S("not a ref")))
	assert.ErrorIs(t, err, ErrBadMutation)

	_, err = c.Mutate(pending.Link("p1", "a-title", "u1"))
	assert.ErrorIs(t, err, ErrBadMutation)

	_, err = Subscribe[Post](c, Query{})
	assert.ErrorIs(t, err, ErrBadQuery)

	assert.ErrorIs(t, c.Refresh("nope"), ErrQueryUnknown)
}
