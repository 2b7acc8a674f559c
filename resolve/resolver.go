// Package resolve turns flat facts into nested value trees and decodes
// the trees into typed records. Traversal is bounded by depth, gated by
// a caller-supplied link set, and breaks reference cycles per path, so
// a cyclic graph never loops and an author's unrelated posts are never
// dragged in through an ungated reverse link.
package resolve

import (
	"sort"

	"github.com/technoplato/mirror/facts"
	"github.com/technoplato/mirror/schema"
)

// DefaultMaxDepth bounds traversal when the caller does not care.
const DefaultMaxDepth = 3

// Tree is a resolved value tree, always containing "id". Reference
// fields hold a nested Tree or a []Tree. A node carrying nothing but
// its id is a ghost: the entity is absent from the cache, deleted, or
// cycle-truncated.
type Tree map[string]any

func (t Tree) ID() string {
	id, _ := t["id"].(string)
	return id
}

// Ghost reports whether the node carries no fields beyond its id.
func (t Tree) Ghost() bool {
	return len(t) <= 1
}

// LinkSet is the allow-list of relationship labels to traverse.
// A nil LinkSet is unrestricted.
type LinkSet map[string]struct{}

func Links(names ...string) LinkSet {
	ls := make(LinkSet, len(names))
	for _, n := range names {
		ls[n] = struct{}{}
	}
	return ls
}

func (ls LinkSet) Has(name string) bool {
	if ls == nil {
		return true
	}
	_, ok := ls[name]
	return ok
}

// Resolver expands entity ids into value trees against one consistent
// Reader. It also records every entity id it touches; that set is the
// subscription's transitive dependency set.
type Resolver struct {
	Reader   facts.Reader
	Schema   *schema.Index
	MaxDepth int
	Links    LinkSet

	deps map[string]struct{}
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return r.MaxDepth
}

func (r *Resolver) touch(eid string) {
	if r.deps == nil {
		r.deps = make(map[string]struct{})
	}
	r.deps[eid] = struct{}{}
}

// Deps returns every entity id touched so far, ghosts included: an
// absent entity appearing later must retrigger whoever resolved past it.
func (r *Resolver) Deps() map[string]struct{} {
	return r.deps
}

func (r *Resolver) Resolve(eid string) Tree {
	return r.resolve(eid, 0, make(map[string]struct{}))
}

func (r *Resolver) resolve(eid string, depth int, visited map[string]struct{}) Tree {
	r.touch(eid)
	tree := Tree{"id": eid}
	if _, ok := visited[eid]; ok {
		return tree // cycle break, path-scoped
	}
	if depth > r.maxDepth() {
		return tree
	}
	visited[eid] = struct{}{}
	defer delete(visited, eid) // siblings may re-resolve this entity

	byAttr := make(map[string][]facts.Fact)
	var order []string
	for _, f := range r.Reader.FactsFor(eid) {
		if _, ok := byAttr[f.Attribute]; !ok {
			order = append(order, f.Attribute)
		}
		byAttr[f.Attribute] = append(byAttr[f.Attribute], f)
	}

	for _, aid := range order {
		attr, ok := r.Schema.Attr(aid)
		if !ok {
			continue
		}
		group := byAttr[aid]
		switch attr.ValueKind {
		case schema.Scalar:
			if attr.Card == schema.One {
				tree[attr.Name] = group[0].Value.Native()
				continue
			}
			sort.Slice(group, func(i, j int) bool {
				if group[i].Time != group[j].Time {
					return group[i].Time < group[j].Time
				}
				return string(group[i].Value.Data) < string(group[j].Value.Data)
			})
			vals := make([]any, 0, len(group))
			for _, f := range group {
				vals = append(vals, f.Value.Native())
			}
			tree[attr.Name] = vals

		case schema.Reference:
			if !r.Links.Has(attr.Name) {
				continue
			}
			nodes := r.resolveRefs(group, depth, visited)
			if len(nodes) == 0 {
				continue // never an empty array, omit instead
			}
			if attr.Card == schema.One {
				tree[attr.Name] = nodes[0]
			} else {
				tree[attr.Name] = nodes
			}
		}
	}

	for _, attr := range r.Schema.Reversed() {
		if !r.Links.Has(attr.Reverse) {
			continue
		}
		group := r.Reader.ReverseRefsTo(eid, attr.ID)
		if len(group) == 0 {
			continue
		}
		nodes := make([]Tree, 0, len(group))
		for _, f := range group {
			node := r.resolve(f.Entity, depth+1, visited)
			if node.Ghost() {
				continue
			}
			nodes = append(nodes, node)
		}
		if len(nodes) == 0 {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
		if attr.Unique {
			tree[attr.Reverse] = nodes[0]
		} else {
			tree[attr.Reverse] = nodes
		}
	}

	return tree
}

func (r *Resolver) resolveRefs(group []facts.Fact, depth int, visited map[string]struct{}) []Tree {
	nodes := make([]Tree, 0, len(group))
	for _, f := range group {
		if f.Value.Kind != facts.Ref {
			continue
		}
		node := r.resolve(f.Value.Ref(), depth+1, visited)
		if node.Ghost() {
			continue // ghost or cycle-broken, drop
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}
