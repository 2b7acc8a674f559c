// Package schema holds attribute metadata for the fact model.
// An attribute is the edge label of a fact: it names the field as seen
// from the owning entity (the forward label) and, for references, as
// seen from the referenced entity (the reverse label). The Offset-free
// string ids match what the remote service assigns to attributes.
package schema

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Cardinality byte

const (
	One  Cardinality = '1'
	Many Cardinality = 'N'
)

type Kind byte

const (
	Scalar    Kind = 'S'
	Reference Kind = 'R'
)

type Attribute struct {
	ID        string
	Namespace string
	Name      string // forward label, unique within the namespace
	Reverse   string // reverse label, reference attributes only
	Card      Cardinality
	ValueKind Kind
	// Unique constrains the reverse side of a reference to a single
	// entity (e.g. one profile per user).
	Unique bool
}

// Forward is the fully qualified forward label.
func (a Attribute) Forward() string {
	return a.Namespace + "/" + a.Name
}

func safeName(text string) bool {
	if len(text) == 0 || !utf8.ValidString(text) {
		return false
	}
	for _, l := range text { // has unsafe chars
		if l < ' ' {
			return false
		}
	}
	return !strings.ContainsRune(text, '/')
}

func (a Attribute) Valid() bool {
	if len(a.ID) == 0 || strings.IndexByte(a.ID, 0) >= 0 {
		return false
	}
	if !safeName(a.Namespace) || !safeName(a.Name) {
		return false
	}
	if a.Card != One && a.Card != Many {
		return false
	}
	switch a.ValueKind {
	case Scalar:
		return a.Reverse == "" && !a.Unique
	case Reference:
		return a.Reverse == "" || safeName(a.Reverse)
	}
	return false
}

var (
	ErrBadAttribute  = errors.New("schema: bad attribute description")
	ErrAttrUnknown   = errors.New("schema: unknown attribute")
	ErrDuplicateAttr = errors.New("schema: duplicate attribute")
)

// Index is an immutable lookup structure over a set of attributes.
// Built once, read concurrently without locking.
type Index struct {
	byID      map[string]Attribute
	byForward map[string]Attribute
	reversed  map[string][]Attribute // reverse label -> referencing attrs
	byNS      map[string][]Attribute
}

func NewIndex(attrs ...Attribute) (*Index, error) {
	ndx := &Index{
		byID:      make(map[string]Attribute, len(attrs)),
		byForward: make(map[string]Attribute, len(attrs)),
		reversed:  make(map[string][]Attribute),
		byNS:      make(map[string][]Attribute),
	}
	for _, a := range attrs {
		if !a.Valid() {
			return nil, errors.Wrap(ErrBadAttribute, a.ID)
		}
		if _, ok := ndx.byID[a.ID]; ok {
			return nil, errors.Wrap(ErrDuplicateAttr, a.ID)
		}
		if _, ok := ndx.byForward[a.Forward()]; ok {
			return nil, errors.Wrap(ErrDuplicateAttr, a.Forward())
		}
		ndx.byID[a.ID] = a
		ndx.byForward[a.Forward()] = a
		ndx.byNS[a.Namespace] = append(ndx.byNS[a.Namespace], a)
		if a.ValueKind == Reference && a.Reverse != "" {
			ndx.reversed[a.Reverse] = append(ndx.reversed[a.Reverse], a)
		}
	}
	return ndx, nil
}

func (ndx *Index) Attr(id string) (Attribute, bool) {
	a, ok := ndx.byID[id]
	return a, ok
}

func (ndx *Index) ByForward(namespace, name string) (Attribute, bool) {
	a, ok := ndx.byForward[namespace+"/"+name]
	return a, ok
}

// Reversed lists the reference attributes that expose a reverse label,
// i.e. the links discoverable from the referenced entity's side.
func (ndx *Index) Reversed() (attrs []Attribute) {
	for _, list := range ndx.reversed {
		attrs = append(attrs, list...)
	}
	return
}

func (ndx *Index) Namespace(ns string) []Attribute {
	return ndx.byNS[ns]
}

func (ndx *Index) Len() int {
	return len(ndx.byID)
}
