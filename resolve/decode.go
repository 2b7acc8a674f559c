package resolve

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// DecodeError reports a required field missing from a resolved node.
// It is local to one element: callers drop the element, not the set.
type DecodeError struct {
	Type   string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mirror: decoding %s: field %q %s", e.Type, e.Field, e.Reason)
}

// Decode hydrates a resolved tree into a typed record. Pure and
// side-effect-free. Field mapping follows the `field:"name"` tag,
// falling back to the lowercased Go field name; the struct field ID
// maps to "id". Non-pointer, non-slice fields are required and missing
// values fail the decode; pointer and slice fields are the optional
// populated-on-demand links and decode as absent when omitted.
func Decode[T any](tree Tree) (rec T, err error) {
	rv := reflect.ValueOf(&rec).Elem()
	if rv.Kind() != reflect.Struct {
		return rec, &DecodeError{Type: rv.Type().String(), Reason: "is not a struct"}
	}
	err = decodeStruct(rv, tree)
	return
}

// DecodeSlice hydrates each tree independently so one malformed
// related entity does not invalidate the whole result set. Survivors
// and per-element failures are both returned; the caller drops the
// offenders.
func DecodeSlice[T any](trees []Tree) (recs []T, errs []error) {
	recs = make([]T, 0, len(trees))
	for _, tree := range trees {
		rec, err := Decode[T](tree)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	return
}

func fieldLabel(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("field"); ok {
		if cut := strings.IndexByte(tag, ','); cut >= 0 {
			tag = tag[:cut]
		}
		return tag
	}
	if f.Name == "ID" {
		return "id"
	}
	return strings.ToLower(f.Name)
}

func decodeStruct(rv reflect.Value, tree Tree) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		label := fieldLabel(f)
		if label == "-" {
			continue
		}
		raw, ok := tree[label]
		if !ok {
			if optional(f.Type) {
				continue
			}
			return &DecodeError{Type: rt.String(), Field: label, Reason: "is missing"}
		}
		if err := decodeValue(rv.Field(i), raw, rt.String(), label); err != nil {
			return err
		}
	}
	return nil
}

func optional(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice
}

var timeType = reflect.TypeOf(time.Time{})
var rawJSONType = reflect.TypeOf(json.RawMessage(nil))

func decodeValue(dst reflect.Value, raw any, owner, label string) error {
	t := dst.Type()

	if t == timeType {
		tv, ok := raw.(time.Time)
		if !ok {
			return &DecodeError{Type: owner, Field: label, Reason: "is not a time"}
		}
		dst.Set(reflect.ValueOf(tv))
		return nil
	}
	if t == rawJSONType {
		bv, ok := raw.([]byte)
		if !ok {
			return &DecodeError{Type: owner, Field: label, Reason: "is not raw JSON"}
		}
		dst.SetBytes(bv)
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		p := reflect.New(t.Elem())
		if err := decodeValue(p.Elem(), raw, owner, label); err != nil {
			return err
		}
		dst.Set(p)
		return nil

	case reflect.Struct:
		tree, ok := raw.(Tree)
		if !ok {
			return &DecodeError{Type: owner, Field: label, Reason: "is not a node"}
		}
		return decodeStruct(dst, tree)

	case reflect.Slice:
		return decodeSlice(dst, raw, owner, label)

	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return &DecodeError{Type: owner, Field: label, Reason: "is not a string"}
		}
		dst.SetString(s)
		return nil

	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return &DecodeError{Type: owner, Field: label, Reason: "is not a bool"}
		}
		dst.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := raw.(type) {
		case int64:
			dst.SetInt(n)
		case float64:
			dst.SetInt(int64(n))
		default:
			return &DecodeError{Type: owner, Field: label, Reason: "is not an integer"}
		}
		return nil

	case reflect.Float32, reflect.Float64:
		switch n := raw.(type) {
		case float64:
			dst.SetFloat(n)
		case int64:
			dst.SetFloat(float64(n))
		default:
			return &DecodeError{Type: owner, Field: label, Reason: "is not a number"}
		}
		return nil
	}

	return &DecodeError{Type: owner, Field: label, Reason: "has an unsupported type " + t.String()}
}

func decodeSlice(dst reflect.Value, raw any, owner, label string) error {
	t := dst.Type()

	if trees, ok := raw.([]Tree); ok {
		out := reflect.MakeSlice(t, 0, len(trees))
		for _, tree := range trees {
			el := reflect.New(t.Elem()).Elem()
			if err := decodeValue(el, tree, owner, label); err != nil {
				return err
			}
			out = reflect.Append(out, el)
		}
		dst.Set(out)
		return nil
	}

	if tree, ok := raw.(Tree); ok {
		// a unique reverse link resolved to a single node
		el := reflect.New(t.Elem()).Elem()
		if err := decodeValue(el, tree, owner, label); err != nil {
			return err
		}
		dst.Set(reflect.Append(reflect.MakeSlice(t, 0, 1), el))
		return nil
	}

	vals, ok := raw.([]any)
	if !ok {
		return &DecodeError{Type: owner, Field: label, Reason: "is not a collection"}
	}
	out := reflect.MakeSlice(t, 0, len(vals))
	for _, v := range vals {
		el := reflect.New(t.Elem()).Elem()
		if err := decodeValue(el, v, owner, label); err != nil {
			return err
		}
		out = reflect.Append(out, el)
	}
	dst.Set(out)
	return nil
}
