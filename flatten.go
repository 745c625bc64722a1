package melda

import (
	"fmt"
	"strings"
)

// RootID is the fixed sentinel identifying the document root. It never
// appears as a field value; it exists only as a map key.
const RootID = "√"

// DefaultFlatMarker is the flattening marker suffix used when Options
// does not override it (`"items♭"`, `"tasks♭"`, ...).
const DefaultFlatMarker = "♭"

const idField = "_id"

// Flattener converts between a user's JSON value and its "flattened"
// form: every object reachable under a field name ending in Marker, whose
// value is an array of id-bearing objects, is extracted into its own
// tracked object and replaced in-place by the ordered list of those ids
//. The walk is fully recursive — a flattened field may
// appear at any depth, not just on directly-tracked objects — because
// plain (non-tracked) nested objects and arrays are still part of the
// document tree flatten must traverse.
type Flattener struct {
	Marker string
}

func NewFlattener(marker string) *Flattener {
	if marker == "" {
		marker = DefaultFlatMarker
	}
	return &Flattener{Marker: marker}
}

// Flatten walks value and returns the root's own flattened content plus a
// map from extracted sub-object id to that sub-object's flattened
// content. value must be a JSON object (the document root); anything else
// is BadShape.
func (f *Flattener) Flatten(value Value) (rootContent Value, subObjects map[string]Value, err error) {
	if !value.IsObject() {
		return Value{}, nil, newErr(ErrBadShape, "Flatten", "", fmt.Errorf("melda: root must be an object"))
	}
	subObjects = make(map[string]Value)
	rootContent, err = f.flattenValue(value, subObjects)
	if err != nil {
		return Value{}, nil, err
	}
	return rootContent, subObjects, nil
}

// isFlatField reports whether a field participates in flattening: its
// name carries the marker suffix and its value is an array.
func (f *Flattener) isFlatField(key string, val Value) bool {
	return strings.HasSuffix(key, f.Marker) && val.IsArray()
}

func (f *Flattener) flattenValue(v Value, out map[string]Value) (Value, error) {
	switch v.Kind() {
	case KindObject:
		fields := make(map[string]Value, len(v.AsObject()))
		for _, key := range v.SortedKeys() {
			val := v.Get(key)
			if f.isFlatField(key, val) {
				ids, err := f.flattenArrayField(val, out)
				if err != nil {
					return Value{}, fmt.Errorf("field %q: %w", key, err)
				}
				fields[key] = ids
				continue
			}
			flat, err := f.flattenValue(val, out)
			if err != nil {
				return Value{}, err
			}
			fields[key] = flat
		}
		return Object(fields), nil
	case KindArray:
		items := make([]Value, len(v.AsArray()))
		for i, e := range v.AsArray() {
			flat, err := f.flattenValue(e, out)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = flat
		}
		return Array(items...), nil
	default:
		return v, nil
	}
}

// flattenArrayField extracts the id-bearing objects of a flattened array
// field into out, preserving order, and returns the replacement array of
// id strings.
func (f *Flattener) flattenArrayField(arr Value, out map[string]Value) (Value, error) {
	ids := make([]Value, len(arr.AsArray()))
	for i, elem := range arr.AsArray() {
		if !elem.IsObject() {
			return Value{}, newErr(ErrBadShape, "flatten", "", fmt.Errorf("melda: flattened array element %d is not an object", i))
		}
		idVal := elem.Get(idField)
		if idVal.Kind() != KindString || idVal.AsString() == "" {
			return Value{}, newErr(ErrBadShape, "flatten", "", fmt.Errorf("melda: flattened array element %d has no _id", i))
		}
		id := idVal.AsString()
		content, err := f.flattenValue(elem, out)
		if err != nil {
			return Value{}, fmt.Errorf("object %s: %w", id, err)
		}
		out[id] = content
		ids[i] = String(id)
	}
	return Array(ids...), nil
}

// Unflatten reconstructs the JSON value rooted at id from a flattened
// object-content map, following references through flattened array
// fields. get is called to resolve an id to its winning content; it
// should return ok=false for a missing or deleted object, in which case
// Unflatten silently drops that reference from its containing array, so
// a dangling reference never corrupts the surrounding view.
func (f *Flattener) Unflatten(id string, get func(id string) (Value, bool)) (Value, bool) {
	content, ok := get(id)
	if !ok {
		return Value{}, false
	}
	return f.unflattenValue(content, get), true
}

func (f *Flattener) unflattenValue(v Value, get func(id string) (Value, bool)) Value {
	switch v.Kind() {
	case KindObject:
		fields := make(map[string]Value, len(v.AsObject()))
		for _, key := range v.SortedKeys() {
			val := v.Get(key)
			if f.isFlatField(key, val) {
				fields[key] = f.unflattenArrayField(val, get)
				continue
			}
			fields[key] = f.unflattenValue(val, get)
		}
		return Object(fields)
	case KindArray:
		items := make([]Value, len(v.AsArray()))
		for i, e := range v.AsArray() {
			items[i] = f.unflattenValue(e, get)
		}
		return Array(items...)
	default:
		return v
	}
}

func (f *Flattener) unflattenArrayField(ids Value, get func(id string) (Value, bool)) Value {
	items := make([]Value, 0, len(ids.AsArray()))
	for _, idVal := range ids.AsArray() {
		if idVal.Kind() != KindString {
			continue
		}
		reconstructed, ok := f.Unflatten(idVal.AsString(), get)
		if !ok {
			continue
		}
		items = append(items, reconstructed)
	}
	return Array(items...)
}
