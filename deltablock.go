package melda

import "fmt"

// Change is one entry of a DeltaBlock's change list: either
// an update/create ([object_id, new_rev, parent_rev_or_null]) or a delete
// ([object_id, deletion_rev, parent_rev]) — the two cases share the same
// triple shape and are distinguished by Rev.IsDeletion().
type Change struct {
	ObjectID string
	Rev      Revision
	Parent   Revision
}

func (c Change) toValue() Value {
	parent := Null()
	if !c.Parent.IsZero() {
		parent = String(c.Parent.String())
	}
	return Array(String(c.ObjectID), String(c.Rev.String()), parent)
}

func changeFromValue(v Value) (Change, error) {
	if !v.IsArray() || len(v.AsArray()) != 3 {
		return Change{}, fmt.Errorf("melda: malformed change entry")
	}
	items := v.AsArray()
	if items[0].Kind() != KindString || items[1].Kind() != KindString {
		return Change{}, fmt.Errorf("melda: malformed change entry fields")
	}
	rev, err := ParseRevision(items[1].AsString())
	if err != nil {
		return Change{}, err
	}
	var parent Revision
	if items[2].Kind() == KindString {
		parent, err = ParseRevision(items[2].AsString())
		if err != nil {
			return Change{}, err
		}
	} else if items[2].Kind() != KindNull {
		return Change{}, fmt.Errorf("melda: malformed change parent field")
	}
	return Change{ObjectID: items[0].AsString(), Rev: rev, Parent: parent}, nil
}

// DeltaBlock is the immutable commit record: a change list,
// the pack hashes it depends on, its parent blocks in the causality DAG,
// and optional opaque commit info. A DeltaBlock's own hash is the content
// hash (under the delta-block domain, hash.go) of its canonical JSON; the
// hash is never stored inside the block itself.
type DeltaBlock struct {
	Changes []Change
	Packs   []string
	Parents []string
	Info    Value
	// Extra preserves any unrecognized top-level keys encountered when
	// decoding a block produced by a newer version of this format, so
	// they round-trip through re-encoding and still participate in the
	// block's hash.
	Extra map[string]Value
}

// NewDeltaBlock builds a block ready for hashing/storage.
func NewDeltaBlock(changes []Change, packs []string, parents []string, info Value) *DeltaBlock {
	return &DeltaBlock{Changes: changes, Packs: packs, Parents: parents, Info: info}
}

// ToValue renders the block in its on-disk form: a JSON object with
// keys {c, k, p, i} plus any preserved unknown keys.
func (b *DeltaBlock) ToValue() Value {
	changes := make([]Value, len(b.Changes))
	for i, c := range b.Changes {
		changes[i] = c.toValue()
	}
	packs := make([]Value, len(b.Packs))
	for i, p := range b.Packs {
		packs[i] = String(p)
	}
	parents := make([]Value, len(b.Parents))
	for i, p := range b.Parents {
		parents[i] = String(p)
	}
	fields := map[string]Value{
		"c": Array(changes...),
		"k": Array(packs...),
		"p": Array(parents...),
		"i": b.Info,
	}
	for k, v := range b.Extra {
		fields[k] = v
	}
	return Object(fields)
}

// Hash returns the block's content-addressed identity.
func (b *DeltaBlock) Hash() string {
	return HashDeltaBlock(MarshalCanonical(b.ToValue()))
}

// DeltaBlockFromValue decodes a block from its on-disk Value form.
func DeltaBlockFromValue(v Value) (*DeltaBlock, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("melda: delta block is not an object")
	}
	b := &DeltaBlock{Info: Null(), Extra: map[string]Value{}}
	for _, key := range v.SortedKeys() {
		val := v.Get(key)
		switch key {
		case "c":
			if !val.IsArray() {
				return nil, fmt.Errorf("melda: delta block 'c' is not an array")
			}
			for _, cv := range val.AsArray() {
				change, err := changeFromValue(cv)
				if err != nil {
					return nil, err
				}
				b.Changes = append(b.Changes, change)
			}
		case "k":
			for _, pv := range val.AsArray() {
				if pv.Kind() != KindString {
					return nil, fmt.Errorf("melda: delta block 'k' entry is not a string")
				}
				b.Packs = append(b.Packs, pv.AsString())
			}
		case "p":
			for _, pv := range val.AsArray() {
				if pv.Kind() != KindString {
					return nil, fmt.Errorf("melda: delta block 'p' entry is not a string")
				}
				b.Parents = append(b.Parents, pv.AsString())
			}
		case "i":
			b.Info = val
		default:
			b.Extra[key] = val
		}
	}
	if len(b.Extra) == 0 {
		b.Extra = nil
	}
	return b, nil
}

// Pack is a content-addressed blob bundling one or more revision
// contents, keyed by their content hash.
// This engine uses a plain hash→content map layout; the only contract
// is that content retrieval by hash is well-defined.
type Pack map[string]Value

// ToValue renders the pack as a canonical JSON object.
func (p Pack) ToValue() Value {
	return Object(map[string]Value(p))
}

// Hash returns the pack blob's own content-addressed identity (distinct
// domain from any content hash it carries, hash.go).
func (p Pack) Hash() string {
	return HashPack(MarshalCanonical(p.ToValue()))
}

// PackFromValue decodes a pack from its on-disk Value form.
func PackFromValue(v Value) (Pack, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("melda: pack is not an object")
	}
	p := make(Pack, len(v.AsObject()))
	for k, val := range v.AsObject() {
		p[k] = val
	}
	return p, nil
}
