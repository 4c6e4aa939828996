package schema

import (
	"fmt"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeKind tags how a Change should be applied by Patch.
type ChangeKind int

const (
	// ChangeScalar replaces a string/number/boolean/date field wholesale.
	ChangeScalar ChangeKind = iota
	// ChangeSetDelta adds/removes elements of a set field.
	ChangeSetDelta
	// ChangeMapDelta adds/removes keys of a map field.
	ChangeMapDelta
	// ChangeRichText applies a character-level diff to a richtext field.
	ChangeRichText
	// ChangeDelete removes the field entirely.
	ChangeDelete
)

// Change is one field-level edit, per spec §4.C: "For scalars, a change
// records the new value. For set/map, changes are add/remove deltas.
// For richtext, changes may be computed at character granularity."
type Change struct {
	Key   string
	Kind  ChangeKind
	Value Value // new value (ChangeScalar), or unused otherwise

	SetAdd    []Value
	SetRemove []Value

	MapAdd    map[string]Value
	MapRemove []string

	RichTextDiffs []dmp.Diff

	// Local marks whether this change was authored by the local writer,
	// per spec §4.F's rebase semantics (last-writer-wins among locals;
	// union for set/map types).
	Local bool
}

// ChangeSet is an ordered list of field changes.
type ChangeSet []Change

// Keys returns the distinct field names touched by cs, in first-seen
// order — the "diffKeys" view of a diff, per spec §4.C.
func (cs ChangeSet) Keys() []string {
	seen := make(map[string]bool, len(cs))
	var out []string
	for _, c := range cs {
		if !seen[c.Key] {
			seen[c.Key] = true
			out = append(out, c.Key)
		}
	}
	return out
}

// Diff computes the field-level changes needed to turn it into other.
// local marks every produced Change as locally authored, per the
// rebase contract in spec §4.F.
func (it *Item) Diff(other *Item, local bool) (ChangeSet, error) {
	var cs ChangeSet
	keys := make(map[string]bool)
	for k := range it.data {
		keys[k] = true
	}
	for k := range other.data {
		keys[k] = true
	}

	for key := range keys {
		av, aok := it.data[key]
		bv, bok := other.data[key]
		switch {
		case aok && !bok:
			cs = append(cs, Change{Key: key, Kind: ChangeDelete, Local: local})
		case !aok && bok:
			cs = append(cs, fieldChange(key, Value{}, bv, local)...)
		case aok && bok:
			if !av.Equal(bv) {
				cs = append(cs, fieldChange(key, av, bv, local)...)
			}
		}
	}
	return cs, nil
}

func fieldChange(key string, from, to Value, local bool) []Change {
	switch to.kind {
	case KindSet:
		add, remove := setDelta(from, to)
		if len(add) == 0 && len(remove) == 0 {
			return nil
		}
		return []Change{{Key: key, Kind: ChangeSetDelta, SetAdd: add, SetRemove: remove, Local: local}}
	case KindMap:
		add, remove := mapDelta(from, to)
		if len(add) == 0 && len(remove) == 0 {
			return nil
		}
		return []Change{{Key: key, Kind: ChangeMapDelta, MapAdd: add, MapRemove: remove, Local: local}}
	case KindRichText:
		diffs := richTextDiff(from, to)
		return []Change{{Key: key, Kind: ChangeRichText, RichTextDiffs: diffs, Local: local}}
	default:
		return []Change{{Key: key, Kind: ChangeScalar, Value: to, Local: local}}
	}
}

func setDelta(from, to Value) (add, remove []Value) {
	fromKeys := make(map[string]Value)
	for _, v := range from.set {
		fromKeys[v.canonicalKey()] = v
	}
	toKeys := make(map[string]bool)
	for _, v := range to.set {
		toKeys[v.canonicalKey()] = true
		if _, ok := fromKeys[v.canonicalKey()]; !ok {
			add = append(add, v)
		}
	}
	for _, v := range from.set {
		if !toKeys[v.canonicalKey()] {
			remove = append(remove, v)
		}
	}
	return add, remove
}

func mapDelta(from, to Value) (add map[string]Value, remove []string) {
	add = make(map[string]Value)
	for k, v := range to.m {
		fv, ok := from.m[k]
		if !ok || !fv.Equal(v) {
			add[k] = v
		}
	}
	for k := range from.m {
		if _, ok := to.m[k]; !ok {
			remove = append(remove, k)
		}
	}
	return add, remove
}

// Patch applies changes to it in place. Fails if it is locked.
func (it *Item) Patch(changes ChangeSet) error {
	if it.locked {
		return fmt.Errorf("schema: patch: %w", ErrLocked)
	}
	for _, c := range changes {
		if err := it.applyChange(c); err != nil {
			return fmt.Errorf("schema: patch field %q: %w", c.Key, err)
		}
	}
	it.normalize()
	return nil
}

func (it *Item) applyChange(c Change) error {
	switch c.Kind {
	case ChangeDelete:
		delete(it.data, c.Key)
		return nil
	case ChangeScalar:
		it.data[c.Key] = c.Value
		return nil
	case ChangeSetDelta:
		cur := it.data[c.Key]
		merged := make(map[string]Value)
		for _, v := range cur.set {
			merged[v.canonicalKey()] = v
		}
		for _, v := range c.SetAdd {
			merged[v.canonicalKey()] = v
		}
		for _, v := range c.SetRemove {
			delete(merged, v.canonicalKey())
		}
		elems := make([]Value, 0, len(merged))
		for _, v := range merged {
			elems = append(elems, v)
		}
		it.data[c.Key] = NewSet(elems...)
		return nil
	case ChangeMapDelta:
		cur := it.data[c.Key]
		merged := make(map[string]Value)
		for k, v := range cur.m {
			merged[k] = v
		}
		for k, v := range c.MapAdd {
			merged[k] = v
		}
		for _, k := range c.MapRemove {
			delete(merged, k)
		}
		it.data[c.Key] = NewMap(merged)
		return nil
	case ChangeRichText:
		cur := it.data[c.Key]
		patched, err := richTextPatch(cur, c.RichTextDiffs)
		if err != nil {
			return err
		}
		it.data[c.Key] = patched
		return nil
	default:
		return fmt.Errorf("unknown change kind %d", c.Kind)
	}
}

// Concat concatenates change sets in order, per spec §4.F's three-way
// merge step 3: "concatenate all change sets in commit order, with
// root-creation diffs applied first so later edits can override."
func Concat(sets ...ChangeSet) ChangeSet {
	var out ChangeSet
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// Union combines two change sets from concurrent local and remote
// rebases, per spec §4.F's rebase contract: "last-writer-wins among
// local edits; union for set/map types." Scalar changes from local take
// priority over remote when both touch the same key; set/map deltas from
// both sides are combined.
func Union(remote, local ChangeSet) ChangeSet {
	localByKey := make(map[string][]Change)
	for _, c := range local {
		localByKey[c.Key] = append(localByKey[c.Key], c)
	}

	var out ChangeSet
	handledLocal := make(map[string]bool)
	for _, rc := range remote {
		lcs, hasLocal := localByKey[rc.Key]
		if !hasLocal {
			out = append(out, rc)
			continue
		}
		switch rc.Kind {
		case ChangeSetDelta, ChangeMapDelta:
			out = append(out, rc)
			out = append(out, lcs...)
		default:
			// Local scalar/richtext/delete changes win; remote is dropped.
			out = append(out, lcs...)
		}
		handledLocal[rc.Key] = true
	}
	for key, lcs := range localByKey {
		if !handledLocal[key] {
			out = append(out, lcs...)
		}
	}
	return out
}
