// Package schema implements the tagged-union field value, the
// versioned Schema, and the Item document type described in spec §3 and
// §4.C. It has no equivalent package in the teacher repo (primal-pds
// stores fixed Postgres-column records, not schema-typed documents); the
// tagged-union Value shape follows the design note in spec §9
// ("Dynamic item field map") and is textured after the teacher's own
// preference for small, explicit structs over interface{} grab-bags
// (see internal/repo/record.go's CommitRecord).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// Kind tags the variant a Value holds.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBoolean
	KindDate
	KindSet
	KindMap
	KindRichText
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindRichText:
		return "richtext"
	default:
		return "unknown"
	}
}

// Value is the tagged-union field value: String | Number | Boolean |
// Date | Set<Value> | Map<string, Value> | RichText. Exactly one of the
// unexported fields is meaningful, chosen by Kind. The zero Value is the
// empty string.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	date time.Time
	set  []Value
	m    map[string]Value
}

func String(s string) Value   { return Value{kind: KindString, str: s} }
func Number(n float64) Value  { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value       { return Value{kind: KindBoolean, b: b} }
func Date(t time.Time) Value  { return Value{kind: KindDate, date: t.UTC()} }
func RichText(s string) Value { return Value{kind: KindRichText, str: s} }

// NewSet builds a set value, deduplicating elements by their canonical
// string form.
func NewSet(elems ...Value) Value {
	seen := make(map[string]bool, len(elems))
	out := make([]Value, 0, len(elems))
	for _, e := range elems {
		k := e.canonicalKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].canonicalKey() < out[j].canonicalKey() })
	return Value{kind: KindSet, set: out}
}

// NewMap builds a map value over a shallow copy of m.
func NewMap(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() string      { return v.str }
func (v Value) AsNumber() float64     { return v.num }
func (v Value) AsBool() bool          { return v.b }
func (v Value) AsDate() time.Time     { return v.date }
func (v Value) AsRichText() string    { return v.str }
func (v Value) AsSet() []Value        { return v.set }
func (v Value) AsMap() map[string]Value {
	return v.m
}

// Equal reports deep, kind-aware equality.
func (v Value) Equal(other Value) bool {
	return v.canonicalKey() == other.canonicalKey()
}

// Compare implements the canonical ordering used by query sortBy:
// within a kind, natural order; across kinds, by Kind tag.
func (v Value) Compare(other Value) int {
	if v.kind != other.kind {
		if v.kind < other.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindString, KindRichText:
		return stringCompare(v.str, other.str)
	case KindNumber:
		switch {
		case v.num < other.num:
			return -1
		case v.num > other.num:
			return 1
		default:
			return 0
		}
	case KindBoolean:
		if v.b == other.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	case KindDate:
		switch {
		case v.date.Before(other.date):
			return -1
		case v.date.After(other.date):
			return 1
		default:
			return 0
		}
	default:
		return stringCompare(v.canonicalKey(), other.canonicalKey())
	}
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// canonicalKey renders a Value deterministically for set dedup, map
// ordering, and checksum input. Not meant for display.
func (v Value) canonicalKey() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%s:%v", v.kind, v.str)
	}
	return string(b)
}

// richTextDiff computes a character-level diff between two richtext
// values, per spec §4.C ("richtext changes may be computed at paragraph
// or character granularity"); this implementation is always
// character-granular.
func richTextDiff(from, to Value) []dmp.Diff {
	d := dmp.New()
	return d.DiffMain(from.str, to.str, false)
}

func richTextPatch(base Value, diffs []dmp.Diff) (Value, error) {
	d := dmp.New()
	patches := d.PatchMake(base.str, diffs)
	out, applied := d.PatchApply(patches, base.str)
	for _, ok := range applied {
		if !ok {
			return Value{}, fmt.Errorf("schema: richtext patch did not apply cleanly")
		}
	}
	return RichText(out), nil
}

type wireValue struct {
	T string            `json:"t"`
	S string            `json:"v,omitempty"`
	N float64           `json:"n,omitempty"`
	B bool              `json:"b,omitempty"`
	D string            `json:"d,omitempty"`
	A []Value           `json:"a,omitempty"`
	M map[string]Value  `json:"m,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{}
	switch v.kind {
	case KindString:
		w.T, w.S = "s", v.str
	case KindNumber:
		w.T, w.N = "n", v.num
	case KindBoolean:
		w.T, w.B = "b", v.b
	case KindDate:
		w.T, w.D = "d", v.date.Format(time.RFC3339Nano)
	case KindRichText:
		w.T, w.S = "rt", v.str
	case KindSet:
		w.T, w.A = "set", v.set
	case KindMap:
		w.T, w.M = "map", v.m
	default:
		return nil, fmt.Errorf("schema: marshal value: unknown kind %d", v.kind)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.T {
	case "s":
		*v = String(w.S)
	case "n":
		*v = Number(w.N)
	case "b":
		*v = Bool(w.B)
	case "d":
		t, err := time.Parse(time.RFC3339Nano, w.D)
		if err != nil {
			return fmt.Errorf("schema: unmarshal date value: %w", err)
		}
		*v = Date(t)
	case "rt":
		*v = RichText(w.S)
	case "set":
		*v = NewSet(w.A...)
	case "map":
		*v = NewMap(w.M)
	default:
		return fmt.Errorf("schema: unmarshal value: unknown tag %q", w.T)
	}
	return nil
}
