package schema

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sentinel errors. Kept local to this package (rather than the root
// error taxonomy) so schema has no dependency on the root module;
// callers translate at the boundary with errors.Is.
var (
	ErrLocked          = errors.New("schema: item is locked")
	ErrUnknownField    = errors.New("schema: unknown field")
	ErrUpgradeImpossible = errors.New("schema: no upgrade path to target version")
)

// Item is a value of (schema, fieldMap), per spec §3.
type Item struct {
	schema     *Schema
	registry   *Registry
	data       map[string]Value
	locked     bool
	checksum   string
}

// New constructs and normalizes an item under schema, using registry to
// resolve upgrade chains later. data is copied.
func New(s *Schema, registry *Registry, data map[string]Value) *Item {
	cp := make(map[string]Value, len(data))
	for k, v := range data {
		cp[k] = v
	}
	it := &Item{schema: s, registry: registry, data: cp}
	it.normalize()
	return it
}

var nullItemSingleton = &Item{schema: Null, data: map[string]Value{}, locked: true}

// NullItem returns the single shared, locked null item for registry.
// Mutating operations on it must Clone first.
func NullItem(registry *Registry) *Item {
	it := *nullItemSingleton
	it.registry = registry
	return &it
}

func (it *Item) Schema() *Schema { return it.schema }
func (it *Item) IsNull() bool    { return it.schema.IsNull() }
func (it *Item) Locked() bool    { return it.locked }

// normalize coerces field types, fills defaults, and drops unknown keys.
// Per spec §3: "normalized exactly once after each mutation."
func (it *Item) normalize() {
	if it.schema.IsNull() {
		it.data = map[string]Value{}
		return
	}
	normalized := make(map[string]Value, len(it.data))
	for name, fd := range allFields(it.schema) {
		if v, ok := it.data[name]; ok {
			normalized[name] = v
			continue
		}
		if fd.Default != nil {
			normalized[name] = fd.Default(it.data)
			continue
		}
		normalized[name] = zeroValue(fd.Type)
	}
	it.data = normalized
	it.checksum = ""
}

func allFields(s *Schema) map[string]FieldDef {
	out := make(map[string]FieldDef, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[IsDeletedField] = FieldDef{Type: FieldBoolean, Default: func(map[string]Value) Value { return Bool(false) }}
	return out
}

func zeroValue(t FieldType) Value {
	switch t {
	case FieldString:
		return String("")
	case FieldNumber:
		return Number(0)
	case FieldBoolean:
		return Bool(false)
	case FieldDate:
		return Date(time.Time{})
	case FieldSet:
		return NewSet()
	case FieldMap:
		return NewMap(nil)
	case FieldRichText:
		return RichText("")
	default:
		return Value{}
	}
}

// Get returns the field's value, invoking its default initializer
// against the item's own data if unset. Returns ErrUnknownField for a
// field absent from the schema, unless the item is null (in which case
// it returns the zero Value with no error).
func (it *Item) Get(key string) (Value, error) {
	if it.schema.IsNull() {
		return Value{}, nil
	}
	fd, ok := it.schema.fieldDef(key)
	if !ok {
		return Value{}, fmt.Errorf("schema: get %q: %w", key, ErrUnknownField)
	}
	if v, ok := it.data[key]; ok {
		return v, nil
	}
	if fd.Default != nil {
		return fd.Default(it.data), nil
	}
	return zeroValue(fd.Type), nil
}

// Set assigns key = v. Fails with ErrLocked if the item is locked.
func (it *Item) Set(key string, v Value) error {
	if it.locked {
		return fmt.Errorf("schema: set %q: %w", key, ErrLocked)
	}
	if _, ok := it.schema.fieldDef(key); !ok {
		return fmt.Errorf("schema: set %q: %w", key, ErrUnknownField)
	}
	it.data[key] = v
	it.normalize()
	return nil
}

// Delete removes key, reporting whether a change occurred.
func (it *Item) Delete(key string) (bool, error) {
	if it.locked {
		return false, fmt.Errorf("schema: delete %q: %w", key, ErrLocked)
	}
	if _, ok := it.data[key]; !ok {
		return false, nil
	}
	delete(it.data, key)
	it.normalize()
	return true, nil
}

// Clone returns an unlocked deep copy.
func (it *Item) Clone() *Item {
	cp := make(map[string]Value, len(it.data))
	for k, v := range it.data {
		cp[k] = v
	}
	return &Item{schema: it.schema, registry: it.registry, data: cp}
}

// Lock computes the checksum and marks the item immutable.
func (it *Item) Lock() (*Item, error) {
	if _, err := it.Checksum(); err != nil {
		return nil, err
	}
	it.locked = true
	return it, nil
}

// Checksum lazily computes a deterministic content hash over the
// normalized, type-tagged, flattened representation, rendered as a CIDv1
// string over a sha2-256 multihash — grounded in the retrieval pack's
// ipfs/go-cid + multiformats/go-multihash stack (used for atproto repo
// content addressing), reused here for item checksums.
func (it *Item) Checksum() (string, error) {
	if it.checksum != "" {
		return it.checksum, nil
	}
	names := make([]string, 0, len(it.data))
	for k := range it.data {
		if k == "isDeleted" {
			continue // builtin, excluded per the "local-only fields" rule
		}
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n", it.schema.Marker())
	for _, name := range names {
		b, err := it.data[name].MarshalJSON()
		if err != nil {
			return "", fmt.Errorf("schema: checksum: marshal field %q: %w", name, err)
		}
		fmt.Fprintf(h, "%s=%s\n", name, b)
	}

	mh, err := multihash.Encode(h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("schema: checksum: multihash encode: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	it.checksum = c.String()
	return it.checksum, nil
}

// IsEqual short-circuits on identical references, schema mismatch, or
// non-equal cached checksums.
func (it *Item) IsEqual(other *Item) (bool, error) {
	if it == other {
		return true, nil
	}
	if other == nil {
		return false, nil
	}
	if it.schema.Marker() != other.schema.Marker() {
		return false, nil
	}
	a, err := it.Checksum()
	if err != nil {
		return false, err
	}
	b, err := other.Checksum()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// UpgradeSchema walks the registry from the item's current schema
// version to target (or the latest registered version of the same
// namespace, if target is nil), applying each intermediate Upgrade
// function in turn. Fails with ErrUpgradeImpossible if any intermediate
// version is missing from the registry.
func (it *Item) UpgradeSchema(target *Schema) error {
	if it.schema.IsNull() {
		return nil
	}
	if it.locked {
		return fmt.Errorf("schema: upgrade: %w", ErrLocked)
	}
	if target == nil {
		t, ok := it.registry.Latest(it.schema.NS)
		if !ok {
			return fmt.Errorf("schema: upgrade: %w: no schemas registered for %q", ErrUpgradeImpossible, it.schema.NS)
		}
		target = t
	}
	if target.NS != it.schema.NS {
		return fmt.Errorf("schema: upgrade: target namespace %q does not match item namespace %q", target.NS, it.schema.NS)
	}

	data := it.data
	for v := it.schema.Version + 1; v <= target.Version; v++ {
		s, ok := it.registry.Get(it.schema.NS, v)
		if !ok {
			return fmt.Errorf("schema: upgrade %s to v%d: %w", it.schema.NS, v, ErrUpgradeImpossible)
		}
		if s.Upgrade == nil {
			return fmt.Errorf("schema: upgrade %s to v%d: %w: no upgrade function", it.schema.NS, v, ErrUpgradeImpossible)
		}
		nd, err := s.Upgrade(data, v-1)
		if err != nil {
			return fmt.Errorf("schema: upgrade %s to v%d: %w", it.schema.NS, v, err)
		}
		data = nd
	}
	it.schema = target
	it.data = data
	it.normalize()
	return nil
}

// wireItem is the on-disk/wire item shape of spec §6: "{s: schemaMarker,
// d: data, n: normalized, cs: checksum}".
type wireItem struct {
	S  string           `json:"s"`
	D  map[string]Value `json:"d"`
	N  bool             `json:"n"`
	CS string           `json:"cs"`
}

// MarshalWire serializes a locked item to its wire form. Fails if the
// item has not been locked (checksum not yet computed).
func (it *Item) MarshalWire() ([]byte, error) {
	if !it.locked {
		return nil, fmt.Errorf("schema: marshal wire: item must be locked first")
	}
	w := wireItem{S: it.schema.Marker(), D: it.data, N: true, CS: it.checksum}
	return json.Marshal(w)
}

// UnmarshalWire reconstructs a locked Item from its wire bytes, resolving
// the schema marker against registry.
func UnmarshalWire(data []byte, registry *Registry) (*Item, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("schema: unmarshal wire: %w", err)
	}
	s, err := registry.ParseMarker(w.S)
	if err != nil {
		return nil, fmt.Errorf("schema: unmarshal wire: %w", err)
	}
	return &Item{schema: s, registry: registry, data: w.D, locked: true, checksum: w.CS}, nil
}
