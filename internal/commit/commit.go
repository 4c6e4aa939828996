// Package commit implements the immutable, signed commit record of spec
// §3 and §4.D: construction, delta compression against a prior full
// item, and the corruption detection applied when materializing an item
// from a delta. Signing itself is delegated to a caller-supplied
// function (internal/trust.Pool.Sign) so this package stays free of a
// dependency on any particular key scheme.
//
// Grounded on the teacher's internal/repo/record.go (CommitRecord shape,
// field naming discipline) and internal/repo/signing.go (sign-over-bytes
// pattern), generalized from a single MST-backed ATProto commit to the
// spec's per-key full-or-delta commit.
package commit

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorrupted marks a delta commit whose materialized checksum does not
// match its declared destination checksum (spec §4.D, §7 CorruptedCommit).
var ErrCorrupted = errors.New("commit: corrupted delta")

// Edit is the delta payload: a change set plus the checksums it is
// expected to bridge.
type Edit struct {
	Changes     json.RawMessage `json:"c"`
	SrcChecksum string          `json:"sc"`
	DstChecksum string          `json:"dc"`
}

// Contents is either a full item record or a delta edit against a base
// commit, per spec §6's "c: either {r: item} or {b, e}".
type Contents struct {
	Record json.RawMessage `json:"r,omitempty"`
	Base   string          `json:"b,omitempty"`
	Edit   *Edit           `json:"e,omitempty"`
}

// IsFull reports whether Contents holds a full item record.
func (c Contents) IsFull() bool { return len(c.Record) > 0 }

// IsDelta reports whether Contents holds a delta edit.
func (c Contents) IsDelta() bool { return c.Edit != nil }

// Commit is the immutable, signable record of spec §3.
type Commit struct {
	ID           string   `json:"id"`
	Key          string   `json:"k"`
	Session      string   `json:"s"`
	ConnectionID string   `json:"cid"`
	Timestamp    int64    `json:"ts"`
	OrgID        string   `json:"o,omitempty"`
	Parents      []string `json:"p,omitempty"`

	AncestorFilter string `json:"af,omitempty"`
	AncestorCount  uint64 `json:"ac"`

	Contents Contents `json:"c"`

	MergeBase   string `json:"mb,omitempty"`
	MergeLeader string `json:"ml,omitempty"`
	Revert      string `json:"rv,omitempty"`

	Signature string `json:"sig"`

	// Corrupted is set locally by Materialize; never (de)serialized.
	Corrupted bool `json:"-"`
}

// CanonicalBytes renders the commit's signable byte form: its full JSON
// encoding with Signature forced empty, per spec §3: "signature computed
// over the canonical serialization of everything above except signature
// itself." Struct field order is fixed by declaration, so this is
// deterministic across repeated calls and across peers running the same
// code.
func (c *Commit) CanonicalBytes() ([]byte, error) {
	cp := *c
	cp.Signature = ""
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("commit: canonical bytes: %w", err)
	}
	return b, nil
}

// Sign computes CanonicalBytes and signs them with signer, storing the
// result base64-encoded in Signature.
func (c *Commit) Sign(signer func([]byte) ([]byte, error)) error {
	b, err := c.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := signer(b)
	if err != nil {
		return fmt.Errorf("commit: sign: %w", err)
	}
	c.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// SignatureBytes decodes the base64 Signature field.
func (c *Commit) SignatureBytes() ([]byte, error) {
	if c.Signature == "" {
		return nil, fmt.Errorf("commit: no signature present")
	}
	b, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return nil, fmt.Errorf("commit: decode signature: %w", err)
	}
	return b, nil
}

// IsRoot reports whether c has no parents.
func (c *Commit) IsRoot() bool { return len(c.Parents) == 0 }

// IsMerge reports whether c has more than one parent.
func (c *Commit) IsMerge() bool { return len(c.Parents) > 1 }
