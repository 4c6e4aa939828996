package nest

import (
	"fmt"
	"time"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/schema"
	"github.com/kestrelkv/nest/internal/trust"
)

// sessionsRepoPath is the builtin repository of spec §3: "/sys/sessions
// (authentication roots)".
const sessionsRepoPath = "/sys/sessions"

// SessionSchemaNS names the namespace of the builtin session item (spec
// §3: "id, publicKey (JWK), expiration, owner?").
const SessionSchemaNS = "sys.session"

// sessionSchema describes the session item stored at
// /sys/sessions/<sessionId>.
func sessionSchema() *schema.Schema {
	return &schema.Schema{
		NS:      SessionSchemaNS,
		Version: 1,
		Fields: map[string]schema.FieldDef{
			"id":         {Type: schema.FieldString, Required: true},
			"publicKey":  {Type: schema.FieldString, Required: true},
			"expiration": {Type: schema.FieldDate},
			"owner":      {Type: schema.FieldString},
		},
	}
}

// sessionItemFromTrust renders a trust.Session as the schema.Item that
// represents it on disk.
func sessionItemFromTrust(registry *schema.Registry, s trust.Session) (*schema.Item, error) {
	cred := s.Credential
	fields := map[string]schema.Value{
		"id":        schema.String(s.ID),
		"publicKey": schema.String(cred.Multibase),
		"owner":     schema.String(s.Owner),
	}
	if !s.Expiration.IsZero() {
		fields["expiration"] = schema.Date(s.Expiration)
	}
	return schema.New(sessionSchema(), registry, fields), nil
}

// trustSessionFromItem decodes a persisted session item back into a
// trust.Session.
func trustSessionFromItem(item *schema.Item) (trust.Session, error) {
	id, err := item.Get("id")
	if err != nil {
		return trust.Session{}, fmt.Errorf("nest: session item: %w", err)
	}
	pub, err := item.Get("publicKey")
	if err != nil {
		return trust.Session{}, fmt.Errorf("nest: session item: %w", err)
	}

	s := trust.Session{
		ID:         id.AsString(),
		Credential: trust.Credential{Kty: "EC", Crv: "secp256k1", Multibase: pub.AsString()},
	}
	if owner, err := item.Get("owner"); err == nil {
		s.Owner = owner.AsString()
	}
	if exp, err := item.Get("expiration"); err == nil && !exp.AsDate().IsZero() {
		s.Expiration = exp.AsDate()
	}
	return s, nil
}

// onSessionCommit builds the repository.Options.OnSessionCommit
// callback for the /sys/sessions repository: every persisted commit
// there is decoded and, if its author is already trusted, registered
// with pool (spec §4.F step 7, §4.E auto-registration).
func onSessionCommit(pool *trust.Pool) func(c *commit.Commit, item *schema.Item) error {
	return func(c *commit.Commit, item *schema.Item) error {
		candidate, err := trustSessionFromItem(item)
		if err != nil {
			return err
		}

		bytes, err := c.CanonicalBytes()
		if err != nil {
			return fmt.Errorf("nest: session commit: %w", err)
		}
		sig, err := c.SignatureBytes()
		if err != nil {
			return fmt.Errorf("nest: session commit: %w", err)
		}

		if err := pool.ObserveSessionCommit(c.Session, bytes, sig, candidate, time.Now()); err != nil {
			// Not yet trusted, or not a root author: the session simply
			// isn't registered. This is not a propagation-worthy error
			// (spec §7: VerificationFailed commits are discarded, not
			// surfaced), so it's swallowed here rather than failing the
			// whole persist batch.
			return nil
		}
		return nil
	}
}
