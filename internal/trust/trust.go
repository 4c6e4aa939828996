package trust

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// ErrVerificationFailed is returned for any signature, trust-chain, or
// expiration failure. Callers at the root package translate this into
// the public VerificationFailed error kind.
var ErrVerificationFailed = errors.New("trust: verification failed")

// Session is the in-memory form of a /sys/sessions/<id> item (spec §3):
// id, public key, expiration, and an optional owning user.
type Session struct {
	ID         string
	Credential Credential
	Expiration time.Time // zero means "never expires"
	Owner      string    // empty for anonymous sessions
}

// Expired reports whether the session had expired as of now.
func (s Session) Expired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// Pool is the TrustPool of spec §4.E: the current session (which may own
// a signing key), a set of trusted root session ids, and every known
// session's credential, used to verify incoming commit signatures.
type Pool struct {
	mu sync.RWMutex

	current    Session
	currentKey atcrypto.PrivateKey // nil for a read-only / remote-signing pool

	roots    map[string]bool
	sessions map[string]Session
}

// NewPool constructs a pool for current, owning currentKey (may be nil),
// trusting the given root sessions from the outset.
func NewPool(current Session, currentKey atcrypto.PrivateKey, roots ...Session) *Pool {
	p := &Pool{
		current:    current,
		currentKey: currentKey,
		roots:      make(map[string]bool),
		sessions:   make(map[string]Session),
	}
	p.sessions[current.ID] = current
	for _, r := range roots {
		p.roots[r.ID] = true
		p.sessions[r.ID] = r
	}
	return p
}

// CurrentSession returns the pool's own session.
func (p *Pool) CurrentSession() Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// IsRoot reports whether sessionID is a trusted root.
func (p *Pool) IsRoot(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roots[sessionID]
}

// Sign signs content with the pool's own key. Fails if the pool does not
// own a private key (a remote, observer-only pool).
func (p *Pool) Sign(content []byte) ([]byte, error) {
	p.mu.RLock()
	key := p.currentKey
	p.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("trust: pool has no signing key")
	}
	sig, err := key.HashAndSign(content)
	if err != nil {
		return nil, fmt.Errorf("trust: sign: %w", err)
	}
	return sig, nil
}

// Lookup returns the known session for id.
func (p *Pool) Lookup(id string) (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// AddRoot registers s as both a known session and a trusted root, used
// at bootstrap to seed the pool's initial trust anchors.
func (p *Pool) AddRoot(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[s.ID] = true
	p.sessions[s.ID] = s
}

// Verify checks that sig is a valid signature over content by the named
// session's public key, and that the session is known and unexpired. A
// commit verifies iff this returns nil (spec §4.E).
func (p *Pool) Verify(sessionID string, content, sig []byte, now time.Time) error {
	p.mu.RLock()
	s, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("trust: unknown session %s: %w", sessionID, ErrVerificationFailed)
	}
	if s.Expired(now) {
		return fmt.Errorf("trust: session %s expired: %w", sessionID, ErrVerificationFailed)
	}
	pub, err := s.Credential.PublicKey()
	if err != nil {
		return fmt.Errorf("trust: session %s: %w: %v", sessionID, ErrVerificationFailed, err)
	}
	if err := pub.HashAndVerify(content, sig); err != nil {
		return fmt.Errorf("trust: verify session %s: %w", sessionID, ErrVerificationFailed)
	}
	return nil
}

// ObserveSessionCommit implements spec §4.E's auto-registration rule:
// "New session items observed in /sys/sessions are added automatically
// after their own commits verify against an already-trusted root."
// authorSessionID is the session that authored the commit introducing
// candidate; the commit's own content/sig are verified against
// authorSessionID first, and only admitted if that author is a root.
func (p *Pool) ObserveSessionCommit(authorSessionID string, content, sig []byte, candidate Session, now time.Time) error {
	if err := p.Verify(authorSessionID, content, sig, now); err != nil {
		return err
	}
	if !p.IsRoot(authorSessionID) {
		return fmt.Errorf("trust: session %s observed from non-root author %s: %w", candidate.ID, authorSessionID, ErrVerificationFailed)
	}
	p.mu.Lock()
	p.sessions[candidate.ID] = candidate
	p.mu.Unlock()
	return nil
}

// RegisterSession adds or updates a session the caller has independently
// decided to trust (e.g. the root sessions loaded from settings.json at
// startup). Unlike ObserveSessionCommit this performs no verification.
func (p *Pool) RegisterSession(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
}
