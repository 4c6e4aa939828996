package nest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelkv/nest/internal/trust"
)

// settingsFileName is the file under the data directory holding the
// current session id, its private key, and the trusted root sessions.
// Other known sessions are not stored there.
const settingsFileName = "settings.json"

// settingsRoot is one trusted root session as persisted to disk.
type settingsRoot struct {
	ID         string          `json:"id"`
	Credential trust.Credential `json:"credential"`
	Expiration time.Time       `json:"expiration,omitempty"`
	Owner      string          `json:"owner,omitempty"`
}

// settingsFile is the on-disk form of settings.json.
type settingsFile struct {
	SessionID  string         `json:"sessionId"`
	PrivateKey string         `json:"privateKey"`
	Roots      []settingsRoot `json:"trustedRoots"`
}

// loadOrCreateSettings reads dataDir/settings.json, generating a fresh
// identity and writing the file if it doesn't exist yet.
func loadOrCreateSettings(dataDir string) (*settingsFile, error) {
	path := filepath.Join(dataDir, settingsFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		var s settingsFile
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("nest: parse %s: %w", path, err)
		}
		return &s, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nest: read %s: %w", path, err)
	}

	priv, cred, err := trust.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("nest: generate identity: %w", err)
	}
	s := &settingsFile{
		SessionID:  uuid.NewString(),
		PrivateKey: priv.Multibase(),
		Roots: []settingsRoot{
			{ID: uuid.NewString(), Credential: cred},
		},
	}
	// The identity's own session is its own root on first run: a
	// freshly created database trusts itself until an operator adds
	// other roots.
	s.Roots[0].ID = s.SessionID
	if err := writeSettings(dataDir, s); err != nil {
		return nil, err
	}
	return s, nil
}

func writeSettings(dataDir string, s *settingsFile) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("nest: marshal settings: %w", err)
	}
	path := filepath.Join(dataDir, settingsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("nest: write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("nest: rename settings: %w", err)
	}
	return nil
}

// buildPool constructs the database's TrustPool from settings plus any
// additional roots configured via WithTrustedRoot options.
func buildPool(s *settingsFile, extraRoots []trust.Session) (*trust.Pool, error) {
	priv, err := trust.ParseKey(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("nest: load identity key: %w", err)
	}

	var current trust.Session
	roots := make([]trust.Session, 0, len(s.Roots)+len(extraRoots))
	for _, r := range s.Roots {
		sess := trust.Session{ID: r.ID, Credential: r.Credential, Expiration: r.Expiration, Owner: r.Owner}
		roots = append(roots, sess)
		if r.ID == s.SessionID {
			current = sess
		}
	}
	if current.ID == "" {
		pub, err := priv.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("nest: derive public key: %w", err)
		}
		cred, err := trust.CredentialFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		current = trust.Session{ID: s.SessionID, Credential: cred}
	}
	roots = append(roots, extraRoots...)

	return trust.NewPool(current, priv, roots...), nil
}
