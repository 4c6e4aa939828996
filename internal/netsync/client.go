package netsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/repository"
)

// TokenSource mints the sync token presented with every backfill and
// WebSocket request, e.g. (*authtoken.Manager).Issue bound to this
// client's own session id.
type TokenSource func(repoPath string) (string, error)

// RepoClient is the outbound half of peer sync (spec §4.I: "If peer URLs
// are configured, attaches a RepoClient per peer to a shared
// SyncScheduler"): it pulls the peer's backlog over HTTP, then dials its
// WebSocket firehose and exchanges live commits for the lifetime of the
// connection.
type RepoClient struct {
	baseURL  string // e.g. "http://peer:8443"
	repoPath string
	repo     *repository.Repository
	deadline time.Duration
	dialer   *websocket.Dialer
	httpc    *http.Client
	log      zerolog.Logger
	tokens   TokenSource // nil if the peer requires no token

	lastSync int64 // unix ms watermark already pulled
}

// NewRepoClient constructs a client for repoPath against the peer at
// baseURL. deadline <= 0 defaults to DefaultDeadline (spec §5). tokens
// may be nil when the peer runs with token checks disabled.
func NewRepoClient(baseURL, repoPath string, repo *repository.Repository, deadline time.Duration, tokens TokenSource, log *zerolog.Logger) *RepoClient {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	l := nopLogger
	if log != nil {
		l = *log
	}
	return &RepoClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		repoPath: repoPath,
		repo:     repo,
		deadline: deadline,
		dialer:   &websocket.Dialer{HandshakeTimeout: deadline},
		httpc:    &http.Client{Timeout: deadline},
		tokens:   tokens,
		log:      l,
	}
}

// tokenQuery returns the "&token=..." query suffix to append to a sync
// request, or "" when no TokenSource is configured.
func (c *RepoClient) tokenQuery() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	tok, err := c.tokens(c.repoPath)
	if err != nil {
		return "", fmt.Errorf("netsync: issue sync token: %w", err)
	}
	return "&token=" + tok, nil
}

// Backfill pulls every commit the peer has newer than the client's
// watermark and persists them locally, per spec §4.I's catch-up step.
// Returns ErrTimeout if the request exceeds its deadline.
func (c *RepoClient) Backfill(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	tokenQuery, err := c.tokenQuery()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/sync/backfill?repo=%s&since=%d%s", c.baseURL, c.repoPath, c.lastSync, tokenQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("netsync: backfill request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("netsync: backfill %s: %w", c.repoPath, ErrTimeout)
		}
		return fmt.Errorf("netsync: backfill %s: %w", c.repoPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("netsync: backfill %s: unexpected status %d", c.repoPath, resp.StatusCode)
	}

	var commits []*commit.Commit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return fmt.Errorf("netsync: backfill %s: decode: %w", c.repoPath, err)
	}
	if len(commits) == 0 {
		return nil
	}
	if _, err := c.repo.PersistCommits(commits); err != nil {
		return fmt.Errorf("netsync: backfill %s: persist: %w", c.repoPath, err)
	}
	for _, cm := range commits {
		if cm.Timestamp > c.lastSync {
			c.lastSync = cm.Timestamp
		}
	}
	return nil
}

// Run performs an initial Backfill, then dials the peer's WebSocket
// firehose and exchanges live commits until ctx is cancelled or the
// connection drops. Callers typically run this in a retry loop (see
// SyncScheduler).
func (c *RepoClient) Run(ctx context.Context) error {
	if err := c.Backfill(ctx); err != nil {
		return err
	}

	tokenQuery, err := c.tokenQuery()
	if err != nil {
		return err
	}
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/sync/ws?repo=%s%s", wsURL, c.repoPath, tokenQuery)

	dialCtx, cancel := context.WithTimeout(ctx, c.deadline)
	conn, _, err := c.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		if dialCtx.Err() != nil {
			return fmt.Errorf("netsync: dial %s: %w", c.repoPath, ErrTimeout)
		}
		return fmt.Errorf("netsync: dial %s: %w", c.repoPath, err)
	}
	defer conn.Close()

	session := newPeerSession(conn, c.repo, &c.log)
	session.run(ctx)
	return nil
}
