package netsync

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/kestrelkv/nest/internal/authtoken"
	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/repository"
)

// RepoLookup resolves a repository path to its open Repository, used by
// the server to route an incoming sync request. ok is false for an
// unknown or unauthorized path.
type RepoLookup func(repoPath string) (*repository.Repository, bool)

// wsUpgrader allows any origin: peer sync is opt-in via configured peer
// URLs, not a public browser-facing endpoint.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var nopLogger = zerolog.Nop()

// Server hosts the receiving side of peer sync: a backfill endpoint and
// a live WebSocket firehose, one logical stream per repository path.
type Server struct {
	echo   *echo.Echo
	lookup RepoLookup
	tokens *authtoken.Manager // nil disables token checks (trusted-network mode)
	log    zerolog.Logger
}

// NewServer builds an Echo-backed sync server routing every request
// through lookup to find the target repository. tokens may be nil, in
// which case any caller that can reach the listener may sync — callers
// typically only omit it behind a network boundary they already trust.
func NewServer(lookup RepoLookup, tokens *authtoken.Manager, log *zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	l := nopLogger
	if log != nil {
		l = *log
	}

	s := &Server{echo: e, lookup: lookup, tokens: tokens, log: l}
	e.GET("/sync/backfill", s.handleBackfill)
	e.GET("/sync/ws", s.handleWebSocket)
	return s
}

// authorize validates the request's sync token against repoPath when
// token checks are enabled. Returns the authorized session id.
func (s *Server) authorize(c echo.Context, repoPath string) (string, bool) {
	if s.tokens == nil {
		return "", true
	}
	tok := c.QueryParam("token")
	if tok == "" {
		return "", false
	}
	sessionID, err := s.tokens.Validate(tok, repoPath)
	if err != nil {
		s.log.Warn().Err(err).Str("repo", repoPath).Msg("netsync: rejected sync token")
		return "", false
	}
	return sessionID, true
}

// Handler exposes the underlying http.Handler for embedding into a
// larger Echo instance or for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// ListenAndServe blocks serving the sync listener at addr, mirroring the
// teacher's cmd/primal-pds composition style of calling Echo.Start
// directly rather than building a net/http.Server by hand.
func (s *Server) ListenAndServe(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the listener started by ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleBackfill returns every known commit for the requested repo whose
// timestamp exceeds the optional since query parameter (Unix ms), per
// spec §4.I's "attaches a RepoClient per peer" catch-up step.
func (s *Server) handleBackfill(c echo.Context) error {
	repoPath := c.QueryParam("repo")
	repo, ok := s.lookup(repoPath)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "RepoNotFound"})
	}
	if _, ok := s.authorize(c, repoPath); !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "InvalidToken"})
	}

	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest"})
		}
		since = v
	}

	return c.JSON(http.StatusOK, snapshotCommits(repo, since))
}

// snapshotCommits gathers every commit known to repo with Timestamp >
// since, across every key.
func snapshotCommits(repo *repository.Repository, since int64) []*commit.Commit {
	var out []*commit.Commit
	for _, key := range repo.Keys() {
		for _, id := range repo.CommitsForKey(key) {
			c, ok := repo.Commit(id)
			if ok && c.Timestamp > since {
				out = append(out, c)
			}
		}
	}
	return out
}

// handleWebSocket upgrades to a WebSocket and streams every newly
// persisted commit for repo, while also accepting inbound commit frames
// from the peer and persisting them locally — a bidirectional exchange,
// mirroring the teacher's "read goroutine detects client disconnect,
// write loop streams frames" shape.
func (s *Server) handleWebSocket(c echo.Context) error {
	repoPath := c.QueryParam("repo")
	repo, ok := s.lookup(repoPath)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "RepoNotFound"})
	}
	if _, ok := s.authorize(c, repoPath); !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "InvalidToken"})
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Str("repo", repoPath).Msg("netsync: websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	session := newPeerSession(ws, repo, &s.log)
	session.run(c.Request().Context())
	return nil
}
