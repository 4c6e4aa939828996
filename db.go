// Package nest implements the embeddable, distributed, content-addressed
// document database of spec §1: a per-key commit graph with signed
// history, automatic three-way merge, and incrementally-updated
// materialized queries. Database is the facade of spec §4.I: it opens
// repositories on demand, routes item paths to them, enforces
// authorization, and attaches peer sync.
package nest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelkv/nest/config"
	"github.com/kestrelkv/nest/internal/authtoken"
	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/netsync"
	"github.com/kestrelkv/nest/internal/query"
	"github.com/kestrelkv/nest/internal/repository"
	"github.com/kestrelkv/nest/internal/schema"
	"github.com/kestrelkv/nest/internal/trust"
)

// Database is the facade described in spec §4.I. The zero value is not
// usable; construct one with Open.
type Database struct {
	mu sync.Mutex

	dataDir      string
	registry     *schema.Registry
	pool         *trust.Pool
	trusted      bool
	userAuthz    Authorizer
	connectionID string
	log          zerolog.Logger

	repos map[string]*repository.Repository // keyed by /type/repo
	cache map[string]*query.Manager         // keyed by /type/repo

	tokens      *authtoken.Manager
	server      *netsync.Server
	scheduler   *netsync.SyncScheduler
	peerURLs    []string
	syncTimeout time.Duration
}

// options collects the settings gathered from functional Options before
// Open constructs the Database.
type options struct {
	trusted      bool
	authorize    Authorizer
	peerURLs     []string
	listenAddr   string
	trustedRoots []trust.Session
	syncTimeout  time.Duration
	tokenSecret  string
	log          *zerolog.Logger
}

// Option configures Open. See WithTrusted, WithAuthorizer, WithPeer,
// WithListenAddr, WithTrustedRoot, WithSyncTimeout, WithAuthTokenSecret,
// and WithLogger.
type Option func(*options)

// WithTrusted bypasses signature verification and authorization
// entirely (spec §4.I "trusted" mode): operator opt-in for private,
// single-process deployments.
func WithTrusted() Option {
	return func(o *options) { o.trusted = true }
}

// WithAuthorizer installs the user-provided authorization rule, applied
// between the built-in enforced and optional rule sets (spec §4.I step
// 1).
func WithAuthorizer(a Authorizer) Option {
	return func(o *options) { o.authorize = a }
}

// WithPeer adds a peer base URL to sync every opened repository with
// (spec §4.I step 5).
func WithPeer(baseURL string) Option {
	return func(o *options) { o.peerURLs = append(o.peerURLs, baseURL) }
}

// WithListenAddr starts a peer-sync listener (internal/netsync.Server)
// at addr when the Database is opened.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listenAddr = addr }
}

// WithTrustedRoot adds an additional trusted root session beyond the
// database's own settings.json roots (spec §4.E).
func WithTrustedRoot(s trust.Session) Option {
	return func(o *options) { o.trustedRoots = append(o.trustedRoots, s) }
}

// WithSyncTimeout overrides the default 5s sync request deadline (spec
// §5).
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) { o.syncTimeout = d }
}

// WithAuthTokenSecret enables sync-token checks on the peer-sync
// listener, using secret to validate internal/authtoken tokens.
func WithAuthTokenSecret(secret string) Option {
	return func(o *options) { o.tokenSecret = secret }
}

// WithLogger installs a structured logger used for every ambient log
// line the database and its repositories emit.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// FromConfig applies a loaded config.Config as a batch of Options.
// cfg.TrustedRoots is not applied.
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg.Trusted {
			o.trusted = true
		}
		for _, u := range cfg.PeerURLs {
			o.peerURLs = append(o.peerURLs, u)
		}
		if cfg.ListenAddr != "" {
			o.listenAddr = cfg.ListenAddr
		}
		if cfg.AuthTokenSecret != "" {
			o.tokenSecret = cfg.AuthTokenSecret
		}
		o.syncTimeout = cfg.SyncTimeout()
	}
}

// Open constructs a Database rooted at path, creating it if absent, and
// loading or generating its identity from settings.json (spec §6).
func Open(path string, opts ...Option) (*Database, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("nest: create data dir %s: %w", path, err)
	}

	l := zerolog.Nop()
	if o.log != nil {
		l = *o.log
	}

	db := &Database{
		dataDir:      path,
		registry:     schema.NewRegistry(),
		trusted:      o.trusted,
		userAuthz:    o.authorize,
		connectionID: uuid.NewString(),
		log:          l,
		repos:        make(map[string]*repository.Repository),
		cache:        make(map[string]*query.Manager),
		peerURLs:     o.peerURLs,
		syncTimeout:  o.syncTimeout,
	}
	if db.syncTimeout <= 0 {
		db.syncTimeout = netsync.DefaultDeadline
	}

	if !o.trusted {
		settings, err := loadOrCreateSettings(path)
		if err != nil {
			return nil, err
		}
		pool, err := buildPool(settings, o.trustedRoots)
		if err != nil {
			return nil, err
		}
		db.pool = pool
	}

	if o.tokenSecret != "" {
		db.tokens = authtoken.NewManager(o.tokenSecret, "nest")
	}

	if err := db.registry.Register(sessionSchema()); err != nil {
		return nil, fmt.Errorf("nest: register session schema: %w", err)
	}

	if o.listenAddr != "" || len(o.peerURLs) > 0 {
		db.scheduler = netsync.NewSyncScheduler(&l)
	}
	if o.listenAddr != "" {
		db.server = netsync.NewServer(db.lookupRepo, db.tokens, &l)
		go db.serveListener(o.listenAddr)
	}

	return db, nil
}

func (db *Database) serveListener(addr string) {
	if err := db.server.ListenAndServe(addr); err != nil {
		db.log.Warn().Err(err).Str("addr", addr).Msg("nest: sync listener stopped")
	}
}

// lookupRepo implements netsync.RepoLookup against already-opened
// repositories; it does not open new ones, since a peer should only sync
// repositories this process has actively opened itself.
func (db *Database) lookupRepo(repoPath string) (*repository.Repository, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.repos[repoPath]
	return r, ok
}

// RegisterSchema registers s with the database's schema registry. Must
// be called before any item of that namespace is read or written.
func (db *Database) RegisterSchema(s *schema.Schema) error {
	return db.registry.Register(s)
}

// Registry exposes the database's schema registry, for building items
// to pass to Set.
func (db *Database) Registry() *schema.Registry { return db.registry }

// Get fetches the current item at path for session, applying read
// authorization (spec §4.I's authorization contract).
func (db *Database) Get(pathStr, session string) (*schema.Item, error) {
	p, err := ParsePath(pathStr)
	if err != nil {
		return nil, err
	}
	if p.Item == "" {
		return nil, newErr("Get", KindInvalidPath, fmt.Errorf("nest: %s has no item key", pathStr))
	}
	if !db.checkRead(p, session) {
		return nil, newErr("Get", KindUnauthorized, nil)
	}

	repo, err := db.openRepo(p)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head(p.ItemPath())
	if err != nil {
		return schema.NullItem(db.registry), nil
	}
	item, err := repo.ItemForCommit(head.ID)
	if err != nil {
		return nil, newErr("Get", KindServiceUnavailable, err)
	}
	return item, nil
}

// Set writes item at path as session's commit, merging with any
// concurrent head via the repository's ordinary persistence pipeline.
func (db *Database) Set(pathStr string, item *schema.Item) (*commit.Commit, error) {
	p, err := ParsePath(pathStr)
	if err != nil {
		return nil, err
	}
	if p.Item == "" {
		return nil, newErr("Set", KindInvalidPath, fmt.Errorf("nest: %s has no item key", pathStr))
	}

	repo, err := db.openRepo(p)
	if err != nil {
		return nil, err
	}
	c, err := repo.SetValue(p.ItemPath(), item, uuid.NewString, time.Now)
	if err != nil {
		return nil, newErr("Set", KindServiceUnavailable, err)
	}
	return c, nil
}

func (db *Database) checkRead(p Path, session string) bool {
	if db.trusted {
		return true
	}
	isRoot := func(s string) bool { return db.pool != nil && db.pool.IsRoot(s) }
	authz := buildAuthorizer(p.RepoPath(), db.userAuthz, isRoot)
	return authz(p.ItemPath(), session, "read")
}

// openRepo returns the already-open repository for p's repo path,
// opening and caching it on first use (spec §4.I step 1-4).
func (db *Database) openRepo(p Path) (*repository.Repository, error) {
	repoPath := p.RepoPath()

	db.mu.Lock()
	defer db.mu.Unlock()
	if r, ok := db.repos[repoPath]; ok {
		return r, nil
	}

	logPath := filepath.Join(db.dataDir, p.Type, p.Repo+".jsonl")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("nest: create repo dir: %w", err)
	}

	isSessions := repoPath == sessionsRepoPath
	opts := repository.Options{
		Path:         repoPath,
		LogPath:      logPath,
		Registry:     db.registry,
		Pool:         db.pool,
		ConnectionID: db.connectionID,
		IsSessions:   isSessions,
	}
	if !db.trusted {
		isRoot := func(s string) bool { return db.pool != nil && db.pool.IsRoot(s) }
		opts.Authorize = buildAuthorizer(repoPath, db.userAuthz, isRoot)
		if isSessions {
			opts.OnSessionCommit = onSessionCommit(db.pool)
		}
	}

	repo, err := repository.Open(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("nest: open repository %s: %w", repoPath, err)
	}
	db.repos[repoPath] = repo

	cachePath := filepath.Join(db.dataDir, p.Type, p.Repo+".query-cache.json")
	mgr, err := query.OpenManager(cachePath)
	if err != nil {
		return nil, fmt.Errorf("nest: open query cache for %s: %w", repoPath, err)
	}
	db.cache[repoPath] = mgr

	db.attachSync(repoPath, repo)
	return repo, nil
}

// attachSync wires repo into the shared SyncScheduler for every
// configured peer (spec §4.I step 5).
func (db *Database) attachSync(repoPath string, repo *repository.Repository) {
	if db.scheduler == nil {
		return
	}
	var tokenSource netsync.TokenSource
	if db.tokens != nil {
		sessionID := ""
		if db.pool != nil {
			sessionID = db.pool.CurrentSession().ID
		}
		tokenSource = func(rp string) (string, error) { return db.tokens.Issue(sessionID, rp) }
	}
	for _, peer := range db.peerURLs {
		client := netsync.NewRepoClient(peer, repoPath, repo, db.syncTimeout, tokenSource, &db.log)
		db.scheduler.Attach(context.Background(), peer, client)
	}
}

// QueryCache returns the on-disk query persistence manager for p's
// repository, opening the repository first if needed (spec §4.H).
func (db *Database) QueryCache(pathStr string) (*query.Manager, error) {
	p, err := ParsePath(pathStr)
	if err != nil {
		return nil, err
	}
	if _, err := db.openRepo(p); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.cache[p.RepoPath()], nil
}

// RepoSource returns a query.Source over p's repository, opening it
// first if needed, for building live queries (spec §4.G).
func (db *Database) RepoSource(pathStr string) (*query.RepoSource, error) {
	p, err := ParsePath(pathStr)
	if err != nil {
		return nil, err
	}
	repo, err := db.openRepo(p)
	if err != nil {
		return nil, err
	}
	return query.NewRepoSource(repo), nil
}

// Close stops the sync scheduler and listener, stops every open
// repository's query-cache flush timer (without waiting for its final
// flush), and closes the repositories.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.scheduler != nil {
		db.scheduler.Close()
	}
	if db.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = db.server.Shutdown(ctx)
		cancel()
	}
	var firstErr error
	for _, mgr := range db.cache {
		mgr.Close()
	}
	for path, r := range db.repos {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("nest: close repository %s: %w", path, err)
		}
	}
	return firstErr
}
