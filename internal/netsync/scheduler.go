package netsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// reconnectBackoff bounds how long SyncScheduler waits after a dropped
// connection before redialing a peer.
const reconnectBackoff = 2 * time.Second

// SyncScheduler owns every RepoClient a database has attached (one per
// configured peer URL, spec §4.I step 5) and keeps each one connected,
// redialing with a fixed backoff after any disconnect.
type SyncScheduler struct {
	mu      sync.Mutex
	clients map[string]*RepoClient // keyed by baseURL+"|"+repoPath
	cancels map[string]context.CancelFunc
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewSyncScheduler constructs an empty scheduler.
func NewSyncScheduler(log *zerolog.Logger) *SyncScheduler {
	l := nopLogger
	if log != nil {
		l = *log
	}
	return &SyncScheduler{
		clients: make(map[string]*RepoClient),
		cancels: make(map[string]context.CancelFunc),
		log:     l,
	}
}

func clientKey(baseURL, repoPath string) string { return baseURL + "|" + repoPath }

// Attach registers client and starts its connect-retry loop in the
// background. Calling Attach twice for the same (baseURL, repoPath) is a
// no-op for the second call.
func (s *SyncScheduler) Attach(ctx context.Context, baseURL string, client *RepoClient) {
	key := clientKey(baseURL, client.repoPath)

	s.mu.Lock()
	if _, exists := s.clients[key]; exists {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.clients[key] = client
	s.cancels[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(runCtx, client)
	}()
}

// runLoop keeps client connected, redialing after reconnectBackoff
// whenever Run returns (peer unreachable, connection dropped, or a
// non-fatal sync error).
func (s *SyncScheduler) runLoop(ctx context.Context, client *RepoClient) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := client.Run(ctx); err != nil {
			s.log.Warn().Err(err).Str("repo", client.repoPath).Msg("netsync: peer connection ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// Detach stops and removes the client for (baseURL, repoPath), if any.
func (s *SyncScheduler) Detach(baseURL, repoPath string) {
	key := clientKey(baseURL, repoPath)
	s.mu.Lock()
	cancel, ok := s.cancels[key]
	delete(s.clients, key)
	delete(s.cancels, key)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every attached client and waits for their goroutines to
// exit.
func (s *SyncScheduler) Close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.clients = make(map[string]*RepoClient)
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.wg.Wait()
}
