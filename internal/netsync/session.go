package netsync

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/pubsub"
	"github.com/kestrelkv/nest/internal/repository"
)

// wsConn is the subset of *websocket.Conn a peerSession needs, so tests
// can substitute an in-memory fake instead of a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// peerSession drives one side of a bidirectional repo sync connection:
// every commit newly persisted locally is pushed to the peer, and every
// commit frame received from the peer is persisted locally. Used
// identically by the server (one session per inbound connection) and
// the client (one session per outbound connection).
type peerSession struct {
	conn wsConn
	repo *repository.Repository
	log  zerolog.Logger

	writeCh chan []byte
	sub     *pubsub.Subscription
}

func newPeerSession(conn wsConn, repo *repository.Repository, log *zerolog.Logger) *peerSession {
	l := nopLogger
	if log != nil {
		l = *log
	}
	return &peerSession{conn: conn, repo: repo, log: l, writeCh: make(chan []byte, 256)}
}

// run subscribes to local commits, starts the write loop, and blocks
// reading inbound frames until the connection closes or ctx is done.
func (p *peerSession) run(ctx context.Context) {
	p.sub = p.repo.OnNewCommit(func(ev repository.NewCommitEvent) {
		data, err := encodeCommitFrame(ev.Commit)
		if err != nil {
			return
		}
		select {
		case p.writeCh <- data:
		default:
			p.log.Warn().Str("repo", p.repo.Path()).Msg("netsync: slow peer, dropping frame")
		}
	})
	defer p.sub.Cancel()

	done := make(chan struct{})
	go p.writeLoop(done)
	defer close(done)

	// Closing the connection unblocks ReadMessage when ctx is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			p.conn.Close()
		case <-done:
		}
	}()

	p.readLoop(ctx)
}

func (p *peerSession) writeLoop(done <-chan struct{}) {
	for {
		select {
		case data := <-p.writeCh:
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (p *peerSession) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			p.log.Warn().Err(err).Msg("netsync: decode frame")
			continue
		}
		if f.Kind != frameCommit || f.Commit == nil {
			continue
		}
		if _, err := p.repo.PersistCommits([]*commit.Commit{f.Commit}); err != nil {
			p.log.Warn().Err(err).Str("repo", p.repo.Path()).Msg("netsync: persist inbound commit")
		}
	}
}
