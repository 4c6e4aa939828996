// Package netsync implements the peer-sync transport of spec §4.I step 5
// and §6's "HTTP sync requests use a caller-supplied deadline": an Echo
// HTTP server exposing a backfill endpoint and a WebSocket firehose per
// repository, and a RepoClient that dials a peer, pulls its backlog, and
// exchanges live commits over the socket thereafter.
//
// Grounded on the teacher's internal/events (subscriber fan-out with
// slow-consumer drop) and internal/server/xrpc_sync.go (Echo route +
// gorilla/websocket upgrade, read-goroutine-detects-disconnect pattern),
// generalized from "AT-proto firehose of one DID's repo" to "bidirectional
// commit exchange for one nest repository."
package netsync

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kestrelkv/nest/internal/commit"
)

// ErrTimeout is returned when a sync operation exceeds its deadline, per
// spec §5: "on timeout an abort is raised and the caller receives a
// Timeout error." Kept local to this package; callers at the root
// package translate via errors.Is into the public error taxonomy.
var ErrTimeout = errors.New("netsync: timeout")

// DefaultDeadline is spec §5's "default 5s" sync request deadline.
const DefaultDeadline = 5 * time.Second

// frameKind discriminates the two message shapes exchanged over the
// WebSocket connection.
type frameKind string

const (
	frameCommit frameKind = "commit"
	framePing   frameKind = "ping"
)

// frame is the wire envelope for one WebSocket message.
type frame struct {
	Kind   frameKind     `json:"kind"`
	Commit *commit.Commit `json:"commit,omitempty"`
}

func encodeCommitFrame(c *commit.Commit) ([]byte, error) {
	return json.Marshal(frame{Kind: frameCommit, Commit: c})
}

func encodePingFrame() ([]byte, error) {
	return json.Marshal(frame{Kind: framePing})
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}
