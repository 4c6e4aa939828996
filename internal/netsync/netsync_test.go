package netsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelkv/nest/internal/commit"
)

func TestEncodeDecodeCommitFrame(t *testing.T) {
	c := &commit.Commit{ID: "c1", Key: "/data/widgets/x", Session: "sess-1", Timestamp: 1}
	data, err := encodeCommitFrame(c)
	require.NoError(t, err)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, frameCommit, f.Kind)
	require.NotNil(t, f.Commit)
	require.Equal(t, "c1", f.Commit.ID)
}

func TestEncodeDecodePingFrame(t *testing.T) {
	data, err := encodePingFrame()
	require.NoError(t, err)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, framePing, f.Kind)
	require.Nil(t, f.Commit)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte("not json"))
	require.Error(t, err)
}
