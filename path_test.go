package nest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePathRepoOnly(t *testing.T) {
	p, err := ParsePath("/data/widgets")
	require.NoError(t, err)
	require.Equal(t, Path{Type: "data", Repo: "widgets"}, p)
	require.Equal(t, "/data/widgets", p.RepoPath())
}

func TestParsePathWithItem(t *testing.T) {
	p, err := ParsePath("/data/widgets/x-1")
	require.NoError(t, err)
	require.Equal(t, "data", p.Type)
	require.Equal(t, "widgets", p.Repo)
	require.Equal(t, "x-1", p.Item)
	require.Equal(t, "/data/widgets/x-1", p.ItemPath())
}

func TestParsePathWithEmbed(t *testing.T) {
	p, err := ParsePath("/data/widgets/x-1/comments")
	require.NoError(t, err)
	require.Equal(t, "comments", p.Embed)
	require.Equal(t, "/data/widgets/x-1/comments", p.String())
}

func TestParsePathRejectsTooManySegments(t *testing.T) {
	_, err := ParsePath("/data/widgets/x-1/comments/extra")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestParsePathRejectsUppercase(t *testing.T) {
	_, err := ParsePath("/Data/widgets")
	require.Error(t, err)
}

func TestParsePathRejectsMissingLeadingSlash(t *testing.T) {
	_, err := ParsePath("data/widgets")
	require.Error(t, err)
}

func TestParsePathRejectsSingleSegment(t *testing.T) {
	_, err := ParsePath("/data")
	require.Error(t, err)
}
