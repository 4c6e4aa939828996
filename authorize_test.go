package nest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysRoot(string) bool  { return true }
func neverRoot(string) bool   { return false }

func TestStatsRepoIsForbiddenEvenForRoot(t *testing.T) {
	authz := buildAuthorizer(statsRepoPath, nil, alwaysRoot)
	require.False(t, authz("/sys/stats/x", "root-sess", "read"))
	require.False(t, authz("/sys/stats/x", "root-sess", "write"))
}

func TestSessionsRepoIsReadOnlyForNonRoot(t *testing.T) {
	authz := buildAuthorizer(sessionsRepoPath, nil, neverRoot)
	require.True(t, authz("/sys/sessions/x", "sess", "read"))
	require.False(t, authz("/sys/sessions/x", "sess", "write"))
}

func TestSessionsRepoAllowsRootWrite(t *testing.T) {
	authz := buildAuthorizer(sessionsRepoPath, nil, alwaysRoot)
	require.True(t, authz("/sys/sessions/x", "root-sess", "write"))
}

func TestSysRepoIsRootOnlyByDefault(t *testing.T) {
	authz := buildAuthorizer("/sys/other", nil, neverRoot)
	require.False(t, authz("/sys/other/x", "sess", "read"))

	rootAuthz := buildAuthorizer("/sys/other", nil, alwaysRoot)
	require.True(t, rootAuthz("/sys/other/x", "root-sess", "read"))
}

func TestUserRepoOwnedByMatchingSession(t *testing.T) {
	authz := buildAuthorizer("/user/alice", nil, neverRoot)
	require.True(t, authz("/user/alice/profile", "alice", "write"))
	require.False(t, authz("/user/alice/profile", "bob", "write"))
}

func TestNonSysRepoDefaultsToAllow(t *testing.T) {
	authz := buildAuthorizer("/data/widgets", nil, neverRoot)
	require.True(t, authz("/data/widgets/x", "anyone", "read"))
}

func TestUserRuleOverridesOptionalDefaultAllow(t *testing.T) {
	deny := func(repoPath, itemKey, session, op string) bool { return false }
	authz := buildAuthorizer("/data/widgets", deny, neverRoot)
	require.False(t, authz("/data/widgets/x", "anyone", "read"))
}

func TestEnforcedRuleOverridesUserRule(t *testing.T) {
	permitAll := func(repoPath, itemKey, session, op string) bool { return true }
	authz := buildAuthorizer(statsRepoPath, permitAll, alwaysRoot)
	require.False(t, authz("/sys/stats/x", "root-sess", "read"))
}
