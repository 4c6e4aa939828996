package nest

import "strings"

// Authorizer decides whether session may perform op ("read" or "write")
// on itemKey within repoPath (spec §4.I's "authorization contract").
type Authorizer func(repoPath, itemKey, session, op string) bool

// statsRepoPath is forbidden outright per spec §4.I's enforced rule set.
const statsRepoPath = "/sys/stats"

// ruleDecision is returned by one rule in the authorization chain:
// decided reports whether this rule has an opinion at all; allow is only
// meaningful when decided is true. The first decided rule in the chain
// wins.
type ruleDecision struct {
	decided bool
	allow   bool
}

func allow() ruleDecision { return ruleDecision{decided: true, allow: true} }
func deny() ruleDecision  { return ruleDecision{decided: true, allow: false} }
func abstain() ruleDecision {
	return ruleDecision{}
}

// enforcedRule implements spec §4.I step 1's built-in enforced rules,
// which no user-provided rule can override: "/sys/sessions read-only for
// non-root" and "/sys/stats forbidden". It decides both directions for
// sessionsRepoPath so that optionalRule's broader "/sys/* root-only"
// default never gets a chance to deny the read it's meant to allow.
func enforcedRule(repoPath, session, op string, isRoot bool) ruleDecision {
	if repoPath == statsRepoPath {
		return deny()
	}
	if repoPath == sessionsRepoPath {
		if op == "write" && !isRoot {
			return deny()
		}
		return allow()
	}
	return abstain()
}

// optionalRule implements the built-in optional rules that apply only
// when neither the enforced rules nor a user-provided rule decided:
// "/sys/* root-only" and "/user/<uid> owned by uid".
func optionalRule(repoPath, session string, isRoot bool) ruleDecision {
	if strings.HasPrefix(repoPath, "/sys/") {
		if isRoot {
			return allow()
		}
		return deny()
	}
	if rest, ok := strings.CutPrefix(repoPath, "/user/"); ok {
		uid, _, _ := strings.Cut(rest, "/")
		if session == uid {
			return allow()
		}
		return deny()
	}
	return abstain()
}

// buildAuthorizer composes the full chain of spec §4.I step 1 into a
// single decision function for repoPath: enforced rules, then user (may
// be nil), then optional rules, defaulting to allow.
func buildAuthorizer(repoPath string, user Authorizer, isRoot func(session string) bool) func(itemKey, session, op string) bool {
	return func(itemKey, session, op string) bool {
		root := isRoot(session)
		if d := enforcedRule(repoPath, session, op, root); d.decided {
			return d.allow
		}
		if user != nil {
			if d := (ruleDecision{decided: true, allow: user(repoPath, itemKey, session, op)}); d.decided {
				return d.allow
			}
		}
		if d := optionalRule(repoPath, session, root); d.decided {
			return d.allow
		}
		return true
	}
}
