package nest

import "regexp"

// pathPattern implements spec §6's path grammar:
// ^/[a-z0-9_-]+/[a-z0-9_-]+(/[a-z0-9_-]+(/[a-z0-9_-]+)?)?$
var pathPattern = regexp.MustCompile(`^/[a-z0-9_-]+/[a-z0-9_-]+(/[a-z0-9_-]+(/[a-z0-9_-]+)?)?$`)

// Path is a parsed `/type/repo/item[/embed]` path (spec §3). Type and
// Repo together identify a repository; Item is the key within it.
type Path struct {
	Type  string
	Repo  string
	Item  string // empty for a bare repository path
	Embed string // empty unless a fourth component is present
}

// ParsePath validates raw against the path grammar and splits it into
// its components.
func ParsePath(raw string) (Path, error) {
	if !pathPattern.MatchString(raw) {
		return Path{}, newErr("ParsePath", KindInvalidPath, nil)
	}
	parts := splitPath(raw)
	p := Path{Type: parts[0], Repo: parts[1]}
	if len(parts) > 2 {
		p.Item = parts[2]
	}
	if len(parts) > 3 {
		p.Embed = parts[3]
	}
	return p, nil
}

// splitPath splits a leading-slash path into its non-empty segments.
func splitPath(raw string) []string {
	var out []string
	start := 1 // skip the leading '/'
	for i := 1; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '/' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	return out
}

// RepoPath returns the `/type/repo` prefix identifying p's repository.
func (p Path) RepoPath() string {
	return "/" + p.Type + "/" + p.Repo
}

// ItemPath returns the full `/type/repo/item` path, valid only when Item
// is set.
func (p Path) ItemPath() string {
	return p.RepoPath() + "/" + p.Item
}

// String renders p back into its canonical path form.
func (p Path) String() string {
	s := p.RepoPath()
	if p.Item != "" {
		s += "/" + p.Item
	}
	if p.Embed != "" {
		s += "/" + p.Embed
	}
	return s
}
