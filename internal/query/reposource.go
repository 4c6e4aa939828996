package query

import (
	"github.com/kestrelkv/nest/internal/pubsub"
	"github.com/kestrelkv/nest/internal/repository"
	"github.com/kestrelkv/nest/internal/schema"
)

// RepoSource adapts a *repository.Repository to the Source interface, so
// a Query can iterate a repository's keys directly (spec §4.G: "Created
// attached to a source (repository path or another query)").
type RepoSource struct {
	repo *repository.Repository
}

// NewRepoSource wraps repo for use as a Query's Source.
func NewRepoSource(repo *repository.Repository) *RepoSource {
	return &RepoSource{repo: repo}
}

// SourcePath identifies this source for query identity hashing.
func (s *RepoSource) SourcePath() string { return s.repo.Path() }

// Paths returns every key with at least one commit in the repository.
func (s *RepoSource) Paths() []string { return s.repo.Keys() }

// AgeForPath returns the repository's local age for key.
func (s *RepoSource) AgeForPath(key string) uint64 { return s.repo.AgeForKey(key) }

// ItemForPath resolves key's current head item. ok is false if the key
// has no materializable head.
func (s *RepoSource) ItemForPath(key string) (*schema.Item, bool, error) {
	head, err := s.repo.Head(key)
	if err != nil {
		return nil, false, nil
	}
	item, err := s.repo.ItemForCommit(head.ID)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// OnDocumentChanged subscribes to the repository's DocumentChanged
// event.
func (s *RepoSource) OnDocumentChanged(h func(string)) *pubsub.Subscription {
	return s.repo.OnDocumentChanged(h)
}
