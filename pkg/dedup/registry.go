// Package dedup holds the per-run deduplication sets shared by all partition workers.
package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Registry owns the claimed-identifier and fetched-entity sets of one run phase.
// Both sets are insert-if-absent; the first caller wins and every later caller
// receives a skippable duplicate warning.
type Registry struct {
	runID   string
	claimed sync.Map
	fetched sync.Map

	claimedCount int64
	fetchedCount int64
}

// New creates an empty registry for the given run
func New(runID string) *Registry {
	return &Registry{runID: runID}
}

// RunID returns the run the registry belongs to
func (r *Registry) RunID() string {
	return r.runID
}

// Claim marks the identifier as seen. It must be called before any network work.
func (r *Registry) Claim(id domain.Identifier) error {
	if _, loaded := r.claimed.LoadOrStore(id.Key(), struct{}{}); loaded {
		return errors.NewWarning(id.Value, errors.CodeDuplicate, "Duplicate entry", errors.ErrDuplicateIdentifier)
	}
	atomic.AddInt64(&r.claimedCount, 1)
	return nil
}

// MarkFetched records that the entity was resolved. The winning caller is the only
// one allowed to write the entity in this phase.
func (r *Registry) MarkFetched(identifier, entityID string) error {
	if entityID == "" {
		return errors.NewSkippable(identifier, errors.CodeMissingID, "Record has no id", errors.ErrMissingEntityID)
	}
	if _, loaded := r.fetched.LoadOrStore(entityID, identifier); loaded {
		return errors.NewWarning(identifier, errors.CodeDuplicate, "Duplicate entry", errors.ErrDuplicateEntity)
	}
	atomic.AddInt64(&r.fetchedCount, 1)
	return nil
}

// IsClaimed reports whether the identifier was already claimed
func (r *Registry) IsClaimed(id domain.Identifier) bool {
	_, ok := r.claimed.Load(id.Key())
	return ok
}

// IsFetched reports whether the entity was already resolved
func (r *Registry) IsFetched(entityID string) bool {
	_, ok := r.fetched.Load(entityID)
	return ok
}

// ClaimedCount returns the number of distinct identifiers claimed
func (r *Registry) ClaimedCount() int64 {
	return atomic.LoadInt64(&r.claimedCount)
}

// FetchedCount returns the number of distinct entities resolved
func (r *Registry) FetchedCount() int64 {
	return atomic.LoadInt64(&r.fetchedCount)
}
