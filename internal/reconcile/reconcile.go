package reconcile

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comment-store/counts"
)

// StoryCounters applies a counts delta to the story's aggregate in the
// primary store.
type StoryCounters interface {
	IncrementCommentCounts(ctx context.Context, tenantID, storyID string, delta counts.RelatedCommentCounts) error
}

// CountsCache applies a counts delta to the cached per-story and per-site
// aggregates.
type CountsCache interface {
	IncrementStory(ctx context.Context, tenantID, storyID string, delta counts.RelatedCommentCounts) error
	IncrementSite(ctx context.Context, tenantID, siteID string, delta counts.RelatedCommentCounts) error
}

// Reconciler applies counter deltas to the primary store and the cache. Every
// write underneath is an atomic per-field increment, so deltas from
// concurrent callers commute and the final aggregate does not depend on
// application order. It handles both the small per-comment deltas from
// moderation and the single large delta of an entire story during archiving.
type Reconciler struct {
	stories StoryCounters
	cache   CountsCache
}

// New will return a Reconciler over the given story counters and cache.
func New(stories StoryCounters, cache CountsCache) *Reconciler {
	return &Reconciler{
		stories: stories,
		cache:   cache,
	}
}

// Apply will write the delta into the story's aggregate and into the cached
// story and site aggregates. Applying an empty delta is a no-op.
func (r *Reconciler) Apply(ctx context.Context, tenantID, siteID, storyID string, delta counts.RelatedCommentCounts) error {
	if delta.Empty() {
		return nil
	}

	if err := r.stories.IncrementCommentCounts(ctx, tenantID, storyID, delta); err != nil {
		return errors.Wrap(err, "could not apply the delta to the story")
	}

	if err := r.cache.IncrementStory(ctx, tenantID, storyID, delta); err != nil {
		return errors.Wrap(err, "could not apply the delta to the cached story counts")
	}

	if err := r.cache.IncrementSite(ctx, tenantID, siteID, delta); err != nil {
		return errors.Wrap(err, "could not apply the delta to the cached site counts")
	}

	logrus.WithFields(logrus.Fields{
		"tenantID": tenantID,
		"storyID":  storyID,
		"fields":   len(delta.Fields()),
	}).Debug("applied comment count delta")

	return nil
}
