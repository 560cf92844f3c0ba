package cache

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"comment-store/counts"
)

// CountsCache mirrors the pre-aggregated comment counts in Redis, one hash
// per (tenant, story) and one per (tenant, site). Every counter write is an
// HINCRBY, never a read-modify-write, so concurrent writers can apply their
// deltas in any order.
type CountsCache struct {
	client redis.UniversalClient
}

// NewCountsCache will return a CountsCache over the given client.
func NewCountsCache(client redis.UniversalClient) *CountsCache {
	return &CountsCache{
		client: client,
	}
}

func storyKey(tenantID, storyID string) string {
	return fmt.Sprintf("%s:storyCommentCounts:%s", tenantID, storyID)
}

func siteKey(tenantID, siteID string) string {
	return fmt.Sprintf("%s:siteCommentCounts:%s", tenantID, siteID)
}

// IncrementStory will apply a counts delta to the story hash.
func (c *CountsCache) IncrementStory(ctx context.Context, tenantID, storyID string, delta counts.RelatedCommentCounts) error {
	return c.increment(ctx, storyKey(tenantID, storyID), delta)
}

// IncrementSite will apply a counts delta to the site hash.
func (c *CountsCache) IncrementSite(ctx context.Context, tenantID, siteID string, delta counts.RelatedCommentCounts) error {
	return c.increment(ctx, siteKey(tenantID, siteID), delta)
}

func (c *CountsCache) increment(ctx context.Context, key string, delta counts.RelatedCommentCounts) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}

	if _, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, count := range fields {
			pipe.HIncrBy(ctx, key, field, int64(count))
		}

		return nil
	}); err != nil {
		return errors.Wrap(err, "could not increment the cached counts")
	}

	return nil
}

// Story will return the cached counts for a story.
func (c *CountsCache) Story(ctx context.Context, tenantID, storyID string) (counts.RelatedCommentCounts, error) {
	return c.get(ctx, storyKey(tenantID, storyID))
}

// Site will return the cached counts for a site.
func (c *CountsCache) Site(ctx context.Context, tenantID, siteID string) (counts.RelatedCommentCounts, error) {
	return c.get(ctx, siteKey(tenantID, siteID))
}

func (c *CountsCache) get(ctx context.Context, key string) (counts.RelatedCommentCounts, error) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return counts.RelatedCommentCounts{}, errors.Wrap(err, "could not read the cached counts")
	}

	rcc, err := counts.FromStrings(fields)
	if err != nil {
		return counts.RelatedCommentCounts{}, errors.Wrap(err, "could not parse the cached counts")
	}

	return rcc, nil
}

// SetStory will replace the cached counts for a story, used when the counts
// are recomputed from scratch.
func (c *CountsCache) SetStory(ctx context.Context, tenantID, storyID string, rcc counts.RelatedCommentCounts) error {
	return c.set(ctx, storyKey(tenantID, storyID), rcc)
}

// SetSite will replace the cached counts for a site.
func (c *CountsCache) SetSite(ctx context.Context, tenantID, siteID string, rcc counts.RelatedCommentCounts) error {
	return c.set(ctx, siteKey(tenantID, siteID), rcc)
}

func (c *CountsCache) set(ctx context.Context, key string, rcc counts.RelatedCommentCounts) error {
	// The delete and the rewrite ship in one transactional pipeline so that a
	// reader never observes the hash half-cleared.
	if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for field, count := range rcc.Fields() {
			pipe.HSet(ctx, key, field, count)
		}

		return nil
	}); err != nil {
		return errors.Wrap(err, "could not replace the cached counts")
	}

	return nil
}
