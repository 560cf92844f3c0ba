package story

import (
	"time"

	"comment-store/counts"
)

// Story is a single story that comments are attached to. The story carries a
// denormalized snapshot of its comment counts; the authoritative per-comment
// counters live on the comments themselves.
type Story struct {
	ID            string                      `bson:"id"`
	TenantID      string                      `bson:"tenantID"`
	SiteID        string                      `bson:"siteID"`
	URL           string                      `bson:"url,omitempty"`
	CommentCounts counts.RelatedCommentCounts `bson:"commentCounts"`
	IsArchiving   bool                        `bson:"isArchiving"`
	IsArchived    bool                        `bson:"isArchived"`
	CreatedAt     time.Time                   `bson:"createdAt"`
}
