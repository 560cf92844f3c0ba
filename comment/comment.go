package comment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the moderation status of a Comment.
type Status string

const (
	StatusNone           Status = "NONE"
	StatusApproved       Status = "APPROVED"
	StatusRejected       Status = "REJECTED"
	StatusPremod         Status = "PREMOD"
	StatusSystemWithheld Status = "SYSTEM_WITHHELD"
)

// EditableStatuses are the statuses that an author is allowed to edit a
// comment in. A rejected or withheld comment can not be edited by its author.
var EditableStatuses = []Status{StatusNone, StatusPremod, StatusApproved}

// Editable will return true when an author may edit a comment in this status.
func (s Status) Editable() bool {
	for _, editable := range EditableStatuses {
		if s == editable {
			return true
		}
	}

	return false
}

// Tag is a tag attached to a Comment. A comment carries at most one tag of a
// given type.
type Tag struct {
	Type      string    `bson:"type"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Comment is a single comment on a story. The effective body and metadata of
// a comment is always the last element of Revisions.
type Comment struct {
	ID               string         `bson:"id"`
	TenantID         string         `bson:"tenantID"`
	StoryID          string         `bson:"storyID"`
	SiteID           string         `bson:"siteID"`
	Section          string         `bson:"section,omitempty"`
	AuthorID         string         `bson:"authorID,omitempty"`
	ParentID         string         `bson:"parentID,omitempty"`
	ParentRevisionID string         `bson:"parentRevisionID,omitempty"`
	AncestorIDs      []string       `bson:"ancestorIDs"`
	ChildIDs         []string       `bson:"childIDs"`
	ChildCount       int            `bson:"childCount"`
	Status           Status         `bson:"status"`
	Tags             []Tag          `bson:"tags"`
	ActionCounts     map[string]int `bson:"actionCounts"`
	Rating           *int           `bson:"rating,omitempty"`
	CreatedAt        time.Time      `bson:"createdAt"`
	DeletedAt        *time.Time     `bson:"deletedAt,omitempty"`
	Revisions        []Revision     `bson:"revisions"`
}

// Deleted will return true when the comment has been soft-deleted.
func (c *Comment) Deleted() bool {
	return c.DeletedAt != nil
}

// HasTag will return true when a tag of the given type is attached.
func (c *Comment) HasTag(tagType string) bool {
	for _, tag := range c.Tags {
		if tag.Type == tagType {
			return true
		}
	}

	return false
}

// Clone will return a deep copy of the comment so that a post-image can be
// computed without mutating the pre-image.
func (c *Comment) Clone() *Comment {
	clone := *c

	clone.AncestorIDs = append([]string(nil), c.AncestorIDs...)
	clone.ChildIDs = append([]string(nil), c.ChildIDs...)
	clone.Tags = append([]Tag(nil), c.Tags...)

	clone.ActionCounts = make(map[string]int, len(c.ActionCounts))
	for key, count := range c.ActionCounts {
		clone.ActionCounts[key] = count
	}

	clone.Revisions = make([]Revision, len(c.Revisions))
	for i, revision := range c.Revisions {
		clone.Revisions[i] = revision.clone()
	}

	if c.Rating != nil {
		rating := *c.Rating
		clone.Rating = &rating
	}

	if c.DeletedAt != nil {
		deletedAt := *c.DeletedAt
		clone.DeletedAt = &deletedAt
	}

	return &clone
}

// NewID will return a new globally unique identity.
func NewID() string {
	return uuid.NewString()
}
