package comment

import (
	"time"
)

// Action types that can be attached to a comment.
const (
	ActionTypeReaction  = "REACTION"
	ActionTypeDontAgree = "DONT_AGREE"
	ActionTypeFlag      = "FLAG"
)

// Action is a single action (reaction, flag, ...) a user has left on a
// specific revision of a comment.
type Action struct {
	ID                string    `bson:"id"`
	TenantID          string    `bson:"tenantID"`
	ActionType        string    `bson:"actionType"`
	CommentID         string    `bson:"commentID"`
	CommentRevisionID string    `bson:"commentRevisionID"`
	StoryID           string    `bson:"storyID"`
	SiteID            string    `bson:"siteID"`
	UserID            string    `bson:"userID,omitempty"`
	CreatedAt         time.Time `bson:"createdAt"`
}

// ModerationAction records a single moderation decision made against a
// specific revision of a comment.
type ModerationAction struct {
	ID                string    `bson:"id"`
	TenantID          string    `bson:"tenantID"`
	CommentID         string    `bson:"commentID"`
	CommentRevisionID string    `bson:"commentRevisionID"`
	StoryID           string    `bson:"storyID"`
	Status            Status    `bson:"status"`
	ModeratorID       string    `bson:"moderatorID,omitempty"`
	CreatedAt         time.Time `bson:"createdAt"`
}
