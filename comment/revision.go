package comment

import (
	"time"
)

// Media is an embed attached to a single revision of a comment.
type Media struct {
	Type string `bson:"type"`
	URL  string `bson:"url"`
}

// Revision is one immutable version of a comment's content. Revisions are
// embedded on the comment and are never referenced independently.
type Revision struct {
	ID           string                 `bson:"id"`
	Body         string                 `bson:"body"`
	Metadata     map[string]interface{} `bson:"metadata"`
	Media        *Media                 `bson:"media,omitempty"`
	ActionCounts map[string]int         `bson:"actionCounts"`
	CreatedAt    time.Time              `bson:"createdAt"`
}

func (r Revision) clone() Revision {
	clone := r

	clone.Metadata = make(map[string]interface{}, len(r.Metadata))
	for key, value := range r.Metadata {
		clone.Metadata[key] = value
	}

	clone.ActionCounts = make(map[string]int, len(r.ActionCounts))
	for key, count := range r.ActionCounts {
		clone.ActionCounts[key] = count
	}

	if r.Media != nil {
		media := *r.Media
		clone.Media = &media
	}

	return clone
}

// NewRevision will create a new revision with a fresh identity. The action
// counts map is copied so that the caller can not mutate the revision after
// the fact.
func NewRevision(body string, metadata map[string]interface{}, media *Media, actionCounts map[string]int, now time.Time) Revision {
	revision := Revision{
		ID:           NewID(),
		Body:         body,
		Metadata:     make(map[string]interface{}, len(metadata)),
		ActionCounts: make(map[string]int, len(actionCounts)),
		CreatedAt:    now,
	}

	for key, value := range metadata {
		revision.Metadata[key] = value
	}

	for key, count := range actionCounts {
		revision.ActionCounts[key] = count
	}

	if media != nil {
		m := *media
		revision.Media = &m
	}

	return revision
}

// AppendRevision will append a new revision to the comment's ledger. Prior
// revisions are never mutated, and the ledger never shrinks.
func (c *Comment) AppendRevision(body string, metadata map[string]interface{}, media *Media, actionCounts map[string]int, now time.Time) Revision {
	revision := NewRevision(body, metadata, media, actionCounts, now)
	c.Revisions = append(c.Revisions, revision)

	return revision
}

// LatestRevision will return the current revision of the comment. A comment
// always has at least one revision from creation, so an empty ledger is an
// integrity violation.
func (c *Comment) LatestRevision() (*Revision, error) {
	if len(c.Revisions) == 0 {
		return nil, ErrRevisionNotFound
	}

	return &c.Revisions[len(c.Revisions)-1], nil
}

// RevisionByID will return the revision with the given identity.
func (c *Comment) RevisionByID(id string) (*Revision, bool) {
	for i := range c.Revisions {
		if c.Revisions[i].ID == id {
			return &c.Revisions[i], true
		}
	}

	return nil, false
}

// Body will return the comment's effective body, which is always the last
// revision's.
func (c *Comment) Body() string {
	revision, err := c.LatestRevision()
	if err != nil {
		return ""
	}

	return revision.Body
}
