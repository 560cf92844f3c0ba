package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"comment-store/comment"
)

// CommentStore owns the live comments collection.
type CommentStore struct {
	comments *mongo.Collection
}

// NewCommentStore will return a CommentStore over the given database.
func NewCommentStore(db *mongo.Database) *CommentStore {
	return &CommentStore{
		comments: db.Collection("comments"),
	}
}

// CreateInput is the input used to create a new comment.
type CreateInput struct {
	StoryID          string
	SiteID           string
	Section          string
	AuthorID         string
	ParentID         string
	ParentRevisionID string
	AncestorIDs      []string
	Status           comment.Status
	Body             string
	Metadata         map[string]interface{}
	Media            *comment.Media
	Rating           *int
	Tags             []comment.Tag
}

// Create will allocate a new identity, create the first revision from the
// supplied body, and insert the comment. The caller is responsible for
// linking the comment to its parent via LinkChild.
func (s *CommentStore) Create(ctx context.Context, tenantID string, input CreateInput, now time.Time) (*comment.Comment, error) {
	c := &comment.Comment{
		ID:               comment.NewID(),
		TenantID:         tenantID,
		StoryID:          input.StoryID,
		SiteID:           input.SiteID,
		Section:          input.Section,
		AuthorID:         input.AuthorID,
		ParentID:         input.ParentID,
		ParentRevisionID: input.ParentRevisionID,
		AncestorIDs:      append([]string(nil), input.AncestorIDs...),
		ChildIDs:         []string{},
		ChildCount:       0,
		Status:           input.Status,
		Tags:             append([]comment.Tag(nil), input.Tags...),
		ActionCounts:     map[string]int{},
		Rating:           input.Rating,
		CreatedAt:        now,
	}

	c.AppendRevision(input.Body, input.Metadata, input.Media, nil, now)

	if _, err := s.comments.InsertOne(ctx, c); err != nil {
		return nil, errors.Wrap(err, "could not insert the comment")
	}

	return c, nil
}

// Find will return the comment with the given identity.
func (s *CommentStore) Find(ctx context.Context, tenantID, id string) (*comment.Comment, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
	}

	var c comment.Comment
	if err := s.comments.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, comment.ErrCommentNotFound
		}

		return nil, errors.Wrap(err, "could not find the comment")
	}

	return &c, nil
}

// FindMany will return the comments with the given identities, in the order
// the identities were passed. Identities that do not resolve are skipped; the
// caller is responsible for deciding whether a miss is an error.
func (s *CommentStore) FindMany(ctx context.Context, tenantID string, ids []string) ([]*comment.Comment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: bson.D{
			primitive.E{Key: "$in", Value: ids},
		}},
	}

	cursor, err := s.comments.Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "could not create the cursor")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := cursor.Close(ctx); err != nil {
			panic(err)
		}
	}()

	found := make(map[string]*comment.Comment, len(ids))
	for cursor.Next(ctx) {
		var c comment.Comment
		if err := cursor.Decode(&c); err != nil {
			return nil, errors.Wrap(err, "could not decode result")
		}

		found[c.ID] = &c
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "could not iterate on cursor")
	}

	comments := make([]*comment.Comment, 0, len(found))
	for _, id := range ids {
		if c, ok := found[id]; ok {
			comments = append(comments, c)
		}
	}

	return comments, nil
}

// LinkChild will atomically append the child's identity to the parent's
// childIDs and increment childCount. Both happen in a single update so that
// concurrent replies to the same parent can not lose an append or
// double-increment.
func (s *CommentStore) LinkChild(ctx context.Context, tenantID, parentID, childID string) error {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: parentID},
	}

	res, err := s.comments.UpdateOne(ctx, filter, linkChildUpdate(childID))
	if err != nil {
		return errors.Wrap(err, "could not link the child comment")
	}

	if res.MatchedCount == 0 {
		return comment.ErrCommentNotFound
	}

	return nil
}

// EditInput is the input used to edit a comment.
type EditInput struct {
	ID       string
	AuthorID string
	Body     string
	Metadata map[string]interface{}
	Media    *comment.Media
	Status   comment.Status

	// ActionCounts is a delta applied on top of the comment's aggregate
	// counts. Edits only ever increment.
	ActionCounts map[string]int

	// LastEditableCommentCreatedAt is the oldest creation time that is still
	// inside the tenant's edit window.
	LastEditableCommentCreatedAt time.Time
}

// EditResult carries the pre-image, the computed post-image, and the revision
// that the edit appended, so callers can diff without a second read.
type EditResult struct {
	Before   *comment.Comment
	After    *comment.Comment
	Revision comment.Revision
}

// Edit will apply an edit as a single conditional update. The predicate
// requires the author to match, the status to be editable, the comment to not
// be deleted, and the comment to still be inside the edit window. When the
// predicate fails the comment is re-fetched and the failure is classified
// into a specific typed cause.
func (s *CommentStore) Edit(ctx context.Context, tenantID string, input EditInput, now time.Time) (*EditResult, error) {
	revision := comment.NewRevision(input.Body, input.Metadata, input.Media, input.ActionCounts, now)

	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: input.ID},
		primitive.E{Key: "authorID", Value: input.AuthorID},
		primitive.E{Key: "status", Value: bson.D{
			primitive.E{Key: "$in", Value: comment.EditableStatuses},
		}},
		primitive.E{Key: "deletedAt", Value: bson.D{
			primitive.E{Key: "$exists", Value: false},
		}},
		primitive.E{Key: "createdAt", Value: bson.D{
			primitive.E{Key: "$gt", Value: input.LastEditableCommentCreatedAt},
		}},
	}

	update := bson.D{
		primitive.E{Key: "$push", Value: bson.D{
			primitive.E{Key: "revisions", Value: revision},
		}},
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "status", Value: input.Status},
		}},
	}

	if inc := incrementFields("actionCounts.", input.ActionCounts); len(inc) > 0 {
		update = append(update, primitive.E{Key: "$inc", Value: inc})
	}

	var before comment.Comment
	err := s.comments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.resolveEditFailure(ctx, tenantID, input)
		}

		return nil, errors.Wrap(err, "could not update the comment")
	}

	return &EditResult{
		Before:   &before,
		After:    applyEdit(&before, revision, input.Status, input.ActionCounts),
		Revision: revision,
	}, nil
}

// resolveEditFailure will re-fetch the comment after a failed edit predicate
// and resolve the miss into a specific cause, never an opaque update failure.
func (s *CommentStore) resolveEditFailure(ctx context.Context, tenantID string, input EditInput) error {
	current, err := s.Find(ctx, tenantID, input.ID)
	if err != nil {
		return err
	}

	return classifyEditFailure(current, input.AuthorID, input.LastEditableCommentCreatedAt)
}

// classifyEditFailure resolves a failed edit predicate against the current
// comment. The check order is a deliberate tie-break: identity and
// authorization failures are reported before state and timing failures.
func classifyEditFailure(current *comment.Comment, authorID string, lastEditableCommentCreatedAt time.Time) error {
	switch {
	case current.AuthorID != authorID:
		return comment.ErrAuthorMismatch
	case current.Deleted() || !current.Status.Editable():
		return comment.ErrNotEditable
	case !current.CreatedAt.After(lastEditableCommentCreatedAt):
		return comment.ErrEditWindowExpired
	default:
		// The predicate failed for an unaccounted reason, most likely a
		// concurrent edit that has already been applied.
		return comment.ErrEditConflict
	}
}

// applyEdit computes the post-image of an edit from the pre-image, so that a
// second read is not needed.
func applyEdit(before *comment.Comment, revision comment.Revision, status comment.Status, actionCounts map[string]int) *comment.Comment {
	after := before.Clone()
	after.Revisions = append(after.Revisions, revision)
	after.Status = status

	for key, count := range actionCounts {
		after.ActionCounts[key] += count
	}

	return after
}

// StatusResult carries the pre-image and the computed post-image of a status
// update.
type StatusResult struct {
	Before *comment.Comment
	After  *comment.Comment
}

// UpdateStatus will set the comment's status, conditional on the given
// revision still being present. A nil result with a nil error means the
// status decision was made against a revision that no longer matches; the
// caller should re-derive and retry rather than treat this as a failure.
func (s *CommentStore) UpdateStatus(ctx context.Context, tenantID, id, revisionID string, status comment.Status) (*StatusResult, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
		primitive.E{Key: "revisions.id", Value: revisionID},
	}

	update := bson.D{
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "status", Value: status},
		}},
	}

	var before comment.Comment
	err := s.comments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "could not update the comment status")
	}

	after := before.Clone()
	after.Status = status

	return &StatusResult{Before: &before, After: after}, nil
}

// UpdateActionCounts will atomically increment both the comment-level
// aggregate action counts and the counts embedded in the matching revision.
func (s *CommentStore) UpdateActionCounts(ctx context.Context, tenantID, id, revisionID string, delta map[string]int) (*comment.Comment, error) {
	if len(delta) == 0 {
		return s.Find(ctx, tenantID, id)
	}

	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
		primitive.E{Key: "revisions.id", Value: revisionID},
	}

	inc := incrementFields("actionCounts.", delta)
	inc = append(inc, incrementFields("revisions.$.actionCounts.", delta)...)

	update := bson.D{
		primitive.E{Key: "$inc", Value: inc},
	}

	var after comment.Comment
	err := s.comments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Either the comment is gone, or the revision reference is.
			if _, err := s.Find(ctx, tenantID, id); err != nil {
				return nil, err
			}

			return nil, comment.ErrRevisionNotFound
		}

		return nil, errors.Wrap(err, "could not update the comment action counts")
	}

	return &after, nil
}

// AddTag will attach a tag to the comment. Adding a tag type that is already
// attached is a no-op that returns the current document.
func (s *CommentStore) AddTag(ctx context.Context, tenantID, id string, tag comment.Tag) (*comment.Comment, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
		primitive.E{Key: "tags.type", Value: bson.D{
			primitive.E{Key: "$ne", Value: tag.Type},
		}},
	}

	update := bson.D{
		primitive.E{Key: "$push", Value: bson.D{
			primitive.E{Key: "tags", Value: tag},
		}},
	}

	var after comment.Comment
	err := s.comments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// The tag is already attached, or the comment doesn't exist. Find
			// resolves which.
			return s.Find(ctx, tenantID, id)
		}

		return nil, errors.Wrap(err, "could not add the tag")
	}

	return &after, nil
}

// RemoveTag will detach a tag from the comment. Removing a tag that was never
// attached is silent.
func (s *CommentStore) RemoveTag(ctx context.Context, tenantID, id, tagType string) (*comment.Comment, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
	}

	update := bson.D{
		primitive.E{Key: "$pull", Value: bson.D{
			primitive.E{Key: "tags", Value: bson.D{
				primitive.E{Key: "type", Value: tagType},
			}},
		}},
	}

	var after comment.Comment
	err := s.comments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, comment.ErrCommentNotFound
		}

		return nil, errors.Wrap(err, "could not remove the tag")
	}

	return &after, nil
}

// RemoveAllForStory will delete every comment on the story. This is
// irreversible, and is only used by story deletion. Archiving moves comments,
// it never deletes them.
func (s *CommentStore) RemoveAllForStory(ctx context.Context, tenantID, storyID string) (int64, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "storyID", Value: storyID},
	}

	res, err := s.comments.DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "could not remove the story comments")
	}

	return res.DeletedCount, nil
}

// ReassignStory will move every comment on the old stories onto the new
// story, used when stories are merged.
func (s *CommentStore) ReassignStory(ctx context.Context, tenantID, newStoryID string, oldStoryIDs []string) (int64, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "storyID", Value: bson.D{
			primitive.E{Key: "$in", Value: oldStoryIDs},
		}},
	}

	update := bson.D{
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "storyID", Value: newStoryID},
		}},
	}

	res, err := s.comments.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, errors.Wrap(err, "could not reassign the story comments")
	}

	return res.ModifiedCount, nil
}

// linkChildUpdate builds the single update document that both appends the
// child and bumps the cached cardinality, so the two can never diverge.
func linkChildUpdate(childID string) bson.D {
	return bson.D{
		primitive.E{Key: "$push", Value: bson.D{
			primitive.E{Key: "childIDs", Value: childID},
		}},
		primitive.E{Key: "$inc", Value: bson.D{
			primitive.E{Key: "childCount", Value: 1},
		}},
	}
}

// incrementFields builds a $inc document from a prefix and a delta map.
func incrementFields(prefix string, delta map[string]int) bson.D {
	inc := bson.D{}
	for key, count := range delta {
		inc = append(inc, primitive.E{Key: prefix + key, Value: count})
	}

	return inc
}
