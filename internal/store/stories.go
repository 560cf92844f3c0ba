package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"comment-store/comment"
	"comment-store/counts"
	"comment-store/story"
)

// StoryStore owns the stories collection.
type StoryStore struct {
	stories *mongo.Collection
}

// NewStoryStore will return a StoryStore over the given database.
func NewStoryStore(db *mongo.Database) *StoryStore {
	return &StoryStore{
		stories: db.Collection("stories"),
	}
}

// Find will return the story with the given identity.
func (s *StoryStore) Find(ctx context.Context, tenantID, id string) (*story.Story, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
	}

	var st story.Story
	if err := s.stories.FindOne(ctx, filter).Decode(&st); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, comment.ErrStoryNotFound
		}

		return nil, errors.Wrap(err, "could not find the story")
	}

	return &st, nil
}

// MarkArchiving will flip the story into the archiving state, conditional on
// its archived flag matching the expected direction. A story that is already
// archiving in the same direction is taken over rather than rejected: the
// counters are only reconciled after the final batch, so resuming a crashed
// migration is safe. Only a migration in the opposite direction is a
// conflict.
func (s *StoryStore) MarkArchiving(ctx context.Context, tenantID, id string, archived bool) (*story.Story, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
		primitive.E{Key: "isArchived", Value: bson.D{
			primitive.E{Key: "$eq", Value: archived},
		}},
	}

	update := bson.D{
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "isArchiving", Value: true},
		}},
	}

	st, err := s.findOneAndUpdate(ctx, filter, update)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Resolve the predicate miss: either the story is gone, or its
			// archived flag flipped underneath us, which means a migration in
			// the other direction got there first.
			if _, err := s.Find(ctx, tenantID, id); err != nil {
				return nil, err
			}

			return nil, comment.ErrStoryArchiving
		}

		return nil, errors.Wrap(err, "could not mark the story as archiving")
	}

	return st, nil
}

// MarkArchived will complete an archive, clearing the archiving flag and
// setting the archived flag, conditional on the story being mid-migration.
func (s *StoryStore) MarkArchived(ctx context.Context, tenantID, id string) (*story.Story, error) {
	return s.finishMigration(ctx, tenantID, id, true)
}

// MarkUnarchived will complete an unarchive, clearing both flags.
func (s *StoryStore) MarkUnarchived(ctx context.Context, tenantID, id string) (*story.Story, error) {
	return s.finishMigration(ctx, tenantID, id, false)
}

func (s *StoryStore) finishMigration(ctx context.Context, tenantID, id string, archived bool) (*story.Story, error) {
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
		primitive.E{Key: "isArchiving", Value: true},
	}

	update := bson.D{
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "isArchiving", Value: false},
			primitive.E{Key: "isArchived", Value: archived},
		}},
	}

	st, err := s.findOneAndUpdate(ctx, filter, update)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, comment.ErrStoryNotFound
		}

		return nil, errors.Wrap(err, "could not finish the story migration")
	}

	return st, nil
}

func (s *StoryStore) findOneAndUpdate(ctx context.Context, filter, update bson.D) (*story.Story, error) {
	var st story.Story
	if err := s.stories.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&st); err != nil {
		return nil, err
	}

	return &st, nil
}

// IncrementCommentCounts will apply a counts delta to the story document with
// one atomic increment per leaf field, never a read-modify-write. Applying an
// empty delta is a no-op.
func (s *StoryStore) IncrementCommentCounts(ctx context.Context, tenantID, id string, delta counts.RelatedCommentCounts) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}

	inc := bson.D{}
	for field, count := range fields {
		inc = append(inc, primitive.E{Key: "commentCounts." + field, Value: count})
	}

	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: id},
	}

	update := bson.D{
		primitive.E{Key: "$inc", Value: inc},
	}

	res, err := s.stories.UpdateOne(ctx, filter, update, options.Update().SetHint(bson.D{
		primitive.E{Key: "tenantID", Value: 1},
		primitive.E{Key: "id", Value: 1},
	}))
	if err != nil {
		return errors.Wrap(err, "could not increment the story comment counts")
	}

	if res.MatchedCount == 0 {
		return comment.ErrStoryNotFound
	}

	return nil
}
