package recount

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"comment-store/comment"
	"comment-store/counts"
)

// MaxBatchWriteSize is the maximum size of batch write operations.
const MaxBatchWriteSize = 200

// Cache refreshes the cached aggregates after a recount. A nil Cache skips
// the refresh.
type Cache interface {
	SetStory(ctx context.Context, tenantID, storyID string, rcc counts.RelatedCommentCounts) error
	SetSite(ctx context.Context, tenantID, siteID string, rcc counts.RelatedCommentCounts) error
}

// scannedComment is the projection of a comment that the recount needs.
type scannedComment struct {
	AuthorID     string         `bson:"authorID"`
	StoryID      string         `bson:"storyID"`
	Status       comment.Status `bson:"status"`
	ActionCounts map[string]int `bson:"actionCounts"`
}

// ProcessStories will scan every comment on the site and rebuild the cached
// counts for each story from scratch. storyIDs are optional, and will limit
// the stories that are processed.
func ProcessStories(ctx context.Context, db *mongo.Database, cache Cache, tenantID, siteID string, storyIDs []string, dryRun bool) error {
	// Create the filter that will limit the documents processed. Soft-deleted
	// comments do not contribute to the aggregates.
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "siteID", Value: siteID},
		primitive.E{Key: "deletedAt", Value: bson.D{
			primitive.E{Key: "$exists", Value: false},
		}},
	}

	// If storyID's are specified (and contains id's), then we should limit
	// this query to only those comments that are from those stories.
	if len(storyIDs) > 0 {
		filter = append(filter, primitive.E{
			Key: "storyID",
			Value: bson.D{
				primitive.E{Key: "$in", Value: storyIDs},
			},
		})
	}

	// Configure the projection to only get fields we care about.
	projection := bson.D{
		primitive.E{Key: "storyID", Value: 1},
		primitive.E{Key: "status", Value: 1},
		primitive.E{Key: "actionCounts", Value: 1},
	}

	// Start querying.
	cursor, err := db.Collection("comments").Find(ctx, filter, options.Find().SetProjection(projection))
	if err != nil {
		return errors.Wrap(err, "could not create the cursor")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := cursor.Close(ctx); err != nil {
			panic(err)
		}
	}()

	// Store all the story counts in this map.
	stories := make(map[string]*counts.RelatedCommentCounts)

	started := time.Now()
	logrus.WithField("siteID", siteID).Info("loading stories from comments")

	// While there is still results to handle, decode the results.
	for cursor.Next(ctx) {
		var c scannedComment
		if err := cursor.Decode(&c); err != nil {
			return errors.Wrap(err, "could not decode result")
		}

		// Create the story counts in the map if it isn't already.
		rcc, ok := stories[c.StoryID]
		if !ok {
			fresh := counts.New()
			rcc = &fresh
			stories[c.StoryID] = rcc
		}

		// Fold this comment's contribution into the story counts.
		contribution := counts.ForComment(c.Status, c.ActionCounts)
		rcc.Merge(&contribution)
	}

	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, "could not iterate on cursor")
	}

	logrus.WithFields(logrus.Fields{
		"stories": len(stories),
		"took":    time.Since(started),
	}).Info("loaded stories from comments")

	// We will collect all the bulk write operations that we'll use to update
	// the stories here.
	updates := make([]mongo.WriteModel, 0)

	// Iterate over the stories in the map.
	for storyID, rcc := range stories {
		// Create the new update.
		update := mongo.NewUpdateOneModel()

		// Select the story we're updating.
		update.SetFilter(bson.D{
			primitive.E{Key: "tenantID", Value: tenantID},
			primitive.E{Key: "siteID", Value: siteID},
			primitive.E{Key: "id", Value: storyID},
		})

		// Update it with the counts.
		update.SetUpdate(bson.D{
			primitive.E{Key: "$set", Value: bson.D{
				primitive.E{Key: "commentCounts", Value: *rcc},
			}},
		})

		update.SetHint(bson.D{
			primitive.E{Key: "tenantID", Value: 1},
			primitive.E{Key: "id", Value: 1},
		})

		// Add the new update model.
		updates = append(updates, update)

		// If we have more updates than the max size, then process them now.
		if len(updates) >= MaxBatchWriteSize {
			if err := flushStoryUpdates(ctx, db, updates, dryRun); err != nil {
				return err
			}

			// Reset the updates slice.
			updates = make([]mongo.WriteModel, 0)
		}
	}

	// If we have updates leftover, process them now.
	if len(updates) > 0 {
		if err := flushStoryUpdates(ctx, db, updates, dryRun); err != nil {
			return err
		}
	}

	// Refresh the cached story aggregates so the cache agrees with the store.
	if cache != nil && !dryRun {
		for storyID, rcc := range stories {
			if err := cache.SetStory(ctx, tenantID, storyID, *rcc); err != nil {
				return errors.Wrap(err, "could not refresh the cached story counts")
			}
		}
	}

	return nil
}

func flushStoryUpdates(ctx context.Context, db *mongo.Database, updates []mongo.WriteModel, dryRun bool) error {
	if dryRun {
		logrus.WithFields(logrus.Fields{
			"updates": len(updates),
		}).Info("not writing bulk story updates as --dryRun is enabled")

		return nil
	}

	res, err := db.Collection("stories").BulkWrite(ctx, updates, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return errors.Wrap(err, "could not bulk write story updates")
	}

	logrus.WithFields(logrus.Fields{
		"updates":  len(updates),
		"modified": res.ModifiedCount,
	}).Info("wrote bulk story updates")

	return nil
}
