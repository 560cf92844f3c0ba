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

	"comment-store/counts"
	"comment-store/story"
)

// ProcessSite will rebuild a site's counts from the story documents that
// compose the values for that.
func ProcessSite(ctx context.Context, db *mongo.Database, cache Cache, tenantID, siteID string, dryRun bool) error {
	// Create the filter that will limit the documents processed.
	filter := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "siteID", Value: siteID},
	}

	// Configure the projection to only get fields we care about.
	projection := bson.D{
		primitive.E{Key: "id", Value: 1},
		primitive.E{Key: "commentCounts", Value: 1},
	}

	// Start querying.
	cursor, err := db.Collection("stories").Find(ctx, filter, options.Find().SetProjection(projection))
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

	// Store all the counts for this site.
	siteCounts := counts.New()

	started := time.Now()
	logrus.Info("loading counts from site stories")

	// While there is still results to handle, decode the results.
	for cursor.Next(ctx) {
		var st story.Story
		if err := cursor.Decode(&st); err != nil {
			return errors.Wrap(err, "could not decode result")
		}

		// Fold the story's counts into the site counts.
		siteCounts.Merge(&st.CommentCounts)
	}

	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, "could not iterate on cursor")
	}

	logrus.WithField("took", time.Since(started)).Info("loaded counts from site stories")

	if dryRun {
		logrus.WithFields(logrus.Fields{
			"commentCounts": siteCounts,
		}).Info("not writing site update as --dryRun is enabled")

		return nil
	}

	started = time.Now()
	logrus.Info("updating site")

	// Update the site.
	if _, err := db.Collection("sites").UpdateOne(ctx, bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: siteID},
	}, bson.D{
		primitive.E{Key: "$set", Value: bson.D{
			primitive.E{Key: "commentCounts", Value: siteCounts},
		}},
	}); err != nil {
		return errors.Wrap(err, "could not update the site")
	}

	// Refresh the cached site aggregate so the cache agrees with the store.
	if cache != nil {
		if err := cache.SetSite(ctx, tenantID, siteID, siteCounts); err != nil {
			return errors.Wrap(err, "could not refresh the cached site counts")
		}
	}

	logrus.WithFields(logrus.Fields{
		"id":   siteID,
		"took": time.Since(started),
	}).Info("site updated")

	return nil
}
