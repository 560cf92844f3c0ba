package recount

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// watchEvent records which comment was written while a recount was running.
type watchEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  struct {
		ID      string `bson:"id"`
		StoryID string `bson:"storyID"`
	} `bson:"fullDocument"`
}

// Watcher tails the comments change stream for writes that land while a
// recount is in flight. Each write dirties its story, and the recount drains
// the dirty set with targeted re-runs until it converges.
type Watcher struct {
	db       *mongo.Database
	tenantID string
	siteID   string
	events   []watchEvent
	mux      sync.Mutex
}

// NewWatcher will return a Watcher scoped to the given tenant and site.
func NewWatcher(db *mongo.Database, tenantID, siteID string) *Watcher {
	return &Watcher{
		db:       db,
		tenantID: tenantID,
		siteID:   siteID,
		events:   make([]watchEvent, 0),
	}
}

// Watch will collect insert and update events on the site's comments until
// the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	// Match only inserts and updates on the tenant and site being recounted.
	cs, err := w.db.Collection("comments").Watch(ctx, mongo.Pipeline{
		bson.D{
			primitive.E{
				Key: "$match",
				Value: bson.D{
					primitive.E{
						Key: "operationType",
						Value: bson.D{
							primitive.E{
								Key:   "$in",
								Value: []string{"insert", "update"},
							},
						},
					},
					primitive.E{
						Key:   "fullDocument.tenantID",
						Value: w.tenantID,
					},
					primitive.E{
						Key:   "fullDocument.siteID",
						Value: w.siteID,
					},
				},
			},
		},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return errors.Wrap(err, "could not watch the change stream")
	}
	defer cs.Close(ctx)

	for cs.Next(ctx) {
		var event watchEvent
		if err := cs.Decode(&event); err != nil {
			return errors.Wrap(err, "could not decode change stream event")
		}

		logrus.WithFields(logrus.Fields{
			"commentID":     event.FullDocument.ID,
			"storyID":       event.FullDocument.StoryID,
			"operationType": event.OperationType,
		}).Info("a comment has been changed, marking its story as dirty")

		w.mux.Lock()
		w.events = append(w.events, event)
		w.mux.Unlock()
	}

	if err := cs.Err(); err != nil {
		// Cancellation is how the recount shuts the watcher down.
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return errors.Wrap(err, "an error occurred while processing the change stream")
	}

	return nil
}

// Dirty will return the stories dirtied since the last call, flushing the
// collected events. An empty result means the recount has converged.
func (w *Watcher) Dirty() []string {
	w.mux.Lock()
	defer w.mux.Unlock()

	if len(w.events) == 0 {
		return nil
	}

	storyIDMap := make(map[string]struct{})
	for _, event := range w.events {
		storyIDMap[event.FullDocument.StoryID] = struct{}{}
	}

	storyIDs := make([]string, 0, len(storyIDMap))
	for storyID := range storyIDMap {
		storyIDs = append(storyIDs, storyID)
	}

	w.events = make([]watchEvent, 0)

	return storyIDs
}
