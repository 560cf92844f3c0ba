package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"comment-store/internal/archive"
	"comment-store/internal/cache"
	"comment-store/internal/recount"
	"comment-store/internal/reconcile"
	"comment-store/internal/store"
)

// connectMongo will connect to the MongoDB instance described by the uri and
// return a handle on the database named in its path component.
func connectMongo(uri string) (*mongo.Client, *mongo.Database, error) {
	// Parse the database name out of the path component of the uri.
	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can not parse the MongoDB URI")
	}
	if len(u.Path) < 2 {
		return nil, nil, errors.Errorf("expected database name in path component of the MongoDB URI, found %s", u.Path)
	}
	databaseName := u.Path[1:]

	// Create a context for connecting to MongoDB.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to MongoDB now.
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot connect to mongo")
	}

	// Ensure we're connected to the primary.
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, nil, errors.Wrap(err, "cannot ping mongo")
	}

	return client, client.Database(databaseName), nil
}

func disconnectMongo(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		panic(err)
	}
}

// connectRedis will connect to the Redis instance backing the counts cache.
func connectRedis(uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Wrap(err, "can not parse the Redis URI")
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "cannot ping redis")
	}

	return client, nil
}

// runMigration drives an archive or unarchive of a single story.
func runMigration(c *cli.Context, unarchive bool) error {
	// Grab the parameters from the flags.
	tenantID := c.String("tenantID")
	storyID := c.String("storyID")
	dryRun := c.Bool("dryRun")

	liveClient, liveDB, err := connectMongo(c.String("mongoDBURI"))
	if err != nil {
		return err
	}
	defer disconnectMongo(liveClient)

	archiveClient, archiveDB, err := connectMongo(c.String("archiveDBURI"))
	if err != nil {
		return err
	}
	defer disconnectMongo(archiveClient)

	redisClient, err := connectRedis(c.String("redisURI"))
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			panic(err)
		}
	}()

	stories := store.NewStoryStore(liveDB)
	reconciler := reconcile.New(stories, cache.NewCountsCache(redisClient))

	migrator := archive.NewMigrator(stories, store.NewMigrationStore(liveDB, archiveDB), reconciler)
	migrator.BatchSize = c.Int("batchSize")
	migrator.Enabled = !c.Bool("disableArchiving")

	if dryRun {
		s, err := stories.Find(c.Context, tenantID, storyID)
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"storyID":       storyID,
			"isArchived":    s.IsArchived,
			"isArchiving":   s.IsArchiving,
			"commentCounts": s.CommentCounts,
		}).Info("not migrating the story as --dryRun is enabled")

		return nil
	}

	started := time.Now()

	if unarchive {
		st, err := migrator.Unarchive(c.Context, tenantID, storyID)
		if err != nil {
			return errors.Wrap(err, "could not unarchive the story")
		}

		logrus.WithFields(logrus.Fields{
			"storyID":    st.ID,
			"isArchived": st.IsArchived,
			"took":       time.Since(started).String(),
		}).Info("story unarchived")

		return nil
	}

	st, err := migrator.Archive(c.Context, tenantID, storyID)
	if err != nil {
		return errors.Wrap(err, "could not archive the story")
	}

	logrus.WithFields(logrus.Fields{
		"storyID":    st.ID,
		"isArchived": st.IsArchived,
		"took":       time.Since(started).String(),
	}).Info("story archived")

	return nil
}

// runRecount rebuilds the denormalized story, user, and site counts for a
// site from the comments themselves, then refreshes the cache to match.
func runRecount(c *cli.Context) error {
	// Grab the parameters from the flags.
	tenantID := c.String("tenantID")
	siteID := c.String("siteID")
	dryRun := c.Bool("dryRun")
	disableWatcher := c.Bool("disableWatcher")

	client, db, err := connectMongo(c.String("mongoDBURI"))
	if err != nil {
		return err
	}
	defer disconnectMongo(client)

	// The cache refresh is optional; without a Redis URI only the primary
	// store is recounted.
	var countsCache recount.Cache
	if redisURI := c.String("redisURI"); redisURI != "" {
		redisClient, err := connectRedis(redisURI)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				panic(err)
			}
		}()

		countsCache = cache.NewCountsCache(redisClient)
	}

	// Start monitoring for updates to the comments collection to ensure that
	// we can tag any stories that might have gotten dirty since we started.
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// Create the watcher, and start it.
	watcher := recount.NewWatcher(db, tenantID, siteID)

	if !disableWatcher {
		logrus.Info("starting watcher")

		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logrus.WithError(err).Fatal("could not watch for changes")
			}
		}()
	} else {
		logrus.Warn("not starting watcher, --disableWatcher was used")
	}

	started := time.Now()

	// The watcher will collect an event for every comment that is inserted or
	// updated since it started watching. We'll use this to trigger targeted
	// re-runs of the recomputation to help ensure that we've scanned
	// everything.

	// Process the stories.
	if err := recount.ProcessStories(ctx, db, countsCache, tenantID, siteID, nil, dryRun); err != nil {
		return errors.Wrap(err, "could not process stories")
	}

	// Process the users.
	if err := recount.ProcessUsers(ctx, db, tenantID, siteID, nil, dryRun); err != nil {
		return errors.Wrap(err, "could not process users")
	}

	// Process the site.
	if err := recount.ProcessSite(ctx, db, countsCache, tenantID, siteID, dryRun); err != nil {
		return errors.Wrap(err, "could not process site")
	}

	if disableWatcher {
		logrus.WithField("took", time.Since(started).String()).Info("finished processing")

		return nil
	}

	for {
		// Get all the dirty story ID's from the watcher. This will also flush
		// these events from the watcher.
		storyIDs := watcher.Dirty()
		if len(storyIDs) == 0 {
			logrus.Info("no more dirty stories were found")
			break
		}

		// Process the dirty stories.
		if err := recount.ProcessStories(ctx, db, countsCache, tenantID, siteID, storyIDs, dryRun); err != nil {
			return errors.Wrap(err, "could not process dirty stories")
		}

		// Process the site.
		if err := recount.ProcessSite(ctx, db, countsCache, tenantID, siteID, dryRun); err != nil {
			return errors.Wrap(err, "could not process dirty site")
		}
	}

	logrus.WithField("took", time.Since(started).String()).Info("finished processing")

	return nil
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func migrationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "tenantID",
			Usage:    "ID for the Tenant that owns the story",
			Required: true,
			EnvVars:  []string{"TENANT_ID"},
		},
		&cli.StringFlag{
			Name:     "storyID",
			Usage:    "ID for the Story being migrated",
			Required: true,
			EnvVars:  []string{"STORY_ID"},
		},
		&cli.StringFlag{
			Name:     "mongoDBURI",
			Usage:    "URI for the live MongoDB instance",
			Required: true,
			EnvVars:  []string{"MONGODB_URI"},
		},
		&cli.StringFlag{
			Name:     "archiveDBURI",
			Usage:    "URI for the archive MongoDB instance",
			Required: true,
			EnvVars:  []string{"ARCHIVE_MONGODB_URI"},
		},
		&cli.StringFlag{
			Name:     "redisURI",
			Usage:    "URI for the Redis instance backing the counts cache",
			Required: true,
			EnvVars:  []string{"REDIS_URI"},
		},
		&cli.IntFlag{
			Name:    "batchSize",
			Usage:   "number of comments to move per batch",
			Value:   archive.DefaultBatchSize,
			EnvVars: []string{"ARCHIVE_BATCH_SIZE"},
		},
		&cli.BoolFlag{
			Name:    "disableArchiving",
			Usage:   "when used, archive and unarchive will refuse to run",
			EnvVars: []string{"DISABLE_ARCHIVING"},
		},
		&cli.BoolFlag{
			Name:    "dryRun",
			Usage:   "when used, this tool will not write any data to the database",
			EnvVars: []string{"DRY_RUN"},
		},
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "comment-store"
	app.Version = fmt.Sprintf("%v, commit %v, built at %v", version, commit, date)
	app.Commands = []*cli.Command{
		{
			Name:  "archive",
			Usage: "move a story's comments and actions into the archive store",
			Flags: migrationFlags(),
			Action: func(c *cli.Context) error {
				return runMigration(c, false)
			},
		},
		{
			Name:  "unarchive",
			Usage: "move a story's comments and actions back into the live store",
			Flags: migrationFlags(),
			Action: func(c *cli.Context) error {
				return runMigration(c, true)
			},
		},
		{
			Name:  "recount",
			Usage: "rebuild the denormalized comment counts for a site",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "tenantID",
					Usage:    "ID for the Tenant we're refreshing counts on",
					Required: true,
					EnvVars:  []string{"TENANT_ID"},
				},
				&cli.StringFlag{
					Name:     "siteID",
					Usage:    "ID for the Site we're refreshing counts on",
					Required: true,
					EnvVars:  []string{"SITE_ID"},
				},
				&cli.StringFlag{
					Name:     "mongoDBURI",
					Usage:    "URI for the MongoDB instance that we're refreshing counts on",
					Required: true,
					EnvVars:  []string{"MONGODB_URI"},
				},
				&cli.StringFlag{
					Name:    "redisURI",
					Usage:   "URI for the Redis instance backing the counts cache",
					EnvVars: []string{"REDIS_URI"},
				},
				&cli.BoolFlag{
					Name:    "dryRun",
					Usage:   "when used, this tool will not write any data to the database",
					EnvVars: []string{"DRY_RUN"},
				},
				&cli.BoolFlag{
					Name:    "disableWatcher",
					Usage:   "when used, this tool will not attempt to watch for changes to prevent races",
					EnvVars: []string{"DISABLE_WATCHER"},
				},
			},
			Action: runRecount,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal()
	}
}
