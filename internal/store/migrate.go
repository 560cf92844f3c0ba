package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MigrationStore moves comment, comment action, and moderation action
// documents between the live and archive databases. Every move is a bulk
// insert into the destination followed by a bulk delete of the same
// identities from the source. The two are not atomic together: a crash in
// between can leave documents in both places, which a retry cleans up because
// the insert tolerates duplicates and the delete is idempotent.
type MigrationStore struct {
	live    *mongo.Database
	archive *mongo.Database
}

// NewMigrationStore will return a MigrationStore over the live and archive
// databases.
func NewMigrationStore(live, archive *mongo.Database) *MigrationStore {
	return &MigrationStore{
		live:    live,
		archive: archive,
	}
}

// ArchiveCommentBatch will move up to limit comments for the story from the
// live database into the archive, returning the moved identities. An empty
// result means there is nothing left to move.
func (m *MigrationStore) ArchiveCommentBatch(ctx context.Context, tenantID, storyID string, limit int) ([]string, error) {
	return m.moveBatch(ctx, m.live.Collection("comments"), m.archive.Collection("comments"), tenantID, storyFilter(tenantID, storyID), limit)
}

// UnarchiveCommentBatch is the mirror of ArchiveCommentBatch.
func (m *MigrationStore) UnarchiveCommentBatch(ctx context.Context, tenantID, storyID string, limit int) ([]string, error) {
	return m.moveBatch(ctx, m.archive.Collection("comments"), m.live.Collection("comments"), tenantID, storyFilter(tenantID, storyID), limit)
}

// ArchiveActions will move the comment actions for the given comments into
// the archive.
func (m *MigrationStore) ArchiveActions(ctx context.Context, tenantID string, commentIDs []string) error {
	_, err := m.moveBatch(ctx, m.live.Collection("commentActions"), m.archive.Collection("commentActions"), tenantID, commentsFilter(tenantID, commentIDs), 0)
	return err
}

// UnarchiveActions is the mirror of ArchiveActions.
func (m *MigrationStore) UnarchiveActions(ctx context.Context, tenantID string, commentIDs []string) error {
	_, err := m.moveBatch(ctx, m.archive.Collection("commentActions"), m.live.Collection("commentActions"), tenantID, commentsFilter(tenantID, commentIDs), 0)
	return err
}

// ArchiveModerationActions will move the moderation actions for the given
// comments into the archive.
func (m *MigrationStore) ArchiveModerationActions(ctx context.Context, tenantID string, commentIDs []string) error {
	_, err := m.moveBatch(ctx, m.live.Collection("commentModerationActions"), m.archive.Collection("commentModerationActions"), tenantID, commentsFilter(tenantID, commentIDs), 0)
	return err
}

// UnarchiveModerationActions is the mirror of ArchiveModerationActions.
func (m *MigrationStore) UnarchiveModerationActions(ctx context.Context, tenantID string, commentIDs []string) error {
	_, err := m.moveBatch(ctx, m.archive.Collection("commentModerationActions"), m.live.Collection("commentModerationActions"), tenantID, commentsFilter(tenantID, commentIDs), 0)
	return err
}

func storyFilter(tenantID, storyID string) bson.D {
	return bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "storyID", Value: storyID},
	}
}

func commentsFilter(tenantID string, commentIDs []string) bson.D {
	return bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "commentID", Value: bson.D{
			primitive.E{Key: "$in", Value: commentIDs},
		}},
	}
}

// moveBatch will copy the documents matching the filter from src into dst,
// then delete them from src by identity. Documents are carried as raw bson so
// that a move never drops fields this build doesn't model.
func (m *MigrationStore) moveBatch(ctx context.Context, src, dst *mongo.Collection, tenantID string, filter bson.D, limit int) ([]string, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := src.Find(ctx, filter, opts)
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

	docs := make([]interface{}, 0, limit)
	ids := make([]string, 0, limit)

	for cursor.Next(ctx) {
		doc := make(bson.Raw, len(cursor.Current))
		copy(doc, cursor.Current)

		id, err := doc.LookupErr("id")
		if err != nil {
			return nil, errors.Wrap(err, "document is missing an id")
		}

		docs = append(docs, doc)
		ids = append(ids, id.StringValue())
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "could not iterate on cursor")
	}

	if len(docs) == 0 {
		return nil, nil
	}

	// A retried migration can find documents that were already copied by a
	// previous attempt, so duplicate keys on the destination are expected and
	// tolerated.
	if _, err := dst.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, errors.Wrap(err, "could not insert documents into the destination")
	}

	if _, err := src.DeleteMany(ctx, bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "id", Value: bson.D{
			primitive.E{Key: "$in", Value: ids},
		}},
	}); err != nil {
		return nil, errors.Wrap(err, "could not delete documents from the source")
	}

	return ids, nil
}
