package archive

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comment-store/comment"
	"comment-store/counts"
	"comment-store/story"
)

// DefaultBatchSize is the number of comments moved per batch.
const DefaultBatchSize = 100

// Stories drives the story migration state machine via conditional updates.
type Stories interface {
	Find(ctx context.Context, tenantID, id string) (*story.Story, error)
	MarkArchiving(ctx context.Context, tenantID, id string, archived bool) (*story.Story, error)
	MarkArchived(ctx context.Context, tenantID, id string) (*story.Story, error)
	MarkUnarchived(ctx context.Context, tenantID, id string) (*story.Story, error)
}

// Mover moves documents between the live and archive stores in batches. A
// batch is an insert into the destination followed by a delete from the
// source; both sides must be idempotent so a crashed migration can be
// retried.
type Mover interface {
	ArchiveCommentBatch(ctx context.Context, tenantID, storyID string, limit int) ([]string, error)
	UnarchiveCommentBatch(ctx context.Context, tenantID, storyID string, limit int) ([]string, error)
	ArchiveActions(ctx context.Context, tenantID string, commentIDs []string) error
	UnarchiveActions(ctx context.Context, tenantID string, commentIDs []string) error
	ArchiveModerationActions(ctx context.Context, tenantID string, commentIDs []string) error
	UnarchiveModerationActions(ctx context.Context, tenantID string, commentIDs []string) error
}

// Reconciler applies a counts delta to the story and cache aggregates.
type Reconciler interface {
	Apply(ctx context.Context, tenantID, siteID, storyID string, delta counts.RelatedCommentCounts) error
}

// Migrator moves a story's comments, comment actions, and moderation actions
// between the live and archive stores, and keeps the aggregate counters
// consistent across the move. A migration is at-least-once: a crash mid-way
// leaves the story flagged as still migrating with its counters untouched,
// and re-issuing the call finishes the job.
type Migrator struct {
	stories    Stories
	mover      Mover
	reconciler Reconciler

	// BatchSize bounds how many comments are moved per batch.
	BatchSize int

	// Enabled gates archiving for the whole deployment. When false, both
	// entry points fail fast.
	Enabled bool
}

// NewMigrator will return a Migrator with the default batch size.
func NewMigrator(stories Stories, mover Mover, reconciler Reconciler) *Migrator {
	return &Migrator{
		stories:    stories,
		mover:      mover,
		reconciler: reconciler,
		BatchSize:  DefaultBatchSize,
		Enabled:    true,
	}
}

// Archive will move the story's documents from the live store into the
// archive and subtract the story's contribution from the aggregate counters.
// Archiving an already archived story is a no-op.
func (m *Migrator) Archive(ctx context.Context, tenantID, storyID string) (*story.Story, error) {
	if !m.Enabled {
		return nil, comment.ErrArchivingDisabled
	}

	s, err := m.stories.Find(ctx, tenantID, storyID)
	if err != nil {
		return nil, err
	}

	if s.IsArchived {
		return s, nil
	}

	if s, err = m.stories.MarkArchiving(ctx, tenantID, storyID, false); err != nil {
		return nil, err
	}

	if err := m.moveAll(ctx, tenantID, storyID, false); err != nil {
		return nil, err
	}

	// All batches are moved; subtract the story's contribution from the
	// aggregates and flip the flags. Deferring these to the end is what makes
	// a crashed migration safe to retry.
	if err := m.reconciler.Apply(ctx, tenantID, s.SiteID, storyID, s.CommentCounts.Negated()); err != nil {
		return nil, err
	}

	return m.stories.MarkArchived(ctx, tenantID, storyID)
}

// Unarchive is the exact mirror of Archive: documents move from the archive
// back into the live store, and the story's counts are restored without
// negation.
func (m *Migrator) Unarchive(ctx context.Context, tenantID, storyID string) (*story.Story, error) {
	if !m.Enabled {
		return nil, comment.ErrArchivingDisabled
	}

	s, err := m.stories.Find(ctx, tenantID, storyID)
	if err != nil {
		return nil, err
	}

	if !s.IsArchived {
		return s, nil
	}

	if s, err = m.stories.MarkArchiving(ctx, tenantID, storyID, true); err != nil {
		return nil, err
	}

	if err := m.moveAll(ctx, tenantID, storyID, true); err != nil {
		return nil, err
	}

	if err := m.reconciler.Apply(ctx, tenantID, s.SiteID, storyID, s.CommentCounts); err != nil {
		return nil, err
	}

	return m.stories.MarkUnarchived(ctx, tenantID, storyID)
}

// moveAll drains the source store batch by batch. The loop is sequential to
// bound memory and to keep the moved-identity tracking correct; independent
// stories can still migrate concurrently.
func (m *Migrator) moveAll(ctx context.Context, tenantID, storyID string, unarchive bool) error {
	batchSize := m.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	started := time.Now()
	moved := 0

	for {
		var (
			ids []string
			err error
		)

		if unarchive {
			ids, err = m.mover.UnarchiveCommentBatch(ctx, tenantID, storyID, batchSize)
		} else {
			ids, err = m.mover.ArchiveCommentBatch(ctx, tenantID, storyID, batchSize)
		}
		if err != nil {
			return errors.Wrap(err, "could not move a comment batch")
		}

		if len(ids) == 0 {
			break
		}

		// Move the actions that hang off the comments we just moved.
		if unarchive {
			err = m.mover.UnarchiveActions(ctx, tenantID, ids)
		} else {
			err = m.mover.ArchiveActions(ctx, tenantID, ids)
		}
		if err != nil {
			return errors.Wrap(err, "could not move comment actions")
		}

		if unarchive {
			err = m.mover.UnarchiveModerationActions(ctx, tenantID, ids)
		} else {
			err = m.mover.ArchiveModerationActions(ctx, tenantID, ids)
		}
		if err != nil {
			return errors.Wrap(err, "could not move comment moderation actions")
		}

		moved += len(ids)

		logrus.WithFields(logrus.Fields{
			"tenantID": tenantID,
			"storyID":  storyID,
			"batch":    len(ids),
			"moved":    moved,
		}).Info("moved comment batch")
	}

	logrus.WithFields(logrus.Fields{
		"tenantID": tenantID,
		"storyID":  storyID,
		"moved":    moved,
		"took":     time.Since(started).String(),
	}).Info("finished moving story documents")

	return nil
}
