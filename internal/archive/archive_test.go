package archive

import (
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comment-store/comment"
	"comment-store/counts"
	"comment-store/story"
)

type fakeStories struct {
	stories map[string]*story.Story
}

func (f *fakeStories) Find(_ context.Context, _, id string) (*story.Story, error) {
	s, ok := f.stories[id]
	if !ok {
		return nil, comment.ErrStoryNotFound
	}

	clone := *s
	return &clone, nil
}

func (f *fakeStories) MarkArchiving(_ context.Context, _, id string, archived bool) (*story.Story, error) {
	s, ok := f.stories[id]
	if !ok {
		return nil, comment.ErrStoryNotFound
	}

	// A same-direction migration that is already in flight is taken over;
	// only the opposite direction conflicts.
	if s.IsArchived != archived {
		return nil, comment.ErrStoryArchiving
	}

	s.IsArchiving = true

	clone := *s
	return &clone, nil
}

func (f *fakeStories) MarkArchived(_ context.Context, _, id string) (*story.Story, error) {
	return f.finish(id, true)
}

func (f *fakeStories) MarkUnarchived(_ context.Context, _, id string) (*story.Story, error) {
	return f.finish(id, false)
}

func (f *fakeStories) finish(id string, archived bool) (*story.Story, error) {
	s, ok := f.stories[id]
	if !ok || !s.IsArchiving {
		return nil, comment.ErrStoryNotFound
	}

	s.IsArchiving = false
	s.IsArchived = archived

	clone := *s
	return &clone, nil
}

// fakeMover keeps comments and actions in maps keyed by identity, moving
// them between a live and an archived side the way the store moves documents
// between databases.
type fakeMover struct {
	liveComments     map[string]string // comment id -> story id
	archivedComments map[string]string
	liveActions      map[string]string // action id -> comment id
	archivedActions  map[string]string
	liveModActions   map[string]string
	archivedMod      map[string]string

	commentBatches int

	// batchErr, when set, fails the next comment batch once failAfter batches
	// have completed, simulating a crash mid-migration. It fires once.
	batchErr  error
	failAfter int
}

func newFakeMover() *fakeMover {
	return &fakeMover{
		liveComments:     map[string]string{},
		archivedComments: map[string]string{},
		liveActions:      map[string]string{},
		archivedActions:  map[string]string{},
		liveModActions:   map[string]string{},
		archivedMod:      map[string]string{},
	}
}

func (f *fakeMover) moveComments(src, dst map[string]string, storyID string, limit int) []string {
	ids := make([]string, 0, limit)
	for id, sid := range src {
		if sid == storyID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > limit {
		ids = ids[:limit]
	}

	for _, id := range ids {
		dst[id] = src[id]
		delete(src, id)
	}

	f.commentBatches++

	return ids
}

func moveByComment(src, dst map[string]string, commentIDs []string) {
	members := make(map[string]struct{}, len(commentIDs))
	for _, id := range commentIDs {
		members[id] = struct{}{}
	}

	for id, commentID := range src {
		if _, ok := members[commentID]; ok {
			dst[id] = commentID
			delete(src, id)
		}
	}
}

func (f *fakeMover) ArchiveCommentBatch(_ context.Context, _, storyID string, limit int) ([]string, error) {
	if f.batchErr != nil && f.commentBatches >= f.failAfter {
		err := f.batchErr
		f.batchErr = nil

		return nil, err
	}

	return f.moveComments(f.liveComments, f.archivedComments, storyID, limit), nil
}

func (f *fakeMover) UnarchiveCommentBatch(_ context.Context, _, storyID string, limit int) ([]string, error) {
	return f.moveComments(f.archivedComments, f.liveComments, storyID, limit), nil
}

func (f *fakeMover) ArchiveActions(_ context.Context, _ string, commentIDs []string) error {
	moveByComment(f.liveActions, f.archivedActions, commentIDs)
	return nil
}

func (f *fakeMover) UnarchiveActions(_ context.Context, _ string, commentIDs []string) error {
	moveByComment(f.archivedActions, f.liveActions, commentIDs)
	return nil
}

func (f *fakeMover) ArchiveModerationActions(_ context.Context, _ string, commentIDs []string) error {
	moveByComment(f.liveModActions, f.archivedMod, commentIDs)
	return nil
}

func (f *fakeMover) UnarchiveModerationActions(_ context.Context, _ string, commentIDs []string) error {
	moveByComment(f.archivedMod, f.liveModActions, commentIDs)
	return nil
}

// fakeReconciler folds every applied delta into a running aggregate, the way
// the real reconciler's atomic increments do.
type fakeReconciler struct {
	applied counts.RelatedCommentCounts
	calls   int
}

func (f *fakeReconciler) Apply(_ context.Context, _, _, _ string, delta counts.RelatedCommentCounts) error {
	if delta.Empty() {
		return nil
	}

	f.applied.Merge(&delta)
	f.calls++

	return nil
}

// fixture builds a story with three comments {APPROVED, APPROVED, PREMOD},
// one action, and one moderation action.
func fixture() (*fakeStories, *fakeMover, *fakeReconciler, *Migrator) {
	storyCounts := counts.New()
	for _, status := range []comment.Status{comment.StatusApproved, comment.StatusApproved, comment.StatusPremod} {
		contribution := counts.ForComment(status, nil)
		storyCounts.Merge(&contribution)
	}

	stories := &fakeStories{stories: map[string]*story.Story{
		"story": {
			ID:            "story",
			TenantID:      "tenant",
			SiteID:        "site",
			CommentCounts: storyCounts,
		},
	}}

	mover := newFakeMover()
	mover.liveComments = map[string]string{"c1": "story", "c2": "story", "c3": "story", "other": "another-story"}
	mover.liveActions = map[string]string{"a1": "c1"}
	mover.liveModActions = map[string]string{"m1": "c3"}

	reconciler := &fakeReconciler{applied: counts.New()}

	migrator := NewMigrator(stories, mover, reconciler)
	migrator.BatchSize = 2

	return stories, mover, reconciler, migrator
}

func TestArchive(t *testing.T) {
	stories, mover, reconciler, migrator := fixture()

	s, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	// The story ends archived, not archiving.
	assert.True(t, s.IsArchived)
	assert.False(t, s.IsArchiving)

	// The live store holds no comments for the story, the archive holds all
	// three, and comments of other stories were left alone.
	assert.Equal(t, map[string]string{"other": "another-story"}, mover.liveComments)
	assert.Len(t, mover.archivedComments, 3)
	assert.Len(t, mover.archivedActions, 1)
	assert.Len(t, mover.archivedMod, 1)

	// With a batch size of 2, three comments take two batches plus the empty
	// probe that terminates the loop.
	assert.Equal(t, 3, mover.commentBatches)

	// The entire negated snapshot was applied exactly once, so adding it
	// back onto the original snapshot nets every counter to zero.
	assert.Equal(t, 1, reconciler.calls)
	net := stories.stories["story"].CommentCounts
	net.Merge(&reconciler.applied)
	assert.True(t, net.Empty())
}

func TestArchiveTwiceIsANoOp(t *testing.T) {
	_, mover, reconciler, migrator := fixture()

	_, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	batches := mover.commentBatches
	applied := reconciler.calls

	// The second call returns immediately: no documents moved, no counters
	// changed.
	s, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.True(t, s.IsArchived)
	assert.Equal(t, batches, mover.commentBatches)
	assert.Equal(t, applied, reconciler.calls)
}

func TestArchiveStoryNotFound(t *testing.T) {
	_, _, _, migrator := fixture()

	_, err := migrator.Archive(context.Background(), "tenant", "missing")
	assert.ErrorIs(t, err, comment.ErrStoryNotFound)
}

func TestArchiveDisabled(t *testing.T) {
	_, _, _, migrator := fixture()
	migrator.Enabled = false

	_, err := migrator.Archive(context.Background(), "tenant", "story")
	assert.ErrorIs(t, err, comment.ErrArchivingDisabled)

	_, err = migrator.Unarchive(context.Background(), "tenant", "story")
	assert.ErrorIs(t, err, comment.ErrArchivingDisabled)
}

// A crash between the archiving flag being set and the final flag flip must
// not wedge the story: re-issuing the migration takes over the flag and
// finishes the job.
func TestArchiveResumesAfterCrash(t *testing.T) {
	stories, mover, reconciler, migrator := fixture()
	stories.stories["story"].IsArchiving = true

	s, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.True(t, s.IsArchived)
	assert.False(t, s.IsArchiving)
	assert.Len(t, mover.archivedComments, 3)

	// The counters were applied exactly once across the crash and the retry.
	assert.Equal(t, 1, reconciler.calls)
	net := stories.stories["story"].CommentCounts
	net.Merge(&reconciler.applied)
	assert.True(t, net.Empty())
}

// A migration that dies mid-batch leaves the story flagged as archiving with
// its counters untouched; re-issuing the archive moves the remaining
// documents and applies the counter delta exactly once.
func TestArchiveRetryAfterMidBatchFailure(t *testing.T) {
	stories, mover, reconciler, migrator := fixture()
	mover.batchErr = errors.New("connection reset")
	mover.failAfter = 1

	_, err := migrator.Archive(context.Background(), "tenant", "story")
	require.Error(t, err)

	// The first batch landed in the archive before the failure, the flags are
	// still mid-migration, and no counters were applied.
	assert.Len(t, mover.archivedComments, 2)
	assert.True(t, stories.stories["story"].IsArchiving)
	assert.False(t, stories.stories["story"].IsArchived)
	assert.Zero(t, reconciler.calls)

	s, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.True(t, s.IsArchived)
	assert.False(t, s.IsArchiving)
	assert.Len(t, mover.archivedComments, 3)
	assert.Equal(t, map[string]string{"other": "another-story"}, mover.liveComments)

	assert.Equal(t, 1, reconciler.calls)
	net := stories.stories["story"].CommentCounts
	net.Merge(&reconciler.applied)
	assert.True(t, net.Empty())
}

// The opposite direction must not hijack an interrupted migration: an
// unarchive issued against a story that crashed mid-archive backs off without
// moving anything, leaving the archive free to resume.
func TestUnarchiveDoesNotHijackACrashedArchive(t *testing.T) {
	stories, mover, _, migrator := fixture()
	stories.stories["story"].IsArchiving = true

	s, err := migrator.Unarchive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.False(t, s.IsArchived)
	assert.Zero(t, mover.commentBatches)
	assert.True(t, stories.stories["story"].IsArchiving)
}

func TestUnarchiveLiveStoryIsANoOp(t *testing.T) {
	_, mover, _, migrator := fixture()

	s, err := migrator.Unarchive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.False(t, s.IsArchived)
	assert.Zero(t, mover.commentBatches)
}

// Archiving and then unarchiving a story must restore the original state:
// the same comment identities live again, and the aggregate counters net to
// their pre-archive values.
func TestArchiveUnarchiveRoundTrip(t *testing.T) {
	stories, mover, reconciler, migrator := fixture()
	before := stories.stories["story"].CommentCounts

	_, err := migrator.Archive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	s, err := migrator.Unarchive(context.Background(), "tenant", "story")
	require.NoError(t, err)

	assert.False(t, s.IsArchived)
	assert.False(t, s.IsArchiving)

	// Every document is back where it started.
	assert.Equal(t, map[string]string{"c1": "story", "c2": "story", "c3": "story", "other": "another-story"}, mover.liveComments)
	assert.Empty(t, mover.archivedComments)
	assert.Equal(t, map[string]string{"a1": "c1"}, mover.liveActions)
	assert.Equal(t, map[string]string{"m1": "c3"}, mover.liveModActions)

	// The negated and restored deltas cancel exactly.
	assert.True(t, reconciler.applied.Empty())

	// The story's counts snapshot was never rewritten by the migration.
	assert.Equal(t, before.Fields(), stories.stories["story"].CommentCounts.Fields())
}
