package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"comment-store/comment"
)

func editableComment(now time.Time) *comment.Comment {
	c := &comment.Comment{
		ID:           comment.NewID(),
		TenantID:     "tenant",
		AuthorID:     "author",
		Status:       comment.StatusApproved,
		ActionCounts: map[string]int{},
		CreatedAt:    now,
	}
	c.AppendRevision("original", nil, nil, nil, now)

	return c
}

func TestClassifyEditFailure(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-30 * time.Minute)

	t.Run("author mismatch wins over everything else", func(t *testing.T) {
		c := editableComment(now.Add(-2 * time.Hour))
		c.Status = comment.StatusRejected

		// Both the author, the state, and the window disqualify this edit;
		// the author mismatch must be reported first.
		err := classifyEditFailure(c, "somebody-else", windowStart)
		assert.ErrorIs(t, err, comment.ErrAuthorMismatch)
	})

	t.Run("rejected comment is not editable regardless of timing", func(t *testing.T) {
		c := editableComment(now)
		c.Status = comment.StatusRejected

		err := classifyEditFailure(c, "author", windowStart)
		assert.ErrorIs(t, err, comment.ErrNotEditable)
	})

	t.Run("deleted comment is not editable", func(t *testing.T) {
		c := editableComment(now)
		deletedAt := now
		c.DeletedAt = &deletedAt

		err := classifyEditFailure(c, "author", windowStart)
		assert.ErrorIs(t, err, comment.ErrNotEditable)
	})

	t.Run("state is reported before timing", func(t *testing.T) {
		c := editableComment(windowStart.Add(-time.Hour))
		c.Status = comment.StatusSystemWithheld

		err := classifyEditFailure(c, "author", windowStart)
		assert.ErrorIs(t, err, comment.ErrNotEditable)
	})

	t.Run("window expiry for comments created at or before the bound", func(t *testing.T) {
		for _, createdAt := range []time.Time{windowStart, windowStart.Add(-time.Hour)} {
			c := editableComment(createdAt)

			err := classifyEditFailure(c, "author", windowStart)
			assert.ErrorIs(t, err, comment.ErrEditWindowExpired)
		}
	})

	t.Run("unaccounted misses resolve to an edit conflict", func(t *testing.T) {
		c := editableComment(now)

		err := classifyEditFailure(c, "author", windowStart)
		assert.ErrorIs(t, err, comment.ErrEditConflict)
	})
}

func TestApplyEdit(t *testing.T) {
	now := time.Now()
	before := editableComment(now)
	before.ActionCounts[comment.ActionTypeReaction] = 2

	revision := comment.NewRevision("edited", nil, nil, nil, now.Add(time.Minute))
	after := applyEdit(before, revision, comment.StatusPremod, map[string]int{comment.ActionTypeReaction: 1})

	// The post-image reflects the edit.
	require.Len(t, after.Revisions, 2)
	assert.Equal(t, "edited", after.Body())
	assert.Equal(t, comment.StatusPremod, after.Status)
	assert.Equal(t, 3, after.ActionCounts[comment.ActionTypeReaction])

	// The pre-image is untouched.
	require.Len(t, before.Revisions, 1)
	assert.Equal(t, "original", before.Body())
	assert.Equal(t, comment.StatusApproved, before.Status)
	assert.Equal(t, 2, before.ActionCounts[comment.ActionTypeReaction])
}

func TestIncrementFields(t *testing.T) {
	inc := incrementFields("actionCounts.", map[string]int{comment.ActionTypeFlag: 1})

	require.Len(t, inc, 1)
	assert.Equal(t, "actionCounts.FLAG", inc[0].Key)
	assert.Equal(t, 1, inc[0].Value)

	assert.Empty(t, incrementFields("actionCounts.", nil))
}

// LinkChild must express the append and the counter bump as one update
// document so the store applies them atomically: N concurrent replies then
// yield exactly N childIDs and childCount == N.
func TestLinkChildUpdate(t *testing.T) {
	update := linkChildUpdate("child")

	require.Len(t, update, 2)

	push, ok := update[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$push", update[0].Key)
	assert.Equal(t, primitive.E{Key: "childIDs", Value: "child"}, push[0])

	inc, ok := update[1].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$inc", update[1].Key)
	assert.Equal(t, primitive.E{Key: "childCount", Value: 1}, inc[0])
}
