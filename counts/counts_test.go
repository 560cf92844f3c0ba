package counts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comment-store/comment"
)

func TestForComment(t *testing.T) {
	t.Run("approved comment counts only towards status", func(t *testing.T) {
		rcc := ForComment(comment.StatusApproved, map[string]int{comment.ActionTypeReaction: 3})

		assert.Equal(t, 1, rcc.Status.Approved)
		assert.Equal(t, 3, rcc.Action[comment.ActionTypeReaction])
		assert.Equal(t, 0, rcc.ModerationQueue.Total)
	})

	t.Run("unmoderated comment with a flag is also reported", func(t *testing.T) {
		rcc := ForComment(comment.StatusNone, map[string]int{comment.ActionTypeFlag: 1})

		assert.Equal(t, 1, rcc.Status.None)
		assert.Equal(t, 1, rcc.ModerationQueue.Total)
		assert.Equal(t, 1, rcc.ModerationQueue.Queues.Unmoderated)
		assert.Equal(t, 1, rcc.ModerationQueue.Queues.Reported)
		assert.Equal(t, 0, rcc.ModerationQueue.Queues.Pending)
	})

	t.Run("unmoderated comment without a flag is not reported", func(t *testing.T) {
		rcc := ForComment(comment.StatusNone, nil)

		assert.Equal(t, 1, rcc.ModerationQueue.Queues.Unmoderated)
		assert.Equal(t, 0, rcc.ModerationQueue.Queues.Reported)
	})

	t.Run("premod and withheld comments are pending", func(t *testing.T) {
		for _, status := range []comment.Status{comment.StatusPremod, comment.StatusSystemWithheld} {
			rcc := ForComment(status, nil)

			assert.Equal(t, 1, rcc.ModerationQueue.Total)
			assert.Equal(t, 1, rcc.ModerationQueue.Queues.Unmoderated)
			assert.Equal(t, 1, rcc.ModerationQueue.Queues.Pending)
		}
	})

	t.Run("rejected comment leaves the queues alone", func(t *testing.T) {
		rcc := ForComment(comment.StatusRejected, nil)

		assert.Equal(t, 1, rcc.Status.Rejected)
		assert.Equal(t, 0, rcc.ModerationQueue.Total)
	})
}

func TestMerge(t *testing.T) {
	a := ForComment(comment.StatusApproved, map[string]int{comment.ActionTypeReaction: 2})
	b := ForComment(comment.StatusPremod, map[string]int{comment.ActionTypeReaction: 1, comment.ActionTypeFlag: 1})

	a.Merge(&b)

	assert.Equal(t, 1, a.Status.Approved)
	assert.Equal(t, 1, a.Status.Premod)
	assert.Equal(t, 3, a.Action[comment.ActionTypeReaction])
	assert.Equal(t, 1, a.Action[comment.ActionTypeFlag])
	assert.Equal(t, 1, a.ModerationQueue.Total)
	assert.Equal(t, 1, a.ModerationQueue.Queues.Pending)
}

func TestNegated(t *testing.T) {
	rcc := ForComment(comment.StatusNone, map[string]int{comment.ActionTypeFlag: 2})

	negated := rcc.Negated()
	assert.Equal(t, -1, negated.Status.None)
	assert.Equal(t, -2, negated.Action[comment.ActionTypeFlag])
	assert.Equal(t, -1, negated.ModerationQueue.Queues.Reported)

	// Double negation recovers the original counts.
	assert.Equal(t, rcc.Fields(), negated.Negated().Fields())
}

func TestNegatedCancelsOut(t *testing.T) {
	rcc := ForComment(comment.StatusApproved, map[string]int{comment.ActionTypeReaction: 5})

	negated := rcc.Negated()
	rcc.Merge(&negated)

	assert.True(t, rcc.Empty())
}

func TestFields(t *testing.T) {
	t.Run("zero leaves are omitted", func(t *testing.T) {
		assert.Empty(t, New().Fields())

		rcc := ForComment(comment.StatusApproved, nil)
		assert.Equal(t, map[string]int{"status.APPROVED": 1}, rcc.Fields())
	})

	t.Run("round trips through FromFields", func(t *testing.T) {
		rcc := ForComment(comment.StatusNone, map[string]int{comment.ActionTypeFlag: 1, comment.ActionTypeReaction: 4})

		assert.Equal(t, rcc.Fields(), FromFields(rcc.Fields()).Fields())
	})

	t.Run("round trips through FromStrings", func(t *testing.T) {
		rcc := ForComment(comment.StatusPremod, map[string]int{comment.ActionTypeDontAgree: 2})

		fields := make(map[string]string)
		for field, count := range rcc.Fields() {
			fields[field] = map[int]string{1: "1", 2: "2"}[count]
		}

		parsed, err := FromStrings(fields)
		require.NoError(t, err)
		assert.Equal(t, rcc.Fields(), parsed.Fields())
	})

	t.Run("rejects garbage values", func(t *testing.T) {
		_, err := FromStrings(map[string]string{"status.APPROVED": "many"})
		assert.Error(t, err)
	})
}

// Delta application must not depend on the order concurrent callers apply
// their deltas in.
func TestDeltaApplicationCommutes(t *testing.T) {
	deltas := []RelatedCommentCounts{
		ForComment(comment.StatusApproved, map[string]int{comment.ActionTypeReaction: 1}),
		ForComment(comment.StatusPremod, nil).Negated(),
		ForComment(comment.StatusNone, map[string]int{comment.ActionTypeFlag: 3}),
	}

	forward := New()
	for i := range deltas {
		forward.Merge(&deltas[i])
	}

	backward := New()
	for i := len(deltas) - 1; i >= 0; i-- {
		backward.Merge(&deltas[i])
	}

	assert.Equal(t, forward.Fields(), backward.Fields())
}
