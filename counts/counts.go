package counts

import (
	"strconv"
	"strings"

	"comment-store/comment"
)

// CommentStatusCounts is the per-status breakdown of comments.
type CommentStatusCounts struct {
	Approved       int `bson:"APPROVED"`
	None           int `bson:"NONE"`
	Premod         int `bson:"PREMOD"`
	Rejected       int `bson:"REJECTED"`
	SystemWithheld int `bson:"SYSTEM_WITHHELD"`
}

// CommentModerationQueueCounts is the per-queue breakdown of comments that
// are in the moderation queues.
type CommentModerationQueueCounts struct {
	Unmoderated int `bson:"unmoderated"`
	Reported    int `bson:"reported"`
	Pending     int `bson:"pending"`
}

// CommentModerationQueue is the moderation queue breakdown, a total plus the
// per-queue totals.
type CommentModerationQueue struct {
	Total  int                          `bson:"total"`
	Queues CommentModerationQueueCounts `bson:"queues"`
}

// CommentActionCounts maps an action type to its total.
type CommentActionCounts map[string]int

// RelatedCommentCounts is the denormalized comment counter aggregate attached
// to a story and mirrored, pre-aggregated, in the cache per story and per
// site. All leaves are signed so that a RelatedCommentCounts can also carry a
// delta.
type RelatedCommentCounts struct {
	Action          CommentActionCounts    `bson:"action"`
	Status          CommentStatusCounts    `bson:"status"`
	ModerationQueue CommentModerationQueue `bson:"moderationQueue"`
}

// New will return an empty RelatedCommentCounts with the action map
// initialized.
func New() RelatedCommentCounts {
	return RelatedCommentCounts{
		Action: make(CommentActionCounts),
	}
}

// Merge will add every leaf counter of the other counts onto this one.
func (rcc *RelatedCommentCounts) Merge(other *RelatedCommentCounts) {
	// Action
	if rcc.Action == nil && len(other.Action) > 0 {
		rcc.Action = make(CommentActionCounts, len(other.Action))
	}
	for key, count := range other.Action {
		rcc.Action[key] += count
	}

	// Status
	rcc.Status.Approved += other.Status.Approved
	rcc.Status.None += other.Status.None
	rcc.Status.Premod += other.Status.Premod
	rcc.Status.Rejected += other.Status.Rejected
	rcc.Status.SystemWithheld += other.Status.SystemWithheld

	// ModerationQueue
	rcc.ModerationQueue.Total += other.ModerationQueue.Total
	rcc.ModerationQueue.Queues.Unmoderated += other.ModerationQueue.Queues.Unmoderated
	rcc.ModerationQueue.Queues.Reported += other.ModerationQueue.Queues.Reported
	rcc.ModerationQueue.Queues.Pending += other.ModerationQueue.Queues.Pending
}

// Scaled will return a copy with every leaf counter multiplied by the factor.
func (rcc RelatedCommentCounts) Scaled(factor int) RelatedCommentCounts {
	scaled := New()

	for key, count := range rcc.Action {
		scaled.Action[key] = count * factor
	}

	scaled.Status.Approved = rcc.Status.Approved * factor
	scaled.Status.None = rcc.Status.None * factor
	scaled.Status.Premod = rcc.Status.Premod * factor
	scaled.Status.Rejected = rcc.Status.Rejected * factor
	scaled.Status.SystemWithheld = rcc.Status.SystemWithheld * factor

	scaled.ModerationQueue.Total = rcc.ModerationQueue.Total * factor
	scaled.ModerationQueue.Queues.Unmoderated = rcc.ModerationQueue.Queues.Unmoderated * factor
	scaled.ModerationQueue.Queues.Reported = rcc.ModerationQueue.Queues.Reported * factor
	scaled.ModerationQueue.Queues.Pending = rcc.ModerationQueue.Queues.Pending * factor

	return scaled
}

// Negated will return a copy with every leaf counter negated. Negating twice
// recovers the original counts.
func (rcc RelatedCommentCounts) Negated() RelatedCommentCounts {
	return rcc.Scaled(-1)
}

// Empty will return true when every leaf counter is zero.
func (rcc RelatedCommentCounts) Empty() bool {
	return len(rcc.Fields()) == 0
}

// Fields will flatten the counts into dotted leaf paths, omitting zero
// leaves. The same flattening feeds both the store's $inc document and the
// cache's per-field increments, which keeps delta application commutative
// and a zero delta a no-op.
func (rcc RelatedCommentCounts) Fields() map[string]int {
	fields := make(map[string]int)

	for key, count := range rcc.Action {
		if count != 0 {
			fields["action."+key] = count
		}
	}

	statuses := map[string]int{
		"APPROVED":        rcc.Status.Approved,
		"NONE":            rcc.Status.None,
		"PREMOD":          rcc.Status.Premod,
		"REJECTED":        rcc.Status.Rejected,
		"SYSTEM_WITHHELD": rcc.Status.SystemWithheld,
	}
	for key, count := range statuses {
		if count != 0 {
			fields["status."+key] = count
		}
	}

	queues := map[string]int{
		"total":              rcc.ModerationQueue.Total,
		"queues.unmoderated": rcc.ModerationQueue.Queues.Unmoderated,
		"queues.reported":    rcc.ModerationQueue.Queues.Reported,
		"queues.pending":     rcc.ModerationQueue.Queues.Pending,
	}
	for key, count := range queues {
		if count != 0 {
			fields["moderationQueue."+key] = count
		}
	}

	return fields
}

// FromFields will rebuild a RelatedCommentCounts from the dotted leaf paths
// produced by Fields.
func FromFields(fields map[string]int) RelatedCommentCounts {
	rcc := New()

	for field, count := range fields {
		switch {
		case strings.HasPrefix(field, "action."):
			rcc.Action[strings.TrimPrefix(field, "action.")] = count
		case field == "status.APPROVED":
			rcc.Status.Approved = count
		case field == "status.NONE":
			rcc.Status.None = count
		case field == "status.PREMOD":
			rcc.Status.Premod = count
		case field == "status.REJECTED":
			rcc.Status.Rejected = count
		case field == "status.SYSTEM_WITHHELD":
			rcc.Status.SystemWithheld = count
		case field == "moderationQueue.total":
			rcc.ModerationQueue.Total = count
		case field == "moderationQueue.queues.unmoderated":
			rcc.ModerationQueue.Queues.Unmoderated = count
		case field == "moderationQueue.queues.reported":
			rcc.ModerationQueue.Queues.Reported = count
		case field == "moderationQueue.queues.pending":
			rcc.ModerationQueue.Queues.Pending = count
		}
	}

	return rcc
}

// FromStrings will rebuild a RelatedCommentCounts from stringly-typed leaf
// paths, as returned by the cache.
func FromStrings(fields map[string]string) (RelatedCommentCounts, error) {
	parsed := make(map[string]int, len(fields))
	for field, value := range fields {
		count, err := strconv.Atoi(value)
		if err != nil {
			return RelatedCommentCounts{}, err
		}

		parsed[field] = count
	}

	return FromFields(parsed), nil
}

// ForComment will return the contribution a single comment makes to the
// aggregate counts, based on its status and action counts.
func ForComment(status comment.Status, actionCounts map[string]int) RelatedCommentCounts {
	rcc := New()

	// Action
	for key, count := range actionCounts {
		rcc.Action[key] += count
	}

	// Status
	switch status {
	case comment.StatusApproved:
		rcc.Status.Approved++
	case comment.StatusNone:
		rcc.Status.None++
	case comment.StatusPremod:
		rcc.Status.Premod++
	case comment.StatusRejected:
		rcc.Status.Rejected++
	case comment.StatusSystemWithheld:
		rcc.Status.SystemWithheld++
	}

	// ModerationQueue
	switch status {
	case comment.StatusNone:
		rcc.ModerationQueue.Total++
		rcc.ModerationQueue.Queues.Unmoderated++

		// If this comment has a flag on it, then it should also be in the
		// reported queue.
		if count, ok := actionCounts[comment.ActionTypeFlag]; ok && count > 0 {
			rcc.ModerationQueue.Queues.Reported++
		}
	case comment.StatusPremod, comment.StatusSystemWithheld:
		rcc.ModerationQueue.Total++
		rcc.ModerationQueue.Queues.Unmoderated++
		rcc.ModerationQueue.Queues.Pending++
	}

	return rcc
}
