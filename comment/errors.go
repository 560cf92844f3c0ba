package comment

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Not found errors. These are terminal, and are surfaced to the caller
// without being retried.
var (
	// ErrCommentNotFound is returned when a comment could not be found.
	ErrCommentNotFound = errors.New("comment not found")

	// ErrStoryNotFound is returned when a story could not be found.
	ErrStoryNotFound = errors.New("story not found")

	// ErrRevisionNotFound is returned when a referenced revision could not be
	// found. When it is returned because a comment's ledger was empty it marks
	// an integrity violation, as a comment always has at least one revision.
	ErrRevisionNotFound = errors.New("comment revision not found")
)

// Conflict errors. The caller has enough detail to decide whether to re-fetch
// and retry.
var (
	// ErrEditConflict is returned when an edit raced with another write and
	// no more specific cause could be determined.
	ErrEditConflict = errors.New("comment edit conflict")

	// ErrEditWindowExpired is returned when the comment was created before
	// the tenant's edit window.
	ErrEditWindowExpired = errors.New("comment edit window expired")

	// ErrAuthorMismatch is returned when an edit was attempted by a user that
	// is not the comment's author.
	ErrAuthorMismatch = errors.New("comment author mismatch")

	// ErrNotEditable is returned when the comment's current status does not
	// permit author edits, or the comment was deleted.
	ErrNotEditable = errors.New("comment is not editable")

	// ErrStoryArchiving is returned when a migration raced with one in the
	// opposite direction. A migration in the same direction is resumed, not
	// rejected, so a crashed migration can always be re-issued.
	ErrStoryArchiving = errors.New("story is already archiving")
)

// ErrArchivingDisabled is returned when archiving was requested on a
// deployment that has archiving disabled. This is a configuration failure,
// and the caller should fail fast.
var ErrArchivingDisabled = errors.New("archiving is disabled")

// BrokenAncestryError indicates that a comment references an ancestor that no
// longer resolves to a document. Stored invariants were broken elsewhere, so
// this must be surfaced loudly, never masked.
type BrokenAncestryError struct {
	CommentID  string
	MissingIDs []string
}

func (e *BrokenAncestryError) Error() string {
	return fmt.Sprintf("comment %s has broken ancestry, missing ancestors: %s", e.CommentID, strings.Join(e.MissingIDs, ", "))
}
