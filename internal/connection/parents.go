package connection

import (
	"context"

	"github.com/sirupsen/logrus"

	"comment-store/comment"
)

// CommentFinder bulk-fetches comments by identity, preserving input order.
type CommentFinder interface {
	FindMany(ctx context.Context, tenantID string, ids []string) ([]*comment.Comment, error)
}

// Parents will return a page over the comment's ancestor chain, nearest
// ancestor first. The chain is precomputed on the comment, so paging is a
// slice of ancestorIDs followed by a bulk fetch. An ancestor identity that no
// longer resolves is an integrity violation and is never silently tolerated.
func Parents(ctx context.Context, finder CommentFinder, c *comment.Comment, limit, offset int) (*Connection, error) {
	total := len(c.AncestorIDs)

	// A zero limit is defined to return an empty page that reports more
	// parents behind it, rather than erroring.
	if limit == 0 {
		return &Connection{
			PageInfo: PageInfo{HasPreviousPage: true},
		}, nil
	}

	if offset >= total {
		return &Connection{
			PageInfo: PageInfo{HasPreviousPage: offset > 0},
		}, nil
	}

	end := offset + limit
	if end > total {
		end = total
	}

	ids := c.AncestorIDs[offset:end]

	parents, err := finder.FindMany(ctx, c.TenantID, ids)
	if err != nil {
		return nil, err
	}

	if len(parents) != len(ids) {
		found := make(map[string]struct{}, len(parents))
		for _, parent := range parents {
			found[parent.ID] = struct{}{}
		}

		missing := make([]string, 0, len(ids)-len(parents))
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}

		err := &comment.BrokenAncestryError{CommentID: c.ID, MissingIDs: missing}
		logrus.WithFields(logrus.Fields{
			"tenantID":  c.TenantID,
			"commentID": c.ID,
			"missing":   missing,
		}).Error("comment ancestry is broken")

		return nil, err
	}

	conn := &Connection{
		Nodes: parents,
		Edges: make([]Edge, 0, len(parents)),
	}

	for i, parent := range parents {
		conn.Edges = append(conn.Edges, Edge{
			Node:   parent,
			Cursor: OffsetCursor(offset + i + 1),
		})
	}

	conn.PageInfo.HasNextPage = end < total
	conn.PageInfo.HasPreviousPage = offset > 0

	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = &conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = &conn.Edges[len(conn.Edges)-1].Cursor
	}

	return conn, nil
}
