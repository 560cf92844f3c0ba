package connection

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"comment-store/comment"
)

// Ordering selects the sort applied to a connection.
type Ordering string

const (
	// CreatedAtDesc orders by creation time, newest first.
	CreatedAtDesc Ordering = "CREATED_AT_DESC"

	// CreatedAtAsc orders by creation time, oldest first.
	CreatedAtAsc Ordering = "CREATED_AT_ASC"

	// RepliesDesc orders by reply count, ties broken by creation time
	// newest first.
	RepliesDesc Ordering = "REPLIES_DESC"

	// ReactionDesc orders by reaction count, ties broken by creation time
	// newest first.
	ReactionDesc Ordering = "REACTION_DESC"
)

// usesOffset returns true for the orderings whose sort field is not unique.
// Those pages are addressed by a running ordinal offset instead of a field
// value.
func (o Ordering) usesOffset() bool {
	return o == RepliesDesc || o == ReactionDesc
}

// Cursor is the boundary of a page: a creation time for the time orderings,
// an ordinal offset for the count orderings.
type Cursor struct {
	CreatedAt *time.Time
	Offset    *int
}

// TimeCursor will return a cursor at the given creation time.
func TimeCursor(t time.Time) Cursor {
	return Cursor{CreatedAt: &t}
}

// OffsetCursor will return a cursor at the given ordinal offset.
func OffsetCursor(n int) Cursor {
	return Cursor{Offset: &n}
}

func (c *Cursor) offset() int {
	if c == nil || c.Offset == nil {
		return 0
	}

	return *c.Offset
}

// Filter scopes the comment set a connection is built over.
type Filter struct {
	StoryID      string
	SiteID       string
	AuthorID     string
	Section      string
	Statuses     []comment.Status
	Tag          string
	TopLevelOnly bool

	// ReactionType is the action type counted by the ReactionDesc ordering.
	// Defaults to REACTION.
	ReactionType string
}

// Edge pairs a node with the cursor that addresses it.
type Edge struct {
	Node   *comment.Comment
	Cursor Cursor
}

// PageInfo describes a page's position in the full set.
type PageInfo struct {
	HasNextPage     bool
	HasPreviousPage bool
	StartCursor     *Cursor
	EndCursor       *Cursor
}

// Connection is a stable, cursor-paginated view over an ordered, filtered
// comment set.
type Connection struct {
	Nodes    []*comment.Comment
	Edges    []Edge
	PageInfo PageInfo
}

// Engine builds connections over the comments collection.
type Engine struct {
	comments *mongo.Collection
}

// NewEngine will return an Engine over the given database.
func NewEngine(db *mongo.Database) *Engine {
	return &Engine{
		comments: db.Collection("comments"),
	}
}

// Find will return one page of the connection described by the filter and
// ordering, starting after the given cursor.
func (e *Engine) Find(ctx context.Context, tenantID string, filter Filter, ordering Ordering, after *Cursor, limit int) (*Connection, error) {
	opts := options.Find().
		SetSort(buildSort(ordering, filter.ReactionType)).
		SetLimit(int64(limit + 1))

	// Offset-addressed orderings page by skipping to the previous endCursor.
	if ordering.usesOffset() && after.offset() > 0 {
		opts.SetSkip(int64(after.offset()))
	}

	cursor, err := e.comments.Find(ctx, buildFilter(tenantID, filter, ordering, after), opts)
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

	nodes := make([]*comment.Comment, 0, limit+1)
	for cursor.Next(ctx) {
		var c comment.Comment
		if err := cursor.Decode(&c); err != nil {
			return nil, errors.Wrap(err, "could not decode result")
		}

		nodes = append(nodes, &c)
	}

	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "could not iterate on cursor")
	}

	return assemble(nodes, ordering, after, limit), nil
}

// buildFilter translates a Filter into the store's query document. The time
// orderings embed the cursor as a createdAt bound.
func buildFilter(tenantID string, filter Filter, ordering Ordering, after *Cursor) bson.D {
	query := bson.D{
		primitive.E{Key: "tenantID", Value: tenantID},
		primitive.E{Key: "deletedAt", Value: bson.D{
			primitive.E{Key: "$exists", Value: false},
		}},
	}

	if filter.StoryID != "" {
		query = append(query, primitive.E{Key: "storyID", Value: filter.StoryID})
	}
	if filter.SiteID != "" {
		query = append(query, primitive.E{Key: "siteID", Value: filter.SiteID})
	}
	if filter.AuthorID != "" {
		query = append(query, primitive.E{Key: "authorID", Value: filter.AuthorID})
	}
	if filter.Section != "" {
		query = append(query, primitive.E{Key: "section", Value: filter.Section})
	}
	if len(filter.Statuses) > 0 {
		query = append(query, primitive.E{Key: "status", Value: bson.D{
			primitive.E{Key: "$in", Value: filter.Statuses},
		}})
	}
	if filter.Tag != "" {
		query = append(query, primitive.E{Key: "tags.type", Value: filter.Tag})
	}
	if filter.TopLevelOnly {
		query = append(query, primitive.E{Key: "parentID", Value: bson.D{
			primitive.E{Key: "$exists", Value: false},
		}})
	}

	if after != nil && after.CreatedAt != nil {
		operator := "$lt"
		if ordering == CreatedAtAsc {
			operator = "$gt"
		}

		query = append(query, primitive.E{Key: "createdAt", Value: bson.D{
			primitive.E{Key: operator, Value: *after.CreatedAt},
		}})
	}

	return query
}

func buildSort(ordering Ordering, reactionType string) bson.D {
	switch ordering {
	case CreatedAtAsc:
		return bson.D{
			primitive.E{Key: "createdAt", Value: 1},
		}
	case RepliesDesc:
		return bson.D{
			primitive.E{Key: "childCount", Value: -1},
			primitive.E{Key: "createdAt", Value: -1},
		}
	case ReactionDesc:
		if reactionType == "" {
			reactionType = comment.ActionTypeReaction
		}

		return bson.D{
			primitive.E{Key: "actionCounts." + reactionType, Value: -1},
			primitive.E{Key: "createdAt", Value: -1},
		}
	default:
		return bson.D{
			primitive.E{Key: "createdAt", Value: -1},
		}
	}
}

// assemble builds the connection from the fetched nodes. One extra node
// beyond the limit is fetched purely to derive hasNextPage.
func assemble(nodes []*comment.Comment, ordering Ordering, after *Cursor, limit int) *Connection {
	hasNextPage := len(nodes) > limit
	if hasNextPage {
		nodes = nodes[:limit]
	}

	conn := &Connection{
		Nodes: nodes,
		Edges: make([]Edge, 0, len(nodes)),
	}

	base := after.offset()
	for i, node := range nodes {
		var cursor Cursor
		if ordering.usesOffset() {
			cursor = OffsetCursor(base + i + 1)
		} else {
			cursor = TimeCursor(node.CreatedAt)
		}

		conn.Edges = append(conn.Edges, Edge{Node: node, Cursor: cursor})
	}

	conn.PageInfo.HasNextPage = hasNextPage
	if ordering.usesOffset() {
		conn.PageInfo.HasPreviousPage = base > 0
	} else {
		conn.PageInfo.HasPreviousPage = after != nil && after.CreatedAt != nil
	}

	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = &conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = &conn.Edges[len(conn.Edges)-1].Cursor
	}

	return conn
}
