// Package service declares the contracts the inbound email pipeline
// consumes. The forum's own post, upload and invite machinery lives
// elsewhere; this pipeline only depends on these boundaries.
package service

import (
	"context"
	"time"

	"github.com/quorum-io/quorum-ce/internal/models"
)

// CreatePostInput describes one forum action for the post service.
// Exactly one of TopicID / CategoryID / Group / IsPrivateMessage
// determines the destination shape.
type CreatePostInput struct {
	User    *models.User
	RawBody string
	Title   string

	// TopicID targets an existing topic; zero means a new topic.
	TopicID    int
	CategoryID int

	// Group set together with IsPrivateMessage starts a group inbox
	// conversation.
	Group            *models.Group
	IsPrivateMessage bool

	// CreatedAt must never exceed min(message date, now).
	CreatedAt time.Time

	ViaEmail bool
	RawEmail string
}

// PostResult is a successful creation.
type PostResult struct {
	Topic *models.Topic
	Post  *models.Post
}

// PostCreator creates posts and topics. A non-empty validation list
// with a nil error means the input was rejected by domain rules.
type PostCreator interface {
	Create(ctx context.Context, input CreatePostInput) (*PostResult, []string, error)
}

// LikeActor records a like on a post. already=true means the user had
// liked it before; callers treat that as success.
type LikeActor interface {
	Like(ctx context.Context, postID int, user *models.User) (already bool, err error)
}

// Uploader persists attachment bytes and returns a handle, or
// validation errors wrapped in err.
type Uploader interface {
	Store(ctx context.Context, owner *models.User, filename, contentType string, data []byte, forGroupMessage bool) (*models.Upload, error)
}

// Inviter adds a user to a private conversation with an audit note
// naming the inviter.
type Inviter interface {
	Invite(ctx context.Context, topicID int, invitee, invitedBy *models.User) error
}

// Unsubscriber executes the unsubscribe-by-email command for a sender.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, user *models.User) error
}

// ScreeningPolicy decides whether mail from an address is refused
// before any processing record exists.
type ScreeningPolicy interface {
	ShouldBlock(ctx context.Context, email string) (bool, error)
}

// AuditLog records operator-visible actions such as revoking a
// sender's mail delivery after repeated bounces.
type AuditLog interface {
	Record(ctx context.Context, action, detail string) error
}
