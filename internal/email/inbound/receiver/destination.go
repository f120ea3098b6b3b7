package receiver

import (
	"context"
	"strings"

	"github.com/quorum-io/quorum-ce/internal/email/inbound/message"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// DestinationKind tags the resolved forum action.
type DestinationKind int

const (
	DestinationReply DestinationKind = iota
	DestinationGroupInbox
	DestinationCategoryInbox
	DestinationUnsubscribe
)

// Destination is the resolved target of one message. Exactly one of
// the entity fields is set, matching Kind.
type Destination struct {
	Kind     DestinationKind
	Post     *models.Post
	Topic    *models.Topic
	Group    *models.Group
	Category *models.Category
}

const unsubscribeToken = "unsubscribe"

// resolveDestination decides which forum action the message maps to.
// Thread continuation wins over everything; then the unsubscribe
// command; then address-based resolution in header order. Addresses
// that match nothing are skipped, not errored.
func (r *Receiver) resolveDestination(ctx context.Context, msg *message.Message, body string) (*Destination, error) {
	if dest, err := r.resolveThread(ctx, msg); dest != nil || err != nil {
		return dest, err
	}

	if r.mail.UnsubscribeViaEmail && isUnsubscribeRequest(msg.Subject, body) {
		return &Destination{Kind: DestinationUnsubscribe}, nil
	}

	for _, addr := range msg.Destinations {
		dest, err := r.resolveAddress(ctx, addr, msg)
		if err != nil {
			return nil, err
		}
		if dest != nil {
			return dest, nil
		}
	}
	return nil, newError(KindBadDestinationAddress, "no destination resolves for %s", strings.Join(msg.Destinations, ", "))
}

// resolveThread matches In-Reply-To/References against prior incoming
// records and outbound delivery logs. A hit means the message is a
// reply to an existing post regardless of its recipient addresses.
func (r *Receiver) resolveThread(ctx context.Context, msg *message.Message) (*Destination, error) {
	if len(msg.ReferenceIDs) == 0 {
		return nil, nil
	}
	prior, err := r.emails.FindPostByMessageIDs(ctx, msg.ReferenceIDs)
	if err != nil {
		r.logf("receiver: prior record lookup failed: %v", err)
	}
	postID := 0
	if prior != nil && prior.PostID != nil {
		postID = *prior.PostID
	}
	if postID == 0 {
		log, err := r.emailLogs.FindByMessageIDs(ctx, msg.ReferenceIDs)
		if err != nil {
			r.logf("receiver: email log thread lookup failed: %v", err)
		}
		if log != nil {
			postID = log.PostID
		}
	}
	if postID == 0 {
		return nil, nil
	}
	post, err := r.posts.GetByID(ctx, postID)
	if err != nil {
		r.logf("receiver: post %d lookup failed: %v", postID, err)
		return nil, nil
	}
	if post == nil {
		return nil, nil
	}
	return &Destination{Kind: DestinationReply, Post: post}, nil
}

func isUnsubscribeRequest(subject, body string) bool {
	return strings.EqualFold(strings.TrimSpace(subject), unsubscribeToken) ||
		strings.EqualFold(strings.TrimSpace(body), unsubscribeToken)
}

// resolveAddress checks one destination address: group inbox, then
// category inbox, then the reply-by-email pattern. (nil, nil) means
// this address matches nothing and the next one should be tried.
func (r *Receiver) resolveAddress(ctx context.Context, addr string, msg *message.Message) (*Destination, error) {
	group, err := r.groups.FindByEmail(ctx, addr)
	if err != nil {
		r.logf("receiver: group lookup for %s failed: %v", addr, err)
	}
	if group != nil {
		return &Destination{Kind: DestinationGroupInbox, Group: group}, nil
	}

	category, err := r.categories.FindByEmail(ctx, addr)
	if err != nil {
		r.logf("receiver: category lookup for %s failed: %v", addr, err)
	}
	if category != nil {
		return &Destination{Kind: DestinationCategoryInbox, Category: category}, nil
	}

	key := r.mail.ReplyKeyFor(addr)
	if key == "" {
		return nil, nil
	}
	log, err := r.emailLogs.FindByReplyKey(ctx, key)
	if err != nil {
		r.logf("receiver: reply key lookup failed: %v", err)
		return nil, nil
	}
	if log == nil {
		return nil, nil
	}
	if !strings.EqualFold(r.ownerEmail(ctx, log.UserID), msg.FromAddress) {
		return nil, newError(KindReplyUserNotMatching, "reply key %s belongs to another user", key)
	}
	post, err := r.posts.GetByID(ctx, log.PostID)
	if err != nil || post == nil {
		return nil, newError(KindTopicNotFound, "post %d for reply key %s is gone", log.PostID, key)
	}
	return &Destination{Kind: DestinationReply, Post: post}, nil
}

func (r *Receiver) ownerEmail(ctx context.Context, userID int) string {
	owner, err := r.users.GetByID(ctx, userID)
	if err != nil || owner == nil {
		return ""
	}
	return owner.Email
}

// validateDestination enforces per-destination policy: reply targets
// must still exist and be open; category inboxes gate staged senders
// and minimum trust level.
func (r *Receiver) validateDestination(ctx context.Context, dest *Destination, user *models.User) error {
	switch dest.Kind {
	case DestinationReply:
		topic, err := r.topics.GetByID(ctx, dest.Post.TopicID)
		if err != nil {
			return wrapError(KindTopicNotFound, err, "topic %d lookup failed", dest.Post.TopicID)
		}
		if topic == nil || topic.Trashed() {
			return newError(KindTopicNotFound, "topic %d is gone", dest.Post.TopicID)
		}
		if topic.Closed {
			return newError(KindTopicClosed, "topic %d is closed", topic.ID)
		}
		dest.Topic = topic
	case DestinationCategoryInbox:
		if user.Staged && !dest.Category.EmailInAllowStaged {
			return newError(KindStrangersNotAllowed, "category %s does not accept staged senders", dest.Category.Name)
		}
		if user.TrustLevel < dest.Category.MinimumTrustLevel {
			return newError(KindInsufficientTrustLevel, "category %s requires trust level %d", dest.Category.Name, dest.Category.MinimumTrustLevel)
		}
	}
	return nil
}
