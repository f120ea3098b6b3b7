// Package receiver turns one raw inbound email into one forum action:
// a reply, a new topic, a private message, an unsubscribe, or a like.
// Every run owns exactly one processing record; every failure is
// persisted on that record and returned to the caller, which owns
// retry policy.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/quorum-io/quorum-ce/internal/cache"
	"github.com/quorum-io/quorum-ce/internal/config"
	"github.com/quorum-io/quorum-ce/internal/email/inbound/message"
	"github.com/quorum-io/quorum-ce/internal/models"
	"github.com/quorum-io/quorum-ce/internal/service"
)

type incomingEmailStore interface {
	// FindOrCreate is keyed on the message id; duplicate delivery must
	// come back with the existing row.
	FindOrCreate(ctx context.Context, rec *models.IncomingEmail) error
	SetError(ctx context.Context, id int, errText string) error
	SetBounced(ctx context.Context, id int) error
	SetAutoGenerated(ctx context.Context, id int) error
	SetUser(ctx context.Context, id, userID int) error
	SetTopicPost(ctx context.Context, id, topicID, postID int) error
	FindPostByMessageIDs(ctx context.Context, messageIDs []string) (*models.IncomingEmail, error)
}

type emailLogStore interface {
	FindByBounceKey(ctx context.Context, key string) (*models.EmailLog, error)
	FindByReplyKey(ctx context.Context, key string) (*models.EmailLog, error)
	FindByMessageIDs(ctx context.Context, messageIDs []string) (*models.EmailLog, error)
	MarkBounced(ctx context.Context, id int) error
}

type userStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id int) (*models.User, error)
	CreateStaged(ctx context.Context, user *models.User) error
	RevokeMailDelivery(ctx context.Context, userID int) error
}

type groupFinder interface {
	FindByEmail(ctx context.Context, address string) (*models.Group, error)
}

type categoryFinder interface {
	FindByEmail(ctx context.Context, address string) (*models.Category, error)
}

type topicFinder interface {
	GetByID(ctx context.Context, id int) (*models.Topic, error)
}

type postFinder interface {
	GetByID(ctx context.Context, id int) (*models.Post, error)
}

// Outcome is the successful result of one pipeline run.
type Outcome struct {
	Action  string
	TopicID int
	PostID  int
}

// Run outcome actions.
const (
	ActionReply            = "reply"
	ActionNewTopic         = "new_topic"
	ActionPrivateMessage   = "private_message"
	ActionLike             = "like"
	ActionUnsubscribe      = "unsubscribe"
	ActionAlreadyProcessed = "already_processed"
)

// runState carries the per-run mutable bits. Runs are concurrent and
// independent, so nothing here is shared across messages.
type runState struct {
	stagedCreated int
}

// Receiver is the pipeline orchestrator.
type Receiver struct {
	mail   *config.CompiledMail
	logger *log.Logger

	poster service.PostCreator

	emails     incomingEmailStore
	emailLogs  emailLogStore
	users      userStore
	groups     groupFinder
	categories categoryFinder
	topics     topicFinder
	posts      postFinder

	likes        service.LikeActor
	uploads      service.Uploader
	inviter      service.Inviter
	unsubscriber service.Unsubscriber
	screening    []service.ScreeningPolicy
	bounces      cache.BounceScoreStore
	auditLog     service.AuditLog

	stagingEnabled bool
	now            func() time.Time
}

// Option customizes a Receiver.
type Option func(*Receiver)

// NewReceiver builds the pipeline around the post-creation service.
// Collaborators are wired through options; stages that find their
// collaborator missing degrade the way the stage contract allows.
func NewReceiver(mail *config.CompiledMail, poster service.PostCreator, opts ...Option) *Receiver {
	initMetrics()
	r := &Receiver{
		mail:           mail,
		poster:         poster,
		logger:         log.Default(),
		stagingEnabled: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStores wires the persistence collaborators.
func WithStores(emails incomingEmailStore, emailLogs emailLogStore, users userStore) Option {
	return func(r *Receiver) {
		r.emails = emails
		r.emailLogs = emailLogs
		r.users = users
	}
}

// WithForumLookups wires the group/category/topic/post finders.
func WithForumLookups(groups groupFinder, categories categoryFinder, topics topicFinder, posts postFinder) Option {
	return func(r *Receiver) {
		r.groups = groups
		r.categories = categories
		r.topics = topics
		r.posts = posts
	}
}

// WithLikes wires the like collaborator.
func WithLikes(likes service.LikeActor) Option {
	return func(r *Receiver) { r.likes = likes }
}

// WithUploads wires the attachment upload service.
func WithUploads(uploads service.Uploader) Option {
	return func(r *Receiver) { r.uploads = uploads }
}

// WithInviter wires the private-conversation inviter.
func WithInviter(inviter service.Inviter) Option {
	return func(r *Receiver) { r.inviter = inviter }
}

// WithUnsubscriber wires the subscription command handler.
func WithUnsubscriber(u service.Unsubscriber) Option {
	return func(r *Receiver) { r.unsubscriber = u }
}

// WithScreening appends sender screening policies; they run in order.
func WithScreening(policies ...service.ScreeningPolicy) Option {
	return func(r *Receiver) { r.screening = append(r.screening, policies...) }
}

// WithBounceStore wires the shared bounce-score store.
func WithBounceStore(store cache.BounceScoreStore) Option {
	return func(r *Receiver) { r.bounces = store }
}

// WithAuditLog wires the audit collaborator.
func WithAuditLog(a service.AuditLog) Option {
	return func(r *Receiver) { r.auditLog = a }
}

// WithStaging toggles staged-user creation for unknown senders.
func WithStaging(enabled bool) Option {
	return func(r *Receiver) { r.stagingEnabled = enabled }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// Process runs the whole pipeline for one raw message. It is
// idempotent per message id: re-delivery finds the existing record and
// cannot create a second post. Every classified failure is persisted
// on the record before it is returned.
func (r *Receiver) Process(ctx context.Context, raw []byte) (Outcome, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		if errors.Is(err, message.ErrEmpty) {
			failedTotal.WithLabelValues(KindEmptyMessage.String()).Inc()
			return Outcome{}, newError(KindEmptyMessage, "raw input is blank")
		}
		return Outcome{}, fmt.Errorf("receiver: parse: %w", err)
	}

	// Blacklist and sender screening run before any record exists.
	if err := r.checkBlacklist(msg); err != nil {
		failedTotal.WithLabelValues(KindScreenedEmail.String()).Inc()
		return Outcome{}, err
	}
	if err := r.checkScreening(ctx, msg); err != nil {
		if kind, ok := KindOf(err); ok {
			failedTotal.WithLabelValues(kind.String()).Inc()
		}
		return Outcome{}, err
	}

	rec := &models.IncomingEmail{
		MessageID:   msg.MessageID,
		Raw:         msg.Raw,
		Subject:     msg.Subject,
		FromAddress: msg.FromAddress,
		ToAddresses: strings.Join(msg.ToAddresses, ";"),
		CcAddresses: strings.Join(msg.CcAddresses, ";"),
	}
	if err := r.emails.FindOrCreate(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("receiver: processing record: %w", err)
	}
	if rec.PostID != nil && *rec.PostID > 0 {
		// Duplicate delivery of an already-processed message is a
		// no-op success, never a second post.
		r.logf("receiver: message %s already produced post %d", msg.MessageID, *rec.PostID)
		topicID := 0
		if rec.TopicID != nil {
			topicID = *rec.TopicID
		}
		outcome := Outcome{Action: ActionAlreadyProcessed, TopicID: topicID, PostID: *rec.PostID}
		processedTotal.WithLabelValues(outcome.Action).Inc()
		return outcome, nil
	}

	outcome, err := r.run(ctx, &runState{}, rec, msg)
	if err != nil {
		if setErr := r.emails.SetError(ctx, rec.ID, err.Error()); setErr != nil {
			r.logf("receiver: persist error on record %d failed: %v", rec.ID, setErr)
		}
		kind, _ := KindOf(err)
		failedTotal.WithLabelValues(kind.String()).Inc()
		return Outcome{}, err
	}
	processedTotal.WithLabelValues(outcome.Action).Inc()
	return outcome, nil
}

// run sequences the stages once the processing record exists.
func (r *Receiver) run(ctx context.Context, run *runState, rec *models.IncomingEmail, msg *message.Message) (Outcome, error) {
	autoGenerated := r.isAutoGenerated(msg)

	if r.isBounce(msg) {
		return Outcome{}, r.handleBounce(ctx, rec, msg, autoGenerated)
	}
	if autoGenerated {
		if err := r.handleAutoGenerated(ctx, rec, msg); err != nil {
			return Outcome{}, err
		}
	}

	user, err := r.resolveUser(ctx, run, msg.FromAddress, msg.FromName)
	if err != nil {
		return Outcome{}, err
	}
	if err := r.emails.SetUser(ctx, rec.ID, user.ID); err != nil {
		r.logf("receiver: record user on %d failed: %v", rec.ID, err)
	}
	rec.UserID = &user.ID
	if err := checkSenderState(user); err != nil {
		return Outcome{}, err
	}

	body, elided := r.selectBody(msg.TextBody, msg.HTMLBody)
	if body == "" && len(msg.Attachments) == 0 {
		return Outcome{}, newError(KindNoBodyDetected, "no usable body and no attachments")
	}

	dest, err := r.resolveDestination(ctx, msg, body)
	if err != nil {
		return Outcome{}, err
	}

	if dest.Kind == DestinationUnsubscribe {
		return r.unsubscribe(ctx, user)
	}

	if err := r.validateDestination(ctx, dest, user); err != nil {
		return Outcome{}, err
	}

	if dest.Kind == DestinationReply && r.isLikeBody(body) {
		return r.like(ctx, rec, dest, user)
	}

	return r.post(ctx, run, rec, msg, dest, user, body, elided)
}

func (r *Receiver) unsubscribe(ctx context.Context, user *models.User) (Outcome, error) {
	if r.unsubscriber == nil {
		return Outcome{}, newError(KindInvalidPostAction, "unsubscribe requested but not supported")
	}
	if err := r.unsubscriber.Unsubscribe(ctx, user); err != nil {
		return Outcome{}, wrapError(KindInvalidPostAction, err, "unsubscribe %s", user.Username)
	}
	return Outcome{Action: ActionUnsubscribe}, nil
}

// like records the reaction instead of creating a post. A repeated
// like is success, not failure.
func (r *Receiver) like(ctx context.Context, rec *models.IncomingEmail, dest *Destination, user *models.User) (Outcome, error) {
	if r.likes == nil {
		return Outcome{}, newError(KindInvalidPostAction, "like requested but not supported")
	}
	already, err := r.likes.Like(ctx, dest.Post.ID, user)
	if err != nil {
		return Outcome{}, wrapError(KindInvalidPostAction, err, "like post %d", dest.Post.ID)
	}
	if already {
		r.logf("receiver: user %s already liked post %d", user.Username, dest.Post.ID)
	}
	if err := r.emails.SetTopicPost(ctx, rec.ID, dest.Post.TopicID, dest.Post.ID); err != nil {
		r.logf("receiver: record like target on %d failed: %v", rec.ID, err)
	}
	return Outcome{Action: ActionLike, TopicID: dest.Post.TopicID, PostID: dest.Post.ID}, nil
}

func (r *Receiver) post(ctx context.Context, run *runState, rec *models.IncomingEmail, msg *message.Message, dest *Destination, user *models.User, body, elided string) (Outcome, error) {
	private := dest.Kind == DestinationGroupInbox ||
		(dest.Kind == DestinationReply && dest.Topic.Private())

	// The elided remainder only comes back for private conversations.
	if private {
		body = appendElided(body, elided)
	}
	body = r.attachUploads(ctx, user, msg, body, private)

	input := service.CreatePostInput{
		User:      user,
		RawBody:   body,
		CreatedAt: r.clampDate(msg.Date),
		ViaEmail:  true,
		RawEmail:  string(msg.Raw),
	}
	action := ""
	switch dest.Kind {
	case DestinationReply:
		input.TopicID = dest.Post.TopicID
		action = ActionReply
	case DestinationGroupInbox:
		input.Title = msg.Subject
		input.Group = dest.Group
		input.IsPrivateMessage = true
		action = ActionPrivateMessage
	case DestinationCategoryInbox:
		input.Title = msg.Subject
		input.CategoryID = dest.Category.ID
		action = ActionNewTopic
	}

	result, validationErrs, err := r.poster.Create(ctx, input)
	if err != nil {
		return Outcome{}, wrapError(KindInvalidPost, err, "post creation failed")
	}
	if len(validationErrs) > 0 {
		return Outcome{}, newError(KindInvalidPost, "%s", strings.Join(validationErrs, "; "))
	}
	if result == nil || result.Post == nil || result.Topic == nil {
		return Outcome{}, newError(KindInvalidPost, "post service returned no post")
	}
	if err := r.emails.SetTopicPost(ctx, rec.ID, result.Topic.ID, result.Post.ID); err != nil {
		r.logf("receiver: record topic/post on %d failed: %v", rec.ID, err)
	}

	if private {
		r.inviteCoRecipients(ctx, run, msg, result.Topic, user)
	}
	return Outcome{Action: action, TopicID: result.Topic.ID, PostID: result.Post.ID}, nil
}

// inviteCoRecipients pulls every other recipient address into the
// private conversation, skipping recognized system addresses and
// honoring the staged-user cap.
func (r *Receiver) inviteCoRecipients(ctx context.Context, run *runState, msg *message.Message, topic *models.Topic, invitedBy *models.User) {
	if r.inviter == nil {
		return
	}
	for _, addr := range msg.Destinations {
		if strings.EqualFold(addr, msg.FromAddress) {
			continue
		}
		if r.systemAddress(ctx, addr) {
			continue
		}
		invitee, err := r.users.FindByEmail(ctx, addr)
		if err != nil {
			r.logf("receiver: invite lookup for %s failed: %v", addr, err)
			continue
		}
		if invitee == nil {
			if run.stagedCreated >= r.mail.MaxStagedInvites {
				r.logf("receiver: staged invite cap reached, skipping %s", addr)
				continue
			}
			invitee, err = r.resolveUser(ctx, run, addr, "")
			if err != nil {
				continue
			}
		}
		if err := r.inviter.Invite(ctx, topic.ID, invitee, invitedBy); err != nil {
			r.logf("receiver: invite %s to topic %d failed: %v", addr, topic.ID, err)
		}
	}
}

// systemAddress reports whether an address belongs to this forum
// rather than a person: inbox addresses, reply keys, VERP returns.
func (r *Receiver) systemAddress(ctx context.Context, addr string) bool {
	if r.mail.ReplyKeyFor(addr) != "" || r.mail.BounceKeyFor(addr) != "" {
		return true
	}
	if r.groups != nil {
		if group, _ := r.groups.FindByEmail(ctx, addr); group != nil {
			return true
		}
	}
	if r.categories != nil {
		if category, _ := r.categories.FindByEmail(ctx, addr); category != nil {
			return true
		}
	}
	return false
}

func (r *Receiver) isLikeBody(body string) bool {
	body = strings.TrimSpace(body)
	for _, token := range r.mail.LikeTokens {
		if strings.EqualFold(body, strings.TrimSpace(token)) {
			return true
		}
	}
	return false
}

// clampDate keeps backdated posts but never lets a forged Date header
// place a post in the future.
func (r *Receiver) clampDate(date time.Time) time.Time {
	now := r.now()
	if date.IsZero() || date.After(now) {
		return now
	}
	return date
}

func (r *Receiver) audit(ctx context.Context, action, detail string) {
	r.logf("receiver: audit %s: %s", action, detail)
	if r.auditLog == nil {
		return
	}
	if err := r.auditLog.Record(ctx, action, detail); err != nil {
		r.logf("receiver: audit record failed: %v", err)
	}
}

func (r *Receiver) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
