package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// SQLPostService is a minimal PostCreator/LikeActor/Inviter/
// Unsubscriber over the forum tables. The full posting machinery
// (notifications, rate limits, rendering) lives outside this
// subsystem; this covers what the mail pipeline needs.
type SQLPostService struct {
	db *sqlx.DB
}

func NewSQLPostService(db *sqlx.DB) *SQLPostService {
	return &SQLPostService{db: db}
}

// Create implements PostCreator. Domain rule violations come back as
// a validation list with a nil error.
func (s *SQLPostService) Create(ctx context.Context, input CreatePostInput) (*PostResult, []string, error) {
	if errs := validateCreate(input); len(errs) > 0 {
		return nil, errs, nil
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() || createdAt.After(time.Now()) {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("service: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	topic := &models.Topic{}
	if input.TopicID > 0 {
		if err := tx.GetContext(ctx, topic,
			`SELECT id, title, category_id, archetype, closed, deleted_at FROM topics WHERE id = $1`,
			input.TopicID); err != nil {
			return nil, nil, fmt.Errorf("service: topic %d: %w", input.TopicID, err)
		}
	} else {
		topic.Title = strings.TrimSpace(input.Title)
		topic.CategoryID = input.CategoryID
		topic.Archetype = models.ArchetypeRegular
		if input.IsPrivateMessage {
			topic.Archetype = models.ArchetypePrivateMessage
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO topics (title, category_id, archetype, closed, created_at)
			VALUES ($1, $2, $3, false, $4) RETURNING id`,
			topic.Title, topic.CategoryID, topic.Archetype, createdAt,
		).Scan(&topic.ID); err != nil {
			return nil, nil, fmt.Errorf("service: create topic: %w", err)
		}
		if err := s.allowParticipants(ctx, tx, topic.ID, input); err != nil {
			return nil, nil, err
		}
	}

	post := &models.Post{TopicID: topic.ID, UserID: input.User.ID, Raw: input.RawBody}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO posts (topic_id, user_id, post_number, raw, via_email, raw_email, created_at)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(post_number), 0) + 1 FROM posts WHERE topic_id = $1),
		        $3, $4, $5, $6)
		RETURNING id, post_number`,
		topic.ID, input.User.ID, input.RawBody, input.ViaEmail, input.RawEmail, createdAt,
	).Scan(&post.ID, &post.PostNumber); err != nil {
		return nil, nil, fmt.Errorf("service: create post: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("service: commit: %w", err)
	}
	return &PostResult{Topic: topic, Post: post}, nil, nil
}

func (s *SQLPostService) allowParticipants(ctx context.Context, tx *sqlx.Tx, topicID int, input CreatePostInput) error {
	if !input.IsPrivateMessage {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO topic_allowed_users (topic_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		topicID, input.User.ID); err != nil {
		return fmt.Errorf("service: allow sender: %w", err)
	}
	if input.Group != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO topic_allowed_groups (topic_id, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			topicID, input.Group.ID); err != nil {
			return fmt.Errorf("service: allow group: %w", err)
		}
	}
	return nil
}

func validateCreate(input CreatePostInput) []string {
	var errs []string
	if input.User == nil || input.User.ID <= 0 {
		errs = append(errs, "user is required")
	}
	if strings.TrimSpace(input.RawBody) == "" {
		errs = append(errs, "body cannot be blank")
	}
	if input.TopicID == 0 && strings.TrimSpace(input.Title) == "" {
		errs = append(errs, "title cannot be blank")
	}
	return errs
}

// Like implements LikeActor. Re-liking is reported, not failed.
func (s *SQLPostService) Like(ctx context.Context, postID int, user *models.User) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO post_actions (post_id, user_id, action, created_at)
		VALUES ($1, $2, 'like', $3)
		ON CONFLICT (post_id, user_id, action) DO NOTHING`,
		postID, user.ID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("service: like post %d: %w", postID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return affected == 0, nil
}

// Invite implements Inviter: adds the user to the conversation and
// leaves an audit note naming both parties.
func (s *SQLPostService) Invite(ctx context.Context, topicID int, invitee, invitedBy *models.User) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_allowed_users (topic_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		topicID, invitee.ID); err != nil {
		return fmt.Errorf("service: invite user %d: %w", invitee.ID, err)
	}
	note := fmt.Sprintf("@%s invited @%s to this conversation", invitedBy.Username, invitee.Username)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (topic_id, user_id, post_number, raw, action_code, created_at)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(post_number), 0) + 1 FROM posts WHERE topic_id = $1),
		        $3, 'invited_user', $4)`,
		topicID, invitedBy.ID, note, time.Now().UTC()); err != nil {
		return fmt.Errorf("service: invite note: %w", err)
	}
	return nil
}

// Unsubscribe implements Unsubscriber by turning off mail delivery for
// the sender.
func (s *SQLPostService) Unsubscribe(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET mail_disabled = true WHERE id = $1`, user.ID)
	if err != nil {
		return fmt.Errorf("service: unsubscribe user %d: %w", user.ID, err)
	}
	return nil
}
