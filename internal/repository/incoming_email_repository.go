// Package repository implements the pipeline's persistence over
// *sqlx.DB. Lookups that find nothing return (nil, nil); callers
// decide whether absence is an error.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// IncomingEmailRepository persists processing records. The
// message_id column carries a unique constraint; FindOrCreate relies
// on it so duplicate delivery of the same message maps onto one row.
type IncomingEmailRepository struct {
	db *sqlx.DB
}

func NewIncomingEmailRepository(db *sqlx.DB) *IncomingEmailRepository {
	return &IncomingEmailRepository{db: db}
}

// FindOrCreate inserts the record unless a row with the same message
// id already exists, then loads whichever row won into rec.
func (r *IncomingEmailRepository) FindOrCreate(ctx context.Context, rec *models.IncomingEmail) error {
	if rec == nil || rec.MessageID == "" {
		return errors.New("repository: incoming email requires a message id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO incoming_emails (
			message_id, raw, subject, from_address, to_addresses, cc_addresses,
			is_bounce, is_auto_generated, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, false, false, '', $7)
		ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, rec.Raw, rec.Subject, rec.FromAddress,
		rec.ToAddresses, rec.CcAddresses, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: insert incoming email: %w", err)
	}
	found := models.IncomingEmail{}
	err = r.db.GetContext(ctx, &found, `
		SELECT id, message_id, raw, subject, from_address, to_addresses, cc_addresses,
		       user_id, topic_id, post_id, is_bounce, is_auto_generated, error, created_at
		FROM incoming_emails WHERE message_id = $1`, rec.MessageID)
	if err != nil {
		return fmt.Errorf("repository: load incoming email: %w", err)
	}
	*rec = found
	return nil
}

func (r *IncomingEmailRepository) SetError(ctx context.Context, id int, errText string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE incoming_emails SET error = $2 WHERE id = $1`, id, errText)
	return err
}

func (r *IncomingEmailRepository) SetBounced(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE incoming_emails SET is_bounce = true WHERE id = $1`, id)
	return err
}

func (r *IncomingEmailRepository) SetAutoGenerated(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE incoming_emails SET is_auto_generated = true WHERE id = $1`, id)
	return err
}

func (r *IncomingEmailRepository) SetUser(ctx context.Context, id, userID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE incoming_emails SET user_id = $2 WHERE id = $1`, id, userID)
	return err
}

func (r *IncomingEmailRepository) SetTopicPost(ctx context.Context, id, topicID, postID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE incoming_emails SET topic_id = $2, post_id = $3 WHERE id = $1`, id, topicID, postID)
	return err
}

// FindPostByMessageIDs returns the newest prior record among the given
// message ids that resolved to a post, for thread continuation.
func (r *IncomingEmailRepository) FindPostByMessageIDs(ctx context.Context, messageIDs []string) (*models.IncomingEmail, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, message_id, raw, subject, from_address, to_addresses, cc_addresses,
		       user_id, topic_id, post_id, is_bounce, is_auto_generated, error, created_at
		FROM incoming_emails
		WHERE message_id IN (?) AND post_id IS NOT NULL
		ORDER BY id DESC LIMIT 1`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: build thread lookup: %w", err)
	}
	rec := models.IncomingEmail{}
	err = r.db.GetContext(ctx, &rec, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: thread lookup: %w", err)
	}
	return &rec, nil
}
