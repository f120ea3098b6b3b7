package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// EmailLogRepository reads the outbound delivery log. The log itself
// is owned by the notification subsystem; this pipeline only looks up
// entries by their embedded keys and flips the bounced flag.
type EmailLogRepository struct {
	db *sqlx.DB
}

func NewEmailLogRepository(db *sqlx.DB) *EmailLogRepository {
	return &EmailLogRepository{db: db}
}

const emailLogColumns = `id, message_id, user_id, topic_id, post_id, bounce_key, reply_key, bounced`

func (r *EmailLogRepository) FindByBounceKey(ctx context.Context, key string) (*models.EmailLog, error) {
	return r.getOne(ctx, `SELECT `+emailLogColumns+` FROM email_logs WHERE bounce_key = $1`, key)
}

func (r *EmailLogRepository) FindByReplyKey(ctx context.Context, key string) (*models.EmailLog, error) {
	return r.getOne(ctx, `SELECT `+emailLogColumns+` FROM email_logs WHERE reply_key = $1`, key)
}

// FindByMessageIDs returns the newest delivery-log entry among the
// given outbound message ids, for thread continuation on replies to
// this system's own notifications.
func (r *EmailLogRepository) FindByMessageIDs(ctx context.Context, messageIDs []string) (*models.EmailLog, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+emailLogColumns+` FROM email_logs
		WHERE message_id IN (?) AND post_id > 0
		ORDER BY id DESC LIMIT 1`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: build email log lookup: %w", err)
	}
	log := models.EmailLog{}
	err = r.db.GetContext(ctx, &log, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: email log lookup: %w", err)
	}
	return &log, nil
}

func (r *EmailLogRepository) MarkBounced(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE email_logs SET bounced = true WHERE id = $1`, id)
	return err
}

func (r *EmailLogRepository) getOne(ctx context.Context, query string, args ...any) (*models.EmailLog, error) {
	log := models.EmailLog{}
	err := r.db.GetContext(ctx, &log, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: email log lookup: %w", err)
	}
	return &log, nil
}
