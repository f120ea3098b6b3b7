package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// GroupRepository resolves group inbox addresses.
type GroupRepository struct {
	db *sqlx.DB
}

func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

func (r *GroupRepository) FindByEmail(ctx context.Context, address string) (*models.Group, error) {
	group := models.Group{}
	err := r.db.GetContext(ctx, &group,
		`SELECT id, name, incoming_email FROM groups WHERE lower(incoming_email) = $1`,
		strings.ToLower(strings.TrimSpace(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: group by email: %w", err)
	}
	return &group, nil
}

// CategoryRepository resolves category inbox addresses.
type CategoryRepository struct {
	db *sqlx.DB
}

func NewCategoryRepository(db *sqlx.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

func (r *CategoryRepository) FindByEmail(ctx context.Context, address string) (*models.Category, error) {
	category := models.Category{}
	err := r.db.GetContext(ctx, &category, `
		SELECT id, name, incoming_email, email_in_allow_staged, minimum_trust_level
		FROM categories WHERE lower(incoming_email) = $1`,
		strings.ToLower(strings.TrimSpace(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: category by email: %w", err)
	}
	return &category, nil
}

// TopicRepository reads topic state for destination validation.
type TopicRepository struct {
	db *sqlx.DB
}

func NewTopicRepository(db *sqlx.DB) *TopicRepository {
	return &TopicRepository{db: db}
}

func (r *TopicRepository) GetByID(ctx context.Context, id int) (*models.Topic, error) {
	topic := models.Topic{}
	err := r.db.GetContext(ctx, &topic,
		`SELECT id, title, category_id, archetype, closed, deleted_at FROM topics WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: topic by id: %w", err)
	}
	return &topic, nil
}

type PostRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) GetByID(ctx context.Context, id int) (*models.Post, error) {
	post := models.Post{}
	err := r.db.GetContext(ctx, &post,
		`SELECT id, topic_id, post_number, user_id, raw FROM posts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: post by id: %w", err)
	}
	return &post, nil
}

// AuditLogRepository records operator-visible pipeline actions.
type AuditLogRepository struct {
	db *sqlx.DB
}

func NewAuditLogRepository(db *sqlx.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

func (r *AuditLogRepository) Record(ctx context.Context, action, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (action, detail, created_at) VALUES ($1, $2, $3)`,
		action, detail, time.Now().UTC())
	return err
}
