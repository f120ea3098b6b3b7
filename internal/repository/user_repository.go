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

type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, name, email, active, staged, blocked, trust_level, mail_disabled, suspended_at, created_at`

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user := models.User{}
	err := r.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: user by email: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (*models.User, error) {
	user := models.User{}
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: user by id: %w", err)
	}
	return &user, nil
}

// CreateStaged inserts a staged placeholder account. Username
// collisions surface as errors so the caller can retry with another
// suggestion.
func (r *UserRepository) CreateStaged(ctx context.Context, user *models.User) error {
	if user == nil || user.Email == "" {
		return errors.New("repository: staged user requires an email")
	}
	user.Staged = true
	user.CreatedAt = time.Now().UTC()
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, name, email, active, staged, blocked, trust_level, mail_disabled, created_at)
		VALUES ($1, $2, $3, $4, true, false, 0, false, $5)
		RETURNING id`,
		user.Username, user.Name, strings.ToLower(user.Email), user.Active, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("repository: create staged user: %w", err)
	}
	return nil
}

// RevokeMailDelivery stops all future mail to the user; set after the
// bounce score crosses the threshold.
func (r *UserRepository) RevokeMailDelivery(ctx context.Context, userID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET mail_disabled = true WHERE id = $1`, userID)
	return err
}
