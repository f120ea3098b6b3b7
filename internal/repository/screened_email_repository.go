package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ScreenedEmailRepository implements service.ScreeningPolicy over the
// screened_emails table, where moderators record addresses whose mail
// is refused. It runs alongside the file-based rules; any policy
// blocking wins.
type ScreenedEmailRepository struct {
	db *sqlx.DB
}

func NewScreenedEmailRepository(db *sqlx.DB) *ScreenedEmailRepository {
	return &ScreenedEmailRepository{db: db}
}

func (r *ScreenedEmailRepository) ShouldBlock(ctx context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM screened_emails WHERE lower(email) = $1 AND action = 'block'`,
		email)
	if err != nil {
		return false, fmt.Errorf("repository: screened email lookup: %w", err)
	}
	return count > 0, nil
}
