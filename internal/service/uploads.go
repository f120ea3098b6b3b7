package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// DiskUploader stores attachment bytes under a base directory and
// records an uploads row. Remote storage backends plug in behind the
// same Uploader contract.
type DiskUploader struct {
	db      *sqlx.DB
	baseDir string
	baseURL string
	maxSize int64
}

func NewDiskUploader(db *sqlx.DB, baseDir, baseURL string, maxSize int64) *DiskUploader {
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return &DiskUploader{db: db, baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}
}

// Store implements Uploader.
func (u *DiskUploader) Store(ctx context.Context, owner *models.User, filename, contentType string, data []byte, forGroupMessage bool) (*models.Upload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("service: upload %s: empty file", filename)
	}
	if int64(len(data)) > u.maxSize {
		return nil, fmt.Errorf("service: upload %s: %d bytes exceeds limit", filename, len(data))
	}
	scope := "uploads"
	if forGroupMessage {
		scope = "group-messages"
	}
	name := uuid.NewString() + sanitizedExt(filename)
	dir := filepath.Join(u.baseDir, scope)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("service: upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, fmt.Errorf("service: write upload: %w", err)
	}

	upload := &models.Upload{
		OriginalFilename: filename,
		URL:              u.baseURL + "/" + scope + "/" + name,
		ContentType:      contentType,
		Size:             int64(len(data)),
	}
	err := u.db.QueryRowContext(ctx, `
		INSERT INTO uploads (user_id, original_filename, url, content_type, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		owner.ID, upload.OriginalFilename, upload.URL, upload.ContentType, upload.Size, time.Now().UTC(),
	).Scan(&upload.ID)
	if err != nil {
		return nil, fmt.Errorf("service: record upload: %w", err)
	}
	return upload, nil
}

func sanitizedExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}
