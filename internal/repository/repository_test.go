package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum-io/quorum-ce/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "postgres")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func incomingEmailRow(id int, messageID string, postID *int) *sqlmock.Rows {
	cols := []string{
		"id", "message_id", "raw", "subject", "from_address", "to_addresses", "cc_addresses",
		"user_id", "topic_id", "post_id", "is_bounce", "is_auto_generated", "error", "created_at",
	}
	return sqlmock.NewRows(cols).AddRow(
		id, messageID, []byte("raw"), "subject", "a@x.com", "inbox@forum.example", "",
		nil, nil, postID, false, false, "", time.Now(),
	)
}

func TestIncomingEmailFindOrCreateInsertsAndLoads(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO incoming_emails")).
		WithArgs("msg@x.com", []byte("raw"), "subject", "a@x.com", "inbox@forum.example", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM incoming_emails WHERE message_id").
		WithArgs("msg@x.com").
		WillReturnRows(incomingEmailRow(42, "msg@x.com", nil))

	rec := &models.IncomingEmail{
		MessageID:   "msg@x.com",
		Raw:         []byte("raw"),
		Subject:     "subject",
		FromAddress: "a@x.com",
		ToAddresses: "inbox@forum.example",
	}
	require.NoError(t, repo.FindOrCreate(context.Background(), rec))
	assert.Equal(t, 42, rec.ID)
}

func TestIncomingEmailFindOrCreateDuplicateLoadsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	postID := 99
	// The conflicting insert touches no rows; the select returns the
	// winner including its post id.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO incoming_emails")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM incoming_emails WHERE message_id").
		WithArgs("msg@x.com").
		WillReturnRows(incomingEmailRow(7, "msg@x.com", &postID))

	rec := &models.IncomingEmail{MessageID: "msg@x.com"}
	require.NoError(t, repo.FindOrCreate(context.Background(), rec))
	assert.Equal(t, 7, rec.ID)
	require.NotNil(t, rec.PostID)
	assert.Equal(t, 99, *rec.PostID)
}

func TestIncomingEmailFindOrCreateRequiresMessageID(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	assert.Error(t, repo.FindOrCreate(context.Background(), &models.IncomingEmail{}))
	assert.Error(t, repo.FindOrCreate(context.Background(), nil))
}

func TestIncomingEmailSetTopicPost(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE incoming_emails SET topic_id = $2, post_id = $3 WHERE id = $1")).
		WithArgs(1, 9, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetTopicPost(context.Background(), 1, 9, 5))
}

func TestIncomingEmailFindPostByMessageIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	postID := 5
	mock.ExpectQuery("FROM incoming_emails").
		WithArgs("a@x.com", "b@x.com").
		WillReturnRows(incomingEmailRow(3, "b@x.com", &postID))

	rec, err := repo.FindPostByMessageIDs(context.Background(), []string{"a@x.com", "b@x.com"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 5, *rec.PostID)
}

func TestIncomingEmailFindPostByMessageIDsEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	rec, err := repo.FindPostByMessageIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIncomingEmailFindPostByMessageIDsNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIncomingEmailRepository(db)

	mock.ExpectQuery("FROM incoming_emails").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec, err := repo.FindPostByMessageIDs(context.Background(), []string{"a@x.com"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func emailLogRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "message_id", "user_id", "topic_id", "post_id", "bounce_key", "reply_key", "bounced"}).
		AddRow(11, "out@forum.example", 2, 9, 5, "bkey", "rkey", false)
}

func TestEmailLogFindByReplyKey(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEmailLogRepository(db)

	mock.ExpectQuery("FROM email_logs WHERE reply_key").
		WithArgs("rkey").
		WillReturnRows(emailLogRow())

	log, err := repo.FindByReplyKey(context.Background(), "rkey")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, 2, log.UserID)
	assert.Equal(t, 5, log.PostID)
}

func TestEmailLogFindByBounceKeyMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEmailLogRepository(db)

	mock.ExpectQuery("FROM email_logs WHERE bounce_key").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	log, err := repo.FindByBounceKey(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, log)
}

func TestEmailLogMarkBounced(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEmailLogRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE email_logs SET bounced = true WHERE id = $1")).
		WithArgs(11).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkBounced(context.Background(), 11))
}

func userRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "name", "email", "active", "staged", "blocked",
		"trust_level", "mail_disabled", "suspended_at", "created_at",
	}).AddRow(2, "bob", "Bob", "bob@x.com", true, false, false, 1, false, nil, time.Now())
}

func TestUserFindByEmailLowercases(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery("FROM users WHERE lower").
		WithArgs("bob@x.com").
		WillReturnRows(userRow())

	user, err := repo.FindByEmail(context.Background(), "  Bob@X.com ")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "bob", user.Username)
}

func TestUserCreateStaged(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("carol", "Carol", "carol@x.com", true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))

	user := &models.User{Username: "carol", Name: "Carol", Email: "Carol@x.com", Active: true}
	require.NoError(t, repo.CreateStaged(context.Background(), user))
	assert.Equal(t, 13, user.ID)
	assert.True(t, user.Staged)
}

func TestUserRevokeMailDelivery(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET mail_disabled = true WHERE id = $1")).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RevokeMailDelivery(context.Background(), 2))
}

func TestCategoryFindByEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCategoryRepository(db)

	mock.ExpectQuery("FROM categories WHERE lower").
		WithArgs("support@forum.example").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "incoming_email", "email_in_allow_staged", "minimum_trust_level"}).
			AddRow(7, "support", "support@forum.example", false, 1))

	category, err := repo.FindByEmail(context.Background(), "Support@Forum.example")
	require.NoError(t, err)
	require.NotNil(t, category)
	assert.Equal(t, 7, category.ID)
	assert.Equal(t, 1, category.MinimumTrustLevel)
}

func TestGroupFindByEmailMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepository(db)

	mock.ExpectQuery("FROM groups WHERE lower").
		WithArgs("nobody@forum.example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	group, err := repo.FindByEmail(context.Background(), "nobody@forum.example")
	require.NoError(t, err)
	assert.Nil(t, group)
}

func TestTopicGetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTopicRepository(db)

	mock.ExpectQuery("FROM topics WHERE id").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "category_id", "archetype", "closed", "deleted_at"}).
			AddRow(9, "Old", 7, models.ArchetypeRegular, false, nil))

	topic, err := repo.GetByID(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.False(t, topic.Private())
	assert.False(t, topic.Trashed())
}

func TestScreenedEmailShouldBlock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScreenedEmailRepository(db)

	mock.ExpectQuery("FROM screened_emails WHERE lower").
		WithArgs("spammer@bad.example").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM screened_emails WHERE lower").
		WithArgs("regular@x.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	blocked, err := repo.ShouldBlock(context.Background(), " Spammer@Bad.example ")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = repo.ShouldBlock(context.Background(), "regular@x.com")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestScreenedEmailBlankAddressSkipsQuery(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewScreenedEmailRepository(db)

	blocked, err := repo.ShouldBlock(context.Background(), "  ")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAuditLogRecord(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditLogRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs("revoke_email", "user 2 reached bounce score 4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Record(context.Background(), "revoke_email", "user 2 reached bounce score 4"))
}
