package service

import (
	"context"
	"database/sql/driver"
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

func TestValidateCreate(t *testing.T) {
	user := &models.User{ID: 1}
	cases := []struct {
		name  string
		input CreatePostInput
		want  int
	}{
		{"valid reply", CreatePostInput{User: user, RawBody: "text", TopicID: 9}, 0},
		{"valid new topic", CreatePostInput{User: user, RawBody: "text", Title: "t"}, 0},
		{"missing user", CreatePostInput{RawBody: "text", TopicID: 9}, 1},
		{"blank body", CreatePostInput{User: user, TopicID: 9}, 1},
		{"new topic without title", CreatePostInput{User: user, RawBody: "text"}, 1},
		{"everything wrong", CreatePostInput{}, 3},
	}
	for _, tc := range cases {
		if got := len(validateCreate(tc.input)); got != tc.want {
			t.Errorf("%s: %d validation errors, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCreateValidationDoesNotTouchDB(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewSQLPostService(db)

	result, validationErrs, err := svc.Create(context.Background(), CreatePostInput{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NotEmpty(t, validationErrs)
}

func TestCreateNewTopicAndPost(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics")).
		WithArgs("Hello", 7, models.ArchetypeRegular, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(101))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO posts")).
		WithArgs(101, 1, "body", true, "raw mail", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_number"}).AddRow(501, 1))
	mock.ExpectCommit()

	result, validationErrs, err := svc.Create(context.Background(), CreatePostInput{
		User:       &models.User{ID: 1},
		RawBody:    "body",
		Title:      "Hello",
		CategoryID: 7,
		ViaEmail:   true,
		RawEmail:   "raw mail",
	})
	require.NoError(t, err)
	require.Empty(t, validationErrs)
	assert.Equal(t, 101, result.Topic.ID)
	assert.Equal(t, 501, result.Post.ID)
	assert.Equal(t, models.ArchetypeRegular, result.Topic.Archetype)
}

func TestCreateReplyLoadsTopic(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM topics WHERE id").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "category_id", "archetype", "closed", "deleted_at"}).
			AddRow(9, "Old", 7, models.ArchetypeRegular, false, nil))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO posts")).
		WithArgs(9, 1, "reply body", true, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_number"}).AddRow(502, 4))
	mock.ExpectCommit()

	result, validationErrs, err := svc.Create(context.Background(), CreatePostInput{
		User:     &models.User{ID: 1},
		RawBody:  "reply body",
		TopicID:  9,
		ViaEmail: true,
	})
	require.NoError(t, err)
	require.Empty(t, validationErrs)
	assert.Equal(t, 9, result.Topic.ID)
	assert.Equal(t, 4, result.Post.PostNumber)
}

func TestCreatePrivateMessageAllowsParticipants(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics")).
		WithArgs("Need help", 0, models.ArchetypePrivateMessage, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(102))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO topic_allowed_users")).
		WithArgs(102, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO topic_allowed_groups")).
		WithArgs(102, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO posts")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_number"}).AddRow(503, 1))
	mock.ExpectCommit()

	result, validationErrs, err := svc.Create(context.Background(), CreatePostInput{
		User:             &models.User{ID: 1},
		RawBody:          "body",
		Title:            "Need help",
		Group:            &models.Group{ID: 3, Name: "ops"},
		IsPrivateMessage: true,
	})
	require.NoError(t, err)
	require.Empty(t, validationErrs)
	assert.Equal(t, models.ArchetypePrivateMessage, result.Topic.Archetype)
}

func TestLikeReportsRepeat(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO post_actions")).
		WithArgs(5, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO post_actions")).
		WithArgs(5, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	user := &models.User{ID: 1}
	already, err := svc.Like(context.Background(), 5, user)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = svc.Like(context.Background(), 5, user)
	require.NoError(t, err)
	assert.True(t, already)
}

func TestInviteAddsUserAndNote(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO topic_allowed_users")).
		WithArgs(102, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO posts")).
		WithArgs(102, 1, "@alice invited @carol to this conversation", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.Invite(context.Background(), 102,
		&models.User{ID: 4, Username: "carol"},
		&models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
}

func TestUnsubscribeDisablesMail(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET mail_disabled = true WHERE id = $1")).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Unsubscribe(context.Background(), &models.User{ID: 1}))
}

// notInFuture matches any timestamp at or before now, with a small
// allowance for clock skew during the test.
type notInFuture struct{}

func (notInFuture) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && !ts.After(time.Now().Add(time.Minute))
}

func TestCreateClampsFutureDate(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewSQLPostService(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics")).
		WithArgs("Hello", 7, models.ArchetypeRegular, notInFuture{}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(101))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO posts")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "post_number"}).AddRow(501, 1))
	mock.ExpectCommit()

	_, _, err := svc.Create(context.Background(), CreatePostInput{
		User:       &models.User{ID: 1},
		RawBody:    "body",
		Title:      "Hello",
		CategoryID: 7,
		CreatedAt:  time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
}
