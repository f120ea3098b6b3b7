package models

import (
	"strings"
	"time"
)

// Topic archetypes. Private messages are topics with the private
// archetype and an explicit allowed-users list.
const (
	ArchetypeRegular        = "regular"
	ArchetypePrivateMessage = "private_message"
)

type Topic struct {
	ID         int        `db:"id" json:"id"`
	Title      string     `db:"title" json:"title"`
	CategoryID int        `db:"category_id" json:"category_id"`
	Archetype  string     `db:"archetype" json:"archetype"`
	Closed     bool       `db:"closed" json:"closed"`
	DeletedAt  *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Private reports whether the topic is a private conversation.
func (t *Topic) Private() bool {
	return t != nil && t.Archetype == ArchetypePrivateMessage
}

// Trashed reports whether the topic has been soft-deleted.
func (t *Topic) Trashed() bool {
	return t != nil && t.DeletedAt != nil
}

type Post struct {
	ID         int    `db:"id" json:"id"`
	TopicID    int    `db:"topic_id" json:"topic_id"`
	PostNumber int    `db:"post_number" json:"post_number"`
	UserID     int    `db:"user_id" json:"user_id"`
	Raw        string `db:"raw" json:"raw"`
}

// Group is a user group with an optional incoming-mail inbox address.
type Group struct {
	ID            int    `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	IncomingEmail string `db:"incoming_email" json:"incoming_email"`
}

// Category is a forum category with an optional incoming-mail inbox
// address and posting policy for email senders.
type Category struct {
	ID                 int    `db:"id" json:"id"`
	Name               string `db:"name" json:"name"`
	IncomingEmail      string `db:"incoming_email" json:"incoming_email"`
	EmailInAllowStaged bool   `db:"email_in_allow_staged" json:"email_in_allow_staged"`
	MinimumTrustLevel  int    `db:"minimum_trust_level" json:"minimum_trust_level"`
}

// Upload is a stored attachment handle returned by the upload service.
type Upload struct {
	ID               int    `db:"id" json:"id"`
	OriginalFilename string `db:"original_filename" json:"original_filename"`
	URL              string `db:"url" json:"url"`
	ContentType      string `db:"content_type" json:"content_type"`
	Size             int64  `db:"size" json:"size"`
}

// IsImage reports whether the upload should be embedded rather than linked.
func (u *Upload) IsImage() bool {
	return u != nil && strings.HasPrefix(strings.ToLower(u.ContentType), "image/")
}
