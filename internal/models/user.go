package models

import "time"

// User is a forum account. Staged users are placeholders created for
// email senders that have not registered yet.
type User struct {
	ID           int        `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	Name         string     `db:"name" json:"name"`
	Email        string     `db:"email" json:"email"`
	Active       bool       `db:"active" json:"active"`
	Staged       bool       `db:"staged" json:"staged"`
	Blocked      bool       `db:"blocked" json:"blocked"`
	TrustLevel   int        `db:"trust_level" json:"trust_level"`
	MailDisabled bool       `db:"mail_disabled" json:"mail_disabled"`
	SuspendedAt  *time.Time `db:"suspended_at" json:"suspended_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
