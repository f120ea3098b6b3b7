package models

import "time"

// IncomingEmail is the processing record persisted for every received
// message. There is at most one row per message id; duplicate delivery
// must find the existing row instead of creating a second one.
type IncomingEmail struct {
	ID              int       `db:"id" json:"id"`
	MessageID       string    `db:"message_id" json:"message_id"`
	Raw             []byte    `db:"raw" json:"-"`
	Subject         string    `db:"subject" json:"subject"`
	FromAddress     string    `db:"from_address" json:"from_address"`
	ToAddresses     string    `db:"to_addresses" json:"to_addresses"`
	CcAddresses     string    `db:"cc_addresses" json:"cc_addresses"`
	UserID          *int      `db:"user_id" json:"user_id,omitempty"`
	TopicID         *int      `db:"topic_id" json:"topic_id,omitempty"`
	PostID          *int      `db:"post_id" json:"post_id,omitempty"`
	IsBounce        bool      `db:"is_bounce" json:"is_bounce"`
	IsAutoGenerated bool      `db:"is_auto_generated" json:"is_auto_generated"`
	Error           string    `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// EmailLog is one outbound delivery record. The bounce key correlates
// VERP bounce notifications back to the send; the reply key maps a
// reply-by-email address back to the post it notified about.
type EmailLog struct {
	ID        int    `db:"id" json:"id"`
	MessageID string `db:"message_id" json:"message_id"`
	UserID    int    `db:"user_id" json:"user_id"`
	TopicID   int    `db:"topic_id" json:"topic_id"`
	PostID    int    `db:"post_id" json:"post_id"`
	BounceKey string `db:"bounce_key" json:"bounce_key"`
	ReplyKey  string `db:"reply_key" json:"reply_key"`
	Bounced   bool   `db:"bounced" json:"bounced"`
}
