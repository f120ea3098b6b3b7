package receiver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/quorum-io/quorum-ce/internal/email/inbound/message"
	"github.com/quorum-io/quorum-ce/internal/models"
)

var (
	autoFromRe       = regexp.MustCompile(`(?i)(mailer-daemon|postmaster|noreply)@`)
	autoPrecedenceRe = regexp.MustCompile(`(?i)^(list|junk|bulk|auto_reply)$`)
	autoHeaderRe     = regexp.MustCompile(`(?im)^(Auto-Submitted:\s*auto-|X-Autoreply:|X-Autorespond:|X-Auto-Response-Suppress:)`)
	// Only failure classes count; a report quoting a 2.x.x success
	// status carries no bounce severity.
	smtpStatusRe   = regexp.MustCompile(`(?m)^(?:Status|Diagnostic-Code):[^\n]*?\b([45]\.\d{1,3}\.\d{1,3})`)
	failedRcptCtRe = regexp.MustCompile(`(?i)report-type=("?)delivery-status`)
)

// checkBlacklist drops blacklisted subjects before any record exists.
func (r *Receiver) checkBlacklist(msg *message.Message) error {
	if r.mail.SubjectBlacklistRe == nil {
		return nil
	}
	if r.mail.SubjectBlacklistRe.MatchString(msg.Subject) {
		return newError(KindScreenedEmail, "subject matches blacklist")
	}
	return nil
}

// checkScreening rejects senders the screening policies refuse. This
// also runs before record creation.
func (r *Receiver) checkScreening(ctx context.Context, msg *message.Message) error {
	for _, policy := range r.screening {
		if policy == nil {
			continue
		}
		blocked, err := policy.ShouldBlock(ctx, msg.FromAddress)
		if err != nil {
			return fmt.Errorf("receiver: screening policy: %w", err)
		}
		if blocked {
			return newError(KindScreenedEmail, "sender %s is screened", msg.FromAddress)
		}
	}
	return nil
}

// isBounce reports whether the message is a delivery failure report:
// either it carries standard bounce markers or one of its destination
// addresses matches the VERP pattern.
func (r *Receiver) isBounce(msg *message.Message) bool {
	if r.verpBounceKey(msg) != "" {
		return true
	}
	return hasBounceMarkers(msg)
}

func hasBounceMarkers(msg *message.Message) bool {
	if failedRcptCtRe.MatchString(msg.Header("Content-Type")) {
		return true
	}
	if msg.Header("X-Failed-Recipients") != "" {
		return true
	}
	if rp := msg.Header("Return-Path"); rp == "<>" {
		return true
	}
	return false
}

func (r *Receiver) verpBounceKey(msg *message.Message) string {
	for _, addr := range msg.Destinations {
		if key := r.mail.BounceKeyFor(addr); key != "" {
			return key
		}
	}
	return ""
}

// handleBounce marks the record, updates the matching delivery-log
// entry and scores the sender, then fails the run with BouncedEmail.
func (r *Receiver) handleBounce(ctx context.Context, rec *models.IncomingEmail, msg *message.Message, autoGenerated bool) error {
	if err := r.emails.SetBounced(ctx, rec.ID); err != nil {
		r.logf("receiver: mark bounce failed for record %d: %v", rec.ID, err)
	}
	rec.IsBounce = true

	key := r.verpBounceKey(msg)
	if key == "" {
		return newError(KindBouncedEmail, "bounce markers detected")
	}
	log, err := r.emailLogs.FindByBounceKey(ctx, key)
	if err != nil {
		r.logf("receiver: bounce key lookup failed: %v", err)
		return newError(KindBouncedEmail, "bounce via VERP key %s", key)
	}
	if log == nil {
		return newError(KindBouncedEmail, "bounce via unknown VERP key %s", key)
	}
	if err := r.emailLogs.MarkBounced(ctx, log.ID); err != nil {
		r.logf("receiver: mark email log %d bounced failed: %v", log.ID, err)
	}
	r.scoreBounce(ctx, msg, log, autoGenerated)
	return newError(KindBouncedEmail, "bounce via VERP key %s", key)
}

// scoreBounce weighs the bounce by its SMTP enhanced status (4.x soft,
// 5.x hard; no status falls back on the auto-generated flag, treated
// as hard) and applies it through the day-deduplicated store.
func (r *Receiver) scoreBounce(ctx context.Context, msg *message.Message, log *models.EmailLog, autoGenerated bool) {
	if r.bounces == nil {
		r.logf("receiver: no bounce store wired, skipping score for log %d", log.ID)
		return
	}
	weight := r.mail.SoftBounceScore
	if status := smtpEnhancedStatus(msg); status != "" {
		if !strings.HasPrefix(status, "4.") {
			weight = r.mail.HardBounceScore
		}
	} else if autoGenerated {
		weight = r.mail.HardBounceScore
	}

	target, err := r.users.GetByID(ctx, log.UserID)
	if err != nil || target == nil {
		r.logf("receiver: bounce user %d lookup failed: %v", log.UserID, err)
		return
	}
	score, err := r.bounces.Record(ctx, target.Email, weight)
	if err != nil {
		r.logf("receiver: bounce score failed for %s: %v", target.Email, err)
		return
	}
	if !score.CrossedThreshold {
		return
	}
	if err := r.users.RevokeMailDelivery(ctx, target.ID); err != nil {
		r.logf("receiver: revoke mail delivery failed for user %d: %v", target.ID, err)
		return
	}
	r.audit(ctx, "revoke_email", fmt.Sprintf("user %d (%s) reached bounce score %d", target.ID, target.Email, score.Score))
}

func smtpEnhancedStatus(msg *message.Message) string {
	if m := smtpStatusRe.FindSubmatch(msg.Raw); len(m) == 2 {
		return string(m[1])
	}
	return ""
}

// isAutoGenerated flags mail from automated systems: mailing lists,
// out-of-office autoresponders, daemons. Allow-listed senders are
// never flagged.
func (r *Receiver) isAutoGenerated(msg *message.Message) bool {
	for _, allowed := range r.mail.AllowedAutoSenders {
		if strings.EqualFold(strings.TrimSpace(allowed), msg.FromAddress) {
			return false
		}
	}
	if autoPrecedenceRe.MatchString(msg.Header("Precedence")) {
		return true
	}
	if autoFromRe.MatchString(msg.FromAddress) {
		return true
	}
	return autoHeaderRe.MatchString(msg.HeaderBlob())
}

// handleAutoGenerated flags the record and decides whether processing
// may continue.
func (r *Receiver) handleAutoGenerated(ctx context.Context, rec *models.IncomingEmail, msg *message.Message) error {
	if err := r.emails.SetAutoGenerated(ctx, rec.ID); err != nil {
		r.logf("receiver: mark auto-generated failed for record %d: %v", rec.ID, err)
	}
	rec.IsAutoGenerated = true

	if header := strings.TrimSpace(r.mail.AutoGeneratedHeader); header != "" && msg.Header(header) != "" {
		return newError(KindAutoGeneratedEmailReply, "reply to this system's own auto-generated mail")
	}
	if r.mail.BlockAutoGenerated {
		return newError(KindAutoGeneratedEmail, "auto-generated mail is blocked")
	}
	return nil
}
