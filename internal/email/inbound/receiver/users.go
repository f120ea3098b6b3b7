package receiver

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/quorum-io/quorum-ce/internal/models"
)

var usernameScrubRe = regexp.MustCompile(`[^a-z0-9._-]+`)

// resolveUser finds the sender's account, staging one when permitted.
// Every staged creation counts against the run's invite cap so a
// message with a huge recipient list cannot mass-stage users.
func (r *Receiver) resolveUser(ctx context.Context, run *runState, email, name string) (*models.User, error) {
	user, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		r.logf("receiver: user lookup for %s failed: %v", email, err)
	}
	if user != nil {
		return user, nil
	}
	if !r.stagingEnabled {
		return nil, newError(KindUserNotFound, "no account for %s and staging is disabled", email)
	}
	staged := &models.User{
		Username: stagedUsername(name, email),
		Name:     strings.TrimSpace(name),
		Email:    email,
		Staged:   true,
		Active:   true,
	}
	if err := r.users.CreateStaged(ctx, staged); err != nil {
		// Collisions and validation failures get one retry with a
		// random suggestion before giving up.
		staged.Username = randomUsername()
		if err := r.users.CreateStaged(ctx, staged); err != nil {
			return nil, wrapError(KindUserNotFound, err, "staging %s failed", email)
		}
	}
	run.stagedCreated++
	r.logf("receiver: staged user %s for %s", staged.Username, email)
	return staged, nil
}

// checkSenderState rejects senders whose account cannot post.
func checkSenderState(user *models.User) error {
	if user.Blocked {
		return newError(KindBlockedUser, "user %s is blocked", user.Username)
	}
	if !user.Active && !user.Staged {
		return newError(KindInactiveUser, "user %s is inactive", user.Username)
	}
	if user.SuspendedAt != nil {
		return newError(KindBlockedUser, "user %s is suspended", user.Username)
	}
	return nil
}

// stagedUsername derives a username from the display name, falling
// back to the address local part.
func stagedUsername(name, email string) string {
	if candidate := scrubUsername(name); candidate != "" {
		return candidate
	}
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	if candidate := scrubUsername(local); candidate != "" {
		return candidate
	}
	return randomUsername()
}

func scrubUsername(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, " ", "_")
	value = usernameScrubRe.ReplaceAllString(value, "")
	value = strings.Trim(value, "._-")
	if len(value) > 60 {
		value = value[:60]
	}
	return value
}

func randomUsername() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
