package receiver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/quorum-io/quorum-ce/internal/email/inbound/message"
	"github.com/quorum-io/quorum-ce/internal/models"
)

// inlineImageRe matches the [image: <name> <n>] placeholders mail
// clients leave where an inline image sat in the original body.
var inlineImageRe = regexp.MustCompile(`\[image:\s*([^\]]+?)(?:\s+\d+)?\]`)

// attachUploads stores each attachment through the upload service and
// rewrites the body: inline image placeholders are substituted in
// place, everything else is appended as markdown. A failing upload
// drops that attachment only; one bad file must not sink the message.
func (r *Receiver) attachUploads(ctx context.Context, user *models.User, msg *message.Message, body string, forGroupMessage bool) string {
	if r.uploads == nil {
		return body
	}
	for _, att := range msg.Attachments {
		upload, err := r.uploads.Store(ctx, user, att.Filename, att.ContentType, att.Data, forGroupMessage)
		if err != nil {
			r.logf("receiver: upload failed for %s: %v", att.Filename, err)
			continue
		}
		if upload == nil {
			continue
		}
		body = placeUpload(body, upload)
	}
	return body
}

func placeUpload(body string, upload *models.Upload) string {
	markdown := uploadMarkdown(upload)
	if upload.IsImage() {
		replaced := false
		body = inlineImageRe.ReplaceAllStringFunc(body, func(match string) string {
			if replaced {
				return match
			}
			name := strings.TrimSpace(inlineImageRe.FindStringSubmatch(match)[1])
			if !strings.EqualFold(name, upload.OriginalFilename) {
				return match
			}
			replaced = true
			return markdown
		})
		if replaced {
			return body
		}
	}
	return strings.TrimRight(body, "\n") + "\n\n" + markdown
}

func uploadMarkdown(upload *models.Upload) string {
	if upload.IsImage() {
		return fmt.Sprintf("![%s](%s)", upload.OriginalFilename, upload.URL)
	}
	return fmt.Sprintf("[%s](%s) (%s)", upload.OriginalFilename, upload.URL, humanSize(upload.Size))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
