package receiver

import (
	"regexp"
	"strings"

	"github.com/k3a/html2text"
	"github.com/microcosm-cc/bluemonday"
)

// htmlPolicy strips scripts, styles and event handlers from HTML
// bodies before text extraction. UGC covers what mail clients emit.
var htmlPolicy = bluemonday.UGCPolicy()

var (
	onWroteRe      = regexp.MustCompile(`^On .{1,200}wrote:\s*$`)
	originalMsgRe  = regexp.MustCompile(`(?i)^-+\s*Original Message\s*-+`)
	forwardedMsgRe = regexp.MustCompile(`(?i)^-+\s*Forwarded message\s*-+`)
	outlookBreakRe = regexp.MustCompile(`^_{10,}\s*$`)
	signatureRe    = regexp.MustCompile(`^--\s?$`)
	mobileSigRe    = regexp.MustCompile(`(?i)^(Sent from my |Get Outlook for )`)
)

// selectBody picks one body candidate per the site preference, cleans
// HTML, and trims quoted history. It returns the retained text and the
// elided remainder.
func (r *Receiver) selectBody(textBody, htmlBody string) (string, string) {
	var candidate string
	useHTML := htmlBody != "" && (r.mail.PreferHTML || textBody == "")
	if useHTML {
		candidate = html2text.HTML2Text(htmlPolicy.Sanitize(htmlBody))
	} else {
		candidate = textBody
	}
	candidate = normalizeNewlines(candidate)
	return r.trimReply(candidate)
}

// trimReply removes this system's own previous-discussion block, then
// client quote chains and signatures. Everything removed comes back as
// the elided remainder so private conversations can reattach it
// collapsed.
func (r *Receiver) trimReply(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	var elidedParts []string
	if marker := strings.TrimSpace(r.mail.PreviousReplyMarker); marker != "" {
		if idx := strings.Index(text, marker); idx >= 0 {
			elidedParts = append(elidedParts, strings.TrimSpace(text[idx:]))
			text = text[:idx]
		}
	}

	lines := strings.Split(text, "\n")
	cut := len(lines)
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		switch {
		case onWroteRe.MatchString(trimmed),
			originalMsgRe.MatchString(trimmed),
			forwardedMsgRe.MatchString(trimmed),
			outlookBreakRe.MatchString(trimmed),
			mobileSigRe.MatchString(trimmed):
			cut = i
		case signatureRe.MatchString(trimmed) && i > 0:
			cut = i
		case strings.HasPrefix(strings.TrimSpace(trimmed), ">") && restIsQuoted(lines[i:]):
			cut = i
		default:
			continue
		}
		break
	}

	retained := strings.TrimSpace(strings.Join(lines[:cut], "\n"))
	if tail := strings.TrimSpace(strings.Join(lines[cut:], "\n")); tail != "" {
		elidedParts = append([]string{tail}, elidedParts...)
	}
	return retained, strings.TrimSpace(strings.Join(elidedParts, "\n\n"))
}

// restIsQuoted reports whether every remaining non-blank line is part
// of a quote block. A lone mid-message quoted line is kept.
func restIsQuoted(lines []string) bool {
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, ">") || onWroteRe.MatchString(t) {
			continue
		}
		return false
	}
	return true
}

// appendElided reattaches the elided remainder inside a collapsed
// disclosure element. Only private conversations get this treatment.
func appendElided(body, elided string) string {
	if strings.TrimSpace(elided) == "" {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n<details class='elided'>\n<summary title='Show trimmed content'>&#183;&#183;&#183;</summary>\n\n")
	b.WriteString(elided)
	b.WriteString("\n\n</details>\n")
	return b.String()
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
