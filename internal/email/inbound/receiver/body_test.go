package receiver

import (
	"strings"
	"testing"

	"github.com/quorum-io/quorum-ce/internal/config"
)

func TestSelectBodyPrefersTextByDefault(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.selectBody("plain text wins", "<p>html loses</p>")
	if body != "plain text wins" {
		t.Fatalf("got %q", body)
	}
}

func TestSelectBodyPreferHTMLSanitizes(t *testing.T) {
	env := newEnv(t, func(cfg *config.MailConfig) { cfg.PreferHTML = true })
	body, _ := env.rcv.selectBody("plain", "<p>Hello <b>world</b></p><script>alert('x')</script>")
	if !strings.Contains(body, "Hello world") {
		t.Fatalf("html text lost: %q", body)
	}
	if strings.Contains(body, "alert") {
		t.Fatalf("script content survived sanitization: %q", body)
	}
}

func TestSelectBodyFallsBackToHTML(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.selectBody("", "<p>only html</p>")
	if !strings.Contains(body, "only html") {
		t.Fatalf("got %q", body)
	}
}

func TestTrimReplyOnWroteLine(t *testing.T) {
	env := newEnv(t, nil)
	body, elided := env.rcv.trimReply("New idea.\n\nOn Mon, Jan 5, 2026 at 10:00 AM Alice <a@x.com> wrote:\n> old idea\n> more old")
	if body != "New idea." {
		t.Fatalf("body %q", body)
	}
	if !strings.Contains(elided, "old idea") {
		t.Fatalf("elided %q", elided)
	}
}

func TestTrimReplyOriginalMessageMarker(t *testing.T) {
	env := newEnv(t, nil)
	body, elided := env.rcv.trimReply("Reply text.\n-----Original Message-----\nFrom: someone\nolder text")
	if body != "Reply text." {
		t.Fatalf("body %q", body)
	}
	if !strings.Contains(elided, "older text") {
		t.Fatalf("elided %q", elided)
	}
}

func TestTrimReplyForwardedMarker(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.trimReply("See below.\n---------- Forwarded message ----------\nFrom: x\noriginal")
	if body != "See below." {
		t.Fatalf("body %q", body)
	}
}

func TestTrimReplyOutlookDivider(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.trimReply("Top reply.\n________________________________\nFrom: someone\nquoted")
	if body != "Top reply." {
		t.Fatalf("body %q", body)
	}
}

func TestTrimReplySignature(t *testing.T) {
	env := newEnv(t, nil)
	body, elided := env.rcv.trimReply("Actual content.\n-- \nAlice\nSupport Team")
	if body != "Actual content." {
		t.Fatalf("body %q", body)
	}
	if !strings.Contains(elided, "Support Team") {
		t.Fatalf("elided %q", elided)
	}
}

func TestTrimReplyLeadingSignatureMarkerKept(t *testing.T) {
	env := newEnv(t, nil)
	// A dash-dash on the first line is content, not a signature split.
	body, _ := env.rcv.trimReply("--\nnot a signature")
	if body == "" {
		t.Fatalf("leading marker must not erase the body")
	}
}

func TestTrimReplyMobileSignature(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.trimReply("Quick answer.\nSent from my iPhone")
	if body != "Quick answer." {
		t.Fatalf("body %q", body)
	}
}

func TestTrimReplySiteMarker(t *testing.T) {
	env := newEnv(t, nil)
	body, elided := env.rcv.trimReply("Fresh reply.\n\n---\n*Previous Replies*\n\nall the history")
	if body != "Fresh reply." {
		t.Fatalf("body %q", body)
	}
	if !strings.Contains(elided, "all the history") {
		t.Fatalf("elided %q", elided)
	}
}

func TestTrimReplyKeepsMidMessageQuote(t *testing.T) {
	env := newEnv(t, nil)
	text := "You said:\n> the widget is broken\nand I agree, here is a fix."
	body, elided := env.rcv.trimReply(text)
	if body != text {
		t.Fatalf("inline quote was trimmed: %q", body)
	}
	if elided != "" {
		t.Fatalf("unexpected elided %q", elided)
	}
}

func TestTrimReplyFullyQuoted(t *testing.T) {
	env := newEnv(t, nil)
	body, elided := env.rcv.trimReply("> everything here\n> is quoted")
	if body != "" {
		t.Fatalf("body %q", body)
	}
	if !strings.Contains(elided, "is quoted") {
		t.Fatalf("elided %q", elided)
	}
}

func TestTrimReplyNormalizesCRLF(t *testing.T) {
	env := newEnv(t, nil)
	body, _ := env.rcv.selectBody("line one\r\nline two\r\n", "")
	if body != "line one\nline two" {
		t.Fatalf("got %q", body)
	}
}

func TestAppendElided(t *testing.T) {
	out := appendElided("visible", "hidden history")
	if !strings.HasPrefix(out, "visible") {
		t.Fatalf("body mangled: %q", out)
	}
	if !strings.Contains(out, "<details class='elided'>") || !strings.Contains(out, "hidden history") {
		t.Fatalf("elided block missing: %q", out)
	}

	if got := appendElided("visible", "  "); got != "visible" {
		t.Fatalf("blank elided must be a no-op, got %q", got)
	}
}
