// Package message wraps one raw inbound email and exposes the parsed
// view the pipeline works with: addresses, subject, thread references,
// body candidates and MIME attachments. Parsing is side-effect free and
// deliberately permissive; real-world mail is malformed more often than
// not and classification must still get a chance to run.
package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

// ErrEmpty is returned when the raw input is blank.
var ErrEmpty = errors.New("message: empty input")

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const maxPartBytes = 1 << 20

// Attachment is one MIME attachment as a (filename, content-type, bytes) triple.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is the parsed view of one raw inbound email.
type Message struct {
	Raw []byte

	// MessageID is the Message-Id header, or a deterministic hash of
	// the raw bytes when the header is absent. It keys the processing
	// record, so it must be stable across re-delivery.
	MessageID string

	Subject     string
	FromAddress string
	FromName    string
	Date        time.Time

	// Destinations merges To, Cc, Bcc, X-Forwarded-To and
	// Delivered-To in header order, deduplicated, lowercased.
	Destinations []string
	ToAddresses  []string
	CcAddresses  []string

	// ReferenceIDs holds In-Reply-To and References message ids,
	// normalized and deduplicated, for thread matching.
	ReferenceIDs []string

	TextBody string
	HTMLBody string

	Attachments []Attachment

	header stdmail.Header
}

var permissiveFromRe = regexp.MustCompile(`(?:"?([^"<>]*)"?\s*)?<?([^<>\s@,;]+@[^<>\s,;]+?)>?\s*$`)

// Parse builds a Message from raw bytes. It fails only on blank input;
// everything else degrades to a best-effort parse so that
// classification can still reject the message with a recorded reason.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}
	m := &Message{Raw: raw}

	if reader, err := stdmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		m.header = reader.Header
	}
	m.parseHeaders()
	m.parseParts()

	if m.TextBody == "" && m.HTMLBody == "" && len(m.Attachments) == 0 && m.header == nil {
		// Not even a header section parsed; treat the whole input as text.
		m.TextBody = decodeText(raw, "")
	}
	return m, nil
}

func (m *Message) parseHeaders() {
	m.MessageID = normalizeMessageID(m.Header("Message-Id"))
	if m.MessageID == "" {
		sum := sha256.Sum256(m.Raw)
		m.MessageID = hex.EncodeToString(sum[:]) + "@generated"
	}

	m.Subject = decodeHeader(m.Header("Subject"))
	m.FromName, m.FromAddress = parseFrom(decodeHeader(m.Header("From")))
	if m.Subject == "" {
		if m.FromAddress != "" {
			m.Subject = fmt.Sprintf("Incoming email from %s", m.FromAddress)
		} else {
			m.Subject = "Incoming email"
		}
	}
	if m.header != nil {
		if date, err := m.header.Date(); err == nil {
			m.Date = date
		}
	}

	m.ToAddresses = m.addressList("To")
	m.CcAddresses = m.addressList("Cc")
	m.Destinations = dedupeAddresses(
		m.ToAddresses,
		m.CcAddresses,
		m.addressList("Bcc"),
		m.addressList("X-Forwarded-To"),
		m.addressList("Delivered-To"),
	)
	m.ReferenceIDs = uniqueMessageIDs(m.Header("In-Reply-To"), m.Header("References"))
}

// Header returns a single decoded header value, "" when absent.
func (m *Message) Header(name string) string {
	if m.header == nil {
		return ""
	}
	return strings.TrimSpace(m.header.Get(name))
}

// HeaderBlob returns the raw header section for vocabulary scans.
func (m *Message) HeaderBlob() string {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := bytes.Index(m.Raw, []byte(sep)); idx >= 0 {
			return string(m.Raw[:idx])
		}
	}
	return string(m.Raw)
}

func (m *Message) addressList(name string) []string {
	value := m.Header(name)
	if value == "" {
		return nil
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			if addr := strings.ToLower(strings.TrimSpace(a.Address)); addr != "" {
				out = append(out, addr)
			}
		}
		return out
	}
	// Permissive fallback: split on commas and fish out anything that
	// looks like an address.
	var out []string
	for _, piece := range strings.Split(value, ",") {
		if _, addr := parseFrom(piece); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (m *Message) parseParts() {
	reader, err := gomail.CreateReader(bytes.NewReader(m.Raw))
	if err != nil {
		m.legacyBody()
		return
	}
	defer reader.Close()
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			m.collectInline(part, header)
		case *gomail.AttachmentHeader:
			m.collectAttachment(part, header)
		}
	}
	if m.TextBody == "" && m.HTMLBody == "" && len(m.Attachments) == 0 {
		m.legacyBody()
	}
}

func (m *Message) collectInline(part *gomail.Part, header *gomail.InlineHeader) {
	mimeType, _, err := header.ContentType()
	if err != nil {
		mimeType, _ = parseContentType(header.Get("Content-Type"))
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	data, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
	if err != nil {
		return
	}
	// The charset reader already converted labelled text parts; the
	// fallback only kicks in for mislabelled or unlabelled bytes.
	body := decodeText(data, "")
	if body == "" {
		return
	}
	switch {
	case strings.HasPrefix(mimeType, "text/html"):
		if m.HTMLBody == "" {
			m.HTMLBody = body
		}
	case strings.HasPrefix(mimeType, "text/plain"), mimeType == "":
		if m.TextBody == "" {
			m.TextBody = body
		}
	}
}

func (m *Message) collectAttachment(part *gomail.Part, header *gomail.AttachmentHeader) {
	filename, err := header.Filename()
	if err != nil || strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("attachment-%d.bin", len(m.Attachments)+1)
	}
	mimeType, _, ctErr := header.ContentType()
	if ctErr != nil || strings.TrimSpace(mimeType) == "" {
		mimeType, _ = parseContentType(header.Get("Content-Type"))
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data, err := io.ReadAll(part.Body)
	if err != nil || len(data) == 0 {
		return
	}
	m.Attachments = append(m.Attachments, Attachment{
		Filename:    filename,
		ContentType: mimeType,
		Data:        data,
	})
}

func (m *Message) legacyBody() {
	reader, err := stdmail.ReadMessage(bytes.NewReader(m.Raw))
	if err != nil {
		m.TextBody = decodeText(m.Raw, "")
		return
	}
	data, err := io.ReadAll(io.LimitReader(reader.Body, maxPartBytes))
	if err != nil {
		return
	}
	mimeType, charset := parseContentType(reader.Header.Get("Content-Type"))
	body := decodeText(data, charset)
	if strings.HasPrefix(mimeType, "text/html") {
		m.HTMLBody = body
	} else {
		m.TextBody = body
	}
}

var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	},
}

func decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return strings.TrimSpace(decoded)
}

// parseFrom returns (display name, lowercased address). Structured
// parsing is tried first; a permissive pattern keeps malformed senders
// alive long enough for classification to reject them properly.
func parseFrom(value string) (string, string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Name), strings.ToLower(strings.TrimSpace(addr.Address))
	}
	if m := permissiveFromRe.FindStringSubmatch(value); len(m) == 3 {
		return strings.TrimSpace(m[1]), strings.ToLower(strings.TrimSpace(m[2]))
	}
	return "", ""
}

func parseContentType(value string) (string, string) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", ""
	}
	mediaType := raw
	charset := ""
	if parsed, params, err := mime.ParseMediaType(raw); err == nil {
		mediaType = parsed
		charset = strings.TrimSpace(params["charset"])
	}
	return strings.ToLower(mediaType), strings.ToLower(charset)
}

// decodeText normalizes part bytes to valid UTF-8: the declared charset
// first (already applied by the charset reader for labelled parts),
// then UTF-8 as-is, then Latin-1 as the legacy fallback.
func decodeText(data []byte, charset string) string {
	if len(data) == 0 {
		return ""
	}
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if reader, err := htmlcharset.NewReaderLabel(charset, bytes.NewReader(data)); err == nil {
			if decoded, err := io.ReadAll(reader); err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(decoded) {
		return ""
	}
	return string(decoded)
}

var messageIDRe = regexp.MustCompile(`<([^<>]+)>`)

func uniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		matches := messageIDRe.FindAllStringSubmatch(raw, -1)
		if len(matches) == 0 {
			add(normalizeMessageID(raw))
			continue
		}
		for _, match := range matches {
			add(normalizeMessageID(match[1]))
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}

func dedupeAddresses(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
