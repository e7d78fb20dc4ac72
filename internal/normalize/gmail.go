package normalize

import (
	"bytes"
	"encoding/base64"
	"html"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// PartAttachmentPrefix marks attachment ids synthesized from a part id for
// parts that carry their data inline and have no Gmail attachment id.
const PartAttachmentPrefix = "part:"

// FlattenGmailParts returns root and all of its descendants in pre-order.
func FlattenGmailParts(root *gmail.MessagePart) []*gmail.MessagePart {
	if root == nil {
		return nil
	}
	out := []*gmail.MessagePart{root}
	for _, child := range root.Parts {
		out = append(out, FlattenGmailParts(child)...)
	}
	return out
}

// Gmail converts a users.messages.get response into a canonical message.
// Bodies and attachments are only found when msg was fetched in full
// format.
func Gmail(msg *gmail.Message) model.CanonicalMessage {
	out := model.CanonicalMessage{
		ProviderMessageID: msg.Id,
		ProviderThreadID:  msg.ThreadId,
		Snippet:           html.UnescapeString(msg.Snippet),
		LabelIDs:          append([]string(nil), msg.LabelIds...),
		ReceivedAt:        time.UnixMilli(msg.InternalDate).UTC(),
	}
	sort.Strings(out.LabelIDs)

	for _, id := range msg.LabelIds {
		if id == gmail.LabelUnread {
			out.IsUnread = true
		}
	}

	if msg.Payload == nil {
		return out
	}

	hdr := partHeader(msg.Payload)
	out.Subject = hdr.Get("Subject")
	out.Participants = gmailParticipants(hdr)
	if out.ProviderThreadID == "" {
		out.ProviderThreadID = msg.Id
	}

	for _, part := range FlattenGmailParts(msg.Payload) {
		if len(part.Parts) > 0 {
			continue
		}
		ph := partHeader(part)

		if isGmailAttachment(part) {
			out.Attachments = append(out.Attachments, gmailAttachment(part, ph))
			continue
		}

		switch strings.ToLower(part.MimeType) {
		case "text/plain":
			if out.TextBody == nil {
				out.TextBody = decodeGmailText(part, ph)
			}
		case "text/html":
			if out.HTMLBody == nil {
				out.HTMLBody = decodeGmailText(part, ph)
			}
		}
	}

	if out.TextBody == nil && out.HTMLBody == nil && msg.Payload.Body != nil && msg.Payload.Body.Data != "" {
		body := decodeGmailText(msg.Payload, hdr)
		if strings.EqualFold(msg.Payload.MimeType, "text/html") {
			out.HTMLBody = body
		} else {
			out.TextBody = body
		}
	}

	return out
}

// partHeader copies the Gmail header list into a message.Header.
func partHeader(part *gmail.MessagePart) message.Header {
	var h message.Header
	for _, kv := range part.Headers {
		h.Add(kv.Name, kv.Value)
	}
	return h
}

func gmailParticipants(h message.Header) []model.CanonicalParticipant {
	roles := []struct {
		role   model.ParticipantRole
		header string
	}{
		{model.RoleFrom, "From"},
		{model.RoleTo, "To"},
		{model.RoleCc, "Cc"},
		{model.RoleBcc, "Bcc"},
		{model.RoleReplyTo, "Reply-To"},
	}

	var out []model.CanonicalParticipant
	for _, r := range roles {
		for _, addr := range ParseAddressList(h.Get(r.header)) {
			out = append(out, model.CanonicalParticipant{Role: r.role, Address: addr})
		}
	}
	return out
}

// isGmailAttachment reports whether a leaf part is an attachment candidate:
// it carries an attachment id or filename, or is a non-text type.
func isGmailAttachment(part *gmail.MessagePart) bool {
	if part.Filename != "" {
		return true
	}
	if part.Body != nil && part.Body.AttachmentId != "" {
		return true
	}
	mt := strings.ToLower(part.MimeType)
	return mt != "" && !strings.HasPrefix(mt, "text/") && !strings.HasPrefix(mt, "multipart/")
}

func gmailAttachment(part *gmail.MessagePart, h message.Header) model.CanonicalAttachment {
	att := model.CanonicalAttachment{
		Filename: part.Filename,
		MimeType: part.MimeType,
	}

	if part.Body != nil {
		att.ProviderAttachmentID = part.Body.AttachmentId
		att.Size = part.Body.Size
		if part.Body.Data != "" {
			if data, err := DecodeBase64URL(part.Body.Data); err == nil {
				att.Data = data
				if att.Size == 0 {
					att.Size = int64(len(data))
				}
			}
		}
	}
	if att.ProviderAttachmentID == "" {
		att.ProviderAttachmentID = PartAttachmentPrefix + part.PartId
	}

	att.ContentID = strings.Trim(h.Get("Content-Id"), "<> ")
	disp, _, err := h.ContentDisposition()
	att.IsInline = (err == nil && strings.EqualFold(disp, "inline")) || att.ContentID != ""

	return att
}

// decodeGmailText decodes a text part body and converts it to UTF-8.
// Undecodable bodies yield nil.
func decodeGmailText(part *gmail.MessagePart, h message.Header) *string {
	if part.Body == nil || part.Body.Data == "" {
		return nil
	}
	data, err := DecodeBase64URL(part.Body.Data)
	if err != nil {
		return nil
	}

	text := toUTF8(data, h)
	return &text
}

func toUTF8(data []byte, h message.Header) string {
	_, params, err := h.ContentType()
	if err != nil {
		return string(data)
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(data)
	}

	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(converted)
}

// DecodeBase64URL decodes Gmail's base64url body data, padded or not.
func DecodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
