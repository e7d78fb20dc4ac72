package normalize

import (
	"sort"
	"strings"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/jmap"
)

// FlattenBodyStructure returns the leaf parts of a JMAP bodyStructure in
// document order.
func FlattenBodyStructure(root *jmap.BodyPart) []jmap.BodyPart {
	if root == nil {
		return nil
	}
	if len(root.SubParts) == 0 {
		return []jmap.BodyPart{*root}
	}
	var out []jmap.BodyPart
	for i := range root.SubParts {
		out = append(out, FlattenBodyStructure(&root.SubParts[i])...)
	}
	return out
}

// JMAP converts an Email/get record into a canonical message.
func JMAP(e *jmap.Email) model.CanonicalMessage {
	out := model.CanonicalMessage{
		ProviderMessageID: e.ID,
		ProviderThreadID:  e.ThreadID,
		Snippet:           e.Preview,
		IsUnread:          !e.Seen(),
		ReceivedAt:        e.ReceivedAt.UTC(),
	}
	if e.Subject != nil {
		out.Subject = *e.Subject
	}
	if out.ProviderThreadID == "" {
		out.ProviderThreadID = e.ID
	}

	for id, in := range e.MailboxIDs {
		if in {
			out.LabelIDs = append(out.LabelIDs, id)
		}
	}
	sort.Strings(out.LabelIDs)

	out.TextBody = firstBodyValue(e.TextBody, e.BodyValues, func(t string) bool { return t != "text/html" })
	out.HTMLBody = firstBodyValue(e.HTMLBody, e.BodyValues, func(t string) bool { return t == "text/html" })

	out.Participants = jmapParticipants(e)
	out.Attachments = jmapAttachments(e)

	return out
}

// firstBodyValue returns the first populated body value referenced by parts
// whose type passes accept.
func firstBodyValue(parts []jmap.BodyPart, values map[string]jmap.BodyValue, accept func(string) bool) *string {
	for _, p := range parts {
		if p.PartID == nil || !accept(strings.ToLower(p.Type)) {
			continue
		}
		if v, ok := values[*p.PartID]; ok && v.Value != "" {
			text := v.Value
			return &text
		}
	}
	return nil
}

func jmapParticipants(e *jmap.Email) []model.CanonicalParticipant {
	lists := []struct {
		role  model.ParticipantRole
		addrs []jmap.EmailAddress
	}{
		{model.RoleFrom, e.From},
		{model.RoleTo, e.To},
		{model.RoleCc, e.Cc},
		{model.RoleBcc, e.Bcc},
		{model.RoleReplyTo, e.ReplyTo},
	}

	var out []model.CanonicalParticipant
	for _, l := range lists {
		for _, a := range l.addrs {
			addr := model.Address{Email: strings.TrimSpace(a.Email)}
			if a.Name != nil {
				if name := strings.TrimSpace(*a.Name); name != "" {
					addr.Name = &name
				}
			}
			out = append(out, model.CanonicalParticipant{Role: l.role, Address: addr})
		}
	}
	return out
}

// jmapAttachments uses the attachments list when the server sent one, and
// otherwise the non-text leaves of bodyStructure.
func jmapAttachments(e *jmap.Email) []model.CanonicalAttachment {
	parts := e.Attachments
	if len(parts) == 0 {
		for _, leaf := range FlattenBodyStructure(e.BodyStructure) {
			mt := strings.ToLower(leaf.Type)
			if strings.HasPrefix(mt, "text/") || strings.HasPrefix(mt, "multipart/") {
				continue
			}
			parts = append(parts, leaf)
		}
	}

	var out []model.CanonicalAttachment
	for _, p := range parts {
		if p.BlobID == nil || *p.BlobID == "" {
			continue
		}
		att := model.CanonicalAttachment{
			ProviderAttachmentID: *p.BlobID,
			MimeType:             p.Type,
			Size:                 p.Size,
		}
		if p.Name != nil {
			att.Filename = *p.Name
		}
		if p.Cid != nil {
			att.ContentID = strings.Trim(*p.Cid, "<> ")
		}
		att.IsInline = (p.Disposition != nil && strings.EqualFold(*p.Disposition, "inline")) || att.ContentID != ""
		out = append(out, att)
	}
	return out
}
