package model

import "time"

// Thread aggregates the messages sharing a provider thread id.
// MessageCount and UnreadCount are recomputed after every message write.
type Thread struct {
	ID               string     `json:"id"`
	ConnectionID     string     `json:"connection_id"`
	ProviderThreadID string     `json:"provider_thread_id"`
	Subject          string     `json:"subject"`
	Snippet          string     `json:"snippet"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	MessageCount     int        `json:"message_count"`
	UnreadCount      int        `json:"unread_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Message is a single persisted email.
type Message struct {
	ID                string `json:"id"`
	ConnectionID      string `json:"connection_id"`
	ThreadID          string `json:"thread_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Subject           string `json:"subject"`
	Snippet           string `json:"snippet"`

	// TextBody and HTMLBody are nil when the body was not fetched
	// (metadata-only sync) or the message has no such part.
	TextBody *string `json:"text_body,omitempty"`
	HTMLBody *string `json:"html_body,omitempty"`

	IsUnread  bool `json:"is_unread"`
	IsBlocked bool `json:"is_blocked"`
	IsNoise   bool `json:"is_noise"`

	// LLMProcessed is owned by the analysis consumer; reconciliation
	// never sets it.
	LLMProcessed bool `json:"llm_processed"`

	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ParticipantRole is the header a participant was listed under.
type ParticipantRole string

const (
	RoleFrom    ParticipantRole = "from"
	RoleTo      ParticipantRole = "to"
	RoleCc      ParticipantRole = "cc"
	RoleBcc     ParticipantRole = "bcc"
	RoleReplyTo ParticipantRole = "reply-to"
)

// Participant is one address on a message.
type Participant struct {
	MessageID string          `json:"message_id"`
	Role      ParticipantRole `json:"role"`
	Email     string          `json:"email"`
	Name      *string         `json:"name,omitempty"`
}

// Label is a Gmail label or a JMAP mailbox.
type Label struct {
	ID              string `json:"id"`
	ConnectionID    string `json:"connection_id"`
	ProviderLabelID string `json:"provider_label_id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
}

// Attachment is a stored message attachment.
type Attachment struct {
	ID                   string `json:"id"`
	MessageID            string `json:"message_id"`
	ProviderAttachmentID string `json:"provider_attachment_id"`
	Filename             string `json:"filename"`
	MimeType             string `json:"mime_type"`
	Size                 int64  `json:"size"`
	IsInline             bool   `json:"is_inline"`
	ContentID            string `json:"content_id,omitempty"`
	Content              []byte `json:"-"`
}

// Address is a parsed mailbox. Name is nil when the source carried no
// display name or could not be parsed.
type Address struct {
	Name  *string
	Email string
}

// CanonicalParticipant pairs an address with its role.
type CanonicalParticipant struct {
	Role    ParticipantRole
	Address Address
}

// CanonicalAttachment is an attachment candidate found by the normalizer.
// Data is set when the provider delivered the bytes inline or they were
// downloaded afterwards.
type CanonicalAttachment struct {
	ProviderAttachmentID string
	Filename             string
	MimeType             string
	Size                 int64
	IsInline             bool
	ContentID            string
	Data                 []byte
}

// CanonicalMessage is the provider-agnostic shape produced by the
// normalizer and consumed by reconciliation.
type CanonicalMessage struct {
	ProviderMessageID string
	ProviderThreadID  string
	Subject           string
	Snippet           string
	TextBody          *string
	HTMLBody          *string
	Attachments       []CanonicalAttachment
	Participants      []CanonicalParticipant
	LabelIDs          []string
	IsUnread          bool
	ReceivedAt        time.Time
}

// StripContent drops bodies and attachments, leaving a metadata-only
// message.
func (m *CanonicalMessage) StripContent() {
	m.TextBody = nil
	m.HTMLBody = nil
	m.Attachments = nil
}
