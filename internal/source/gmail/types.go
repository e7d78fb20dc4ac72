package gmail

import gmailv1 "google.golang.org/api/gmail/v1"

// ReadonlyScope is the scope required to fetch message bodies and
// attachments. Without it only metadata is synced.
const ReadonlyScope = gmailv1.GmailReadonlyScope

// Message formats accepted by GetMessage.
const (
	FormatFull     = "full"
	FormatMetadata = "metadata"
)

// Well-known system label ids.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
)

// Re-exported wire types so callers need not import the generated package.
type (
	Profile              = gmailv1.Profile
	Label                = gmailv1.Label
	Message              = gmailv1.Message
	MessagePart          = gmailv1.MessagePart
	MessagePartBody      = gmailv1.MessagePartBody
	MessagePartHeader    = gmailv1.MessagePartHeader
	ListMessagesResponse = gmailv1.ListMessagesResponse
	ListHistoryResponse  = gmailv1.ListHistoryResponse
	History              = gmailv1.History
	HistoryMessageAdded  = gmailv1.HistoryMessageAdded
	HistoryLabelAdded    = gmailv1.HistoryLabelAdded
	HistoryLabelRemoved  = gmailv1.HistoryLabelRemoved
	WatchResponse        = gmailv1.WatchResponse
)

// ListMessagesOptions filters users.messages.list. Zero fields are omitted.
type ListMessagesOptions struct {
	Query      string
	LabelIDs   []string
	PageToken  string
	MaxResults int64
}

// TokenInfo is the subset of the tokeninfo response the engine reads.
type TokenInfo struct {
	Scope     string `json:"scope"`
	Email     string `json:"email"`
	ExpiresIn string `json:"expires_in"`
	Audience  string `json:"aud"`
}
