package jmap

import (
	"encoding/json"
	"fmt"
	"time"
)

// Capabilities requested on every API call.
const (
	CapabilityCore = "urn:ietf:params:jmap:core"
	CapabilityMail = "urn:ietf:params:jmap:mail"
)

// Keywords with protocol meaning.
const (
	KeywordSeen = "$seen"
)

// RoleInbox is the mailbox role marking the inbox.
const RoleInbox = "inbox"

// Session is the JMAP session resource.
type Session struct {
	APIURL          string             `json:"apiUrl"`
	DownloadURL     string             `json:"downloadUrl"`
	Username        string             `json:"username"`
	State           string             `json:"state"`
	Accounts        map[string]Account `json:"accounts"`
	PrimaryAccounts map[string]string  `json:"primaryAccounts"`
}

// Account is one entry of Session.Accounts.
type Account struct {
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// Mailbox is a Mailbox/get record.
type Mailbox struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ParentID     *string `json:"parentId"`
	Role         *string `json:"role"`
	TotalEmails  int     `json:"totalEmails"`
	UnreadEmails int     `json:"unreadEmails"`
}

// EmailAddress is a JMAP address object.
type EmailAddress struct {
	Name  *string `json:"name"`
	Email string  `json:"email"`
}

// BodyPart is a node of an Email's bodyStructure.
type BodyPart struct {
	PartID      *string    `json:"partId"`
	BlobID      *string    `json:"blobId"`
	Size        int64      `json:"size"`
	Name        *string    `json:"name"`
	Type        string     `json:"type"`
	Disposition *string    `json:"disposition"`
	Cid         *string    `json:"cid"`
	SubParts    []BodyPart `json:"subParts,omitempty"`
}

// BodyValue is the decoded content of a text part.
type BodyValue struct {
	Value             string `json:"value"`
	IsEncodingProblem bool   `json:"isEncodingProblem"`
	IsTruncated       bool   `json:"isTruncated"`
}

// Email is an Email/get record with the properties the engine requests.
type Email struct {
	ID            string               `json:"id"`
	BlobID        string               `json:"blobId"`
	ThreadID      string               `json:"threadId"`
	MailboxIDs    map[string]bool      `json:"mailboxIds"`
	Keywords      map[string]bool      `json:"keywords"`
	ReceivedAt    time.Time            `json:"receivedAt"`
	Subject       *string              `json:"subject"`
	Preview       string               `json:"preview"`
	From          []EmailAddress       `json:"from"`
	To            []EmailAddress       `json:"to"`
	Cc            []EmailAddress       `json:"cc"`
	Bcc           []EmailAddress       `json:"bcc"`
	ReplyTo       []EmailAddress       `json:"replyTo"`
	TextBody      []BodyPart           `json:"textBody"`
	HTMLBody      []BodyPart           `json:"htmlBody"`
	Attachments   []BodyPart           `json:"attachments"`
	BodyStructure *BodyPart            `json:"bodyStructure"`
	BodyValues    map[string]BodyValue `json:"bodyValues"`
}

// Seen reports whether the $seen keyword is set.
func (e *Email) Seen() bool {
	return e.Keywords[KeywordSeen]
}

// emailProperties are requested on Email/get.
var emailProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "receivedAt",
	"subject", "preview", "from", "to", "cc", "bcc", "replyTo",
	"textBody", "htmlBody", "attachments", "bodyStructure", "bodyValues",
}

var bodyProperties = []string{
	"partId", "blobId", "size", "name", "type", "disposition", "cid", "subParts",
}

// KeywordFilter selects which side of the $seen keyword a query covers.
type KeywordFilter int

const (
	FilterUnread KeywordFilter = iota
	FilterSeen
)

// condition builds the Email/query FilterCondition for the inbox.
func (f KeywordFilter) condition(inboxID string) map[string]any {
	cond := map[string]any{"inMailbox": inboxID}
	switch f {
	case FilterSeen:
		cond["hasKeyword"] = KeywordSeen
	default:
		cond["notKeyword"] = KeywordSeen
	}
	return cond
}

// QueryResult is the merged result of an Email/query pass.
type QueryResult struct {
	IDs        []string
	QueryState string
}

// AddedItem is an entry of Email/queryChanges added.
type AddedItem struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// QueryChangesResult is an Email/queryChanges response.
type QueryChangesResult struct {
	OldQueryState string      `json:"oldQueryState"`
	NewQueryState string      `json:"newQueryState"`
	Removed       []string    `json:"removed"`
	Added         []AddedItem `json:"added"`
}

// Invocation is one method call or response: [name, arguments, callId].
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// MarshalJSON encodes the invocation as a three-element array.
func (i Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

// UnmarshalJSON decodes a three-element array.
func (i *Invocation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("invocation has %d elements, want 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &i.Name); err != nil {
		return err
	}
	i.Args = raw[1]
	return json.Unmarshal(raw[2], &i.CallID)
}

// Request is the body POSTed to the API URL.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Response is the body returned by the API URL.
type Response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// MethodError is the arguments of an "error" method response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}
