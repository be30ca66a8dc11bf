package search

import (
	"strings"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Document is the indexed shape of a message, keyed by message id.
type Document struct {
	User           string                  `json:"user"`
	Mailbox        string                  `json:"mailbox"`
	UID            int64                   `json:"uid"`
	Thread         string                  `json:"thread,omitempty"`
	Modseq         int64                   `json:"modseq"`
	Created        time.Time               `json:"created"`
	IDate          time.Time               `json:"idate"`
	HDate          time.Time               `json:"hdate"`
	Size           int64                   `json:"size"`
	Subject        string                  `json:"subject"`
	MsgID          string                  `json:"msgid,omitempty"`
	InReplyTo      string                  `json:"inReplyTo,omitempty"`
	From           []Address               `json:"from,omitempty"`
	To             []Address               `json:"to,omitempty"`
	Cc             []Address               `json:"cc,omitempty"`
	Bcc            []Address               `json:"bcc,omitempty"`
	ReplyTo        []Address               `json:"replyTo,omitempty"`
	Headers        []models.Header         `json:"headers"`
	Attachments    []models.AttachmentInfo `json:"attachments,omitempty"`
	HasAttachments bool                    `json:"ha"`
	Flags          []string                `json:"flags"`
	Seen           bool                    `json:"seen"`
	Flagged        bool                    `json:"flagged"`
	Draft          bool                    `json:"draft"`
	Answered       bool                    `json:"answered"`
	Unseen         bool                    `json:"unseen"`
	Text           string                  `json:"text,omitempty"`
	HTML           string                  `json:"html,omitempty"`
}

var droppedHeaderPrefixes = []string{"x-", "arc-", "dkim-", "authentication-"}

// NewDocument projects a stored message into its index document.
func NewDocument(msg *models.MessageDocument) Document {
	doc := Document{
		User:           msg.User,
		Mailbox:        msg.Mailbox,
		UID:            msg.UID,
		Thread:         msg.Thread,
		Modseq:         msg.Modseq,
		Created:        msg.Created,
		Size:           msg.Size,
		Subject:        msg.Subject,
		MsgID:          msg.MsgID,
		InReplyTo:      msg.InReplyTo,
		From:           formatAddresses(msg.Addresses.From),
		To:             formatAddresses(msg.Addresses.To),
		Cc:             formatAddresses(msg.Addresses.Cc),
		Bcc:            formatAddresses(msg.Addresses.Bcc),
		ReplyTo:        formatAddresses(msg.Addresses.ReplyTo),
		Headers:        filterHeaders(msg.Headers),
		Attachments:    msg.Attachments,
		HasAttachments: msg.HasAttachments || len(msg.Attachments) > 0,
		Text:           msg.Text,
		HTML:           msg.HTML,
	}

	doc.IDate = msg.Created
	if msg.IDate != nil {
		doc.IDate = *msg.IDate
	}
	doc.HDate = doc.IDate
	if msg.HDate != nil {
		doc.HDate = *msg.HDate
	}

	fields := FlagsFromList(msg.Flags)
	doc.Flags = fields.Flags
	doc.Draft = fields.Draft
	doc.Flagged = fields.Flagged
	doc.Unseen = fields.Unseen
	doc.Seen = !fields.Unseen
	doc.Answered = hasFlag(msg.Flags, `\Answered`)
	return doc
}

// FlagsFromList derives the boolean flag fields from an IMAP flag list.
func FlagsFromList(flags []string) FlagFields {
	list := flags
	if list == nil {
		list = []string{}
	}
	return FlagFields{
		Draft:   hasFlag(flags, `\Draft`),
		Flagged: hasFlag(flags, `\Flagged`),
		Flags:   list,
		Unseen:  !hasFlag(flags, `\Seen`),
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// filterHeaders drops transport and authentication headers from the indexed
// copy.
func filterHeaders(headers []models.Header) []models.Header {
	out := make([]models.Header, 0, len(headers))
	for _, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h.Key))
		if key == "received" || hasAnyPrefix(key, droppedHeaderPrefixes) {
			continue
		}
		out = append(out, models.Header{Key: key, Value: h.Value})
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
