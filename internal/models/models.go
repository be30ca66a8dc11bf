package models

import (
	"time"
)

// Attachment is the metadata row of one unique attachment body. ID is the
// content hash of the stored bytes.
type Attachment struct {
	ID               []byte
	ContentType      string
	TransferEncoding string
	Length           int64
	ChunkSize        int
	RefCount         int64
	Magic            float64
	Decoded          bool
	LineLength       int
	TrailingBreak    bool
	EstimatedSize    int64
	UploadDate       time.Time
}

type JournalCommand string

const (
	CommandExists  JournalCommand = "EXISTS"
	CommandExpunge JournalCommand = "EXPUNGE"
	CommandFetch   JournalCommand = "FETCH"
)

// JournalEntry is one mailbox mutation written by the message store layer.
// Command and User are empty when the underlying columns are NULL.
type JournalEntry struct {
	ID        int64
	Command   JournalCommand
	User      string
	Mailbox   string
	Message   string
	UID       int64
	Modseq    int64
	Flags     []string
	CreatedAt time.Time
}

const (
	QueueLive    = "live_indexing"
	QueueBacklog = "backlog_indexing"
)

const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

type IndexJob struct {
	ID          int64
	Queue       string
	Status      string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	KeepDone    int
	KeepFailed  int
	AvailableAt time.Time
	LockedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DoneAt      *time.Time
}

// IndexJobOptions controls retry and history retention of an enqueued job.
// A negative Keep value disables trimming of that history.
type IndexJobOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	KeepDone    int
	KeepFailed  int
}

type QueueStats struct {
	Queue      string `json:"queue"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Done       int    `json:"done"`
	Failed     int    `json:"failed"`
}

type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AddressNode is a parsed address list element. Group members are nested.
type AddressNode struct {
	Name    string        `json:"name,omitempty"`
	Address string        `json:"address,omitempty"`
	Group   []AddressNode `json:"group,omitempty"`
}

type MessageAddresses struct {
	From    []AddressNode `json:"from,omitempty"`
	To      []AddressNode `json:"to,omitempty"`
	Cc      []AddressNode `json:"cc,omitempty"`
	Bcc     []AddressNode `json:"bcc,omitempty"`
	ReplyTo []AddressNode `json:"replyTo,omitempty"`
}

type AttachmentInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"cid,omitempty"`
	Size        int64  `json:"size"`
}

// MessageDocument is the message store projection the indexer reads. Heavy
// fields (bodystructure, envelope, MIME tree) are never loaded.
type MessageDocument struct {
	ID             string
	User           string
	Mailbox        string
	UID            int64
	Thread         string
	Modseq         int64
	Flags          []string
	IDate          *time.Time
	HDate          *time.Time
	Created        time.Time
	Size           int64
	Subject        string
	MsgID          string
	InReplyTo      string
	Headers        []Header
	Addresses      MessageAddresses
	Attachments    []AttachmentInfo
	HasAttachments bool
	Text           string
	HTML           string
}

// MessageRef identifies a message for backlog reindexing.
type MessageRef struct {
	ID      string
	User    string
	Mailbox string
	UID     int64
	Modseq  int64
}
