package indexer

import (
	"errors"
	"strings"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

type Action string

const (
	ActionNew    Action = "new"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
)

// jobOptions is the retry and retention policy of every indexing job.
var jobOptions = models.IndexJobOptions{
	MaxAttempts: 5,
	Backoff:     2 * time.Second,
	KeepDone:    100,
	KeepFailed:  100,
}

type JobPayload struct {
	Action  Action   `json:"action"`
	User    string   `json:"user"`
	Mailbox string   `json:"mailbox"`
	Message string   `json:"message"`
	UID     int64    `json:"uid"`
	Modseq  int64    `json:"modseq,omitempty"`
	Flags   []string `json:"flags,omitempty"`
}

var (
	errUnknownAction  = errors.New("unknown job action")
	errMissingMessage = errors.New("job has no message id")
)

func (p *JobPayload) Normalize() {
	p.Action = Action(strings.ToLower(strings.TrimSpace(string(p.Action))))
	p.User = strings.TrimSpace(p.User)
	p.Mailbox = strings.TrimSpace(p.Mailbox)
	p.Message = strings.TrimSpace(p.Message)
}

func (p JobPayload) Validate() error {
	switch p.Action {
	case ActionNew, ActionDelete, ActionUpdate:
	default:
		return errUnknownAction
	}
	if p.Message == "" {
		return errMissingMessage
	}
	return nil
}

// logAttrs is the context attached to every log record and notification
// about the job.
func (p JobPayload) logAttrs() []any {
	return []any{"action", p.Action, "user", p.User, "mailbox", p.Mailbox, "message", p.Message, "uid", p.UID, "modseq", p.Modseq}
}

// payloadFromEntry maps a journal command to its indexing job. It reports
// false for commands the indexer does not handle.
func payloadFromEntry(e models.JournalEntry) (JobPayload, bool) {
	p := JobPayload{
		User:    e.User,
		Mailbox: e.Mailbox,
		Message: e.Message,
		UID:     e.UID,
		Modseq:  e.Modseq,
	}
	switch models.JournalCommand(strings.ToUpper(string(e.Command))) {
	case models.CommandExists:
		p.Action = ActionNew
	case models.CommandExpunge:
		p.Action = ActionDelete
	case models.CommandFetch:
		p.Action = ActionUpdate
		p.Flags = e.Flags
		if p.Flags == nil {
			p.Flags = []string{}
		}
	default:
		return JobPayload{}, false
	}
	return p, true
}
