package model

import "time"

// Account holds the credentials and endpoint for one mailbox. Immutable for
// the duration of a run.
type Account struct {
	Address  string
	Password string
	Host     string
	Port     int
	UseTLS   bool
}

// MessageTask is one (folder, uid) download unit. It is created by
// enumeration and consumed by exactly one worker to a terminal outcome.
type MessageTask struct {
	Folder  string
	UID     uint32
	Attempt int
}

// Outcome is the terminal state of a MessageTask.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeSkippedDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Message is a fetched email: the dedup key plus raw RFC 822 bytes.
type Message struct {
	MessageID  string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}
