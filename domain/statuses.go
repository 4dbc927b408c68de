package domain

import (
	"fmt"
	"sync/atomic"
	"time"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// Status is a single post. A reblog points at its original through
// ReblogOfId; the reference is always to the original, never to another
// reblog.
type Status struct {
	Id                 int64
	URI                string
	URL                string
	AccountId          int64
	Account            *Account
	Text               string
	SpoilerText        string
	Sensitive          bool
	Visibility         Visibility
	ReblogOfId         int64
	Reblog             *Status
	Reply              bool // set even when the parent is unknown to us
	InReplyToId        int64
	InReplyToAccountId int64
	ConversationId     int64
	Local              bool
	Mentions           []int64 // mentioned account ids
	Tags               []string
	CreatedAt          time.Time
}

func (s *Status) IsReblog() bool {
	return s.ReblogOfId != 0
}

func (s *Status) IsPublic() bool {
	return s.Visibility == VisibilityPublic
}

// Proper returns the status whose content is shown: the original for a
// reblog, the status itself otherwise.
func (s *Status) Proper() *Status {
	if s.IsReblog() && s.Reblog != nil {
		return s.Reblog
	}
	return s
}

// MentionsAccount reports whether accountId is mentioned by the status.
func (s *Status) MentionsAccount(accountId int64) bool {
	for _, id := range s.Mentions {
		if id == accountId {
			return true
		}
	}
	return false
}

func (s *Status) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tAccountId: %d \n\tText: %s \n\tCreatedAt: %s)", s.Id, s.AccountId, s.Text, s.CreatedAt)
}

var statusSequence atomic.Uint32

// NewStatusId returns a time-ordered id: milliseconds since the epoch in the
// upper bits and a rolling sequence in the lower 16 bits. Ids generated later
// compare greater, so they double as timeline scores.
func NewStatusId(t time.Time) int64 {
	seq := statusSequence.Add(1) & 0xffff
	return t.UnixMilli()<<16 | int64(seq)
}
