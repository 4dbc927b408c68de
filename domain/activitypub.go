package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a directed edge from AccountId to TargetAccountId.
type Follow struct {
	Id              int64
	AccountId       int64
	TargetAccountId int64
	URI             string // ActivityPub Follow activity URI
	Accepted        bool
	CreatedAt       time.Time
}

type Mute struct {
	AccountId       int64
	TargetAccountId int64
	CreatedAt       time.Time
}

type Block struct {
	AccountId       int64
	TargetAccountId int64
	URI             string
	CreatedAt       time.Time
}

// AccountDomainBlock is a domain hidden by one user for themselves.
type AccountDomainBlock struct {
	AccountId int64
	Domain    string
}

type DomainBlockSeverity string

const (
	SeverityNoop    DomainBlockSeverity = "noop"
	SeveritySilence DomainBlockSeverity = "silence"
	SeveritySuspend DomainBlockSeverity = "suspend"
)

// DomainBlock is an instance-wide moderation decision applied to accounts
// discovered on that domain.
type DomainBlock struct {
	Domain   string
	Severity DomainBlockSeverity
}

// List is a user-curated feed of selected accounts.
type List struct {
	Id        int64
	AccountId int64 // owner
	Title     string
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	AccountId    int64  // sender, whose key signs the request
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
