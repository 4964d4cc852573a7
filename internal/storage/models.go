package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Tenant statuses.
const (
	TenantVerified        = "verified"
	TenantGuestUnverified = "guest_unverified"
)

type Tenant struct {
	ID         string
	Status     string
	QuotaBytes int64
	UsedBytes  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Source kinds of a corpus entry.
const (
	SourceUpload   = "upload"
	SourceFreeform = "freeform"
)

type CorpusEntry struct {
	ID            string
	TenantID      string
	Title         string
	Type          string
	Tags          []string
	Enabled       bool
	Priority      int
	SizeBytes     int64
	SourceKind    string
	OriginalKey   string
	QueryKey      string
	Summary       string
	LastIndexedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EntryFilter narrows ListEntries. Zero values mean no filtering.
type EntryFilter struct {
	EnabledOnly bool
	Type        string
	Limit       int
}

// Attempt states.
const (
	StateStarted   = "started"
	StateRouted    = "routed"
	StateRetrieved = "retrieved"
	StateDrafted   = "drafted"
	StateShaped    = "shaped"
	StateDelivered = "delivered"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Terminal reports whether no further transitions are allowed from state.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

type Attempt struct {
	ID         string
	EventKey   string
	Generation int
	TenantID   string
	ContactID  string
	State      string
	Outcome    string
	LastError  string
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Delivery send statuses.
const (
	SendNone    = ""
	SendSent    = "sent"
	SendFailed  = "failed"
	SendSkipped = "skipped"
)

type DeliveryRecord struct {
	AttemptID   string
	TenantID    string
	Channels    string // "text", "audio" or "both"
	AudioSent   bool
	AudioStatus string
	TextStatus  string
	TextSends   int
	UpdatedAt   time.Time
}

type AuditEntry struct {
	ID        string
	TenantID  string
	AttemptID string
	Event     string
	Channel   string
	Status    string
	Summary   string
	CreatedAt time.Time
}

type SessionSummary struct {
	TenantID   string
	ContactID  string
	Bullets    []string
	LastIntent string
	UpdatedAt  time.Time
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LeaseUntil  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
