// Package types holds the domain records shared by every component:
// intents, recurrence rules, contacts, and the events published on the bus.
// The store owns the durable copies; everything else passes these by value
// and re-reads by id when it needs the authoritative row.
package types

import "time"

// IntentStatus is the lifecycle state of a scheduled send.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusSent      IntentStatus = "sent"
	StatusDelivered IntentStatus = "delivered"
	StatusFailed    IntentStatus = "failed"
	StatusCancelled IntentStatus = "cancelled"
)

// Terminal reports whether the status is sticky. Terminal intents are never
// dispatched again; the only way out is an explicit Retry on a failed row.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s IntentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MediaKind classifies an attached media URL.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Valid reports whether k is a supported media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return true
	}
	return false
}

// Intent is one accepted send request. Exactly one of ContactID/GroupID is
// set, and MediaKind is set iff MediaURL is set.
type Intent struct {
	ID                string       `json:"id"`
	ContactID         string       `json:"contactId,omitempty"`
	GroupID           string       `json:"groupId,omitempty"`
	Content           string       `json:"content"`
	MediaURL          string       `json:"mediaUrl,omitempty"`
	MediaKind         MediaKind    `json:"mediaType,omitempty"`
	ScheduledAt       time.Time    `json:"scheduledAt"`
	Status            IntentStatus `json:"status"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	SentAt            *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time   `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time   `json:"failedAt,omitempty"`
	FailureReason     string       `json:"failureReason,omitempty"`
	Attempts          int          `json:"attempts"`
	RecurrenceRuleID  string       `json:"recurrenceRuleId,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// RuleKind selects how a recurrence rule maps onto the scheduler.
type RuleKind string

const (
	RuleDaily    RuleKind = "daily"
	RuleWeekly   RuleKind = "weekly"
	RuleMonthly  RuleKind = "monthly"
	RuleYearly   RuleKind = "yearly"
	RuleCustom   RuleKind = "custom"
	RuleBirthday RuleKind = "birthday"
)

// Valid reports whether k is a supported rule kind.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleDaily, RuleWeekly, RuleMonthly, RuleYearly, RuleCustom, RuleBirthday:
		return true
	}
	return false
}

// RecurrenceRule is a template that emits a fresh Intent on every firing.
// CronExpression and EveryNDays are mutually exclusive: custom rules carry
// an interval, every other kind carries a cron expression.
type RecurrenceRule struct {
	ID              string     `json:"id"`
	ContactID       string     `json:"contactId"`
	Kind            RuleKind   `json:"kind"`
	Content         string     `json:"content"`
	MediaURL        string     `json:"mediaUrl,omitempty"`
	MediaKind       MediaKind  `json:"mediaType,omitempty"`
	CronExpression  string     `json:"cronExpression,omitempty"`
	EveryNDays      int        `json:"everyNDays,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	MaxOccurrences  *int       `json:"maxOccurrences,omitempty"`
	OccurrenceCount int        `json:"occurrenceCount"`
	Enabled         bool       `json:"enabled"`
	LastFiredAt     *time.Time `json:"lastFiredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Exhausted reports whether the rule has produced its final firing.
func (r *RecurrenceRule) Exhausted() bool {
	return r.MaxOccurrences != nil && r.OccurrenceCount >= *r.MaxOccurrences
}

// Contact is the minimal recipient record the engine needs: a phone to
// derive the send address from, a display name for templates, and the
// birthday fields the reminder sync consumes. Birthday is "MM-DD".
type Contact struct {
	ID               string    `json:"id"`
	Phone            string    `json:"phone"`
	Name             string    `json:"name,omitempty"`
	Birthday         string    `json:"birthday,omitempty"`
	BirthdayReminder bool      `json:"birthdayReminderEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RateStatus is the rate limiter's public snapshot. ResetAt is the next
// IST midnight.
type RateStatus struct {
	SentToday int       `json:"sentToday"`
	DailyCap  int       `json:"dailyCap"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Warning   bool      `json:"warning"`
}
