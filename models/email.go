package models

import "time"

// JobStatus is the delivery state of an EmailJob.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobSending   JobStatus = "sending"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobScheduled, JobSending, JobSent, JobFailed, JobCancelled:
		return true
	}
	return false
}

// IsPending reports whether the job may still be sent.
func (s JobStatus) IsPending() bool {
	return s == JobScheduled || s == JobSending
}

func (s JobStatus) IsTerminal() bool {
	return s == JobSent || s == JobFailed || s == JobCancelled
}

// EmailJob is one schedulable attempt to send one step to one recipient.
// Retries reuse the same row.
type EmailJob struct {
	Model
	SequenceID  string `gorm:"not null;index" json:"sequence_id"`
	RecipientID string `gorm:"not null;index" json:"recipient_id"`
	StepID      string `gorm:"not null;index" json:"step_id"`
	TrackingID  string `gorm:"not null;uniqueIndex;size:64" json:"tracking_id"`

	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"`
	Status      JobStatus `gorm:"type:varchar(20);not null;index" json:"status"`

	// Materialized from the step (or its template) when the job is created
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	SentAt            *time.Time `json:"sent_at"`
	ProviderMessageID string     `gorm:"index" json:"provider_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	RetryCount        int        `gorm:"default:0" json:"retry_count"`
}

// EventType enumerates the tracked email events.
type EventType string

const (
	EventSent    EventType = "sent"
	EventOpened  EventType = "opened"
	EventClicked EventType = "clicked"
	EventReplied EventType = "replied"
)

func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventOpened, EventClicked, EventReplied:
		return true
	}
	return false
}

// EventData is opaque request metadata stored with a tracking event.
type EventData struct {
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	URL       string    `json:"url,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingEvent is an append-only record of something that happened to a job.
type TrackingEvent struct {
	Model
	JobID      string    `gorm:"not null;index" json:"job_id"`
	TrackingID string    `gorm:"not null;index;size:64" json:"tracking_id"`
	EventType  EventType `gorm:"type:varchar(20);not null;index" json:"event_type"`
	EventData  EventData `gorm:"type:jsonb;serializer:json" json:"event_data"`
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`

	// Set for events that may only be recorded once per job
	DedupeKey *string `gorm:"uniqueIndex;size:100" json:"-"`
}

// ResponseType is an explicit signal from a recipient.
type ResponseType string

const (
	ResponseReply         ResponseType = "reply"
	ResponseInterested    ResponseType = "interested"
	ResponseNotInterested ResponseType = "not_interested"
	ResponseUnsubscribe   ResponseType = "unsubscribe"
)

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseReply, ResponseInterested, ResponseNotInterested, ResponseUnsubscribe:
		return true
	}
	return false
}

// InfluencerResponse records a reply, interest signal or unsubscribe.
type InfluencerResponse struct {
	Model
	SequenceID   string       `gorm:"not null;index" json:"sequence_id"`
	InfluencerID string       `gorm:"not null;index" json:"influencer_id"`
	JobID        *string      `gorm:"index" json:"email_job_id,omitempty"`
	ResponseType ResponseType `gorm:"type:varchar(20);not null" json:"response_type"`
	Message      string       `gorm:"type:text" json:"message"`
	ResponseDate time.Time    `json:"response_date"`
	Processed    bool         `gorm:"default:false" json:"processed"`
}

// Template represents a reusable email template owned by a brand.
type Template struct {
	Model
	BrandID string `gorm:"index" json:"brand_id"`
	Name    string `gorm:"not null" json:"name"`
	Subject string `gorm:"not null" json:"subject"`
	Body    string `gorm:"type:text" json:"body"`
}
