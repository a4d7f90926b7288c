// Package store defines the durable store the sequence engine runs against
// and its implementations.
package store

import (
	"context"
	"errors"
	"time"

	"outreachly/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrNotClaimed is returned when a job is no longer in the state the caller
	// expected, usually because another worker got to it first.
	ErrNotClaimed = errors.New("job already claimed")
	// ErrConflict is returned by conditional updates whose precondition failed.
	ErrConflict = errors.New("record is not in the expected state")
)

// Counter names a monotonic Sequence statistic.
type Counter string

const (
	CounterEmailsSent Counter = "emails_sent"
	CounterOpens      Counter = "opens"
	CounterClicks     Counter = "clicks"
	CounterReplies    Counter = "replies"
)

func (c Counter) Valid() bool {
	switch c {
	case CounterEmailsSent, CounterOpens, CounterClicks, CounterReplies:
		return true
	}
	return false
}

// JobFilter selects email jobs. Empty fields are ignored.
type JobFilter struct {
	JobID       string
	SequenceID  string
	RecipientID string
	Statuses    []models.JobStatus
}

func (f JobFilter) matches(job *models.EmailJob) bool {
	if f.JobID != "" && job.ID != f.JobID {
		return false
	}
	if f.SequenceID != "" && job.SequenceID != f.SequenceID {
		return false
	}
	if f.RecipientID != "" && job.RecipientID != f.RecipientID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// Store is the durable store for sequences and everything they own.
type Store interface {
	// WithinTx runs fn against a store whose writes commit or roll back together.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	CreateSequence(ctx context.Context, seq *models.Sequence) error
	GetSequence(ctx context.Context, id string) (*models.Sequence, error)
	ListSequences(ctx context.Context, brandID string) ([]models.Sequence, error)
	// TransitionSequence moves a sequence from one status to another and
	// returns ErrConflict when it is not currently in from.
	TransitionSequence(ctx context.Context, id string, from, to models.SequenceStatus, at time.Time) error
	IncrementSequenceCounter(ctx context.Context, id string, counter Counter, delta int) error
	// DeleteSequenceCascade removes the sequence and every record it owns.
	// Deleting a missing sequence is not an error.
	DeleteSequenceCascade(ctx context.Context, id string) error

	CreateStep(ctx context.Context, step *models.SequenceStep) error
	GetStep(ctx context.Context, id string) (*models.SequenceStep, error)
	ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error)
	// NextActiveStep returns the first active step with StepOrder > afterOrder.
	NextActiveStep(ctx context.Context, sequenceID string, afterOrder int) (*models.SequenceStep, error)

	CreateRecipient(ctx context.Context, r *models.SequenceRecipient) error
	GetRecipient(ctx context.Context, id string) (*models.SequenceRecipient, error)
	ListRecipients(ctx context.Context, sequenceID string) ([]models.SequenceRecipient, error)
	FindRecipient(ctx context.Context, sequenceID, influencerID string) (*models.SequenceRecipient, error)
	// AdvanceRecipient records a sent step and marks the recipient in progress
	// unless it already left the sequence.
	AdvanceRecipient(ctx context.Context, id string, stepOrder int) error
	// UpdateRecipientStatus sets the status, optionally only when the current
	// status is one of from. It reports whether a row changed.
	UpdateRecipientStatus(ctx context.Context, id string, to models.RecipientStatus, from ...models.RecipientStatus) (bool, error)

	CreateJob(ctx context.Context, job *models.EmailJob) error
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	FindJobByTrackingID(ctx context.Context, trackingID string) (*models.EmailJob, error)
	FindJobByMessageID(ctx context.Context, messageID string) (*models.EmailJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]models.EmailJob, error)
	// DueJobs returns up to limit scheduled jobs whose scheduled_at <= now.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error)
	// ClaimJob atomically moves a job that is scheduled and due at now to
	// sending, and returns the claimed row.
	ClaimJob(ctx context.Context, id string, now time.Time) (*models.EmailJob, error)
	MarkJobSent(ctx context.Context, id string, sentAt time.Time, providerMessageID string) error
	// RescheduleJob returns a sending job to scheduled for another attempt.
	RescheduleJob(ctx context.Context, id string, at time.Time, retryCount int, errMsg string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	// CancelJobs cancels every job matching filter and returns how many changed.
	CancelJobs(ctx context.Context, filter JobFilter, reason string) (int64, error)

	// AppendEvent stores ev. When ev.DedupeKey is already taken nothing is
	// written and inserted is false.
	AppendEvent(ctx context.Context, ev *models.TrackingEvent) (inserted bool, err error)
	ListEvents(ctx context.Context, sequenceID string) ([]models.TrackingEvent, error)

	CreateResponse(ctx context.Context, resp *models.InfluencerResponse) error
	ListResponses(ctx context.Context, sequenceID string) ([]models.InfluencerResponse, error)

	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	CreateInfluencer(ctx context.Context, inf *models.Influencer) error
	GetInfluencer(ctx context.Context, id string) (*models.Influencer, error)
}
