package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreachly/models"
	"outreachly/services"
	"outreachly/store"
	"outreachly/utils"

	"github.com/sirupsen/logrus"
)

// Outcome is what happened to a job handed to the processor.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
)

// RetryPolicy bounds delivery attempts. A job is tried MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: time.Hour}
}

// NewRetryPolicy varies only the backoff; the attempt cap stays fixed.
func NewRetryPolicy(backoff time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	if backoff > 0 {
		p.Backoff = backoff
	}
	return p
}

// Processor sends one due job.
type Processor interface {
	Process(ctx context.Context, job models.EmailJob) (Outcome, error)
}

// JobProcessor drives a job from scheduled to sent, retried or failed.
type JobProcessor struct {
	Store      store.Store
	Mailer     utils.MailService
	Sequences  *services.SequenceService
	Retry      RetryPolicy
	BaseURL    string
	SenderName string
	Logger     *logrus.Entry
	Now        func() time.Time
}

func NewJobProcessor(st store.Store, mailer utils.MailService, sequences *services.SequenceService, baseURL, senderName string) *JobProcessor {
	return &JobProcessor{
		Store:      st,
		Mailer:     mailer,
		Sequences:  sequences,
		Retry:      DefaultRetryPolicy(),
		BaseURL:    baseURL,
		SenderName: senderName,
		Logger:     utils.Component("processor"),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process claims and sends job. Delivery failures are recorded on the job
// and do not produce an error; the error return is reserved for store failures.
func (p *JobProcessor) Process(ctx context.Context, job models.EmailJob) (Outcome, error) {
	log := p.Logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"sequence_id":  job.SequenceID,
		"recipient_id": job.RecipientID,
	})

	claimed, err := p.Store.ClaimJob(ctx, job.ID, p.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotClaimed) || errors.Is(err, store.ErrNotFound) {
			log.Debug("Job already taken or no longer due, skipping")
			return p.record(OutcomeSkipped), nil
		}
		return "", fmt.Errorf("claim job: %w", err)
	}
	// The claimed row carries the current retry count and schedule.
	job = *claimed

	seq, err := p.Store.GetSequence(ctx, job.SequenceID)
	if err != nil {
		return "", p.release(ctx, job, fmt.Errorf("load sequence: %w", err))
	}
	if seq.Status != models.SequenceActive {
		return p.cancel(ctx, log, job, fmt.Sprintf("sequence is %s", seq.Status))
	}

	recipient, err := p.Store.GetRecipient(ctx, job.RecipientID)
	if err != nil {
		return "", p.release(ctx, job, fmt.Errorf("load recipient: %w", err))
	}
	if !recipient.Status.Active() {
		return p.cancel(ctx, log, job, fmt.Sprintf("recipient is %s", recipient.Status))
	}

	step, err := p.Store.GetStep(ctx, job.StepID)
	if err != nil {
		return "", p.release(ctx, job, fmt.Errorf("load step: %w", err))
	}

	influencer, err := p.Store.GetInfluencer(ctx, recipient.InfluencerID)
	if errors.Is(err, store.ErrNotFound) {
		influencer = &models.Influencer{Model: models.Model{ID: recipient.InfluencerID}, Email: recipient.Email}
	} else if err != nil {
		return "", p.release(ctx, job, fmt.Errorf("load influencer: %w", err))
	}

	now := p.Now()
	vars := utils.NewRenderVars(p.BaseURL, *seq, *influencer, p.SenderName, now)
	subject, body := utils.RenderContent(job.Subject, job.Body, vars)
	body = utils.InjectTracking(body, p.BaseURL, job.TrackingID)

	messageID, sendErr := p.Mailer.Send(ctx, utils.Email{
		To:      recipient.Email,
		Subject: subject,
		Body:    body,
		Headers: map[string]string{
			"List-Unsubscribe": "<" + vars.UnsubscribeURL + ">",
		},
	})
	if sendErr != nil {
		return p.handleFailure(ctx, log, job, fmt.Errorf("%w: %v", services.ErrTransportFailure, sendErr))
	}

	sentAt := p.Now()
	err = p.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.MarkJobSent(ctx, job.ID, sentAt, messageID); err != nil {
			return err
		}
		if err := tx.IncrementSequenceCounter(ctx, job.SequenceID, store.CounterEmailsSent, 1); err != nil {
			return err
		}
		if err := tx.AdvanceRecipient(ctx, recipient.ID, step.StepOrder); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, &models.TrackingEvent{
			JobID:      job.ID,
			TrackingID: job.TrackingID,
			EventType:  models.EventSent,
			EventData:  models.EventData{MessageID: messageID, Timestamp: sentAt},
			OccurredAt: sentAt,
		}); err != nil {
			return err
		}
		_, err := p.Sequences.WithStore(tx).ScheduleNextStep(ctx, &job, sentAt)
		return err
	})
	if err != nil {
		// The message is out; the job stays in sending so it is never resent.
		utils.LogError("job_record_failed", err, map[string]interface{}{
			"job_id":     job.ID,
			"message_id": messageID,
		})
		return "", fmt.Errorf("record sent job: %w", err)
	}

	log.WithFields(logrus.Fields{
		"step_order": step.StepOrder,
		"message_id": messageID,
	}).Info("Email sent")
	return p.record(OutcomeSent), nil
}

func (p *JobProcessor) handleFailure(ctx context.Context, log *logrus.Entry, job models.EmailJob, sendErr error) (Outcome, error) {
	errMsg := sendErr.Error()
	utils.LogError("email_send_failed", sendErr, map[string]interface{}{
		"job_id":      job.ID,
		"retry_count": job.RetryCount,
	})

	// An unsubscribe that arrived mid-send ends the job instead of retrying it.
	if recipient, err := p.Store.GetRecipient(ctx, job.RecipientID); err == nil && !recipient.Status.Active() {
		return p.cancel(ctx, log, job, errMsg+"; recipient is "+string(recipient.Status))
	}

	if job.RetryCount < p.Retry.MaxRetries {
		next := p.Now().Add(p.Retry.Backoff)
		if err := p.Store.RescheduleJob(ctx, job.ID, next, job.RetryCount+1, errMsg); err != nil {
			return "", fmt.Errorf("reschedule job: %w", err)
		}
		log.WithFields(logrus.Fields{
			"retry_count":  job.RetryCount + 1,
			"scheduled_at": next,
		}).Warn("Email send failed, retry scheduled")
		return p.record(OutcomeRetried), nil
	}

	if err := p.Store.FailJob(ctx, job.ID, errMsg); err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	log.WithField("retry_count", job.RetryCount).Error("Email send failed permanently")
	return p.record(OutcomeFailed), nil
}

func (p *JobProcessor) cancel(ctx context.Context, log *logrus.Entry, job models.EmailJob, reason string) (Outcome, error) {
	if _, err := p.Store.CancelJobs(ctx, store.JobFilter{
		JobID:    job.ID,
		Statuses: []models.JobStatus{models.JobSending},
	}, reason); err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	log.WithField("reason", reason).Info("Email job cancelled")
	return p.record(OutcomeCancelled), nil
}

// release hands a claimed job back to the queue after a store failure. The
// attempt does not count as a retry.
func (p *JobProcessor) release(ctx context.Context, job models.EmailJob, cause error) error {
	if err := p.Store.RescheduleJob(ctx, job.ID, job.ScheduledAt, job.RetryCount, cause.Error()); err != nil {
		p.Logger.WithError(err).WithField("job_id", job.ID).Error("Failed to release job")
	}
	return cause
}

func (p *JobProcessor) record(o Outcome) Outcome {
	utils.JobsProcessed.WithLabelValues(string(o)).Inc()
	return o
}
