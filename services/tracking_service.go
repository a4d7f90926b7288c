package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"

	"github.com/sirupsen/logrus"
)

// EventMeta is the request metadata stored with tracking events.
type EventMeta struct {
	UserAgent string
	IPAddress string
}

type ResponseInput struct {
	SequenceID   string              `json:"sequence_id" validate:"required"`
	InfluencerID string              `json:"influencer_id" validate:"required"`
	JobID        *string             `json:"email_job_id"`
	ResponseType models.ResponseType `json:"response_type" validate:"required,oneof=reply interested not_interested unsubscribe"`
	Message      string              `json:"message"`
}

// TrackingService records opens, clicks and responses and applies their
// side effects.
type TrackingService struct {
	Store     store.Store
	Sequences *SequenceService
	Logger    *logrus.Entry
	Now       func() time.Time
}

func NewTrackingService(st store.Store, sequences *SequenceService) *TrackingService {
	return &TrackingService{
		Store:     st,
		Sequences: sequences,
		Logger:    utils.Component("tracking"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *TrackingService) eventData(meta EventMeta, now time.Time) models.EventData {
	return models.EventData{
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		Timestamp: now,
	}
}

// RecordOpen records the first open of a job. Unknown tracking ids and
// repeated opens are ignored.
func (t *TrackingService) RecordOpen(ctx context.Context, trackingID string, meta EventMeta) error {
	job, err := t.Store.FindJobByTrackingID(ctx, trackingID)
	if errors.Is(err, store.ErrNotFound) {
		t.Logger.WithField("tracking_id", trackingID).Debug("Open for unknown tracking id")
		return nil
	}
	if err != nil {
		return err
	}

	now := t.Now()
	key := job.ID + ":" + string(models.EventOpened)
	inserted := false
	err = t.Store.WithinTx(ctx, func(tx store.Store) error {
		ok, err := tx.AppendEvent(ctx, &models.TrackingEvent{
			JobID:      job.ID,
			TrackingID: trackingID,
			EventType:  models.EventOpened,
			EventData:  t.eventData(meta, now),
			OccurredAt: now,
			DedupeKey:  &key,
		})
		if err != nil || !ok {
			return err
		}
		inserted = true
		return tx.IncrementSequenceCounter(ctx, job.SequenceID, store.CounterOpens, 1)
	})
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if inserted {
		utils.TrackingEvents.WithLabelValues(string(models.EventOpened)).Inc()
	}
	return nil
}

// RecordClick records every click on a tracked link.
func (t *TrackingService) RecordClick(ctx context.Context, trackingID, url string, meta EventMeta) error {
	job, err := t.Store.FindJobByTrackingID(ctx, trackingID)
	if err != nil {
		return notFound(err, "tracking id "+trackingID)
	}

	now := t.Now()
	data := t.eventData(meta, now)
	data.URL = url
	err = t.Store.WithinTx(ctx, func(tx store.Store) error {
		if _, err := tx.AppendEvent(ctx, &models.TrackingEvent{
			JobID:      job.ID,
			TrackingID: trackingID,
			EventType:  models.EventClicked,
			EventData:  data,
			OccurredAt: now,
		}); err != nil {
			return err
		}
		return tx.IncrementSequenceCounter(ctx, job.SequenceID, store.CounterClicks, 1)
	})
	if err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	utils.TrackingEvents.WithLabelValues(string(models.EventClicked)).Inc()
	return nil
}

// RecordResponse stores an influencer's response. Replies count toward the
// sequence statistics; unsubscribes stop further emails to that influencer.
func (t *TrackingService) RecordResponse(ctx context.Context, in ResponseInput) (*models.InfluencerResponse, error) {
	return t.recordResponse(ctx, in, false)
}

// recordResponse stores the response with processed already set when the
// engine has fully acted on it.
func (t *TrackingService) recordResponse(ctx context.Context, in ResponseInput, processed bool) (*models.InfluencerResponse, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := t.Store.GetSequence(ctx, in.SequenceID); err != nil {
		return nil, notFound(err, "sequence "+in.SequenceID)
	}
	recipient, err := t.Store.FindRecipient(ctx, in.SequenceID, in.InfluencerID)
	if err != nil {
		return nil, notFound(err, "recipient "+in.InfluencerID)
	}

	var job *models.EmailJob
	if in.JobID != nil && *in.JobID != "" {
		job, err = t.Store.GetJob(ctx, *in.JobID)
		if err != nil {
			return nil, notFound(err, "email job "+*in.JobID)
		}
		if job.SequenceID != in.SequenceID || job.RecipientID != recipient.ID {
			return nil, validation("email job %s does not belong to this recipient", job.ID)
		}
	}

	now := t.Now()
	resp := &models.InfluencerResponse{
		SequenceID:   in.SequenceID,
		InfluencerID: in.InfluencerID,
		ResponseType: in.ResponseType,
		Message:      in.Message,
		ResponseDate: now,
		Processed:    processed,
	}
	if job != nil {
		resp.JobID = &job.ID
	}

	err = t.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.CreateResponse(ctx, resp); err != nil {
			return err
		}
		switch in.ResponseType {
		case models.ResponseReply:
			if err := tx.IncrementSequenceCounter(ctx, in.SequenceID, store.CounterReplies, 1); err != nil {
				return err
			}
			if job != nil {
				data := models.EventData{Timestamp: now, MessageID: job.ProviderMessageID}
				if _, err := tx.AppendEvent(ctx, &models.TrackingEvent{
					JobID:      job.ID,
					TrackingID: job.TrackingID,
					EventType:  models.EventReplied,
					EventData:  data,
					OccurredAt: now,
				}); err != nil {
					return err
				}
			}
		case models.ResponseUnsubscribe:
			return t.unsubscribe(ctx, tx, recipient)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record response: %w", err)
	}

	utils.TrackingEvents.WithLabelValues(string(in.ResponseType)).Inc()
	utils.LogEvent("influencer_response", map[string]interface{}{
		"sequence_id":   in.SequenceID,
		"influencer_id": in.InfluencerID,
		"response_type": in.ResponseType,
	})
	return resp, nil
}

// UnsubscribeByLink handles the unauthenticated unsubscribe link.
func (t *TrackingService) UnsubscribeByLink(ctx context.Context, sequenceID, influencerID string) error {
	_, err := t.recordResponse(ctx, ResponseInput{
		SequenceID:   sequenceID,
		InfluencerID: influencerID,
		ResponseType: models.ResponseUnsubscribe,
		Message:      "Unsubscribed via email link",
	}, true)
	return err
}

// RecordReply attributes an inbound reply to the job whose provider message id
// it answers.
func (t *TrackingService) RecordReply(ctx context.Context, inReplyTo, message string) (*models.InfluencerResponse, error) {
	job, err := t.Store.FindJobByMessageID(ctx, inReplyTo)
	if err != nil {
		return nil, notFound(err, "message "+inReplyTo)
	}
	recipient, err := t.Store.GetRecipient(ctx, job.RecipientID)
	if err != nil {
		return nil, notFound(err, "recipient "+job.RecipientID)
	}
	return t.RecordResponse(ctx, ResponseInput{
		SequenceID:   job.SequenceID,
		InfluencerID: recipient.InfluencerID,
		JobID:        &job.ID,
		ResponseType: models.ResponseReply,
		Message:      message,
	})
}

// unsubscribe marks the recipient unsubscribed and cancels its scheduled
// jobs. A job that is already sending is left to finish.
func (t *TrackingService) unsubscribe(ctx context.Context, tx store.Store, recipient *models.SequenceRecipient) error {
	changed, err := tx.UpdateRecipientStatus(ctx, recipient.ID, models.RecipientUnsubscribed,
		models.RecipientPending, models.RecipientInProgress, models.RecipientCompleted)
	if err != nil {
		return err
	}
	cancelled, err := tx.CancelJobs(ctx, store.JobFilter{
		SequenceID:  recipient.SequenceID,
		RecipientID: recipient.ID,
		Statuses:    []models.JobStatus{models.JobScheduled},
	}, "recipient unsubscribed")
	if err != nil {
		return err
	}

	t.Logger.WithFields(logrus.Fields{
		"sequence_id":    recipient.SequenceID,
		"recipient_id":   recipient.ID,
		"status_changed": changed,
		"jobs_cancelled": cancelled,
	}).Info("Recipient unsubscribed")

	if t.Sequences != nil && changed {
		return t.Sequences.WithStore(tx).CompleteIfFinished(ctx, recipient.SequenceID)
	}
	return nil
}
