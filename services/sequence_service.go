package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"

	"github.com/sirupsen/logrus"
)

type StepInput struct {
	TemplateID    *string `json:"template_id"`
	CustomSubject string  `json:"custom_subject"`
	CustomBody    string  `json:"custom_body"`
	DelayDays     int     `json:"delay_days" validate:"gte=0"`
	DelayHours    int     `json:"delay_hours" validate:"gte=0"`
	IsActive      *bool   `json:"is_active"` // defaults to true
}

type RecipientInput struct {
	InfluencerID string `json:"influencer_id" validate:"required"`
	Email        string `json:"email" validate:"required"`
}

type CreateSequenceInput struct {
	BrandID      string           `json:"brand_id" validate:"required"`
	BrandName    string           `json:"brand_name"`
	CampaignID   string           `json:"campaign_id" validate:"required"`
	CampaignName string           `json:"campaign_name"`
	Name         string           `json:"name" validate:"required,max=255"`
	Steps        []StepInput      `json:"steps" validate:"required,min=1,dive"`
	Recipients   []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

// SequenceService owns the sequence lifecycle and job creation.
type SequenceService struct {
	Store          store.Store
	Logger         *logrus.Entry
	Now            func() time.Time
	TrackingSecret string
}

func NewSequenceService(st store.Store, trackingSecret string) *SequenceService {
	return &SequenceService{
		Store:          st,
		Logger:         utils.Component("sequences"),
		Now:            func() time.Time { return time.Now().UTC() },
		TrackingSecret: trackingSecret,
	}
}

// WithStore returns a copy bound to st, typically a transaction.
func (s *SequenceService) WithStore(st store.Store) *SequenceService {
	cp := *s
	cp.Store = st
	return &cp
}

func (s *SequenceService) Create(ctx context.Context, in CreateSequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for i, r := range in.Recipients {
		if err := utils.ValidateEmailFormat(r.Email); err != nil {
			return nil, validation("recipient %d: invalid email %q", i+1, r.Email)
		}
	}

	for i, st := range in.Steps {
		if err := s.validateStep(ctx, i+1, st); err != nil {
			return nil, err
		}
	}

	seq := &models.Sequence{
		BrandID:         in.BrandID,
		BrandName:       in.BrandName,
		CampaignID:      in.CampaignID,
		CampaignName:    in.CampaignName,
		Name:            strings.TrimSpace(in.Name),
		Status:          models.SequenceDraft,
		TotalRecipients: len(in.Recipients),
	}

	err := s.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.CreateSequence(ctx, seq); err != nil {
			return fmt.Errorf("create sequence: %w", err)
		}
		for i, in := range in.Steps {
			active := true
			if in.IsActive != nil {
				active = *in.IsActive
			}
			step := models.SequenceStep{
				SequenceID:    seq.ID,
				StepOrder:     i + 1,
				TemplateID:    in.TemplateID,
				CustomSubject: in.CustomSubject,
				CustomBody:    in.CustomBody,
				DelayDays:     in.DelayDays,
				DelayHours:    in.DelayHours,
				IsActive:      active,
			}
			if err := tx.CreateStep(ctx, &step); err != nil {
				return fmt.Errorf("create step %d: %w", i+1, err)
			}
			seq.Steps = append(seq.Steps, step)
		}
		for _, in := range in.Recipients {
			r := models.SequenceRecipient{
				SequenceID:   seq.ID,
				InfluencerID: in.InfluencerID,
				Email:        strings.TrimSpace(in.Email),
				Status:       models.RecipientPending,
			}
			if err := tx.CreateRecipient(ctx, &r); err != nil {
				return fmt.Errorf("create recipient %s: %w", in.InfluencerID, err)
			}
			seq.Recipients = append(seq.Recipients, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
		"recipients":  len(seq.Recipients),
	}).Info("Sequence created")
	return seq, nil
}

func (s *SequenceService) validateStep(ctx context.Context, order int, st StepInput) error {
	hasTemplate := st.TemplateID != nil && *st.TemplateID != ""
	hasCustom := strings.TrimSpace(st.CustomSubject) != "" && strings.TrimSpace(st.CustomBody) != ""
	if !hasTemplate && !hasCustom {
		return validation("step %d needs a template or a custom subject and body", order)
	}
	if hasTemplate {
		if _, err := s.Store.GetTemplate(ctx, *st.TemplateID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validation("step %d references unknown template %s", order, *st.TemplateID)
			}
			return err
		}
	}
	return nil
}

// Start activates a draft sequence and schedules the first step for every
// pending recipient. It returns the number of jobs created.
func (s *SequenceService) Start(ctx context.Context, id string) (int, error) {
	seq, err := s.Store.GetSequence(ctx, id)
	if err != nil {
		return 0, notFound(err, "sequence "+id)
	}
	if !seq.Status.CanTransitionTo(models.SequenceActive) {
		return 0, fmt.Errorf("%w: cannot start a %s sequence", ErrInvalidStateTransition, seq.Status)
	}

	first, err := s.Store.NextActiveStep(ctx, id, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, validation("sequence has no active steps")
		}
		return 0, err
	}

	now := s.Now()
	created := 0
	err = s.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.TransitionSequence(ctx, id, models.SequenceDraft, models.SequenceActive, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: sequence is no longer a draft", ErrInvalidStateTransition)
			}
			return err
		}
		seq.Status = models.SequenceActive

		recipients, err := tx.ListRecipients(ctx, id)
		if err != nil {
			return err
		}
		for i := range recipients {
			if recipients[i].Status != models.RecipientPending {
				continue
			}
			if _, err := s.WithStore(tx).createJob(ctx, seq, &recipients[i], first, now.Add(first.Delay())); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	utils.LogEvent("sequence_started", map[string]interface{}{
		"sequence_id": id,
		"jobs":        created,
	})
	return created, nil
}

// Pause stops an active sequence. Scheduled jobs are cancelled; a job that
// is already sending finishes.
func (s *SequenceService) Pause(ctx context.Context, id string) (int64, error) {
	seq, err := s.Store.GetSequence(ctx, id)
	if err != nil {
		return 0, notFound(err, "sequence "+id)
	}
	if !seq.Status.CanTransitionTo(models.SequencePaused) {
		return 0, fmt.Errorf("%w: cannot pause a %s sequence", ErrInvalidStateTransition, seq.Status)
	}

	var cancelled int64
	err = s.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.TransitionSequence(ctx, id, models.SequenceActive, models.SequencePaused, s.Now()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: sequence is no longer active", ErrInvalidStateTransition)
			}
			return err
		}
		n, err := tx.CancelJobs(ctx, store.JobFilter{
			SequenceID: id,
			Statuses:   []models.JobStatus{models.JobScheduled},
		}, "sequence paused")
		cancelled = n
		return err
	})
	if err != nil {
		return 0, err
	}

	utils.LogEvent("sequence_paused", map[string]interface{}{
		"sequence_id":    id,
		"jobs_cancelled": cancelled,
	})
	return cancelled, nil
}

// Delete removes the sequence and everything it owns. Deleting an unknown
// sequence succeeds.
func (s *SequenceService) Delete(ctx context.Context, id string) error {
	if err := s.Store.DeleteSequenceCascade(ctx, id); err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	s.Logger.WithField("sequence_id", id).Info("Sequence deleted")
	return nil
}

// Get loads a sequence with its steps and recipients.
func (s *SequenceService) Get(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := s.Store.GetSequence(ctx, id)
	if err != nil {
		return nil, notFound(err, "sequence "+id)
	}
	if seq.Steps, err = s.Store.ListSteps(ctx, id); err != nil {
		return nil, err
	}
	if seq.Recipients, err = s.Store.ListRecipients(ctx, id); err != nil {
		return nil, err
	}
	return seq, nil
}

func (s *SequenceService) List(ctx context.Context, brandID string) ([]models.Sequence, error) {
	return s.Store.ListSequences(ctx, brandID)
}

// ScheduleNextStep is called after a job was sent at sentAt. It schedules the
// following active step or completes the recipient when none is left.
func (s *SequenceService) ScheduleNextStep(ctx context.Context, job *models.EmailJob, sentAt time.Time) (*models.EmailJob, error) {
	seq, err := s.Store.GetSequence(ctx, job.SequenceID)
	if err != nil {
		return nil, notFound(err, "sequence "+job.SequenceID)
	}
	log := s.Logger.WithFields(logrus.Fields{
		"sequence_id":  seq.ID,
		"recipient_id": job.RecipientID,
	})
	if seq.Status != models.SequenceActive {
		log.WithField("status", seq.Status).Debug("Sequence not active, next step not scheduled")
		return nil, nil
	}

	recipient, err := s.Store.GetRecipient(ctx, job.RecipientID)
	if err != nil {
		return nil, notFound(err, "recipient "+job.RecipientID)
	}
	if !recipient.Status.Active() {
		log.WithField("recipient_status", recipient.Status).Debug("Recipient left the sequence")
		return nil, nil
	}

	current, err := s.Store.GetStep(ctx, job.StepID)
	if err != nil {
		return nil, notFound(err, "step "+job.StepID)
	}

	next, err := s.Store.NextActiveStep(ctx, seq.ID, current.StepOrder)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := s.Store.UpdateRecipientStatus(ctx, recipient.ID, models.RecipientCompleted,
			models.RecipientPending, models.RecipientInProgress); err != nil {
			return nil, err
		}
		log.Info("Recipient completed sequence")
		return nil, s.CompleteIfFinished(ctx, seq.ID)
	}
	if err != nil {
		return nil, err
	}

	return s.createJob(ctx, seq, recipient, next, sentAt.Add(next.Delay()))
}

// CompleteIfFinished marks an active sequence completed once no recipient
// can receive further emails.
func (s *SequenceService) CompleteIfFinished(ctx context.Context, sequenceID string) error {
	recipients, err := s.Store.ListRecipients(ctx, sequenceID)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if r.Status.Active() {
			return nil
		}
	}
	err = s.Store.TransitionSequence(ctx, sequenceID, models.SequenceActive, models.SequenceCompleted, s.Now())
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err == nil {
		utils.LogEvent("sequence_completed", map[string]interface{}{"sequence_id": sequenceID})
	}
	return err
}

// createJob materializes the step content and schedules one job.
func (s *SequenceService) createJob(ctx context.Context, seq *models.Sequence, recipient *models.SequenceRecipient, step *models.SequenceStep, at time.Time) (*models.EmailJob, error) {
	subject, body := step.CustomSubject, step.CustomBody
	if step.TemplateID != nil && *step.TemplateID != "" && (subject == "" || body == "") {
		tmpl, err := s.Store.GetTemplate(ctx, *step.TemplateID)
		if err != nil {
			return nil, notFound(err, "template "+*step.TemplateID)
		}
		if subject == "" {
			subject = tmpl.Subject
		}
		if body == "" {
			body = tmpl.Body
		}
	}

	job := &models.EmailJob{
		SequenceID:  seq.ID,
		RecipientID: recipient.ID,
		StepID:      step.ID,
		ScheduledAt: at.UTC(),
		Status:      models.JobScheduled,
		Subject:     subject,
		Body:        body,
	}
	trackingID, err := utils.NewTrackingID(s.TrackingSecret, job.EnsureID())
	if err != nil {
		return nil, err
	}
	job.TrackingID = trackingID

	if err := s.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.Logger.WithFields(logrus.Fields{
		"sequence_id":  seq.ID,
		"recipient_id": recipient.ID,
		"step_order":   step.StepOrder,
		"job_id":       job.ID,
		"scheduled_at": job.ScheduledAt,
	}).Debug("Email job scheduled")
	return job, nil
}
