package services

import (
	"context"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

type SequenceAnalytics struct {
	SequenceID      string                `json:"sequence_id"`
	Status          models.SequenceStatus `json:"status"`
	TotalRecipients int                   `json:"total_recipients"`
	EmailsSent      int                   `json:"emails_sent"`
	Opens           int                   `json:"opens"`
	Clicks          int                   `json:"clicks"`
	Replies         int                   `json:"replies"`

	// Percentages of emails sent, rounded to two decimals
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
	ReplyRate float64 `json:"reply_rate"`

	Jobs       map[models.JobStatus]int       `json:"jobs"`
	Recipients map[models.RecipientStatus]int `json:"recipients"`
	Events     []models.TrackingEvent         `json:"events"`
}

// Analytics reports a sequence's counters, derived rates and event timeline.
func (s *SequenceService) Analytics(ctx context.Context, id string) (*SequenceAnalytics, error) {
	seq, err := s.Store.GetSequence(ctx, id)
	if err != nil {
		return nil, notFound(err, "sequence "+id)
	}

	out := &SequenceAnalytics{
		SequenceID:      seq.ID,
		Status:          seq.Status,
		TotalRecipients: seq.TotalRecipients,
		EmailsSent:      seq.EmailsSent,
		Opens:           seq.Opens,
		Clicks:          seq.Clicks,
		Replies:         seq.Replies,
		OpenRate:        utils.Percentage(seq.Opens, seq.EmailsSent),
		ClickRate:       utils.Percentage(seq.Clicks, seq.EmailsSent),
		ReplyRate:       utils.Percentage(seq.Replies, seq.EmailsSent),
		Jobs: map[models.JobStatus]int{
			models.JobScheduled: 0,
			models.JobSending:   0,
			models.JobSent:      0,
			models.JobFailed:    0,
			models.JobCancelled: 0,
		},
		Recipients: map[models.RecipientStatus]int{
			models.RecipientPending:      0,
			models.RecipientInProgress:   0,
			models.RecipientCompleted:    0,
			models.RecipientUnsubscribed: 0,
		},
	}

	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{SequenceID: id})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		out.Jobs[j.Status]++
	}

	recipients, err := s.Store.ListRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, r := range recipients {
		out.Recipients[r.Status]++
	}

	if out.Events, err = s.Store.ListEvents(ctx, id); err != nil {
		return nil, err
	}
	if out.Events == nil {
		out.Events = []models.TrackingEvent{}
	}
	return out, nil
}
