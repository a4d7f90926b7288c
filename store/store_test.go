package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"outreachly/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks behavior every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SequenceTransitions", func(t *testing.T) { testSequenceTransitions(t, newStore(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("NextActiveStep", func(t *testing.T) { testNextActiveStep(t, newStore(t)) })
	t.Run("Recipients", func(t *testing.T) { testRecipients(t, newStore(t)) })
	t.Run("JobLifecycle", func(t *testing.T) { testJobLifecycle(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("CancelJobs", func(t *testing.T) { testCancelJobs(t, newStore(t)) })
	t.Run("EventDedupe", func(t *testing.T) { testEventDedupe(t, newStore(t)) })
	t.Run("WithinTxRollback", func(t *testing.T) { testWithinTxRollback(t, newStore(t)) })
	t.Run("DeleteCascade", func(t *testing.T) { testDeleteCascade(t, newStore(t)) })
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	seq       *models.Sequence
	steps     []*models.SequenceStep
	recipient *models.SequenceRecipient
}

func seed(t *testing.T, st Store, activeSteps ...bool) fixture {
	t.Helper()
	ctx := context.Background()

	seq := &models.Sequence{BrandID: "brand-1", CampaignID: "camp-1", Name: "Launch", Status: models.SequenceDraft, TotalRecipients: 1}
	require.NoError(t, st.CreateSequence(ctx, seq))

	f := fixture{seq: seq}
	for i, active := range activeSteps {
		step := &models.SequenceStep{
			SequenceID:    seq.ID,
			StepOrder:     i + 1,
			CustomSubject: fmt.Sprintf("Subject %d", i+1),
			CustomBody:    "Body",
			DelayDays:     i * 3,
			IsActive:      active,
		}
		require.NoError(t, st.CreateStep(ctx, step))
		f.steps = append(f.steps, step)
	}

	r := &models.SequenceRecipient{SequenceID: seq.ID, InfluencerID: "inf-1", Email: "ada@example.com", Status: models.RecipientPending}
	require.NoError(t, st.CreateRecipient(ctx, r))
	f.recipient = r
	return f
}

func newJob(t *testing.T, st Store, f fixture, step *models.SequenceStep, trackingID string, at time.Time) *models.EmailJob {
	t.Helper()
	job := &models.EmailJob{
		SequenceID:  f.seq.ID,
		RecipientID: f.recipient.ID,
		StepID:      step.ID,
		TrackingID:  trackingID,
		ScheduledAt: at,
		Status:      models.JobScheduled,
		Subject:     step.CustomSubject,
		Body:        step.CustomBody,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func testSequenceTransitions(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)

	require.NoError(t, st.TransitionSequence(ctx, f.seq.ID, models.SequenceDraft, models.SequenceActive, t0))
	err := st.TransitionSequence(ctx, f.seq.ID, models.SequenceDraft, models.SequenceActive, t0)
	assert.ErrorIs(t, err, ErrConflict)

	err = st.TransitionSequence(ctx, "missing", models.SequenceDraft, models.SequenceActive, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.GetSequence(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceActive, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(t0))

	require.NoError(t, st.TransitionSequence(ctx, f.seq.ID, models.SequenceActive, models.SequencePaused, t0.Add(time.Hour)))
	got, err = st.GetSequence(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequencePaused, got.Status)
	require.NotNil(t, got.PausedAt)

	seqs, err := st.ListSequences(ctx, "brand-1")
	require.NoError(t, err)
	assert.Len(t, seqs, 1)
	seqs, err = st.ListSequences(ctx, "brand-2")
	require.NoError(t, err)
	assert.Empty(t, seqs)
}

func testCounters(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.IncrementSequenceCounter(ctx, f.seq.ID, CounterOpens, 1))
		}()
	}
	wg.Wait()
	require.NoError(t, st.IncrementSequenceCounter(ctx, f.seq.ID, CounterEmailsSent, 3))

	got, err := st.GetSequence(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Opens)
	assert.Equal(t, 3, got.EmailsSent)

	assert.Error(t, st.IncrementSequenceCounter(ctx, f.seq.ID, Counter("bounces"), 1))
	assert.ErrorIs(t, st.IncrementSequenceCounter(ctx, "missing", CounterOpens, 1), ErrNotFound)
}

func testNextActiveStep(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true, false, true)

	next, err := st.NextActiveStep(ctx, f.seq.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, next.StepOrder)

	next, err = st.NextActiveStep(ctx, f.seq.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, next.StepOrder, "inactive step 2 is skipped")

	_, err = st.NextActiveStep(ctx, f.seq.ID, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	steps, err := st.ListSteps(ctx, f.seq.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.False(t, steps[1].IsActive)

	dup := &models.SequenceStep{SequenceID: f.seq.ID, StepOrder: 2, CustomSubject: "x", CustomBody: "y"}
	assert.Error(t, st.CreateStep(ctx, dup), "step order is unique per sequence")
}

func testRecipients(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)

	found, err := st.FindRecipient(ctx, f.seq.ID, "inf-1")
	require.NoError(t, err)
	assert.Equal(t, f.recipient.ID, found.ID)
	_, err = st.FindRecipient(ctx, f.seq.ID, "inf-404")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.AdvanceRecipient(ctx, f.recipient.ID, 1))
	got, err := st.GetRecipient(ctx, f.recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientInProgress, got.Status)
	assert.Equal(t, 1, got.CurrentStep)

	changed, err := st.UpdateRecipientStatus(ctx, f.recipient.ID, models.RecipientCompleted, models.RecipientPending)
	require.NoError(t, err)
	assert.False(t, changed, "precondition not met")

	changed, err = st.UpdateRecipientStatus(ctx, f.recipient.ID, models.RecipientUnsubscribed, models.RecipientPending, models.RecipientInProgress)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, st.AdvanceRecipient(ctx, f.recipient.ID, 2))
	got, err = st.GetRecipient(ctx, f.recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientUnsubscribed, got.Status, "advancing never resubscribes")
	assert.Equal(t, 2, got.CurrentStep)
}

func testJobLifecycle(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)
	job := newJob(t, st, f, f.steps[0], "trk-1", t0)
	newJob(t, st, f, f.steps[0], "trk-later", t0.Add(48*time.Hour))

	due, err := st.DueJobs(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, job.ID, due[0].ID)

	claimed, err := st.ClaimJob(ctx, job.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.JobSending, claimed.Status)
	_, err = st.ClaimJob(ctx, job.ID, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotClaimed)
	_, err = st.ClaimJob(ctx, "missing", t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)

	due, err = st.DueJobs(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "sending jobs are not due")

	require.NoError(t, st.RescheduleJob(ctx, job.ID, t0.Add(time.Hour), 1, "smtp timeout"))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobScheduled, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "smtp timeout", got.ErrorMessage)
	assert.True(t, got.ScheduledAt.Equal(t0.Add(time.Hour)))

	_, err = st.ClaimJob(ctx, job.ID, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotClaimed, "a rescheduled job is not claimable before its new time")
	claimed, err = st.ClaimJob(ctx, job.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.RetryCount, "the claim returns the current row")
	require.NoError(t, st.MarkJobSent(ctx, job.ID, t0.Add(time.Hour), "<m1@brand.example>"))
	assert.ErrorIs(t, st.FailJob(ctx, job.ID, "late"), ErrConflict)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSent, got.Status)
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.SentAt)

	byTracking, err := st.FindJobByTrackingID(ctx, "trk-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byTracking.ID)
	byMessage, err := st.FindJobByMessageID(ctx, "<m1@brand.example>")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byMessage.ID)
	_, err = st.FindJobByMessageID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentClaim(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)
	job := newJob(t, st, f, f.steps[0], "trk-race", t0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ClaimJob(ctx, job.ID, t0)
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrNotClaimed)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func testCancelJobs(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true, true)
	scheduled := newJob(t, st, f, f.steps[1], "trk-a", t0)
	sending := newJob(t, st, f, f.steps[0], "trk-b", t0)
	_, err := st.ClaimJob(ctx, sending.ID, t0)
	require.NoError(t, err)

	n, err := st.CancelJobs(ctx, JobFilter{
		SequenceID: f.seq.ID,
		Statuses:   []models.JobStatus{models.JobScheduled},
	}, "sequence paused")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetJob(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Equal(t, "sequence paused", got.ErrorMessage)

	got, err = st.GetJob(ctx, sending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSending, got.Status)

	jobs, err := st.ListJobs(ctx, JobFilter{SequenceID: f.seq.ID, Statuses: []models.JobStatus{models.JobCancelled}})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testEventDedupe(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)
	job := newJob(t, st, f, f.steps[0], "trk-ev", t0)

	key := job.ID + ":opened"
	for i := 0; i < 3; i++ {
		inserted, err := st.AppendEvent(ctx, &models.TrackingEvent{
			JobID:      job.ID,
			TrackingID: job.TrackingID,
			EventType:  models.EventOpened,
			EventData:  models.EventData{UserAgent: "Mail", Timestamp: t0},
			OccurredAt: t0.Add(time.Duration(i) * time.Minute),
			DedupeKey:  &key,
		})
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}
	for i := 0; i < 2; i++ {
		inserted, err := st.AppendEvent(ctx, &models.TrackingEvent{
			JobID:      job.ID,
			TrackingID: job.TrackingID,
			EventType:  models.EventClicked,
			EventData:  models.EventData{URL: "https://brand.example"},
			OccurredAt: t0.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	events, err := st.ListEvents(ctx, f.seq.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventOpened, events[0].EventType)
	assert.Equal(t, "Mail", events[0].EventData.UserAgent)
	assert.Equal(t, "https://brand.example", events[2].EventData.URL)
}

func testWithinTxRollback(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(tx Store) error {
		require.NoError(t, tx.IncrementSequenceCounter(ctx, f.seq.ID, CounterClicks, 5))
		require.NoError(t, tx.TransitionSequence(ctx, f.seq.ID, models.SequenceDraft, models.SequenceActive, t0))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetSequence(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Clicks)
	assert.Equal(t, models.SequenceDraft, got.Status)

	require.NoError(t, st.WithinTx(ctx, func(tx Store) error {
		return tx.IncrementSequenceCounter(ctx, f.seq.ID, CounterClicks, 2)
	}))
	got, err = st.GetSequence(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Clicks)
}

func testDeleteCascade(t *testing.T, st Store) {
	ctx := context.Background()
	f := seed(t, st, true)
	other := seed(t, st, true)
	job := newJob(t, st, f, f.steps[0], "trk-del", t0)
	otherJob := newJob(t, st, other, other.steps[0], "trk-keep", t0)

	for _, j := range []*models.EmailJob{job, otherJob} {
		_, err := st.AppendEvent(ctx, &models.TrackingEvent{JobID: j.ID, TrackingID: j.TrackingID, EventType: models.EventSent, OccurredAt: t0})
		require.NoError(t, err)
	}
	require.NoError(t, st.CreateResponse(ctx, &models.InfluencerResponse{
		SequenceID: f.seq.ID, InfluencerID: "inf-1", ResponseType: models.ResponseReply, ResponseDate: t0,
	}))

	require.NoError(t, st.DeleteSequenceCascade(ctx, f.seq.ID))
	require.NoError(t, st.DeleteSequenceCascade(ctx, f.seq.ID), "deleting twice is fine")

	_, err := st.GetSequence(ctx, f.seq.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetRecipient(ctx, f.recipient.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	steps, err := st.ListSteps(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	responses, err := st.ListResponses(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.Empty(t, responses)

	events, err := st.ListEvents(ctx, other.seq.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1, "other sequences are untouched")
	_, err = st.GetJob(ctx, otherJob.ID)
	assert.NoError(t, err)
}
