package services

import (
	"context"
	"testing"
	"time"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"

	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	store     *store.MemoryStore
	clock     *clock
	sequences *SequenceService
	tracking  *TrackingService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	clk := &clock{now: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)}

	seqs := NewSequenceService(st, "test-secret")
	seqs.Now = clk.Now
	tracking := NewTrackingService(st, seqs)
	tracking.Now = clk.Now

	return &harness{store: st, clock: clk, sequences: seqs, tracking: tracking}
}

func validInput() CreateSequenceInput {
	return CreateSequenceInput{
		BrandID:      "brand-1",
		BrandName:    "Lumen",
		CampaignID:   "camp-1",
		CampaignName: "Glow Serum",
		Name:         "Spring launch",
		Steps: []StepInput{
			{CustomSubject: "Hi {first_name}", CustomBody: "Intro"},
			{CustomSubject: "Following up", CustomBody: "Any thoughts?", DelayDays: 3},
		},
		Recipients: []RecipientInput{
			{InfluencerID: "inf-1", Email: "ada@example.com"},
			{InfluencerID: "inf-2", Email: "grace@example.com"},
		},
	}
}

func (h *harness) createAndStart(t *testing.T, in CreateSequenceInput) *models.Sequence {
	t.Helper()
	seq, err := h.sequences.Create(context.Background(), in)
	require.NoError(t, err)
	_, err = h.sequences.Start(context.Background(), seq.ID)
	require.NoError(t, err)
	return seq
}

func (h *harness) jobs(t *testing.T, filter store.JobFilter) []models.EmailJob {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), filter)
	require.NoError(t, err)
	return jobs
}

func (h *harness) claim(t *testing.T, id string) {
	t.Helper()
	_, err := h.store.ClaimJob(context.Background(), id, h.clock.Now())
	require.NoError(t, err)
}

// send moves a scheduled job through claim and sent the way the processor does.
func (h *harness) send(t *testing.T, job models.EmailJob, messageID string) {
	t.Helper()
	ctx := context.Background()
	h.claim(t, job.ID)
	require.NoError(t, h.store.MarkJobSent(ctx, job.ID, h.clock.Now(), messageID))
	require.NoError(t, h.store.IncrementSequenceCounter(ctx, job.SequenceID, store.CounterEmailsSent, 1))
	step, err := h.store.GetStep(ctx, job.StepID)
	require.NoError(t, err)
	require.NoError(t, h.store.AdvanceRecipient(ctx, job.RecipientID, step.StepOrder))
}

func init() {
	utils.InitLogger("test", "error")
}
