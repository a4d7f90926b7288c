package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"outreachly/models"
	"outreachly/services"
	"outreachly/store"
	"outreachly/utils"

	"github.com/stretchr/testify/require"
)

func init() {
	utils.InitLogger("test", "error")
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []utils.Email
	err    error
	before func(utils.Email)
}

func (m *fakeMailer) Send(ctx context.Context, email utils.Email) (string, error) {
	if m.before != nil {
		m.before(email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, email)
	return fmt.Sprintf("<msg-%d@brand.example>", len(m.sent)), nil
}

func (m *fakeMailer) Sent() []utils.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]utils.Email(nil), m.sent...)
}

type env struct {
	store     *store.MemoryStore
	now       time.Time
	mailer    *fakeMailer
	sequences *services.SequenceService
	tracking  *services.TrackingService
	processor *JobProcessor
	queue     *QueueManager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  store.NewMemoryStore(),
		now:    time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
		mailer: &fakeMailer{},
	}
	clock := func() time.Time { return e.now }

	e.sequences = services.NewSequenceService(e.store, "test-secret")
	e.sequences.Now = clock
	e.tracking = services.NewTrackingService(e.store, e.sequences)
	e.tracking.Now = clock

	e.processor = NewJobProcessor(e.store, e.mailer, e.sequences, "https://app.example.com", "Maya")
	e.processor.Now = clock

	e.queue = NewQueueManager(e.store, e.processor, QueueConfig{Interval: time.Hour, BatchSize: 10})
	e.queue.now = clock
	return e
}

// startSequence creates an active sequence with a three day follow up.
func (e *env) startSequence(t *testing.T, influencers ...string) *models.Sequence {
	t.Helper()
	ctx := context.Background()
	in := services.CreateSequenceInput{
		BrandID:      "brand-1",
		BrandName:    "Lumen",
		CampaignID:   "camp-1",
		CampaignName: "Glow Serum",
		Name:         "Spring launch",
		Steps: []services.StepInput{
			{CustomSubject: "Hi {first_name}", CustomBody: `<p>Hello {influencer_name}, see <a href="https://lumen.example">this</a>. <a href="{unsubscribe_link}">Unsubscribe</a></p>`},
			{CustomSubject: "Following up", CustomBody: "<p>Any thoughts?</p>", DelayDays: 3},
		},
	}
	for i, id := range influencers {
		email := fmt.Sprintf("creator%d@example.com", i)
		in.Recipients = append(in.Recipients, services.RecipientInput{InfluencerID: id, Email: email})
		require.NoError(t, e.store.CreateInfluencer(ctx, &models.Influencer{
			Model:         models.Model{ID: id},
			Name:          "Ada Lovelace",
			Email:         email,
			Platform:      "instagram",
			FollowerCount: 12_500,
		}))
	}
	seq, err := e.sequences.Create(ctx, in)
	require.NoError(t, err)
	_, err = e.sequences.Start(ctx, seq.ID)
	require.NoError(t, err)
	return seq
}

func (e *env) jobs(t *testing.T, filter store.JobFilter) []models.EmailJob {
	t.Helper()
	jobs, err := e.store.ListJobs(context.Background(), filter)
	require.NoError(t, err)
	return jobs
}

func (e *env) job(t *testing.T, id string) *models.EmailJob {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}
