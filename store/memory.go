package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreachly/models"
)

// table keeps rows keyed by id and remembers insertion order.
type table[T any] struct {
	rows map[string]row[T]
	next int64
}

type row[T any] struct {
	n int64
	v T
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]row[T])}
}

func (t *table[T]) put(id string, v T) {
	r, ok := t.rows[id]
	if !ok {
		t.next++
		r.n = t.next
	}
	r.v = v
	t.rows[id] = r
}

func (t *table[T]) get(id string) (T, bool) {
	r, ok := t.rows[id]
	return r.v, ok
}

func (t *table[T]) has(id string) bool {
	_, ok := t.rows[id]
	return ok
}

func (t *table[T]) remove(id string) {
	delete(t.rows, id)
}

func (t *table[T]) all() []T {
	rows := make([]row[T], 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].n < rows[j].n })
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

func (t *table[T]) clone() *table[T] {
	c := &table[T]{rows: make(map[string]row[T], len(t.rows)), next: t.next}
	for k, v := range t.rows {
		c.rows[k] = v
	}
	return c
}

type tables struct {
	sequences   *table[models.Sequence]
	steps       *table[models.SequenceStep]
	recipients  *table[models.SequenceRecipient]
	jobs        *table[models.EmailJob]
	events      *table[models.TrackingEvent]
	responses   *table[models.InfluencerResponse]
	templates   *table[models.Template]
	influencers *table[models.Influencer]
	dedupe      map[string]string
}

func newTables() *tables {
	return &tables{
		sequences:   newTable[models.Sequence](),
		steps:       newTable[models.SequenceStep](),
		recipients:  newTable[models.SequenceRecipient](),
		jobs:        newTable[models.EmailJob](),
		events:      newTable[models.TrackingEvent](),
		responses:   newTable[models.InfluencerResponse](),
		templates:   newTable[models.Template](),
		influencers: newTable[models.Influencer](),
		dedupe:      make(map[string]string),
	}
}

func (t *tables) clone() *tables {
	d := make(map[string]string, len(t.dedupe))
	for k, v := range t.dedupe {
		d[k] = v
	}
	return &tables{
		sequences:   t.sequences.clone(),
		steps:       t.steps.clone(),
		recipients:  t.recipients.clone(),
		jobs:        t.jobs.clone(),
		events:      t.events.clone(),
		responses:   t.responses.clone(),
		templates:   t.templates.clone(),
		influencers: t.influencers.clone(),
		dedupe:      d,
	}
}

type memoryState struct {
	mu   sync.Mutex
	txMu sync.Mutex
	t    *tables
}

// MemoryStore is an in-process arena of record tables keyed by id. It backs
// the tests and the STORE_DRIVER=memory development mode.
//
// Transactions are serialized and implemented by snapshot and restore, so a
// rollback also discards writes made concurrently by non-transactional callers.
type MemoryStore struct {
	state *memoryState
	inTx  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{t: newTables()}}
}

func (m *MemoryStore) lock() (*tables, func()) {
	m.state.mu.Lock()
	return m.state.t, m.state.mu.Unlock
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.state.txMu.Lock()
	defer m.state.txMu.Unlock()

	m.state.mu.Lock()
	snapshot := m.state.t.clone()
	m.state.mu.Unlock()

	if err := fn(&MemoryStore{state: m.state, inTx: true}); err != nil {
		m.state.mu.Lock()
		m.state.t = snapshot
		m.state.mu.Unlock()
		return err
	}
	return nil
}

func stamp(m *models.Model) {
	now := time.Now().UTC()
	m.EnsureID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

func touch(m *models.Model) {
	m.UpdatedAt = time.Now().UTC()
}

// Sequences

func (m *MemoryStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&seq.Model)
	if t.sequences.has(seq.ID) {
		return fmt.Errorf("sequence %s already exists", seq.ID)
	}
	row := *seq
	row.Steps, row.Recipients = nil, nil
	t.sequences.put(seq.ID, row)
	return nil
}

func (m *MemoryStore) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	t, unlock := m.lock()
	defer unlock()
	seq, ok := t.sequences.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &seq, nil
}

func (m *MemoryStore) ListSequences(ctx context.Context, brandID string) ([]models.Sequence, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.Sequence
	for _, seq := range t.sequences.all() {
		if brandID == "" || seq.BrandID == brandID {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (m *MemoryStore) TransitionSequence(ctx context.Context, id string, from, to models.SequenceStatus, at time.Time) error {
	t, unlock := m.lock()
	defer unlock()
	seq, ok := t.sequences.get(id)
	if !ok {
		return ErrNotFound
	}
	if seq.Status != from {
		return ErrConflict
	}
	seq.Status = to
	applyTransitionTime(&seq, to, at)
	touch(&seq.Model)
	t.sequences.put(id, seq)
	return nil
}

func applyTransitionTime(seq *models.Sequence, to models.SequenceStatus, at time.Time) {
	switch to {
	case models.SequenceActive:
		seq.StartedAt = &at
	case models.SequencePaused:
		seq.PausedAt = &at
	case models.SequenceCompleted:
		seq.CompletedAt = &at
	}
}

func (m *MemoryStore) IncrementSequenceCounter(ctx context.Context, id string, counter Counter, delta int) error {
	if !counter.Valid() {
		return fmt.Errorf("unknown counter %q", counter)
	}
	t, unlock := m.lock()
	defer unlock()
	seq, ok := t.sequences.get(id)
	if !ok {
		return ErrNotFound
	}
	switch counter {
	case CounterEmailsSent:
		seq.EmailsSent += delta
	case CounterOpens:
		seq.Opens += delta
	case CounterClicks:
		seq.Clicks += delta
	case CounterReplies:
		seq.Replies += delta
	}
	t.sequences.put(id, seq)
	return nil
}

func (m *MemoryStore) DeleteSequenceCascade(ctx context.Context, id string) error {
	t, unlock := m.lock()
	defer unlock()

	jobIDs := make(map[string]struct{})
	for _, job := range t.jobs.all() {
		if job.SequenceID == id {
			jobIDs[job.ID] = struct{}{}
		}
	}
	for _, ev := range t.events.all() {
		if _, ok := jobIDs[ev.JobID]; ok {
			if ev.DedupeKey != nil {
				delete(t.dedupe, *ev.DedupeKey)
			}
			t.events.remove(ev.ID)
		}
	}
	for jobID := range jobIDs {
		t.jobs.remove(jobID)
	}
	for _, r := range t.responses.all() {
		if r.SequenceID == id {
			t.responses.remove(r.ID)
		}
	}
	for _, r := range t.recipients.all() {
		if r.SequenceID == id {
			t.recipients.remove(r.ID)
		}
	}
	for _, s := range t.steps.all() {
		if s.SequenceID == id {
			t.steps.remove(s.ID)
		}
	}
	t.sequences.remove(id)
	return nil
}

// Steps

func (m *MemoryStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	t, unlock := m.lock()
	defer unlock()
	for _, s := range t.steps.all() {
		if s.SequenceID == step.SequenceID && s.StepOrder == step.StepOrder {
			return fmt.Errorf("step %d already exists for sequence %s", step.StepOrder, step.SequenceID)
		}
	}
	stamp(&step.Model)
	t.steps.put(step.ID, *step)
	return nil
}

func (m *MemoryStore) GetStep(ctx context.Context, id string) (*models.SequenceStep, error) {
	t, unlock := m.lock()
	defer unlock()
	step, ok := t.steps.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &step, nil
}

func (m *MemoryStore) ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.SequenceStep
	for _, s := range t.steps.all() {
		if s.SequenceID == sequenceID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (m *MemoryStore) NextActiveStep(ctx context.Context, sequenceID string, afterOrder int) (*models.SequenceStep, error) {
	steps, err := m.ListSteps(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.StepOrder > afterOrder && s.IsActive {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// Recipients

func (m *MemoryStore) CreateRecipient(ctx context.Context, r *models.SequenceRecipient) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&r.Model)
	t.recipients.put(r.ID, *r)
	return nil
}

func (m *MemoryStore) GetRecipient(ctx context.Context, id string) (*models.SequenceRecipient, error) {
	t, unlock := m.lock()
	defer unlock()
	r, ok := t.recipients.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListRecipients(ctx context.Context, sequenceID string) ([]models.SequenceRecipient, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.SequenceRecipient
	for _, r := range t.recipients.all() {
		if r.SequenceID == sequenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindRecipient(ctx context.Context, sequenceID, influencerID string) (*models.SequenceRecipient, error) {
	t, unlock := m.lock()
	defer unlock()
	for _, r := range t.recipients.all() {
		if r.SequenceID == sequenceID && r.InfluencerID == influencerID {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AdvanceRecipient(ctx context.Context, id string, stepOrder int) error {
	t, unlock := m.lock()
	defer unlock()
	r, ok := t.recipients.get(id)
	if !ok {
		return ErrNotFound
	}
	r.CurrentStep = stepOrder
	if r.Status.Active() {
		r.Status = models.RecipientInProgress
	}
	touch(&r.Model)
	t.recipients.put(id, r)
	return nil
}

func (m *MemoryStore) UpdateRecipientStatus(ctx context.Context, id string, to models.RecipientStatus, from ...models.RecipientStatus) (bool, error) {
	t, unlock := m.lock()
	defer unlock()
	r, ok := t.recipients.get(id)
	if !ok {
		return false, ErrNotFound
	}
	if len(from) > 0 {
		allowed := false
		for _, s := range from {
			if r.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	r.Status = to
	touch(&r.Model)
	t.recipients.put(id, r)
	return true, nil
}

// Jobs

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.EmailJob) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&job.Model)
	for _, j := range t.jobs.all() {
		if j.TrackingID == job.TrackingID {
			return fmt.Errorf("tracking id %s already in use", job.TrackingID)
		}
	}
	t.jobs.put(job.ID, *job)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	t, unlock := m.lock()
	defer unlock()
	job, ok := t.jobs.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryStore) findJob(match func(*models.EmailJob) bool) (*models.EmailJob, error) {
	t, unlock := m.lock()
	defer unlock()
	for _, job := range t.jobs.all() {
		if match(&job) {
			return &job, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindJobByTrackingID(ctx context.Context, trackingID string) (*models.EmailJob, error) {
	return m.findJob(func(j *models.EmailJob) bool { return j.TrackingID == trackingID })
}

func (m *MemoryStore) FindJobByMessageID(ctx context.Context, messageID string) (*models.EmailJob, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	return m.findJob(func(j *models.EmailJob) bool { return j.ProviderMessageID == messageID })
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]models.EmailJob, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.EmailJob
	for _, job := range t.jobs.all() {
		if filter.matches(&job) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *MemoryStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.EmailJob
	for _, job := range t.jobs.all() {
		if job.Status == models.JobScheduled && !job.ScheduledAt.After(now) {
			out = append(out, job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// updateJob applies fn to a job currently in status from.
func (m *MemoryStore) updateJob(id string, from models.JobStatus, missing error, fn func(*models.EmailJob)) error {
	t, unlock := m.lock()
	defer unlock()
	job, ok := t.jobs.get(id)
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return missing
	}
	fn(&job)
	touch(&job.Model)
	t.jobs.put(id, job)
	return nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, id string, now time.Time) (*models.EmailJob, error) {
	t, unlock := m.lock()
	defer unlock()
	job, ok := t.jobs.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != models.JobScheduled || job.ScheduledAt.After(now) {
		return nil, ErrNotClaimed
	}
	job.Status = models.JobSending
	touch(&job.Model)
	t.jobs.put(id, job)
	return &job, nil
}

func (m *MemoryStore) MarkJobSent(ctx context.Context, id string, sentAt time.Time, providerMessageID string) error {
	return m.updateJob(id, models.JobSending, ErrConflict, func(j *models.EmailJob) {
		j.Status = models.JobSent
		j.SentAt = &sentAt
		j.ProviderMessageID = providerMessageID
		j.ErrorMessage = ""
	})
}

func (m *MemoryStore) RescheduleJob(ctx context.Context, id string, at time.Time, retryCount int, errMsg string) error {
	return m.updateJob(id, models.JobSending, ErrConflict, func(j *models.EmailJob) {
		j.Status = models.JobScheduled
		j.ScheduledAt = at
		j.RetryCount = retryCount
		j.ErrorMessage = errMsg
	})
}

func (m *MemoryStore) FailJob(ctx context.Context, id string, errMsg string) error {
	return m.updateJob(id, models.JobSending, ErrConflict, func(j *models.EmailJob) {
		j.Status = models.JobFailed
		j.ErrorMessage = errMsg
	})
}

func (m *MemoryStore) CancelJobs(ctx context.Context, filter JobFilter, reason string) (int64, error) {
	t, unlock := m.lock()
	defer unlock()
	var n int64
	for _, job := range t.jobs.all() {
		if !filter.matches(&job) || job.Status.IsTerminal() {
			continue
		}
		job.Status = models.JobCancelled
		job.ErrorMessage = reason
		touch(&job.Model)
		t.jobs.put(job.ID, job)
		n++
	}
	return n, nil
}

// Events

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	t, unlock := m.lock()
	defer unlock()
	if ev.DedupeKey != nil {
		if _, taken := t.dedupe[*ev.DedupeKey]; taken {
			return false, nil
		}
	}
	stamp(&ev.Model)
	if ev.DedupeKey != nil {
		t.dedupe[*ev.DedupeKey] = ev.ID
	}
	t.events.put(ev.ID, *ev)
	return true, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sequenceID string) ([]models.TrackingEvent, error) {
	t, unlock := m.lock()
	defer unlock()
	jobIDs := make(map[string]struct{})
	for _, job := range t.jobs.all() {
		if job.SequenceID == sequenceID {
			jobIDs[job.ID] = struct{}{}
		}
	}
	var out []models.TrackingEvent
	for _, ev := range t.events.all() {
		if _, ok := jobIDs[ev.JobID]; ok {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Responses

func (m *MemoryStore) CreateResponse(ctx context.Context, resp *models.InfluencerResponse) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&resp.Model)
	t.responses.put(resp.ID, *resp)
	return nil
}

func (m *MemoryStore) ListResponses(ctx context.Context, sequenceID string) ([]models.InfluencerResponse, error) {
	t, unlock := m.lock()
	defer unlock()
	var out []models.InfluencerResponse
	for _, r := range t.responses.all() {
		if r.SequenceID == sequenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Collaborator records

func (m *MemoryStore) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&tpl.Model)
	t.templates.put(tpl.ID, *tpl)
	return nil
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	t, unlock := m.lock()
	defer unlock()
	tpl, ok := t.templates.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &tpl, nil
}

func (m *MemoryStore) CreateInfluencer(ctx context.Context, inf *models.Influencer) error {
	t, unlock := m.lock()
	defer unlock()
	stamp(&inf.Model)
	t.influencers.put(inf.ID, *inf)
	return nil
}

func (m *MemoryStore) GetInfluencer(ctx context.Context, id string) (*models.Influencer, error) {
	t, unlock := m.lock()
	defer unlock()
	inf, ok := t.influencers.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &inf, nil
}
