package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreachly/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational Store. Production runs it on postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AllModels lists every table the engine owns, parents first.
func AllModels() []interface{} {
	return []interface{}{
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceRecipient{},
		&models.EmailJob{},
		&models.TrackingEvent{},
		&models.InfluencerResponse{},
		&models.Template{},
		&models.Influencer{},
	}
}

// Migrate creates or updates the engine's tables.
func (g *GormStore) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(AllModels()...)
}

func (g *GormStore) conn(ctx context.Context) *gorm.DB {
	return g.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return g.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Sequences

func (g *GormStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return g.conn(ctx).Omit(clause.Associations).Create(seq).Error
}

func (g *GormStore) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	var seq models.Sequence
	if err := g.conn(ctx).Where("id = ?", id).First(&seq).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (g *GormStore) ListSequences(ctx context.Context, brandID string) ([]models.Sequence, error) {
	var seqs []models.Sequence
	q := g.conn(ctx).Order("created_at DESC")
	if brandID != "" {
		q = q.Where("brand_id = ?", brandID)
	}
	if err := q.Find(&seqs).Error; err != nil {
		return nil, err
	}
	return seqs, nil
}

func (g *GormStore) TransitionSequence(ctx context.Context, id string, from, to models.SequenceStatus, at time.Time) error {
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.SequenceActive:
		updates["started_at"] = at
	case models.SequencePaused:
		updates["paused_at"] = at
	case models.SequenceCompleted:
		updates["completed_at"] = at
	}
	res := g.conn(ctx).Model(&models.Sequence{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetSequence(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (g *GormStore) IncrementSequenceCounter(ctx context.Context, id string, counter Counter, delta int) error {
	if !counter.Valid() {
		return fmt.Errorf("unknown counter %q", counter)
	}
	col := string(counter)
	res := g.conn(ctx).Model(&models.Sequence{}).
		Where("id = ?", id).
		UpdateColumn(col, gorm.Expr(col+" + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) DeleteSequenceCascade(ctx context.Context, id string) error {
	return g.conn(ctx).Transaction(func(tx *gorm.DB) error {
		jobIDs := tx.Model(&models.EmailJob{}).Select("id").Where("sequence_id = ?", id)
		if err := tx.Where("job_id IN (?)", jobIDs).Delete(&models.TrackingEvent{}).Error; err != nil {
			return fmt.Errorf("delete tracking events: %w", err)
		}

		// Delete in proper order to respect foreign keys
		tables := []interface{}{
			&models.EmailJob{},
			&models.InfluencerResponse{},
			&models.SequenceRecipient{},
			&models.SequenceStep{},
		}
		for _, table := range tables {
			if err := tx.Where("sequence_id = ?", id).Delete(table).Error; err != nil {
				return fmt.Errorf("delete %T: %w", table, err)
			}
		}
		return tx.Where("id = ?", id).Delete(&models.Sequence{}).Error
	})
}

// Steps

func (g *GormStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	return g.conn(ctx).Create(step).Error
}

func (g *GormStore) GetStep(ctx context.Context, id string) (*models.SequenceStep, error) {
	var step models.SequenceStep
	if err := g.conn(ctx).Where("id = ?", id).First(&step).Error; err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

func (g *GormStore) ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := g.conn(ctx).Where("sequence_id = ?", sequenceID).Order("step_order ASC").Find(&steps).Error
	return steps, err
}

func (g *GormStore) NextActiveStep(ctx context.Context, sequenceID string, afterOrder int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := g.conn(ctx).
		Where("sequence_id = ? AND step_order > ? AND is_active = ?", sequenceID, afterOrder, true).
		Order("step_order ASC").
		First(&step).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// Recipients

func (g *GormStore) CreateRecipient(ctx context.Context, r *models.SequenceRecipient) error {
	return g.conn(ctx).Create(r).Error
}

func (g *GormStore) GetRecipient(ctx context.Context, id string) (*models.SequenceRecipient, error) {
	var r models.SequenceRecipient
	if err := g.conn(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (g *GormStore) ListRecipients(ctx context.Context, sequenceID string) ([]models.SequenceRecipient, error) {
	var rs []models.SequenceRecipient
	err := g.conn(ctx).Where("sequence_id = ?", sequenceID).Order("created_at ASC").Find(&rs).Error
	return rs, err
}

func (g *GormStore) FindRecipient(ctx context.Context, sequenceID, influencerID string) (*models.SequenceRecipient, error) {
	var r models.SequenceRecipient
	err := g.conn(ctx).
		Where("sequence_id = ? AND influencer_id = ?", sequenceID, influencerID).
		Order("created_at ASC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (g *GormStore) AdvanceRecipient(ctx context.Context, id string, stepOrder int) error {
	res := g.conn(ctx).Model(&models.SequenceRecipient{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step": stepOrder,
			"status": gorm.Expr("CASE WHEN status IN (?, ?) THEN ? ELSE status END",
				models.RecipientPending, models.RecipientInProgress, models.RecipientInProgress),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) UpdateRecipientStatus(ctx context.Context, id string, to models.RecipientStatus, from ...models.RecipientStatus) (bool, error) {
	q := g.conn(ctx).Model(&models.SequenceRecipient{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetRecipient(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Jobs

func (g *GormStore) CreateJob(ctx context.Context, job *models.EmailJob) error {
	return g.conn(ctx).Create(job).Error
}

func (g *GormStore) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	var job models.EmailJob
	if err := g.conn(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (g *GormStore) FindJobByTrackingID(ctx context.Context, trackingID string) (*models.EmailJob, error) {
	var job models.EmailJob
	if err := g.conn(ctx).Where("tracking_id = ?", trackingID).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (g *GormStore) FindJobByMessageID(ctx context.Context, messageID string) (*models.EmailJob, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	var job models.EmailJob
	if err := g.conn(ctx).Where("provider_message_id = ?", messageID).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func applyJobFilter(q *gorm.DB, f JobFilter) *gorm.DB {
	if f.JobID != "" {
		q = q.Where("id = ?", f.JobID)
	}
	if f.SequenceID != "" {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if f.RecipientID != "" {
		q = q.Where("recipient_id = ?", f.RecipientID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	return q
}

func (g *GormStore) ListJobs(ctx context.Context, filter JobFilter) ([]models.EmailJob, error) {
	var jobs []models.EmailJob
	err := applyJobFilter(g.conn(ctx).Model(&models.EmailJob{}), filter).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (g *GormStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error) {
	var jobs []models.EmailJob
	q := g.conn(ctx).
		Where("status = ? AND scheduled_at <= ?", models.JobScheduled, now).
		Order("scheduled_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// transitionJob runs a conditional update on a job in status from.
func (g *GormStore) transitionJob(ctx context.Context, id string, from models.JobStatus, missing error, updates map[string]interface{}) error {
	res := g.conn(ctx).Model(&models.EmailJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetJob(ctx, id); err != nil {
			return err
		}
		return missing
	}
	return nil
}

func (g *GormStore) ClaimJob(ctx context.Context, id string, now time.Time) (*models.EmailJob, error) {
	res := g.conn(ctx).Model(&models.EmailJob{}).
		Where("id = ? AND status = ? AND scheduled_at <= ?", id, models.JobScheduled, now).
		Update("status", models.JobSending)
	if res.Error != nil {
		return nil, res.Error
	}
	job, err := g.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotClaimed
	}
	return job, nil
}

func (g *GormStore) MarkJobSent(ctx context.Context, id string, sentAt time.Time, providerMessageID string) error {
	return g.transitionJob(ctx, id, models.JobSending, ErrConflict, map[string]interface{}{
		"status":              models.JobSent,
		"sent_at":             sentAt,
		"provider_message_id": providerMessageID,
		"error_message":       "",
	})
}

func (g *GormStore) RescheduleJob(ctx context.Context, id string, at time.Time, retryCount int, errMsg string) error {
	return g.transitionJob(ctx, id, models.JobSending, ErrConflict, map[string]interface{}{
		"status":        models.JobScheduled,
		"scheduled_at":  at,
		"retry_count":   retryCount,
		"error_message": errMsg,
	})
}

func (g *GormStore) FailJob(ctx context.Context, id string, errMsg string) error {
	return g.transitionJob(ctx, id, models.JobSending, ErrConflict, map[string]interface{}{
		"status":        models.JobFailed,
		"error_message": errMsg,
	})
}

func (g *GormStore) CancelJobs(ctx context.Context, filter JobFilter, reason string) (int64, error) {
	q := applyJobFilter(g.conn(ctx).Model(&models.EmailJob{}), filter).
		Where("status NOT IN ?", []models.JobStatus{models.JobSent, models.JobFailed, models.JobCancelled})
	res := q.Updates(map[string]interface{}{
		"status":        models.JobCancelled,
		"error_message": reason,
	})
	return res.RowsAffected, res.Error
}

// Events

func (g *GormStore) AppendEvent(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	res := g.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *GormStore) ListEvents(ctx context.Context, sequenceID string) ([]models.TrackingEvent, error) {
	var events []models.TrackingEvent
	jobIDs := g.conn(ctx).Model(&models.EmailJob{}).Select("id").Where("sequence_id = ?", sequenceID)
	err := g.conn(ctx).
		Where("job_id IN (?)", jobIDs).
		Order("occurred_at ASC").
		Find(&events).Error
	return events, err
}

// Responses

func (g *GormStore) CreateResponse(ctx context.Context, resp *models.InfluencerResponse) error {
	return g.conn(ctx).Create(resp).Error
}

func (g *GormStore) ListResponses(ctx context.Context, sequenceID string) ([]models.InfluencerResponse, error) {
	var rs []models.InfluencerResponse
	err := g.conn(ctx).Where("sequence_id = ?", sequenceID).Order("response_date ASC").Find(&rs).Error
	return rs, err
}

// Collaborator records

func (g *GormStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	return g.conn(ctx).Create(t).Error
}

func (g *GormStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	if err := g.conn(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (g *GormStore) CreateInfluencer(ctx context.Context, inf *models.Influencer) error {
	return g.conn(ctx).Create(inf).Error
}

func (g *GormStore) GetInfluencer(ctx context.Context, id string) (*models.Influencer, error) {
	var inf models.Influencer
	if err := g.conn(ctx).Where("id = ?", id).First(&inf).Error; err != nil {
		return nil, notFound(err)
	}
	return &inf, nil
}
