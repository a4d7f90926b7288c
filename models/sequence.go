package models

import "time"

// SequenceStatus is the lifecycle state of a Sequence.
type SequenceStatus string

const (
	SequenceDraft     SequenceStatus = "draft"
	SequenceActive    SequenceStatus = "active"
	SequencePaused    SequenceStatus = "paused"
	SequenceCompleted SequenceStatus = "completed"
)

func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceDraft, SequenceActive, SequencePaused, SequenceCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Paused sequences cannot be resumed.
func (s SequenceStatus) CanTransitionTo(next SequenceStatus) bool {
	switch s {
	case SequenceDraft:
		return next == SequenceActive
	case SequenceActive:
		return next == SequencePaused || next == SequenceCompleted
	}
	return false
}

// RecipientStatus tracks one recipient's progress through a sequence.
type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientInProgress   RecipientStatus = "in_progress"
	RecipientCompleted    RecipientStatus = "completed"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)

func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientPending, RecipientInProgress, RecipientCompleted, RecipientUnsubscribed:
		return true
	}
	return false
}

// Active reports whether the recipient can still receive emails.
func (s RecipientStatus) Active() bool {
	return s == RecipientPending || s == RecipientInProgress
}

// Sequence is a named, ordered plan of emails sent to a set of influencers
type Sequence struct {
	Model
	BrandID      string `gorm:"not null;index" json:"brand_id"`
	BrandName    string `json:"brand_name"`
	CampaignID   string `gorm:"not null;index" json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	Name         string `gorm:"not null" json:"name"`

	Status SequenceStatus `gorm:"type:varchar(20);default:'draft';index" json:"status"`

	// Statistics (denormalized, only ever incremented)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	EmailsSent      int `gorm:"default:0" json:"emails_sent"`
	Opens           int `gorm:"default:0" json:"opens"`
	Clicks          int `gorm:"default:0" json:"clicks"`
	Replies         int `gorm:"default:0" json:"replies"`

	StartedAt   *time.Time `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Steps      []SequenceStep      `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Recipients []SequenceRecipient `gorm:"foreignKey:SequenceID" json:"recipients,omitempty"`
}

// SequenceStep is one position in a sequence's email plan.
type SequenceStep struct {
	Model
	SequenceID string  `gorm:"not null;index;uniqueIndex:idx_step_order" json:"sequence_id"`
	StepOrder  int     `gorm:"not null;uniqueIndex:idx_step_order" json:"step_order"`
	TemplateID *string `gorm:"index" json:"template_id,omitempty"`

	CustomSubject string `json:"custom_subject,omitempty"`
	CustomBody    string `gorm:"type:text" json:"custom_body,omitempty"`

	// Offset from the previous step's send time (or the sequence start for step 1)
	DelayDays  int `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int `gorm:"not null;default:0" json:"delay_hours"`

	IsActive bool `gorm:"not null" json:"is_active"`
}

func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// SequenceRecipient enrolls one influencer in a sequence.
type SequenceRecipient struct {
	Model
	SequenceID   string          `gorm:"not null;index" json:"sequence_id"`
	InfluencerID string          `gorm:"not null;index" json:"influencer_id"`
	Email        string          `gorm:"not null" json:"email"`
	Status       RecipientStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	CurrentStep  int             `gorm:"default:0" json:"current_step"` // last step successfully sent
}
